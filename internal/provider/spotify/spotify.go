package spotify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"

	"resolvd/internal/pipeline"
	"resolvd/internal/registry"
)

const ID = "spotify"

var ErrNoCredentials = errors.New("spotify client id and secret are required")

// Client resolves tracks through the Spotify Web API using the client
// credentials flow. The token is fetched lazily and refreshed by oauth2.
type Client struct {
	clientID     string
	clientSecret string
	market       string

	// Overridable for testing
	tokenURL string
	apiURL   string

	once   sync.Once
	client *spotify.Client
}

// New creates a new Spotify client.
func New(clientID, clientSecret, market string) (*Client, error) {
	if clientID == "" || clientSecret == "" {
		return nil, ErrNoCredentials
	}
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		market:       market,
		tokenURL:     spotifyauth.TokenURL,
	}, nil
}

func (c *Client) ID() string { return ID }

func (c *Client) Capabilities() registry.Capability {
	return registry.Structured | registry.FullText
}

func (c *Client) api() *spotify.Client {
	c.once.Do(func() {
		config := &clientcredentials.Config{
			ClientID:     c.clientID,
			ClientSecret: c.clientSecret,
			TokenURL:     c.tokenURL,
		}
		httpClient := config.Client(context.Background())
		httpClient.Timeout = 10 * time.Second

		var opts []spotify.ClientOption
		if c.apiURL != "" {
			opts = append(opts, spotify.WithBaseURL(c.apiURL))
		}
		c.client = spotify.New(httpClient, opts...)
	})
	return c.client
}

// Resolve searches the Spotify catalog for tracks.
func (c *Client) Resolve(ctx context.Context, req pipeline.Request) ([]pipeline.Candidate, error) {
	q := buildSearchQuery(req)
	if q == "" {
		return nil, nil
	}

	opts := []spotify.RequestOption{spotify.Limit(5)}
	if c.market != "" {
		opts = append(opts, spotify.Market(c.market))
	}
	res, err := c.api().Search(ctx, q, spotify.SearchTypeTrack, opts...)
	if err != nil {
		var se spotify.Error
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("spotify search failed: %w", err)
	}
	if res.Tracks == nil {
		return nil, nil
	}
	return parseTracks(res.Tracks.Tracks), nil
}

func buildSearchQuery(req pipeline.Request) string {
	if req.FullText != "" {
		return strings.TrimSpace(req.FullText)
	}
	var parts []string
	if req.Fields.Track != "" {
		parts = append(parts, "track:"+req.Fields.Track)
	}
	if req.Fields.Artist != "" {
		parts = append(parts, "artist:"+req.Fields.Artist)
	}
	if req.Fields.Album != "" {
		parts = append(parts, "album:"+req.Fields.Album)
	}
	return strings.Join(parts, " ")
}

func parseTracks(tracks []spotify.FullTrack) []pipeline.Candidate {
	var results []pipeline.Candidate
	for _, t := range tracks {
		artists := make([]string, 0, len(t.Artists))
		for _, a := range t.Artists {
			artists = append(artists, a.Name)
		}
		locator := t.ExternalURLs["spotify"]
		if locator == "" {
			locator = string(t.URI)
		}
		results = append(results, pipeline.Candidate{
			Track:    t.Name,
			Artist:   strings.Join(artists, ", "),
			Album:    t.Album.Name,
			Duration: time.Duration(t.Duration) * time.Millisecond,
			Locator:  locator,
		})
	}
	return results
}
