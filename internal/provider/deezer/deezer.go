package deezer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"resolvd/internal/infosystem"
	"resolvd/internal/pipeline"
	"resolvd/internal/provider"
	"resolvd/internal/registry"
)

const (
	ID = "deezer"

	topTracksLimit = 15
	relatedLimit   = 10
)

// Client is a Deezer API client. It resolves tracks for the pipeline and
// serves top songs and similar artists to the info system.
type Client struct {
	httpClient *http.Client
	apiURL     string
}

// New creates a new Deezer client.
func New() *Client {
	return &Client{
		httpClient: provider.NewHTTPClient(),
		apiURL:     "https://api.deezer.com",
	}
}

func (c *Client) ID() string   { return ID }
func (c *Client) Name() string { return ID }

func (c *Client) Capabilities() registry.Capability {
	return registry.Structured | registry.FullText
}

func (c *Client) Types() []infosystem.Type {
	return []infosystem.Type{infosystem.TopSongs, infosystem.SimilarArtists}
}

// Resolve queries the Deezer search API and returns matching tracks.
func (c *Client) Resolve(ctx context.Context, req pipeline.Request) ([]pipeline.Candidate, error) {
	q := req.FullText
	if q == "" {
		q = buildQuery(req)
	}
	if q == "" {
		return nil, nil
	}

	var searchResp searchResponse
	reqURL := fmt.Sprintf("%s/search?q=%s&limit=5", c.apiURL, url.QueryEscape(q))
	if err := c.get(ctx, reqURL, &searchResp); err != nil {
		return nil, err
	}
	return parseResults(searchResp.Data), nil
}

// Fetch answers TopSongs and SimilarArtists requests for the artist named
// in the request input.
func (c *Client) Fetch(ctx context.Context, rd infosystem.RequestData) (infosystem.Payload, error) {
	name := strings.TrimSpace(rd.Input.Get("artist"))
	if name == "" {
		return nil, fmt.Errorf("deezer: no artist in request")
	}

	a, err := c.findArtist(ctx, name)
	if err != nil {
		return nil, err
	}
	payload := infosystem.Payload{"artist": name}
	if a == nil {
		return payload, nil
	}

	switch rd.Type {
	case infosystem.TopSongs:
		var resp searchResponse
		if err := c.get(ctx, fmt.Sprintf("%s/artist/%d/top?limit=%d", c.apiURL, a.ID, topTracksLimit), &resp); err != nil {
			return nil, err
		}
		tracks := make([]string, 0, len(resp.Data))
		for _, item := range resp.Data {
			tracks = append(tracks, item.TitleShort)
		}
		payload["tracks"] = tracks
	case infosystem.SimilarArtists:
		var resp artistResponse
		if err := c.get(ctx, fmt.Sprintf("%s/artist/%d/related?limit=%d", c.apiURL, a.ID, relatedLimit), &resp); err != nil {
			return nil, err
		}
		artists := make([]string, 0, len(resp.Data))
		for _, item := range resp.Data {
			artists = append(artists, item.Name)
		}
		payload["artists"] = artists
	default:
		return nil, fmt.Errorf("deezer: unsupported request type %s", rd.Type)
	}
	return payload, nil
}

// findArtist returns the best matching artist or nil if there is none.
func (c *Client) findArtist(ctx context.Context, name string) (*artist, error) {
	var resp artistResponse
	reqURL := fmt.Sprintf("%s/search/artist?q=%s&limit=5", c.apiURL, url.QueryEscape(name))
	if err := c.get(ctx, reqURL, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Data {
		if strings.EqualFold(resp.Data[i].Name, name) {
			return &resp.Data[i], nil
		}
	}
	if len(resp.Data) > 0 {
		return &resp.Data[0], nil
	}
	return nil, nil
}

type apiResponse interface {
	apiErr() *apiError
}

func (c *Client) get(ctx context.Context, reqURL string, v apiResponse) error {
	if _, err := provider.GetJSON(ctx, c.httpClient, "deezer", reqURL, v); err != nil {
		return err
	}
	if e := v.apiErr(); e != nil {
		return fmt.Errorf("deezer API error: %s", e.Message)
	}
	return nil
}

func buildQuery(req pipeline.Request) string {
	escape := func(s string) string {
		return strings.ReplaceAll(s, "\"", "")
	}
	var parts []string
	if req.Fields.Track != "" {
		parts = append(parts, "track:\""+escape(req.Fields.Track)+"\"")
	}
	if req.Fields.Artist != "" {
		parts = append(parts, "artist:\""+escape(req.Fields.Artist)+"\"")
	}
	if req.Fields.Album != "" {
		parts = append(parts, "album:\""+escape(req.Fields.Album)+"\"")
	}
	return strings.Join(parts, " ")
}

func parseResults(items []trackItem) []pipeline.Candidate {
	var results []pipeline.Candidate
	for _, item := range items {
		title := item.TitleShort
		if title == "" {
			title = item.Title
		}
		locator := item.Link
		if locator == "" && item.ID != 0 {
			locator = fmt.Sprintf("https://www.deezer.com/track/%d", item.ID)
		}
		results = append(results, pipeline.Candidate{
			Artist:   item.Artist.Name,
			Track:    title,
			Album:    item.Album.Title,
			Duration: time.Duration(item.Duration) * time.Second,
			Locator:  locator,
		})
	}
	return results
}

// Deezer API response types

type searchResponse struct {
	Data  []trackItem `json:"data"`
	Error *apiError   `json:"error,omitempty"`
}

func (r *searchResponse) apiErr() *apiError { return r.Error }

type artistResponse struct {
	Data  []artist  `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

func (r *artistResponse) apiErr() *apiError { return r.Error }

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type trackItem struct {
	ID         int       `json:"id"`
	Title      string    `json:"title"`
	TitleShort string    `json:"title_short"`
	Link       string    `json:"link"`
	Duration   int       `json:"duration"`
	Artist     artist    `json:"artist"`
	Album      albumInfo `json:"album"`
}

type artist struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type albumInfo struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}
