package itunes

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"resolvd/internal/pipeline"
	"resolvd/internal/provider"
	"resolvd/internal/registry"
)

const ID = "itunes"

// Client is an iTunes Search API resolver.
type Client struct {
	httpClient *http.Client
	apiURL     string
	country    string
}

// New creates a new iTunes client. An empty country uses the store's
// default (US).
func New(country string) *Client {
	return &Client{
		httpClient: provider.NewHTTPClient(),
		apiURL:     "https://itunes.apple.com/search",
		country:    country,
	}
}

func (c *Client) ID() string { return ID }

func (c *Client) Capabilities() registry.Capability {
	return registry.Structured | registry.FullText
}

// Resolve queries the iTunes Search API and returns matching songs.
func (c *Client) Resolve(ctx context.Context, req pipeline.Request) ([]pipeline.Candidate, error) {
	term := buildTerm(req)
	if term == "" {
		return nil, nil
	}

	params := url.Values{}
	params.Set("term", term)
	params.Set("media", "music")
	params.Set("entity", "song")
	params.Set("limit", "5")
	if c.country != "" {
		params.Set("country", c.country)
	}

	var searchResp searchResponse
	if _, err := provider.GetJSON(ctx, c.httpClient, ID, fmt.Sprintf("%s?%s", c.apiURL, params.Encode()), &searchResp); err != nil {
		return nil, err
	}
	return parseResults(searchResp.Results), nil
}

func buildTerm(req pipeline.Request) string {
	if req.FullText != "" {
		return strings.TrimSpace(req.FullText)
	}
	var parts []string
	if req.Fields.Track != "" {
		parts = append(parts, req.Fields.Track)
	}
	if req.Fields.Artist != "" {
		parts = append(parts, req.Fields.Artist)
	}
	return strings.Join(parts, " ")
}

func parseResults(items []resultItem) []pipeline.Candidate {
	var results []pipeline.Candidate
	for _, item := range items {
		if item.Kind != "" && item.Kind != "song" {
			continue
		}
		results = append(results, pipeline.Candidate{
			Track:    item.TrackName,
			Artist:   item.ArtistName,
			Album:    item.CollectionName,
			Duration: time.Duration(item.TrackTimeMillis) * time.Millisecond,
			Locator:  item.TrackViewURL,
		})
	}
	return results
}

// iTunes Search API response types

type searchResponse struct {
	ResultCount int          `json:"resultCount"`
	Results     []resultItem `json:"results"`
}

type resultItem struct {
	Kind            string `json:"kind"`
	TrackName       string `json:"trackName"`
	ArtistName      string `json:"artistName"`
	CollectionName  string `json:"collectionName"`
	TrackTimeMillis int    `json:"trackTimeMillis"`
	TrackViewURL    string `json:"trackViewUrl"`
}
