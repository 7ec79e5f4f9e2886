// Package wikipedia serves Biography info requests from the Wikipedia REST
// summary endpoint.
package wikipedia

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"resolvd/internal/infosystem"
	"resolvd/internal/provider"
)

const Name = "wikipedia"

// Disambiguation pages are retried with these qualifiers in order.
var qualifiers = []string{"band", "musician", "singer", "rapper"}

type Client struct {
	httpClient *http.Client
	apiURL     string
}

// New returns a client for the Wikipedia edition lang ("en" when empty).
func New(lang string) *Client {
	if lang == "" {
		lang = "en"
	}
	return &Client{
		httpClient: provider.NewHTTPClient(),
		apiURL:     fmt.Sprintf("https://%s.wikipedia.org/api/rest_v1/page/summary", lang),
	}
}

func (c *Client) Name() string { return Name }

func (c *Client) Types() []infosystem.Type {
	return []infosystem.Type{infosystem.Biography}
}

// Fetch returns {"wikipedia": {"text", "url"}} for the artist, or an empty
// payload when no article matches.
func (c *Client) Fetch(ctx context.Context, rd infosystem.RequestData) (infosystem.Payload, error) {
	artist := rd.Input.Get("artist")
	if artist == "" {
		return nil, fmt.Errorf("wikipedia: no artist in request")
	}

	titles := []string{artist}
	for _, q := range qualifiers {
		titles = append(titles, fmt.Sprintf("%s (%s)", artist, q))
	}

	for i, title := range titles {
		s, found, err := c.summary(ctx, title)
		if err != nil {
			return nil, err
		}
		if !found || s.Extract == "" {
			if i == 0 {
				// No article under the plain name means no qualified one either.
				return infosystem.Payload{}, nil
			}
			continue
		}
		if s.Type == "disambiguation" {
			continue
		}
		return infosystem.Payload{
			Name: map[string]any{
				"text": s.Extract,
				"url":  s.ContentURLs.Desktop.Page,
			},
		}, nil
	}
	return infosystem.Payload{}, nil
}

func (c *Client) summary(ctx context.Context, title string) (summary, bool, error) {
	var s summary
	reqURL := c.apiURL + "/" + url.PathEscape(strings.ReplaceAll(title, " ", "_"))
	found, err := provider.GetJSON(ctx, c.httpClient, Name, reqURL, &s)
	return s, found, err
}

type summary struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Extract     string `json:"extract"`
	ContentURLs struct {
		Desktop struct {
			Page string `json:"page"`
		} `json:"desktop"`
	} `json:"content_urls"`
}
