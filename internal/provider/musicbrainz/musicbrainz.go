package musicbrainz

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"resolvd/internal/pipeline"
	"resolvd/internal/provider"
	"resolvd/internal/registry"
)

const ID = "musicbrainz"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is a MusicBrainz Web API resolver. Requests are spaced at least
// minInterval apart across all goroutines.
type Client struct {
	httpClient  *http.Client
	apiURL      string
	minInterval time.Duration

	mu   sync.Mutex
	next time.Time
}

// New creates a new MusicBrainz client.
func New() *Client {
	return &Client{
		httpClient:  provider.NewHTTPClient(),
		apiURL:      "https://musicbrainz.org/ws/2",
		minInterval: time.Second,
	}
}

func (c *Client) ID() string { return ID }

func (c *Client) Capabilities() registry.Capability {
	return registry.Structured | registry.FullText
}

// Resolve queries the MusicBrainz recording search API.
func (c *Client) Resolve(ctx context.Context, req pipeline.Request) ([]pipeline.Candidate, error) {
	q := buildQuery(req)
	if q == "" {
		return nil, nil
	}

	reqURL := fmt.Sprintf("%s/recording?query=%s&fmt=json&limit=5", c.apiURL, url.QueryEscape(q))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create musicbrainz request: %w", err)
	}
	httpReq.Header.Set("User-Agent", provider.UserAgent)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.doWithRetry(ctx, httpReq)
	if err != nil {
		return nil, fmt.Errorf("musicbrainz search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &provider.StatusError{Service: ID, Code: resp.StatusCode, Body: string(body)}
	}

	var searchResp searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("failed to decode musicbrainz response: %w", err)
	}
	return parseRecordings(searchResp.Recordings), nil
}

// wait blocks until the client may send its next request.
func (c *Client) wait(ctx context.Context) error {
	c.mu.Lock()
	now := time.Now()
	at := c.next
	if at.Before(now) {
		at = now
	}
	c.next = at.Add(c.minInterval)
	c.mu.Unlock()

	d := time.Until(at)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// doWithRetry executes the request, retrying once on 429/503 after the
// server's Retry-After delay.
func (c *Client) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return resp, nil
	}
	resp.Body.Close()

	retryAfter := 2
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if parsed, err := strconv.Atoi(ra); err == nil {
			retryAfter = parsed
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(retryAfter) * time.Second):
	}

	c.mu.Lock()
	c.next = time.Now().Add(c.minInterval)
	c.mu.Unlock()
	return c.httpClient.Do(req.Clone(ctx))
}

// buildQuery renders a Lucene query. Free text is passed through as is.
func buildQuery(req pipeline.Request) string {
	if req.FullText != "" {
		return strings.TrimSpace(req.FullText)
	}
	var parts []string
	if req.Fields.Track != "" {
		parts = append(parts, fmt.Sprintf("recording:%q", req.Fields.Track))
	}
	if req.Fields.Artist != "" {
		parts = append(parts, fmt.Sprintf("artist:%q", req.Fields.Artist))
	}
	if req.Fields.Album != "" {
		parts = append(parts, fmt.Sprintf("release:%q", req.Fields.Album))
	}
	return strings.Join(parts, " AND ")
}

func parseRecordings(recordings []recording) []pipeline.Candidate {
	var results []pipeline.Candidate
	for _, rec := range recordings {
		c := pipeline.Candidate{
			Track:    rec.Title,
			Artist:   joinArtistCredits(rec.ArtistCredit),
			Duration: time.Duration(rec.Length) * time.Millisecond,
			Locator:  "https://musicbrainz.org/recording/" + rec.ID,
		}
		if len(rec.Releases) > 0 {
			c.Album = pickBestRelease(rec.Releases).Title
		}
		results = append(results, c)
	}
	return results
}

func joinArtistCredits(credits []artistCredit) string {
	var b strings.Builder
	for i, ac := range credits {
		b.WriteString(ac.Artist.Name)
		switch {
		case ac.JoinPhrase != "":
			b.WriteString(ac.JoinPhrase)
		case i < len(credits)-1:
			b.WriteString(", ")
		}
	}
	return strings.TrimSpace(b.String())
}

// pickBestRelease prefers official albums that are not compilations, then
// the earliest date.
func pickBestRelease(releases []release) release {
	best := releases[0]
	bestScore := releaseScore(best)

	for _, rel := range releases[1:] {
		s := releaseScore(rel)
		if s > bestScore || (s == bestScore && rel.Date != "" && (best.Date == "" || rel.Date < best.Date)) {
			best = rel
			bestScore = s
		}
	}
	return best
}

func releaseScore(rel release) int {
	score := 0
	if rel.Status == "Official" {
		score += 4
	}
	if rel.ReleaseGroup.PrimaryType == "Album" {
		score += 2
	}
	if len(rel.ReleaseGroup.SecondaryTypes) == 0 {
		score++
	}
	return score
}

// MusicBrainz API response types

type searchResponse struct {
	Recordings []recording `json:"recordings"`
}

type recording struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Length       int            `json:"length"`
	ArtistCredit []artistCredit `json:"artist-credit"`
	Releases     []release      `json:"releases"`
}

type artistCredit struct {
	Artist     artistInfo `json:"artist"`
	JoinPhrase string     `json:"joinphrase"`
}

type artistInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type release struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Status       string       `json:"status"`
	Date         string       `json:"date"`
	ReleaseGroup releaseGroup `json:"release-group"`
}

type releaseGroup struct {
	PrimaryType    string   `json:"primary-type"`
	SecondaryTypes []string `json:"secondary-types"`
}
