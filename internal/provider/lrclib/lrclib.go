// Package lrclib serves Lyrics info requests from LRCLIB.
package lrclib

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"resolvd/internal/infosystem"
	"resolvd/internal/provider"
)

const Name = "lrclib"

type Result struct {
	Synced string // LRC format with timestamps, empty if unavailable
	Plain  string // plain text lyrics, empty if unavailable
}

func (r Result) Empty() bool { return r.Synced == "" && r.Plain == "" }

type Client struct {
	httpClient *http.Client
	apiURL     string
	retryDelay time.Duration
}

func NewClient() *Client {
	return &Client{
		httpClient: provider.NewHTTPClient(),
		apiURL:     "https://lrclib.net/api/get",
		retryDelay: 2 * time.Second,
	}
}

func (c *Client) Name() string { return Name }

func (c *Client) Types() []infosystem.Type {
	return []infosystem.Type{infosystem.Lyrics}
}

// Fetch answers a Lyrics request. The input needs "artist" and "track"
// fields; "album" narrows the match when present. The payload always
// carries the "synced" and "plain" keys, empty when nothing was found.
func (c *Client) Fetch(ctx context.Context, rd infosystem.RequestData) (infosystem.Payload, error) {
	artist := strings.TrimSpace(rd.Input.Get("artist"))
	track := strings.TrimSpace(rd.Input.Get("track"))
	if artist == "" || track == "" {
		return nil, fmt.Errorf("lrclib: artist and track are required")
	}

	res, err := c.Lookup(ctx, artist, track, rd.Input.Get("album"))
	if err != nil {
		return nil, err
	}
	return infosystem.Payload{
		"artist": artist,
		"track":  track,
		"synced": res.Synced,
		"plain":  res.Plain,
	}, nil
}

// Lookup retrieves lyrics for the given track. It returns an empty Result
// (no error) when lyrics are not found and retries once on transient
// network errors.
func (c *Client) Lookup(ctx context.Context, artist, title, album string) (Result, error) {
	result, err := c.doLookup(ctx, artist, title, album)
	if err == nil || !isTransient(err) {
		return result, err
	}

	select {
	case <-ctx.Done():
		return Result{}, err
	case <-time.After(c.retryDelay):
	}
	return c.doLookup(ctx, artist, title, album)
}

func isTransient(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Client) doLookup(ctx context.Context, artist, title, album string) (Result, error) {
	params := url.Values{}
	params.Set("artist_name", artist)
	params.Set("track_name", title)
	if album != "" {
		params.Set("album_name", album)
	}

	var resp apiResponse
	found, err := provider.GetJSON(ctx, c.httpClient, Name, fmt.Sprintf("%s?%s", c.apiURL, params.Encode()), &resp)
	if err != nil || !found {
		return Result{}, err
	}
	return Result{Synced: resp.SyncedLyrics, Plain: resp.PlainLyrics}, nil
}

type apiResponse struct {
	SyncedLyrics string `json:"syncedLyrics"`
	PlainLyrics  string `json:"plainLyrics"`
}
