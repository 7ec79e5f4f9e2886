// Package provider contains resolver and info backend implementations for
// remote services (Deezer, iTunes, MusicBrainz, Spotify, LRCLIB, Wikipedia).
//
// The interfaces are defined where they are consumed: pipeline.Resolver and
// infosystem.Backend. Each sub-package implements one or both of them for a
// specific service. This package holds the HTTP plumbing they share.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

const UserAgent = "resolvd/1.0"

// DefaultTimeout bounds a single HTTP exchange with a provider.
const DefaultTimeout = 10 * time.Second

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusError is returned when a provider answers with a non-200 status.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Service, e.Code, e.Body)
}

// NewHTTPClient returns the client providers use unless one is injected.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultTimeout}
}

// GetJSON fetches reqURL and decodes the JSON body into v. A 404 reports
// found=false without an error so callers can treat it as "no result".
func GetJSON(ctx context.Context, c *http.Client, service, reqURL string, v any) (found bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create %s request: %w", service, err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s request failed: %w", service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &StatusError{Service: service, Code: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, fmt.Errorf("failed to decode %s response: %w", service, err)
	}
	return true, nil
}
