package library

import (
	"context"
	"net/url"

	"resolvd/internal/pipeline"
	"resolvd/internal/registry"
	"resolvd/internal/store"
)

const (
	CollectionID       = "collection"
	CollectionPriority = 100

	searchLimit = 10
)

// Collection resolves queries against the local index. Matches carry a
// file:// locator.
type Collection struct {
	store *store.Store
}

func NewCollection(s *store.Store) *Collection {
	return &Collection{store: s}
}

// Descriptor is the registry entry for the collection. Local files are
// trusted fully and outrank every remote source.
func (c *Collection) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		ID:           CollectionID,
		Priority:     CollectionPriority,
		Weight:       1,
		Online:       true,
		Capacity:     4,
		Capabilities: registry.Structured | registry.FullText,
	}
}

func (c *Collection) ID() string { return CollectionID }

func (c *Collection) Resolve(ctx context.Context, req pipeline.Request) ([]pipeline.Candidate, error) {
	var tracks []store.Track
	var err error
	if req.FullText != "" {
		tracks, err = c.store.SearchText(ctx, req.FullText, searchLimit)
	} else {
		f := req.Fields
		f.Album = ""
		tracks, err = c.store.SearchTracks(ctx, f, searchLimit)
		if err == nil && len(tracks) == 0 && f.Artist != "" && f.Track != "" {
			// Artist tags vary ("The Beatles" vs "Beatles"); retry by title.
			f.Artist = ""
			tracks, err = c.store.SearchTracks(ctx, f, searchLimit)
		}
	}
	if err != nil {
		return nil, err
	}

	out := make([]pipeline.Candidate, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, pipeline.Candidate{
			Artist:   t.Artist,
			Track:    t.Track,
			Album:    t.Album,
			Duration: t.Duration,
			Locator:  Locator(t.Path),
		})
	}
	return out, nil
}

// Locator returns the file:// URL for a local path.
func Locator(path string) string {
	return (&url.URL{Scheme: "file", Path: path}).String()
}
