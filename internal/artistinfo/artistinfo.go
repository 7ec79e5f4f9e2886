// Package artistinfo assembles an artist page: biography, similar artists
// and top songs from the info system, with the top songs resolved to
// playable results through the pipeline.
package artistinfo

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"resolvd/internal/infosystem"
	"resolvd/internal/logger"
	"resolvd/internal/pipeline"
	"resolvd/internal/query"
	"resolvd/internal/scorer"
)

// MaxTopHits caps how many top songs are turned into queries.
const MaxTopHits = 15

// PreferredBiographySource wins when several sources return a biography.
const PreferredBiographySource = "wikipedia"

var ErrNoArtist = errors.New("artist name is empty")

// Snapshot is a consistent copy of the page state.
type Snapshot struct {
	Artist          string
	Biography       string
	BiographySource string
	Similar         []string
	TopHits         []*query.Query
	// Pending counts info requests still outstanding.
	Pending int
}

// Page loads info for one artist at a time. Loading another artist
// abandons the previous one's requests and queries.
type Page struct {
	info     *infosystem.InfoSystem
	pipeline *pipeline.Pipeline
	log      *logger.Logger
	caller   string

	unregister func()

	mu        sync.Mutex
	artist    string
	bio       string
	bioSource string
	similar   []string
	topHits   []*query.Query
	pending   map[uint64]infosystem.Type
	listeners []func(Snapshot)
}

func New(info *infosystem.InfoSystem, p *pipeline.Pipeline, log *logger.Logger) *Page {
	pg := &Page{
		info:     info,
		pipeline: p,
		log:      log,
		caller:   "artistinfo-" + uuid.New().String(),
		pending:  make(map[uint64]infosystem.Type),
	}
	pg.unregister = info.Register(pg.caller, pg.onInfo)
	return pg
}

// Caller is the id this page submits info requests under.
func (pg *Page) Caller() string { return pg.caller }

// OnChange registers fn to receive a snapshot after every update.
func (pg *Page) OnChange(fn func(Snapshot)) {
	pg.mu.Lock()
	pg.listeners = append(pg.listeners, fn)
	pg.mu.Unlock()
}

// Load requests biography, similar artists and top songs for artist. It
// fails only if none of the requests could be submitted.
func (pg *Page) Load(artist string) error {
	artist = strings.TrimSpace(artist)
	if artist == "" {
		return ErrNoArtist
	}

	pg.mu.Lock()
	old := pg.resetLocked(artist)

	byField := infosystem.Input{Fields: map[string]string{"artist": artist}}
	requests := []infosystem.RequestData{
		{Caller: pg.caller, Type: infosystem.Biography, Input: infosystem.Input{Text: artist}},
		{Caller: pg.caller, Type: infosystem.SimilarArtists, Input: byField},
		{Caller: pg.caller, Type: infosystem.TopSongs, Input: byField},
	}

	var errs []error
	for _, rd := range requests {
		// Holding mu here makes any early callback wait until its id is recorded.
		id, err := pg.info.Submit(rd)
		if err != nil {
			pg.log.Debug("Artist page %s: %s not requested: %v", artist, rd.Type, err)
			errs = append(errs, err)
			continue
		}
		pg.pending[id] = rd.Type
	}
	pg.mu.Unlock()

	for _, q := range old {
		pg.pipeline.Cancel(q)
		pg.pipeline.Forget(q)
	}

	if len(errs) == len(requests) {
		return fmt.Errorf("loading %s: %w", artist, errors.Join(errs...))
	}
	return nil
}

// resetLocked clears the page for artist and returns the previous top hits.
func (pg *Page) resetLocked(artist string) []*query.Query {
	for id := range pg.pending {
		pg.info.Cancel(pg.caller, id)
	}
	old := pg.topHits

	pg.artist = artist
	pg.bio, pg.bioSource = "", ""
	pg.similar = nil
	pg.topHits = nil
	pg.pending = make(map[uint64]infosystem.Type)
	return old
}

// Snapshot returns the current page state.
func (pg *Page) Snapshot() Snapshot {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.snapshotLocked()
}

func (pg *Page) snapshotLocked() Snapshot {
	return Snapshot{
		Artist:          pg.artist,
		Biography:       pg.bio,
		BiographySource: pg.bioSource,
		Similar:         append([]string(nil), pg.similar...),
		TopHits:         append([]*query.Query(nil), pg.topHits...),
		Pending:         len(pg.pending),
	}
}

// Close cancels outstanding requests and the top hit queries.
func (pg *Page) Close() {
	pg.unregister()

	pg.mu.Lock()
	hits := pg.topHits
	pg.pending = make(map[uint64]infosystem.Type)
	pg.mu.Unlock()

	for _, q := range hits {
		pg.pipeline.Cancel(q)
		pg.pipeline.Forget(q)
	}
}

func (pg *Page) onInfo(rd infosystem.RequestData, payload infosystem.Payload, err error) {
	pg.mu.Lock()
	if _, ok := pg.pending[rd.RequestID]; !ok {
		pg.mu.Unlock()
		return
	}
	delete(pg.pending, rd.RequestID)

	if got := rd.Input.Get("artist"); !strings.EqualFold(got, pg.artist) {
		pg.log.Debug("Returned info was for %q, page shows %q", got, pg.artist)
		pg.mu.Unlock()
		return
	}

	switch {
	case err != nil:
		pg.log.Debug("Artist page %s: %s failed: %v", pg.artist, rd.Type, err)
	case rd.Type == infosystem.Biography:
		pg.bioSource, pg.bio = pickBiography(payload)
	case rd.Type == infosystem.SimilarArtists:
		pg.similar = stringList(payload["artists"])
	case rd.Type == infosystem.TopSongs:
		pg.topHits = pg.topHitQueries(stringList(payload["tracks"]))
		// Dispatched under mu: once Pending reads zero every top hit has a
		// round the pipeline can be waited on.
		if len(pg.topHits) > 0 {
			if err := pg.pipeline.Resolve(pg.topHits...); err != nil {
				pg.log.Warn("Resolving top hits for %s: %v", pg.artist, err)
			}
		}
	}

	snap := pg.snapshotLocked()
	listeners := append([]func(Snapshot){}, pg.listeners...)
	pg.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

// topHitQueries builds at most MaxTopHits queries, skipping blank and
// repeated titles.
func (pg *Page) topHitQueries(tracks []string) []*query.Query {
	seen := make(map[string]bool)
	out := make([]*query.Query, 0, MaxTopHits)
	for _, track := range tracks {
		key := scorer.Normalize(track)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		q, err := query.New(pg.artist, track, "")
		if err != nil {
			continue
		}
		out = append(out, q)
		if len(out) == MaxTopHits {
			break
		}
	}
	return out
}

// pickBiography prefers PreferredBiographySource and otherwise takes the
// first non-empty text in source order. Values are either plain strings or
// maps with a "text" entry.
func pickBiography(p infosystem.Payload) (source, text string) {
	sources := make([]string, 0, len(p))
	for s := range p {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	for _, s := range sources {
		t := biographyText(p[s])
		if t == "" {
			continue
		}
		if text == "" || s == PreferredBiographySource {
			source, text = s, t
		}
	}
	return source, text
}

func biographyText(v any) string {
	switch b := v.(type) {
	case string:
		return strings.TrimSpace(b)
	case map[string]any:
		s, _ := b["text"].(string)
		return strings.TrimSpace(s)
	case map[string]string:
		return strings.TrimSpace(b["text"])
	}
	return ""
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return append([]string(nil), l...)
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
