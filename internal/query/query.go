// Package query holds resolution requests and the results merged into them.
//
// A Query is shared by whoever created it and the pipeline resolving it; the
// garbage collector reclaims it once neither holds a reference.
package query

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"resolvd/internal/scorer"
)

// ErrInvalidArgument is returned when a query has nothing to search for.
var ErrInvalidArgument = errors.New("invalid argument")

// State is what a caller can tell about a query's resolution.
type State int

const (
	StatePending State = iota
	StateResolved
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateResolved:
		return "resolved"
	case StateExhausted:
		return "exhausted"
	default:
		return "pending"
	}
}

// EventKind distinguishes query notifications.
type EventKind int

const (
	// EventUpdated fires when the result set grows or the best result changes.
	EventUpdated EventKind = iota + 1
	// EventExhausted fires once per round when no resolver produced a result.
	EventExhausted
)

func (k EventKind) String() string {
	switch k {
	case EventUpdated:
		return "updated"
	case EventExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners. Best is only meaningful when HasBest is set.
type Event struct {
	Kind    EventKind
	Query   *Query
	Best    Result
	HasBest bool
	Count   int
}

// Listener receives query events. It runs on the goroutine that changed the
// query, which is usually a resolver's, so it must not block.
type Listener func(Event)

// Option configures a Query at construction.
type Option func(*Query)

// WithDuration sets a duration hint used to penalize mismatched candidates.
func WithDuration(d time.Duration) Option {
	return func(q *Query) { q.fields.Duration = d }
}

// Query is an immutable search descriptor with a mutable, concurrency-safe
// result set.
type Query struct {
	id       string
	fields   scorer.Fields
	fullText string
	created  time.Time

	mu        sync.Mutex
	results   []Result
	byKey     map[scorer.Key]Result
	arrivals  uint64
	round     uint64
	exhausted bool
	cancelled bool

	listeners    map[int]Listener
	nextListener int
}

// New creates a structured query. At least one field must be non-empty.
func New(artist, track, album string, opts ...Option) (*Query, error) {
	f := scorer.Fields{
		Artist: strings.TrimSpace(artist),
		Track:  strings.TrimSpace(track),
		Album:  strings.TrimSpace(album),
	}
	if f.Artist == "" && f.Track == "" && f.Album == "" {
		return nil, fmt.Errorf("query needs an artist, track or album: %w", ErrInvalidArgument)
	}
	return newQuery(f, "", opts), nil
}

// NewFullText creates a free-text query such as "Muse - Starlight".
func NewFullText(text string, opts ...Option) (*Query, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("full text query is empty: %w", ErrInvalidArgument)
	}
	return newQuery(ParseFullText(text), text, opts), nil
}

func newQuery(f scorer.Fields, fullText string, opts []Option) *Query {
	q := &Query{
		id:        uuid.New().String(),
		fields:    f,
		fullText:  fullText,
		created:   time.Now(),
		byKey:     make(map[scorer.Key]Result),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Query) ID() string              { return q.id }
func (q *Query) Artist() string          { return q.fields.Artist }
func (q *Query) Track() string           { return q.fields.Track }
func (q *Query) Album() string           { return q.fields.Album }
func (q *Query) Duration() time.Duration { return q.fields.Duration }
func (q *Query) CreatedAt() time.Time    { return q.created }

// IsFullText reports whether the query was built from free text.
func (q *Query) IsFullText() bool { return q.fullText != "" }

// FullText returns the original free text, or "" for structured queries.
func (q *Query) FullText() string { return q.fullText }

// Fields returns the fields used for scoring. For full-text queries these
// are parsed from the text.
func (q *Query) Fields() scorer.Fields { return q.fields }

func (q *Query) String() string {
	if q.fullText != "" {
		return fmt.Sprintf("%q", q.fullText)
	}
	parts := make([]string, 0, 3)
	for _, s := range []string{q.fields.Artist, q.fields.Track, q.fields.Album} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " - ")
}

// Subscribe registers a listener and returns a function that removes it.
func (q *Query) Subscribe(l Listener) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextListener
	q.nextListener++
	q.listeners[id] = l
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.listeners, id)
			q.mu.Unlock()
		})
	}
}

// AddResults merges candidates by equivalence key, keeping the better of
// two equivalent results. Merging is idempotent; replaying a batch changes
// nothing and fires nothing.
func (q *Query) AddResults(rs ...Result) {
	q.AddResultsIf(nil, rs...)
}

// AddResultsIf merges rs only if admit, evaluated under the query lock,
// returns true. A RemoveSource that races with it either sees the merged
// results or makes admit fail. admit must not call back into q. A nil
// admit always merges.
func (q *Query) AddResultsIf(admit func() bool, rs ...Result) bool {
	if len(rs) == 0 {
		return false
	}

	q.mu.Lock()
	if admit != nil && !admit() {
		q.mu.Unlock()
		return false
	}
	prevBest, hadBest := q.bestLocked()
	prevCount := len(q.results)
	changed := false

	for _, r := range rs {
		if r.Key == "" {
			r.Key = scorer.EquivalenceKey(r.Fields())
		}
		existing, ok := q.byKey[r.Key]
		if ok {
			// A replacement keeps the slot's arrival so ties stay stable.
			r.arrival = existing.arrival
			if !r.outranks(existing) || r.same(existing) {
				continue
			}
		} else {
			q.arrivals++
			r.arrival = q.arrivals
		}
		q.byKey[r.Key] = r
		changed = true
	}

	if !changed {
		q.mu.Unlock()
		return true
	}
	q.rebuildLocked()

	best, _ := q.bestLocked()
	grew := len(q.results) > prevCount
	bestChanged := !hadBest || !best.same(prevBest)
	ev, listeners := q.eventLocked(EventUpdated)
	q.mu.Unlock()

	if grew || bestChanged {
		notify(listeners, ev)
	}
	return true
}

// RemoveSource drops every result contributed by source, for example when
// that resolver goes offline. It returns how many results were removed.
func (q *Query) RemoveSource(source string) int {
	q.mu.Lock()
	removed := 0
	for k, r := range q.byKey {
		if r.Source == source {
			delete(q.byKey, k)
			removed++
		}
	}
	if removed == 0 {
		q.mu.Unlock()
		return 0
	}
	q.rebuildLocked()
	ev, listeners := q.eventLocked(EventUpdated)
	q.mu.Unlock()

	notify(listeners, ev)
	return removed
}

// BestResult returns the highest ranked result, if any.
func (q *Query) BestResult() (Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bestLocked()
}

// Results returns a snapshot ordered by score, then source priority, then
// arrival.
func (q *Query) Results() []Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Result, len(q.results))
	copy(out, q.results)
	return out
}

// Len returns the number of distinct results.
func (q *Query) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.results)
}

// Solved reports whether the query has at least one result.
func (q *Query) Solved() bool {
	return q.Len() > 0
}

// State distinguishes still-resolving from exhausted, which an empty result
// set alone cannot.
func (q *Query) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case len(q.results) > 0:
		return StateResolved
	case q.exhausted:
		return StateExhausted
	default:
		return StatePending
	}
}

// StartRound clears the exhausted and cancelled marks before the query is
// submitted again and returns the new round number. Results from earlier
// rounds are kept.
func (q *Query) StartRound() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.round++
	q.exhausted = false
	q.cancelled = false
	return q.round
}

// Round returns the current round number, zero before the first round.
func (q *Query) Round() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.round
}

// MarkExhausted records that no resolver produced a result in round. The
// exhausted event fires at most once per round, never once results exist,
// and never for a round that has been superseded.
func (q *Query) MarkExhausted(round uint64) bool {
	q.mu.Lock()
	if round != q.round || q.exhausted || len(q.results) > 0 {
		q.mu.Unlock()
		return false
	}
	q.exhausted = true
	ev, listeners := q.eventLocked(EventExhausted)
	q.mu.Unlock()

	notify(listeners, ev)
	return true
}

// Exhausted reports whether the current round ended without results.
func (q *Query) Exhausted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.exhausted
}

// Cancel silences the query: results still merge but nothing is notified.
func (q *Query) Cancel() {
	q.mu.Lock()
	q.cancelled = true
	q.mu.Unlock()
}

// Cancelled reports whether Cancel was called this round.
func (q *Query) Cancelled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled
}

func (q *Query) bestLocked() (Result, bool) {
	if len(q.results) == 0 {
		return Result{}, false
	}
	return q.results[0], true
}

func (q *Query) rebuildLocked() {
	q.results = q.results[:0]
	for _, r := range q.byKey {
		q.results = append(q.results, r)
	}
	sort.Slice(q.results, func(i, j int) bool {
		return q.results[i].outranks(q.results[j])
	})
}

// eventLocked builds an event and copies the listeners so they can be
// called after the lock is released. Cancelled queries get no listeners.
func (q *Query) eventLocked(kind EventKind) (Event, []Listener) {
	ev := Event{Kind: kind, Query: q, Count: len(q.results)}
	ev.Best, ev.HasBest = q.bestLocked()
	if q.cancelled || len(q.listeners) == 0 {
		return ev, nil
	}
	ls := make([]Listener, 0, len(q.listeners))
	for _, l := range q.listeners {
		ls = append(ls, l)
	}
	return ev, ls
}

func notify(listeners []Listener, ev Event) {
	for _, l := range listeners {
		l(ev)
	}
}
