package web

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"resolvd/internal/query"
)

// Forgetter releases queries from whatever is resolving them.
type Forgetter interface {
	Forget(q *query.Query)
}

// Entry is a query submitted over HTTP. Entries handed out by the
// Tracker are copies.
type Entry struct {
	Query     *query.Query
	CreatedAt time.Time
	// SettledAt is set once a round ends, resolved or not.
	SettledAt *time.Time
}

// Tracker keeps submitted queries addressable by id until they expire.
type Tracker struct {
	entries   map[string]*Entry
	mu        sync.RWMutex
	forgetter Forgetter
	now       func() time.Time
}

// queryRetention is how long a settled query stays visible. Queries that
// never settle are dropped after twice that.
const queryRetention = 1 * time.Hour

// NewTracker creates a tracker that hands expired queries to f.
func NewTracker(f Forgetter) *Tracker {
	return &Tracker{
		entries:   make(map[string]*Entry),
		forgetter: f,
		now:       time.Now,
	}
}

// StartCleanup starts a background goroutine that removes expired queries.
// Stops when ctx is cancelled.
func (t *Tracker) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.cleanup()
			}
		}
	}()
}

func (t *Tracker) cleanup() int {
	now := t.now()
	var expired []*query.Query

	t.mu.Lock()
	for id, e := range t.entries {
		settledOut := e.SettledAt != nil && now.Sub(*e.SettledAt) > queryRetention
		stale := now.Sub(e.CreatedAt) > 2*queryRetention
		if settledOut || stale {
			delete(t.entries, id)
			expired = append(expired, e.Query)
		}
	}
	t.mu.Unlock()

	for _, q := range expired {
		t.forgetter.Forget(q)
	}
	return len(expired)
}

// Track adds q and returns a copy of its entry.
func (t *Tracker) Track(q *query.Query) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := &Entry{Query: q, CreatedAt: t.now()}
	t.entries[q.ID()] = e
	return *e
}

// MarkSettled records that id's current round ended.
func (t *Tracker) MarkSettled(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok && e.SettledAt == nil {
		now := t.now()
		e.SettledAt = &now
	}
}

// Get returns a copy of the entry for id.
func (t *Tracker) Get(id string) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("query not found: %s", id)
	}
	return *e, nil
}

// List returns copies of all tracked entries, oldest first.
func (t *Tracker) List() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Remove stops tracking id and forgets its query.
func (t *Tracker) Remove(id string) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	delete(t.entries, id)
	t.mu.Unlock()

	if ok {
		t.forgetter.Forget(e.Query)
	}
	return ok
}

// Len returns the number of tracked queries.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
