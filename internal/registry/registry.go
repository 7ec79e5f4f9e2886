// Package registry tracks the resolvers known to the process and answers
// which of them should receive a given query.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"resolvd/internal/query"
)

var (
	ErrDuplicate = errors.New("resolver already registered")
	ErrNotFound  = errors.New("resolver not registered")
	ErrInvalid   = errors.New("invalid resolver descriptor")
)

// Capability is a bit set of the query kinds a resolver understands.
type Capability uint8

const (
	Structured Capability = 1 << iota
	FullText
)

// Has reports whether every bit in other is set.
func (c Capability) Has(other Capability) bool { return c&other == other }

func (c Capability) String() string {
	var parts []string
	if c.Has(Structured) {
		parts = append(parts, "structured")
	}
	if c.Has(FullText) {
		parts = append(parts, "fulltext")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Descriptor is what the registry knows about a resolver.
type Descriptor struct {
	ID           string
	Priority     int
	Weight       float64
	Online       bool
	Capacity     int
	Capabilities Capability

	order uint64
}

// Source returns the attribution stamped on results from this resolver.
func (d Descriptor) Source() query.Source {
	return query.Source{ID: d.ID, Priority: d.Priority, Weight: d.Weight}
}

// Accepts reports whether the resolver can handle q at all, ignoring
// whether it is online.
func (d Descriptor) Accepts(q *query.Query) bool {
	if q.IsFullText() {
		return d.Capabilities.Has(FullText)
	}
	return d.Capabilities.Has(Structured)
}

// ChangeKind says what happened to a resolver.
type ChangeKind int

const (
	Registered ChangeKind = iota + 1
	Unregistered
	WentOnline
	WentOffline
)

func (k ChangeKind) String() string {
	switch k {
	case Registered:
		return "registered"
	case Unregistered:
		return "unregistered"
	case WentOnline:
		return "online"
	case WentOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Change is delivered to OnChange observers after the registry is updated.
type Change struct {
	Kind       ChangeKind
	Descriptor Descriptor
}

// Registry holds resolver descriptors. Mutations are serialized; readers
// get snapshots.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Descriptor
	nextOrder uint64

	obsMu     sync.RWMutex
	observers []func(Change)
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		resolvers: make(map[string]Descriptor),
	}
}

// Register adds a resolver. A zero Capabilities value means Structured.
func (r *Registry) Register(d Descriptor) error {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return fmt.Errorf("empty id: %w", ErrInvalid)
	}
	if d.Capacity < 1 {
		return fmt.Errorf("resolver %s: capacity %d: %w", d.ID, d.Capacity, ErrInvalid)
	}
	if d.Weight < 0 || d.Weight > 1 {
		return fmt.Errorf("resolver %s: weight %.2f outside [0,1]: %w", d.ID, d.Weight, ErrInvalid)
	}
	if d.Capabilities == 0 {
		d.Capabilities = Structured
	}

	r.mu.Lock()
	if _, ok := r.resolvers[d.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("resolver %s: %w", d.ID, ErrDuplicate)
	}
	r.nextOrder++
	d.order = r.nextOrder
	r.resolvers[d.ID] = d
	r.mu.Unlock()

	r.notify(Change{Kind: Registered, Descriptor: d})
	return nil
}

// Unregister removes a resolver and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	d, ok := r.resolvers[id]
	if ok {
		delete(r.resolvers, id)
	}
	r.mu.Unlock()

	if ok {
		r.notify(Change{Kind: Unregistered, Descriptor: d})
	}
	return ok
}

// SetOnline changes a resolver's availability. Setting the current value is
// a no-op and notifies nobody.
func (r *Registry) SetOnline(id string, online bool) error {
	r.mu.Lock()
	d, ok := r.resolvers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("resolver %s: %w", id, ErrNotFound)
	}
	if d.Online == online {
		r.mu.Unlock()
		return nil
	}
	d.Online = online
	r.resolvers[id] = d
	r.mu.Unlock()

	kind := WentOffline
	if online {
		kind = WentOnline
	}
	r.notify(Change{Kind: kind, Descriptor: d})
	return nil
}

// Get returns a copy of the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.resolvers[id]
	return d, ok
}

// All returns every resolver, highest priority first.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.resolvers))
	for _, d := range r.resolvers {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sortByPriority(out)
	return out
}

// EligibleFor returns the online resolvers able to handle q, highest
// priority first and in registration order among equals. The result is a
// snapshot; later registry changes do not affect it.
func (r *Registry) EligibleFor(q *query.Query) []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.resolvers))
	for _, d := range r.resolvers {
		if d.Online && d.Accepts(q) {
			out = append(out, d)
		}
	}
	r.mu.RUnlock()

	sortByPriority(out)
	return out
}

// OnChange registers fn to be called after every change. Observers run on
// the goroutine making the change, outside the registry lock.
func (r *Registry) OnChange(fn func(Change)) {
	r.obsMu.Lock()
	r.observers = append(r.observers, fn)
	r.obsMu.Unlock()
}

func (r *Registry) notify(c Change) {
	r.obsMu.RLock()
	observers := make([]func(Change), len(r.observers))
	copy(observers, r.observers)
	r.obsMu.RUnlock()

	for _, fn := range observers {
		fn(c)
	}
}

func sortByPriority(ds []Descriptor) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Priority != ds[j].Priority {
			return ds[i].Priority > ds[j].Priority
		}
		return ds[i].order < ds[j].order
	})
}
