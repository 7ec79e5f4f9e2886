package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resolvd/internal/logger"
	"resolvd/internal/metrics"
	"resolvd/internal/query"
	"resolvd/internal/registry"
)

type fakeResolver struct {
	id    string
	fn    func(ctx context.Context, req Request) ([]Candidate, error)
	calls atomic.Int32
}

func (f *fakeResolver) ID() string { return f.id }

func (f *fakeResolver) Resolve(ctx context.Context, req Request) ([]Candidate, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return nil, nil
	}
	return f.fn(ctx, req)
}

func returning(cands ...Candidate) func(context.Context, Request) ([]Candidate, error) {
	return func(context.Context, Request) ([]Candidate, error) { return cands, nil }
}

// gate blocks every Resolve call until released and records call order.
type gate struct {
	release chan struct{}

	mu      sync.Mutex
	order   []string
	active  int
	maxSeen int
}

func newGate() *gate { return &gate{release: make(chan struct{})} }

func (g *gate) resolve(cands ...Candidate) func(context.Context, Request) ([]Candidate, error) {
	return func(ctx context.Context, req Request) ([]Candidate, error) {
		g.mu.Lock()
		g.order = append(g.order, req.QueryID)
		g.active++
		if g.active > g.maxSeen {
			g.maxSeen = g.active
		}
		g.mu.Unlock()
		defer func() {
			g.mu.Lock()
			g.active--
			g.mu.Unlock()
		}()

		select {
		case <-g.release:
			return cands, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *gate) open() { close(g.release) }

func (g *gate) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

var starlight = Candidate{Artist: "Muse", Track: "Starlight", Album: "Black Holes and Revelations", Locator: "file:///music/starlight.mp3"}

func desc(id string, priority int, weight float64, capacity int) registry.Descriptor {
	return registry.Descriptor{ID: id, Priority: priority, Weight: weight, Online: true, Capacity: capacity}
}

func newPipeline(t *testing.T, opts Options) (*Pipeline, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	p := New(reg, logger.Discard(), opts, metrics.New())
	t.Cleanup(p.Close)
	return p, reg
}

func newQuery(t *testing.T) *query.Query {
	t.Helper()
	q, err := query.New("Muse", "Starlight", "")
	require.NoError(t, err)
	return q
}

type eventLog struct {
	mu     sync.Mutex
	events []query.Event
}

func record(q *query.Query) *eventLog {
	l := &eventLog{}
	q.Subscribe(func(ev query.Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) count(kind query.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func wait(t *testing.T, p *Pipeline, q *query.Query) (query.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Wait(ctx, q)
}

func TestResolveMergesAcrossResolvers(t *testing.T) {
	p, _ := newPipeline(t, Options{})

	local := &fakeResolver{id: "collection", fn: returning(starlight)}
	remote := &fakeResolver{id: "deezer", fn: returning(
		Candidate{Artist: "Muse", Track: "Starlight", Album: "Black Holes and Revelations", Locator: "https://deezer.com/track/1"},
		Candidate{Artist: "Muse", Track: "Supermassive Black Hole", Locator: "https://deezer.com/track/2"},
	)}
	require.NoError(t, p.Add(desc("collection", 100, 1, 2), local))
	require.NoError(t, p.Add(desc("deezer", 50, 0.5, 2), remote))

	q := newQuery(t)
	events := record(q)
	require.NoError(t, p.Resolve(q))

	best, err := wait(t, p, q)
	require.NoError(t, err)
	assert.Equal(t, "collection", best.Source)
	assert.Equal(t, "file:///music/starlight.mp3", best.Locator)
	assert.Len(t, q.Results(), 2)
	assert.Equal(t, query.StateResolved, q.State())
	assert.Zero(t, events.count(query.EventExhausted))

	for _, id := range []string{"collection", "deezer"} {
		s, ok := p.Stats(id)
		require.True(t, ok)
		assert.Equal(t, uint64(1), s.Dispatched)
		assert.Equal(t, uint64(1), s.Succeeded)
	}
}

func TestAllResolversEmptyExhaustsOnce(t *testing.T) {
	p, _ := newPipeline(t, Options{ExhaustTimeout: 50 * time.Millisecond})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, p.Add(desc(id, 10, 0.5, 1), &fakeResolver{id: id}))
	}

	q := newQuery(t)
	events := record(q)
	require.NoError(t, p.Resolve(q))

	_, err := wait(t, p, q)
	require.ErrorIs(t, err, ErrResolutionExhausted)

	// Give the exhaust window time to fire as well; it must not repeat.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, events.count(query.EventExhausted))
	assert.Zero(t, events.count(query.EventUpdated))
	assert.Equal(t, query.StateExhausted, q.State())

	s, _ := p.Stats("b")
	assert.Equal(t, uint64(1), s.Empty)
}

func TestNoEligibleResolverExhaustsImmediately(t *testing.T) {
	p, _ := newPipeline(t, Options{})

	q := newQuery(t)
	events := record(q)
	require.NoError(t, p.Resolve(q))

	assert.True(t, q.Exhausted())
	assert.Equal(t, 1, events.count(query.EventExhausted))
}

func TestFullTextOnlyReachesCapableResolvers(t *testing.T) {
	p, _ := newPipeline(t, Options{})

	structured := &fakeResolver{id: "itunes", fn: returning(starlight)}
	fullText := &fakeResolver{id: "musicbrainz", fn: func(_ context.Context, req Request) ([]Candidate, error) {
		assert.Equal(t, "muse starlight", req.FullText)
		return []Candidate{starlight}, nil
	}}

	require.NoError(t, p.Add(desc("itunes", 40, 0.5, 1), structured))
	d := desc("musicbrainz", 30, 0.5, 1)
	d.Capabilities = registry.Structured | registry.FullText
	require.NoError(t, p.Add(d, fullText))

	q, err := query.NewFullText("muse starlight")
	require.NoError(t, err)
	require.NoError(t, p.Resolve(q))

	best, err := wait(t, p, q)
	require.NoError(t, err)
	assert.Equal(t, "musicbrainz", best.Source)
	assert.Greater(t, best.Score, 0.9)
	assert.Zero(t, structured.calls.Load())
}

func TestExhaustWindowThenLateResult(t *testing.T) {
	p, _ := newPipeline(t, Options{ExhaustTimeout: 30 * time.Millisecond, ResolverTimeout: 5 * time.Second})

	g := newGate()
	require.NoError(t, p.Add(desc("slow", 10, 0.5, 1), &fakeResolver{id: "slow", fn: g.resolve(starlight)}))

	q := newQuery(t)
	events := record(q)
	require.NoError(t, p.Resolve(q))

	_, err := wait(t, p, q)
	require.ErrorIs(t, err, ErrResolutionExhausted)
	assert.Equal(t, query.StateExhausted, q.State())

	g.open()
	require.Eventually(t, func() bool { return events.count(query.EventUpdated) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, query.StateResolved, q.State())
	assert.Equal(t, 1, events.count(query.EventExhausted))
}

func TestFailuresAreRecordedNotPropagated(t *testing.T) {
	p, _ := newPipeline(t, Options{ResolverTimeout: 20 * time.Millisecond})

	broken := &fakeResolver{id: "broken", fn: func(context.Context, Request) ([]Candidate, error) {
		return nil, errors.New("status 500")
	}}
	stuck := &fakeResolver{id: "stuck", fn: func(ctx context.Context, _ Request) ([]Candidate, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	ok := &fakeResolver{id: "ok", fn: returning(starlight)}
	require.NoError(t, p.Add(desc("broken", 30, 0.5, 1), broken))
	require.NoError(t, p.Add(desc("stuck", 20, 0.5, 1), stuck))
	require.NoError(t, p.Add(desc("ok", 10, 0.5, 1), ok))

	q := newQuery(t)
	require.NoError(t, p.Resolve(q))
	best, err := wait(t, p, q)
	require.NoError(t, err)
	assert.Equal(t, "ok", best.Source)

	require.Eventually(t, func() bool {
		s, _ := p.Stats("stuck")
		return s.TimedOut == 1
	}, time.Second, 5*time.Millisecond)

	s, _ := p.Stats("broken")
	assert.Equal(t, uint64(1), s.Failed)
	assert.Contains(t, s.LastError, "status 500")
	assert.Contains(t, s.LastError, ErrResolverFailure.Error())
}

func TestCapacityQueuesFIFO(t *testing.T) {
	p, _ := newPipeline(t, Options{ExhaustTimeout: 5 * time.Second})

	g := newGate()
	require.NoError(t, p.Add(desc("single", 10, 0.5, 1), &fakeResolver{id: "single", fn: g.resolve(starlight)}))

	qs := []*query.Query{newQuery(t), newQuery(t), newQuery(t)}
	require.NoError(t, p.Resolve(qs...))

	require.Eventually(t, func() bool {
		s, _ := p.Stats("single")
		return s.Running == 1 && s.Queued == 2
	}, time.Second, 5*time.Millisecond)

	g.open()
	for _, q := range qs {
		_, err := wait(t, p, q)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{qs[0].ID(), qs[1].ID(), qs[2].ID()}, g.calls())
	g.mu.Lock()
	assert.Equal(t, 1, g.maxSeen)
	g.mu.Unlock()
}

func TestMinScoreFilters(t *testing.T) {
	p, _ := newPipeline(t, Options{MinScore: 0.9})
	require.NoError(t, p.Add(desc("deezer", 10, 0.5, 1), &fakeResolver{id: "deezer", fn: returning(
		Candidate{Artist: "Queen", Track: "Bohemian Rhapsody"},
	)}))

	q := newQuery(t)
	require.NoError(t, p.Resolve(q))
	_, err := wait(t, p, q)
	assert.ErrorIs(t, err, ErrResolutionExhausted)

	s, _ := p.Stats("deezer")
	assert.Equal(t, uint64(1), s.Empty)
}

func TestCancel(t *testing.T) {
	p, _ := newPipeline(t, Options{ExhaustTimeout: 5 * time.Second})

	g := newGate()
	res := &fakeResolver{id: "single", fn: g.resolve(starlight)}
	require.NoError(t, p.Add(desc("single", 10, 0.5, 1), res))

	running, queued := newQuery(t), newQuery(t)
	runningEvents, queuedEvents := record(running), record(queued)
	require.NoError(t, p.Resolve(running, queued))

	require.Eventually(t, func() bool {
		s, _ := p.Stats("single")
		return s.Running == 1 && s.Queued == 1
	}, time.Second, 5*time.Millisecond)

	p.Cancel(queued)
	p.Cancel(running)

	s, _ := p.Stats("single")
	assert.Equal(t, 0, s.Queued)
	assert.Equal(t, uint64(1), s.Dropped)

	g.open()
	require.Eventually(t, func() bool { return running.Solved() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{running.ID()}, g.calls())
	assert.Zero(t, runningEvents.count(query.EventUpdated)+queuedEvents.count(query.EventUpdated))
	assert.Zero(t, runningEvents.count(query.EventExhausted)+queuedEvents.count(query.EventExhausted))
	assert.False(t, queued.Exhausted())

	require.Eventually(t, func() bool { return p.Tracked() == 0 }, time.Second, 5*time.Millisecond)
}

func TestOfflineRetractsResultsAndDropsQueue(t *testing.T) {
	p, reg := newPipeline(t, Options{ExhaustTimeout: 5 * time.Second})

	fast := &fakeResolver{id: "peer", fn: returning(starlight)}
	require.NoError(t, p.Add(desc("peer", 50, 1, 1), fast))
	g := newGate()
	require.NoError(t, p.Add(desc("slow", 10, 0.5, 1), &fakeResolver{id: "slow", fn: g.resolve()}))
	defer g.open()

	first, second := newQuery(t), newQuery(t)
	require.NoError(t, p.Resolve(first, second))
	require.Eventually(t, func() bool { return first.Solved() && second.Solved() }, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.SetOnline("peer", false))
	assert.False(t, first.Solved())
	assert.False(t, second.Solved())

	s, _ := p.Stats("slow")
	require.Equal(t, 1, s.Queued)
	require.NoError(t, reg.SetOnline("slow", false))
	s, _ = p.Stats("slow")
	assert.Equal(t, 0, s.Queued)
	assert.Equal(t, uint64(1), s.Dropped)
}

func TestOfflineBetweenScoreAndMergeKeepsResultsOut(t *testing.T) {
	tests := []struct {
		name string
		flap bool
	}{
		{name: "stays offline"},
		{name: "back online before merge", flap: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, reg := newPipeline(t, Options{ExhaustTimeout: 5 * time.Second})
			require.NoError(t, p.Add(desc("r", 10, 1, 1), &fakeResolver{id: "r", fn: returning(starlight)}))

			p.beforeMerge = func(id string) {
				require.NoError(t, reg.SetOnline(id, false))
				if tt.flap {
					require.NoError(t, reg.SetOnline(id, true))
				}
			}

			q := newQuery(t)
			require.NoError(t, p.Resolve(q))
			_, err := wait(t, p, q)
			require.ErrorIs(t, err, ErrResolutionExhausted)
			assert.Zero(t, q.Len())

			s, _ := p.Stats("r")
			assert.Equal(t, uint64(1), s.Dropped)
			assert.Zero(t, s.Succeeded)
		})
	}
}

func TestUnregisteredResolverAnswerCountsAsNothing(t *testing.T) {
	p, reg := newPipeline(t, Options{ExhaustTimeout: 5 * time.Second})

	g := newGate()
	require.NoError(t, p.Add(desc("leaving", 10, 0.5, 1), &fakeResolver{id: "leaving", fn: g.resolve(starlight)}))

	q := newQuery(t)
	events := record(q)
	require.NoError(t, p.Resolve(q))
	require.Eventually(t, func() bool {
		s, _ := p.Stats("leaving")
		return s.Running == 1
	}, time.Second, 5*time.Millisecond)

	require.True(t, reg.Unregister("leaving"))
	g.open()

	_, err := wait(t, p, q)
	require.ErrorIs(t, err, ErrResolutionExhausted)
	assert.Equal(t, 1, events.count(query.EventExhausted))
	assert.False(t, q.Solved())
}

func TestResubmitSupersedesRound(t *testing.T) {
	p, _ := newPipeline(t, Options{ExhaustTimeout: 5 * time.Second})

	var n atomic.Int32
	release := make(chan struct{})
	res := &fakeResolver{id: "r", fn: func(ctx context.Context, _ Request) ([]Candidate, error) {
		if n.Add(1) == 1 {
			// The first round's answer arrives after the query was resubmitted.
			<-release
			return []Candidate{{Artist: "Muse", Track: "Starlight", Locator: "stale"}}, nil
		}
		return []Candidate{{Artist: "Muse", Track: "Starlight", Locator: "fresh"}}, nil
	}}
	require.NoError(t, p.Add(desc("r", 10, 0.5, 2), res))

	q := newQuery(t)
	require.NoError(t, p.Resolve(q))
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Resolve(q))

	best, err := wait(t, p, q)
	require.NoError(t, err)
	assert.Equal(t, "fresh", best.Locator)

	close(release)
	require.Eventually(t, func() bool {
		s, _ := p.Stats("r")
		return s.Dropped == 1
	}, time.Second, 5*time.Millisecond)
	best, _ = q.BestResult()
	assert.Equal(t, "fresh", best.Locator)
}

func TestAttachRequiresDescriptor(t *testing.T) {
	p, _ := newPipeline(t, Options{})
	err := p.Attach(&fakeResolver{id: "ghost"})
	assert.ErrorIs(t, err, registry.ErrNotFound)

	err = p.Add(desc("a", 1, 0.5, 1), &fakeResolver{id: "b"})
	assert.ErrorIs(t, err, registry.ErrInvalid)
}

func TestClose(t *testing.T) {
	reg := registry.New()
	p := New(reg, logger.Discard(), Options{ExhaustTimeout: 5 * time.Second}, nil)

	g := newGate()
	require.NoError(t, p.Add(desc("r", 10, 0.5, 1), &fakeResolver{id: "r", fn: g.resolve(starlight)}))
	q := newQuery(t)
	require.NoError(t, p.Resolve(q, newQuery(t)))

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.ErrorIs(t, p.Resolve(newQuery(t)), ErrClosed)
	assert.False(t, q.Solved())
	p.Close()
}

func TestConcurrentResolve(t *testing.T) {
	p, _ := newPipeline(t, Options{ExhaustTimeout: 5 * time.Second})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, p.Add(desc(id, 10, 0.5, 2), &fakeResolver{id: id, fn: returning(starlight)}))
	}

	var wg sync.WaitGroup
	qs := make([]*query.Query, 20)
	for i := range qs {
		qs[i] = newQuery(t)
		wg.Add(1)
		go func(q *query.Query) {
			defer wg.Done()
			assert.NoError(t, p.Resolve(q))
		}(qs[i])
	}
	wg.Wait()

	for _, q := range qs {
		_, err := wait(t, p, q)
		require.NoError(t, err)
		assert.Equal(t, 1, q.Len(), "equivalent results from three resolvers merge into one")
	}
}
