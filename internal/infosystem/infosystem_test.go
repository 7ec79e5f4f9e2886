package infosystem

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
)

type fakeBackend struct {
	name  string
	types []Type
	fn    func(ctx context.Context, rd RequestData) (Payload, error)
	calls atomic.Int32
}

func (b *fakeBackend) Name() string  { return b.name }
func (b *fakeBackend) Types() []Type { return b.types }

func (b *fakeBackend) Fetch(ctx context.Context, rd RequestData) (Payload, error) {
	b.calls.Add(1)
	return b.fn(ctx, rd)
}

// deferred never answers from Fetch; the test delivers by hand.
func deferred(context.Context, RequestData) (Payload, error) { return nil, ErrDeferred }

func blocking(ctx context.Context, _ RequestData) (Payload, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type callbackLog struct {
	mu    sync.Mutex
	calls []call
	ch    chan call
}

type call struct {
	rd      RequestData
	payload Payload
	err     error
}

func newCallbackLog() *callbackLog { return &callbackLog{ch: make(chan call, 16)} }

func (l *callbackLog) callback(rd RequestData, p Payload, err error) {
	l.mu.Lock()
	l.calls = append(l.calls, call{rd, p, err})
	l.mu.Unlock()
	l.ch <- call{rd, p, err}
}

func (l *callbackLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *callbackLog) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-l.ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not fire")
		return call{}
	}
}

func newSystem(t *testing.T, opts Options, backends ...Backend) *InfoSystem {
	t.Helper()
	s := New(logger.Discard(), opts, metrics.New())
	for _, b := range backends {
		s.AddBackend(b)
	}
	t.Cleanup(s.Close)
	return s
}

func TestLateDuplicateResponseDropped(t *testing.T) {
	s := newSystem(t, Options{}, &fakeBackend{name: "bio", types: []Type{Biography}, fn: deferred})
	log := newCallbackLog()
	s.Register("X", log.callback)

	id, err := s.Submit(RequestData{Caller: "X", RequestID: 42, Type: Biography, Input: Input{Text: "Muse"}})
	require.NoError(t, err)
	require.Equal(t, uint64(42), id)
	assert.Equal(t, StatePending, s.Status("X", 42))

	payload := Payload{"wikipedia": "Muse are an English rock band."}
	assert.True(t, s.Deliver("X", 42, payload, nil))
	got := log.next(t)
	assert.Equal(t, payload, got.payload)
	assert.Equal(t, uint64(42), got.rd.RequestID)
	assert.NoError(t, got.err)

	assert.False(t, s.Deliver("X", 42, Payload{"wikipedia": "again"}, nil))
	assert.Equal(t, 1, log.len())
	assert.Equal(t, StateDelivered, s.Status("X", 42))
}

func TestBackendResponseDelivered(t *testing.T) {
	backend := &fakeBackend{name: "deezer", types: []Type{TopSongs, SimilarArtists}, fn: func(_ context.Context, rd RequestData) (Payload, error) {
		return Payload{"artist": rd.Input.Get("artist"), "tracks": []string{"Starlight", "Uprising"}}, nil
	}}
	s := newSystem(t, Options{}, backend)
	log := newCallbackLog()
	s.Register("artist-page", log.callback)

	custom := map[string]any{"row": 3}
	id, err := s.Submit(RequestData{Caller: "artist-page", Type: TopSongs, Input: Input{Fields: map[string]string{"artist": "Muse"}}, CustomData: custom})
	require.NoError(t, err)
	assert.NotZero(t, id)

	got := log.next(t)
	assert.Equal(t, "Muse", got.payload["artist"])
	assert.Equal(t, custom, got.rd.CustomData)
	assert.Equal(t, id, got.rd.RequestID)
	assert.Equal(t, StateDelivered, s.Status("artist-page", id))
	assert.Zero(t, s.Pending())
}

func TestBackendErrorDeliveredOnce(t *testing.T) {
	boom := errors.New("status 503")
	s := newSystem(t, Options{}, &fakeBackend{name: "lrclib", types: []Type{Lyrics}, fn: func(context.Context, RequestData) (Payload, error) {
		return nil, boom
	}})
	log := newCallbackLog()
	s.Register("X", log.callback)

	_, err := s.Submit(RequestData{Caller: "X", Type: Lyrics})
	require.NoError(t, err)
	got := log.next(t)
	assert.ErrorIs(t, got.err, boom)
	assert.Nil(t, got.payload)
}

func TestSubmitSynchronousErrors(t *testing.T) {
	s := newSystem(t, Options{}, &fakeBackend{name: "bio", types: []Type{Biography}, fn: deferred})
	s.Register("X", func(RequestData, Payload, error) {})

	_, err := s.Submit(RequestData{Caller: "nobody", Type: Biography})
	assert.ErrorIs(t, err, ErrUnknownCaller)

	_, err = s.Submit(RequestData{Caller: "X", Type: Lyrics})
	assert.ErrorIs(t, err, ErrNoBackend)

	_, err = s.Submit(RequestData{Caller: "X", RequestID: 7, Type: Biography})
	require.NoError(t, err)
	_, err = s.Submit(RequestData{Caller: "X", RequestID: 7, Type: Biography})
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	// The same id from another caller is a different request.
	s.Register("Y", func(RequestData, Payload, error) {})
	_, err = s.Submit(RequestData{Caller: "Y", RequestID: 7, Type: Biography})
	assert.NoError(t, err)
}

func TestAllocatedIDsSkipPending(t *testing.T) {
	s := newSystem(t, Options{}, &fakeBackend{name: "bio", types: []Type{Biography}, fn: deferred})
	s.Register("X", func(RequestData, Payload, error) {})

	_, err := s.Submit(RequestData{Caller: "X", RequestID: 1, Type: Biography})
	require.NoError(t, err)
	id, err := s.Submit(RequestData{Caller: "X", Type: Biography})
	require.NoError(t, err)
	assert.NotEqual(t, uint64(1), id)
}

func TestCancelSuppressesCallback(t *testing.T) {
	backend := &fakeBackend{name: "slow", types: []Type{Biography}, fn: blocking}
	s := newSystem(t, Options{}, backend)
	log := newCallbackLog()
	s.Register("X", log.callback)

	id, err := s.Submit(RequestData{Caller: "X", Type: Biography})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return backend.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, s.Cancel("X", id))
	assert.False(t, s.Cancel("X", id))
	assert.False(t, s.Deliver("X", id, Payload{"late": true}, nil))
	assert.Equal(t, StateCancelled, s.Status("X", id))

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, log.len())
}

func TestTimeoutCallsBackOnce(t *testing.T) {
	s := newSystem(t, Options{DefaultTimeout: time.Hour}, &fakeBackend{name: "slow", types: []Type{Biography}, fn: deferred})
	log := newCallbackLog()
	s.Register("X", log.callback)

	id, err := s.Submit(RequestData{Caller: "X", Type: Biography, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	got := log.next(t)
	assert.ErrorIs(t, got.err, ErrTimeout)
	assert.Nil(t, got.payload)
	assert.Equal(t, StateTimedOut, s.Status("X", id))

	assert.False(t, s.Deliver("X", id, Payload{"late": true}, nil))
	assert.Equal(t, 1, log.len())
}

func TestExactlyOneCallbackUnderRace(t *testing.T) {
	s := newSystem(t, Options{}, &fakeBackend{name: "bio", types: []Type{Biography}, fn: deferred})
	var fired atomic.Int32
	s.Register("X", func(RequestData, Payload, error) { fired.Add(1) })

	const requests = 50
	for i := 1; i <= requests; i++ {
		_, err := s.Submit(RequestData{Caller: "X", RequestID: uint64(i), Type: Biography, Timeout: 5 * time.Millisecond})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 1; i <= requests; i++ {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(id uint64, j int) {
				defer wg.Done()
				if j == 0 {
					s.Cancel("X", id)
					return
				}
				s.Deliver("X", id, Payload{}, nil)
			}(uint64(i), j)
		}
	}
	wg.Wait()

	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	delivered := 0
	for i := 1; i <= requests; i++ {
		st := s.Status("X", uint64(i))
		require.Contains(t, []State{StateDelivered, StateCancelled, StateTimedOut}, st)
		if st != StateCancelled {
			delivered++
		}
	}
	assert.Equal(t, int32(delivered), fired.Load())
}

func TestUnregisterCancelsPending(t *testing.T) {
	s := newSystem(t, Options{}, &fakeBackend{name: "bio", types: []Type{Biography}, fn: deferred})
	log := newCallbackLog()
	unregister := s.Register("page", log.callback)

	id, err := s.Submit(RequestData{Caller: "page", Type: Biography})
	require.NoError(t, err)

	unregister()
	unregister()
	assert.Equal(t, StateCancelled, s.Status("page", id))
	assert.False(t, s.Deliver("page", id, Payload{}, nil))

	_, err = s.Submit(RequestData{Caller: "page", Type: Biography})
	assert.ErrorIs(t, err, ErrUnknownCaller)
	assert.Zero(t, log.len())
}

func TestMultipleBackendsMerge(t *testing.T) {
	wiki := &fakeBackend{name: "wikipedia", types: []Type{Biography}, fn: func(context.Context, RequestData) (Payload, error) {
		return Payload{"wikipedia": "long text"}, nil
	}}
	other := &fakeBackend{name: "other", types: []Type{Biography}, fn: func(context.Context, RequestData) (Payload, error) {
		return Payload{"other": "short text"}, nil
	}}
	broken := &fakeBackend{name: "broken", types: []Type{Biography}, fn: func(context.Context, RequestData) (Payload, error) {
		return nil, errors.New("offline")
	}}
	s := newSystem(t, Options{}, wiki, other, broken)
	log := newCallbackLog()
	s.Register("X", log.callback)

	_, err := s.Submit(RequestData{Caller: "X", Type: Biography, Input: Input{Text: "Muse"}})
	require.NoError(t, err)

	got := log.next(t)
	require.NoError(t, got.err)
	assert.Equal(t, Payload{"wikipedia": "long text", "other": "short text"}, got.payload)
}

func TestMultipleBackendsAllFail(t *testing.T) {
	newBroken := func(name string) *fakeBackend {
		return &fakeBackend{name: name, types: []Type{Biography}, fn: func(context.Context, RequestData) (Payload, error) {
			return nil, errors.New(name + " offline")
		}}
	}
	s := newSystem(t, Options{}, newBroken("a"), newBroken("b"))
	log := newCallbackLog()
	s.Register("X", log.callback)

	_, err := s.Submit(RequestData{Caller: "X", Type: Biography})
	require.NoError(t, err)

	got := log.next(t)
	require.Error(t, got.err)
	assert.Contains(t, got.err.Error(), "a offline")
	assert.Contains(t, got.err.Error(), "b offline")
}

type memCache struct {
	mu sync.Mutex
	m  map[string]Payload
}

func (c *memCache) Get(key string) (Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.m[key]
	return p, ok
}

func (c *memCache) Put(key string, p Payload, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = p
}

func TestCacheServesRepeatedRequests(t *testing.T) {
	backend := &fakeBackend{name: "bio", types: []Type{Biography}, fn: func(context.Context, RequestData) (Payload, error) {
		return Payload{"wikipedia": "text"}, nil
	}}
	s := newSystem(t, Options{Cache: &memCache{m: make(map[string]Payload)}}, backend)
	log := newCallbackLog()
	s.Register("X", log.callback)

	for i := 0; i < 2; i++ {
		id, err := s.Submit(RequestData{Caller: "X", Type: Biography, Input: Input{Text: "Muse"}})
		require.NoError(t, err)
		got := log.next(t)
		assert.Equal(t, "text", got.payload["wikipedia"])
		assert.Equal(t, StateDelivered, s.Status("X", id))
	}
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestStatusHistoryBounded(t *testing.T) {
	s := newSystem(t, Options{HistorySize: 2}, &fakeBackend{name: "bio", types: []Type{Biography}, fn: deferred})
	s.Register("X", func(RequestData, Payload, error) {})

	for i := uint64(1); i <= 3; i++ {
		_, err := s.Submit(RequestData{Caller: "X", RequestID: i, Type: Biography})
		require.NoError(t, err)
		require.True(t, s.Cancel("X", i))
	}
	assert.Equal(t, StateUnknown, s.Status("X", 1))
	assert.Equal(t, StateCancelled, s.Status("X", 2))
	assert.Equal(t, StateCancelled, s.Status("X", 3))
	assert.Equal(t, StateUnknown, s.Status("X", 99))
}

func TestStatusSurvivesReusedID(t *testing.T) {
	s := newSystem(t, Options{HistorySize: 1}, &fakeBackend{name: "bio", types: []Type{Biography}, fn: deferred})
	s.Register("X", func(RequestData, Payload, error) {})

	for i := 0; i < 2; i++ {
		_, err := s.Submit(RequestData{Caller: "X", RequestID: 42, Type: Biography})
		require.NoError(t, err)
		require.True(t, s.Cancel("X", 42))
	}
	assert.Equal(t, StateCancelled, s.Status("X", 42))

	_, err := s.Submit(RequestData{Caller: "X", RequestID: 7, Type: Biography})
	require.NoError(t, err)
	require.True(t, s.Cancel("X", 7))
	assert.Equal(t, StateUnknown, s.Status("X", 42))
	assert.Equal(t, StateCancelled, s.Status("X", 7))
}

func TestClose(t *testing.T) {
	s := New(logger.Discard(), Options{}, nil)
	s.AddBackend(&fakeBackend{name: "slow", types: []Type{Biography}, fn: blocking})
	log := newCallbackLog()
	s.Register("X", log.callback)

	_, err := s.Submit(RequestData{Caller: "X", Type: Biography})
	require.NoError(t, err)

	s.Close()
	s.Close()
	assert.Zero(t, s.Pending())
	assert.Zero(t, log.len())

	_, err = s.Submit(RequestData{Caller: "X", Type: Biography})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCacheKey(t *testing.T) {
	a := RequestData{Caller: "a", RequestID: 1, Type: TopSongs, Input: Input{Fields: map[string]string{"artist": "Muse", "album": "HAARP"}}}
	b := RequestData{Caller: "b", RequestID: 9, Type: TopSongs, Input: Input{Fields: map[string]string{"album": "haarp", "artist": " muse"}}}
	c := RequestData{Type: SimilarArtists, Input: a.Input}

	assert.Equal(t, CacheKey(a), CacheKey(b))
	assert.NotEqual(t, CacheKey(a), CacheKey(c))
}

func TestParseType(t *testing.T) {
	for _, typ := range []Type{Biography, SimilarArtists, TopSongs, Lyrics} {
		got, err := ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
	_, err := ParseType("charts")
	assert.Error(t, err)
}
