// Package infosystem correlates asynchronous metadata lookups (biographies,
// similar artists, top songs, lyrics) with the caller that asked for them.
//
// Each request moves from pending to exactly one of delivered, cancelled
// or timed out. A response for a request that is no longer pending is
// dropped; duplicate and late responses are expected and are not errors.
package infosystem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arunsworld/nursery"

	"resolvd/internal/logger"
	"resolvd/internal/metrics"
)

// Options tune the info system.
type Options struct {
	// DefaultTimeout applies to requests without their own; zero disables it.
	DefaultTimeout time.Duration
	// CacheTTL is how long cached payloads stay valid.
	CacheTTL time.Duration
	// HistorySize bounds how many retired requests Status remembers.
	HistorySize int
	Cache       Cache
}

func DefaultOptions() Options {
	return Options{
		DefaultTimeout: 20 * time.Second,
		CacheTTL:       24 * time.Hour,
		HistorySize:    1024,
	}
}

type requestKey struct {
	caller string
	id     uint64
}

type pending struct {
	rd       RequestData
	callback Callback
	cancel   context.CancelFunc
	timer    *time.Timer
}

// InfoSystem routes requests to backends and responses back to callers.
type InfoSystem struct {
	log     *logger.Logger
	opts    Options
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	nextID atomic.Uint64

	mu       sync.Mutex
	callers  map[string]Callback
	backends map[Type][]Backend
	pending  map[requestKey]*pending
	history  map[requestKey]retirement
	retired  []retirement
	seq      uint64
	closed   bool
}

// retirement is one entry of the bounded history. A reused key retires
// again under a new seq, so evicting the older entry leaves it alone.
type retirement struct {
	key   requestKey
	state State
	seq   uint64
}

// New creates an info system. m may be nil.
func New(log *logger.Logger, opts Options, m *metrics.Metrics) *InfoSystem {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultOptions().HistorySize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultOptions().CacheTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InfoSystem{
		log:      log,
		opts:     opts,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		callers:  make(map[string]Callback),
		backends: make(map[Type][]Backend),
		pending:  make(map[requestKey]*pending),
		history:  make(map[requestKey]retirement),
	}
}

// AddBackend makes b serve every type it declares. Several backends may
// serve the same type; their payloads are merged.
func (s *InfoSystem) AddBackend(b Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range b.Types() {
		s.backends[t] = append(s.backends[t], b)
	}
	s.log.Debug("Info backend %s serves %v", b.Name(), b.Types())
}

// Register installs the callback for caller, replacing any previous one.
// The returned function unregisters the caller and cancels its pending
// requests without invoking the callback.
func (s *InfoSystem) Register(caller string, cb Callback) (unregister func()) {
	s.mu.Lock()
	s.callers[caller] = cb
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.unregister(caller) })
	}
}

func (s *InfoSystem) unregister(caller string) {
	s.mu.Lock()
	delete(s.callers, caller)
	for k, p := range s.pending {
		if k.caller == caller {
			s.retireLocked(k, p, StateCancelled)
		}
	}
	s.mu.Unlock()
}

// Submit accepts a request and returns its id, allocating one if
// rd.RequestID is zero. The backend is called asynchronously; the only
// synchronous errors are an unknown caller, a duplicate pending id and a
// type nobody serves.
func (s *InfoSystem) Submit(rd RequestData) (uint64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	cb, ok := s.callers[rd.Caller]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("caller %q: %w", rd.Caller, ErrUnknownCaller)
	}
	backends := s.backends[rd.Type]
	if len(backends) == 0 {
		s.mu.Unlock()
		return 0, fmt.Errorf("%s: %w", rd.Type, ErrNoBackend)
	}

	if rd.RequestID == 0 {
		for {
			rd.RequestID = s.nextID.Add(1)
			if _, taken := s.pending[requestKey{rd.Caller, rd.RequestID}]; !taken {
				break
			}
		}
	}
	k := requestKey{rd.Caller, rd.RequestID}
	if _, dup := s.pending[k]; dup {
		s.mu.Unlock()
		return 0, fmt.Errorf("caller %q request %d: %w", rd.Caller, rd.RequestID, ErrDuplicateRequest)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	p := &pending{rd: rd, callback: cb, cancel: cancel}
	timeout := rd.Timeout
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() { s.expire(k, p) })
	}
	s.pending[k] = p
	delete(s.history, k)
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.InfoSubmitted(rd.Type.String())
	s.log.Debug("Info request %s/%d %s submitted", rd.Caller, rd.RequestID, rd.Type)

	go s.fetch(ctx, rd, backends)
	return rd.RequestID, nil
}

// Deliver hands a response to the waiting caller. It reports whether the
// request was pending; anything else is dropped.
func (s *InfoSystem) Deliver(caller string, id uint64, payload Payload, err error) bool {
	k := requestKey{caller, id}

	s.mu.Lock()
	p, ok := s.pending[k]
	if !ok {
		state := s.history[k].state
		s.mu.Unlock()
		s.log.Debug("Dropping response for %s/%d (%s): %v", caller, id, state, ErrRequestNotFound)
		return false
	}
	s.retireLocked(k, p, StateDelivered)
	s.mu.Unlock()

	p.callback(p.rd, payload, err)
	return true
}

// Cancel retires a pending request without calling back. Later responses
// for it are dropped.
func (s *InfoSystem) Cancel(caller string, id uint64) bool {
	k := requestKey{caller, id}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[k]
	if !ok {
		return false
	}
	s.retireLocked(k, p, StateCancelled)
	return true
}

// Status reports where a request is in its lifecycle. Retired requests are
// remembered for a bounded time; older ones report StateUnknown.
func (s *InfoSystem) Status(caller string, id uint64) State {
	k := requestKey{caller, id}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[k]; ok {
		return StatePending
	}
	return s.history[k].state
}

// Pending returns the number of requests awaiting a response.
func (s *InfoSystem) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close cancels every pending request without calling back and waits for
// backend calls to return.
func (s *InfoSystem) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for k, p := range s.pending {
		s.retireLocked(k, p, StateCancelled)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *InfoSystem) expire(k requestKey, p *pending) {
	s.mu.Lock()
	if s.pending[k] != p {
		s.mu.Unlock()
		return
	}
	s.retireLocked(k, p, StateTimedOut)
	s.mu.Unlock()

	s.log.Debug("Info request %s/%d %s timed out", k.caller, k.id, p.rd.Type)
	p.callback(p.rd, nil, ErrTimeout)
}

// retireLocked moves k out of the pending table into the bounded history.
func (s *InfoSystem) retireLocked(k requestKey, p *pending, state State) {
	delete(s.pending, k)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.cancel()

	s.seq++
	r := retirement{key: k, state: state, seq: s.seq}
	s.history[k] = r
	s.retired = append(s.retired, r)
	for len(s.retired) > s.opts.HistorySize {
		oldest := s.retired[0]
		s.retired[0] = retirement{}
		s.retired = s.retired[1:]
		if cur, ok := s.history[oldest.key]; ok && cur.seq == oldest.seq {
			delete(s.history, oldest.key)
		}
	}
	s.metrics.InfoRetired(p.rd.Type.String(), state.String())
}

func (s *InfoSystem) fetch(ctx context.Context, rd RequestData, backends []Backend) {
	defer s.wg.Done()

	cacheKey := CacheKey(rd)
	if s.opts.Cache != nil {
		if payload, ok := s.opts.Cache.Get(cacheKey); ok {
			s.log.Debug("Info request %s/%d served from cache", rd.Caller, rd.RequestID)
			s.Deliver(rd.Caller, rd.RequestID, payload, nil)
			return
		}
	}

	payload, err := s.fetchAll(ctx, rd, backends)
	if errors.Is(err, ErrDeferred) || ctx.Err() != nil {
		return
	}
	if err == nil && s.opts.Cache != nil && len(payload) > 0 {
		s.opts.Cache.Put(cacheKey, payload, s.opts.CacheTTL)
	}
	s.Deliver(rd.Caller, rd.RequestID, payload, err)
}

// fetchAll queries every backend for the type concurrently and merges the
// payloads. It fails only when no backend succeeds.
func (s *InfoSystem) fetchAll(ctx context.Context, rd RequestData, backends []Backend) (Payload, error) {
	if len(backends) == 1 {
		return backends[0].Fetch(ctx, rd)
	}

	type answer struct {
		payload Payload
		err     error
	}
	answers := make([]answer, len(backends))
	jobs := make([]nursery.ConcurrentJob, len(backends))
	for i, b := range backends {
		i, b := i, b
		jobs[i] = func(ctx context.Context, _ chan error) {
			p, err := b.Fetch(ctx, rd)
			if err != nil {
				err = fmt.Errorf("%s: %w", b.Name(), err)
			}
			answers[i] = answer{payload: p, err: err}
		}
	}
	if err := nursery.RunConcurrentlyWithContext(ctx, jobs...); err != nil {
		return nil, err
	}

	merged := make(Payload)
	var errs []error
	successes := 0
	for _, a := range answers {
		if a.err != nil {
			errs = append(errs, a.err)
			continue
		}
		successes++
		for k, v := range a.payload {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
	}
	if successes == 0 {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		s.log.Debug("Info backend failed for %s/%d: %v", rd.Caller, rd.RequestID, err)
	}
	return merged, nil
}
