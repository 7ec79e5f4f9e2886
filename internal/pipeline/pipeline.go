// Package pipeline dispatches queries to every eligible resolver, scores
// what they return and decides when a query has been exhausted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"resolvd/internal/logger"
	"resolvd/internal/metrics"
	"resolvd/internal/query"
	"resolvd/internal/registry"
	"resolvd/internal/scorer"
)

var (
	// ErrResolverFailure wraps errors recorded from individual resolvers.
	// It is never returned to callers of Resolve.
	ErrResolverFailure = errors.New("resolver failed")
	// ErrResolutionExhausted is returned by Wait when a round ends with no result.
	ErrResolutionExhausted = errors.New("resolution exhausted")
	ErrClosed              = errors.New("pipeline closed")
)

// Request is what a resolver receives for one query.
type Request struct {
	QueryID  string
	Fields   scorer.Fields
	FullText string
}

// Candidate is an unscored match returned by a resolver.
type Candidate struct {
	Artist   string
	Track    string
	Album    string
	Duration time.Duration
	Locator  string
}

func (c Candidate) Fields() scorer.Fields {
	return scorer.Fields{Artist: c.Artist, Track: c.Track, Album: c.Album, Duration: c.Duration}
}

// Resolver finds candidates for a request. Resolve may block; the pipeline
// runs it on its own goroutine and bounds it with a deadline on ctx.
type Resolver interface {
	ID() string
	Resolve(ctx context.Context, req Request) ([]Candidate, error)
}

// Options tune dispatch. Zero durations fall back to DefaultOptions.
type Options struct {
	// ExhaustTimeout is how long a round may go without any result before
	// it is reported exhausted, even if resolvers are still working.
	ExhaustTimeout time.Duration
	// ResolverTimeout bounds a single Resolve call.
	ResolverTimeout time.Duration
	// MinScore drops candidates scoring below it.
	MinScore float64
}

func DefaultOptions() Options {
	return Options{
		ExhaustTimeout:  10 * time.Second,
		ResolverTimeout: 15 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ExhaustTimeout <= 0 {
		o.ExhaustTimeout = d.ExhaustTimeout
	}
	if o.ResolverTimeout <= 0 {
		o.ResolverTimeout = d.ResolverTimeout
	}
	return o
}

// Pipeline owns the per-resolver lanes and the rounds in progress.
type Pipeline struct {
	reg     *registry.Registry
	log     *logger.Logger
	opts    Options
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	resolvers map[string]Resolver
	lanes     map[string]*lane
	rounds    map[*query.Query]*round
	closed    bool

	// beforeMerge, when set, runs between scoring an answer and merging it.
	beforeMerge func(resolver string)
}

// round is one submission of a query. Queries that finished a round stay
// tracked until Forget so that a resolver going offline can still retract
// its results from them.
type round struct {
	q           *query.Query
	seq         uint64
	outstanding int
	timer       *time.Timer
	cancelled   bool
	finished    bool

	settled    chan struct{}
	settleOnce sync.Once
}

func (rd *round) settle() {
	rd.settleOnce.Do(func() { close(rd.settled) })
}

// New creates a pipeline dispatching to the resolvers in reg. m may be nil.
func New(reg *registry.Registry, log *logger.Logger, opts Options, m *metrics.Metrics) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		reg:       reg,
		log:       log,
		opts:      opts.withDefaults(),
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		resolvers: make(map[string]Resolver),
		lanes:     make(map[string]*lane),
		rounds:    make(map[*query.Query]*round),
	}
	reg.OnChange(p.handleChange)
	return p
}

// Attach binds an implementation to an already registered descriptor.
func (p *Pipeline) Attach(r Resolver) error {
	if _, ok := p.reg.Get(r.ID()); !ok {
		return fmt.Errorf("attach %s: %w", r.ID(), registry.ErrNotFound)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.resolvers[r.ID()] = r
	return nil
}

// Add registers d and attaches r under it.
func (p *Pipeline) Add(d registry.Descriptor, r Resolver) error {
	if d.ID != r.ID() {
		return fmt.Errorf("descriptor %q does not match resolver %q: %w", d.ID, r.ID(), registry.ErrInvalid)
	}
	if err := p.reg.Register(d); err != nil {
		return err
	}
	return p.Attach(r)
}

// Resolve starts a new round for each query and returns without waiting.
// Every eligible resolver receives the query, highest priority first;
// resolvers at capacity queue it. A query already in a round has that
// round superseded, and its late responses are ignored.
func (p *Pipeline) Resolve(qs ...*query.Query) error {
	var empty []*round

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	for _, q := range qs {
		if q == nil {
			continue
		}
		if old, ok := p.rounds[q]; ok {
			p.retireLocked(old)
		}

		rd := &round{q: q, seq: q.StartRound(), settled: make(chan struct{})}
		p.rounds[q] = rd
		p.metrics.QuerySubmitted()

		req := Request{QueryID: q.ID(), Fields: q.Fields(), FullText: q.FullText()}
		for _, d := range p.reg.EligibleFor(q) {
			if _, ok := p.resolvers[d.ID]; !ok {
				p.log.Debug("Resolver %s is registered but has no implementation", d.ID)
				continue
			}
			rd.outstanding++
			p.enqueueLocked(&job{round: rd, desc: d, req: req})
		}

		if rd.outstanding == 0 {
			rd.finished = true
			empty = append(empty, rd)
			continue
		}
		rd.timer = time.AfterFunc(p.opts.ExhaustTimeout, func() { p.windowElapsed(rd) })
		p.log.Debug("Dispatched %s to %d resolvers", q, rd.outstanding)
	}
	p.mu.Unlock()

	for _, rd := range empty {
		p.exhaust(rd)
		rd.settle()
	}
	return nil
}

// Cancel stops notifications for q and drops its queued jobs. Jobs already
// running finish; their results merge without notifying.
func (p *Pipeline) Cancel(q *query.Query) {
	q.Cancel()

	p.mu.Lock()
	rd, ok := p.rounds[q]
	if !ok || rd.finished {
		p.mu.Unlock()
		return
	}
	rd.cancelled = true
	if rd.timer != nil {
		rd.timer.Stop()
	}
	rd.outstanding -= p.dropQueuedLocked(func(j *job) bool { return j.round == rd })
	if rd.outstanding <= 0 {
		rd.finished = true
		delete(p.rounds, q)
	}
	p.mu.Unlock()

	rd.settle()
}

// Forget stops tracking q. A round still in progress is abandoned.
func (p *Pipeline) Forget(q *query.Query) {
	p.mu.Lock()
	rd, ok := p.rounds[q]
	if ok {
		p.retireLocked(rd)
		delete(p.rounds, q)
	}
	p.mu.Unlock()
	if ok {
		rd.settle()
	}
}

// Wait blocks until q's current round settles: every resolver answered,
// the exhaust window closed or the query was cancelled. It returns the best
// result, or ErrResolutionExhausted if there is none.
func (p *Pipeline) Wait(ctx context.Context, q *query.Query) (query.Result, error) {
	p.mu.Lock()
	rd, ok := p.rounds[q]
	p.mu.Unlock()

	if ok {
		select {
		case <-rd.settled:
		case <-ctx.Done():
			return query.Result{}, ctx.Err()
		}
	}
	if best, ok := q.BestResult(); ok {
		return best, nil
	}
	return query.Result{}, ErrResolutionExhausted
}

// Tracked returns how many queries the pipeline is holding.
func (p *Pipeline) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rounds)
}

// Close stops accepting queries, cancels running resolvers and waits for
// their goroutines to return.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.dropQueuedLocked(func(*job) bool { return true })
	rounds := make([]*round, 0, len(p.rounds))
	for _, rd := range p.rounds {
		p.retireLocked(rd)
		rounds = append(rounds, rd)
	}
	p.rounds = make(map[*query.Query]*round)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	for _, rd := range rounds {
		rd.settle()
	}
}

// retireLocked ends rd without exhausting it.
func (p *Pipeline) retireLocked(rd *round) {
	if rd.timer != nil {
		rd.timer.Stop()
	}
	if !rd.finished {
		p.dropQueuedLocked(func(j *job) bool { return j.round == rd })
		rd.finished = true
	}
	rd.settle()
}

func (p *Pipeline) windowElapsed(rd *round) {
	p.mu.Lock()
	live := !rd.finished && !rd.cancelled && p.rounds[rd.q] == rd
	p.mu.Unlock()
	if !live {
		return
	}
	p.exhaust(rd)
	rd.settle()
}

// jobDone accounts for one finished or dropped job of rd.
func (p *Pipeline) jobDone(rd *round) {
	p.mu.Lock()
	if rd.finished {
		p.mu.Unlock()
		return
	}
	rd.outstanding--
	if rd.outstanding > 0 {
		p.mu.Unlock()
		return
	}
	rd.finished = true
	if rd.timer != nil {
		rd.timer.Stop()
	}
	cancelled := rd.cancelled
	if cancelled && p.rounds[rd.q] == rd {
		delete(p.rounds, rd.q)
	}
	p.mu.Unlock()

	if !cancelled {
		p.exhaust(rd)
	}
	rd.settle()
}

func (p *Pipeline) exhaust(rd *round) {
	if rd.q.MarkExhausted(rd.seq) {
		p.metrics.QueryExhausted()
		p.log.Debug("No resolver found %s", rd.q)
	}
}

// handleChange reacts to resolvers leaving: their queued jobs count as
// answered with nothing and their results are retracted from every
// tracked query.
func (p *Pipeline) handleChange(c registry.Change) {
	if c.Kind != registry.WentOffline && c.Kind != registry.Unregistered {
		return
	}
	id := c.Descriptor.ID

	p.mu.Lock()
	var touched []*round
	if ln, ok := p.lanes[id]; ok {
		ln.epoch.Add(1)
		for _, j := range ln.queue {
			ln.stats.Dropped++
			touched = append(touched, j.round)
			p.metrics.ResolverFinished(id, outcomeDropped, 0)
		}
		ln.queue = nil
		p.metrics.SetQueued(id, 0)
	}
	live := make([]*query.Query, 0, len(p.rounds))
	for q := range p.rounds {
		live = append(live, q)
	}
	p.mu.Unlock()

	if len(touched) > 0 {
		p.log.Debug("Resolver %s %s, dropped %d queued jobs", id, c.Kind, len(touched))
	}
	for _, q := range live {
		q.RemoveSource(id)
	}
	for _, rd := range touched {
		p.jobDone(rd)
	}
}

// score turns candidates into results, dropping those under MinScore.
func (p *Pipeline) score(q *query.Query, d registry.Descriptor, cands []Candidate) []query.Result {
	out := make([]query.Result, 0, len(cands))
	for _, c := range cands {
		f := c.Fields()
		if f.Artist == "" && f.Track == "" {
			continue
		}
		s := scorer.Score(q.Fields(), f, d.Weight)
		if q.IsFullText() {
			if t := scorer.ScoreText(q.FullText(), f, d.Weight); t > s {
				s = t
			}
		}
		if s < p.opts.MinScore {
			continue
		}
		out = append(out, query.NewResult(f, c.Locator, d.Source(), s))
	}
	return out
}
