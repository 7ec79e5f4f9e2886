package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"resolvd/internal/query"
	"resolvd/internal/registry"
)

const (
	outcomeOK      = "ok"
	outcomeEmpty   = "empty"
	outcomeError   = "error"
	outcomeTimeout = "timeout"
	outcomeDropped = "dropped"
)

// Stats counts what happened to the jobs sent to one resolver.
type Stats struct {
	Dispatched uint64
	Succeeded  uint64
	Empty      uint64
	Failed     uint64
	TimedOut   uint64
	// Dropped counts jobs whose answer was discarded or never requested:
	// the query was cancelled or superseded, or the resolver left.
	Dropped uint64

	Running   int
	Queued    int
	LastError string
}

type job struct {
	round *round
	desc  registry.Descriptor
	req   Request
	// epoch is the lane's retraction epoch when the job started.
	epoch uint64
}

// lane limits how many jobs run against one resolver. Jobs past capacity
// wait in FIFO order.
type lane struct {
	id       string
	capacity int
	running  int
	queue    []*job
	stats    Stats
	// epoch advances each time the resolver leaves. Answers from jobs
	// started under an older epoch are not merged.
	epoch atomic.Uint64
}

// Stats returns the counters for resolver id.
func (p *Pipeline) Stats(id string) (Stats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ln, ok := p.lanes[id]
	if !ok {
		return Stats{}, false
	}
	s := ln.stats
	s.Running = ln.running
	s.Queued = len(ln.queue)
	return s, true
}

func (p *Pipeline) enqueueLocked(j *job) {
	ln, ok := p.lanes[j.desc.ID]
	if !ok {
		ln = &lane{id: j.desc.ID}
		p.lanes[j.desc.ID] = ln
	}
	ln.capacity = j.desc.Capacity
	ln.stats.Dispatched++
	p.metrics.Dispatched(ln.id)

	if ln.running < ln.capacity {
		p.startLocked(ln, j)
		return
	}
	ln.queue = append(ln.queue, j)
	p.metrics.SetQueued(ln.id, len(ln.queue))
}

func (p *Pipeline) pumpLocked(ln *lane) {
	for !p.closed && ln.running < ln.capacity && len(ln.queue) > 0 {
		j := ln.queue[0]
		ln.queue[0] = nil
		ln.queue = ln.queue[1:]
		p.startLocked(ln, j)
	}
	p.metrics.SetQueued(ln.id, len(ln.queue))
}

// dropQueuedLocked removes matching queued jobs from every lane and returns
// how many were removed.
func (p *Pipeline) dropQueuedLocked(match func(*job) bool) int {
	removed := 0
	for _, ln := range p.lanes {
		kept := ln.queue[:0]
		for _, j := range ln.queue {
			if match(j) {
				removed++
				ln.stats.Dropped++
				p.metrics.ResolverFinished(ln.id, outcomeDropped, 0)
				continue
			}
			kept = append(kept, j)
		}
		for i := len(kept); i < len(ln.queue); i++ {
			ln.queue[i] = nil
		}
		ln.queue = kept
		p.metrics.SetQueued(ln.id, len(ln.queue))
	}
	return removed
}

func (p *Pipeline) startLocked(ln *lane, j *job) {
	impl := p.resolvers[ln.id]
	j.epoch = ln.epoch.Load()
	ln.running++
	p.wg.Add(1)
	go p.run(impl, j)
}

func (p *Pipeline) run(impl Resolver, j *job) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.ResolverTimeout)
	defer cancel()

	start := time.Now()
	cands, err := impl.Resolve(ctx, j.req)
	took := time.Since(start)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	p.complete(j, cands, err, took)
}

// complete must run exactly once per started job.
func (p *Pipeline) complete(j *job, cands []Candidate, err error, took time.Duration) {
	rd := j.round
	id := j.desc.ID

	p.mu.Lock()
	ln := p.lanes[id]
	ln.running--
	p.pumpLocked(ln)

	current := !rd.finished && p.rounds[rd.q] == rd
	d, registered := p.reg.Get(id)
	gone := !registered || !d.Online

	outcome := outcomeOK
	switch {
	case p.ctx.Err() != nil:
		outcome = outcomeDropped
		ln.stats.Dropped++
	case errors.Is(err, context.DeadlineExceeded):
		outcome = outcomeTimeout
		ln.stats.TimedOut++
		ln.stats.LastError = fmt.Errorf("%w: %s: timed out after %s", ErrResolverFailure, id, took.Round(time.Millisecond)).Error()
	case err != nil:
		outcome = outcomeError
		ln.stats.Failed++
		ln.stats.LastError = fmt.Errorf("%w: %s: %v", ErrResolverFailure, id, err).Error()
	case !current || gone:
		outcome = outcomeDropped
		ln.stats.Dropped++
	}
	p.mu.Unlock()

	var results []query.Result
	if outcome == outcomeOK {
		results = p.score(rd.q, j.desc, cands)
		if p.beforeMerge != nil {
			p.beforeMerge(id)
		}
		// The epoch check and the merge happen under the query lock, so a
		// retraction either sees these results or keeps them out.
		merged := len(results) > 0 && rd.q.AddResultsIf(func() bool {
			return ln.epoch.Load() == j.epoch
		}, results...)

		p.mu.Lock()
		switch {
		case len(results) == 0:
			outcome = outcomeEmpty
			ln.stats.Empty++
		case !merged:
			outcome = outcomeDropped
			ln.stats.Dropped++
		default:
			ln.stats.Succeeded++
		}
		p.mu.Unlock()
	}

	p.metrics.ResolverFinished(id, outcome, took)
	switch outcome {
	case outcomeError, outcomeTimeout:
		p.log.Warn("Resolver %s failed for %s: %v", id, rd.q, err)
	case outcomeOK:
		p.log.Debug("Resolver %s returned %d results for %s", id, len(results), rd.q)
	}

	p.jobDone(rd)
}
