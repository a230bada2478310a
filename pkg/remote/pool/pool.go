// Package pool tracks in-flight work across the authenticated remote
// sessions and selects sessions for new work.
//
// The remote store penalises per-session throughput, not per-account
// throughput. Live reads pick the least-loaded session; background cache
// populations deliberately run on a different session (PickOther) so a
// warmup never starves the viewer.
package pool

import (
	"fmt"
	"sync"
)

// Metrics receives in-flight gauge updates. A nil Metrics is valid and
// disables reporting.
type Metrics interface {
	SetInFlight(session, count int)
}

// Pool owns the ordered list of session slots for the process lifetime.
type Pool struct {
	mu       sync.Mutex
	inflight []int
	metrics  Metrics
}

// New creates a pool of n sessions. n must be at least 1.
func New(n int, m Metrics) (*Pool, error) {
	if n < 1 {
		return nil, fmt.Errorf("pool: need at least one session, got %d", n)
	}
	return &Pool{
		inflight: make([]int, n),
		metrics:  m,
	}, nil
}

// Len returns the number of sessions.
func (p *Pool) Len() int {
	return len(p.inflight)
}

// PickLeastLoaded returns the session index with the minimum in-flight
// count. Ties break toward the lowest index.
func (p *Pool) PickLeastLoaded() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := 0
	for i, n := range p.inflight {
		if n < p.inflight[best] {
			best = i
		}
	}
	return best
}

// PickOther returns the session after current, wrapping around. It is used
// to place background work on a session distinct from a live stream.
func (p *Pool) PickOther(current int) int {
	return (current + 1) % len(p.inflight)
}

// Acquire marks the session as carrying one more in-flight operation and
// returns the release function. The release is idempotent and must be
// called on every exit path.
func (p *Pool) Acquire(session int) (release func()) {
	p.mu.Lock()
	p.inflight[session]++
	n := p.inflight[session]
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.SetInFlight(session, n)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.inflight[session]--
			n := p.inflight[session]
			p.mu.Unlock()

			if p.metrics != nil {
				p.metrics.SetInFlight(session, n)
			}
		})
	}
}

// Load returns the current in-flight count for a session. The value may be
// stale by the time the caller acts on it.
func (p *Pool) Load(session int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[session]
}

// Loads returns a snapshot of all in-flight counts.
func (p *Pool) Loads() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.inflight))
	copy(out, p.inflight)
	return out
}
