// Package drain certifies that a replication pipeline has caught up to
// live traffic closely enough to cut over.
package drain

import (
	"sync"
	"time"
)

// Config holds the two thresholds a drain must satisfy. Both err on the
// side of waiting longer: a false "drained" risks losing data at cutover.
type Config struct {
	// QuietPeriod is how long the stream must go without staging a new
	// event.
	QuietPeriod time.Duration
	// ZeroBacklogWindow is how long the unapplied backlog must stay at
	// zero, continuously, to rule out a momentary lull.
	ZeroBacklogWindow time.Duration
	// Timeout is how long the operator lets a drain run before it is
	// reported as stalled. The pipeline keeps draining regardless.
	Timeout time.Duration
}

// Detector tracks backlog observations over time. Feed it periodically via
// Observe; it reports drained only once both thresholds held.
type Detector struct {
	cfg Config

	mu        sync.Mutex
	zeroSince time.Time
	startedAt time.Time
}

func New(cfg Config) *Detector {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = 5 * time.Second
	}
	if cfg.ZeroBacklogWindow <= 0 {
		cfg.ZeroBacklogWindow = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Detector{cfg: cfg}
}

// Begin marks the start of a drain attempt, resetting any prior streak.
func (d *Detector) Begin(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startedAt = now
	d.zeroSince = time.Time{}
}

// Observe records one measurement and reports whether the pipeline is
// drained: backlog has been zero for the whole window and no event has been
// staged within the quiet period. A lastEvent of zero means the stream has
// never staged anything, which satisfies the quiet period trivially.
func (d *Detector) Observe(now time.Time, backlog int64, lastEvent time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if backlog > 0 {
		d.zeroSince = time.Time{}
		return false
	}
	if d.zeroSince.IsZero() {
		d.zeroSince = now
	}
	if now.Sub(d.zeroSince) < d.cfg.ZeroBacklogWindow {
		return false
	}
	if !lastEvent.IsZero() && now.Sub(lastEvent) < d.cfg.QuietPeriod {
		return false
	}
	return true
}

// TimedOut reports whether the drain attempt has exceeded its budget.
func (d *Detector) TimedOut(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.startedAt.IsZero() && now.Sub(d.startedAt) > d.cfg.Timeout
}

// Timeout exposes the configured drain budget.
func (d *Detector) Timeout() time.Duration { return d.cfg.Timeout }
