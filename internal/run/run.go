// Package run owns the migration state machine: it sequences bulk load,
// verification, forward streaming, drain, cutover, reverse streaming and
// decommission, and holds every cross-component invariant.
package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mkarslan/pgshift/internal/apply"
	"github.com/mkarslan/pgshift/internal/bulkload"
	"github.com/mkarslan/pgshift/internal/drain"
	"github.com/mkarslan/pgshift/internal/session"
	"github.com/mkarslan/pgshift/internal/verify"
)

// Deps are the collaborators a run coordinates. Bulk load and verification
// are opaque external operations; the sessions are built up front and idle
// until the machine starts them.
type Deps struct {
	Loader   bulkload.Loader
	Verifier verify.Verifier
	Forward  *session.Session
	Reverse  *session.Session
	Target   apply.Target
	Detector *drain.Detector
}

// Config bounds the run's own control loops.
type Config struct {
	Tables       []string
	PollInterval time.Duration
	StopTimeout  time.Duration
}

// VerificationRecord is a verification report plus any operator override.
type VerificationRecord struct {
	Report         *verify.Report `json:"report"`
	Overridden     bool           `json:"overridden"`
	OverrideReason string         `json:"override_reason,omitempty"`
}

// Run is the top-level migration aggregate: one bulk load, its
// verifications, and the forward-then-reverse replication sessions.
type Run struct {
	id     uuid.UUID
	cfg    Config
	deps   Deps
	logger *zap.Logger

	bgCtx    context.Context
	bgCancel context.CancelFunc

	mu            sync.Mutex
	state         State
	startedAt     time.Time
	bulk          *bulkload.Result
	verifications []VerificationRecord
	lastError     string
	drainStalled  bool
	abortReason   string
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Run {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Run{
		id:       uuid.New(),
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		bgCtx:    ctx,
		bgCancel: cancel,
		state:    StateNotStarted,
	}
}

func (r *Run) ID() uuid.UUID { return r.id }

// transition moves from exactly `from` to `to`, rejecting anything else.
// Re-running a completed transition fails the from-check, which is what
// makes the machine strictly forward-moving.
func (r *Run) transition(from, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from || !from.CanAdvanceTo(to) {
		return fmt.Errorf("%w: %s -> %s (current: %s)", ErrInvalidTransition, from, to, r.state)
	}
	r.state = to
	r.logger.Info("migration state changed",
		zap.String("run_id", r.id.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

// State returns the current machine state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start triggers the snapshot copy. The copy and the verification that
// follows execute in the background so abort requests stay serviceable;
// completion advances the machine on its own.
func (r *Run) Start(ctx context.Context) error {
	if err := r.transition(StateNotStarted, StateBulkLoading); err != nil {
		return err
	}
	r.mu.Lock()
	r.startedAt = time.Now().UTC()
	r.mu.Unlock()

	go r.bulkLoadAndVerify()
	return nil
}

func (r *Run) bulkLoadAndVerify() {
	res, err := r.deps.Loader.Load(r.bgCtx, r.cfg.Tables)
	if err != nil {
		if r.bgCtx.Err() != nil {
			return
		}
		// Bulk load failure is fatal to the run.
		r.logger.Error("bulk load failed", zap.Error(err))
		r.abort("bulk load failed: " + err.Error())
		return
	}
	r.mu.Lock()
	r.bulk = res
	r.mu.Unlock()

	if err := r.transition(StateBulkLoading, StateBulkVerifying); err != nil {
		return
	}
	r.runVerification()
}

func (r *Run) runVerification() {
	rep, err := r.deps.Verifier.Verify(r.bgCtx, r.cfg.Tables)
	if err != nil {
		if r.bgCtx.Err() != nil {
			return
		}
		// A verifier tool failure is not a mismatch; the run parks in
		// BulkVerifying with the error surfaced for the operator.
		r.logger.Error("verifier failed", zap.Error(err))
		r.setLastError("verification failed to run: " + err.Error())
		return
	}
	r.mu.Lock()
	r.verifications = append(r.verifications, VerificationRecord{Report: rep})
	r.mu.Unlock()

	if !rep.Pass {
		// Mismatch is advisory: the operator overrides or aborts.
		r.logger.Warn("verification mismatch, awaiting operator decision")
		r.setLastError("verification mismatch")
		return
	}
	r.startForward()
}

// OverrideVerification lets the operator proceed past a failed
// verification. The override is recorded on the run.
func (r *Run) OverrideVerification(reason string) error {
	r.mu.Lock()
	if r.state != StateBulkVerifying {
		cur := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: override-verification in state %s", ErrInvalidTransition, cur)
	}
	n := len(r.verifications)
	if n == 0 || r.verifications[n-1].Report.Pass {
		r.mu.Unlock()
		return fmt.Errorf("run: no failed verification to override")
	}
	r.verifications[n-1].Overridden = true
	r.verifications[n-1].OverrideReason = reason
	r.mu.Unlock()

	r.logger.Warn("verification failure overridden", zap.String("reason", reason))
	r.startForward()
	return nil
}

// startForward seeds the forward session at the bulk-load completion
// cursor: a position at or before snapshot start, so nothing is missed and
// idempotent apply absorbs the overlap.
func (r *Run) startForward() {
	if err := r.transition(StateBulkVerifying, StateForwardStreaming); err != nil {
		return
	}
	r.mu.Lock()
	seed := r.bulk.Cursor
	r.mu.Unlock()
	if err := r.deps.Forward.Start(r.bgCtx, seed); err != nil {
		r.logger.Error("forward session failed to start", zap.Error(err))
		r.abort("forward session failed to start: " + err.Error())
	}
}

// RequestCutover signals intent to cut over: the run enters Draining and
// the drain detector starts certifying lag.
func (r *Run) RequestCutover() error {
	if err := r.transition(StateForwardStreaming, StateDraining); err != nil {
		return err
	}
	r.mu.Lock()
	r.drainStalled = false
	r.mu.Unlock()
	r.deps.Detector.Begin(time.Now().UTC())
	go r.watchDrain()
	return nil
}

func (r *Run) watchDrain() {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.bgCtx.Done():
			return
		case <-ticker.C:
		}
		if r.State() != StateDraining {
			return
		}
		backlog, err := r.deps.Forward.Backlog(r.bgCtx)
		if err != nil {
			if r.bgCtx.Err() == nil {
				r.logger.Error("drain backlog check failed", zap.Error(err))
			}
			continue
		}
		now := time.Now().UTC()
		if r.deps.Detector.Observe(now, backlog, r.deps.Forward.LastEventAt()) {
			if err := r.transition(StateDraining, StateCutoverReady); err == nil {
				r.logger.Info("drain certified, ready for cutover")
			}
			return
		}
		if r.deps.Detector.TimedOut(now) {
			// Reported, never auto-aborted; the pipeline keeps draining.
			r.mu.Lock()
			stalled := r.drainStalled
			r.drainStalled = true
			r.mu.Unlock()
			if !stalled {
				r.logger.Warn("drain did not close within its budget",
					zap.Duration("timeout", r.deps.Detector.Timeout()),
					zap.Int64("backlog", backlog))
			}
		}
	}
}

// ConfirmCutover is invoked once application traffic has been redirected
// externally. It stops the forward session at a durable checkpoint, reads
// the target's logical position from the instant traffic stopped, and
// starts the reverse session seeded there.
func (r *Run) ConfirmCutover(ctx context.Context) error {
	if err := r.transition(StateCutoverReady, StateReverseStreaming); err != nil {
		return err
	}

	stopCtx, cancel := context.WithTimeout(ctx, r.cfg.StopTimeout)
	defer cancel()
	if err := r.deps.Forward.Stop(stopCtx, false); err != nil {
		r.abort("forward session stop failed: " + err.Error())
		return err
	}

	seed, err := r.deps.Target.Position(ctx)
	if err != nil {
		r.abort("target position read failed: " + err.Error())
		return fmt.Errorf("run: seed reverse session: %w", err)
	}
	if err := r.deps.Reverse.Start(r.bgCtx, seed); err != nil {
		r.abort("reverse session failed to start: " + err.Error())
		return err
	}
	r.logger.Info("cutover complete, reverse replication running",
		zap.String("seed", seed.String()))
	return nil
}

// Decommission retires the old source once the operator is satisfied with
// the new primary.
func (r *Run) Decommission(ctx context.Context) error {
	if err := r.transition(StateReverseStreaming, StateDecommissioning); err != nil {
		return err
	}
	stopCtx, cancel := context.WithTimeout(ctx, r.cfg.StopTimeout)
	defer cancel()
	if err := r.deps.Reverse.Stop(stopCtx, false); err != nil {
		r.abort("reverse session stop failed: " + err.Error())
		return err
	}
	if err := r.transition(StateDecommissioning, StateComplete); err != nil {
		return err
	}
	r.bgCancel()
	r.logger.Info("migration complete, source retired")
	return nil
}

// Abort moves the run to Aborted from any non-terminal state. Sessions are
// stopped (forcibly when force is set); staged work is never discarded.
func (r *Run) Abort(ctx context.Context, force bool, reason string) error {
	r.mu.Lock()
	cur := r.state
	if cur.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: abort in terminal state %s", ErrInvalidTransition, cur)
	}
	r.state = StateAborted
	r.abortReason = reason
	r.mu.Unlock()

	r.logger.Warn("migration aborted",
		zap.String("from", string(cur)),
		zap.Bool("force", force),
		zap.String("reason", reason))

	stopCtx, cancel := context.WithTimeout(ctx, r.cfg.StopTimeout)
	defer cancel()
	r.deps.Forward.Stop(stopCtx, force)
	r.deps.Reverse.Stop(stopCtx, force)
	r.bgCancel()
	return nil
}

// abort is the internal unrecoverable-error path.
func (r *Run) abort(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StopTimeout)
	defer cancel()
	if err := r.Abort(ctx, false, reason); err != nil {
		r.logger.Error("abort failed", zap.Error(err))
	}
}

func (r *Run) setLastError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastError = msg
}

// Status is a JSON-serializable snapshot of the whole run.
type Status struct {
	ID            string               `json:"id"`
	State         State                `json:"state"`
	StartedAt     time.Time            `json:"started_at,omitzero"`
	Bulk          *bulkload.Result     `json:"bulk_load,omitempty"`
	Verifications []VerificationRecord `json:"verifications,omitempty"`
	Forward       session.Snapshot     `json:"forward"`
	Reverse       session.Snapshot     `json:"reverse"`
	Backlog       int64                `json:"backlog"`
	DrainStalled  bool                 `json:"drain_stalled,omitempty"`
	LastError     string               `json:"last_error,omitempty"`
	AbortReason   string               `json:"abort_reason,omitempty"`
}

// Status reports the run and both sessions. Session stalls (ApplyStalled
// escalations) surface here for the operator.
func (r *Run) Status(ctx context.Context) Status {
	r.mu.Lock()
	st := Status{
		ID:            r.id.String(),
		State:         r.state,
		StartedAt:     r.startedAt,
		Bulk:          r.bulk,
		Verifications: append([]VerificationRecord(nil), r.verifications...),
		DrainStalled:  r.drainStalled,
		LastError:     r.lastError,
		AbortReason:   r.abortReason,
	}
	r.mu.Unlock()

	st.Forward = r.deps.Forward.Snapshot(ctx)
	st.Reverse = r.deps.Reverse.Snapshot(ctx)
	// The headline backlog is whichever direction is replicating; after
	// cutover that is the failback lag the operator watches.
	switch st.State {
	case StateReverseStreaming, StateDecommissioning, StateComplete:
		st.Backlog = st.Reverse.Backlog
	default:
		st.Backlog = st.Forward.Backlog
	}
	return st
}
