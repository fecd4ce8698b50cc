// Package apply drives staged change events into a target connector,
// idempotently and in commit order.
package apply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mkarslan/pgshift/internal/cursor"
	"github.com/mkarslan/pgshift/internal/event"
	"github.com/mkarslan/pgshift/internal/staging"
)

var (
	// ErrStalled means a record exhausted its retry budget. Forward
	// progress for the session halts until an operator intervenes; the
	// record is never dropped.
	ErrStalled = errors.New("apply: stalled, retry budget exhausted")

	// ErrTransient marks target errors worth retrying (connectivity,
	// serialization conflicts). Target connectors wrap such errors with
	// it; everything else is treated as a real divergence.
	ErrTransient = errors.New("apply: transient target error")
)

// Transient wraps err so the applier will retry it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Target is the narrow contract a destination store must satisfy.
type Target interface {
	Upsert(ctx context.Context, table string, key []string, row map[string]any) error
	Delete(ctx context.Context, table string, key []string) error
	// Position reports the target's current logical position, used to
	// seed a reverse replication session at cutover.
	Position(ctx context.Context) (cursor.Cursor, error)
}

// Policy bounds the retry behavior for transient target errors.
type Policy struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Result summarizes one ApplyBatch call.
type Result struct {
	Applied int
	Cursor  cursor.Cursor // session cursor after the last durably applied record
}

// Applier applies staged records to a target. Records arrive ordered by
// commit token, so applying them sequentially preserves per-key order; each
// record is checkpointed individually, which makes a crashed batch safely
// resumable from the last durable cursor rather than requiring whole-batch
// atomicity.
type Applier struct {
	target     Target
	store      *staging.Store
	checkpoint string
	policy     Policy
	logger     *zap.Logger
}

func New(target Target, store *staging.Store, checkpoint string, policy Policy, logger *zap.Logger) *Applier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if policy.BackoffInitial <= 0 {
		policy.BackoffInitial = 100 * time.Millisecond
	}
	if policy.BackoffMax <= 0 {
		policy.BackoffMax = 5 * time.Second
	}
	return &Applier{target: target, store: store, checkpoint: checkpoint, policy: policy, logger: logger}
}

// ApplyBatch applies recs in order, advancing from cur. On failure the
// returned Result still reflects every record that was durably applied and
// checkpointed before the failure.
func (a *Applier) ApplyBatch(ctx context.Context, recs []staging.Record, cur cursor.Cursor) (Result, error) {
	res := Result{Cursor: cur}
	for _, rec := range recs {
		if err := a.applyOne(ctx, rec); err != nil {
			return res, err
		}
		res.Cursor = res.Cursor.Advance(rec.Event.Channel, rec.Event.CommitSeq)
		if err := a.store.MarkApplied(ctx, rec, a.checkpoint, res.Cursor); err != nil {
			return res, err
		}
		res.Applied++
	}
	return res, nil
}

func (a *Applier) applyOne(ctx context.Context, rec staging.Record) error {
	backoff := a.policy.BackoffInitial
	for attempt := 1; ; attempt++ {
		err := a.applyEvent(ctx, rec.Event)
		if err == nil {
			return nil
		}
		if markErr := a.store.MarkFailed(ctx, rec, err); markErr != nil {
			return markErr
		}
		if !errors.Is(err, ErrTransient) {
			// Constraint violations and the like imply real data
			// divergence. Recorded against the record, escalated,
			// never retried.
			a.logger.Error("non-transient apply failure",
				zap.Int64("record_id", rec.ID),
				zap.String("table", rec.Event.Table),
				zap.String("key", rec.Event.KeyString()),
				zap.Error(err))
			return fmt.Errorf("apply record %d (%s %s): %w", rec.ID, rec.Event.Op, rec.Event.Table, err)
		}
		if attempt >= a.policy.MaxAttempts {
			a.logger.Error("apply retry budget exhausted",
				zap.Int64("record_id", rec.ID),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return fmt.Errorf("%w: record %d after %d attempts: %w", ErrStalled, rec.ID, attempt, err)
		}
		a.logger.Warn("transient apply failure, backing off",
			zap.Int64("record_id", rec.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > a.policy.BackoffMax {
			backoff = a.policy.BackoffMax
		}
	}
}

func (a *Applier) applyEvent(ctx context.Context, ev event.ChangeEvent) error {
	switch ev.Op {
	case event.OpInsert, event.OpUpdate:
		return a.target.Upsert(ctx, ev.Table, ev.Key, ev.Row)
	case event.OpDelete:
		return a.target.Delete(ctx, ev.Table, ev.Key)
	default:
		// Unknown kinds stay staged with the error recorded so the
		// operator can inspect them; dropping one silently would be a
		// correctness hazard.
		return fmt.Errorf("unknown operation kind for %s key %s", ev.Table, ev.KeyString())
	}
}
