// Package session runs one direction of streaming replication: a reader
// pipeline (stream source -> normalize -> staging) and an applier pipeline
// (staging -> target), executing concurrently with the state machine that
// owns them.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mkarslan/pgshift/internal/apply"
	"github.com/mkarslan/pgshift/internal/cursor"
	"github.com/mkarslan/pgshift/internal/event"
	"github.com/mkarslan/pgshift/internal/source"
	"github.com/mkarslan/pgshift/internal/staging"
)

// ErrAlreadyRunning rejects starting a session while one is active in the
// same direction.
var ErrAlreadyRunning = errors.New("session: already running")

// Direction of a replication session.
type Direction string

const (
	Forward Direction = "forward"
	Reverse Direction = "reverse"
)

// Space returns the cursor address space this direction streams in.
func (d Direction) Space() cursor.Space {
	if d == Reverse {
		return cursor.SpaceTargetClock
	}
	return cursor.SpaceSourceLog
}

// Config bounds the apply batching.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// Session is one direction of active streaming replication.
type Session struct {
	direction Direction
	stream    source.Stream
	store     *staging.Store
	applier   *apply.Applier
	cfg       Config
	logger    *zap.Logger

	mu        sync.Mutex
	running   bool
	stopping  bool
	startedAt time.Time
	applied   uint64
	lastEvent time.Time
	cur       cursor.Cursor // last durably checkpointed (resume) position
	staged    cursor.Cursor // last durably staged position (stream ack)
	stallErr  error

	cancelReader context.CancelFunc
	cancelApply  context.CancelFunc
	stopApply    chan struct{}
	done         chan struct{}
}

// Snapshot is a point-in-time view of a session for status and draining.
type Snapshot struct {
	Direction   Direction `json:"direction"`
	Running     bool      `json:"running"`
	StartedAt   time.Time `json:"started_at"`
	LastEventAt time.Time `json:"last_event_at"`
	Applied     uint64    `json:"applied_rows"`
	Backlog     int64     `json:"backlog"`
	Cursor      string    `json:"cursor"`
	Stalled     string    `json:"stalled,omitempty"`
}

func New(direction Direction, stream source.Stream, store *staging.Store, applier *apply.Applier, cfg Config, logger *zap.Logger) *Session {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 200 * time.Millisecond
	}
	return &Session{
		direction: direction,
		stream:    stream,
		store:     store,
		applier:   applier,
		cfg:       cfg,
		logger:    logger.With(zap.String("direction", string(direction))),
	}
}

// Start begins streaming from the given seed cursor, or from the session's
// durable checkpoint when one exists (the checkpoint always wins: it is
// at-or-after the seed and was durably applied).
func (s *Session) Start(ctx context.Context, seed cursor.Cursor) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	cp, err := s.store.Checkpoint(ctx, string(s.direction))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	from := seed
	if !cp.IsZero() {
		from = cp
	}
	if from.IsZero() {
		from = cursor.Initial(s.direction.Space())
	}
	if err := s.store.SaveCheckpoint(ctx, string(s.direction), from); err != nil {
		s.mu.Unlock()
		return err
	}

	readerCtx, cancelReader := context.WithCancel(context.Background())
	applyCtx, cancelApply := context.WithCancel(context.Background())
	s.running = true
	s.stopping = false
	s.startedAt = time.Now().UTC()
	s.applied = 0
	s.stallErr = nil
	s.cur = from
	s.staged = from
	s.cancelReader = cancelReader
	s.cancelApply = cancelApply
	s.stopApply = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("replication session starting", zap.String("from", from.String()))

	raw := make(chan event.Raw, 1024)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(raw)
		err := s.stream.Run(readerCtx, from, raw, s.stagedCursor)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("stream reader exited", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.stageLoop(readerCtx, raw)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.applyLoop(applyCtx)
	}()

	go func() {
		wg.Wait()
		close(s.done)
	}()
	return nil
}

// Stop shuts the session down. Graceful stop (force=false) lets the
// in-flight apply batch reach its durable checkpoint; forced stop cancels
// it, leaving the cursor at the last checkpoint. ctx bounds the wait.
func (s *Session) Stop(ctx context.Context, force bool) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancelReader := s.cancelReader
	cancelApply := s.cancelApply
	done := s.done
	if !s.stopping {
		s.stopping = true
		close(s.stopApply)
	}
	s.mu.Unlock()

	cancelReader()
	if force {
		cancelApply()
	}

	select {
	case <-done:
	case <-ctx.Done():
		// Give up waiting; the batch context is cancelled so the
		// goroutines unwind on their own.
		cancelApply()
	}

	s.mu.Lock()
	s.running = false
	final := s.cur
	applied := s.applied
	s.mu.Unlock()

	s.logger.Info("replication session stopped",
		zap.Bool("force", force),
		zap.String("cursor", final.String()),
		zap.Uint64("applied_rows", applied))
	return nil
}

func (s *Session) stageLoop(ctx context.Context, raw <-chan event.Raw) {
	for r := range raw {
		ev := event.Normalize(r)
		if !s.stageOne(ctx, ev) {
			return
		}
		s.mu.Lock()
		s.staged = s.staged.Advance(ev.Channel, ev.CommitSeq)
		s.lastEvent = time.Now().UTC()
		s.mu.Unlock()
	}
}

// stageOne appends one event, retrying until it is durable. The ack cursor
// must never move past an event that is not in the store: skipping one and
// acking a later position would tell the upstream slot or broker to discard
// an event we never kept. Giving up therefore means exiting the loop with
// the cursor parked before the event, so the stream redelivers it.
func (s *Session) stageOne(ctx context.Context, ev event.ChangeEvent) bool {
	backoff := 50 * time.Millisecond
	for {
		_, err := s.store.Append(ctx, ev)
		if err == nil {
			return true
		}
		s.logger.Error("staging append failed, retrying",
			zap.String("table", ev.Table),
			zap.Uint64("commit_seq", ev.CommitSeq),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
		backoff *= 2
		if backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
	}
}

func (s *Session) applyLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopApply:
			// Final pass so a graceful stop checkpoints everything
			// already staged and pending.
			s.applyOnce(ctx)
			return
		case <-ticker.C:
			if !s.applyOnce(ctx) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// applyOnce drains one batch; false means the session stalled or was
// cancelled and the loop must exit.
func (s *Session) applyOnce(ctx context.Context) bool {
	recs, err := s.store.NextUnapplied(ctx, s.cfg.BatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.logger.Error("reading staged batch failed", zap.Error(err))
		return true
	}
	if len(recs) == 0 {
		return true
	}

	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()

	res, applyErr := s.applier.ApplyBatch(ctx, recs, cur)

	s.mu.Lock()
	s.cur = res.Cursor
	s.applied += uint64(res.Applied)
	s.mu.Unlock()

	if applyErr != nil {
		if ctx.Err() != nil {
			return false
		}
		// ErrStalled and non-transient divergence both halt forward
		// progress here; nothing is dropped and the operator decides.
		s.mu.Lock()
		s.stallErr = applyErr
		s.mu.Unlock()
		s.logger.Error("apply pipeline halted", zap.Error(applyErr))
		return false
	}
	return true
}

func (s *Session) stagedCursor() cursor.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged
}

// Cursor returns the session's durably checkpointed position.
func (s *Session) Cursor() cursor.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// LastEventAt returns when the session last staged an event.
func (s *Session) LastEventAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEvent
}

// Backlog counts staged-but-unapplied records.
func (s *Session) Backlog(ctx context.Context) (int64, error) {
	return s.store.Backlog(ctx)
}

// Stalled returns the error that halted the apply pipeline, if any.
func (s *Session) Stalled() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stallErr
}

// Snapshot returns the session's current status, including the staged
// backlog still pending apply.
func (s *Session) Snapshot(ctx context.Context) Snapshot {
	backlog, err := s.store.Backlog(ctx)
	if err != nil {
		s.logger.Warn("backlog count failed", zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Direction:   s.direction,
		Running:     s.running,
		StartedAt:   s.startedAt,
		LastEventAt: s.lastEvent,
		Applied:     s.applied,
		Backlog:     backlog,
		Cursor:      s.cur.String(),
	}
	if s.stallErr != nil {
		snap.Stalled = s.stallErr.Error()
	}
	return snap
}
