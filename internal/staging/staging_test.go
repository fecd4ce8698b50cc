package staging

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mkarslan/pgshift/internal/cursor"
	"github.com/mkarslan/pgshift/internal/event"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "staging.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ev(table, key string, op event.Op, seq uint64, row map[string]any) event.ChangeEvent {
	return event.ChangeEvent{
		Table:      table,
		Op:         op,
		Key:        []string{key},
		Row:        row,
		Channel:    "wal",
		CommitSeq:  seq,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, ev("public.users", "1", event.OpInsert, 10, map[string]any{"id": "1", "name": "a"}))
	require.NoError(t, err)

	// Redelivery of the same commit token with a newer image coalesces,
	// it never double-stages.
	second, err := s.Append(ctx, ev("public.users", "1", event.OpUpdate, 10, map[string]any{"id": "1", "name": "b"}))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, event.OpUpdate, second.Event.Op)
	assert.Equal(t, "b", second.Event.Row["name"])

	n, err := s.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAppendRedeliveryKeepsApplyBookkeeping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.Append(ctx, ev("public.users", "1", event.OpInsert, 10, map[string]any{"id": "1"}))
	require.NoError(t, err)
	require.NoError(t, s.MarkApplied(ctx, rec, "forward", cursor.FromLog("wal", 10)))

	again, err := s.Append(ctx, ev("public.users", "1", event.OpInsert, 10, map[string]any{"id": "1"}))
	require.NoError(t, err)
	assert.NotNil(t, again.AppliedAt, "redelivery must not resurrect an applied record")
	assert.Equal(t, 1, again.Attempts)

	n, err := s.Backlog(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNextUnappliedOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Staged out of commit order; same commit token ties break by arrival.
	_, err := s.Append(ctx, ev("t", "b", event.OpInsert, 20, map[string]any{"id": "b"}))
	require.NoError(t, err)
	_, err = s.Append(ctx, ev("t", "a", event.OpInsert, 10, map[string]any{"id": "a"}))
	require.NoError(t, err)
	_, err = s.Append(ctx, ev("t", "c", event.OpInsert, 20, map[string]any{"id": "c"}))
	require.NoError(t, err)

	recs, err := s.NextUnapplied(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].Event.Key[0])
	assert.Equal(t, "b", recs[1].Event.Key[0])
	assert.Equal(t, "c", recs[2].Event.Key[0])

	limited, err := s.NextUnapplied(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMarkAppliedAdvancesCheckpoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.Append(ctx, ev("t", "1", event.OpInsert, 5, map[string]any{"id": "1"}))
	require.NoError(t, err)

	cur := cursor.FromLog("wal", 5)
	require.NoError(t, s.MarkApplied(ctx, rec, "forward", cur))

	got, err := s.Checkpoint(ctx, "forward")
	require.NoError(t, err)
	ok, err := got.AtOrAfter(cur)
	require.NoError(t, err)
	assert.True(t, ok)

	recs, err := s.NextUnapplied(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMarkFailedCountsAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.Append(ctx, ev("t", "1", event.OpInsert, 5, map[string]any{"id": "1"}))
	require.NoError(t, err)

	require.NoError(t, s.MarkFailed(ctx, rec, errors.New("connection refused")))
	require.NoError(t, s.MarkFailed(ctx, rec, errors.New("connection refused")))

	recs, err := s.NextUnapplied(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].Attempts)
	assert.Equal(t, "connection refused", recs[0].LastError)
	assert.Nil(t, recs[0].AppliedAt)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.Checkpoint(ctx, "reverse")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	cur := cursor.FromClock(1756640000000000000)
	require.NoError(t, s.SaveCheckpoint(ctx, "reverse", cur))
	got, err = s.Checkpoint(ctx, "reverse")
	require.NoError(t, err)
	assert.Equal(t, cur.String(), got.String())
}

func TestPurgeKeepsUnapplied(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	applied, err := s.Append(ctx, ev("t", "1", event.OpInsert, 1, map[string]any{"id": "1"}))
	require.NoError(t, err)
	require.NoError(t, s.MarkApplied(ctx, applied, "forward", cursor.FromLog("wal", 1)))
	_, err = s.Append(ctx, ev("t", "2", event.OpInsert, 2, map[string]any{"id": "2"}))
	require.NoError(t, err)

	// Zero retention: everything applied is eligible.
	n, err := s.Purge(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	backlog, err := s.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), backlog, "unapplied record must survive purge")
}

func TestCompositeKeyRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := event.ChangeEvent{
		Table:      "t",
		Op:         event.OpInsert,
		Key:        []string{"a", "b"},
		Row:        map[string]any{"x": "1"},
		Channel:    "wal",
		CommitSeq:  1,
		ReceivedAt: time.Now().UTC(),
	}
	_, err := s.Append(ctx, in)
	require.NoError(t, err)

	recs, err := s.NextUnapplied(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"a", "b"}, recs[0].Event.Key)
}
