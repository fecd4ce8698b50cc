package run

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mkarslan/pgshift/internal/apply"
	"github.com/mkarslan/pgshift/internal/bulkload"
	"github.com/mkarslan/pgshift/internal/cursor"
	"github.com/mkarslan/pgshift/internal/drain"
	"github.com/mkarslan/pgshift/internal/event"
	"github.com/mkarslan/pgshift/internal/session"
	"github.com/mkarslan/pgshift/internal/staging"
	"github.com/mkarslan/pgshift/internal/verify"
)

// memStore is an in-memory database standing in for one side of the
// migration. It satisfies apply.Target.
type memStore struct {
	mu   sync.Mutex
	rows map[string]map[string]map[string]any // table -> pk -> row
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]map[string]map[string]any)}
}

func (m *memStore) Upsert(_ context.Context, table string, key []string, row map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[table] == nil {
		m.rows[table] = make(map[string]map[string]any)
	}
	m.rows[table][key[0]] = row
	return nil
}

func (m *memStore) Delete(_ context.Context, table string, key []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows[table], key[0])
	return nil
}

func (m *memStore) Position(context.Context) (cursor.Cursor, error) {
	return cursor.FromClock(uint64(time.Now().UnixNano())), nil
}

func (m *memStore) put(table, pk string, row map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[table] == nil {
		m.rows[table] = make(map[string]map[string]any)
	}
	m.rows[table][pk] = row
}

func (m *memStore) count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[table])
}

func (m *memStore) copyInto(other *memStore) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for table, rows := range m.rows {
		for pk, row := range rows {
			other.put(table, pk, row)
			n++
		}
	}
	return n
}

// chanStream is a scriptable change stream: tests push raw events and the
// stream forwards them until its context is canceled.
type chanStream struct {
	ch chan event.Raw
}

func newChanStream() *chanStream {
	return &chanStream{ch: make(chan event.Raw, 256)}
}

func (c *chanStream) push(ev event.Raw) { c.ch <- ev }

func (c *chanStream) Run(ctx context.Context, _ cursor.Cursor, out chan<- event.Raw, _ func() cursor.Cursor) error {
	for {
		select {
		case ev := <-c.ch:
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type loaderFunc func(ctx context.Context, tables []string) (*bulkload.Result, error)

func (f loaderFunc) Load(ctx context.Context, tables []string) (*bulkload.Result, error) {
	return f(ctx, tables)
}

type verifierFunc func(ctx context.Context, tables []string) (*verify.Report, error)

func (f verifierFunc) Verify(ctx context.Context, tables []string) (*verify.Report, error) {
	return f(ctx, tables)
}

const testTable = "public.accounts"

// harness wires a full run over in-memory stores and scriptable streams,
// with real staging stores on disk.
type harness struct {
	run    *Run
	source *memStore
	target *memStore
	fwd    *chanStream
	rev    *chanStream
}

func newHarness(t *testing.T, verifyPass bool) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	h := &harness{
		source: newMemStore(),
		target: newMemStore(),
		fwd:    newChanStream(),
		rev:    newChanStream(),
	}

	fwdStaging, err := staging.Open(filepath.Join(t.TempDir(), "forward.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { fwdStaging.Close() })
	revStaging, err := staging.Open(filepath.Join(t.TempDir(), "reverse.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { revStaging.Close() })

	policy := apply.Policy{MaxAttempts: 3, BackoffInitial: time.Millisecond, BackoffMax: 5 * time.Millisecond}
	sessCfg := session.Config{BatchSize: 64, FlushInterval: 10 * time.Millisecond}

	fwdSession := session.New(session.Forward, h.fwd, fwdStaging,
		apply.New(h.target, fwdStaging, "forward", policy, logger), sessCfg, logger)
	revSession := session.New(session.Reverse, h.rev, revStaging,
		apply.New(h.source, revStaging, "reverse", policy, logger), sessCfg, logger)

	loader := loaderFunc(func(ctx context.Context, tables []string) (*bulkload.Result, error) {
		n := h.source.copyInto(h.target)
		return &bulkload.Result{
			RowCounts: map[string]int64{testTable: n},
			Cursor:    cursor.FromLog("wal", 100),
			RawCursor: cursor.FromLog("wal", 100).String(),
		}, nil
	})
	verifier := verifierFunc(func(ctx context.Context, tables []string) (*verify.Report, error) {
		rep := &verify.Report{Tables: []verify.TableReport{{
			Table:      testTable,
			SourceRows: int64(h.source.count(testTable)),
			TargetRows: int64(h.target.count(testTable)),
			Pass:       verifyPass,
		}}, RanAt: time.Now().UTC()}
		rep.Finalize()
		return rep, nil
	})

	h.run = New(
		Config{Tables: []string{testTable}, PollInterval: 10 * time.Millisecond, StopTimeout: 5 * time.Second},
		Deps{
			Loader:   loader,
			Verifier: verifier,
			Forward:  fwdSession,
			Reverse:  revSession,
			Target:   h.target,
			Detector: drain.New(drain.Config{
				QuietPeriod:       30 * time.Millisecond,
				ZeroBacklogWindow: 30 * time.Millisecond,
				Timeout:           5 * time.Second,
			}),
		},
		logger,
	)
	t.Cleanup(func() {
		if !h.run.State().Terminal() {
			h.run.Abort(context.Background(), true, "test teardown")
		}
	})
	return h
}

func (h *harness) seedSource(n int) {
	for i := 1; i <= n; i++ {
		pk := intKey(i)
		h.source.put(testTable, pk, map[string]any{"id": pk, "balance": "0"})
	}
}

func (h *harness) insertSource(i int, seq uint64) {
	pk := intKey(i)
	row := map[string]any{"id": pk, "balance": "0"}
	h.source.put(testTable, pk, row)
	h.fwd.push(event.Raw{
		Table: testTable, Kind: "c", Key: []string{pk}, Row: row,
		Channel: "wal", CommitSeq: seq,
	})
}

func (h *harness) insertTarget(i int) {
	pk := intKey(i)
	row := map[string]any{"id": pk, "balance": "0"}
	h.target.put(testTable, pk, row)
	h.rev.push(event.Raw{
		Table: testTable, Kind: "u", Key: []string{pk}, Row: row,
		Channel: "clock", CommitSeq: uint64(time.Now().UnixNano()),
	})
}

func intKey(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.run.State() == want },
		5*time.Second, 5*time.Millisecond, "waiting for state %s, at %s", want, h.run.State())
}
