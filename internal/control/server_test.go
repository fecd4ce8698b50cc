package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mkarslan/pgshift/internal/apply"
	"github.com/mkarslan/pgshift/internal/bulkload"
	"github.com/mkarslan/pgshift/internal/cursor"
	"github.com/mkarslan/pgshift/internal/drain"
	"github.com/mkarslan/pgshift/internal/event"
	"github.com/mkarslan/pgshift/internal/run"
	"github.com/mkarslan/pgshift/internal/session"
	"github.com/mkarslan/pgshift/internal/staging"
	"github.com/mkarslan/pgshift/internal/verify"
)

type nullTarget struct{}

func (nullTarget) Upsert(context.Context, string, []string, map[string]any) error { return nil }
func (nullTarget) Delete(context.Context, string, []string) error                 { return nil }
func (nullTarget) Position(context.Context) (cursor.Cursor, error) {
	return cursor.FromClock(1), nil
}

type idleStream struct{}

func (idleStream) Run(ctx context.Context, _ cursor.Cursor, _ chan<- event.Raw, _ func() cursor.Cursor) error {
	<-ctx.Done()
	return ctx.Err()
}

type loaderFunc func(ctx context.Context, tables []string) (*bulkload.Result, error)

func (f loaderFunc) Load(ctx context.Context, tables []string) (*bulkload.Result, error) {
	return f(ctx, tables)
}

type verifierFunc func(ctx context.Context, tables []string) (*verify.Report, error)

func (f verifierFunc) Verify(ctx context.Context, tables []string) (*verify.Report, error) {
	return f(ctx, tables)
}

func newTestRun(t *testing.T) *run.Run {
	t.Helper()
	logger := zaptest.NewLogger(t)

	newSession := func(dir session.Direction, name string) *session.Session {
		store, err := staging.Open(filepath.Join(t.TempDir(), name+".db"), logger)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		policy := apply.Policy{MaxAttempts: 2, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond}
		return session.New(dir, idleStream{}, store,
			apply.New(nullTarget{}, store, name, policy, logger),
			session.Config{BatchSize: 8, FlushInterval: 10 * time.Millisecond}, logger)
	}

	r := run.New(
		run.Config{Tables: []string{"public.accounts"}, PollInterval: 10 * time.Millisecond, StopTimeout: time.Second},
		run.Deps{
			Loader: loaderFunc(func(context.Context, []string) (*bulkload.Result, error) {
				return &bulkload.Result{
					RowCounts: map[string]int64{"public.accounts": 1},
					Cursor:    cursor.FromLog("wal", 1),
					RawCursor: cursor.FromLog("wal", 1).String(),
				}, nil
			}),
			Verifier: verifierFunc(func(context.Context, []string) (*verify.Report, error) {
				rep := &verify.Report{Tables: []verify.TableReport{{Table: "public.accounts", Pass: true}}}
				rep.Finalize()
				return rep, nil
			}),
			Forward:  newSession(session.Forward, "forward"),
			Reverse:  newSession(session.Reverse, "reverse"),
			Target:   nullTarget{},
			Detector: drain.New(drain.Config{QuietPeriod: 10 * time.Millisecond, ZeroBacklogWindow: 10 * time.Millisecond, Timeout: time.Second}),
		},
		logger,
	)
	t.Cleanup(func() {
		if !r.State().Terminal() {
			r.Abort(context.Background(), true, "test teardown")
		}
	})
	return r
}

func newTestServer(t *testing.T, purge PurgeFunc) (*run.Run, http.Handler) {
	t.Helper()
	r := newTestRun(t)
	if purge == nil {
		purge = func(context.Context) (int64, error) { return 0, nil }
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("# scrape ok\n"))
	})
	srv := NewServer(r, purge, metrics, zaptest.NewLogger(t))
	return r, srv.Router()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestHealthz(t *testing.T) {
	_, h := newTestServer(t, nil)
	rec, body := doJSON(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestStatusReflectsState(t *testing.T) {
	_, h := newTestServer(t, nil)
	rec, body := doJSON(t, h, http.MethodGet, "/v1/run/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not_started", body["state"])
}

func TestStartThenStartAgainConflicts(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec, _ := doJSON(t, h, http.MethodPost, "/v1/run/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := doJSON(t, h, http.MethodPost, "/v1/run/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["error"], "invalid state transition")
}

func TestGatesOutOfOrderConflict(t *testing.T) {
	_, h := newTestServer(t, nil)

	for _, path := range []string{
		"/v1/run/cutover",
		"/v1/run/confirm-cutover",
		"/v1/run/decommission",
	} {
		rec, _ := doJSON(t, h, http.MethodPost, path, "")
		assert.Equal(t, http.StatusConflict, rec.Code, path)
	}
}

func TestOverrideVerificationRequiresReason(t *testing.T) {
	_, h := newTestServer(t, nil)
	rec, body := doJSON(t, h, http.MethodPost, "/v1/run/override-verification", "{}")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "reason")
}

func TestAbortRecordsReasonAndForce(t *testing.T) {
	r, h := newTestServer(t, nil)

	rec, body := doJSON(t, h, http.MethodPost, "/v1/run/abort?force=true", `{"reason":"fire drill"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "aborted", body["state"])
	assert.Equal(t, "fire drill", body["abort_reason"])
	assert.Equal(t, run.StateAborted, r.State())

	// Terminal: a second abort is a conflict.
	rec, _ = doJSON(t, h, http.MethodPost, "/v1/run/abort", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPurge(t *testing.T) {
	_, h := newTestServer(t, func(context.Context) (int64, error) { return 42, nil })
	rec, body := doJSON(t, h, http.MethodPost, "/v1/staging/purge", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 42, body["purged"])
}

func TestPurgeFailure(t *testing.T) {
	_, h := newTestServer(t, func(context.Context) (int64, error) {
		return 0, errors.New("staging store busy")
	})
	rec, body := doJSON(t, h, http.MethodPost, "/v1/staging/purge", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["error"], "staging store busy")
}

func TestMetricsEndpointMounted(t *testing.T) {
	_, h := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scrape ok")
}
