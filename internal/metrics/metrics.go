// Package metrics exposes the migration run over Prometheus. The collector
// pulls a status snapshot at scrape time instead of instrumenting every
// hot path.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkarslan/pgshift/internal/run"
	"github.com/mkarslan/pgshift/internal/session"
)

var stateValues = []run.State{
	run.StateNotStarted, run.StateBulkLoading, run.StateBulkVerifying,
	run.StateForwardStreaming, run.StateDraining, run.StateCutoverReady,
	run.StateReverseStreaming, run.StateDecommissioning,
	run.StateComplete, run.StateAborted,
}

// runCollector exposes gauges for the run state machine and both sessions.
type runCollector struct {
	run *run.Run

	stateDesc        *prometheus.Desc
	appliedDesc      *prometheus.Desc
	backlogDesc      *prometheus.Desc
	lagDesc          *prometheus.Desc
	stalledDesc      *prometheus.Desc
	drainStalledDesc *prometheus.Desc
}

func newRunCollector(r *run.Run) *runCollector {
	return &runCollector{
		run:              r,
		stateDesc:        prometheus.NewDesc("pgshift_run_state", "Current state of the migration run (1 on the active state)", []string{"state"}, nil),
		appliedDesc:      prometheus.NewDesc("pgshift_session_applied_rows_total", "Rows durably applied by a replication session", []string{"direction"}, nil),
		backlogDesc:      prometheus.NewDesc("pgshift_staging_backlog", "Staged events not yet applied to the destination", []string{"direction"}, nil),
		lagDesc:          prometheus.NewDesc("pgshift_session_quiet_seconds", "Seconds since a session last staged an event", []string{"direction"}, nil),
		stalledDesc:      prometheus.NewDesc("pgshift_session_stalled", "1 when a session's apply pipeline has halted awaiting the operator", []string{"direction"}, nil),
		drainStalledDesc: prometheus.NewDesc("pgshift_drain_stalled", "1 when the drain has exceeded its time budget without certifying", nil, nil),
	}
}

func (c *runCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateDesc
	ch <- c.appliedDesc
	ch <- c.backlogDesc
	ch <- c.lagDesc
	ch <- c.stalledDesc
	ch <- c.drainStalledDesc
}

func (c *runCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st := c.run.Status(ctx)

	for _, s := range stateValues {
		v := 0.0
		if st.State == s {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, v, string(s))
	}
	drainStalled := 0.0
	if st.DrainStalled {
		drainStalled = 1
	}
	ch <- prometheus.MustNewConstMetric(c.drainStalledDesc, prometheus.GaugeValue, drainStalled)

	now := time.Now().UTC()
	for dir, snap := range map[string]session.Snapshot{
		"forward": st.Forward,
		"reverse": st.Reverse,
	} {
		ch <- prometheus.MustNewConstMetric(c.appliedDesc, prometheus.CounterValue, float64(snap.Applied), dir)
		ch <- prometheus.MustNewConstMetric(c.backlogDesc, prometheus.GaugeValue, float64(snap.Backlog), dir)
		quiet := 0.0
		if !snap.LastEventAt.IsZero() {
			quiet = now.Sub(snap.LastEventAt).Seconds()
		}
		ch <- prometheus.MustNewConstMetric(c.lagDesc, prometheus.GaugeValue, quiet, dir)
		stalled := 0.0
		if snap.Stalled != "" {
			stalled = 1
		}
		ch <- prometheus.MustNewConstMetric(c.stalledDesc, prometheus.GaugeValue, stalled, dir)
	}
}

// Register wires the run collector into reg and returns the scrape handler.
func Register(reg *prometheus.Registry, r *run.Run) (http.Handler, error) {
	if err := reg.Register(newRunCollector(r)); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return nil, err
		}
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
