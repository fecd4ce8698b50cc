package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkarslan/pgshift/internal/apply"
	"github.com/mkarslan/pgshift/internal/bulkload"
	"github.com/mkarslan/pgshift/internal/config"
	"github.com/mkarslan/pgshift/internal/control"
	"github.com/mkarslan/pgshift/internal/drain"
	"github.com/mkarslan/pgshift/internal/metrics"
	"github.com/mkarslan/pgshift/internal/run"
	"github.com/mkarslan/pgshift/internal/session"
	"github.com/mkarslan/pgshift/internal/source"
	"github.com/mkarslan/pgshift/internal/staging"
	"github.com/mkarslan/pgshift/internal/target"
	"github.com/mkarslan/pgshift/internal/verify"
)

func main() {
	var (
		configPath string
		debug      bool
	)

	configDefault := "config.yml"
	if v := os.Getenv("PGSHIFT_CONFIG"); v != "" {
		configDefault = v
	}

	rootCmd := &cobra.Command{
		Use:   "pgshift",
		Short: "Bidirectional low-downtime database migration orchestrator",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", configDefault, "path to the YAML config")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Serve the control API and drive the migration run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, debug)
		},
	}
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(configPath string, debug bool) error {
	zapConfig := zap.NewProductionConfig()
	if debug {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zapConfig.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("config load failed", zap.Error(err))
		return err
	}
	logger.Info("configuration loaded",
		zap.Int("tables", len(cfg.Tables)),
		zap.String("staging_dir", cfg.Staging.Dir),
		zap.String("http_addr", cfg.HTTP.Addr))

	ctx := context.Background()

	if err := os.MkdirAll(cfg.Staging.Dir, 0o755); err != nil {
		return err
	}
	fwdStore, err := staging.Open(filepath.Join(cfg.Staging.Dir, "forward.db"), logger)
	if err != nil {
		return err
	}
	defer fwdStore.Close()
	revStore, err := staging.Open(filepath.Join(cfg.Staging.Dir, "reverse.db"), logger)
	if err != nil {
		return err
	}
	defer revStore.Close()

	keyColumns := cfg.KeyColumns()

	tgt, err := target.NewSQL(ctx, cfg.Target.DSN, keyColumns, cfg.Target.PositionQuery, logger)
	if err != nil {
		logger.Error("target connect failed", zap.Error(err))
		return err
	}
	defer tgt.Close()

	// The reverse session writes back into the retiring source.
	src, err := target.NewSQL(ctx, cfg.Source.DSN, keyColumns, "", logger)
	if err != nil {
		logger.Error("source connect failed", zap.Error(err))
		return err
	}
	defer src.Close()

	policy := apply.Policy{
		MaxAttempts:    cfg.Apply.MaxAttempts,
		BackoffInitial: time.Duration(cfg.Apply.BackoffInitMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Apply.BackoffMaxMs) * time.Millisecond,
	}
	sessCfg := session.Config{
		BatchSize:     cfg.Apply.BatchSize,
		FlushInterval: time.Duration(cfg.Apply.FlushIntervalMs) * time.Millisecond,
	}

	fwdStream := source.NewPostgres(source.PostgresConfig{
		DSN:               cfg.Source.DSN,
		Slot:              cfg.Source.Slot,
		Publication:       cfg.Source.Publication,
		CreatePublication: cfg.Source.CreatePublication,
		CreateSlot:        cfg.Source.CreateSlot,
	}, keyColumns, logger)
	revStream := source.NewKafka(source.KafkaConfig{
		Brokers: cfg.Reverse.Brokers,
		GroupID: cfg.Reverse.GroupID,
		Topics:  cfg.Reverse.Topics,
	}, logger)

	fwdSession := session.New(session.Forward, fwdStream, fwdStore,
		apply.New(tgt, fwdStore, string(session.Forward), policy, logger), sessCfg, logger)
	revSession := session.New(session.Reverse, revStream, revStore,
		apply.New(src, revStore, string(session.Reverse), policy, logger), sessCfg, logger)

	migration := run.New(
		run.Config{Tables: cfg.TableNames(), PollInterval: time.Second, StopTimeout: 30 * time.Second},
		run.Deps{
			Loader:   bulkload.NewCommand(cfg.BulkLoad.Command, logger),
			Verifier: verify.NewCommand(cfg.Verify.Command, logger),
			Forward:  fwdSession,
			Reverse:  revSession,
			Target:   tgt,
			Detector: drain.New(drain.Config{
				QuietPeriod:       time.Duration(cfg.Drain.QuietPeriodMs) * time.Millisecond,
				ZeroBacklogWindow: time.Duration(cfg.Drain.ZeroBacklogWindowMs) * time.Millisecond,
				Timeout:           time.Duration(cfg.Drain.TimeoutMs) * time.Millisecond,
			}),
		},
		logger,
	)
	logger.Info("migration run created", zap.String("run_id", migration.ID().String()))

	metricsHandler, err := metrics.Register(prometheus.NewRegistry(), migration)
	if err != nil {
		return err
	}

	retention := time.Duration(cfg.Staging.RetentionHrs) * time.Hour
	purge := func(ctx context.Context) (int64, error) {
		fwd, err := fwdStore.Purge(ctx, retention)
		if err != nil {
			return fwd, err
		}
		rev, err := revStore.Purge(ctx, retention)
		return fwd + rev, err
	}

	ctrl := control.NewServer(migration, purge, metricsHandler, logger)
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: ctrl.Router()}
	go func() {
		logger.Info("control API listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control API failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("control API shutdown error", zap.Error(err))
	}

	// Sessions stop at durable checkpoints; the run resumes from staging
	// and the stream's unconfirmed tail on the next start.
	if err := fwdSession.Stop(shutdownCtx, false); err != nil {
		logger.Error("forward session stop failed", zap.Error(err))
	}
	if err := revSession.Stop(shutdownCtx, false); err != nil {
		logger.Error("reverse session stop failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
