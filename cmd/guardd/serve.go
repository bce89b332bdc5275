package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/treasuryops/guard/internal/guard"
	"github.com/treasuryops/guard/internal/httpapi"
	"github.com/treasuryops/guard/internal/jobs"
	"github.com/treasuryops/guard/internal/obs"
	"github.com/treasuryops/guard/internal/store/pg"
	"github.com/treasuryops/guard/internal/stream"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the security core with its maintenance jobs, ops endpoints and alert feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address for /healthz, /readyz, /metrics and /v1/alerts (default http.addr)")
	return cmd
}

func runServe(ctx context.Context, addr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}
	proxies, err := httpapi.ParseProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return fmt.Errorf("http.trusted_proxies: %w", err)
	}
	log := newLogger(cfg)
	metrics := obs.NewMetrics()
	metrics.SetBuildInfo(version, commit)

	alerts := stream.New(metrics)
	opts := []guard.Option{guard.WithLogger(log), guard.WithMetrics(metrics), guard.WithAuditSink(alerts)}
	var (
		store *pg.Store
		ready httpapi.ReadyProbe
	)
	if cfg.Audit.PostgresDSN != "" {
		if store, err = pg.Open(cfg.Audit.PostgresDSN); err != nil {
			return err
		}
		defer store.Close()
		head, err := store.LastHash(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, guard.WithAuditSink(store), guard.WithAuditChainHead(head))
		ready.DB = store.DB()
		log.Info().Bool("continued", head != "").Msg("audit store attached")
	}

	core, err := guard.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer core.Close()

	sched, err := jobs.NewScheduler(
		jobs.Specs{SessionSweep: cfg.Jobs.SessionSweep, KeyRotation: cfg.Jobs.KeyRotation},
		core.Auth(), core.Tokens(), core.Keys().Manager(),
		metrics, obs.Component(log, "jobs"),
	)
	if err != nil {
		return err
	}
	sched.Start()

	api := httpapi.New(httpapi.Options{
		Version:        version,
		Ready:          ready,
		Metrics:        metrics,
		Alerts:         alerts,
		Guard:          core,
		Log:            obs.Component(log, "http"),
		TrustedProxies: proxies,
	})
	// Streaming requests end when baseCtx is cancelled at shutdown.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("starting treasury-guard")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-errCh:
		log.Error().Err(err).Msg("listen failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cancelBase()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("http shutdown")
	}
	if serr := sched.Stop(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("scheduler did not stop in time")
	}
	log.Info().Msg("stopped")
	return err
}
