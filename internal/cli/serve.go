package cli

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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/turn-governor/internal/config"
	"github.com/danielpatrickdp/turn-governor/internal/release"
	"github.com/danielpatrickdp/turn-governor/internal/server"
)

var serveRefresh time.Duration

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().DurationVar(&serveRefresh, "refresh", 15*time.Second,
		"How often to reload the weight registry and evaluate an open canary (0 disables)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC governor service",
	Long: "Runs the turn pipeline behind the turngov.v1.Governor gRPC service.\n" +
		"Exposes Prometheus metrics on metrics_addr and hot-reloads gate and quality\n" +
		"settings when --config changes.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	orch, err := rt.orchestrator()
	if err != nil {
		return fmt.Errorf("wire pipeline: %w", err)
	}
	if _, err := rt.release.SnapshotComponentVersions(ctx); err != nil {
		rt.logger.Warn("[RELEASE] component snapshot failed", "err", err)
	}

	srv := server.New(orch, rt.release, server.WithLogger(rt.logger), server.WithMetrics(rt.metrics))
	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error("[SERVER] metrics endpoint failed", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(c config.Config) {
			srv.Reload(c.GateConfig(), c.Quality)
		}, rt.logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
		} else {
			go watcher.Run(ctx)
		}
	}

	if serveRefresh > 0 {
		go refreshLoop(ctx, rt, serveRefresh)
	}

	go func() {
		<-ctx.Done()
		rt.logger.Info("[SERVER] shutting down")
		srv.GracefulStop()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	fmt.Fprintf(os.Stderr, "turngov listening on %s (db %s)\n", cfg.ListenAddr, cfg.DBPath)
	serveErr := srv.Serve(lis)
	if err := orch.Close(); err != nil {
		rt.logger.Warn("[SERVER] pipeline close failed", "err", err)
	}
	return serveErr
}

// refreshLoop picks up weight changes made by other processes (the weights
// and canary commands) and lets an open canary roll back without an operator.
func refreshLoop(ctx context.Context, rt *runtime, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := rt.registry.Load(ctx); err != nil {
			rt.logger.Warn("[RELEASE] registry refresh failed", "err", err)
			continue
		}
		run, err := rt.release.EvaluateCanary(ctx)
		switch {
		case errors.Is(err, release.ErrNoCanary):
		case err != nil:
			rt.logger.Warn("[RELEASE] canary evaluation failed", "err", err)
		case run.RollbackTriggered:
			rt.logger.Warn("[RELEASE] canary rolled back", "run_id", run.ID, "reason", run.Reason)
		}
	}
}
