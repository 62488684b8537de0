// recorder follows the configured chat rooms and archives every message it
// sees into PostgreSQL. It serves /health and Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/livesync/internal/archive"
	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/database"
	"github.com/rickgao/livesync/internal/livesync"
	"github.com/rickgao/livesync/internal/metrics"
	"github.com/rickgao/livesync/internal/refresh"
	"github.com/rickgao/livesync/internal/stream"
	"github.com/rickgao/livesync/internal/version"
	"github.com/rickgao/livesync/internal/window"
)

func main() {
	configPath := flag.String("config", "configs/recorder.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("starting recorder",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	if !cfg.Archive.Enabled {
		logger.Error("archive.enabled is false, nothing to record")
		os.Exit(1)
	}
	if len(cfg.Messages.Rooms) == 0 {
		logger.Error("messages.rooms is empty, nothing to record")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("recorder stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("recorder stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db := cfg.Archive.Database
	logger.Info("connecting to database", "host", db.Host, "port", db.Port, "database", db.Name)

	pool, err := database.Connect(ctx, db)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database ready")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(metrics.WithRegistry(reg))

	writer := archive.NewWriter(archive.Config{
		BatchSize:     cfg.Archive.BatchSize,
		FlushInterval: cfg.Archive.FlushInterval,
	}, pool, m, logger.With("component", "archive"))
	if err := writer.Start(ctx); err != nil {
		return fmt.Errorf("start archive writer: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		writer.Stop(shutdownCtx)
	}()

	client, _ := livesync.Setup(cfg, logger, livesync.WithObserver(m), livesync.WithCacheObserver(m))
	defer client.Close()

	if cfg.Requests.RefreshInterval > 0 {
		rcfg := refresh.DefaultConfig()
		rcfg.Interval = cfg.Requests.RefreshInterval
		rcfg.Timeout = cfg.Requests.Timeout
		refresher := refresh.New(rcfg, client, logger.With("component", "refresh"))
		refresher.Start(ctx)
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			refresher.Stop(stopCtx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, id := range cfg.Messages.Rooms {
		deltas := client.Room(id).Deltas()
		g.Go(func() error {
			record(gctx, deltas, writer)
			return nil
		})
	}

	ended := client.SessionEnded()
	defer ended.Close()
	g.Go(func() error {
		select {
		case err, ok := <-ended.C():
			if ok {
				return fmt.Errorf("session ended: %w", err)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	conn, err := client.Connect(gctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()
	g.Go(func() error {
		for up := range conn.C() {
			logger.Info("connectivity", "connected", up)
		}
		return nil
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: newHandler(cfg.Metrics.Path, reg, pool, client, writer),
	}
	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		conn.Close()
		ended.Close()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("recorder running",
		"rooms", len(cfg.Messages.Rooms),
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	err = g.Wait()
	logger.Info("shutting down...", "archived", writer.Stats().Inserts)
	return err
}

// record queues every message a window loads or receives. The archive
// ignores ids it already holds, so reloads after reconnects are harmless.
func record(ctx context.Context, deltas *stream.Stream[window.Delta], w *archive.Writer) {
	defer deltas.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deltas.C():
			if !ok {
				return
			}
			for _, m := range d.Messages {
				w.Add(m)
			}
		}
	}
}

func newHandler(metricsPath string, reg *prometheus.Registry, pool *pgxpool.Pool, client *livesync.Client, w *archive.Writer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if err := pool.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["postgres"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["postgres"] = "connected"
		}

		st := client.Manager().Stats()
		health.Components["channel"] = map[string]any{
			"state":      st.State.String(),
			"channel_id": st.ChannelID,
			"reconnects": st.Reconnects,
		}
		if !client.IsConnected() && health.Status == "healthy" {
			health.Status = "degraded"
		}

		ws := w.Stats()
		health.Components["archive"] = map[string]any{
			"inserted":  ws.Inserts,
			"conflicts": ws.Conflicts,
			"errors":    ws.Errors,
			"pending":   w.Pending(),
		}
		health.Components["rooms"] = client.OpenRooms()

		rw.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			rw.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(rw).Encode(health)
	})

	return mux
}
