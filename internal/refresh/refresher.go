package refresh

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Target is one refreshable snapshot.
type Target interface {
	Refresh(ctx context.Context) error
}

// TargetFunc is a function adapter for Target.
type TargetFunc func(ctx context.Context) error

func (f TargetFunc) Refresh(ctx context.Context) error {
	return f(ctx)
}

// Source provides the targets to refresh.
type Source interface {
	Targets() map[string]Target
	IsConnected() bool
}

// Config holds refresher configuration.
type Config struct {
	Interval    time.Duration // Refresh interval (default: 5m)
	Concurrency int           // Max concurrent requests (default: 4)
	Timeout     time.Duration // Per-request timeout (default: 15s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		Concurrency: 4,
		Timeout:     15 * time.Second,
	}
}

// Stats counts refresh activity.
type Stats struct {
	Cycles    int64
	Skipped   int64 // cycles skipped while disconnected
	Refreshed int64
	Errors    int64
}

// Refresher re-requests snapshots on an interval.
type Refresher struct {
	cfg    Config
	source Source
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cycles    atomic.Int64
	skipped   atomic.Int64
	refreshed atomic.Int64
	errors    atomic.Int64
}

// New creates a new Refresher.
func New(cfg Config, source Source, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Refresher{
		cfg:    cfg,
		source: source,
		logger: logger,
	}
}

// Start begins the refresh loop. The first cycle runs after one interval;
// connecting already loads every snapshot.
func (r *Refresher) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()

	r.logger.Info("snapshot refresher started",
		"interval", r.cfg.Interval,
		"concurrency", r.cfg.Concurrency,
	)
	return nil
}

// Stop gracefully shuts down the refresher.
func (r *Refresher) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("snapshot refresher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current counters.
func (r *Refresher) Stats() Stats {
	return Stats{
		Cycles:    r.cycles.Load(),
		Skipped:   r.skipped.Load(),
		Refreshed: r.refreshed.Load(),
		Errors:    r.errors.Load(),
	}
}

func (r *Refresher) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.refreshAll(r.ctx)
		}
	}
}

// refreshAll refreshes every target concurrently.
func (r *Refresher) refreshAll(ctx context.Context) {
	if !r.source.IsConnected() {
		r.skipped.Add(1)
		r.logger.Debug("channel down, skipping refresh")
		return
	}
	r.cycles.Add(1)
	start := time.Now()

	targets := r.source.Targets()
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)

	// Semaphore for bounded concurrency.
	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup
	var fetched, failed atomic.Int64

	for _, name := range names {
		wg.Add(1)
		go func(name string, t Target) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			if err := r.refreshOne(ctx, t); err != nil {
				r.logger.Warn("failed to refresh snapshot", "target", name, "error", err)
				failed.Add(1)
				return
			}
			fetched.Add(1)
		}(name, targets[name])
	}

	wg.Wait()

	r.refreshed.Add(fetched.Load())
	r.errors.Add(failed.Load())
	r.logger.Debug("refresh cycle complete",
		"targets", len(names),
		"refreshed", fetched.Load(),
		"errors", failed.Load(),
		"duration", time.Since(start),
	)
}

func (r *Refresher) refreshOne(ctx context.Context, t Target) error {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	return t.Refresh(ctx)
}
