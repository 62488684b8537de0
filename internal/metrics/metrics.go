package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rickgao/livesync/internal/connection"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "livesync").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "livesync",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics implements connection.Observer and archive.Observer.
type Metrics struct {
	state           prometheus.Gauge
	connectAttempts *prometheus.CounterVec
	events          *prometheus.CounterVec
	cacheEntities   *prometheus.GaugeVec

	archiveInserted  prometheus.Counter
	archiveConflicts prometheus.Counter
	archiveFailed    prometheus.Counter
	archiveFlush     prometheus.Histogram
}

// New registers the collectors.
func New(opts ...Option) *Metrics {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "channel",
			Name:        "state",
			Help:        "Channel state (0=disconnected, 1=connecting, 2=connected, 3=failed)",
			ConstLabels: cfg.ConstLabels,
		}),
		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "channel",
			Name:        "connect_attempts_total",
			Help:        "Connection attempts by result",
			ConstLabels: cfg.ConstLabels,
		}, []string{"result"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "channel",
			Name:        "events_received_total",
			Help:        "Inbound events by topic",
			ConstLabels: cfg.ConstLabels,
		}, []string{"topic"}),
		cacheEntities: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "cache",
			Name:        "entities",
			Help:        "Entities held per cache",
			ConstLabels: cfg.ConstLabels,
		}, []string{"cache"}),
		archiveInserted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "archive",
			Name:        "inserted_total",
			Help:        "Messages written to the archive",
			ConstLabels: cfg.ConstLabels,
		}),
		archiveConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "archive",
			Name:        "conflicts_total",
			Help:        "Messages skipped because they were already archived",
			ConstLabels: cfg.ConstLabels,
		}),
		archiveFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "archive",
			Name:        "failed_total",
			Help:        "Messages lost to failed batch inserts",
			ConstLabels: cfg.ConstLabels,
		}),
		archiveFlush: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "archive",
			Name:        "flush_duration_seconds",
			Help:        "Batch insert duration in seconds",
			ConstLabels: cfg.ConstLabels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) StateChanged(s connection.State) {
	m.state.Set(float64(s))
}

func (m *Metrics) ConnectAttempt(err error) {
	m.connectAttempts.WithLabelValues(attemptResult(err)).Inc()
}

func (m *Metrics) EventReceived(topic string) {
	m.events.WithLabelValues(topic).Inc()
}

// SetCacheSize records the number of entities in the named cache.
func (m *Metrics) SetCacheSize(cache string, n int) {
	m.cacheEntities.WithLabelValues(cache).Set(float64(n))
}

func (m *Metrics) Flushed(inserted, conflicts int, d time.Duration) {
	m.archiveInserted.Add(float64(inserted))
	m.archiveConflicts.Add(float64(conflicts))
	m.archiveFlush.Observe(d.Seconds())
}

func (m *Metrics) FlushFailed(n int) {
	m.archiveFailed.Add(float64(n))
}

func attemptResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, connection.ErrConnectRejected):
		return "rejected"
	case errors.Is(err, connection.ErrUnsupportedTransport):
		return "unsupported"
	default:
		return "error"
	}
}
