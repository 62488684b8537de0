package livesync

import (
	"errors"
	"time"

	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/rpc"
)

// Errors
var (
	ErrNotConnected = rpc.ErrNotConnected
	ErrNotCached    = errors.New("entity not cached")
	ErrClosed       = errors.New("client closed")
)

// Config configures a Client.
type Config struct {
	Connection     connection.ManagerConfig
	PageSize       int           // messages per window page
	RequestTimeout time.Duration // per snapshot or page request
	StatsDebounce  time.Duration // quiet period before derived state is recomputed
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Connection:     connection.DefaultManagerConfig(),
		PageSize:       config.DefaultPageSize,
		RequestTimeout: config.DefaultRequestTimeout,
		StatsDebounce:  config.DefaultStatsDebounce,
	}
}

// FromConfig maps the application configuration onto a Client Config.
func FromConfig(cfg *config.Config) Config {
	mc := connection.DefaultManagerConfig()
	mc.URL = cfg.Server.WSURL
	mc.Path = cfg.Server.SocketPath
	mc.ReconnectDelay = cfg.Connection.ReconnectDelay
	mc.ReconnectJitter = cfg.Connection.ReconnectJitter
	mc.HandshakeTimeout = cfg.Connection.HandshakeTimeout
	mc.WriteTimeout = cfg.Connection.WriteTimeout
	mc.PingTimeout = cfg.Connection.PingTimeout

	return Config{
		Connection:     mc,
		PageSize:       cfg.Messages.PageSize,
		RequestTimeout: cfg.Requests.Timeout,
		StatsDebounce:  cfg.Stats.Debounce,
	}
}

// CacheObserver receives cache sizes, e.g. for metrics.
type CacheObserver interface {
	SetCacheSize(cache string, n int)
}

// Option configures a Client.
type Option func(*Client)

// WithObserver sets an observer for connection events.
func WithObserver(o connection.Observer) Option {
	return func(c *Client) {
		c.connOpts = append(c.connOpts, connection.WithObserver(o))
	}
}

// WithCacheObserver sets an observer for cache sizes.
func WithCacheObserver(o CacheObserver) Option {
	return func(c *Client) {
		c.cacheObserver = o
	}
}
