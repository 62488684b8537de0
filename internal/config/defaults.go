package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultSocketPath       = "/socket.io/"
	DefaultReconnectDelay   = 2 * time.Second
	DefaultReconnectJitter  = 500 * time.Millisecond
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultPingTimeout      = 45 * time.Second
	DefaultRequestTimeout   = 15 * time.Second
	DefaultMaxRetries       = 3
	DefaultRetryBackoff     = 500 * time.Millisecond
	DefaultPageSize         = 30
	DefaultStatsDebounce    = 250 * time.Millisecond
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMaxConns         = 10
	DefaultMinConns         = 2
	DefaultBatchSize        = 500
	DefaultFlushInterval    = 1 * time.Second
	DefaultMetricsPort      = 9090
	DefaultMetricsPath      = "/metrics"
	DefaultLogLevel         = "info"
)

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	// Server defaults
	if c.Server.WSURL == "" {
		c.Server.WSURL = c.Server.RestURL
	}
	if c.Server.SocketPath == "" {
		c.Server.SocketPath = DefaultSocketPath
	}

	// Connection defaults
	if c.Connection.ReconnectDelay == 0 {
		c.Connection.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Connection.ReconnectJitter == 0 {
		c.Connection.ReconnectJitter = DefaultReconnectJitter
	}
	if c.Connection.HandshakeTimeout == 0 {
		c.Connection.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.PingTimeout == 0 {
		c.Connection.PingTimeout = DefaultPingTimeout
	}

	// Requests defaults
	if c.Requests.Timeout == 0 {
		c.Requests.Timeout = DefaultRequestTimeout
	}
	if c.Requests.MaxRetries == 0 {
		c.Requests.MaxRetries = DefaultMaxRetries
	}
	if c.Requests.RetryBackoff == 0 {
		c.Requests.RetryBackoff = DefaultRetryBackoff
	}

	// Messages and stats defaults
	if c.Messages.PageSize == 0 {
		c.Messages.PageSize = DefaultPageSize
	}
	if c.Stats.Debounce == 0 {
		c.Stats.Debounce = DefaultStatsDebounce
	}

	// Archive defaults
	applyDBDefaults(&c.Archive.Database)
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
