package config

import (
	"log/slog"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Connection ConnectionConfig `yaml:"connection"`
	Requests   RequestsConfig   `yaml:"requests"`
	Messages   MessagesConfig   `yaml:"messages"`
	Stats      StatsConfig      `yaml:"stats"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig locates the backend.
type ServerConfig struct {
	RestURL    string `yaml:"rest_url"`
	WSURL      string `yaml:"ws_url"`      // defaults to rest_url
	SocketPath string `yaml:"socket_path"` // Socket.IO endpoint path
}

// AuthConfig holds either a fixed token or login credentials.
type AuthConfig struct {
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ConnectionConfig holds live channel settings.
type ConnectionConfig struct {
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	ReconnectJitter  time.Duration `yaml:"reconnect_jitter"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
}

// RequestsConfig holds REST and request/reply settings.
type RequestsConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// RefreshInterval re-requests every cached snapshot periodically.
	// Zero disables it.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// MessagesConfig holds message window settings.
type MessagesConfig struct {
	PageSize int      `yaml:"page_size"`
	Rooms    []string `yaml:"rooms"` // rooms opened at startup
}

// StatsConfig holds derived statistics settings.
type StatsConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// ArchiveConfig holds the optional Postgres message archive.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// SlogLevel returns the configured level, info when unrecognized.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
