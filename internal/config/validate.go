package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.RestURL == "" {
		return errors.New("server.rest_url is required")
	}
	if c.Server.WSURL == "" {
		return errors.New("server.ws_url is required")
	}

	if c.Auth.Token == "" && c.Auth.Username == "" {
		return errors.New("auth.token or auth.username is required")
	}
	if c.Auth.Username != "" && c.Auth.Password == "" {
		return errors.New("auth.password is required with auth.username")
	}

	if c.Connection.ReconnectDelay <= 0 {
		return errors.New("connection.reconnect_delay must be > 0")
	}
	if c.Connection.ReconnectJitter < 0 {
		return errors.New("connection.reconnect_jitter must be >= 0")
	}

	if c.Requests.MaxRetries < 0 {
		return errors.New("requests.max_retries must be >= 0")
	}
	if c.Requests.RefreshInterval < 0 {
		return errors.New("requests.refresh_interval must be >= 0")
	}

	if c.Messages.PageSize < 1 {
		return errors.New("messages.page_size must be >= 1")
	}
	for i, room := range c.Messages.Rooms {
		if strings.TrimSpace(room) == "" {
			return fmt.Errorf("messages.rooms[%d] is empty", i)
		}
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
