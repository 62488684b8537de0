package livesync

import (
	"log/slog"

	"github.com/rickgao/livesync/internal/api"
	"github.com/rickgao/livesync/internal/auth"
	"github.com/rickgao/livesync/internal/config"
)

// Setup builds the REST client, the credential source and the Client
// described by cfg. A configured token is used as is; otherwise the client
// logs in with the configured username and password.
func Setup(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Client, *api.Client) {
	if logger == nil {
		logger = slog.Default()
	}

	rest := api.NewClient(cfg.Server.RestURL, cfg.Auth.Token,
		api.WithLogger(logger.With("component", "api")),
		api.WithTimeout(cfg.Requests.Timeout),
		api.WithRetries(cfg.Requests.MaxRetries, cfg.Requests.RetryBackoff),
	)

	var creds auth.Provider
	if cfg.Auth.Token != "" {
		creds = auth.NewStatic(cfg.Auth.Token, nil)
	} else {
		creds = auth.NewSession(rest, cfg.Auth.Username, cfg.Auth.Password, logger.With("component", "auth"))
	}

	return New(FromConfig(cfg), creds, rest, logger, opts...), rest
}
