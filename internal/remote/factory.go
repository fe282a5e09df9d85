package remote

import (
	"fmt"

	"ripple/internal/config"
	"ripple/internal/ripple"
)

// NewFromConfig creates the remote collaborator and its live stream
// based on the remote config type.
func NewFromConfig(cfg config.RemoteConfig, logger ripple.Logger) (ripple.Remote, ripple.Stream, error) {
	switch cfg.Type {
	case "memory":
		r := NewMemoryRemote()
		return r, r, nil
	case "http":
		if cfg.BaseURL == "" {
			return nil, nil, fmt.Errorf("http remote requires base_url to be set")
		}
		wsURL := cfg.WSURL
		if wsURL == "" {
			return nil, nil, fmt.Errorf("http remote requires ws_url to be set")
		}
		r := NewHTTPRemote(cfg.BaseURL, WithAuthToken(cfg.AuthToken), WithLogger(logger))
		s := NewWSStream(wsURL, WithWSAuthToken(cfg.AuthToken), WithWSLogger(logger))
		return r, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown remote type: %s", cfg.Type)
	}
}
