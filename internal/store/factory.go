package store

import (
	"fmt"

	"ripple/internal/config"
	"ripple/internal/ripple"
)

// NewStoreFromConfig creates a Store implementation based on the store
// config type. passphrase is only consulted when encryption is enabled.
func NewStoreFromConfig(cfg config.StoreConfig, passphrase string) (ripple.Store, error) {
	var inner ripple.Store
	switch cfg.Type {
	case "memory":
		inner = NewMemoryStore()
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite store requires path to be set")
		}
		s, err := NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		inner = s
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}

	if !cfg.Encryption.Enabled {
		return inner, nil
	}
	enc, err := OpenEncrypted(inner, cfg.Encryption, passphrase)
	if err != nil {
		inner.Close()
		return nil, err
	}
	return enc, nil
}
