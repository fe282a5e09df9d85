package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for ripple.
type Config struct {
	UserID       string             `toml:"user_id"`
	BaseDir      string             `toml:"base_dir"`
	LogDir       string             `toml:"log_dir"`
	Store        StoreConfig        `toml:"store"`
	Remote       RemoteConfig       `toml:"remote"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
	Retry        RetryConfig        `toml:"retry"`
	Cache        CacheConfig        `toml:"cache"`
	Media        MediaConfig        `toml:"media"`
}

// StoreConfig selects the durable local store backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type       string           `toml:"type"`           // "memory" or "sqlite"
	Path       string           `toml:"path,omitempty"` // only used for type=sqlite
	Encryption EncryptionConfig `toml:"encryption"`
}

// EncryptionConfig holds paths to the age key pair used to encrypt
// stored values at rest. When Enabled, the private key is unlocked with
// a passphrase at startup.
type EncryptionConfig struct {
	Enabled        bool   `toml:"enabled"`
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// RemoteConfig selects the remote data collaborator.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type      string `toml:"type"`                 // "memory" or "http"
	BaseURL   string `toml:"base_url,omitempty"`   // only used for type=http
	WSURL     string `toml:"ws_url,omitempty"`     // only used for type=http
	AuthToken string `toml:"auth_token,omitempty"` // bearer token for type=http
}

// ConnectivityConfig tunes the reachability monitor.
type ConnectivityConfig struct {
	ProbeURLs            []string `toml:"probe_urls"`
	ProbeTimeoutMS       int      `toml:"probe_timeout_ms"`
	CheckIntervalSeconds int      `toml:"check_interval_seconds"`
}

// RetryConfig tunes the backoff executor shared by the queue and cache.
type RetryConfig struct {
	MaxRetries     int     `toml:"max_retries"`
	InitialDelayMS int     `toml:"initial_delay_ms"`
	MaxDelayMS     int     `toml:"max_delay_ms"`
	Factor         float64 `toml:"factor"`
	TimeoutMS      int     `toml:"timeout_ms"`
}

// CacheConfig sets per-cache expiry and the sweep cadence.
type CacheConfig struct {
	APIMaxAgeHours       int `toml:"api_max_age_hours"`      // default 24
	ChatMaxAgeDays       int `toml:"chat_max_age_days"`      // default 7
	SweepIntervalMinutes int `toml:"sweep_interval_minutes"` // default 60
}

// MediaConfig selects the attachment upload backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type MediaConfig struct {
	Type string `toml:"type"` // "none" or "s3"

	// S3-specific fields (only used when Type == "s3")
	S3Bucket        string `toml:"s3_bucket,omitempty"`
	S3Prefix        string `toml:"s3_prefix,omitempty"`
	S3Region        string `toml:"s3_region,omitempty"`
	AccessKeyID     string `toml:"access_key_id,omitempty"`
	SecretAccessKey string `toml:"secret_access_key,omitempty"`
}

// NewConfig creates a Config with the provided values and sensible
// defaults for everything else.
func NewConfig(userID, baseDir string) *Config {
	return &Config{
		UserID:  userID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Store: StoreConfig{
			Type: "sqlite",
			Path: filepath.Join(baseDir, "ripple.db"),
			Encryption: EncryptionConfig{
				PublicKeyPath:  filepath.Join(baseDir, "keys", "ripple.pub"),
				PrivateKeyPath: filepath.Join(baseDir, "keys", "ripple.key"),
			},
		},
		Remote: RemoteConfig{Type: "memory"},
		Cache: CacheConfig{
			APIMaxAgeHours:       24,
			ChatMaxAgeDays:       7,
			SweepIntervalMinutes: 60,
		},
		Media: MediaConfig{Type: "none"},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Update rewrites an existing config file with the provided Config.
func Update(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file not found at %s", path)
	}
	return writeToFile(path, cfg)
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
