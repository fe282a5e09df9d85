package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		UserID:  "user-abc",
		BaseDir: "/home/user/.local/share/ripple",
		LogDir:  "/home/user/.local/share/ripple/log",
		Store: StoreConfig{
			Type: "sqlite",
			Path: "/home/user/.local/share/ripple/ripple.db",
			Encryption: EncryptionConfig{
				Enabled:        true,
				PublicKeyPath:  "/home/user/.local/share/ripple/keys/ripple.pub",
				PrivateKeyPath: "/home/user/.local/share/ripple/keys/ripple.key",
			},
		},
		Remote: RemoteConfig{
			Type:      "http",
			BaseURL:   "https://sync.example.com",
			WSURL:     "wss://sync.example.com",
			AuthToken: "tok-123",
		},
		Connectivity: ConnectivityConfig{
			ProbeURLs:            []string{"https://probe.example.com/204"},
			ProbeTimeoutMS:       2000,
			CheckIntervalSeconds: 15,
		},
		Retry: RetryConfig{MaxRetries: 5, InitialDelayMS: 250, MaxDelayMS: 8000, Factor: 1.5},
		Cache: CacheConfig{APIMaxAgeHours: 12, ChatMaxAgeDays: 3, SweepIntervalMinutes: 30},
		Media: MediaConfig{Type: "s3", S3Bucket: "ripple-media", S3Region: "eu-west-1"},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.UserID != original.UserID {
		t.Errorf("UserID = %q, want %q", got.UserID, original.UserID)
	}
	if got.BaseDir != original.BaseDir {
		t.Errorf("BaseDir = %q, want %q", got.BaseDir, original.BaseDir)
	}
	if got.Store.Type != "sqlite" {
		t.Errorf("Store.Type = %q, want %q", got.Store.Type, "sqlite")
	}
	if !got.Store.Encryption.Enabled {
		t.Error("Store.Encryption.Enabled = false, want true")
	}
	if got.Store.Encryption.PublicKeyPath != original.Store.Encryption.PublicKeyPath {
		t.Errorf("Encryption.PublicKeyPath = %q, want %q", got.Store.Encryption.PublicKeyPath, original.Store.Encryption.PublicKeyPath)
	}
	if got.Remote.Type != "http" {
		t.Errorf("Remote.Type = %q, want %q", got.Remote.Type, "http")
	}
	if got.Remote.BaseURL != original.Remote.BaseURL {
		t.Errorf("Remote.BaseURL = %q, want %q", got.Remote.BaseURL, original.Remote.BaseURL)
	}
	if len(got.Connectivity.ProbeURLs) != 1 {
		t.Fatalf("len(Connectivity.ProbeURLs) = %d, want 1", len(got.Connectivity.ProbeURLs))
	}
	if got.Retry.MaxRetries != 5 {
		t.Errorf("Retry.MaxRetries = %d, want 5", got.Retry.MaxRetries)
	}
	if got.Cache.ChatMaxAgeDays != 3 {
		t.Errorf("Cache.ChatMaxAgeDays = %d, want 3", got.Cache.ChatMaxAgeDays)
	}
	if got.Media.S3Bucket != "ripple-media" {
		t.Errorf("Media.S3Bucket = %q, want %q", got.Media.S3Bucket, "ripple-media")
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("user-1", "/data/ripple")

	if cfg.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", cfg.UserID, "user-1")
	}
	if cfg.BaseDir != "/data/ripple" {
		t.Errorf("BaseDir = %q, want %q", cfg.BaseDir, "/data/ripple")
	}
	if cfg.LogDir != "/data/ripple/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/ripple/log")
	}
	if cfg.Store.Type != "sqlite" {
		t.Errorf("Store.Type = %q, want %q", cfg.Store.Type, "sqlite")
	}
	if cfg.Store.Path != "/data/ripple/ripple.db" {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, "/data/ripple/ripple.db")
	}
	if cfg.Store.Encryption.PublicKeyPath != "/data/ripple/keys/ripple.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q, want %q", cfg.Store.Encryption.PublicKeyPath, "/data/ripple/keys/ripple.pub")
	}
	if cfg.Remote.Type != "memory" {
		t.Errorf("Remote.Type = %q, want %q", cfg.Remote.Type, "memory")
	}
	if cfg.Cache.APIMaxAgeHours != 24 {
		t.Errorf("Cache.APIMaxAgeHours = %d, want 24", cfg.Cache.APIMaxAgeHours)
	}
	if cfg.Cache.ChatMaxAgeDays != 7 {
		t.Errorf("Cache.ChatMaxAgeDays = %d, want 7", cfg.Cache.ChatMaxAgeDays)
	}
	if cfg.Media.Type != "none" {
		t.Errorf("Media.Type = %q, want %q", cfg.Media.Type, "none")
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "ripple.toml")
		cfg := NewConfig("u1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "ripple.toml")
		cfg := NewConfig("u1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		err := Init(path, cfg)
		if err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestUpdate(t *testing.T) {
	t.Run("rewrites existing config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "ripple.toml")
		cfg := NewConfig("u1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		cfg.Store.Encryption.Enabled = true
		if err := Update(path, cfg); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if !got.Store.Encryption.Enabled {
			t.Error("Encryption.Enabled not persisted")
		}
	})

	t.Run("fails for missing file", func(t *testing.T) {
		cfg := NewConfig("u1", "/tmp")
		if err := Update("/nonexistent/ripple.toml", cfg); err == nil {
			t.Fatal("Update() expected error for missing file")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "ripple.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Store = StoreConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.UserID != "read-test" {
			t.Errorf("UserID = %q, want %q", got.UserID, "read-test")
		}
		if got.Store.Type != "memory" {
			t.Errorf("Store.Type = %q, want %q", got.Store.Type, "memory")
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/ripple.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
