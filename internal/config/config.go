package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.parley/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	Remote         Remote `toml:"remote"`
	Blobs          Blobs  `toml:"blobs"`
	Sync           Sync   `toml:"sync"`
	Queue          Queue  `toml:"queue"`
	Keys           Keys   `toml:"keys"`
}

// Remote selects and configures the remote source of truth.
type Remote struct {
	Backend       string `toml:"backend"` // memory, postgres
	PostgresDSN   string `toml:"postgres_dsn"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// Blobs configures encrypted attachment storage.
type Blobs struct {
	Endpoint      string `toml:"endpoint"`
	Bucket        string `toml:"bucket"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	UseSSL        bool   `toml:"use_ssl"`
	PublicBaseURL string `toml:"public_base_url"`
}

// Sync tunes the cache orchestrator and connectivity probe.
type Sync struct {
	StaleAfter    time.Duration `toml:"stale_after"`
	ProbeAddr     string        `toml:"probe_addr"`
	ProbeInterval time.Duration `toml:"probe_interval"`
	SendTimeout   time.Duration `toml:"send_timeout"`
}

// Queue tunes the offline action queue.
type Queue struct {
	PollInterval time.Duration `toml:"poll_interval"`
	MaxAttempts  int           `toml:"max_attempts"`
	BaseBackoff  time.Duration `toml:"base_backoff"`
	MaxBackoff   time.Duration `toml:"max_backoff"`
}

// Keys configures where the key-store passphrase comes from.
type Keys struct {
	PassphraseEnv string `toml:"passphrase_env"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Remote:         Remote{Backend: "memory"},
		Blobs:          Blobs{Bucket: "encrypted-files"},
		Sync: Sync{
			StaleAfter:    2 * time.Minute,
			ProbeInterval: 10 * time.Second,
			SendTimeout:   10 * time.Second,
		},
		Queue: Queue{
			PollInterval: 500 * time.Millisecond,
			MaxAttempts:  8,
			BaseBackoff:  time.Second,
			MaxBackoff:   5 * time.Minute,
		},
		Keys: Keys{PassphraseEnv: "PARLEY_PASSPHRASE"},
	}
}

// Load reads config from the given path on top of Default. Returns an error if
// the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

// LoadOrDefault is Load that falls back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.Remote.Backend == "" {
		c.Remote.Backend = d.Remote.Backend
	}
	if c.Blobs.Bucket == "" {
		c.Blobs.Bucket = d.Blobs.Bucket
	}
	if c.Sync.StaleAfter <= 0 {
		c.Sync.StaleAfter = d.Sync.StaleAfter
	}
	if c.Sync.ProbeInterval <= 0 {
		c.Sync.ProbeInterval = d.Sync.ProbeInterval
	}
	if c.Sync.SendTimeout <= 0 {
		c.Sync.SendTimeout = d.Sync.SendTimeout
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = d.Queue.PollInterval
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = d.Queue.MaxAttempts
	}
	if c.Queue.BaseBackoff <= 0 {
		c.Queue.BaseBackoff = d.Queue.BaseBackoff
	}
	if c.Queue.MaxBackoff <= 0 {
		c.Queue.MaxBackoff = d.Queue.MaxBackoff
	}
	if c.Keys.PassphraseEnv == "" {
		c.Keys.PassphraseEnv = d.Keys.PassphraseEnv
	}
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
