package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Remote.Backend = "postgres"
	cfg.Remote.PostgresDSN = "postgres://localhost/parley"
	cfg.Queue.MaxAttempts = 3
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want work", loaded.DefaultProfile)
	}
	if loaded.Remote.Backend != "postgres" || loaded.Remote.PostgresDSN != "postgres://localhost/parley" {
		t.Errorf("Remote = %+v", loaded.Remote)
	}
	if loaded.Queue.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", loaded.Queue.MaxAttempts)
	}
}

func TestLoadDurationsAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	raw := `
default_profile = "main"

[sync]
stale_after = "30s"
`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.StaleAfter != 30*time.Second {
		t.Errorf("StaleAfter = %v, want 30s", cfg.Sync.StaleAfter)
	}
	if cfg.Sync.SendTimeout != Default().Sync.SendTimeout {
		t.Errorf("SendTimeout = %v, want default", cfg.Sync.SendTimeout)
	}
	if cfg.Remote.Backend != "memory" {
		t.Errorf("Backend = %q, want memory", cfg.Remote.Backend)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.DefaultProfile != "main" {
		t.Errorf("DefaultProfile = %q, want main", cfg.DefaultProfile)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
