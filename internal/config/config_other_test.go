//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestYAMLBackendRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	b := newPlatformBackend()
	if err := setKey(b, "server.port", "4300"); err != nil {
		t.Fatal(err)
	}
	if err := setKey(b, "sync.retention", "72h"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "r2d", "config.yaml")
	info, err := os.Stat(path)
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("config file: %v, %v", info, err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "server:\n    port: 4300") {
		t.Errorf("config file not grouped by section:\n%s", data)
	}

	cfg, err := loadWith(newPlatformBackend())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 4300 || cfg.Sync.Retention != 72*time.Hour {
		t.Errorf("reloaded config = port %d, retention %v", cfg.Server.Port, cfg.Sync.Retention)
	}
}

func TestYAMLBackendHandWritten(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	if err := os.MkdirAll(filepath.Join(dir, "r2d"), 0o700); err != nil {
		t.Fatal(err)
	}
	yml := "server:\n  port: \"4400\"\nsession:\n  refresh_ratio: 0.5\n  idle_timeout: 10m\n"
	if err := os.WriteFile(filepath.Join(dir, "r2d", "config.yaml"), []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadWith(newPlatformBackend())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 4400 || cfg.Session.RefreshRatio != 0.5 || cfg.Session.IdleTimeout != 10*time.Minute {
		t.Errorf("config = port %d, ratio %v, idle %v", cfg.Server.Port, cfg.Session.RefreshRatio, cfg.Session.IdleTimeout)
	}
}
