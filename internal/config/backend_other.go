//go:build !darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "r2d")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "r2d")
	}
	return "r2d-data"
}

// yamlBackend keeps keys grouped by section in
// $XDG_CONFIG_HOME/r2d/config.yaml, e.g. "server.port" is
//
//	server:
//	  port: 4300
type yamlBackend struct {
	path     string
	sections map[string]map[string]any
}

func newPlatformBackend() ConfigBackend {
	b := &yamlBackend{path: configFilePath(), sections: make(map[string]map[string]any)}
	if err := b.load(); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] %v; using defaults\n", err)
	}
	return b
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "r2d", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "r2d", "config.yaml")
}

func (b *yamlBackend) load() error {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", b.path, err)
	}
	if err := yaml.Unmarshal(data, &b.sections); err != nil {
		return fmt.Errorf("parsing %s: %w", b.path, err)
	}
	return nil
}

func (b *yamlBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(b.sections)
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

func splitKey(key string) (section, name string) {
	section, name, _ = strings.Cut(key, ".")
	return section, name
}

func (b *yamlBackend) lookup(key string) (any, bool) {
	section, name := splitKey(key)
	v, ok := b.sections[section][name]
	return v, ok
}

func (b *yamlBackend) set(key string, v any) error {
	section, name := splitKey(key)
	if b.sections[section] == nil {
		b.sections[section] = make(map[string]any)
	}
	b.sections[section][name] = v
	return b.save()
}

func (b *yamlBackend) GetString(key string) (string, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return "", false, nil
	}
	if s, isStr := v.(string); isStr {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (b *yamlBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case int:
		return val, true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	}
	return 0, true, fmt.Errorf("invalid integer for %s: %v", key, v)
}

func (b *yamlBackend) SetString(key, val string) error { return b.set(key, val) }

func (b *yamlBackend) SetInt(key string, val int) error { return b.set(key, val) }
