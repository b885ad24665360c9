//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// defaultsDomain is the UserDefaults domain r2d keys live under.
const defaultsDomain = "com.r2d.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "r2d-data"
	}
	return filepath.Join(home, "Library", "Application Support", "r2d")
}

type userDefaults struct{ domain string }

func newPlatformBackend() ConfigBackend {
	return userDefaults{domain: defaultsDomain}
}

func (d userDefaults) run(args ...string) (string, error) {
	out, err := exec.Command("defaults", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (d userDefaults) GetString(key string) (string, bool, error) {
	out, err := d.run("read", d.domain, key)
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return out, true, nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		// Key not set.
		return "", false, nil
	}
	return "", false, fmt.Errorf("defaults read %s: %w: %s", key, err, out)
}

func (d userDefaults) GetInt(key string) (int, bool, error) {
	s, ok, err := d.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (d userDefaults) SetString(key, val string) error {
	if out, err := d.run("write", d.domain, key, "-string", val); err != nil {
		return fmt.Errorf("defaults write %s: %w: %s", key, err, out)
	}
	return nil
}

func (d userDefaults) SetInt(key string, val int) error {
	if out, err := d.run("write", d.domain, key, "-int", strconv.Itoa(val)); err != nil {
		return fmt.Errorf("defaults write %s: %w: %s", key, err, out)
	}
	return nil
}
