//go:build !darwin

package auth

import (
	"os"
	"path/filepath"
)

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "r2d", "secrets.json")
}

// DefaultSecrets returns the platform secret store: a JSON file under
// $XDG_DATA_HOME/r2d.
func DefaultSecrets() Secrets {
	return &FileSecrets{Path: secretsFilePath()}
}
