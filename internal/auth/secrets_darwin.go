//go:build darwin

package auth

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// keychainSecrets stores secrets in the login keychain via the security CLI.
type keychainSecrets struct{}

// DefaultSecrets returns the platform secret store: the macOS login keychain.
func DefaultSecrets() Secrets {
	return keychainSecrets{}
}

func (keychainSecrets) Get(service, account string) (string, error) {
	out, err := exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%s/%s: %w", service, account, ErrSecretNotFound)
		}
		return "", fmt.Errorf("reading keychain: %w", err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func (keychainSecrets) Set(service, account, value string) error {
	if err := exec.Command(
		"security", "add-generic-password",
		"-U",
		"-s", service,
		"-a", account,
		"-w", value,
	).Run(); err != nil {
		return fmt.Errorf("writing keychain: %w", err)
	}
	return nil
}

func (keychainSecrets) Delete(service, account string) error {
	err := exec.Command(
		"security", "delete-generic-password",
		"-s", service,
		"-a", account,
	).Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Errorf("deleting keychain item: %w", err)
	}
	return nil
}
