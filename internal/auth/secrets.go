package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrSecretNotFound is returned when no secret is stored for a service/account pair.
var ErrSecretNotFound = errors.New("secret not found")

// Secrets stores small secrets by service and account.
type Secrets interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
	Delete(service, account string) error
}

// FileSecrets keeps secrets in a JSON file readable only by the owner.
type FileSecrets struct {
	Path string

	mu sync.Mutex
}

func (f *FileSecrets) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	return secrets, nil
}

func (f *FileSecrets) write(secrets map[string]map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.Path, out, 0o600)
}

func (f *FileSecrets) Get(service, account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", service, account, ErrSecretNotFound)
	}
	return val, nil
}

func (f *FileSecrets) Set(service, account, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.read()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value
	return f.write(secrets)
}

// Delete removes the secret. Deleting a missing secret is not an error.
func (f *FileSecrets) Delete(service, account string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := secrets[service][account]; !ok {
		return nil
	}
	delete(secrets[service], account)
	if len(secrets[service]) == 0 {
		delete(secrets, service)
	}
	return f.write(secrets)
}
