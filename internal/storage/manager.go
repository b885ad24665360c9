package storage

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// Manager hands out one open Store per (domain, user id) pair.
type Manager struct {
	dataDir string
	schema  Schema

	group singleflight.Group

	mu     sync.Mutex
	stores map[string]*Store
}

// NewManager creates a Manager that opens databases under dataDir with schema.
func NewManager(dataDir string, schema Schema) *Manager {
	return &Manager{
		dataDir: dataDir,
		schema:  schema,
		stores:  make(map[string]*Store),
	}
}

// DatabaseName returns the database name used for a domain and user.
func DatabaseName(domain, userID string) string {
	user := unsafeName.ReplaceAllString(userID, "_")
	if user == "" {
		user = "anonymous"
	}
	return strings.ToLower(domain) + "-" + user
}

// Open returns the store for domain and userID, opening it on first use.
// Concurrent callers for the same pair share a single open.
func (m *Manager) Open(domain, userID string) (*Store, error) {
	name := DatabaseName(domain, userID)

	m.mu.Lock()
	if s, ok := m.stores[name]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(name, func() (any, error) {
		m.mu.Lock()
		if s, ok := m.stores[name]; ok {
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()

		s, err := Open(m.dataDir, name, m.schema)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.stores[name] = s
		m.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", name, err)
	}
	return v.(*Store), nil
}

// Close closes every store the manager opened.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, s := range m.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing store %s: %w", name, err)
		}
		delete(m.stores, name)
	}
	return firstErr
}
