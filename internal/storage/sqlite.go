package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	_ "modernc.org/sqlite"
)

// Store is a key-value object store backed by a single SQLite database.
// Each declared partition is a table of JSON records addressed by key.
type Store struct {
	db         *sql.DB
	name       string
	version    int
	partitions map[string]Partition
}

var partitionName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Open opens (or creates) the database <dataDir>/<name>.db and brings its
// schema up to the given version. Pass ":memory:" as dataDir for an
// in-memory database (used by tests).
func Open(dataDir, name string, schema Schema) (*Store, error) {
	if err := schema.validate(); err != nil {
		return nil, err
	}

	var dsn string
	if dataDir == ":memory:" {
		dsn = "file::memory:?_txlock=immediate"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = "file:" + filepath.Join(dataDir, name+".db") + "?_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent openers wait for an upgrade in progress.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if dataDir != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting journal mode: %w", err)
		}
	}

	s := &Store{db: db, name: name, partitions: make(map[string]Partition)}
	if err := s.upgrade(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrading schema of %s: %w", name, err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Name returns the logical database name the store was opened with.
func (s *Store) Name() string { return s.name }

// Version returns the schema version currently applied.
func (s *Store) Version() int { return s.version }

// Partitions returns the names of all partitions known to the store.
func (s *Store) Partitions() []string {
	names := make([]string, 0, len(s.partitions))
	for n := range s.partitions {
		names = append(names, n)
	}
	return names
}

// upgrade applies the schema in one transaction. Versions only move forward
// and every partition must be declared at the version that introduces it.
func (s *Store) upgrade(schema Schema) error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS store_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating store_meta table: %w", err)
	}
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS store_partitions (
		name TEXT PRIMARY KEY,
		key_path TEXT NOT NULL,
		auto_increment INTEGER NOT NULL,
		next_key INTEGER NOT NULL DEFAULT 1
	)`); err != nil {
		return fmt.Errorf("creating store_partitions table: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upgrade transaction: %w", err)
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRow(`SELECT version FROM store_meta WHERE id = 1`).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading schema version: %w", err)
	}

	switch {
	case current > schema.Version:
		return fmt.Errorf("%w: stored %d, requested %d", ErrSchemaDowngrade, current, schema.Version)
	case current < schema.Version:
		for _, p := range schema.Partitions {
			if _, err := tx.Exec(createPartitionSQL(p.Name)); err != nil {
				return fmt.Errorf("creating partition %s: %w", p.Name, err)
			}
			if _, err := tx.Exec(`INSERT INTO store_partitions (name, key_path, auto_increment) VALUES (?, ?, ?)
				ON CONFLICT(name) DO UPDATE SET key_path = excluded.key_path, auto_increment = excluded.auto_increment`,
				p.Name, p.KeyPath, p.AutoIncrement); err != nil {
				return fmt.Errorf("registering partition %s: %w", p.Name, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO store_meta (id, version) VALUES (1, ?)
			ON CONFLICT(id) DO UPDATE SET version = excluded.version`, schema.Version); err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
	}

	rows, err := tx.Query(`SELECT name, key_path, auto_increment FROM store_partitions`)
	if err != nil {
		return fmt.Errorf("listing partitions: %w", err)
	}
	existing := make(map[string]Partition)
	for rows.Next() {
		var p Partition
		if err := rows.Scan(&p.Name, &p.KeyPath, &p.AutoIncrement); err != nil {
			rows.Close()
			return fmt.Errorf("scanning partition: %w", err)
		}
		existing[p.Name] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range schema.Partitions {
		if _, ok := existing[p.Name]; !ok {
			return fmt.Errorf("%w: partition %q not present at version %d", ErrSchemaMismatch, p.Name, schema.Version)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upgrade: %w", err)
	}

	s.version = schema.Version
	if current > s.version {
		s.version = current
	}
	s.partitions = existing
	return nil
}

func createPartitionSQL(name string) string {
	return `CREATE TABLE IF NOT EXISTS ` + quoteIdent(name) + ` (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`
}

func quoteIdent(name string) string {
	return `"p_` + name + `"`
}

func (s *Store) partition(op, name string) (Partition, error) {
	p, ok := s.partitions[name]
	if !ok {
		return Partition{}, &StoreError{Op: op, Partition: name, Err: ErrUnknownPartition}
	}
	return p, nil
}

// Get returns the record stored under key.
func (s *Store) Get(ctx context.Context, partition, key string) (json.RawMessage, error) {
	if _, err := s.partition("get", partition); err != nil {
		return nil, err
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM `+quoteIdent(partition)+` WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &StoreError{Op: "get", Partition: partition, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Partition: partition, Err: err}
	}
	return json.RawMessage(value), nil
}

// GetAll returns every record in the partition ordered by insertion.
func (s *Store) GetAll(ctx context.Context, partition string) ([]json.RawMessage, error) {
	if _, err := s.partition("getAll", partition); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT value FROM `+quoteIdent(partition)+` ORDER BY rowid ASC`)
	if err != nil {
		return nil, &StoreError{Op: "getAll", Partition: partition, Err: err}
	}
	defer rows.Close()

	var results []json.RawMessage
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, &StoreError{Op: "getAll", Partition: partition, Err: err}
		}
		results = append(results, json.RawMessage(v))
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "getAll", Partition: partition, Err: err}
	}
	return results, nil
}

// Insert adds a new record and returns its key. Auto-increment partitions
// assign the next key and write it into the record's keyPath; other
// partitions take the key from the record's keyPath.
func (s *Store) Insert(ctx context.Context, partition string, record json.RawMessage) (string, error) {
	p, err := s.partition("insert", partition)
	if err != nil {
		return "", err
	}
	fields, err := decodeObject(record)
	if err != nil {
		return "", &StoreError{Op: "insert", Partition: partition, Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &StoreError{Op: "insert", Partition: partition, Err: err}
	}
	defer tx.Rollback()

	var key string
	if p.AutoIncrement {
		var next int64
		if err := tx.QueryRowContext(ctx, `SELECT next_key FROM store_partitions WHERE name = ?`, partition).Scan(&next); err != nil {
			return "", &StoreError{Op: "insert", Partition: partition, Err: err}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE store_partitions SET next_key = ? WHERE name = ?`, next+1, partition); err != nil {
			return "", &StoreError{Op: "insert", Partition: partition, Err: err}
		}
		key = strconv.FormatInt(next, 10)
		fields[p.KeyPath] = json.RawMessage(key)
	} else {
		raw, ok := fields[p.KeyPath]
		if !ok {
			return "", &StoreError{Op: "insert", Partition: partition, Err: ErrMissingKey}
		}
		if err := json.Unmarshal(raw, &key); err != nil || key == "" {
			return "", &StoreError{Op: "insert", Partition: partition, Err: ErrMissingKey}
		}
	}

	value, err := json.Marshal(fields)
	if err != nil {
		return "", &StoreError{Op: "insert", Partition: partition, Err: err}
	}

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quoteIdent(partition)+` WHERE key = ?`, key).Scan(&exists); err != nil {
		return "", &StoreError{Op: "insert", Partition: partition, Err: err}
	}
	if exists > 0 {
		return "", &StoreError{Op: "insert", Partition: partition, Err: ErrDuplicateKey}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO `+quoteIdent(partition)+` (key, value) VALUES (?, ?)`, key, string(value)); err != nil {
		return "", &StoreError{Op: "insert", Partition: partition, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return "", &StoreError{Op: "insert", Partition: partition, Err: err}
	}
	return key, nil
}

// Update replaces the record under key, creating it when absent. The
// record's keyPath is forced to key.
func (s *Store) Update(ctx context.Context, partition, key string, record json.RawMessage) error {
	p, err := s.partition("update", partition)
	if err != nil {
		return err
	}
	fields, err := decodeObject(record)
	if err != nil {
		return &StoreError{Op: "update", Partition: partition, Err: err}
	}
	var numeric int64
	if p.AutoIncrement {
		numeric, err = strconv.ParseInt(key, 10, 64)
		if err != nil {
			return &StoreError{Op: "update", Partition: partition, Err: fmt.Errorf("%w: %q is not numeric", ErrMissingKey, key)}
		}
		fields[p.KeyPath] = json.RawMessage(key)
	} else {
		b, _ := json.Marshal(key)
		fields[p.KeyPath] = b
	}
	value, err := json.Marshal(fields)
	if err != nil {
		return &StoreError{Op: "update", Partition: partition, Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "update", Partition: partition, Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO `+quoteIdent(partition)+` (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, string(value))
	if err != nil {
		return &StoreError{Op: "update", Partition: partition, Err: err}
	}
	// Keys written explicitly must never be handed out again by Insert.
	if p.AutoIncrement {
		if _, err := tx.ExecContext(ctx, `UPDATE store_partitions SET next_key = MAX(next_key, ?) WHERE name = ?`, numeric+1, partition); err != nil {
			return &StoreError{Op: "update", Partition: partition, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "update", Partition: partition, Err: err}
	}
	return nil
}

// Delete removes the record under key. Deleting a missing key returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, partition, key string) error {
	if _, err := s.partition("delete", partition); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+quoteIdent(partition)+` WHERE key = ?`, key)
	if err != nil {
		return &StoreError{Op: "delete", Partition: partition, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StoreError{Op: "delete", Partition: partition, Err: err}
	}
	if n == 0 {
		return &StoreError{Op: "delete", Partition: partition, Err: ErrNotFound}
	}
	return nil
}

// Clear removes every record in the partition. Auto-increment counters are
// not reset, so keys are never reused.
func (s *Store) Clear(ctx context.Context, partition string) error {
	if _, err := s.partition("clear", partition); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+quoteIdent(partition)); err != nil {
		return &StoreError{Op: "clear", Partition: partition, Err: err}
	}
	return nil
}

func decodeObject(record json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return nil, fmt.Errorf("record is not a JSON object: %w", err)
	}
	if fields == nil {
		return nil, errors.New("record is not a JSON object")
	}
	return fields, nil
}
