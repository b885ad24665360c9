package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnknownPartition is returned for operations on a partition the schema never declared.
	ErrUnknownPartition = errors.New("unknown partition")
	// ErrDuplicateKey is returned when Insert targets a key that already exists.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrMissingKey is returned when a record lacks a usable value at its keyPath.
	ErrMissingKey = errors.New("missing key")
	// ErrSchemaDowngrade is returned when the database is newer than the requested schema.
	ErrSchemaDowngrade = errors.New("schema downgrade refused")
	// ErrSchemaMismatch is returned when partitions are declared without a version bump.
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// StoreError wraps a failed store operation with the partition it touched.
type StoreError struct {
	Op        string
	Partition string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Partition, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Partition declares one named object store inside a database.
type Partition struct {
	Name          string
	KeyPath       string
	AutoIncrement bool
}

// Schema is a versioned set of partitions. Adding a partition requires
// bumping Version, and all partitions must be listed at that version.
type Schema struct {
	Version    int
	Partitions []Partition
}

func (s Schema) validate() error {
	if s.Version < 1 {
		return fmt.Errorf("schema version must be positive, got %d", s.Version)
	}
	seen := make(map[string]bool, len(s.Partitions))
	for _, p := range s.Partitions {
		if !partitionName.MatchString(p.Name) {
			return fmt.Errorf("invalid partition name %q", p.Name)
		}
		if p.KeyPath == "" {
			return fmt.Errorf("partition %q has no key path", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("partition %q declared twice", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Partition names used by the application.
const (
	UserStoryFilePartition = "user-story-file-store"
	MermaidFilePartition   = "mermaid-file-store"
	JobQueuePartition      = "job-queue-store"
)

// AppSchema is the schema every per-user database is opened with.
// Version 1 held the file partitions; version 2 added the job queue.
var AppSchema = Schema{
	Version: 2,
	Partitions: []Partition{
		{Name: UserStoryFilePartition, KeyPath: "id", AutoIncrement: true},
		{Name: MermaidFilePartition, KeyPath: "id", AutoIncrement: true},
		{Name: JobQueuePartition, KeyPath: "job_id"},
	},
}
