package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

var ctx = context.Background()

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", "test", AppSchema)
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestOpenIdempotent opens the same database twice and verifies the schema
// is not re-applied and data survives.
func TestOpenIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir, "files-u1", AppSchema)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if _, err := s1.Insert(ctx, UserStoryFilePartition, json.RawMessage(`{"filename":"a.json"}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	s1.Close()

	s2, err := Open(dir, "files-u1", AppSchema)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	if s2.Version() != AppSchema.Version {
		t.Errorf("Version = %d, want %d", s2.Version(), AppSchema.Version)
	}
	all, err := s2.GetAll(ctx, UserStoryFilePartition)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("records after reopen = %d, want 1", len(all))
	}
}

// TestSchemaUpgrade opens at version 1 and then at version 2 with a new partition.
func TestSchemaUpgrade(t *testing.T) {
	dir := t.TempDir()
	v1 := Schema{Version: 1, Partitions: []Partition{
		{Name: UserStoryFilePartition, KeyPath: "id", AutoIncrement: true},
	}}

	s1, err := Open(dir, "upgrade", v1)
	if err != nil {
		t.Fatalf("Open v1: %v", err)
	}
	if _, err := s1.Get(ctx, JobQueuePartition, "x"); !errors.Is(err, ErrUnknownPartition) {
		t.Errorf("Get on undeclared partition: error = %v, want ErrUnknownPartition", err)
	}
	s1.Close()

	s2, err := Open(dir, "upgrade", AppSchema)
	if err != nil {
		t.Fatalf("Open v2: %v", err)
	}
	defer s2.Close()
	if _, err := s2.Insert(ctx, JobQueuePartition, json.RawMessage(`{"job_id":"j1"}`)); err != nil {
		t.Errorf("Insert into upgraded partition: %v", err)
	}
}

// TestSchemaDowngradeRefused verifies a database is never opened at an older version.
func TestSchemaDowngradeRefused(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "down", AppSchema)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	old := Schema{Version: 1, Partitions: AppSchema.Partitions[:1]}
	_, err = Open(dir, "down", old)
	if !errors.Is(err, ErrSchemaDowngrade) {
		t.Fatalf("error = %v, want ErrSchemaDowngrade", err)
	}
}

// TestPartitionWithoutVersionBump verifies new partitions require a version bump.
func TestPartitionWithoutVersionBump(t *testing.T) {
	dir := t.TempDir()
	v1 := Schema{Version: 1, Partitions: []Partition{
		{Name: UserStoryFilePartition, KeyPath: "id", AutoIncrement: true},
	}}
	s, err := Open(dir, "bump", v1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	sneaky := Schema{Version: 1, Partitions: AppSchema.Partitions}
	_, err = Open(dir, "bump", sneaky)
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("error = %v, want ErrSchemaMismatch", err)
	}
}

func TestInvalidSchema(t *testing.T) {
	tests := []struct {
		name   string
		schema Schema
	}{
		{"zero version", Schema{Version: 0}},
		{"bad name", Schema{Version: 1, Partitions: []Partition{{Name: "Bad Name", KeyPath: "id"}}}},
		{"no key path", Schema{Version: 1, Partitions: []Partition{{Name: "p"}}}},
		{"duplicate", Schema{Version: 1, Partitions: []Partition{{Name: "p", KeyPath: "id"}, {Name: "p", KeyPath: "id"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(":memory:", "bad", tt.schema); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// TestConcurrentOpens opens the same file from several goroutines at once.
func TestConcurrentOpens(t *testing.T) {
	dir := t.TempDir()
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := Open(dir, "race", AppSchema)
			if err != nil {
				errs <- err
				return
			}
			s.Close()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Open: %v", err)
	}

	s, err := Open(dir, "race", AppSchema)
	if err != nil {
		t.Fatalf("final Open: %v", err)
	}
	defer s.Close()
	if got := len(s.Partitions()); got != len(AppSchema.Partitions) {
		t.Errorf("partitions = %d, want %d", got, len(AppSchema.Partitions))
	}
}

// TestAutoIncrementKeys verifies keys are assigned once, written into the
// record and never reused after delete or clear.
func TestAutoIncrementKeys(t *testing.T) {
	s := openTestStore(t)

	k1, err := s.Insert(ctx, UserStoryFilePartition, json.RawMessage(`{"filename":"a"}`))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	k2, err := s.Insert(ctx, UserStoryFilePartition, json.RawMessage(`{"filename":"b","id":99}`))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if k1 != "1" || k2 != "2" {
		t.Errorf("keys = %q, %q; want 1, 2", k1, k2)
	}

	raw, err := s.Get(ctx, UserStoryFilePartition, k2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var rec struct {
		ID       int64  `json:"id"`
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.ID != 2 || rec.Filename != "b" {
		t.Errorf("record = %+v, want id 2 filename b", rec)
	}

	if err := s.Clear(ctx, UserStoryFilePartition); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	k3, err := s.Insert(ctx, UserStoryFilePartition, json.RawMessage(`{"filename":"c"}`))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if k3 != "3" {
		t.Errorf("key after clear = %q, want 3", k3)
	}
}

func TestPartitionsAreIndependent(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Insert(ctx, UserStoryFilePartition, json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	k, err := s.Insert(ctx, MermaidFilePartition, json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if k != "1" {
		t.Errorf("mermaid key = %q, want 1", k)
	}
}

func TestKeyedInsert(t *testing.T) {
	s := openTestStore(t)

	key, err := s.Insert(ctx, JobQueuePartition, json.RawMessage(`{"job_id":"abc","tokens":3}`))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if key != "abc" {
		t.Errorf("key = %q, want abc", key)
	}

	_, err = s.Insert(ctx, JobQueuePartition, json.RawMessage(`{"job_id":"abc"}`))
	if !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("duplicate insert error = %v, want ErrDuplicateKey", err)
	}

	_, err = s.Insert(ctx, JobQueuePartition, json.RawMessage(`{"tokens":3}`))
	if !errors.Is(err, ErrMissingKey) {
		t.Errorf("missing key error = %v, want ErrMissingKey", err)
	}

	_, err = s.Insert(ctx, JobQueuePartition, json.RawMessage(`[1,2]`))
	var se *StoreError
	if !errors.As(err, &se) {
		t.Errorf("non-object insert error = %v, want *StoreError", err)
	}
}

// TestUpdateReplaces verifies Update is a full replace and forces the keyPath.
func TestUpdateReplaces(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Insert(ctx, JobQueuePartition, json.RawMessage(`{"job_id":"j","a":1,"b":2}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx, JobQueuePartition, "j", json.RawMessage(`{"job_id":"other","a":5}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	raw, err := s.Get(ctx, JobQueuePartition, "j")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var got map[string]any
	json.Unmarshal(raw, &got)
	if got["job_id"] != "j" {
		t.Errorf("job_id = %v, want j", got["job_id"])
	}
	if got["a"] != float64(5) {
		t.Errorf("a = %v, want 5", got["a"])
	}
	if _, ok := got["b"]; ok {
		t.Error("field b survived a full replace")
	}

	if _, err := s.Get(ctx, JobQueuePartition, "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(other) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateAutoIncrementRequiresNumericKey(t *testing.T) {
	s := openTestStore(t)
	err := s.Update(ctx, UserStoryFilePartition, "abc", json.RawMessage(`{}`))
	if !errors.Is(err, ErrMissingKey) {
		t.Errorf("error = %v, want ErrMissingKey", err)
	}
}

func TestUpdateAdvancesAutoIncrement(t *testing.T) {
	s := openTestStore(t)
	repo := NewFileRepository(s, UserStoryFilePartition)

	if err := repo.Update(ctx, 1, FileRecord{Filename: "restored.json"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := repo.Update(ctx, 5, FileRecord{Filename: "far.json"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	// A lower key must not pull the counter back.
	if err := repo.Update(ctx, 3, FileRecord{Filename: "middle.json"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := repo.Add(ctx, FileRecord{Filename: "new.json"})
		if err != nil {
			t.Fatalf("Add #%d: %v", i+1, err)
		}
		ids = append(ids, id)
	}
	if ids[0] != 6 || ids[1] != 7 || ids[2] != 8 {
		t.Errorf("ids = %v, want [6 7 8]", ids)
	}

	list, err := repo.List(ctx)
	if err != nil || len(list) != 6 {
		t.Fatalf("List = %d records, err %v; want 6", len(list), err)
	}
}

func TestDeleteAndNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Insert(ctx, JobQueuePartition, json.RawMessage(`{"job_id":"gone"}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, JobQueuePartition, "gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, JobQueuePartition, "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, JobQueuePartition, "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

// TestConcurrentInsertsNoLostWrites runs inserts from many goroutines and
// verifies every record landed under a distinct key.
func TestConcurrentInsertsNoLostWrites(t *testing.T) {
	s, err := Open(t.TempDir(), "concurrent", AppSchema)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	const n = 25
	var wg sync.WaitGroup
	keys := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, err := s.Insert(ctx, UserStoryFilePartition, json.RawMessage(`{}`))
			if err != nil {
				t.Errorf("Insert: %v", err)
				return
			}
			keys <- k
		}()
	}
	wg.Wait()
	close(keys)

	seen := make(map[string]bool)
	for k := range keys {
		if seen[k] {
			t.Errorf("key %s assigned twice", k)
		}
		seen[k] = true
	}
	all, err := s.GetAll(ctx, UserStoryFilePartition)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != n {
		t.Errorf("records = %d, want %d", len(all), n)
	}
}

func TestFileRepository(t *testing.T) {
	s := openTestStore(t)
	repo := NewFileRepository(s, UserStoryFilePartition)

	rec := FileRecord{
		ID:         42,
		Content:    []byte(`[{"feature":"Auth"}]`),
		Filename:   "stories.json",
		Type:       "application/json",
		Size:       20,
		Lines:      1,
		Features:   []string{"Auth"},
		UploadedAt: time.Now().UTC().Truncate(time.Second),
	}
	id, err := repo.Add(ctx, rec)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1 (caller id ignored)", id)
	}

	got, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != id || got.Filename != rec.Filename || string(got.Content) != string(rec.Content) {
		t.Errorf("Get = %+v", got)
	}
	if !got.UploadedAt.Equal(rec.UploadedAt) {
		t.Errorf("UploadedAt = %v, want %v", got.UploadedAt, rec.UploadedAt)
	}

	got.Filename = "renamed.json"
	got.ID = 7
	if err := repo.Update(ctx, id, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	again, _ := repo.Get(ctx, id)
	if again.ID != id || again.Filename != "renamed.json" {
		t.Errorf("after Update = %+v", again)
	}

	list, err := repo.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %d records, err %v", len(list), err)
	}

	if err := repo.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete error = %v, want ErrNotFound", err)
	}
}

func TestJobRepository(t *testing.T) {
	s := openTestStore(t)
	repo := NewJobRepository(s)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	job := Job{JobID: "job-1", UserID: "u1", Status: StatusDraft, CreatedAt: fixed.Add(-time.Hour)}
	if err := repo.Add(ctx, job); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := repo.Add(ctx, job); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("duplicate Add error = %v, want ErrDuplicateKey", err)
	}

	updated, err := repo.UpdateStatus(ctx, "job-1", StatusQueued, "waiting")
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if updated.Status != StatusQueued || updated.Details != "waiting" || !updated.LastUpdatedAt.Equal(fixed) {
		t.Errorf("UpdateStatus = %+v", updated)
	}

	if _, err := repo.UpdateStatus(ctx, "job-1", JobStatus("Bogus"), ""); err == nil {
		t.Error("expected error for unknown status")
	}
	if _, err := repo.UpdateStatus(ctx, "missing", StatusQueued, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus(missing) error = %v, want ErrNotFound", err)
	}

	if err := repo.Add(ctx, Job{JobID: "job-2", Status: StatusCompleted}); err != nil {
		t.Fatal(err)
	}
	queued, err := repo.ListByStatus(ctx, StatusQueued)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].JobID != "job-1" {
		t.Errorf("ListByStatus(Queued) = %+v", queued)
	}

	if err := repo.Put(ctx, Job{}); !errors.Is(err, ErrMissingKey) {
		t.Errorf("Put without id error = %v, want ErrMissingKey", err)
	}
}

func TestManagerSharesStores(t *testing.T) {
	m := NewManager(t.TempDir(), AppSchema)
	defer m.Close()

	var wg sync.WaitGroup
	stores := make([]*Store, 5)
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Open("r2d", "user@example.com")
			if err != nil {
				t.Errorf("Open: %v", err)
				return
			}
			stores[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(stores); i++ {
		if stores[i] != stores[0] {
			t.Fatal("Manager returned different stores for the same user")
		}
	}

	other, err := m.Open("r2d", "someone-else")
	if err != nil {
		t.Fatal(err)
	}
	if other == stores[0] {
		t.Error("different users share a store")
	}
}

func TestDatabaseName(t *testing.T) {
	tests := []struct {
		domain, user, want string
	}{
		{"R2D", "alice", "r2d-alice"},
		{"r2d", "a/b c", "r2d-a_b_c"},
		{"r2d", "", "r2d-anonymous"},
	}
	for _, tt := range tests {
		if got := DatabaseName(tt.domain, tt.user); got != tt.want {
			t.Errorf("DatabaseName(%q, %q) = %q, want %q", tt.domain, tt.user, got, tt.want)
		}
	}
}
