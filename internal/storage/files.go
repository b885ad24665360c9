package storage

import (
	"context"
	"fmt"
	"strconv"
)

// FileRepository stores uploaded documents in one of the file partitions.
type FileRepository struct {
	files *Collection[FileRecord]
}

// NewFileRepository returns a repository over the given file partition
// (UserStoryFilePartition or MermaidFilePartition).
func NewFileRepository(s *Store, partition string) *FileRepository {
	return &FileRepository{files: NewCollection[FileRecord](s, partition)}
}

// Partition returns the partition the repository writes to.
func (r *FileRepository) Partition() string { return r.files.Partition() }

// Add inserts rec and returns the id the store assigned. rec.ID is ignored.
func (r *FileRepository) Add(ctx context.Context, rec FileRecord) (int64, error) {
	rec.ID = 0
	key, err := r.files.Insert(ctx, rec)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing assigned key %q: %w", key, err)
	}
	return id, nil
}

func (r *FileRepository) Get(ctx context.Context, id int64) (FileRecord, error) {
	return r.files.Get(ctx, strconv.FormatInt(id, 10))
}

func (r *FileRepository) List(ctx context.Context) ([]FileRecord, error) {
	return r.files.GetAll(ctx)
}

// Update rewrites the whole record stored under id.
func (r *FileRepository) Update(ctx context.Context, id int64, rec FileRecord) error {
	rec.ID = id
	return r.files.Update(ctx, strconv.FormatInt(id, 10), rec)
}

func (r *FileRepository) Delete(ctx context.Context, id int64) error {
	return r.files.Delete(ctx, strconv.FormatInt(id, 10))
}

// Clear removes every file in the partition.
func (r *FileRepository) Clear(ctx context.Context) error {
	return r.files.Clear(ctx)
}
