package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/Yapping72/r2d/internal/storage"
	"github.com/Yapping72/r2d/internal/telemetry"
)

// ErrRecordNotFound is returned when an edit targets an item id the file does not hold.
var ErrRecordNotFound = errors.New("record not found in file")

// FileStore is one file partition.
// Implemented by storage.FileRepository.
type FileStore interface {
	Add(ctx context.Context, rec storage.FileRecord) (int64, error)
	Get(ctx context.Context, id int64) (storage.FileRecord, error)
	List(ctx context.Context) ([]storage.FileRecord, error)
	Update(ctx context.Context, id int64, rec storage.FileRecord) error
	Delete(ctx context.Context, id int64) error
}

// Library validates uploads and files them into the user story or mermaid
// partition.
type Library struct {
	stories   FileStore
	mermaid   FileStore
	validator *Validator
	now       func() time.Time
	logger    *slog.Logger
}

func NewLibrary(stories, mermaid FileStore, validator *Validator) *Library {
	return &Library{
		stories:   stories,
		mermaid:   mermaid,
		validator: validator,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
}

func (l *Library) store(partition string) (FileStore, error) {
	switch partition {
	case storage.UserStoryFilePartition:
		return l.stories, nil
	case storage.MermaidFilePartition:
		return l.mermaid, nil
	}
	return nil, fmt.Errorf("%w: %q", storage.ErrUnknownPartition, partition)
}

// Upload validates content and stores it. It returns the stored record and
// the partition it went to.
func (l *Library) Upload(ctx context.Context, filename string, content []byte) (storage.FileRecord, string, error) {
	rec, err := l.validator.Validate(filename, content)
	if err != nil {
		ft, _ := DetectType(filename)
		telemetry.Uploads.WithLabelValues(string(ft), telemetry.OutcomeRefused).Inc()
		return storage.FileRecord{}, "", fmt.Errorf("validating %s: %w", filename, err)
	}

	partition := FileType(rec.Type).Partition()
	fs, err := l.store(partition)
	if err != nil {
		return storage.FileRecord{}, "", err
	}
	rec.UploadedAt = l.now()
	id, err := fs.Add(ctx, rec)
	telemetry.Uploads.WithLabelValues(rec.Type, telemetry.Outcome(err == nil)).Inc()
	if err != nil {
		return storage.FileRecord{}, "", fmt.Errorf("storing %s: %w", filename, err)
	}
	rec.ID = id
	l.logger.Info("file uploaded", "file", rec.Filename, "id", id, "partition", partition)
	return rec, partition, nil
}

func (l *Library) Get(ctx context.Context, partition string, id int64) (storage.FileRecord, error) {
	fs, err := l.store(partition)
	if err != nil {
		return storage.FileRecord{}, err
	}
	return fs.Get(ctx, id)
}

func (l *Library) List(ctx context.Context, partition string) ([]storage.FileRecord, error) {
	fs, err := l.store(partition)
	if err != nil {
		return nil, err
	}
	return fs.List(ctx)
}

func (l *Library) Delete(ctx context.Context, partition string, id int64) error {
	fs, err := l.store(partition)
	if err != nil {
		return err
	}
	return fs.Delete(ctx, id)
}

// Items loads a user story file and returns its raw items, ready for
// jobs.Engine.NewJob.
func (l *Library) Items(ctx context.Context, id int64) ([]map[string]any, error) {
	rec, err := l.stories.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return Items(rec)
}

// UpdateRecord edits one item inside a stored user story file. Keys in
// edited replace the item's keys; a nil value removes the key. The file is
// re-encoded in its original format and its metadata recomputed.
func (l *Library) UpdateRecord(ctx context.Context, fileID int64, itemID string, edited map[string]any) (storage.FileRecord, error) {
	rec, err := l.stories.Get(ctx, fileID)
	if err != nil {
		return storage.FileRecord{}, err
	}
	ft := FileType(rec.Type)
	if !ft.Structured() {
		return storage.FileRecord{}, fmt.Errorf("%w: %s files hold no user stories", ErrUnsupportedType, rec.Type)
	}
	items, wrapped, err := decodeItems(ft, rec.Content)
	if err != nil {
		return storage.FileRecord{}, err
	}

	idx := -1
	for i, it := range items {
		if it != nil && idString(it["id"]) == itemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return storage.FileRecord{}, fmt.Errorf("%w: %q in file %d", ErrRecordNotFound, itemID, fileID)
	}

	merged := make(map[string]any, len(items[idx])+len(edited))
	for k, v := range items[idx] {
		merged[k] = v
	}
	for k, v := range edited {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	records, err := l.validator.strategy.Validate([]map[string]any{merged}, l.validator.limits)
	if err != nil {
		return storage.FileRecord{}, err
	}
	if len(records) == 0 {
		return storage.FileRecord{}, fmt.Errorf("%w: edited item %q is missing a required field", ErrInvalidContent, itemID)
	}
	items[idx] = merged

	content, err := encodeItems(ft, items, wrapped)
	if err != nil {
		return storage.FileRecord{}, fmt.Errorf("encoding %s: %w", rec.Filename, err)
	}
	updated, err := l.validator.Validate(rec.Filename, content)
	if err != nil {
		return storage.FileRecord{}, err
	}
	updated.ID = rec.ID
	updated.UploadedAt = rec.UploadedAt
	if err := l.stories.Update(ctx, fileID, updated); err != nil {
		return storage.FileRecord{}, fmt.Errorf("saving %s: %w", rec.Filename, err)
	}
	return updated, nil
}

// idString renders an item id the way it is matched on edit. JSON numbers
// decode as float64 and YAML integers as int.
func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case float64:
		if id == math.Trunc(id) {
			return strconv.FormatInt(int64(id), 10)
		}
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	return ""
}
