package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Collection is a typed JSON view over one partition of a Store.
type Collection[T any] struct {
	store     *Store
	partition string
}

// NewCollection binds T to the named partition.
func NewCollection[T any](s *Store, partition string) *Collection[T] {
	return &Collection[T]{store: s, partition: partition}
}

// Partition returns the partition name.
func (c *Collection[T]) Partition() string { return c.partition }

func (c *Collection[T]) Get(ctx context.Context, key string) (T, error) {
	var v T
	raw, err := c.store.Get(ctx, c.partition, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &StoreError{Op: "get", Partition: c.partition, Err: fmt.Errorf("decoding record %s: %w", key, err)}
	}
	return v, nil
}

func (c *Collection[T]) GetAll(ctx context.Context) ([]T, error) {
	raws, err := c.store.GetAll(ctx, c.partition)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &StoreError{Op: "getAll", Partition: c.partition, Err: fmt.Errorf("decoding record: %w", err)}
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *Collection[T]) Insert(ctx context.Context, v T) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", &StoreError{Op: "insert", Partition: c.partition, Err: fmt.Errorf("encoding record: %w", err)}
	}
	return c.store.Insert(ctx, c.partition, raw)
}

func (c *Collection[T]) Update(ctx context.Context, key string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return &StoreError{Op: "update", Partition: c.partition, Err: fmt.Errorf("encoding record: %w", err)}
	}
	return c.store.Update(ctx, c.partition, key, raw)
}

func (c *Collection[T]) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, c.partition, key)
}

func (c *Collection[T]) Clear(ctx context.Context) error {
	return c.store.Clear(ctx, c.partition)
}
