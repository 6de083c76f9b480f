// Package store defines the remote object storage interface used by the
// cloud tier.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an object does not exist in the store.
var ErrNotFound = errors.New("store: object not found")

// ObjectStore is a flat key/value object store.
// Implementations handle bucket, prefix and path details internally.
type ObjectStore interface {
	// GetObject returns the content stored under key.
	// Returns ErrNotFound if the object does not exist.
	GetObject(ctx context.Context, key string) ([]byte, error)

	// PutObject stores data under key, replacing any existing object.
	PutObject(ctx context.Context, key string, data []byte) error

	// DeleteObject removes the object stored under key.
	// Deleting a missing object is not an error.
	DeleteObject(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
