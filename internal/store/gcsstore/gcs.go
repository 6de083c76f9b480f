// Package gcsstore implements a Google Cloud Storage object store.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/discochess/tiercache/internal/codec"
	"github.com/discochess/tiercache/internal/store"
)

// Compile-time check that Store implements store.ObjectStore.
var _ store.ObjectStore = (*Store)(nil)

// Store is a Google Cloud Storage object store.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	codec  codec.Codec
}

// New creates a new GCS store.
// The bucket must already exist.
// The codec handles compression/decompression.
func New(ctx context.Context, bucketName string, c codec.Codec, opts ...Option) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	s := &Store{
		client: client,
		bucket: client.Bucket(bucketName),
		codec:  c,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets a key prefix for all operations.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = strings.TrimSuffix(prefix, "/")
		if s.prefix != "" {
			s.prefix += "/"
		}
	}
}

// GetObject reads and decompresses the object stored under key.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	reader, err := s.bucket.Object(s.objectKey(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("creating reader: %w", err)
	}
	defer reader.Close()

	return codec.Decode(s.codec, reader)
}

// PutObject compresses data and uploads it under key.
func (s *Store) PutObject(ctx context.Context, key string, data []byte) error {
	w := s.bucket.Object(s.objectKey(key)).NewWriter(ctx)

	enc, err := s.codec.Writer(w)
	if err != nil {
		w.Close()
		return fmt.Errorf("creating compressor: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		w.Close()
		return fmt.Errorf("writing object: %w", err)
	}
	if err := enc.Close(); err != nil {
		w.Close()
		return fmt.Errorf("flushing compressor: %w", err)
	}
	// The upload is committed on Close.
	if err := w.Close(); err != nil {
		return fmt.Errorf("committing object: %w", err)
	}
	return nil
}

// DeleteObject removes the object stored under key.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	err := s.bucket.Object(s.objectKey(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}

// Close releases resources.
func (s *Store) Close() error {
	return s.client.Close()
}

// objectKey returns the full object key for a cache key.
func (s *Store) objectKey(key string) string {
	name := s.prefix + key
	if ext := s.codec.Extension(); ext != "" {
		name += "." + ext
	}
	return name
}
