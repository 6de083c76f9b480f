// Package redisstore implements an object store on Redis string values.
package redisstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/discochess/tiercache/internal/codec"
	"github.com/discochess/tiercache/internal/store"
)

// Compile-time check that Store implements store.ObjectStore.
var _ store.ObjectStore = (*Store)(nil)

// Store keeps objects as Redis string values.
type Store struct {
	client redis.UniversalClient
	owned  bool
	prefix string
	ttl    time.Duration
	codec  codec.Codec
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = strings.TrimSuffix(prefix, ":")
		if s.prefix != "" {
			s.prefix += ":"
		}
	}
}

// WithTTL expires objects after ttl. Zero keeps them until deleted.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// New connects to Redis with the given options. The store owns the client
// and closes it on Close.
func New(opts *redis.Options, c codec.Codec, options ...Option) *Store {
	s := NewWithClient(redis.NewClient(opts), c, options...)
	s.owned = true
	return s
}

// NewWithClient wraps an existing client. Close leaves the client open.
func NewWithClient(client redis.UniversalClient, c codec.Codec, options ...Option) *Store {
	s := &Store{
		client: client,
		codec:  c,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// GetObject reads and decompresses the value stored under key.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.client.Get(ctx, s.objectKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return codec.Decode(s.codec, bytes.NewReader(raw))
}

// PutObject compresses data and stores it under key.
func (s *Store) PutObject(ctx context.Context, key string, data []byte) error {
	body, err := codec.Encode(s.codec, data)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.objectKey(key), body, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// DeleteObject removes key.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.objectKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Close closes the client when the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *Store) objectKey(key string) string {
	return s.prefix + key
}
