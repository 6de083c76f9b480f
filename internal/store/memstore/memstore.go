// Package memstore provides an in-memory object store.
package memstore

import (
	"bytes"
	"context"
	"sync"

	"github.com/discochess/tiercache/internal/store"
)

// Compile-time check that Store implements store.ObjectStore.
var _ store.ObjectStore = (*Store)(nil)

// Store is an in-memory object store, safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
	gets    int
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		objects: make(map[string][]byte),
	}
}

// GetObject returns a copy of the object stored under key.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gets++
	data, ok := s.objects[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return bytes.Clone(data), nil
}

// PutObject stores a copy of data under key.
func (s *Store) PutObject(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = bytes.Clone(data)
	return nil
}

// DeleteObject removes key.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// Has reports whether key is stored.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok
}

// Gets returns how many GetObject calls the store has served.
func (s *Store) Gets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gets
}

// Close is a no-op for the memory store.
func (s *Store) Close() error {
	return nil
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
