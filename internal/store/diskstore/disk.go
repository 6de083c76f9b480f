// Package diskstore stores cell payloads as individual files under a root
// directory, compressed with a codec.
package diskstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/discochess/tiercache/internal/codec"
)

// ErrNotFound is returned when a payload file does not exist.
var ErrNotFound = errors.New("diskstore: payload not found")

// Store is a disk-based payload store.
type Store struct {
	root  string
	codec codec.Codec
}

// New creates a disk store rooted at the given directory, creating it if needed.
// The codec handles compression/decompression.
func New(root string, c codec.Codec) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	return &Store{
		root:  root,
		codec: c,
	}, nil
}

// Root returns the directory payloads are written to.
func (s *Store) Root() string {
	return s.root
}

// Write compresses data into a new file for key and returns its path.
// Every call produces a distinct path, so rewriting a key never clobbers
// a file another cell still references.
func (s *Store) Write(ctx context.Context, key string, data []byte) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	path := s.payloadPath(key)
	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	compressed, err := codec.Encode(s.codec, data)
	if err != nil {
		tmp.Close()
		return "", err
	}
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publishing payload: %w", err)
	}
	return path, nil
}

// Read reads and decompresses the payload at path.
func (s *Store) Read(ctx context.Context, path string) ([]byte, error) {
	// Check for cancellation before starting I/O.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	compressed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	data, err := codec.Decode(s.codec, bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("reading payload %s: %w", filepath.Base(path), err)
	}
	return data, nil
}

// Size returns the on-disk size of the payload at path.
func (s *Store) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat payload: %w", err)
	}
	return info.Size(), nil
}

// Remove deletes the payload at path. Removing a missing file is not an error.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing payload: %w", err)
	}
	return nil
}

// payloadPath returns a fresh filesystem path for key.
func (s *Store) payloadPath(key string) string {
	name := strconv.FormatUint(xxhash.Sum64String(key), 16) + "-" + uuid.NewString()
	if ext := s.codec.Extension(); ext != "" {
		name += "." + ext
	}
	return filepath.Join(s.root, name)
}
