// Package miniostore implements an object store on MinIO or any
// S3-compatible endpoint.
package miniostore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/discochess/tiercache/internal/codec"
	"github.com/discochess/tiercache/internal/store"
)

// Compile-time check that Store implements store.ObjectStore.
var _ store.ObjectStore = (*Store)(nil)

// Config holds connection settings for a MinIO store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string

	// Client overrides the client built from Endpoint and credentials.
	Client *minio.Client
}

func (c Config) validate() error {
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	if c.Client == nil && c.Endpoint == "" {
		return errors.New("endpoint is required when no client is provided")
	}
	return nil
}

// Store is a MinIO object store.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
	codec  codec.Codec
}

// New creates a MinIO store. The bucket must already exist.
func New(cfg Config, c codec.Codec) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client := cfg.Client
	if client == nil {
		var err error
		client, err = minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("creating minio client: %w", err)
		}
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: normalizePrefix(cfg.Prefix),
		codec:  c,
	}, nil
}

// GetObject reads and decompresses the object stored under key.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}
	defer obj.Close()

	// minio defers the request until the first read, so a missing key
	// surfaces here.
	data, err := codec.Decode(s.codec, obj)
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

// PutObject compresses data and uploads it under key.
func (s *Store) PutObject(ctx context.Context, key string, data []byte) error {
	body, err := codec.Encode(s.codec, data)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, s.bucket, s.objectKey(key), bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return translate(err)
	}
	return nil
}

// DeleteObject removes the object stored under key.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectKey(key), minio.RemoveObjectOptions{})
	if err != nil {
		if errors.Is(translate(err), store.ErrNotFound) {
			return nil
		}
		return translate(err)
	}
	return nil
}

// Close releases resources. The minio client holds no closable state.
func (s *Store) Close() error {
	return nil
}

func (s *Store) objectKey(key string) string {
	name := s.prefix + key
	if ext := s.codec.Extension(); ext != "" {
		name += "." + ext
	}
	return name
}

// translate maps minio error responses onto store errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey":
		return store.ErrNotFound
	}
	return fmt.Errorf("minio: %w", err)
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}
