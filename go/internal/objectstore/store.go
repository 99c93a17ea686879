// Package objectstore stores raw blobs by key under a base URL. Any scheme
// afs understands works (file://, mem://, s3:// with the matching afsc import).
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

type Store struct {
	fs      afs.Service
	baseURL string
}

func New(baseURL string) *Store {
	return &Store{fs: afs.New(), baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *Store) objectURL(key string) string {
	return url.Join(s.baseURL, strings.TrimLeft(key, "/"))
}

// Put writes data under key and returns the key.
func (s *Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object key cannot be empty")
	}
	target := s.objectURL(key)
	if err := s.fs.Upload(ctx, target, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to upload object %s: %w", target, err)
	}
	return key, nil
}

// Get returns the object under key; ok is false when it does not exist.
func (s *Store) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	target := s.objectURL(key)
	exists, err := s.fs.Exists(ctx, target)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check object %s: %w", target, err)
	}
	if !exists {
		return nil, false, nil
	}
	data, err = s.fs.DownloadWithURL(ctx, target)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read object %s: %w", target, err)
	}
	return data, true, nil
}

// PutBestEffort writes data and reports success. Failures are logged, never returned.
func (s *Store) PutBestEffort(ctx context.Context, key string, data []byte) bool {
	if _, err := s.Put(ctx, key, data); err != nil {
		log.Warn().Err(err).Str("object_key", key).Msg("best-effort object write failed")
		return false
	}
	return true
}
