// Package memory holds in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
)

type blob struct {
	contentType string
	body        []byte
}

// BlobStore keeps exported reports in memory under memory:// URIs. Reports
// written in one process are gone when it exits.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]blob
}

// NewBlobStore returns an empty report store.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]blob)}
}

// PutObject keeps a copy of the report body. Writing a path again replaces
// the earlier report.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read report %s: %w", path, err)
	}
	s.mu.Lock()
	s.blobs[path] = blob{contentType: contentType, body: body}
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Object returns a copy of the report stored at path.
func (s *BlobStore) Object(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	if !ok {
		return nil, false
	}
	return slices.Clone(b.body), true
}

// ContentType is the media type the report at path was written with.
func (s *BlobStore) ContentType(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blobs[path].contentType
}

// Paths lists report paths, sorted.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.blobs))
	for p := range s.blobs {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}
