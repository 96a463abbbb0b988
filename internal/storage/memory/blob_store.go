package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

type blob struct {
	contentType string
	data        []byte
}

// BlobStore keeps archived pages in memory and returns memory:// URIs.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]blob
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]blob)}
}

// PutObject persists the content and returns a URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = blob{contentType: contentType, data: byteData}
	return "memory://" + path, nil
}

// Object returns a copy of a stored blob and its content type.
func (s *BlobStore) Object(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), b.data...), b.contentType, true
}
