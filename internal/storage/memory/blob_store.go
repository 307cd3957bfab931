package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore keeps archived page bodies in memory and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

type object struct {
	contentType string
	data        []byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]object)}
}

// PutObject stores a copy of the content under path and returns its URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = object{contentType: contentType, data: buf}
	return "memory://" + path, nil
}

// Object returns the stored bytes and content type for path.
func (s *BlobStore) Object(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}

// Len returns the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
