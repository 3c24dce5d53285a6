// Package memory provides an in-memory payload archive for tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Store keeps archived payloads in a map.
type Store struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// New creates an empty archive.
func New() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

// Put stores the payload and returns a mem:// URI.
func (s *Store) Put(_ context.Context, path, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = append([]byte(nil), data...)
	return "mem://" + path, nil
}

// Get returns a stored payload.
func (s *Store) Get(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[path]
	return b, ok
}

// Len reports the number of stored payloads.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
