// Package inmem provides an in-memory blob store for tests and the
// single-process development mode.
package inmem

import (
	"context"
	"sync"

	"github.com/hyperengineering/engram/blob"
)

// Scheme is the URI scheme of in-memory blobs.
const Scheme = "mem"

// Store implements blob.Store in process memory.
type Store struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// New returns an empty store.
func New() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

var _ blob.Store = (*Store)(nil)

// Save stores data under its content address.
func (s *Store) Save(_ context.Context, data []byte) (string, error) {
	uri := blob.FormatURI(Scheme, blob.Address(data))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[uri]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[uri] = cp
	}
	return uri, nil
}

// Load returns the bytes stored under uri.
func (s *Store) Load(_ context.Context, uri string) ([]byte, error) {
	if _, _, err := blob.ParseURI(uri); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[uri]
	if !ok {
		return nil, blob.ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Len reports how many distinct blobs are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
