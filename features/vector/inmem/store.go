// Package inmem provides an in-memory vector store for tests and the
// single-process development mode. Dense queries score with cosine
// similarity, sparse queries with dot product, matching the server
// backend's distance configuration.
package inmem

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hyperengineering/engram/vector"
)

// Store implements vector.Store in process memory.
type Store struct {
	mu          sync.RWMutex
	connected   bool
	collections map[string]*collection
}

type collection struct {
	schema vector.Schema
	points map[uuid.UUID]vector.Point
}

// New returns a disconnected store.
func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}

var _ vector.Store = (*Store)(nil)

// Name implements health.Pinger.
func (s *Store) Name() string { return "vector-inmem" }

// Ping reports healthy while connected.
func (s *Store) Ping(context.Context) error {
	if !s.IsConnected() {
		return errors.New("not connected")
	}
	return nil
}

// Connect marks the store connected.
func (s *Store) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Disconnect marks the store disconnected. Collections survive so tests
// can reconnect.
func (s *Store) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// IsConnected reports connection state.
func (s *Store) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// EnsureCollection creates or validates the collection.
func (s *Store) EnsureCollection(_ context.Context, name string, schema vector.Schema, destructive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.collections[name]
	if !ok {
		s.collections[name] = &collection{schema: schema, points: make(map[uuid.UUID]vector.Point)}
		return nil
	}
	if existing.schema.Equal(schema) {
		return nil
	}
	if !destructive {
		return vector.ErrSchemaMismatch
	}
	s.collections[name] = &collection{schema: schema, points: make(map[uuid.UUID]vector.Point)}
	return nil
}

// Upsert writes points by id, replacing existing points.
func (s *Store) Upsert(_ context.Context, collectionName string, points ...vector.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collectionName]
	if !ok {
		return errors.New("unknown collection " + collectionName)
	}
	for _, p := range points {
		coll.points[p.ID] = p
	}
	return nil
}

// Search runs a dense cosine query over q.Using.
func (s *Store) Search(_ context.Context, collectionName string, q vector.Query) ([]vector.Scored, error) {
	if len(q.Dense) == 0 {
		return nil, errors.New("dense query vector is required")
	}
	if q.Using == "" {
		return nil, errors.New("using field is required")
	}
	return s.search(collectionName, q, func(p vector.Point) (float32, bool) {
		vec, ok := p.Dense[q.Using]
		if !ok {
			return 0, false
		}
		return cosine(q.Dense, vec), true
	})
}

// SearchSparse runs a sparse dot-product query.
func (s *Store) SearchSparse(_ context.Context, collectionName string, q vector.Query) ([]vector.Scored, error) {
	if q.Sparse == nil {
		return nil, errors.New("sparse query vector is required")
	}
	return s.search(collectionName, q, func(p vector.Point) (float32, bool) {
		if p.Sparse == nil {
			return 0, false
		}
		return sparseDot(*q.Sparse, *p.Sparse), true
	})
}

func (s *Store) search(collectionName string, q vector.Query, score func(vector.Point) (float32, bool)) ([]vector.Scored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.collections[collectionName]
	if !ok {
		return nil, errors.New("unknown collection " + collectionName)
	}
	var hits []vector.Scored
	for _, p := range coll.points {
		if !matches(p.Payload, q.Filter) {
			continue
		}
		sc, ok := score(p)
		if !ok {
			continue
		}
		if q.ScoreThreshold != nil && sc < *q.ScoreThreshold {
			continue
		}
		hits = append(hits, vector.Scored{ID: p.ID.String(), Score: sc, Payload: p.Payload})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

// Points returns a copy of the collection's points keyed by id.
func (s *Store) Points(collectionName string) map[uuid.UUID]vector.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.collections[collectionName]
	if !ok {
		return nil
	}
	out := make(map[uuid.UUID]vector.Point, len(coll.points))
	for id, p := range coll.points {
		out[id] = p
	}
	return out
}

func matches(p vector.Payload, f *vector.Filter) bool {
	if f == nil {
		return true
	}
	if f.SessionID != "" && p.SessionID != f.SessionID {
		return false
	}
	if f.Type != "" && p.Type != f.Type {
		return false
	}
	if f.Time != nil {
		if f.Time.Start != 0 && p.Timestamp < f.Time.Start {
			return false
		}
		if f.Time.End != 0 && p.Timestamp >= f.Time.End {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func sparseDot(a, b vector.SparseVector) float32 {
	var dot float32
	i, j := 0, 0
	for i < len(a.Indices) && j < len(b.Indices) {
		switch {
		case a.Indices[i] == b.Indices[j]:
			dot += a.Values[i] * b.Values[j]
			i++
			j++
		case a.Indices[i] < b.Indices[j]:
			i++
		default:
			j++
		}
	}
	return dot
}
