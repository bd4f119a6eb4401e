// Package vector defines the vector store facade: one collection per
// deployment with named dense vectors, a sparse field, and an optional
// late-interaction multi-vector, plus payload filtering on session, type,
// and time. Point ids equal source graph node ids, so re-indexing a node
// replaces its point. Backends: Qdrant over gRPC and an in-memory fake.
package vector

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"goa.design/clue/health"
)

// Collection names. Older deployments used different names for the same
// logical collection; there is no migration path, only these.
const (
	// CollectionMemory holds one point per indexed graph node.
	CollectionMemory = "engram_memory"
	// CollectionSessions holds one summary point per session, used by the
	// first stage of two-stage retrieval.
	CollectionSessions = "engram_sessions"
)

// Named vector fields.
const (
	// FieldTextDense is the 384-dimensional text embedding.
	FieldTextDense = "text_dense"
	// FieldCodeDense is the 768-dimensional code embedding.
	FieldCodeDense = "code_dense"
	// FieldSparse is the BM25-style sparse representation.
	FieldSparse = "sparse"
	// FieldColbert is the optional 128d-per-token late-interaction field.
	FieldColbert = "colbert"
)

// Default dimensions.
const (
	TextDenseDims = 384
	CodeDenseDims = 768
	ColbertDims   = 128
)

// Payload content types.
const (
	// TypeThought marks reasoning content.
	TypeThought = "thought"
	// TypeCode marks diff and code-artifact content.
	TypeCode = "code"
	// TypeDoc marks messages, tool calls, and turn summaries.
	TypeDoc = "doc"
	// TypeSession marks session-summary points in CollectionSessions.
	TypeSession = "session"
)

// ErrSchemaMismatch is returned by EnsureCollection when the live
// collection's vector schema differs and destructive migration was not
// requested.
var ErrSchemaMismatch = errors.New("vector collection schema mismatch")

type (
	// DenseParams configures one named dense vector.
	DenseParams struct {
		Size int
	}

	// MultiParams configures a late-interaction multi-vector compared with
	// MaxSim.
	MultiParams struct {
		Size int
	}

	// Schema is the collection layout. All dense and multi vectors use
	// cosine distance.
	Schema struct {
		Dense  map[string]DenseParams
		Sparse []string
		Multi  map[string]MultiParams
	}

	// SparseVector is a sparse representation with strictly ascending
	// indices.
	SparseVector struct {
		Indices []uint32  `json:"indices"`
		Values  []float32 `json:"values"`
	}

	// Payload is the metadata stored with each point and returned with
	// search hits. Indexed on SessionID, Type, and Timestamp.
	Payload struct {
		Content   string `json:"content"`
		NodeID    string `json:"node_id"`
		SessionID string `json:"session_id"`
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
		FilePath  string `json:"file_path,omitempty"`
	}

	// Point is one upsert unit. Dense maps field name to embedding; Multi
	// holds per-token vectors for the colbert field when enabled.
	Point struct {
		ID      uuid.UUID
		Dense   map[string][]float32
		Sparse  *SparseVector
		Multi   [][]float32
		Payload Payload
	}

	// TimeRange bounds payload timestamps, inclusive start, exclusive end.
	// Zero values leave the bound open.
	TimeRange struct {
		Start int64
		End   int64
	}

	// Filter restricts search to matching payloads. Zero fields do not
	// filter.
	Filter struct {
		SessionID string
		Type      string
		Time      *TimeRange
	}

	// Query is one search against the collection. Exactly one of Dense or
	// Sparse must be set; Using names the dense field searched.
	Query struct {
		Dense          []float32
		Using          string
		Sparse         *SparseVector
		Limit          int
		ScoreThreshold *float32
		Filter         *Filter
	}

	// Scored is one search hit.
	Scored struct {
		ID      string
		Score   float32
		Payload Payload
	}

	// Store is the vector store facade. Implementations must be safe for
	// concurrent use.
	Store interface {
		health.Pinger

		// Connect establishes the connection. Idempotent.
		Connect(ctx context.Context) error

		// Disconnect releases the connection. Idempotent.
		Disconnect(ctx context.Context) error

		// IsConnected reports connection state.
		IsConnected() bool

		// EnsureCollection creates the collection when missing. When the
		// live schema differs it recreates the collection if destructive is
		// set, and returns ErrSchemaMismatch otherwise. Also ensures payload
		// indexes on session_id, type, and timestamp.
		EnsureCollection(ctx context.Context, name string, schema Schema, destructive bool) error

		// Upsert writes points by id, replacing existing points.
		Upsert(ctx context.Context, collection string, points ...Point) error

		// Search runs a dense similarity query over q.Using.
		Search(ctx context.Context, collection string, q Query) ([]Scored, error)

		// SearchSparse runs a sparse similarity query.
		SearchSparse(ctx context.Context, collection string, q Query) ([]Scored, error)
	}
)

// Equal reports whether two schemas describe the same collection layout.
// Sparse field order is irrelevant.
func (s Schema) Equal(o Schema) bool {
	if len(s.Dense) != len(o.Dense) || len(s.Sparse) != len(o.Sparse) || len(s.Multi) != len(o.Multi) {
		return false
	}
	for name, p := range s.Dense {
		if o.Dense[name] != p {
			return false
		}
	}
	for name, p := range s.Multi {
		if o.Multi[name] != p {
			return false
		}
	}
	want := make(map[string]bool, len(s.Sparse))
	for _, name := range s.Sparse {
		want[name] = true
	}
	for _, name := range o.Sparse {
		if !want[name] {
			return false
		}
	}
	return true
}

// MemorySchema returns the deployment collection schema. The colbert
// multi-vector is included only when enabled.
func MemorySchema(withColbert bool) Schema {
	s := Schema{
		Dense: map[string]DenseParams{
			FieldTextDense: {Size: TextDenseDims},
			FieldCodeDense: {Size: CodeDenseDims},
		},
		Sparse: []string{FieldSparse},
	}
	if withColbert {
		s.Multi = map[string]MultiParams{FieldColbert: {Size: ColbertDims}}
	}
	return s
}

// SessionSchema returns the session-summary collection schema (text dense
// + sparse only).
func SessionSchema() Schema {
	return Schema{
		Dense:  map[string]DenseParams{FieldTextDense: {Size: TextDenseDims}},
		Sparse: []string{FieldSparse},
	}
}
