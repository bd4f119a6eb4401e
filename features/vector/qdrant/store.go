// Package qdrant implements the vector store on Qdrant over gRPC. Named
// dense vectors use cosine distance, the colbert multi-vector compares
// with MaxSim, and payload indexes cover session_id, type, and timestamp.
package qdrant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	qd "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/hyperengineering/engram/vector"
)

const (
	defaultTimeout = 15 * time.Second
	clientName     = "vector-qdrant"
)

// Options configures the Qdrant store.
type Options struct {
	Host    string
	Port    int
	APIKey  string
	UseTLS  bool
	Timeout time.Duration
}

// api is the slice of the Qdrant client the store uses. *qd.Client
// satisfies it; tests inject fakes.
type api interface {
	HealthCheck(ctx context.Context) (*qd.HealthCheckReply, error)
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	GetCollectionInfo(ctx context.Context, collectionName string) (*qd.CollectionInfo, error)
	CreateCollection(ctx context.Context, request *qd.CreateCollection) error
	DeleteCollection(ctx context.Context, collectionName string) error
	CreateFieldIndex(ctx context.Context, request *qd.CreateFieldIndexCollection) (*qd.UpdateResult, error)
	Upsert(ctx context.Context, request *qd.UpsertPoints) (*qd.UpdateResult, error)
	Query(ctx context.Context, request *qd.QueryPoints) ([]*qd.ScoredPoint, error)
	Close() error
}

// Store implements vector.Store on Qdrant.
type Store struct {
	opts Options

	mu     sync.Mutex
	client api
	owned  bool
}

// New returns a disconnected store.
func New(opts Options) (*Store, error) {
	if opts.Host == "" {
		return nil, errors.New("host is required")
	}
	if opts.Port == 0 {
		opts.Port = 6334
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Store{opts: opts}, nil
}

// newStoreWithAPI wires a pre-built client, for tests.
func newStoreWithAPI(client api) *Store {
	return &Store{opts: Options{Timeout: defaultTimeout}, client: client}
}

var _ vector.Store = (*Store)(nil)

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping checks the gRPC connection.
func (s *Store) Ping(ctx context.Context) error {
	client, err := s.api()
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = client.HealthCheck(ctx)
	return err
}

// Connect dials the server. Idempotent.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	client, err := qd.NewClient(&qd.Config{
		Host:   s.opts.Host,
		Port:   s.opts.Port,
		APIKey: s.opts.APIKey,
		UseTLS: s.opts.UseTLS,
		GrpcOptions: []grpc.DialOption{
			// Search traffic is bursty; keepalives hold the channel
			// open across idle gaps without tripping server limits.
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:    5 * time.Minute,
				Timeout: 10 * time.Second,
			}),
		},
	})
	if err != nil {
		return fmt.Errorf("connect qdrant: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		client.Close()
		return fmt.Errorf("qdrant health check: %w", err)
	}
	s.client = client
	s.owned = true
	return nil
}

// Disconnect closes the connection. Idempotent.
func (s *Store) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	var err error
	if s.owned {
		err = s.client.Close()
	}
	s.client = nil
	s.owned = false
	return err
}

// IsConnected reports connection state.
func (s *Store) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

func (s *Store) api() (api, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, errors.New("not connected")
	}
	return s.client, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.opts.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.Timeout)
}

// EnsureCollection creates the collection when missing and validates the
// live schema otherwise. A mismatched schema is recreated only when
// destructive is set.
func (s *Store) EnsureCollection(ctx context.Context, name string, schema vector.Schema, destructive bool) error {
	client, err := s.api()
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	exists, err := client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("collection exists %s: %w", name, err)
	}
	if exists {
		info, err := client.GetCollectionInfo(ctx, name)
		if err != nil {
			return fmt.Errorf("collection info %s: %w", name, err)
		}
		if liveSchema(info).Equal(schema) {
			return s.ensureIndexes(ctx, client, name)
		}
		if !destructive {
			return fmt.Errorf("collection %s: %w", name, vector.ErrSchemaMismatch)
		}
		if err := client.DeleteCollection(ctx, name); err != nil {
			return fmt.Errorf("delete collection %s: %w", name, err)
		}
	}

	if err := client.CreateCollection(ctx, &qd.CreateCollection{
		CollectionName:      name,
		VectorsConfig:       vectorsConfig(schema),
		SparseVectorsConfig: sparseConfig(schema),
	}); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return s.ensureIndexes(ctx, client, name)
}

func (s *Store) ensureIndexes(ctx context.Context, client api, name string) error {
	fields := []struct {
		name string
		kind qd.FieldType
	}{
		{"session_id", qd.FieldType_FieldTypeKeyword},
		{"type", qd.FieldType_FieldTypeKeyword},
		{"timestamp", qd.FieldType_FieldTypeInteger},
	}
	for _, f := range fields {
		_, err := client.CreateFieldIndex(ctx, &qd.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      f.name,
			FieldType:      f.kind.Enum(),
		})
		if err != nil {
			return fmt.Errorf("index %s.%s: %w", name, f.name, err)
		}
	}
	return nil
}

// Upsert writes points by id, replacing existing points.
func (s *Store) Upsert(ctx context.Context, collection string, points ...vector.Point) error {
	if len(points) == 0 {
		return nil
	}
	client, err := s.api()
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	structs := make([]*qd.PointStruct, len(points))
	for i, p := range points {
		vectors := make(map[string]*qd.Vector, len(p.Dense)+2)
		for field, vec := range p.Dense {
			vectors[field] = qd.NewVector(vec...)
		}
		if p.Sparse != nil {
			vectors[vector.FieldSparse] = qd.NewVectorSparse(p.Sparse.Indices, p.Sparse.Values)
		}
		if len(p.Multi) > 0 {
			vectors[vector.FieldColbert] = qd.NewVectorMulti(p.Multi)
		}
		payload := map[string]any{
			"content":    p.Payload.Content,
			"node_id":    p.Payload.NodeID,
			"session_id": p.Payload.SessionID,
			"type":       p.Payload.Type,
			"timestamp":  p.Payload.Timestamp,
		}
		if p.Payload.FilePath != "" {
			payload["file_path"] = p.Payload.FilePath
		}
		structs[i] = &qd.PointStruct{
			Id:      qd.NewID(p.ID.String()),
			Vectors: qd.NewVectorsMap(vectors),
			Payload: qd.NewValueMap(payload),
		}
	}
	_, err = client.Upsert(ctx, &qd.UpsertPoints{
		CollectionName: collection,
		Points:         structs,
		Wait:           qd.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	return nil
}

// Search runs a dense similarity query over q.Using.
func (s *Store) Search(ctx context.Context, collection string, q vector.Query) ([]vector.Scored, error) {
	if len(q.Dense) == 0 {
		return nil, errors.New("dense query vector is required")
	}
	if q.Using == "" {
		return nil, errors.New("using field is required")
	}
	req := s.baseQuery(collection, q)
	req.Query = qd.NewQueryDense(q.Dense)
	req.Using = qd.PtrOf(q.Using)
	return s.runQuery(ctx, req)
}

// SearchSparse runs a sparse similarity query.
func (s *Store) SearchSparse(ctx context.Context, collection string, q vector.Query) ([]vector.Scored, error) {
	if q.Sparse == nil {
		return nil, errors.New("sparse query vector is required")
	}
	req := s.baseQuery(collection, q)
	req.Query = qd.NewQuerySparse(q.Sparse.Indices, q.Sparse.Values)
	req.Using = qd.PtrOf(vector.FieldSparse)
	return s.runQuery(ctx, req)
}

func (s *Store) baseQuery(collection string, q vector.Query) *qd.QueryPoints {
	req := &qd.QueryPoints{
		CollectionName: collection,
		WithPayload:    qd.NewWithPayload(true),
	}
	if q.Limit > 0 {
		req.Limit = qd.PtrOf(uint64(q.Limit))
	}
	if q.ScoreThreshold != nil {
		req.ScoreThreshold = q.ScoreThreshold
	}
	if f := q.Filter; f != nil {
		var must []*qd.Condition
		if f.SessionID != "" {
			must = append(must, qd.NewMatch("session_id", f.SessionID))
		}
		if f.Type != "" {
			must = append(must, qd.NewMatch("type", f.Type))
		}
		if f.Time != nil {
			rng := &qd.Range{}
			if f.Time.Start != 0 {
				rng.Gte = qd.PtrOf(float64(f.Time.Start))
			}
			if f.Time.End != 0 {
				rng.Lt = qd.PtrOf(float64(f.Time.End))
			}
			must = append(must, qd.NewRange("timestamp", rng))
		}
		if len(must) > 0 {
			req.Filter = &qd.Filter{Must: must}
		}
	}
	return req
}

func (s *Store) runQuery(ctx context.Context, req *qd.QueryPoints) ([]vector.Scored, error) {
	client, err := s.api()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	points, err := client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", req.CollectionName, err)
	}
	hits := make([]vector.Scored, len(points))
	for i, sp := range points {
		hits[i] = vector.Scored{
			ID:      sp.GetId().GetUuid(),
			Score:   sp.GetScore(),
			Payload: payloadFrom(sp.GetPayload()),
		}
	}
	return hits, nil
}

func payloadFrom(values map[string]*qd.Value) vector.Payload {
	return vector.Payload{
		Content:   values["content"].GetStringValue(),
		NodeID:    values["node_id"].GetStringValue(),
		SessionID: values["session_id"].GetStringValue(),
		Type:      values["type"].GetStringValue(),
		Timestamp: values["timestamp"].GetIntegerValue(),
		FilePath:  values["file_path"].GetStringValue(),
	}
}

// vectorsConfig renders the dense and multi-vector layout.
func vectorsConfig(schema vector.Schema) *qd.VectorsConfig {
	params := make(map[string]*qd.VectorParams, len(schema.Dense)+len(schema.Multi))
	for name, p := range schema.Dense {
		params[name] = &qd.VectorParams{
			Size:     uint64(p.Size),
			Distance: qd.Distance_Cosine,
		}
	}
	for name, p := range schema.Multi {
		params[name] = &qd.VectorParams{
			Size:     uint64(p.Size),
			Distance: qd.Distance_Cosine,
			MultivectorConfig: &qd.MultiVectorConfig{
				Comparator: qd.MultiVectorComparator_MaxSim,
			},
		}
	}
	return qd.NewVectorsConfigMap(params)
}

func sparseConfig(schema vector.Schema) *qd.SparseVectorConfig {
	if len(schema.Sparse) == 0 {
		return nil
	}
	params := make(map[string]*qd.SparseVectorParams, len(schema.Sparse))
	for _, name := range schema.Sparse {
		params[name] = &qd.SparseVectorParams{}
	}
	return qd.NewSparseVectorsConfig(params)
}

// liveSchema reconstructs the Schema from a live collection description.
func liveSchema(info *qd.CollectionInfo) vector.Schema {
	s := vector.Schema{}
	params := info.GetConfig().GetParams()
	if m := params.GetVectorsConfig().GetParamsMap().GetMap(); len(m) > 0 {
		for name, vp := range m {
			if vp.GetMultivectorConfig() != nil {
				if s.Multi == nil {
					s.Multi = make(map[string]vector.MultiParams)
				}
				s.Multi[name] = vector.MultiParams{Size: int(vp.GetSize())}
				continue
			}
			if s.Dense == nil {
				s.Dense = make(map[string]vector.DenseParams)
			}
			s.Dense[name] = vector.DenseParams{Size: int(vp.GetSize())}
		}
	}
	if m := params.GetSparseVectorsConfig().GetMap(); len(m) > 0 {
		for name := range m {
			s.Sparse = append(s.Sparse, name)
		}
		sort.Strings(s.Sparse)
	}
	return s
}
