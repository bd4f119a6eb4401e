package qdrant

import (
	"context"
	"testing"

	"github.com/google/uuid"
	qd "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/engram/vector"
)

type fakeAPI struct {
	exists       bool
	info         *qd.CollectionInfo
	created      []*qd.CreateCollection
	deleted      []string
	indexes      []*qd.CreateFieldIndexCollection
	upserts      []*qd.UpsertPoints
	queries      []*qd.QueryPoints
	queryResults []*qd.ScoredPoint
}

func (f *fakeAPI) HealthCheck(context.Context) (*qd.HealthCheckReply, error) {
	return &qd.HealthCheckReply{}, nil
}

func (f *fakeAPI) CollectionExists(context.Context, string) (bool, error) {
	return f.exists, nil
}

func (f *fakeAPI) GetCollectionInfo(context.Context, string) (*qd.CollectionInfo, error) {
	return f.info, nil
}

func (f *fakeAPI) CreateCollection(_ context.Context, req *qd.CreateCollection) error {
	f.created = append(f.created, req)
	return nil
}

func (f *fakeAPI) DeleteCollection(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeAPI) CreateFieldIndex(_ context.Context, req *qd.CreateFieldIndexCollection) (*qd.UpdateResult, error) {
	f.indexes = append(f.indexes, req)
	return &qd.UpdateResult{}, nil
}

func (f *fakeAPI) Upsert(_ context.Context, req *qd.UpsertPoints) (*qd.UpdateResult, error) {
	f.upserts = append(f.upserts, req)
	return &qd.UpdateResult{}, nil
}

func (f *fakeAPI) Query(_ context.Context, req *qd.QueryPoints) ([]*qd.ScoredPoint, error) {
	f.queries = append(f.queries, req)
	return f.queryResults, nil
}

func (f *fakeAPI) Close() error { return nil }

func infoFor(schema vector.Schema) *qd.CollectionInfo {
	return &qd.CollectionInfo{
		Config: &qd.CollectionConfig{
			Params: &qd.CollectionParams{
				VectorsConfig:       vectorsConfig(schema),
				SparseVectorsConfig: sparseConfig(schema),
			},
		},
	}
}

func TestNewRequiresHost(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "host is required")
}

func TestOperationsRequireConnect(t *testing.T) {
	store, err := New(Options{Host: "localhost"})
	require.NoError(t, err)
	require.False(t, store.IsConnected())

	err = store.Upsert(context.Background(), vector.CollectionMemory, vector.Point{ID: uuid.New()})
	require.EqualError(t, err, "not connected")
}

func TestEnsureCollectionCreatesWhenMissing(t *testing.T) {
	fake := &fakeAPI{exists: false}
	store := newStoreWithAPI(fake)

	err := store.EnsureCollection(context.Background(), vector.CollectionMemory, vector.MemorySchema(true), false)
	require.NoError(t, err)
	require.Len(t, fake.created, 1)
	require.Equal(t, vector.CollectionMemory, fake.created[0].CollectionName)
	require.NotNil(t, fake.created[0].SparseVectorsConfig)
	require.Len(t, fake.indexes, 3)
	require.Equal(t, "session_id", fake.indexes[0].FieldName)
}

func TestEnsureCollectionSchemaMatch(t *testing.T) {
	schema := vector.MemorySchema(false)
	fake := &fakeAPI{exists: true, info: infoFor(schema)}
	store := newStoreWithAPI(fake)

	err := store.EnsureCollection(context.Background(), vector.CollectionMemory, schema, false)
	require.NoError(t, err)
	require.Empty(t, fake.created)
	require.Empty(t, fake.deleted)
	require.Len(t, fake.indexes, 3, "payload indexes are still ensured")
}

func TestEnsureCollectionMismatch(t *testing.T) {
	fake := &fakeAPI{exists: true, info: infoFor(vector.MemorySchema(false))}
	store := newStoreWithAPI(fake)

	// Live collection lacks colbert; refusing without destructive.
	err := store.EnsureCollection(context.Background(), vector.CollectionMemory, vector.MemorySchema(true), false)
	require.ErrorIs(t, err, vector.ErrSchemaMismatch)
	require.Empty(t, fake.deleted)

	err = store.EnsureCollection(context.Background(), vector.CollectionMemory, vector.MemorySchema(true), true)
	require.NoError(t, err)
	require.Equal(t, []string{vector.CollectionMemory}, fake.deleted)
	require.Len(t, fake.created, 1)
}

func TestUpsertBuildsNamedVectors(t *testing.T) {
	fake := &fakeAPI{}
	store := newStoreWithAPI(fake)

	id := uuid.New()
	err := store.Upsert(context.Background(), vector.CollectionMemory, vector.Point{
		ID: id,
		Dense: map[string][]float32{
			vector.FieldTextDense: {0.1, 0.2},
		},
		Sparse: &vector.SparseVector{Indices: []uint32{3}, Values: []float32{1}},
		Multi:  [][]float32{{0.5, 0.5}},
		Payload: vector.Payload{
			Content:   "hello",
			NodeID:    id.String(),
			SessionID: "s1",
			Type:      "message",
			Timestamp: 42,
		},
	})
	require.NoError(t, err)
	require.Len(t, fake.upserts, 1)

	req := fake.upserts[0]
	require.Equal(t, vector.CollectionMemory, req.CollectionName)
	require.True(t, *req.Wait)
	require.Len(t, req.Points, 1)

	p := req.Points[0]
	require.Equal(t, id.String(), p.Id.GetUuid())
	vectors := p.Vectors.GetVectors().GetVectors()
	require.Contains(t, vectors, vector.FieldTextDense)
	require.Contains(t, vectors, vector.FieldSparse)
	require.Contains(t, vectors, vector.FieldColbert)
	require.Equal(t, "s1", p.Payload["session_id"].GetStringValue())
	require.Equal(t, int64(42), p.Payload["timestamp"].GetIntegerValue())
}

func TestSearchBuildsFilterAndMapsHits(t *testing.T) {
	id := uuid.New()
	fake := &fakeAPI{queryResults: []*qd.ScoredPoint{{
		Id:    qd.NewID(id.String()),
		Score: 0.87,
		Payload: qd.NewValueMap(map[string]any{
			"content":    "fix the parser",
			"node_id":    id.String(),
			"session_id": "s1",
			"type":       "message",
			"timestamp":  int64(42),
		}),
	}}}
	store := newStoreWithAPI(fake)

	threshold := float32(0.3)
	hits, err := store.Search(context.Background(), vector.CollectionMemory, vector.Query{
		Dense:          []float32{0.1, 0.2},
		Using:          vector.FieldTextDense,
		Limit:          5,
		ScoreThreshold: &threshold,
		Filter: &vector.Filter{
			SessionID: "s1",
			Type:      "message",
			Time:      &vector.TimeRange{Start: 10, End: 100},
		},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, id.String(), hits[0].ID)
	require.Equal(t, float32(0.87), hits[0].Score)
	require.Equal(t, "fix the parser", hits[0].Payload.Content)
	require.Equal(t, int64(42), hits[0].Payload.Timestamp)

	req := fake.queries[0]
	require.Equal(t, vector.FieldTextDense, *req.Using)
	require.Equal(t, uint64(5), *req.Limit)
	require.Equal(t, float32(0.3), *req.ScoreThreshold)
	require.Len(t, req.Filter.Must, 3)
}

func TestSearchSparseUsesSparseField(t *testing.T) {
	fake := &fakeAPI{}
	store := newStoreWithAPI(fake)

	_, err := store.SearchSparse(context.Background(), vector.CollectionMemory, vector.Query{
		Sparse: &vector.SparseVector{Indices: []uint32{1}, Values: []float32{0.5}},
		Limit:  3,
	})
	require.NoError(t, err)
	require.Equal(t, vector.FieldSparse, *fake.queries[0].Using)
}

func TestLiveSchemaRoundTrip(t *testing.T) {
	for _, schema := range []vector.Schema{
		vector.MemorySchema(false),
		vector.MemorySchema(true),
		vector.SessionSchema(),
	} {
		require.True(t, liveSchema(infoFor(schema)).Equal(schema))
	}
}
