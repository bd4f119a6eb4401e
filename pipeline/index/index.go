// Package index consumes node-created notifications and maintains the
// vector collections. Each graph node becomes one point whose id equals
// the node id, so redelivered notifications overwrite instead of
// duplicating. Diff and code-artifact nodes embed through the code model
// with chunked mean-pooling; everything else embeds as prefixed passage
// text. Turn notifications additionally refresh the session-summary point
// driving two-stage retrieval.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperengineering/engram/blob"
	"github.com/hyperengineering/engram/broker"
	"github.com/hyperengineering/engram/embed"
	"github.com/hyperengineering/engram/fault"
	"github.com/hyperengineering/engram/memory"
	"github.com/hyperengineering/engram/telemetry"
	"github.com/hyperengineering/engram/vector"
)

type (
	// Options configures the indexer.
	Options struct {
		// Broker delivers node-created notifications. Required.
		Broker broker.Client
		// Store resolves notifications into indexable nodes. Required.
		Store memory.Store
		// Blobs resolves externalized payload refs. Required.
		Blobs blob.Store
		// Vectors is the point store. Required.
		Vectors vector.Store
		// Text embeds prose at 384 dimensions. Required.
		Text embed.Embedder
		// Code embeds patches and code artifacts at 768 dimensions.
		// Required.
		Code embed.Embedder
		// Sparse is the deterministic sparse encoder. Required.
		Sparse embed.SparseEncoder
		// Multi enables the colbert late-interaction field when set.
		Multi embed.MultiEmbedder
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// Retry overrides the upsert retry policy. Defaults to
		// fault.DefaultRetry.
		Retry fault.RetryConfig
		// Destructive permits dropping and recreating a collection whose
		// live schema differs. Off by default: mismatches fail fast.
		Destructive bool
	}

	// Indexer turns graph nodes into vector points. Deliveries are
	// acknowledged only after the upsert completes; notifications that can
	// never index park in dlq.memory so the partition advances.
	Indexer struct {
		broker      broker.Client
		store       memory.Store
		blobs       blob.Store
		vectors     vector.Store
		text        embed.Embedder
		code        embed.Embedder
		sparse      embed.SparseEncoder
		multi       embed.MultiEmbedder
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		retry       fault.RetryConfig
		destructive bool
	}
)

// New creates the indexer and validates embedder dimensions against the
// collection schema.
func New(opts Options) (*Indexer, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("index: broker client is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("index: graph store is required")
	}
	if opts.Blobs == nil {
		return nil, fmt.Errorf("index: blob store is required")
	}
	if opts.Vectors == nil {
		return nil, fmt.Errorf("index: vector store is required")
	}
	if opts.Text == nil {
		return nil, fmt.Errorf("index: text embedder is required")
	}
	if opts.Code == nil {
		return nil, fmt.Errorf("index: code embedder is required")
	}
	if opts.Sparse == nil {
		return nil, fmt.Errorf("index: sparse encoder is required")
	}
	if got := opts.Text.Dimensions(); got != vector.TextDenseDims {
		return nil, fmt.Errorf("index: text embedder returns %d dimensions, schema expects %d", got, vector.TextDenseDims)
	}
	if got := opts.Code.Dimensions(); got != vector.CodeDenseDims {
		return nil, fmt.Errorf("index: code embedder returns %d dimensions, schema expects %d", got, vector.CodeDenseDims)
	}
	if opts.Multi != nil {
		if got := opts.Multi.Dimensions(); got != vector.ColbertDims {
			return nil, fmt.Errorf("index: multi embedder returns %d dimensions, schema expects %d", got, vector.ColbertDims)
		}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fault.DefaultRetry()
	}
	return &Indexer{
		broker:      opts.Broker,
		store:       opts.Store,
		blobs:       opts.Blobs,
		vectors:     opts.Vectors,
		text:        opts.Text,
		code:        opts.Code,
		sparse:      opts.Sparse,
		multi:       opts.Multi,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		retry:       opts.Retry,
		destructive: opts.Destructive,
	}, nil
}

// EnsureCollections creates or verifies both collections. A live schema
// that differs from the expected layout returns vector.ErrSchemaMismatch
// unless destructive migration was requested, in which case the
// collection is dropped and recreated empty.
func (i *Indexer) EnsureCollections(ctx context.Context) error {
	memSchema := vector.MemorySchema(i.multi != nil)
	if err := i.vectors.EnsureCollection(ctx, vector.CollectionMemory, memSchema, i.destructive); err != nil {
		return fmt.Errorf("index: ensure %s: %w", vector.CollectionMemory, err)
	}
	if err := i.vectors.EnsureCollection(ctx, vector.CollectionSessions, vector.SessionSchema(), i.destructive); err != nil {
		return fmt.Errorf("index: ensure %s: %w", vector.CollectionSessions, err)
	}
	return nil
}

// Run ensures the collections, subscribes to the node-created stream and
// blocks until ctx is canceled.
func (i *Indexer) Run(ctx context.Context) error {
	if err := i.EnsureCollections(ctx); err != nil {
		return err
	}
	sub, err := i.broker.Subscribe(ctx, broker.TopicNodesCreated, broker.GroupIndexer, i.Handle)
	if err != nil {
		return fmt.Errorf("index: subscribe %s: %w", broker.TopicNodesCreated, err)
	}
	i.logger.Info(ctx, "indexer started", "topic", broker.TopicNodesCreated, "group", broker.GroupIndexer)
	<-ctx.Done()
	return sub.Unsubscribe(context.Background())
}

// Handle processes one node-created delivery. Exported so single-process
// wiring can drive it without a subscription.
func (i *Indexer) Handle(ctx context.Context, d broker.Delivery) error {
	var n memory.Notification
	if err := json.Unmarshal(d.Value, &n); err != nil {
		return i.deadLetter(ctx, d.Message, fmt.Errorf("decode notification: %w", err))
	}
	if n.Type != memory.NotifyNodeCreated {
		return nil
	}
	if err := i.apply(ctx, n); err != nil {
		if fault.IsValidation(err) || errors.Is(err, blob.ErrNotFound) {
			return i.deadLetter(ctx, d.Message, err)
		}
		// Unacked: upserts are keyed by node id, so redelivery replays
		// them without duplicating points.
		return err
	}
	return nil
}

func (i *Indexer) apply(ctx context.Context, n memory.Notification) error {
	node, err := i.store.Node(ctx, n.NodeID)
	if err != nil {
		if errors.Is(err, memory.ErrNodeNotFound) {
			// Deduplicated away or corrected since the announcement.
			i.logger.Debug(ctx, "node vanished before indexing", "node", n.NodeID)
			i.metrics.IncCounter("index_skipped_total", 1, "reason", "missing")
			return nil
		}
		return fmt.Errorf("resolve node %s: %w", n.NodeID, err)
	}
	content, err := i.resolveContent(ctx, node)
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		i.metrics.IncCounter("index_skipped_total", 1, "reason", "empty")
		return nil
	}

	point, err := i.buildPoint(ctx, node, content)
	if err != nil {
		return err
	}
	if err := i.upsert(ctx, vector.CollectionMemory, point); err != nil {
		return fmt.Errorf("upsert node %s: %w", node.ID, err)
	}
	i.metrics.IncCounter("index_points_total", 1, "kind", string(node.Kind))

	if node.Kind == memory.KindTurn {
		if err := i.refreshSessionSummary(ctx, node, content); err != nil {
			return err
		}
	}
	return nil
}

// resolveContent returns the node's inline content, loading the blob ref
// when the payload was externalized.
func (i *Indexer) resolveContent(ctx context.Context, node memory.Node) (string, error) {
	if node.Content != "" || node.ContentRef == "" {
		return node.Content, nil
	}
	var data []byte
	err := fault.Retry(ctx, i.retry, func(ctx context.Context) error {
		var err error
		data, err = i.blobs.Load(ctx, node.ContentRef)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("load payload %s: %w", node.ContentRef, err)
	}
	return string(data), nil
}

// buildPoint embeds the content along the kind-appropriate path and
// assembles the upsert unit.
func (i *Indexer) buildPoint(ctx context.Context, node memory.Node, content string) (vector.Point, error) {
	dense := make(map[string][]float32, 1)
	if node.Kind.Code() {
		chunks := embed.Chunk(content, embed.CodeChunkSize, embed.CodeChunkOverlap, embed.CodeMaxChunks)
		vecs, err := i.code.Embed(ctx, chunks)
		if err != nil {
			return vector.Point{}, fmt.Errorf("embed code %s: %w", node.ID, err)
		}
		dense[vector.FieldCodeDense] = embed.L2Normalize(embed.MeanPool(vecs))
	} else {
		vecs, err := i.text.Embed(ctx, []string{embed.PrefixPassage + content})
		if err != nil {
			return vector.Point{}, fmt.Errorf("embed text %s: %w", node.ID, err)
		}
		dense[vector.FieldTextDense] = vecs[0]
	}

	sparse := i.sparse.Encode(content)
	point := vector.Point{
		ID:     node.ID,
		Dense:  dense,
		Sparse: &sparse,
		Payload: vector.Payload{
			Content:   content,
			NodeID:    node.ID.String(),
			SessionID: node.SessionID.String(),
			Type:      contentType(node.Kind),
			Timestamp: node.CreatedAt,
			FilePath:  node.FilePath,
		},
	}
	if i.multi != nil {
		tokens, err := i.multi.EmbedTokens(ctx, content)
		if err != nil {
			return vector.Point{}, fmt.Errorf("embed tokens %s: %w", node.ID, err)
		}
		point.Multi = tokens
	}
	return point, nil
}

// refreshSessionSummary rebuilds the session's point in the summary
// collection from its title, preview, and the newest turn summary. The
// point id is the session id, so each refresh replaces the last.
func (i *Indexer) refreshSessionSummary(ctx context.Context, node memory.Node, turnSummary string) error {
	sess, err := i.store.Session(ctx, node.SessionID)
	if err != nil {
		if errors.Is(err, memory.ErrSessionNotFound) {
			i.logger.Debug(ctx, "session vanished before summary refresh", "session", node.SessionID)
			return nil
		}
		return fmt.Errorf("resolve session %s: %w", node.SessionID, err)
	}
	summary := sessionSummaryText(sess, turnSummary)
	if summary == "" {
		return nil
	}
	vecs, err := i.text.Embed(ctx, []string{embed.PrefixPassage + summary})
	if err != nil {
		return fmt.Errorf("embed session summary %s: %w", sess.ID, err)
	}
	sparse := i.sparse.Encode(summary)
	point := vector.Point{
		ID:     sess.ID,
		Dense:  map[string][]float32{vector.FieldTextDense: vecs[0]},
		Sparse: &sparse,
		Payload: vector.Payload{
			Content:   summary,
			NodeID:    sess.ID.String(),
			SessionID: sess.ID.String(),
			Type:      vector.TypeSession,
			Timestamp: node.CreatedAt,
		},
	}
	if err := i.upsert(ctx, vector.CollectionSessions, point); err != nil {
		return fmt.Errorf("upsert session summary %s: %w", sess.ID, err)
	}
	i.metrics.IncCounter("index_sessions_refreshed_total", 1)
	return nil
}

// upsert writes one point under the retry policy.
func (i *Indexer) upsert(ctx context.Context, collection string, point vector.Point) error {
	return fault.Retry(ctx, i.retry, func(ctx context.Context) error {
		return i.vectors.Upsert(ctx, collection, point)
	})
}

// deadLetter parks the notification with error context and acknowledges
// it so the partition advances past the poison pill.
func (i *Indexer) deadLetter(ctx context.Context, m broker.Message, cause error) error {
	i.logger.Warn(ctx, "dead-lettering notification", "key", m.Key, "err", cause)
	dead := m
	headers := make(map[string]string, len(m.Headers)+3)
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers[broker.HeaderDeadLetterStage] = "index"
	headers[broker.HeaderDeadLetterError] = cause.Error()
	headers[broker.HeaderDeadLetterTopic] = broker.TopicNodesCreated
	dead.Headers = headers
	if err := fault.Retry(ctx, i.retry, func(ctx context.Context) error {
		return i.broker.Publish(ctx, broker.TopicDLQMemory, dead)
	}); err != nil {
		return errors.Join(cause, err)
	}
	i.metrics.IncCounter("index_dead_lettered_total", 1)
	return nil
}

// contentType maps a node kind onto the payload type facet.
func contentType(kind memory.Kind) string {
	switch {
	case kind == memory.KindReasoning:
		return vector.TypeThought
	case kind.Code():
		return vector.TypeCode
	default:
		return vector.TypeDoc
	}
}

// sessionSummaryText joins the session's searchable surfaces: title,
// preview, and the latest turn summary, skipping repeats.
func sessionSummaryText(sess memory.Session, turnSummary string) string {
	var parts []string
	for _, s := range []string{sess.Title, sess.Preview, turnSummary} {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		dup := false
		for _, seen := range parts {
			if seen == s {
				dup = true
				break
			}
		}
		if !dup {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}
