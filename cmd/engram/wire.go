package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	gstorage "cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hyperengineering/engram/blob"
	"github.com/hyperengineering/engram/broker"
	"github.com/hyperengineering/engram/embed"
	"github.com/hyperengineering/engram/features/blob/fs"
	blobgcs "github.com/hyperengineering/engram/features/blob/gcs"
	blobinmem "github.com/hyperengineering/engram/features/blob/inmem"
	blobs3 "github.com/hyperengineering/engram/features/blob/s3"
	brokerinmem "github.com/hyperengineering/engram/features/broker/inmem"
	brokerkafka "github.com/hyperengineering/engram/features/broker/kafka"
	brokernats "github.com/hyperengineering/engram/features/broker/nats"
	"github.com/hyperengineering/engram/features/embed/bedrock"
	"github.com/hyperengineering/engram/features/embed/hashing"
	embedopenai "github.com/hyperengineering/engram/features/embed/openai"
	memfalkor "github.com/hyperengineering/engram/features/memory/falkor"
	falkorclient "github.com/hyperengineering/engram/features/memory/falkor/clients/falkor"
	meminmem "github.com/hyperengineering/engram/features/memory/inmem"
	notifyinmem "github.com/hyperengineering/engram/features/notify/inmem"
	notifypulse "github.com/hyperengineering/engram/features/notify/pulse"
	pulseclient "github.com/hyperengineering/engram/features/notify/pulse/clients/pulse"
	pubsubinmem "github.com/hyperengineering/engram/features/pubsub/inmem"
	pubsubredis "github.com/hyperengineering/engram/features/pubsub/redis"
	pgdb "github.com/hyperengineering/engram/features/relational/postgres"
	vecinmem "github.com/hyperengineering/engram/features/vector/inmem"
	vecqdrant "github.com/hyperengineering/engram/features/vector/qdrant"
	"github.com/hyperengineering/engram/memory"
	"github.com/hyperengineering/engram/notify"
	"github.com/hyperengineering/engram/pipeline/aggregate"
	"github.com/hyperengineering/engram/pipeline/index"
	"github.com/hyperengineering/engram/pipeline/ingest"
	"github.com/hyperengineering/engram/pipeline/parse"
	"github.com/hyperengineering/engram/pubsub"
	"github.com/hyperengineering/engram/registry"
	registrypg "github.com/hyperengineering/engram/registry/store/postgres"
	"github.com/hyperengineering/engram/rehydrate"
	"github.com/hyperengineering/engram/retrieval/rerank"
	"github.com/hyperengineering/engram/retrieval/search"
	"github.com/hyperengineering/engram/telemetry"
	"github.com/hyperengineering/engram/vector"
)

// app holds the wired services and the hooks that tear their backends
// down. Fields left nil (registry, rerank cache) mean the matching env
// vars were unset and the feature is off.
type app struct {
	broker     broker.Client
	pubsub     pubsub.Client
	registry   *registry.Registry
	ingestor   *ingest.Service
	parser     *parse.Worker
	aggregator *aggregate.Aggregator
	indexer    *index.Indexer
	engine     *search.Engine
	rehydrator *rehydrate.Service

	pingers []health.Pinger
	closers []closer
}

// closer names a shutdown hook so failures identify their backend.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// close releases backends in reverse construction order.
func (a *app) close(ctx context.Context, logger telemetry.Logger) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			logger.Error(ctx, "close failed", "backend", c.name, "err", err)
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

// buildApp selects backends from cfg and connects them. Every networked
// facade falls back to its in-memory sibling, so an empty environment
// yields a complete single-process pipeline.
func buildApp(ctx context.Context, cfg Config, logger telemetry.Logger, metrics telemetry.Metrics) (*app, error) {
	a := &app{}

	bk, err := a.buildBroker(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	store, err := a.buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	blobs, err := a.buildBlobs(ctx, cfg)
	if err != nil {
		return nil, err
	}
	vectors, err := a.buildVectors(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ps, feed, err := a.buildFanout(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.buildRegistry(ctx, cfg, logger); err != nil {
		return nil, err
	}
	text, code, sparse, err := buildEmbedders(ctx, cfg)
	if err != nil {
		return nil, err
	}
	reranker, err := a.buildReranker(cfg, logger, metrics)
	if err != nil {
		return nil, err
	}

	dedup, err := search.NewDeduplicator(search.DeduplicatorOptions{Vectors: vectors, Text: text})
	if err != nil {
		return nil, fmt.Errorf("init deduplicator: %w", err)
	}

	if a.ingestor, err = ingest.New(ingest.Options{Broker: bk, Logger: logger, Metrics: metrics}); err != nil {
		return nil, fmt.Errorf("init ingestor: %w", err)
	}
	if a.parser, err = parse.NewWorker(parse.WorkerOptions{Broker: bk, Logger: logger, Metrics: metrics}); err != nil {
		return nil, fmt.Errorf("init parser: %w", err)
	}
	if a.aggregator, err = aggregate.New(aggregate.Options{
		Broker:      bk,
		Store:       store,
		Blobs:       blobs,
		PubSub:      ps,
		Feed:        feed,
		Dedup:       dedup,
		Logger:      logger,
		Metrics:     metrics,
		IdleTimeout: cfg.SessionIdleTimeout,
	}); err != nil {
		return nil, fmt.Errorf("init aggregator: %w", err)
	}
	var multi embed.MultiEmbedder
	if cfg.Colbert {
		if multi, err = hashing.NewTokenEmbedder(vector.ColbertDims); err != nil {
			return nil, fmt.Errorf("init colbert embedder: %w", err)
		}
	}
	if a.indexer, err = index.New(index.Options{
		Broker:      bk,
		Store:       store,
		Blobs:       blobs,
		Vectors:     vectors,
		Text:        text,
		Code:        code,
		Sparse:      sparse,
		Multi:       multi,
		Logger:      logger,
		Metrics:     metrics,
		Destructive: cfg.MigrateDestructive,
	}); err != nil {
		return nil, fmt.Errorf("init indexer: %w", err)
	}
	if a.engine, err = search.New(search.Options{
		Vectors:  vectors,
		Text:     text,
		Code:     code,
		Sparse:   sparse,
		Reranker: reranker,
		Logger:   logger,
		Metrics:  metrics,
	}); err != nil {
		return nil, fmt.Errorf("init search engine: %w", err)
	}
	if a.rehydrator, err = rehydrate.New(rehydrate.Options{Store: store, Blobs: blobs, Logger: logger}); err != nil {
		return nil, fmt.Errorf("init rehydrator: %w", err)
	}
	return a, nil
}

func (a *app) buildBroker(ctx context.Context, cfg Config, logger telemetry.Logger) (broker.Client, error) {
	var (
		bk  broker.Client
		err error
	)
	switch {
	case cfg.NATSURL != "":
		bk, err = brokernats.New(brokernats.Options{URL: cfg.NATSURL, Partitions: cfg.Partitions, Logger: logger})
	case len(cfg.RedpandaBrokers) > 0:
		bk, err = brokerkafka.New(brokerkafka.Options{Brokers: cfg.RedpandaBrokers, Partitions: cfg.Partitions, Logger: logger})
	default:
		bk = brokerinmem.New(brokerinmem.Options{Partitions: cfg.Partitions})
	}
	if err != nil {
		return nil, fmt.Errorf("init broker: %w", err)
	}
	if err := bk.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	a.broker = bk
	a.pingers = append(a.pingers, bk)
	a.closers = append(a.closers, closer{"broker", bk.Disconnect})
	return bk, nil
}

func (a *app) buildStore(ctx context.Context, cfg Config, logger telemetry.Logger) (memory.Store, error) {
	if cfg.FalkorURL == "" {
		return meminmem.New(), nil
	}
	ropts, err := goredis.ParseURL(cfg.FalkorURL)
	if err != nil {
		return nil, fmt.Errorf("parse FALKORDB_URL: %w", err)
	}
	rdb := goredis.NewClient(ropts)
	a.closers = append(a.closers, closer{"falkordb", func(context.Context) error { return rdb.Close() }})
	cli, err := falkorclient.New(falkorclient.Options{Redis: rdb, Graph: cfg.GraphName})
	if err != nil {
		return nil, fmt.Errorf("init falkordb client: %w", err)
	}
	st, err := memfalkor.NewStore(memfalkor.Options{Client: cli, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("init graph store: %w", err)
	}
	if err := st.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure graph indexes: %w", err)
	}
	a.pingers = append(a.pingers, cli)
	return st, nil
}

func (a *app) buildBlobs(ctx context.Context, cfg Config) (blob.Store, error) {
	switch {
	case cfg.BlobDir != "":
		st, err := fs.New(fs.Options{Dir: cfg.BlobDir})
		if err != nil {
			return nil, fmt.Errorf("init blob dir: %w", err)
		}
		return st, nil
	case cfg.GCSBucket != "":
		gc, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, closer{"gcs", func(context.Context) error { return gc.Close() }})
		st, err := blobgcs.New(blobgcs.Options{Client: gc, Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs store: %w", err)
		}
		a.pingers = append(a.pingers, st)
		return st, nil
	case cfg.S3Bucket != "":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		st, err := blobs3.New(blobs3.Options{Client: awss3.NewFromConfig(awsCfg), Bucket: cfg.S3Bucket})
		if err != nil {
			return nil, fmt.Errorf("init s3 store: %w", err)
		}
		a.pingers = append(a.pingers, st)
		return st, nil
	default:
		return blobinmem.New(), nil
	}
}

func (a *app) buildVectors(ctx context.Context, cfg Config) (vector.Store, error) {
	var vs vector.Store
	if cfg.QdrantAddr != "" {
		host, port, err := splitAddr(cfg.QdrantAddr, 6334)
		if err != nil {
			return nil, fmt.Errorf("parse QDRANT_ADDR: %w", err)
		}
		if vs, err = vecqdrant.New(vecqdrant.Options{Host: host, Port: port, APIKey: cfg.QdrantAPIKey, UseTLS: cfg.QdrantTLS}); err != nil {
			return nil, fmt.Errorf("init qdrant store: %w", err)
		}
	} else {
		vs = vecinmem.New()
	}
	if err := vs.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect vector store: %w", err)
	}
	a.pingers = append(a.pingers, vs)
	a.closers = append(a.closers, closer{"vectors", vs.Disconnect})
	return vs, nil
}

// buildFanout wires the ephemeral pub/sub client and the durable Pulse
// session feed off a shared Redis connection.
func (a *app) buildFanout(ctx context.Context, cfg Config, logger telemetry.Logger) (pubsub.Client, notify.Sink, error) {
	var (
		ps   pubsub.Client
		feed notify.Sink
	)
	if cfg.RedisURL != "" {
		ropts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := goredis.NewClient(ropts)
		a.closers = append(a.closers, closer{"redis", func(context.Context) error { return rdb.Close() }})
		if ps, err = pubsubredis.New(pubsubredis.Options{Redis: rdb, Logger: logger}); err != nil {
			return nil, nil, fmt.Errorf("init pubsub: %w", err)
		}
		pc, err := pulseclient.New(pulseclient.Options{Redis: rdb})
		if err != nil {
			return nil, nil, fmt.Errorf("init pulse client: %w", err)
		}
		if feed, err = notifypulse.NewSink(notifypulse.Options{Client: pc}); err != nil {
			return nil, nil, fmt.Errorf("init session feed: %w", err)
		}
	} else {
		ps = pubsubinmem.New()
		feed = notifyinmem.New()
	}
	if err := ps.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect pubsub: %w", err)
	}
	a.pubsub = ps
	a.pingers = append(a.pingers, ps)
	a.closers = append(a.closers, closer{"pubsub", ps.Disconnect})
	a.closers = append(a.closers, closer{"feed", func(ctx context.Context) error {
		feed.Close(ctx)
		return nil
	}})
	return ps, feed, nil
}

func (a *app) buildRegistry(ctx context.Context, cfg Config, logger telemetry.Logger) error {
	if cfg.DatabaseURL == "" {
		return nil
	}
	db, err := pgdb.New(pgdb.Options{URI: cfg.DatabaseURL, Logger: logger})
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}
	if err := db.Connect(ctx); err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.pingers = append(a.pingers, db)
	a.closers = append(a.closers, closer{"postgres", db.Disconnect})
	st, err := registrypg.New(registrypg.Options{DB: db})
	if err != nil {
		return fmt.Errorf("init registry store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure registry schema: %w", err)
	}
	if a.registry, err = registry.New(registry.Options{Store: st, Logger: logger}); err != nil {
		return fmt.Errorf("init registry: %w", err)
	}
	return nil
}

// buildEmbedders picks the embedding backend. The sparse encoder is always
// the deterministic hashing encoder so sparse vectors match across
// backends.
func buildEmbedders(ctx context.Context, cfg Config) (text, code embed.Embedder, sparse embed.SparseEncoder, err error) {
	provider := cfg.EmbeddingsProvider
	if provider == "" {
		switch {
		case cfg.EmbeddingsURL != "" || cfg.EmbeddingsAPIKey != "":
			provider = "openai"
		case cfg.AWSRegion != "":
			provider = "bedrock"
		default:
			provider = "hashing"
		}
	}
	switch provider {
	case "openai":
		key := cfg.EmbeddingsAPIKey
		if key == "" {
			if cfg.EmbeddingsURL == "" {
				return nil, nil, nil, errors.New("EMBEDDINGS_API_KEY is required for the openai embedder")
			}
			// Self-hosted OpenAI-compatible servers accept any key.
			key = "unused"
		}
		if text, err = embedopenai.NewFromAPIKey(key, cfg.EmbeddingsURL, cfg.EmbeddingsTextModel, vector.TextDenseDims); err != nil {
			return nil, nil, nil, fmt.Errorf("init text embedder: %w", err)
		}
		if code, err = embedopenai.NewFromAPIKey(key, cfg.EmbeddingsURL, cfg.EmbeddingsCodeModel, vector.CodeDenseDims); err != nil {
			return nil, nil, nil, fmt.Errorf("init code embedder: %w", err)
		}
	case "bedrock":
		if text, err = bedrock.NewFromConfig(ctx, bedrock.Options{Dimensions: vector.TextDenseDims}); err != nil {
			return nil, nil, nil, fmt.Errorf("init text embedder: %w", err)
		}
		if code, err = bedrock.NewFromConfig(ctx, bedrock.Options{Dimensions: vector.CodeDenseDims}); err != nil {
			return nil, nil, nil, fmt.Errorf("init code embedder: %w", err)
		}
	case "hashing":
		if text, err = hashing.NewEmbedder(vector.TextDenseDims); err != nil {
			return nil, nil, nil, fmt.Errorf("init text embedder: %w", err)
		}
		if code, err = hashing.NewEmbedder(vector.CodeDenseDims); err != nil {
			return nil, nil, nil, fmt.Errorf("init code embedder: %w", err)
		}
	default:
		return nil, nil, nil, fmt.Errorf("unknown EMBEDDINGS_PROVIDER %q", provider)
	}
	return text, code, hashing.NewEncoder(), nil
}

// buildReranker wires the tiered rerank service when RERANKER_URL is set.
// Without it searches return fused order.
func (a *app) buildReranker(cfg Config, logger telemetry.Logger, metrics telemetry.Metrics) (*rerank.Service, error) {
	if cfg.RerankerURL == "" {
		return nil, nil
	}
	cache, err := rerank.NewModelCache(rerank.ModelCacheOptions{
		Load: func(ctx context.Context, key rerank.ModelKey) (rerank.Reranker, error) {
			return rerank.NewCrossEncoder(rerank.CrossEncoderOptions{
				Endpoint: cfg.RerankerURL,
				Model:    key.Model,
			})
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init model cache: %w", err)
	}
	a.closers = append(a.closers, closer{"rerank cache", func(context.Context) error {
		cache.Close()
		return nil
	}})

	var listwise rerank.Reranker
	if cfg.AnthropicAPIKey != "" {
		ac := sdk.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
		lw, err := rerank.NewListwise(rerank.ListwiseOptions{
			Client:  &ac.Messages,
			Model:   cfg.ListwiseModel,
			Limiter: rerank.NewLimiter(rerank.LimiterOptions{}),
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init listwise reranker: %w", err)
		}
		listwise = lw
	}

	svc, err := rerank.NewService(rerank.Options{
		Cache:    cache,
		Fast:     rerank.ModelKey{Model: cfg.RerankFastModel, Quantization: cfg.RerankQuantization},
		Accurate: rerank.ModelKey{Model: cfg.RerankAccurateModel, Quantization: cfg.RerankQuantization},
		Code:     rerank.ModelKey{Model: cfg.RerankCodeModel, Quantization: cfg.RerankQuantization},
		Listwise: listwise,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("init rerank service: %w", err)
	}
	return svc, nil
}

// splitAddr parses "host[:port]".
func splitAddr(addr string, defaultPort int) (string, int, error) {
	host, portStr, ok := strings.Cut(addr, ":")
	if host == "" {
		return "", 0, fmt.Errorf("missing host in %q", addr)
	}
	if !ok {
		return host, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("bad port in %q: %w", addr, err)
	}
	return host, port, nil
}
