// Command engram runs the memory service: the ingestion pipeline, the
// retrieval API, and session rehydration in one process.
//
// Backends are chosen by environment variables; every unset group falls
// back to an in-memory implementation, so `engram` with no environment
// runs the complete pipeline for local development.
//
//	ENGRAM_HTTP_ADDR    HTTP listen address (default :8080)
//	NATS_URL            JetStream broker, e.g. nats://localhost:4222
//	REDPANDA_BROKERS    Kafka bootstrap list, e.g. localhost:9092
//	ENGRAM_PARTITIONS   per-topic partition count (default 8)
//	FALKORDB_URL        graph store, e.g. redis://localhost:6379
//	BLOB_STORAGE_PATH   filesystem blob directory
//	GCS_BUCKET          GCS blob bucket (default credentials)
//	S3_BUCKET           S3 blob bucket (default AWS chain)
//	DATABASE_URL        Postgres client registry; enables API-key auth
//	REDIS_URL           pub/sub fan-out and durable session feed
//	QDRANT_ADDR         vector store, host:port
//	EMBEDDINGS_URL      OpenAI-compatible embeddings endpoint
//	EMBEDDINGS_API_KEY  embeddings credential
//	RERANKER_URL        cross-encoder scoring service
//	ANTHROPIC_API_KEY   enables the LLM-listwise rerank tier
//
// Usage:
//
//	engram                          # serve with env-selected backends
//	engram -debug                   # verbose logs
//	engram -register-client ci-bot  # issue an API key and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/engram/telemetry"
)

func main() {
	var (
		httpF     = flag.String("http", "", "HTTP listen address (overrides ENGRAM_HTTP_ADDR)")
		debugF    = flag.Bool("debug", false, "enable debug logs")
		registerF = flag.String("register-client", "", "register a client, print its API key, and exit")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debugF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *httpF, *registerF); err != nil {
		log.Fatalf(ctx, err, "engram exited")
	}
}

func run(ctx context.Context, httpAddr, register string) error {
	cfg := loadConfig()
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	a, err := buildApp(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := a.close(closeCtx, logger); cerr != nil {
			log.Errorf(closeCtx, cerr, "shutdown incomplete")
		}
	}()

	if register != "" {
		if a.registry == nil {
			return errors.New("-register-client requires DATABASE_URL")
		}
		cl, key, err := a.registry.Register(ctx, register)
		if err != nil {
			return fmt.Errorf("register client: %w", err)
		}
		fmt.Printf("registered %s\n  id:  %s\n  key: %s\n", cl.Name, cl.ID, key)
		return nil
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           (&server{app: a, logger: logger}).handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.parser.Run(gctx) })
	g.Go(func() error { return a.aggregator.Run(gctx) })
	g.Go(func() error { return a.indexer.Run(gctx) })
	g.Go(func() error { return monitorConsumers(gctx, a.broker, a.pubsub, logger) })
	g.Go(func() error {
		log.Printf(gctx, "http listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sdCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sdCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Printf(ctx, "engram stopped")
	return nil
}
