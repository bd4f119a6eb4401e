package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config collects every environment knob the service reads. Backends are
// selected by which variables are set; anything unset falls back to the
// in-memory sibling so a bare `engram` runs a full single-process
// pipeline.
type Config struct {
	// HTTPAddr is the listen address for the API and health endpoints.
	HTTPAddr string

	// NATSURL selects the JetStream broker backend.
	NATSURL string
	// RedpandaBrokers selects the Kafka broker backend (comma-separated
	// bootstrap list). NATSURL wins when both are set.
	RedpandaBrokers []string
	// Partitions is the per-topic partition count, shared by producers
	// and consumers.
	Partitions int

	// FalkorURL is the FalkorDB (Redis protocol) connection URL.
	FalkorURL string
	// GraphName is the logical graph key inside FalkorDB.
	GraphName string

	// BlobDir selects the filesystem blob store.
	BlobDir string
	// GCSBucket selects the Google Cloud Storage blob store.
	GCSBucket string
	// S3Bucket selects the S3 blob store (credentials from the default
	// AWS chain).
	S3Bucket string

	// DatabaseURL is the Postgres connection string for the client
	// registry. API-key auth is enforced only when set.
	DatabaseURL string

	// RedisURL backs the ephemeral pub/sub fan-out and the durable Pulse
	// session feed.
	RedisURL string

	// QdrantAddr is the Qdrant gRPC endpoint, host:port.
	QdrantAddr   string
	QdrantAPIKey string
	QdrantTLS    bool

	// EmbeddingsProvider forces an embedding backend: "openai",
	// "bedrock", or "hashing". Empty picks openai when EmbeddingsURL or
	// EmbeddingsAPIKey is set, bedrock when AWSRegion is set, and the
	// deterministic hashing embedder otherwise.
	EmbeddingsProvider string
	// EmbeddingsURL points at an OpenAI-compatible embeddings endpoint.
	// Empty targets the OpenAI API.
	EmbeddingsURL       string
	EmbeddingsAPIKey    string
	EmbeddingsTextModel string
	EmbeddingsCodeModel string
	// AWSRegion enables the Bedrock embedder via the default AWS chain.
	AWSRegion string

	// RerankerURL points at the cross-encoder scoring service. Reranking
	// is disabled (searches return fused order) when empty.
	RerankerURL         string
	RerankFastModel     string
	RerankAccurateModel string
	RerankCodeModel     string
	RerankQuantization  string
	// AnthropicAPIKey enables the LLM-listwise tier.
	AnthropicAPIKey string
	// ListwiseModel is the Claude model the listwise tier asks for a
	// permutation.
	ListwiseModel string

	// SessionIdleTimeout is how long a session may sit without a turn
	// before the aggregator finalizes it.
	SessionIdleTimeout time.Duration

	// MigrateDestructive permits dropping and recreating vector
	// collections whose live schema drifted.
	MigrateDestructive bool
	// Colbert enables the late-interaction multi-vector field.
	Colbert bool
}

// loadConfig reads .env when present, then the environment.
func loadConfig() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:        envOr("ENGRAM_HTTP_ADDR", ":8080"),
		NATSURL:         os.Getenv("NATS_URL"),
		RedpandaBrokers: envList("REDPANDA_BROKERS"),
		Partitions:      envIntOr("ENGRAM_PARTITIONS", 8),

		FalkorURL: os.Getenv("FALKORDB_URL"),
		GraphName: envOr("ENGRAM_GRAPH", "engram"),

		BlobDir:   os.Getenv("BLOB_STORAGE_PATH"),
		GCSBucket: os.Getenv("GCS_BUCKET"),
		S3Bucket:  os.Getenv("S3_BUCKET"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		QdrantAddr:   os.Getenv("QDRANT_ADDR"),
		QdrantAPIKey: os.Getenv("QDRANT_API_KEY"),
		QdrantTLS:    envBool("QDRANT_TLS"),

		EmbeddingsProvider:  os.Getenv("EMBEDDINGS_PROVIDER"),
		EmbeddingsURL:       os.Getenv("EMBEDDINGS_URL"),
		EmbeddingsAPIKey:    os.Getenv("EMBEDDINGS_API_KEY"),
		EmbeddingsTextModel: envOr("EMBEDDINGS_TEXT_MODEL", "text-embedding-3-small"),
		EmbeddingsCodeModel: envOr("EMBEDDINGS_CODE_MODEL", "jina-embeddings-v2-base-code"),
		AWSRegion:           os.Getenv("AWS_REGION"),

		RerankerURL:         os.Getenv("RERANKER_URL"),
		RerankFastModel:     envOr("RERANK_FAST_MODEL", "cross-encoder/ms-marco-MiniLM-L-6-v2"),
		RerankAccurateModel: envOr("RERANK_ACCURATE_MODEL", "BAAI/bge-reranker-base"),
		RerankCodeModel:     envOr("RERANK_CODE_MODEL", "jinaai/jina-reranker-v2-base-code"),
		RerankQuantization:  envOr("RERANK_QUANTIZATION", "int8"),
		AnthropicAPIKey:     os.Getenv("ANTHROPIC_API_KEY"),
		ListwiseModel:       envOr("RERANK_LISTWISE_MODEL", "claude-3-5-haiku-latest"),

		SessionIdleTimeout: envDurationOr("ENGRAM_SESSION_IDLE_TIMEOUT", 30*time.Minute),

		MigrateDestructive: envBool("ENGRAM_MIGRATE_DESTRUCTIVE"),
		Colbert:            envBool("ENGRAM_COLBERT"),
	}
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envBool returns true for "1", "true", "yes" (case-insensitive).
func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
