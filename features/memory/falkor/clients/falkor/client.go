// Package falkor implements the low-level FalkorDB client used by the graph
// store. FalkorDB speaks the Redis protocol; queries are issued as
// GRAPH.QUERY/GRAPH.RO_QUERY commands with the --compact reply format and
// decoded into Go values.
package falkor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/clue/health"
)

const (
	defaultGraph   = "engram"
	defaultTimeout = 5 * time.Second
	clientName     = "memory-falkor"
)

// Client exposes FalkorDB-backed graph operations.
type Client interface {
	health.Pinger

	// Query runs a write query against the graph.
	Query(ctx context.Context, query string, params map[string]any) (Result, error)
	// ReadQuery runs a read-only query, eligible for replica routing.
	ReadQuery(ctx context.Context, query string, params map[string]any) (Result, error)
}

// Result holds a decoded query reply.
type Result struct {
	Columns []string
	Rows    [][]any
	Stats   []string
}

// Node is a graph node cell decoded from a reply.
type Node struct {
	ID     int64
	Labels []string
	Props  map[string]any
}

// Edge is a relationship cell decoded from a reply.
type Edge struct {
	ID    int64
	Type  string
	SrcID int64
	DstID int64
	Props map[string]any
}

// Options configures the FalkorDB client implementation.
type Options struct {
	Redis   redis.UniversalClient
	Graph   string
	Timeout time.Duration
}

type client struct {
	cmd     commander
	graph   string
	timeout time.Duration

	mu       sync.Mutex
	labels   []string
	propKeys []string
	relTypes []string
}

// commander is the seam between the client and the Redis connection so
// tests can script raw replies.
type commander interface {
	Command(ctx context.Context, args ...any) (any, error)
}

type redisCommander struct {
	rdb redis.UniversalClient
}

func (r redisCommander) Command(ctx context.Context, args ...any) (any, error) {
	return r.rdb.Do(ctx, args...).Result()
}

// New returns a Client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return newClientWithCommander(redisCommander{rdb: opts.Redis}, opts.Graph, opts.Timeout), nil
}

func newClientWithCommander(cmd commander, graph string, timeout time.Duration) *client {
	if graph == "" {
		graph = defaultGraph
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{cmd: cmd, graph: graph, timeout: timeout}
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.cmd.Command(ctx, "PING")
	return err
}

func (c *client) Query(ctx context.Context, query string, params map[string]any) (Result, error) {
	return c.run(ctx, "GRAPH.QUERY", query, params)
}

func (c *client) ReadQuery(ctx context.Context, query string, params map[string]any) (Result, error) {
	return c.run(ctx, "GRAPH.RO_QUERY", query, params)
}

func (c *client) run(ctx context.Context, command, query string, params map[string]any) (Result, error) {
	if query == "" {
		return Result{}, errors.New("query is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	full, err := prependParams(query, params)
	if err != nil {
		return Result{}, err
	}
	raw, err := c.cmd.Command(ctx, command, c.graph, full, "--compact")
	if err != nil {
		return Result{}, err
	}
	return c.decodeReply(ctx, raw)
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// prependParams renders params as a CYPHER prefix, keys sorted for a
// stable query string.
func prependParams(query string, params map[string]any) (string, error) {
	if len(params) == 0 {
		return query, nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("CYPHER ")
	for _, k := range keys {
		v, err := formatParam(params[k])
		if err != nil {
			return "", fmt.Errorf("param %q: %w", k, err)
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte(' ')
	}
	b.WriteString(query)
	return b.String(), nil
}

func formatParam(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "null", nil
	case string:
		return quoteString(val), nil
	case bool:
		if val {
			return "true", nil
		}
		return "false", nil
	case int:
		return fmt.Sprintf("%d", val), nil
	case int32:
		return fmt.Sprintf("%d", val), nil
	case int64:
		return fmt.Sprintf("%d", val), nil
	case float64:
		return fmt.Sprintf("%g", val), nil
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			p, err := formatParam(item)
			if err != nil {
				return "", err
			}
			parts[i] = p
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			p, err := formatParam(val[k])
			if err != nil {
				return "", err
			}
			parts[i] = k + ": " + p
		}
		return "{" + strings.Join(parts, ", ") + "}", nil
	case fmt.Stringer:
		return quoteString(val.String()), nil
	default:
		return "", fmt.Errorf("unsupported parameter type %T", v)
	}
}

func quoteString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}
