package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/health"

	"github.com/hyperengineering/engram/fault"
	"github.com/hyperengineering/engram/memory"
	"github.com/hyperengineering/engram/retrieval/rerank"
	"github.com/hyperengineering/engram/retrieval/search"
	"github.com/hyperengineering/engram/telemetry"
	"github.com/hyperengineering/engram/vector"
)

// maxEventBytes caps a single raw event body. Larger payloads belong in
// blob storage, not the envelope.
const maxEventBytes = 1 << 20

// server exposes ingestion, retrieval, and rehydration over HTTP.
type server struct {
	app    *app
	logger telemetry.Logger
}

// handler assembles the route table. The /v1 tree requires an API key
// when the registry is wired; health endpoints never do.
func (s *server) handler() http.Handler {
	mux := http.NewServeMux()

	api := http.NewServeMux()
	api.HandleFunc("POST /v1/events", s.handleIngest)
	api.HandleFunc("POST /v1/search", s.handleSearch)
	api.HandleFunc("POST /v1/sessions/search", s.handleSearchSessions)
	api.HandleFunc("GET /v1/sessions/{id}/vfs", s.handleVFS)
	mux.Handle("/v1/", s.requireKey(api))

	mux.Handle("GET /healthz", health.Handler(health.NewChecker(s.app.pingers...)))
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// requireKey authenticates X-API-Key against the client registry and
// stamps the client id as the rerank quota principal. Without a wired
// registry requests pass through anonymously.
func (s *server) requireKey(next http.Handler) http.Handler {
	if s.app.registry == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cl, err := s.app.registry.Authenticate(r.Context(), r.Header.Get("X-API-Key"))
		if err != nil {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}
		ctx := rerank.WithUser(r.Context(), cl.ID.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "event too large"})
		return
	}
	receipt, err := s.app.ingestor.Ingest(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"event_id":   receipt.EventID.String(),
		"session_id": receipt.SessionID.String(),
	})
}

// searchRequest is the wire form of a retrieval query.
type searchRequest struct {
	Query       string  `json:"query"`
	Limit       int     `json:"limit,omitempty"`
	Threshold   float32 `json:"threshold,omitempty"`
	Strategy    string  `json:"strategy,omitempty"`
	SessionID   string  `json:"session_id,omitempty"`
	Type        string  `json:"type,omitempty"`
	After       string  `json:"after,omitempty"`
	Before      string  `json:"before,omitempty"`
	SkipRerank  bool    `json:"skip_rerank,omitempty"`
	RerankTier  string  `json:"rerank_tier,omitempty"`
	RerankDepth int     `json:"rerank_depth,omitempty"`
}

// toQuery maps the wire form onto the engine's query, translating the
// time window to epoch milliseconds.
func (req searchRequest) toQuery() (search.Query, error) {
	q := search.Query{
		Text:        req.Query,
		Limit:       req.Limit,
		Threshold:   req.Threshold,
		Strategy:    search.Strategy(req.Strategy),
		SkipRerank:  req.SkipRerank,
		RerankTier:  rerank.Tier(req.RerankTier),
		RerankDepth: req.RerankDepth,
	}
	var tr *vector.TimeRange
	if req.After != "" || req.Before != "" {
		tr = &vector.TimeRange{}
		if req.After != "" {
			t, err := time.Parse(time.RFC3339, req.After)
			if err != nil {
				return q, fault.Invalid("bad_time", "after", err.Error())
			}
			tr.Start = memory.Millis(t)
		}
		if req.Before != "" {
			t, err := time.Parse(time.RFC3339, req.Before)
			if err != nil {
				return q, fault.Invalid("bad_time", "before", err.Error())
			}
			tr.End = memory.Millis(t)
		}
	}
	if req.SessionID != "" || req.Type != "" || tr != nil {
		q.Filter = &vector.Filter{SessionID: req.SessionID, Type: req.Type, Time: tr}
	}
	return q, nil
}

func (s *server) decodeQuery(w http.ResponseWriter, r *http.Request) (search.Query, bool) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("decode request: %v", err)})
		return search.Query{}, false
	}
	q, err := req.toQuery()
	if err != nil {
		s.writeError(w, r, err)
		return search.Query{}, false
	}
	return q, true
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	resp, err := s.app.engine.Search(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleSearchSessions(w http.ResponseWriter, r *http.Request) {
	q, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	rows, err := s.app.engine.SearchSessions(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": rows})
}

// handleVFS rehydrates a session's file tree at a point in time. With
// ?path= it returns that file's content; with ?list=1 the sorted paths;
// otherwise the full snapshot JSON.
func (s *server) handleVFS(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad session id"})
		return
	}
	at := time.Now()
	if v := r.URL.Query().Get("at"); v != "" {
		if at, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("bad at timestamp: %v", err)})
			return
		}
	}
	vfs, err := s.app.rehydrator.Rehydrate(r.Context(), id, at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if path := r.URL.Query().Get("path"); path != "" {
		content, err := vfs.ReadFile(path)
		if err != nil {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, content)
		return
	}
	if r.URL.Query().Get("list") != "" {
		s.writeJSON(w, http.StatusOK, map[string]any{"files": vfs.List()})
		return
	}
	snap, err := vfs.Snapshot()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Snapshots are pre-gzipped JSON.
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "gzip")
	w.WriteHeader(http.StatusOK)
	w.Write(snap)
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encode failures mean the client went away mid-response.
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain failures onto status codes: validation 400,
// rate limits 429 with Retry-After, unknown sessions 404, upstream HTTP
// failures 502, anything else 500.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *fault.RateLimitError
	var he *fault.HTTPStatusError
	switch {
	case fault.IsValidation(err):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &rl):
		secs := int(time.Until(rl.ResetAt).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		s.writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case errors.Is(err, memory.ErrSessionNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &he):
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": he.Message})
	default:
		s.logger.Error(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
