package falkor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	clientsfalkor "github.com/hyperengineering/engram/features/memory/falkor/clients/falkor"
	"github.com/hyperengineering/engram/memory"
	"github.com/hyperengineering/engram/telemetry"
)

// Options configures the FalkorDB memory store.
type Options struct {
	Client clientsfalkor.Client
	Logger telemetry.Logger
}

// Store implements memory.Store on a FalkorDB graph. Every node carries
// the bitemporal quadruple as flat properties; the open version is the
// one with tt_end = EndOfTime. Creates are MERGE-keyed by (id, tt_end)
// so replays are no-ops; corrections close the open version and CREATE
// the next one in a single query.
type Store struct {
	client clientsfalkor.Client
	log    telemetry.Logger
}

var _ memory.Store = (*Store)(nil)

// NewStore returns a Store backed by the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Store{client: opts.Client, log: logger}, nil
}

// NewStoreFromRedis builds the low-level client from client options and
// wraps it in a Store, ensuring indexes exist.
func NewStoreFromRedis(opts clientsfalkor.Options) (*Store, error) {
	client, err := clientsfalkor.New(opts)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(Options{Client: client})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// indexSpecs lists the lookup properties queried by the store. Kept in
// one place so EnsureIndexes and the Cypher below stay in sync.
var indexSpecs = [][2]string{
	{"Session", "id"},
	{"Turn", "id"},
	{"Turn", "session_id"},
	{"Message", "id"},
	{"Reasoning", "id"},
	{"ToolCall", "id"},
	{"ToolCall", "session_id"},
	{"ToolCall", "tool_use_id"},
	{"DiffHunk", "id"},
	{"DiffHunk", "session_id"},
	{"VFSSnapshot", "id"},
	{"VFSSnapshot", "session_id"},
	{"File", "path"},
}

// EnsureIndexes creates the exact-match indexes the store queries rely
// on. Safe to call repeatedly.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, spec := range indexSpecs {
		query := fmt.Sprintf("CREATE INDEX FOR (n:%s) ON (n.%s)", spec[0], spec[1])
		if _, err := s.client.Query(ctx, query, nil); err != nil {
			if isAlreadyIndexed(err) {
				continue
			}
			return fmt.Errorf("create index %s.%s: %w", spec[0], spec[1], err)
		}
	}
	return nil
}

func isAlreadyIndexed(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already indexed") || strings.Contains(msg, "already exists")
}

const ensureSessionQuery = `
MERGE (s:Session {id: $id, tt_end: $eot})
ON CREATE SET s.started_at = $started_at, s.last_event_at = $last_event_at,
  s.title = $title, s.user_id = $user_id, s.preview = $preview,
  s.vt_start = $vt_start, s.vt_end = $vt_end, s.tt_start = $tt_start
ON MATCH SET
  s.last_event_at = CASE WHEN $last_event_at > s.last_event_at THEN $last_event_at ELSE s.last_event_at END,
  s.preview = CASE WHEN $preview = '' THEN s.preview ELSE $preview END,
  s.title = CASE WHEN s.title = '' THEN $title ELSE s.title END`

func (s *Store) EnsureSession(ctx context.Context, sess memory.Session) error {
	_, err := s.client.Query(ctx, ensureSessionQuery, map[string]any{
		"id":            sess.ID.String(),
		"eot":           memory.EndOfTime,
		"started_at":    sess.StartedAt,
		"last_event_at": sess.LastEventAt,
		"title":         sess.Title,
		"user_id":       sess.UserID,
		"preview":       sess.Preview,
		"vt_start":      sess.VTStart,
		"vt_end":        sess.VTEnd,
		"tt_start":      sess.TTStart,
	})
	return err
}

const createTurnQuery = `
MATCH (s:Session {id: $session_id, tt_end: $eot})
MERGE (t:Turn {id: $id, tt_end: $eot})
ON CREATE SET t.session_id = $session_id, t.ordinal = $ordinal, t.role = $role,
  t.summary = '', t.closed_by = '',
  t.vt_start = $vt_start, t.vt_end = $vt_end, t.tt_start = $tt_start
MERGE (s)-[:HAS_TURN]->(t)
RETURN t.id`

func (s *Store) CreateTurn(ctx context.Context, t memory.Turn) error {
	res, err := s.client.Query(ctx, createTurnQuery, map[string]any{
		"id":         t.ID.String(),
		"session_id": t.SessionID.String(),
		"eot":        memory.EndOfTime,
		"ordinal":    t.Ordinal,
		"role":       t.Role,
		"vt_start":   t.VTStart,
		"vt_end":     t.VTEnd,
		"tt_start":   t.TTStart,
	})
	if err != nil {
		return err
	}
	if len(res.Rows) == 0 {
		return memory.ErrSessionNotFound
	}
	return nil
}

const finalizeTurnQuery = `
MATCH (t:Turn {id: $id, tt_end: $eot})
SET t.tt_end = $now
WITH t
CREATE (t2:Turn {id: t.id, session_id: t.session_id, ordinal: t.ordinal,
  role: t.role, summary: $summary, closed_by: $closed_by,
  vt_start: t.vt_start, vt_end: t.vt_end, tt_start: $now, tt_end: $eot})
WITH t, t2
MATCH (s:Session) WHERE s.id = t2.session_id AND s.tt_end = $eot
MERGE (s)-[:HAS_TURN]->(t2)
RETURN t2.id`

func (s *Store) FinalizeTurn(ctx context.Context, turnID uuid.UUID, summary, closedBy string, now time.Time) error {
	res, err := s.client.Query(ctx, finalizeTurnQuery, map[string]any{
		"id":        turnID.String(),
		"eot":       memory.EndOfTime,
		"now":       memory.Millis(now),
		"summary":   summary,
		"closed_by": closedBy,
	})
	if err != nil {
		return err
	}
	if len(res.Rows) == 0 {
		return memory.ErrTurnNotFound
	}
	return nil
}

const latestTurnOrdinalQuery = `
MATCH (t:Turn {session_id: $session_id, tt_end: $eot})
RETURN max(t.ordinal)`

func (s *Store) LatestTurnOrdinal(ctx context.Context, sessionID uuid.UUID) (int, bool, error) {
	res, err := s.client.ReadQuery(ctx, latestTurnOrdinalQuery, map[string]any{
		"session_id": sessionID.String(),
		"eot":        memory.EndOfTime,
	})
	if err != nil {
		return 0, false, err
	}
	if len(res.Rows) == 0 || res.Rows[0][0] == nil {
		return 0, false, nil
	}
	n, ok := res.Rows[0][0].(int64)
	if !ok {
		return 0, false, fmt.Errorf("unexpected ordinal %T", res.Rows[0][0])
	}
	return int(n), true, nil
}

const appendMessageQuery = `
MATCH (t:Turn {id: $turn_id, tt_end: $eot})
MERGE (m:Message {id: $id, tt_end: $eot})
ON CREATE SET m.turn_id = $turn_id, m.session_id = t.session_id, m.role = $role,
  m.text = $text, m.text_ref = $text_ref, m.ord = $ord,
  m.vt_start = $vt_start, m.vt_end = $vt_end, m.tt_start = $tt_start
MERGE (t)-[:HAS_MESSAGE]->(m)
RETURN m.id`

func (s *Store) AppendMessage(ctx context.Context, m memory.Message) error {
	res, err := s.client.Query(ctx, appendMessageQuery, map[string]any{
		"id":       m.ID.String(),
		"turn_id":  m.TurnID.String(),
		"eot":      memory.EndOfTime,
		"role":     m.Role,
		"text":     m.Text,
		"text_ref": m.TextRef,
		"ord":      m.Order,
		"vt_start": m.VTStart,
		"vt_end":   m.VTEnd,
		"tt_start": m.TTStart,
	})
	if err != nil {
		return err
	}
	if len(res.Rows) == 0 {
		return memory.ErrTurnNotFound
	}
	return nil
}

const appendReasoningQuery = `
MATCH (t:Turn {id: $turn_id, tt_end: $eot})
MERGE (r:Reasoning {id: $id, tt_end: $eot})
ON CREATE SET r.turn_id = $turn_id, r.session_id = t.session_id,
  r.text = $text, r.text_ref = $text_ref, r.ord = $ord,
  r.vt_start = $vt_start, r.vt_end = $vt_end, r.tt_start = $tt_start
MERGE (t)-[:HAS_REASONING]->(r)
RETURN r.id`

func (s *Store) AppendReasoning(ctx context.Context, r memory.Reasoning) error {
	res, err := s.client.Query(ctx, appendReasoningQuery, map[string]any{
		"id":       r.ID.String(),
		"turn_id":  r.TurnID.String(),
		"eot":      memory.EndOfTime,
		"text":     r.Text,
		"text_ref": r.TextRef,
		"ord":      r.Order,
		"vt_start": r.VTStart,
		"vt_end":   r.VTEnd,
		"tt_start": r.TTStart,
	})
	if err != nil {
		return err
	}
	if len(res.Rows) == 0 {
		return memory.ErrTurnNotFound
	}
	return nil
}

const createToolCallQuery = `
MATCH (t:Turn {id: $turn_id, tt_end: $eot})
MERGE (tc:ToolCall {id: $id, tt_end: $eot})
ON CREATE SET tc.turn_id = $turn_id, tc.session_id = t.session_id,
  tc.tool_use_id = $tool_use_id, tc.tool_name = $tool_name,
  tc.input = $input, tc.input_ref = $input_ref,
  tc.result = '', tc.result_ref = '', tc.status = $status, tc.file_path = $file_path,
  tc.vt_start = $vt_start, tc.vt_end = $vt_end, tc.tt_start = $tt_start
MERGE (t)-[:HAS_TOOL_CALL]->(tc)
RETURN tc.id`

func (s *Store) CreateToolCall(ctx context.Context, tc memory.ToolCall) error {
	res, err := s.client.Query(ctx, createToolCallQuery, map[string]any{
		"id":          tc.ID.String(),
		"turn_id":     tc.TurnID.String(),
		"eot":         memory.EndOfTime,
		"tool_use_id": tc.ToolUseID,
		"tool_name":   tc.ToolName,
		"input":       tc.Input,
		"input_ref":   tc.InputRef,
		"status":      string(tc.Status),
		"file_path":   tc.FilePath,
		"vt_start":    tc.VTStart,
		"vt_end":      tc.VTEnd,
		"tt_start":    tc.TTStart,
	})
	if err != nil {
		return err
	}
	if len(res.Rows) == 0 {
		return memory.ErrTurnNotFound
	}
	return nil
}

const completeToolCallQuery = `
MATCH (tc:ToolCall {session_id: $session_id, tool_use_id: $tool_use_id, tt_end: $eot})
WHERE tc.status = 'pending'
SET tc.tt_end = $now
WITH tc
CREATE (tc2:ToolCall {id: tc.id, turn_id: tc.turn_id, session_id: tc.session_id,
  tool_use_id: tc.tool_use_id, tool_name: tc.tool_name,
  input: tc.input, input_ref: tc.input_ref,
  result: $result, result_ref: $result_ref, status: $status, file_path: tc.file_path,
  vt_start: tc.vt_start, vt_end: tc.vt_end, tt_start: $now, tt_end: $eot})
WITH tc2
MATCH (t:Turn) WHERE t.id = tc2.turn_id AND t.tt_end = $eot
MERGE (t)-[:HAS_TOOL_CALL]->(tc2)
RETURN tc2.id`

// completedToolCallQuery detects replayed results: the open version
// already carries a terminal status.
const completedToolCallQuery = `
MATCH (tc:ToolCall {session_id: $session_id, tool_use_id: $tool_use_id, tt_end: $eot})
WHERE tc.status <> 'pending'
RETURN tc.id`

func (s *Store) CompleteToolCall(ctx context.Context, sessionID uuid.UUID, toolUseID, result, resultRef string, status memory.ToolCallStatus, now time.Time) (uuid.UUID, error) {
	params := map[string]any{
		"session_id":  sessionID.String(),
		"tool_use_id": toolUseID,
		"eot":         memory.EndOfTime,
		"now":         memory.Millis(now),
		"result":      result,
		"result_ref":  resultRef,
		"status":      string(status),
	}
	res, err := s.client.Query(ctx, completeToolCallQuery, params)
	if err != nil {
		return uuid.Nil, err
	}
	if len(res.Rows) > 0 {
		return rowUUID(res.Rows[0], 0)
	}
	// No pending call: either the result replayed after an earlier
	// correction, or the tool_use was never seen.
	res, err = s.client.ReadQuery(ctx, completedToolCallQuery, map[string]any{
		"session_id":  sessionID.String(),
		"tool_use_id": toolUseID,
		"eot":         memory.EndOfTime,
	})
	if err != nil {
		return uuid.Nil, err
	}
	if len(res.Rows) > 0 {
		return rowUUID(res.Rows[0], 0)
	}
	return uuid.Nil, memory.ErrToolCallNotFound
}

const appendDiffHunkQuery = `
MATCH (t:Turn {id: $turn_id, tt_end: $eot})
MERGE (d:DiffHunk {id: $id, tt_end: $eot})
ON CREATE SET d.turn_id = $turn_id, d.session_id = $session_id,
  d.file_path = $file_path, d.patch_content = $patch_content, d.patch_ref = $patch_ref,
  d.vt_start = $vt_start, d.vt_end = $vt_end, d.tt_start = $tt_start
MERGE (t)-[:HAS_DIFF]->(d)
MERGE (f:File {path: $file_path, session_id: $session_id})
MERGE (d)-[:TOUCHES]->(f)
RETURN d.id`

func (s *Store) AppendDiffHunk(ctx context.Context, d memory.DiffHunk) error {
	res, err := s.client.Query(ctx, appendDiffHunkQuery, map[string]any{
		"id":            d.ID.String(),
		"turn_id":       d.TurnID.String(),
		"session_id":    d.SessionID.String(),
		"eot":           memory.EndOfTime,
		"file_path":     d.FilePath,
		"patch_content": d.PatchContent,
		"patch_ref":     d.PatchRef,
		"vt_start":      d.VTStart,
		"vt_end":        d.VTEnd,
		"tt_start":      d.TTStart,
	})
	if err != nil {
		return err
	}
	if len(res.Rows) == 0 {
		return memory.ErrTurnNotFound
	}
	return nil
}

const saveSnapshotQuery = `
MATCH (s:Session {id: $session_id, tt_end: $eot})
MERGE (v:VFSSnapshot {id: $id})
ON CREATE SET v.session_id = $session_id, v.blob_ref = $blob_ref, v.vt = $vt,
  v.vt_start = $vt_start, v.vt_end = $vt_end, v.tt_start = $tt_start, v.tt_end = $eot
MERGE (s)-[:HAS_SNAPSHOT]->(v)
RETURN v.id`

func (s *Store) SaveSnapshot(ctx context.Context, snap memory.VFSSnapshot) error {
	res, err := s.client.Query(ctx, saveSnapshotQuery, map[string]any{
		"id":         snap.ID.String(),
		"session_id": snap.SessionID.String(),
		"eot":        memory.EndOfTime,
		"blob_ref":   snap.BlobRef,
		"vt":         snap.VT,
		"vt_start":   snap.VTStart,
		"vt_end":     snap.VTEnd,
		"tt_start":   snap.TTStart,
	})
	if err != nil {
		return err
	}
	if len(res.Rows) == 0 {
		return memory.ErrSessionNotFound
	}
	return nil
}

const sessionQuery = `
MATCH (s:Session {id: $id, tt_end: $eot})
RETURN s.started_at, s.last_event_at, s.title, s.user_id, s.preview,
  s.vt_start, s.vt_end, s.tt_start, s.tt_end`

func (s *Store) Session(ctx context.Context, id uuid.UUID) (memory.Session, error) {
	res, err := s.client.ReadQuery(ctx, sessionQuery, map[string]any{
		"id":  id.String(),
		"eot": memory.EndOfTime,
	})
	if err != nil {
		return memory.Session{}, err
	}
	if len(res.Rows) == 0 {
		return memory.Session{}, memory.ErrSessionNotFound
	}
	row := res.Rows[0]
	return memory.Session{
		ID:          id,
		StartedAt:   rowInt64(row, 0),
		LastEventAt: rowInt64(row, 1),
		Title:       rowString(row, 2),
		UserID:      rowString(row, 3),
		Preview:     rowString(row, 4),
		Interval:    rowInterval(row, 5),
	}, nil
}

const turnsQuery = `
MATCH (t:Turn {session_id: $session_id})
WHERE ($as_of <= 0 AND t.tt_end = $eot)
   OR ($as_of > 0 AND t.vt_start <= $as_of AND t.vt_end > $as_of AND t.tt_start <= $as_of AND t.tt_end > $as_of)
RETURN t.id, t.ordinal, t.role, t.summary, t.closed_by,
  t.vt_start, t.vt_end, t.tt_start, t.tt_end
ORDER BY t.ordinal`

func (s *Store) Turns(ctx context.Context, sessionID uuid.UUID, asOf int64) ([]memory.Turn, error) {
	res, err := s.client.ReadQuery(ctx, turnsQuery, map[string]any{
		"session_id": sessionID.String(),
		"eot":        memory.EndOfTime,
		"as_of":      asOf,
	})
	if err != nil {
		return nil, err
	}
	turns := make([]memory.Turn, 0, len(res.Rows))
	for _, row := range res.Rows {
		id, err := rowUUID(row, 0)
		if err != nil {
			return nil, err
		}
		turns = append(turns, memory.Turn{
			ID:        id,
			SessionID: sessionID,
			Ordinal:   int(rowInt64(row, 1)),
			Role:      rowString(row, 2),
			Summary:   rowString(row, 3),
			ClosedBy:  rowString(row, 4),
			Interval:  rowInterval(row, 5),
		})
	}
	return turns, nil
}

const nodeQuery = `
MATCH (n {id: $id})
WHERE n.tt_end = $eot
RETURN n
ORDER BY n.tt_start DESC
LIMIT 1`

func (s *Store) Node(ctx context.Context, id uuid.UUID) (memory.Node, error) {
	res, err := s.client.ReadQuery(ctx, nodeQuery, map[string]any{
		"id":  id.String(),
		"eot": memory.EndOfTime,
	})
	if err != nil {
		return memory.Node{}, err
	}
	if len(res.Rows) == 0 {
		return memory.Node{}, memory.ErrNodeNotFound
	}
	node, ok := res.Rows[0][0].(clientsfalkor.Node)
	if !ok {
		return memory.Node{}, fmt.Errorf("unexpected node cell %T", res.Rows[0][0])
	}
	return nodeFromGraph(id, node)
}

// nodeFromGraph flattens a graph node into the indexer read model.
func nodeFromGraph(id uuid.UUID, n clientsfalkor.Node) (memory.Node, error) {
	if len(n.Labels) == 0 {
		return memory.Node{}, fmt.Errorf("node %s has no label", id)
	}
	kind := memory.Kind(n.Labels[0])
	out := memory.Node{
		ID:        id,
		Kind:      kind,
		FilePath:  propString(n.Props, "file_path"),
		CreatedAt: propInt64(n.Props, "vt_start"),
	}
	if raw := propString(n.Props, "session_id"); raw != "" {
		sid, err := uuid.Parse(raw)
		if err != nil {
			return memory.Node{}, fmt.Errorf("node %s session_id: %w", id, err)
		}
		out.SessionID = sid
	}
	switch kind {
	case memory.KindTurn:
		out.Content = propString(n.Props, "summary")
	case memory.KindMessage, memory.KindReasoning:
		out.Content = propString(n.Props, "text")
		out.ContentRef = propString(n.Props, "text_ref")
	case memory.KindToolCall:
		out.Content = propString(n.Props, "input")
		out.ContentRef = propString(n.Props, "input_ref")
	case memory.KindDiffHunk:
		out.Content = propString(n.Props, "patch_content")
		out.ContentRef = propString(n.Props, "patch_ref")
	default:
		return memory.Node{}, fmt.Errorf("node %s has unsupported label %s", id, kind)
	}
	return out, nil
}

const latestSnapshotQuery = `
MATCH (v:VFSSnapshot {session_id: $session_id, tt_end: $eot})
WHERE v.vt <= $at
RETURN v.id, v.blob_ref, v.vt, v.vt_start, v.vt_end, v.tt_start, v.tt_end
ORDER BY v.vt DESC
LIMIT 1`

func (s *Store) LatestSnapshot(ctx context.Context, sessionID uuid.UUID, at int64) (memory.VFSSnapshot, bool, error) {
	res, err := s.client.ReadQuery(ctx, latestSnapshotQuery, map[string]any{
		"session_id": sessionID.String(),
		"eot":        memory.EndOfTime,
		"at":         at,
	})
	if err != nil {
		return memory.VFSSnapshot{}, false, err
	}
	if len(res.Rows) == 0 {
		return memory.VFSSnapshot{}, false, nil
	}
	row := res.Rows[0]
	id, err := rowUUID(row, 0)
	if err != nil {
		return memory.VFSSnapshot{}, false, err
	}
	return memory.VFSSnapshot{
		ID:        id,
		SessionID: sessionID,
		BlobRef:   rowString(row, 1),
		VT:        rowInt64(row, 2),
		Interval:  rowInterval(row, 3),
	}, true, nil
}

const diffsBetweenQuery = `
MATCH (d:DiffHunk {session_id: $session_id, tt_end: $eot})
WHERE d.vt_start > $after AND d.vt_start <= $up_to
RETURN d.id, d.turn_id, d.file_path, d.patch_content, d.patch_ref,
  d.vt_start, d.vt_end, d.tt_start, d.tt_end
ORDER BY d.vt_start, d.id`

func (s *Store) DiffsBetween(ctx context.Context, sessionID uuid.UUID, after, upTo int64) ([]memory.DiffHunk, error) {
	res, err := s.client.ReadQuery(ctx, diffsBetweenQuery, map[string]any{
		"session_id": sessionID.String(),
		"eot":        memory.EndOfTime,
		"after":      after,
		"up_to":      upTo,
	})
	if err != nil {
		return nil, err
	}
	diffs := make([]memory.DiffHunk, 0, len(res.Rows))
	for _, row := range res.Rows {
		id, err := rowUUID(row, 0)
		if err != nil {
			return nil, err
		}
		turnID, err := rowUUID(row, 1)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, memory.DiffHunk{
			ID:           id,
			TurnID:       turnID,
			SessionID:    sessionID,
			FilePath:     rowString(row, 2),
			PatchContent: rowString(row, 3),
			PatchRef:     rowString(row, 4),
			Interval:     rowInterval(row, 5),
		})
	}
	return diffs, nil
}

// Row scanning helpers. Missing properties come back as nil.

func rowString(row []any, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	s, _ := row[i].(string)
	return s
}

func rowInt64(row []any, i int) int64 {
	if i >= len(row) || row[i] == nil {
		return 0
	}
	n, _ := row[i].(int64)
	return n
}

func rowUUID(row []any, i int) (uuid.UUID, error) {
	s := rowString(row, i)
	if s == "" {
		return uuid.Nil, fmt.Errorf("column %d: missing id", i)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("column %d: %w", i, err)
	}
	return id, nil
}

// rowInterval reads the four interval columns starting at i.
func rowInterval(row []any, i int) memory.Interval {
	return memory.Interval{
		VTStart: rowInt64(row, i),
		VTEnd:   rowInt64(row, i+1),
		TTStart: rowInt64(row, i+2),
		TTEnd:   rowInt64(row, i+3),
	}
}

func propString(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func propInt64(props map[string]any, key string) int64 {
	n, _ := props[key].(int64)
	return n
}
