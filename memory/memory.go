// Package memory defines the bitemporal knowledge-graph model for agent
// sessions: the entities reconstructed from provider event streams
// (sessions, turns, reasoning, tool calls, diff hunks, VFS snapshots), the
// Store contract persisting them, and the notifications emitted after each
// write. Every persisted node and relationship carries a bitemporal
// quadruple; corrections never overwrite, they close the open version and
// append a new one.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EndOfTime is the sentinel for unclosed validity and transaction
// intervals: the last millisecond of year 9999, epoch milliseconds.
const EndOfTime int64 = 253402300799000

// Sentinel errors returned by Store implementations.
var (
	// ErrSessionNotFound is returned when the session id has no open version.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTurnNotFound is returned when the turn id has no open version.
	ErrTurnNotFound = errors.New("turn not found")
	// ErrToolCallNotFound is returned when no open tool call matches the
	// provider tool-use id.
	ErrToolCallNotFound = errors.New("tool call not found")
	// ErrNodeNotFound is returned when a node id resolves to nothing.
	ErrNodeNotFound = errors.New("node not found")
)

// Millis converts a time to epoch milliseconds.
func Millis(t time.Time) int64 { return t.UnixMilli() }

type (
	// Interval is the bitemporal quadruple stamped on every node and
	// relationship. VT is validity in the world, TT is transaction time in
	// the system, both epoch milliseconds. Open ends hold EndOfTime.
	Interval struct {
		VTStart int64 `json:"vt_start"`
		VTEnd   int64 `json:"vt_end"`
		TTStart int64 `json:"tt_start"`
		TTEnd   int64 `json:"tt_end"`
	}

	// Session is the root entity for one agent conversation. Created on the
	// first event of an unseen session id, touched on every event.
	Session struct {
		Interval
		ID          uuid.UUID `json:"id"`
		StartedAt   int64     `json:"started_at"`
		LastEventAt int64     `json:"last_event_at"`
		Title       string    `json:"title"`
		UserID      string    `json:"user_id"`
		Preview     string    `json:"preview"`
	}

	// Turn is one user/assistant exchange. Ordinals are gap-free and
	// increasing from 0 within a session.
	Turn struct {
		Interval
		ID        uuid.UUID `json:"id"`
		SessionID uuid.UUID `json:"session_id"`
		Ordinal   int       `json:"ordinal"`
		Role      string    `json:"role"`
		Summary   string    `json:"summary"`
		ClosedBy  string    `json:"closed_by,omitempty"`
	}

	// Message is a user or assistant utterance inside a turn. Text larger
	// than the externalization threshold lives in the blob store and
	// TextRef holds its content-addressed URI.
	Message struct {
		Interval
		ID      uuid.UUID `json:"id"`
		TurnID  uuid.UUID `json:"turn_id"`
		Role    string    `json:"role"`
		Text    string    `json:"text,omitempty"`
		TextRef string    `json:"text_ref,omitempty"`
		Order   int       `json:"order"`
	}

	// Reasoning is an append-only thinking block inside a turn.
	Reasoning struct {
		Interval
		ID      uuid.UUID `json:"id"`
		TurnID  uuid.UUID `json:"turn_id"`
		Text    string    `json:"text,omitempty"`
		TextRef string    `json:"text_ref,omitempty"`
		Order   int       `json:"order"`
	}

	// ToolCall records a tool invocation. Created on tool_use, corrected
	// exactly once when the matching tool_result arrives.
	ToolCall struct {
		Interval
		ID        uuid.UUID      `json:"id"`
		TurnID    uuid.UUID      `json:"turn_id"`
		ToolUseID string         `json:"tool_use_id"`
		ToolName  string         `json:"tool_name"`
		Input     string         `json:"input,omitempty"`
		InputRef  string         `json:"input_ref,omitempty"`
		Result    string         `json:"result,omitempty"`
		ResultRef string         `json:"result_ref,omitempty"`
		Status    ToolCallStatus `json:"status"`
		FilePath  string         `json:"file_path,omitempty"`
	}

	// DiffHunk is an append-only code change. Hunks participate in VFS
	// reconstruction ordered by VTStart, ties broken by id.
	DiffHunk struct {
		Interval
		ID           uuid.UUID `json:"id"`
		TurnID       uuid.UUID `json:"turn_id"`
		SessionID    uuid.UUID `json:"session_id"`
		FilePath     string    `json:"file_path"`
		PatchContent string    `json:"patch_content,omitempty"`
		PatchRef     string    `json:"patch_ref,omitempty"`
	}

	// VFSSnapshot points at a gzipped JSON directory tree in the blob
	// store. Immutable once written.
	VFSSnapshot struct {
		Interval
		ID        uuid.UUID `json:"id"`
		SessionID uuid.UUID `json:"session_id"`
		BlobRef   string    `json:"blob_ref"`
		VT        int64     `json:"vt"`
	}

	// Node is the read model the indexer consumes: enough of any entity to
	// embed and upsert its vector point.
	Node struct {
		ID         uuid.UUID `json:"id"`
		SessionID  uuid.UUID `json:"session_id"`
		Kind       Kind      `json:"kind"`
		Content    string    `json:"content,omitempty"`
		ContentRef string    `json:"content_ref,omitempty"`
		FilePath   string    `json:"file_path,omitempty"`
		CreatedAt  int64     `json:"created_at"`
	}
)

// NewInterval returns an open interval starting now on both axes.
func NewInterval(now time.Time) Interval {
	ms := Millis(now)
	return Interval{VTStart: ms, VTEnd: EndOfTime, TTStart: ms, TTEnd: EndOfTime}
}

// Open reports whether the version is current on the transaction axis.
func (i Interval) Open() bool { return i.TTEnd == EndOfTime }

// Covers reports whether t falls inside both axes, i.e. the version is
// visible "as of" t.
func (i Interval) Covers(t int64) bool {
	return i.VTStart <= t && t < i.VTEnd && i.TTStart <= t && t < i.TTEnd
}

// CloseTransaction returns a copy closed on the transaction axis. The
// original value is unchanged; stores persist the copy and append the
// corrected version with a fresh open interval.
func (i Interval) CloseTransaction(now time.Time) Interval {
	i.TTEnd = Millis(now)
	return i
}

// ToolCallStatus tracks the lifecycle of a tool invocation.
type ToolCallStatus string

const (
	// ToolCallPending marks a tool_use whose result has not arrived.
	ToolCallPending ToolCallStatus = "pending"
	// ToolCallCompleted marks a tool call with a successful result.
	ToolCallCompleted ToolCallStatus = "completed"
	// ToolCallFailed marks a tool call whose result carried is_error.
	ToolCallFailed ToolCallStatus = "failed"
)

// Kind labels graph nodes. The indexer routes DiffHunk and CodeArtifact
// kinds through the code embedder; everything else is text.
type Kind string

const (
	KindSession      Kind = "Session"
	KindTurn         Kind = "Turn"
	KindMessage      Kind = "Message"
	KindReasoning    Kind = "Reasoning"
	KindToolCall     Kind = "ToolCall"
	KindDiffHunk     Kind = "DiffHunk"
	KindCodeArtifact Kind = "CodeArtifact"
	KindVFSSnapshot  Kind = "VFSSnapshot"
	KindFile         Kind = "File"
)

// Code reports whether content of this kind embeds with the code model.
func (k Kind) Code() bool { return k == KindDiffHunk || k == KindCodeArtifact }

// Store is the bitemporal graph store. Implementations must be safe for
// concurrent use; every write is an idempotent upsert keyed by the node id
// (re-applying the same event produces no new versions). Corrections
// (FinalizeTurn, CompleteToolCall) close the open version on the
// transaction axis and append a new one.
type Store interface {
	// EnsureSession creates the session on first sight and otherwise
	// advances last_event_at and preview. Never duplicates open versions.
	EnsureSession(ctx context.Context, s Session) error

	// CreateTurn upserts a turn keyed by id.
	CreateTurn(ctx context.Context, t Turn) error

	// FinalizeTurn corrects the turn with its summary and close reason.
	// Returns ErrTurnNotFound if no open version exists.
	FinalizeTurn(ctx context.Context, turnID uuid.UUID, summary, closedBy string, now time.Time) error

	// LatestTurnOrdinal returns the highest ordinal recorded for the
	// session. ok is false when the session has no turns yet.
	LatestTurnOrdinal(ctx context.Context, sessionID uuid.UUID) (ordinal int, ok bool, err error)

	// AppendMessage upserts a user or assistant message under its turn.
	AppendMessage(ctx context.Context, m Message) error

	// AppendReasoning upserts a reasoning block under its turn.
	AppendReasoning(ctx context.Context, r Reasoning) error

	// CreateToolCall upserts a pending tool call under its turn.
	CreateToolCall(ctx context.Context, tc ToolCall) error

	// CompleteToolCall corrects the open tool call matched by provider
	// tool-use id within the session, recording result and status. Returns
	// the tool call node id, or ErrToolCallNotFound.
	CompleteToolCall(ctx context.Context, sessionID uuid.UUID, toolUseID, result, resultRef string, status ToolCallStatus, now time.Time) (uuid.UUID, error)

	// AppendDiffHunk upserts a diff hunk under its turn and links it to the
	// touched file.
	AppendDiffHunk(ctx context.Context, d DiffHunk) error

	// SaveSnapshot records a VFS snapshot pointer.
	SaveSnapshot(ctx context.Context, s VFSSnapshot) error

	// Session returns the open version of the session, or
	// ErrSessionNotFound.
	Session(ctx context.Context, id uuid.UUID) (Session, error)

	// Turns lists the session's turns visible as of the given time, ordinal
	// ascending. asOf <= 0 means now.
	Turns(ctx context.Context, sessionID uuid.UUID, asOf int64) ([]Turn, error)

	// Node resolves any entity into the indexer read model, or
	// ErrNodeNotFound.
	Node(ctx context.Context, id uuid.UUID) (Node, error)

	// LatestSnapshot returns the newest snapshot with VT <= at. ok is false
	// when none exists.
	LatestSnapshot(ctx context.Context, sessionID uuid.UUID, at int64) (s VFSSnapshot, ok bool, err error)

	// DiffsBetween lists diff hunks with after < VTStart <= upTo for the
	// session, ordered by VTStart ascending, ties broken by id.
	DiffsBetween(ctx context.Context, sessionID uuid.UUID, after, upTo int64) ([]DiffHunk, error)
}

// NotificationType tags downstream notifications.
type NotificationType string

const (
	// NotifyNodeCreated announces a new graph node to the indexer stream
	// and to session subscribers.
	NotifyNodeCreated NotificationType = "node.created"
	// NotifyTurnFinalized announces turn completion.
	NotifyTurnFinalized NotificationType = "turn.finalized"
)

// Notification is published after each successful graph write: durably to
// the node-created stream the indexer consumes, and ephemerally to the
// session-update pub/sub channels.
type Notification struct {
	Type       NotificationType `json:"type"`
	SessionID  uuid.UUID        `json:"session_id"`
	NodeID     uuid.UUID        `json:"node_id"`
	Kind       Kind             `json:"kind,omitempty"`
	PayloadRef string           `json:"payload_ref,omitempty"`
}
