// Package event defines the pipeline's event model: the raw provider
// envelope accepted at the ingestion boundary and the closed sum of typed
// domain events the parser emits. Typed events carry the session id, a
// derived monotonic sequence number, and a causally ordered timestamp so
// downstream consumers can rely on strict per-session order.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/engram/memory"
)

// Provider identifies the vendor format of a raw event payload.
type Provider string

// Known providers. OpenAI, xAI, and Codex-SSE share the OpenAI-family
// chunk format; the rest carry explicit event-typed streams.
const (
	ProviderOpenAI     Provider = "openai"
	ProviderXAI        Provider = "xai"
	ProviderCodexSSE   Provider = "codex-sse"
	ProviderAnthropic  Provider = "anthropic"
	ProviderClaudeCode Provider = "claude-code"
	ProviderGemini     Provider = "gemini"
	ProviderCodex      Provider = "codex"
)

// Known reports whether p is a recognized provider. Unknown providers are
// a validation error at the boundary, never a silent pass-through.
func (p Provider) Known() bool {
	switch p {
	case ProviderOpenAI, ProviderXAI, ProviderCodexSSE, ProviderAnthropic,
		ProviderClaudeCode, ProviderGemini, ProviderCodex:
		return true
	}
	return false
}

type (
	// Headers carries the transport metadata stamped by the emitting agent.
	// SessionID is mandatory.
	Headers struct {
		SessionID  string `json:"x-session-id"`
		WorkingDir string `json:"x-working-dir,omitempty"`
		GitRemote  string `json:"x-git-remote,omitempty"`
		AgentType  string `json:"x-agent-type,omitempty"`
	}

	// Raw is the ingestion envelope: an opaque provider payload plus the
	// identifiers and bitemporal stamps added at acceptance.
	Raw struct {
		memory.Interval
		EventID         uuid.UUID       `json:"event_id"`
		IngestTimestamp time.Time       `json:"ingest_timestamp"`
		Provider        Provider        `json:"provider"`
		Payload         json.RawMessage `json:"payload"`
		Headers         Headers         `json:"headers"`
	}
)

// SessionID parses the session header. The zero UUID and an error come
// back when the header is absent or malformed.
func (r Raw) SessionID() (uuid.UUID, error) {
	return uuid.Parse(r.Headers.SessionID)
}

// Type tags members of the typed event sum.
type Type string

const (
	TypeUserMessage   Type = "user_message"
	TypeAssistantText Type = "assistant_text"
	TypeReasoning     Type = "reasoning"
	TypeToolUse       Type = "tool_use"
	TypeToolResult    Type = "tool_result"
	TypeDiff          Type = "diff"
	TypeUsageMarker   Type = "usage_marker"
	TypeSystemInit    Type = "system_init"
)

type (
	// Event is one member of the typed event sum. Concrete types embed
	// Base; consumers switch on Kind() or type-assert for field access.
	Event interface {
		// Kind returns the sum tag.
		Kind() Type
		// ID returns the deterministic event id (derived from the raw
		// event's id, so re-parsing the same raw event reproduces it).
		ID() uuid.UUID
		// Session returns the session this event belongs to.
		Session() uuid.UUID
		// Seq returns the per-session monotonic sequence number.
		Seq() uint64
		// Timestamp returns the causally ordered time in epoch
		// microseconds: the raw event's ingest timestamp plus an
		// intra-event offset keeping sibling events strictly ordered.
		Timestamp() int64
	}

	// Base implements the Event metadata. Concrete types embed it.
	Base struct {
		EventID   uuid.UUID `json:"event_id"`
		SessionID uuid.UUID `json:"session_id"`
		Sequence  uint64    `json:"seq"`
		TS        int64     `json:"ts"`
		Origin    Provider  `json:"provider"`
	}

	// UserMessage is an end-user utterance. It opens a turn when none is
	// open and implicitly closes the previous turn otherwise.
	UserMessage struct {
		Base
		Text string `json:"text"`
	}

	// AssistantText is assistant output, fully reassembled from streaming
	// deltas by the provider strategy.
	AssistantText struct {
		Base
		MessageID string `json:"message_id,omitempty"`
		Text      string `json:"text"`
	}

	// Reasoning is a thinking block.
	Reasoning struct {
		Base
		Text      string `json:"text"`
		Signature string `json:"signature,omitempty"`
	}

	// ToolUse records a tool invocation request with its reassembled input.
	ToolUse struct {
		Base
		ToolUseID string `json:"tool_use_id"`
		Name      string `json:"name"`
		Input     string `json:"input"`
		FilePath  string `json:"file_path,omitempty"`
	}

	// ToolResult records a tool outcome, matched to its ToolUse by
	// ToolUseID.
	ToolResult struct {
		Base
		ToolUseID string `json:"tool_use_id"`
		Content   string `json:"content"`
		IsError   bool   `json:"is_error,omitempty"`
	}

	// Diff records a code change as a unified diff or search/replace
	// block.
	Diff struct {
		Base
		FilePath  string `json:"file_path"`
		Patch     string `json:"patch"`
		ToolUseID string `json:"tool_use_id,omitempty"`
	}

	// UsageMarker closes an assistant message with its token accounting.
	// The aggregator treats it as a turn-terminal marker.
	UsageMarker struct {
		Base
		InputTokens  int    `json:"input_tokens"`
		OutputTokens int    `json:"output_tokens"`
		Model        string `json:"model,omitempty"`
		StopReason   string `json:"stop_reason,omitempty"`
	}

	// SystemInit announces session-level metadata (working directory,
	// agent type) from providers that emit an init record.
	SystemInit struct {
		Base
		Model      string `json:"model,omitempty"`
		WorkingDir string `json:"working_dir,omitempty"`
		AgentType  string `json:"agent_type,omitempty"`
	}
)

// ID implements Event.
func (b Base) ID() uuid.UUID { return b.EventID }

// Session implements Event.
func (b Base) Session() uuid.UUID { return b.SessionID }

// Seq implements Event.
func (b Base) Seq() uint64 { return b.Sequence }

// Timestamp implements Event.
func (b Base) Timestamp() int64 { return b.TS }

func (UserMessage) Kind() Type   { return TypeUserMessage }
func (AssistantText) Kind() Type { return TypeAssistantText }
func (Reasoning) Kind() Type     { return TypeReasoning }
func (ToolUse) Kind() Type       { return TypeToolUse }
func (ToolResult) Kind() Type    { return TypeToolResult }
func (Diff) Kind() Type          { return TypeDiff }
func (UsageMarker) Kind() Type   { return TypeUsageMarker }
func (SystemInit) Kind() Type    { return TypeSystemInit }

// DeriveID returns the deterministic id of the i-th typed event produced
// from the raw event. SHA-1 UUIDs in the raw id's namespace keep
// re-parsing idempotent end to end.
func DeriveID(rawID uuid.UUID, i int) uuid.UUID {
	return uuid.NewSHA1(rawID, []byte{byte(i >> 8), byte(i)})
}

// DeriveTimestamp returns the causal timestamp of the i-th typed event:
// the ingest time in epoch microseconds plus i, keeping siblings strictly
// ordered without colliding with the next raw event's space.
func DeriveTimestamp(ingest time.Time, i int) int64 {
	return ingest.UnixMicro() + int64(i)
}
