package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/engram/pipeline/event"
)

type (
	// OpenAI parses the chunk format shared by OpenAI, xAI, and Codex-SSE
	// streams. Assistant deltas accumulate per (session, message id) until
	// a finish_reason closes the message; a usage object, which OpenAI
	// sends on a trailing chunk with empty choices, emits the turn-terminal
	// UsageMarker. Request-side records the agent relays without the chunk
	// envelope (plain user/tool messages) translate directly.
	OpenAI struct {
		buf *buffers[openAIMessage]
	}

	// openAIMessage is one assistant message under reassembly.
	openAIMessage struct {
		model     string
		text      string
		reasoning string
		tools     map[int]*openAIToolAccum
	}

	openAIToolAccum struct {
		id   string
		name string
		args string
	}

	// openAIPayload covers both the streaming chunk shape and plain
	// message records; the populated fields decide which one it is.
	openAIPayload struct {
		ID         string          `json:"id,omitempty"`
		Model      string          `json:"model,omitempty"`
		Role       string          `json:"role,omitempty"`
		Content    json.RawMessage `json:"content,omitempty"`
		ToolCallID string          `json:"tool_call_id,omitempty"`
		Choices    []openAIChoice  `json:"choices,omitempty"`
		Usage      *openAIUsage    `json:"usage,omitempty"`
	}

	openAIChoice struct {
		Delta struct {
			Role             string            `json:"role,omitempty"`
			Content          string            `json:"content,omitempty"`
			ReasoningContent string            `json:"reasoning_content,omitempty"`
			ToolCalls        []openAIToolDelta `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	}

	openAIToolDelta struct {
		Index    int    `json:"index"`
		ID       string `json:"id,omitempty"`
		Function struct {
			Name      string `json:"name,omitempty"`
			Arguments string `json:"arguments,omitempty"`
		} `json:"function"`
	}

	openAIUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	}
)

var (
	_ Strategy = (*OpenAI)(nil)
	_ Sweeper  = (*OpenAI)(nil)
)

// NewOpenAI creates the strategy with the default reassembly TTL.
func NewOpenAI() *OpenAI {
	return &OpenAI{buf: newBuffers[openAIMessage](DefaultBufferTTL, time.Now)}
}

// Sweep implements Sweeper.
func (s *OpenAI) Sweep(now time.Time) int { return s.buf.sweep(now) }

// Parse implements Strategy.
func (s *OpenAI) Parse(ctx context.Context, raw event.Raw) ([]event.Event, error) {
	em, err := newEmitter(raw)
	if err != nil {
		return nil, err
	}
	var p openAIPayload
	if err := json.Unmarshal(raw.Payload, &p); err != nil {
		return nil, fmt.Errorf("openai: decode payload: %w", err)
	}
	switch {
	case len(p.Choices) > 0 || p.Usage != nil:
		s.parseChunk(em, p)
	case p.Role != "":
		if err := parseOpenAIRecord(em, p); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("openai: payload is neither a chunk nor a message record")
	}
	return em.events(), nil
}

func (s *OpenAI) parseChunk(em *emitter, p openAIPayload) {
	session := em.session.String()
	var stop string

	for _, choice := range p.Choices {
		d := choice.Delta
		// User-role deltas are request-side records relayed on the same
		// stream; they arrive whole, never fragmented.
		if d.Role == "user" {
			if d.Content != "" {
				em.add(event.UserMessage{Base: em.base(), Text: d.Content})
			}
			continue
		}

		msg := s.buf.get(session, p.ID, func() *openAIMessage {
			return &openAIMessage{tools: make(map[int]*openAIToolAccum)}
		})
		if p.Model != "" {
			msg.model = p.Model
		}
		msg.text += d.Content
		msg.reasoning += d.ReasoningContent
		for _, tc := range d.ToolCalls {
			acc, ok := msg.tools[tc.Index]
			if !ok {
				acc = &openAIToolAccum{}
				msg.tools[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args += tc.Function.Arguments
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			stop = *choice.FinishReason
		}
	}

	if stop == "" && p.Usage == nil {
		return
	}
	if msg, ok := s.buf.take(session, p.ID); ok {
		flushOpenAIMessage(em, p.ID, msg)
	}
	// The usage object is the turn-terminal marker; a finish_reason alone
	// only closes the assistant message.
	if p.Usage != nil {
		em.add(event.UsageMarker{
			Base:         em.base(),
			InputTokens:  p.Usage.PromptTokens,
			OutputTokens: p.Usage.CompletionTokens,
			Model:        p.Model,
			StopReason:   stop,
		})
	}
}

// flushOpenAIMessage emits the reassembled message: reasoning first, then
// text, then tool calls in index order.
func flushOpenAIMessage(em *emitter, messageID string, msg *openAIMessage) {
	if msg.reasoning != "" {
		em.add(event.Reasoning{Base: em.base(), Text: msg.reasoning})
	}
	if msg.text != "" {
		em.add(event.AssistantText{Base: em.base(), MessageID: messageID, Text: msg.text})
	}
	indexes := make([]int, 0, len(msg.tools))
	for i := range msg.tools {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		acc := msg.tools[i]
		input := acc.args
		if input == "" {
			input = "{}"
		}
		em.add(event.ToolUse{
			Base:      em.base(),
			ToolUseID: acc.id,
			Name:      acc.name,
			Input:     input,
			FilePath:  filePathOf(input),
		})
	}
}

// parseOpenAIRecord handles plain message records: the request side of
// the conversation the agent relays alongside the response stream.
func parseOpenAIRecord(em *emitter, p openAIPayload) error {
	text, err := openAIContentText(p.Content)
	if err != nil {
		return fmt.Errorf("openai: decode %s content: %w", p.Role, err)
	}
	switch p.Role {
	case "user":
		if text != "" {
			em.add(event.UserMessage{Base: em.base(), Text: text})
		}
	case "assistant":
		if text != "" {
			em.add(event.AssistantText{Base: em.base(), MessageID: p.ID, Text: text})
		}
	case "tool":
		em.add(event.ToolResult{Base: em.base(), ToolUseID: p.ToolCallID, Content: text})
	case "system", "developer":
		// Prompt scaffolding, no memory signal.
	default:
		return fmt.Errorf("openai: unknown message role %q", p.Role)
	}
	return nil
}

// openAIContentText decodes a content field that is either a plain string
// or an array of typed parts.
func openAIContentText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String(), nil
}
