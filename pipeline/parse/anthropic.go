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
	// Anthropic parses the Messages SSE stream: message_start opens an
	// assistant message, content_block events accumulate text, thinking,
	// and tool_use blocks by index, and message_stop flushes them. One
	// message is in flight per session, so reassembly is keyed by session
	// alone. Plain message records (the request side) translate directly.
	Anthropic struct {
		buf *buffers[anthropicMessage]
	}

	anthropicMessage struct {
		messageID  string
		model      string
		stopReason string
		inTokens   int
		outTokens  int
		blocks     map[int]*anthropicBlock
	}

	anthropicBlock struct {
		kind      string
		text      string
		thinking  string
		signature string
		toolID    string
		toolName  string
		inputJSON string
	}

	anthropicSSE struct {
		Type    string `json:"type,omitempty"`
		Index   int    `json:"index,omitempty"`
		Message *struct {
			ID    string          `json:"id"`
			Model string          `json:"model"`
			Usage *anthropicUsage `json:"usage"`
		} `json:"message,omitempty"`
		ContentBlock *struct {
			Type string `json:"type"`
			ID   string `json:"id,omitempty"`
			Name string `json:"name,omitempty"`
			Text string `json:"text,omitempty"`
		} `json:"content_block,omitempty"`
		Delta *struct {
			Type        string `json:"type,omitempty"`
			Text        string `json:"text,omitempty"`
			Thinking    string `json:"thinking,omitempty"`
			Signature   string `json:"signature,omitempty"`
			PartialJSON string `json:"partial_json,omitempty"`
			StopReason  string `json:"stop_reason,omitempty"`
		} `json:"delta,omitempty"`
		Usage *anthropicUsage `json:"usage,omitempty"`

		// Plain record fields.
		Role    string          `json:"role,omitempty"`
		Content json.RawMessage `json:"content,omitempty"`
	}

	anthropicUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}
)

var (
	_ Strategy = (*Anthropic)(nil)
	_ Sweeper  = (*Anthropic)(nil)
)

// NewAnthropic creates the strategy with the default reassembly TTL.
func NewAnthropic() *Anthropic {
	return &Anthropic{buf: newBuffers[anthropicMessage](DefaultBufferTTL, time.Now)}
}

// Sweep implements Sweeper.
func (s *Anthropic) Sweep(now time.Time) int { return s.buf.sweep(now) }

// Parse implements Strategy.
func (s *Anthropic) Parse(ctx context.Context, raw event.Raw) ([]event.Event, error) {
	em, err := newEmitter(raw)
	if err != nil {
		return nil, err
	}
	var ev anthropicSSE
	if err := json.Unmarshal(raw.Payload, &ev); err != nil {
		return nil, fmt.Errorf("anthropic: decode event: %w", err)
	}
	session := em.session.String()

	switch ev.Type {
	case "message_start":
		msg := s.buf.get(session, "", newAnthropicMessage)
		if ev.Message != nil {
			msg.messageID = ev.Message.ID
			msg.model = ev.Message.Model
			if ev.Message.Usage != nil {
				msg.inTokens = ev.Message.Usage.InputTokens
			}
		}

	case "content_block_start":
		msg := s.buf.get(session, "", newAnthropicMessage)
		b := &anthropicBlock{}
		if ev.ContentBlock != nil {
			b.kind = ev.ContentBlock.Type
			b.toolID = ev.ContentBlock.ID
			b.toolName = ev.ContentBlock.Name
			b.text = ev.ContentBlock.Text
		}
		msg.blocks[ev.Index] = b

	case "content_block_delta":
		msg := s.buf.get(session, "", newAnthropicMessage)
		b, ok := msg.blocks[ev.Index]
		if !ok {
			b = &anthropicBlock{}
			msg.blocks[ev.Index] = b
		}
		if ev.Delta != nil {
			switch ev.Delta.Type {
			case "text_delta":
				b.text += ev.Delta.Text
				if b.kind == "" {
					b.kind = "text"
				}
			case "thinking_delta":
				b.thinking += ev.Delta.Thinking
				if b.kind == "" {
					b.kind = "thinking"
				}
			case "signature_delta":
				b.signature += ev.Delta.Signature
			case "input_json_delta":
				b.inputJSON += ev.Delta.PartialJSON
				if b.kind == "" {
					b.kind = "tool_use"
				}
			}
		}

	case "content_block_stop":
		// Block complete; nothing to emit until message_stop.

	case "message_delta":
		msg := s.buf.get(session, "", newAnthropicMessage)
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			msg.stopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			msg.outTokens = ev.Usage.OutputTokens
		}

	case "message_stop":
		if msg, ok := s.buf.take(session, ""); ok {
			flushAnthropicMessage(em, msg)
		}

	case "ping", "error":
		// Keep-alives and stream errors carry no memory signal.

	case "":
		if ev.Role == "" {
			return nil, fmt.Errorf("anthropic: payload has neither event type nor role")
		}
		if err := parseAnthropicRecord(em, ev.Role, ev.Content); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("anthropic: unknown event type %q", ev.Type)
	}
	return em.events(), nil
}

func newAnthropicMessage() *anthropicMessage {
	return &anthropicMessage{blocks: make(map[int]*anthropicBlock)}
}

// flushAnthropicMessage emits the message's blocks in index order, then
// the UsageMarker. A tool_use stop reason means the turn continues with
// tool execution, so no marker is emitted for it.
func flushAnthropicMessage(em *emitter, msg *anthropicMessage) {
	indexes := make([]int, 0, len(msg.blocks))
	for i := range msg.blocks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		b := msg.blocks[i]
		switch b.kind {
		case "thinking":
			if b.thinking != "" {
				em.add(event.Reasoning{Base: em.base(), Text: b.thinking, Signature: b.signature})
			}
		case "text":
			if b.text != "" {
				em.add(event.AssistantText{Base: em.base(), MessageID: msg.messageID, Text: b.text})
			}
		case "tool_use":
			input := b.inputJSON
			if input == "" {
				input = "{}"
			}
			em.add(event.ToolUse{
				Base:      em.base(),
				ToolUseID: b.toolID,
				Name:      b.toolName,
				Input:     input,
				FilePath:  filePathOf(input),
			})
		}
	}
	if msg.stopReason != "tool_use" {
		em.add(event.UsageMarker{
			Base:         em.base(),
			InputTokens:  msg.inTokens,
			OutputTokens: msg.outTokens,
			Model:        msg.model,
			StopReason:   msg.stopReason,
		})
	}
}

// parseAnthropicRecord handles request-side message records: user text
// and tool results.
func parseAnthropicRecord(em *emitter, role string, content json.RawMessage) error {
	switch role {
	case "user":
		var text string
		if err := json.Unmarshal(content, &text); err == nil {
			if text != "" {
				em.add(event.UserMessage{Base: em.base(), Text: text})
			}
			return nil
		}
		var blocks []struct {
			Type      string          `json:"type"`
			Text      string          `json:"text,omitempty"`
			ToolUseID string          `json:"tool_use_id,omitempty"`
			Content   json.RawMessage `json:"content,omitempty"`
			IsError   bool            `json:"is_error,omitempty"`
		}
		if err := json.Unmarshal(content, &blocks); err != nil {
			return fmt.Errorf("anthropic: decode user content: %w", err)
		}
		for _, b := range blocks {
			switch b.Type {
			case "text":
				if b.Text != "" {
					em.add(event.UserMessage{Base: em.base(), Text: b.Text})
				}
			case "tool_result":
				text, err := anthropicResultText(b.Content)
				if err != nil {
					return fmt.Errorf("anthropic: decode tool result: %w", err)
				}
				em.add(event.ToolResult{Base: em.base(), ToolUseID: b.ToolUseID, Content: text, IsError: b.IsError})
			}
		}
	case "assistant":
		// Assistant records arrive through the SSE walk; a relayed copy
		// carries nothing new.
	default:
		return fmt.Errorf("anthropic: unknown message role %q", role)
	}
	return nil
}

// anthropicResultText decodes tool_result content, which is a string or a
// list of text blocks.
func anthropicResultText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, blk := range blocks {
		b.WriteString(blk.Text)
	}
	return b.String(), nil
}
