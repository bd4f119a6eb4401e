package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hyperengineering/engram/pipeline/event"
)

type (
	// Codex parses Codex CLI item records, which follow the Responses API
	// item shape: whole messages, reasoning summaries, function calls and
	// their outputs, and a turn-completion record with usage. Items arrive
	// whole, so the strategy is stateless.
	Codex struct{}

	codexItem struct {
		Type      string      `json:"type"`
		ID        string      `json:"id,omitempty"`
		Role      string      `json:"role,omitempty"`
		Content   []codexPart `json:"content,omitempty"`
		Summary   []codexPart `json:"summary,omitempty"`
		CallID    string      `json:"call_id,omitempty"`
		Name      string      `json:"name,omitempty"`
		Arguments string      `json:"arguments,omitempty"`
		Output    string      `json:"output,omitempty"`
		Usage     *codexUsage `json:"usage,omitempty"`
	}

	codexPart struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}

	codexUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}
)

var _ Strategy = (*Codex)(nil)

// NewCodex creates the strategy.
func NewCodex() *Codex { return &Codex{} }

// Parse implements Strategy.
func (s *Codex) Parse(ctx context.Context, raw event.Raw) ([]event.Event, error) {
	em, err := newEmitter(raw)
	if err != nil {
		return nil, err
	}
	var item codexItem
	if err := json.Unmarshal(raw.Payload, &item); err != nil {
		return nil, fmt.Errorf("codex: decode item: %w", err)
	}

	switch item.Type {
	case "message":
		text := codexText(item.Content)
		switch item.Role {
		case "user":
			if text != "" {
				em.add(event.UserMessage{Base: em.base(), Text: text})
			}
		case "assistant":
			if text != "" {
				em.add(event.AssistantText{Base: em.base(), MessageID: item.ID, Text: text})
			}
		case "system", "developer":
			// Prompt scaffolding, no memory signal.
		default:
			return nil, fmt.Errorf("codex: unknown message role %q", item.Role)
		}

	case "reasoning":
		if text := codexText(item.Summary); text != "" {
			em.add(event.Reasoning{Base: em.base(), Text: text})
		}

	case "function_call":
		input := item.Arguments
		if input == "" {
			input = "{}"
		}
		em.add(event.ToolUse{
			Base:      em.base(),
			ToolUseID: item.CallID,
			Name:      item.Name,
			Input:     input,
			FilePath:  filePathOf(input),
		})

	case "function_call_output":
		em.add(event.ToolResult{Base: em.base(), ToolUseID: item.CallID, Content: item.Output})

	case "turn.completed":
		marker := event.UsageMarker{Base: em.base(), StopReason: "end_turn"}
		if item.Usage != nil {
			marker.InputTokens = item.Usage.InputTokens
			marker.OutputTokens = item.Usage.OutputTokens
		}
		em.add(marker)

	default:
		return nil, fmt.Errorf("codex: unknown item type %q", item.Type)
	}
	return em.events(), nil
}

func codexText(parts []codexPart) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}
