package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/engram/pipeline/event"
)

type (
	// ClaudeCode parses the claude-code stream-json format: whole messages
	// per record, tool results carried on user records, and a final result
	// record with session accounting. Results of file-mutating tools (Edit,
	// MultiEdit, Write) synthesize Diff events whose patches are the
	// search/replace blocks the rehydrator applies, so code changes are
	// replayable. Tool inputs are remembered until their result arrives;
	// abandoned ones are evicted with the reassembly TTL.
	ClaudeCode struct {
		pending *buffers[pendingTool]
	}

	// pendingTool is a tool_use awaiting its result.
	pendingTool struct {
		name  string
		input string
	}

	claudeCodeRecord struct {
		Type    string             `json:"type"`
		Subtype string             `json:"subtype,omitempty"`
		Message *claudeCodeMessage `json:"message,omitempty"`
		CWD     string             `json:"cwd,omitempty"`
		Model   string             `json:"model,omitempty"`
		Usage   *claudeCodeUsage   `json:"usage,omitempty"`
	}

	claudeCodeMessage struct {
		ID      string          `json:"id,omitempty"`
		Model   string          `json:"model,omitempty"`
		Role    string          `json:"role,omitempty"`
		Content json.RawMessage `json:"content"`
	}

	claudeCodeUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	claudeCodeBlock struct {
		Type      string          `json:"type"`
		Text      string          `json:"text,omitempty"`
		Thinking  string          `json:"thinking,omitempty"`
		Signature string          `json:"signature,omitempty"`
		ID        string          `json:"id,omitempty"`
		Name      string          `json:"name,omitempty"`
		Input     json.RawMessage `json:"input,omitempty"`
		ToolUseID string          `json:"tool_use_id,omitempty"`
		Content   json.RawMessage `json:"content,omitempty"`
		IsError   bool            `json:"is_error,omitempty"`
	}
)

var (
	_ Strategy = (*ClaudeCode)(nil)
	_ Sweeper  = (*ClaudeCode)(nil)
)

// NewClaudeCode creates the strategy with the default pending-tool TTL.
func NewClaudeCode() *ClaudeCode {
	return &ClaudeCode{pending: newBuffers[pendingTool](DefaultBufferTTL, time.Now)}
}

// Sweep implements Sweeper.
func (s *ClaudeCode) Sweep(now time.Time) int { return s.pending.sweep(now) }

// Parse implements Strategy.
func (s *ClaudeCode) Parse(ctx context.Context, raw event.Raw) ([]event.Event, error) {
	em, err := newEmitter(raw)
	if err != nil {
		return nil, err
	}
	var rec claudeCodeRecord
	if err := json.Unmarshal(raw.Payload, &rec); err != nil {
		return nil, fmt.Errorf("claude-code: decode record: %w", err)
	}

	switch rec.Type {
	case "system":
		if rec.Subtype == "init" {
			em.add(event.SystemInit{
				Base:       em.base(),
				Model:      rec.Model,
				WorkingDir: rec.CWD,
				AgentType:  "claude-code",
			})
		}

	case "user":
		if rec.Message == nil {
			return nil, fmt.Errorf("claude-code: user record without message")
		}
		if err := s.parseUser(em, rec.Message.Content); err != nil {
			return nil, err
		}

	case "assistant":
		if rec.Message == nil {
			return nil, fmt.Errorf("claude-code: assistant record without message")
		}
		if err := s.parseAssistant(em, rec.Message); err != nil {
			return nil, err
		}

	case "result":
		marker := event.UsageMarker{Base: em.base(), StopReason: rec.Subtype}
		if rec.Usage != nil {
			marker.InputTokens = rec.Usage.InputTokens
			marker.OutputTokens = rec.Usage.OutputTokens
		}
		em.add(marker)

	case "progress", "stream_event", "control_request", "control_response":
		// Transport chatter, no memory signal.

	default:
		return nil, fmt.Errorf("claude-code: unknown record type %q", rec.Type)
	}
	return em.events(), nil
}

// parseUser walks user content: text blocks are user utterances, while
// tool_result blocks complete earlier tool calls. A user record carrying
// only tool results emits no UserMessage, so agentic turns stay open.
func (s *ClaudeCode) parseUser(em *emitter, content json.RawMessage) error {
	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		if text != "" {
			em.add(event.UserMessage{Base: em.base(), Text: text})
		}
		return nil
	}
	var blocks []claudeCodeBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return fmt.Errorf("claude-code: decode user content: %w", err)
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				em.add(event.UserMessage{Base: em.base(), Text: b.Text})
			}
		case "tool_result":
			resultText, err := anthropicResultText(b.Content)
			if err != nil {
				return fmt.Errorf("claude-code: decode tool result: %w", err)
			}
			em.add(event.ToolResult{Base: em.base(), ToolUseID: b.ToolUseID, Content: resultText, IsError: b.IsError})
			s.synthesizeDiffs(em, b.ToolUseID, b.IsError)
		}
	}
	return nil
}

// parseAssistant walks assistant content blocks and remembers tool inputs
// for diff synthesis when their results arrive.
func (s *ClaudeCode) parseAssistant(em *emitter, msg *claudeCodeMessage) error {
	var blocks []claudeCodeBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		var text string
		if err := json.Unmarshal(msg.Content, &text); err != nil {
			return fmt.Errorf("claude-code: decode assistant content: %w", err)
		}
		if text != "" {
			em.add(event.AssistantText{Base: em.base(), MessageID: msg.ID, Text: text})
		}
		return nil
	}
	for _, b := range blocks {
		switch b.Type {
		case "thinking":
			if b.Thinking != "" {
				em.add(event.Reasoning{Base: em.base(), Text: b.Thinking, Signature: b.Signature})
			}
		case "text":
			if b.Text != "" {
				em.add(event.AssistantText{Base: em.base(), MessageID: msg.ID, Text: b.Text})
			}
		case "tool_use":
			input := string(b.Input)
			if input == "" {
				input = "{}"
			}
			em.add(event.ToolUse{
				Base:      em.base(),
				ToolUseID: b.ID,
				Name:      b.Name,
				Input:     input,
				FilePath:  filePathOf(input),
			})
			s.pending.get(em.session.String(), b.ID, func() *pendingTool {
				return &pendingTool{name: b.Name, input: input}
			})
		}
	}
	return nil
}

// synthesizeDiffs turns a successful file-mutating tool call into Diff
// events once its result confirms the change applied.
func (s *ClaudeCode) synthesizeDiffs(em *emitter, toolUseID string, isError bool) {
	p, ok := s.pending.take(em.session.String(), toolUseID)
	if !ok || isError {
		return
	}
	for _, sp := range synthesizePatches(p.name, p.input) {
		em.add(event.Diff{
			Base:      em.base(),
			FilePath:  sp.path,
			Patch:     sp.patch,
			ToolUseID: toolUseID,
		})
	}
}

// synthPatch is one synthesized patch for one file.
type synthPatch struct {
	path  string
	patch string
}

// synthesizePatches converts a file-mutating tool input into
// search/replace patches. Edit becomes a single block, Write a
// file-creation block with an empty search section, MultiEdit one block
// per edit so each stays independently applicable.
func synthesizePatches(tool, input string) []synthPatch {
	switch tool {
	case "Edit":
		var in struct {
			FilePath  string `json:"file_path"`
			OldString string `json:"old_string"`
			NewString string `json:"new_string"`
		}
		if err := json.Unmarshal([]byte(input), &in); err != nil || in.FilePath == "" {
			return nil
		}
		return []synthPatch{{path: in.FilePath, patch: searchReplaceBlock(in.OldString, in.NewString)}}
	case "Write":
		var in struct {
			FilePath string `json:"file_path"`
			Content  string `json:"content"`
		}
		if err := json.Unmarshal([]byte(input), &in); err != nil || in.FilePath == "" {
			return nil
		}
		return []synthPatch{{path: in.FilePath, patch: searchReplaceBlock("", in.Content)}}
	case "MultiEdit":
		var in struct {
			FilePath string `json:"file_path"`
			Edits    []struct {
				OldString string `json:"old_string"`
				NewString string `json:"new_string"`
			} `json:"edits"`
		}
		if err := json.Unmarshal([]byte(input), &in); err != nil || in.FilePath == "" {
			return nil
		}
		patches := make([]synthPatch, 0, len(in.Edits))
		for _, e := range in.Edits {
			patches = append(patches, synthPatch{path: in.FilePath, patch: searchReplaceBlock(e.OldString, e.NewString)})
		}
		return patches
	}
	return nil
}

// searchReplaceBlock renders one search/replace patch. Sections are
// written verbatim followed by a newline before the next marker, so
// section text, trailing newlines included, survives the round trip.
func searchReplaceBlock(search, replace string) string {
	var b strings.Builder
	b.WriteString("<<<<<<< SEARCH\n")
	if search != "" {
		b.WriteString(search)
		b.WriteString("\n")
	}
	b.WriteString("=======\n")
	if replace != "" {
		b.WriteString(replace)
		b.WriteString("\n")
	}
	b.WriteString(">>>>>>> REPLACE")
	return b.String()
}
