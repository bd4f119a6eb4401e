package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/engram/pipeline/event"
)

type (
	// Gemini parses generateContent stream responses plus the request-side
	// records the agent relays. Candidate text parts accumulate per
	// (session, response id) until a finish reason arrives; thought parts
	// accumulate separately into Reasoning. Function calls and responses
	// arrive whole and translate directly.
	Gemini struct {
		buf *buffers[geminiMessage]
	}

	geminiMessage struct {
		text    string
		thought string
	}

	geminiPayload struct {
		ResponseID    string            `json:"responseId,omitempty"`
		ModelVersion  string            `json:"modelVersion,omitempty"`
		Candidates    []geminiCandidate `json:"candidates,omitempty"`
		UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`

		// Request-side record fields.
		Role  string       `json:"role,omitempty"`
		Parts []geminiPart `json:"parts,omitempty"`
	}

	geminiCandidate struct {
		Content struct {
			Role  string       `json:"role"`
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason,omitempty"`
	}

	geminiPart struct {
		Text         string `json:"text,omitempty"`
		Thought      bool   `json:"thought,omitempty"`
		FunctionCall *struct {
			ID   string          `json:"id,omitempty"`
			Name string          `json:"name"`
			Args json.RawMessage `json:"args,omitempty"`
		} `json:"functionCall,omitempty"`
		FunctionResponse *struct {
			ID       string          `json:"id,omitempty"`
			Name     string          `json:"name"`
			Response json.RawMessage `json:"response,omitempty"`
		} `json:"functionResponse,omitempty"`
	}

	geminiUsage struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	}
)

var (
	_ Strategy = (*Gemini)(nil)
	_ Sweeper  = (*Gemini)(nil)
)

// NewGemini creates the strategy with the default reassembly TTL.
func NewGemini() *Gemini {
	return &Gemini{buf: newBuffers[geminiMessage](DefaultBufferTTL, time.Now)}
}

// Sweep implements Sweeper.
func (s *Gemini) Sweep(now time.Time) int { return s.buf.sweep(now) }

// Parse implements Strategy.
func (s *Gemini) Parse(ctx context.Context, raw event.Raw) ([]event.Event, error) {
	em, err := newEmitter(raw)
	if err != nil {
		return nil, err
	}
	var p geminiPayload
	if err := json.Unmarshal(raw.Payload, &p); err != nil {
		return nil, fmt.Errorf("gemini: decode payload: %w", err)
	}
	switch {
	case len(p.Candidates) > 0:
		s.parseCandidates(em, p)
	case p.Role != "":
		if err := parseGeminiRecord(em, p); err != nil {
			return nil, err
		}
	case p.UsageMetadata != nil:
		em.add(usageFromGemini(em, p, ""))
	default:
		return nil, fmt.Errorf("gemini: payload carries neither candidates nor a message record")
	}
	return em.events(), nil
}

func (s *Gemini) parseCandidates(em *emitter, p geminiPayload) {
	session := em.session.String()
	finish := ""
	for _, cand := range p.Candidates {
		msg := s.buf.get(session, p.ResponseID, func() *geminiMessage { return &geminiMessage{} })
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				fc := part.FunctionCall
				input := string(fc.Args)
				if input == "" {
					input = "{}"
				}
				id := fc.ID
				if id == "" {
					id = fc.Name
				}
				em.add(event.ToolUse{
					Base:      em.base(),
					ToolUseID: id,
					Name:      fc.Name,
					Input:     input,
					FilePath:  filePathOf(input),
				})
			case part.Thought:
				msg.thought += part.Text
			default:
				msg.text += part.Text
			}
		}
		if cand.FinishReason != "" {
			finish = cand.FinishReason
		}
	}
	if finish == "" {
		return
	}
	if msg, ok := s.buf.take(session, p.ResponseID); ok {
		if msg.thought != "" {
			em.add(event.Reasoning{Base: em.base(), Text: msg.thought})
		}
		if msg.text != "" {
			em.add(event.AssistantText{Base: em.base(), MessageID: p.ResponseID, Text: msg.text})
		}
	}
	if p.UsageMetadata != nil {
		em.add(usageFromGemini(em, p, finish))
	}
}

func usageFromGemini(em *emitter, p geminiPayload, finish string) event.UsageMarker {
	return event.UsageMarker{
		Base:         em.base(),
		InputTokens:  p.UsageMetadata.PromptTokenCount,
		OutputTokens: p.UsageMetadata.CandidatesTokenCount,
		Model:        p.ModelVersion,
		StopReason:   finish,
	}
}

// parseGeminiRecord handles the request side: user text parts and
// function responses.
func parseGeminiRecord(em *emitter, p geminiPayload) error {
	switch p.Role {
	case "user":
		for _, part := range p.Parts {
			switch {
			case part.FunctionResponse != nil:
				fr := part.FunctionResponse
				id := fr.ID
				if id == "" {
					id = fr.Name
				}
				em.add(event.ToolResult{Base: em.base(), ToolUseID: id, Content: string(fr.Response)})
			case part.Text != "":
				em.add(event.UserMessage{Base: em.base(), Text: part.Text})
			}
		}
	case "model":
		// Model records arrive through the candidate stream.
	default:
		return fmt.Errorf("gemini: unknown record role %q", p.Role)
	}
	return nil
}
