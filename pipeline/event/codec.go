package event

import (
	"encoding/json"
	"fmt"
)

// wire is the broker envelope for typed events.
type wire struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Marshal encodes a typed event for the broker.
func Marshal(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Kind(), err)
	}
	return json.Marshal(wire{Type: e.Kind(), Data: data})
}

// Unmarshal decodes a broker envelope back into its concrete typed event.
// Unknown type tags are an error: the sum is closed.
func Unmarshal(data []byte) (Event, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	var (
		e   Event
		err error
	)
	switch w.Type {
	case TypeUserMessage:
		e, err = decode[UserMessage](w.Data)
	case TypeAssistantText:
		e, err = decode[AssistantText](w.Data)
	case TypeReasoning:
		e, err = decode[Reasoning](w.Data)
	case TypeToolUse:
		e, err = decode[ToolUse](w.Data)
	case TypeToolResult:
		e, err = decode[ToolResult](w.Data)
	case TypeDiff:
		e, err = decode[Diff](w.Data)
	case TypeUsageMarker:
		e, err = decode[UsageMarker](w.Data)
	case TypeSystemInit:
		e, err = decode[SystemInit](w.Data)
	default:
		return nil, fmt.Errorf("unknown event type %q", w.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", w.Type, err)
	}
	return e, nil
}

func decode[T Event](data json.RawMessage) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
