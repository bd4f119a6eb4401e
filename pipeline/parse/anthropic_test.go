package parse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/engram/pipeline/event"
)

func TestAnthropicWalksContentBlocks(t *testing.T) {
	s := NewAnthropic()
	stream := newStream(t, event.ProviderAnthropic)

	events := parseAll(t, s,
		stream.raw(`{"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4","usage":{"input_tokens":25}}}`),
		stream.raw(`{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`),
		stream.raw(`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"let me "}}`),
		stream.raw(`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"check"}}`),
		stream.raw(`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig123"}}`),
		stream.raw(`{"type":"content_block_stop","index":0}`),
		stream.raw(`{"type":"content_block_start","index":1,"content_block":{"type":"text"}}`),
		stream.raw(`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"the answer"}}`),
		stream.raw(`{"type":"content_block_stop","index":1}`),
		stream.raw(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`),
	)
	require.Empty(t, events, "nothing emitted before message_stop")

	events = parseAll(t, s, stream.raw(`{"type":"message_stop"}`))
	require.Equal(t, []event.Type{
		event.TypeReasoning,
		event.TypeAssistantText,
		event.TypeUsageMarker,
	}, kinds(events))

	reasoning := events[0].(event.Reasoning)
	require.Equal(t, "let me check", reasoning.Text)
	require.Equal(t, "sig123", reasoning.Signature)

	text := events[1].(event.AssistantText)
	require.Equal(t, "the answer", text.Text)
	require.Equal(t, "msg_1", text.MessageID)

	usage := events[2].(event.UsageMarker)
	require.Equal(t, 25, usage.InputTokens)
	require.Equal(t, 7, usage.OutputTokens)
	require.Equal(t, "claude-sonnet-4", usage.Model)
	require.Equal(t, "end_turn", usage.StopReason)
}

func TestAnthropicReassemblesToolInput(t *testing.T) {
	s := NewAnthropic()
	stream := newStream(t, event.ProviderAnthropic)

	events := parseAll(t, s,
		stream.raw(`{"type":"message_start","message":{"id":"msg_2","model":"claude-sonnet-4"}}`),
		stream.raw(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"read_file"}}`),
		stream.raw(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"file_path\":"}}`),
		stream.raw(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"cmd/main.go\"}"}}`),
		stream.raw(`{"type":"content_block_stop","index":0}`),
		stream.raw(`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":3}}`),
		stream.raw(`{"type":"message_stop"}`),
	)
	// tool_use stop means the turn continues: no UsageMarker.
	require.Equal(t, []event.Type{event.TypeToolUse}, kinds(events))
	tu := events[0].(event.ToolUse)
	require.Equal(t, "toolu_1", tu.ToolUseID)
	require.Equal(t, "read_file", tu.Name)
	require.JSONEq(t, `{"file_path":"cmd/main.go"}`, tu.Input)
	require.Equal(t, "cmd/main.go", tu.FilePath)
}

func TestAnthropicDefaultsEmptyToolInput(t *testing.T) {
	s := NewAnthropic()
	stream := newStream(t, event.ProviderAnthropic)

	events := parseAll(t, s,
		stream.raw(`{"type":"message_start","message":{"id":"msg_3"}}`),
		stream.raw(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_2","name":"list_files"}}`),
		stream.raw(`{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`),
		stream.raw(`{"type":"message_stop"}`),
	)
	require.Len(t, events, 1)
	require.Equal(t, "{}", events[0].(event.ToolUse).Input)
}

func TestAnthropicIgnoresPings(t *testing.T) {
	s := NewAnthropic()
	stream := newStream(t, event.ProviderAnthropic)
	events := parseAll(t, s, stream.raw(`{"type":"ping"}`))
	require.Empty(t, events)
}

func TestAnthropicRejectsUnknownEventTypes(t *testing.T) {
	s := NewAnthropic()
	stream := newStream(t, event.ProviderAnthropic)
	_, err := s.Parse(context.Background(), stream.raw(`{"type":"mystery_event"}`))
	require.Error(t, err)
}

func TestAnthropicUserRecords(t *testing.T) {
	s := NewAnthropic()
	stream := newStream(t, event.ProviderAnthropic)

	events := parseAll(t, s, stream.raw(`{"role":"user","content":"plain question"}`))
	require.Equal(t, []event.Type{event.TypeUserMessage}, kinds(events))
	require.Equal(t, "plain question", events[0].(event.UserMessage).Text)

	events = parseAll(t, s, stream.raw(`{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"toolu_1","content":[{"type":"text","text":"42 lines"}]}
	]}`))
	require.Equal(t, []event.Type{event.TypeToolResult}, kinds(events))
	tr := events[0].(event.ToolResult)
	require.Equal(t, "toolu_1", tr.ToolUseID)
	require.Equal(t, "42 lines", tr.Content)
	require.False(t, tr.IsError)
}

func TestAnthropicMessageStopWithoutStartIsNoop(t *testing.T) {
	s := NewAnthropic()
	stream := newStream(t, event.ProviderAnthropic)
	events := parseAll(t, s, stream.raw(`{"type":"message_stop"}`))
	require.Empty(t, events)
}
