package parse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/engram/pipeline/event"
	"github.com/hyperengineering/engram/rehydrate"
)

func TestClaudeCodeSystemInit(t *testing.T) {
	s := NewClaudeCode()
	stream := newStream(t, event.ProviderClaudeCode)

	events := parseAll(t, s, stream.raw(`{"type":"system","subtype":"init","cwd":"/work/repo","model":"claude-sonnet-4","session_id":"ignored"}`))
	require.Equal(t, []event.Type{event.TypeSystemInit}, kinds(events))
	init := events[0].(event.SystemInit)
	require.Equal(t, "/work/repo", init.WorkingDir)
	require.Equal(t, "claude-sonnet-4", init.Model)
	require.Equal(t, "claude-code", init.AgentType)

	events = parseAll(t, s, stream.raw(`{"type":"system","subtype":"status"}`))
	require.Empty(t, events)
}

// Mirrors an agentic exchange: a Read tool call then an Edit, both under
// one user turn. The Edit result must synthesize a Diff whose patch the
// rehydrator can apply.
func TestClaudeCodeToolFlowSynthesizesDiff(t *testing.T) {
	s := NewClaudeCode()
	stream := newStream(t, event.ProviderClaudeCode)

	events := parseAll(t, s,
		stream.raw(`{"type":"user","message":{"role":"user","content":"rename the variable"}}`),
		stream.raw(`{"type":"assistant","message":{"id":"m1","role":"assistant","content":[
			{"type":"tool_use","id":"toolu_read","name":"Read","input":{"file_path":"main.go"}}
		]}}`),
		stream.raw(`{"type":"user","message":{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"toolu_read","content":"package main\n\nvar count = 1\n"}
		]}}`),
		stream.raw(`{"type":"assistant","message":{"id":"m2","role":"assistant","content":[
			{"type":"tool_use","id":"toolu_edit","name":"Edit","input":{"file_path":"main.go","old_string":"var count = 1","new_string":"var total = 1"}}
		]}}`),
		stream.raw(`{"type":"user","message":{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"toolu_edit","content":"ok"}
		]}}`),
		stream.raw(`{"type":"result","subtype":"success","usage":{"input_tokens":120,"output_tokens":40}}`),
	)

	require.Equal(t, []event.Type{
		event.TypeUserMessage,
		event.TypeToolUse,
		event.TypeToolResult,
		event.TypeToolUse,
		event.TypeToolResult,
		event.TypeDiff,
		event.TypeUsageMarker,
	}, kinds(events))

	diff := events[5].(event.Diff)
	require.Equal(t, "main.go", diff.FilePath)
	require.Equal(t, "toolu_edit", diff.ToolUseID)

	// The synthesized patch must apply to the file the Read returned.
	vfs := rehydrate.NewVFS()
	require.NoError(t, vfs.WriteFile("main.go", "package main\n\nvar count = 1\n", time.Now()))
	require.NoError(t, rehydrate.NewPatcher().Apply(vfs, diff.FilePath, diff.Patch, time.Now()))
	content, err := vfs.ReadFile("main.go")
	require.NoError(t, err)
	require.Equal(t, "package main\n\nvar total = 1\n", content)

	usage := events[6].(event.UsageMarker)
	require.Equal(t, 120, usage.InputTokens)
	require.Equal(t, 40, usage.OutputTokens)
	require.Equal(t, "success", usage.StopReason)
}

func TestClaudeCodeWriteToolCreatesFilePatch(t *testing.T) {
	s := NewClaudeCode()
	stream := newStream(t, event.ProviderClaudeCode)

	events := parseAll(t, s,
		stream.raw(`{"type":"assistant","message":{"id":"m1","role":"assistant","content":[
			{"type":"tool_use","id":"toolu_w","name":"Write","input":{"file_path":"notes/todo.md","content":"- fix bug\n- add test\n"}}
		]}}`),
		stream.raw(`{"type":"user","message":{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"toolu_w","content":"created"}
		]}}`),
	)
	require.Equal(t, []event.Type{event.TypeToolUse, event.TypeToolResult, event.TypeDiff}, kinds(events))

	diff := events[2].(event.Diff)
	vfs := rehydrate.NewVFS()
	require.NoError(t, rehydrate.NewPatcher().Apply(vfs, diff.FilePath, diff.Patch, time.Now()))
	content, err := vfs.ReadFile("notes/todo.md")
	require.NoError(t, err)
	require.Equal(t, "- fix bug\n- add test\n", content)
}

func TestClaudeCodeMultiEditEmitsOnePatchPerEdit(t *testing.T) {
	s := NewClaudeCode()
	stream := newStream(t, event.ProviderClaudeCode)

	events := parseAll(t, s,
		stream.raw(`{"type":"assistant","message":{"id":"m1","role":"assistant","content":[
			{"type":"tool_use","id":"toolu_m","name":"MultiEdit","input":{"file_path":"a.txt","edits":[
				{"old_string":"one","new_string":"1"},
				{"old_string":"two","new_string":"2"}
			]}}
		]}}`),
		stream.raw(`{"type":"user","message":{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"toolu_m","content":"ok"}
		]}}`),
	)
	require.Equal(t, []event.Type{
		event.TypeToolUse, event.TypeToolResult, event.TypeDiff, event.TypeDiff,
	}, kinds(events))

	vfs := rehydrate.NewVFS()
	require.NoError(t, vfs.WriteFile("a.txt", "one and two\n", time.Now()))
	p := rehydrate.NewPatcher()
	for _, ev := range events[2:] {
		d := ev.(event.Diff)
		require.NoError(t, p.Apply(vfs, d.FilePath, d.Patch, time.Now()))
	}
	content, err := vfs.ReadFile("a.txt")
	require.NoError(t, err)
	require.Equal(t, "1 and 2\n", content)
}

func TestClaudeCodeFailedToolSkipsDiff(t *testing.T) {
	s := NewClaudeCode()
	stream := newStream(t, event.ProviderClaudeCode)

	events := parseAll(t, s,
		stream.raw(`{"type":"assistant","message":{"id":"m1","role":"assistant","content":[
			{"type":"tool_use","id":"toolu_e","name":"Edit","input":{"file_path":"a.txt","old_string":"x","new_string":"y"}}
		]}}`),
		stream.raw(`{"type":"user","message":{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"toolu_e","content":"old_string not found","is_error":true}
		]}}`),
	)
	require.Equal(t, []event.Type{event.TypeToolUse, event.TypeToolResult}, kinds(events))
	require.True(t, events[1].(event.ToolResult).IsError)
}

func TestClaudeCodeToolResultOnlyRecordEmitsNoUserMessage(t *testing.T) {
	s := NewClaudeCode()
	stream := newStream(t, event.ProviderClaudeCode)

	events := parseAll(t, s, stream.raw(`{"type":"user","message":{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"toolu_x","content":"out"}
	]}}`))
	require.Equal(t, []event.Type{event.TypeToolResult}, kinds(events))
}

func TestClaudeCodeIgnoresTransportChatter(t *testing.T) {
	s := NewClaudeCode()
	stream := newStream(t, event.ProviderClaudeCode)
	events := parseAll(t, s, stream.raw(`{"type":"progress","data":{"type":"tool_progress"}}`))
	require.Empty(t, events)
}

func TestClaudeCodeRejectsUnknownRecordTypes(t *testing.T) {
	s := NewClaudeCode()
	stream := newStream(t, event.ProviderClaudeCode)
	_, err := s.Parse(context.Background(), stream.raw(`{"type":"mystery"}`))
	require.Error(t, err)
}
