package event

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTripPreservesConcreteType(t *testing.T) {
	rawID := uuid.New()
	session := uuid.New()
	base := Base{
		EventID:   DeriveID(rawID, 0),
		SessionID: session,
		Sequence:  7,
		TS:        DeriveTimestamp(time.Unix(1700000000, 0), 0),
		Origin:    ProviderAnthropic,
	}

	tool := ToolUse{Base: base, ToolUseID: "toolu_01", Name: "Edit", Input: `{"file_path":"main.go"}`, FilePath: "main.go"}
	data, err := Marshal(tool)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, TypeToolUse, decoded.Kind())

	got, ok := decoded.(ToolUse)
	require.True(t, ok)
	require.Equal(t, tool, got)
	require.Equal(t, session, got.Session())
	require.Equal(t, uint64(7), got.Seq())
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"telemetry_blip","data":{}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown event type")
}

func TestDeriveIDIsDeterministicAndDistinct(t *testing.T) {
	rawID := uuid.New()
	require.Equal(t, DeriveID(rawID, 0), DeriveID(rawID, 0))
	require.NotEqual(t, DeriveID(rawID, 0), DeriveID(rawID, 1))
	require.NotEqual(t, DeriveID(rawID, 1), DeriveID(uuid.New(), 1))
}

func TestDeriveTimestampOrdersSiblings(t *testing.T) {
	ingest := time.Now()
	prev := int64(0)
	for i := 0; i < 5; i++ {
		ts := DeriveTimestamp(ingest, i)
		require.Greater(t, ts, prev)
		prev = ts
	}
}

func TestProviderKnown(t *testing.T) {
	for _, p := range []Provider{ProviderOpenAI, ProviderXAI, ProviderCodexSSE, ProviderAnthropic, ProviderClaudeCode, ProviderGemini, ProviderCodex} {
		require.True(t, p.Known(), "provider %s", p)
	}
	require.False(t, Provider("mystery").Known())
}

func TestRawSessionID(t *testing.T) {
	id := uuid.New()
	raw := Raw{Headers: Headers{SessionID: id.String()}}
	got, err := raw.SessionID()
	require.NoError(t, err)
	require.Equal(t, id, got)

	raw.Headers.SessionID = "not-a-uuid"
	_, err = raw.SessionID()
	require.Error(t, err)
}
