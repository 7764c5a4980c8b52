package ueevent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalContentPartByDiscriminator(t *testing.T) {
	tests := []struct {
		name string
		json string
		want ContentPart
	}{
		{"text", `{"type":"text","text":"hi"}`, TextContent{Type: "text", Text: "hi"}},
		{"reasoning", `{"type":"reasoning","text":"hmm","visible":true}`, ReasoningContent{Type: "reasoning", Text: "hmm", Visible: true}},
		{"status", `{"type":"status","label":"init","detail":"ready"}`, StatusContent{Type: "status", Label: "init", Detail: "ready"}},
		{"tool_call", `{"type":"tool_call","name":"bash","call_id":"c1","args":{"command":"ls"}}`, ToolCallContent{Type: "tool_call", Name: "bash", CallID: "c1", Args: json.RawMessage(`{"command":"ls"}`)}},
		{"tool_result", `{"type":"tool_result","call_id":"c1","output":"ok"}`, ToolResultContent{Type: "tool_result", CallID: "c1", Output: "ok"}},
		{"file_ref", `{"type":"file_ref","path":"a.go","action":"patch","diff":"-x\n+y"}`, FileRefContent{Type: "file_ref", Path: "a.go", Action: FileActionPatch, Diff: "-x\n+y"}},
		{"image", `{"type":"image","path":"shot.png","mime":"image/png"}`, ImageContent{Type: "image", Path: "shot.png", Mime: "image/png"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UnmarshalContentPart([]byte(tt.json))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnmarshalContentPartUnknownTypeFallsBackToText(t *testing.T) {
	got, err := UnmarshalContentPart([]byte(`{"type":"novel","text":"raw"}`))
	require.NoError(t, err)
	assert.Equal(t, TextContent{Type: "novel", Text: "raw"}, got)
}

func TestTextConcatenatesOnlyTextParts(t *testing.T) {
	parts := []ContentPart{
		TextContent{Type: "text", Text: "hello "},
		ReasoningContent{Type: "reasoning", Text: "ignored"},
		TextContent{Type: "text", Text: "world"},
	}
	assert.Equal(t, "hello world", Text(parts))
	assert.Equal(t, "", Text(nil))
}

func TestEventRoundTripKeepsTypedData(t *testing.T) {
	ev := Event{
		Sequence:  3,
		EventID:   "e3",
		SessionID: "s1",
		EventType: ItemCompleted,
		Data: ItemCompletedData{Item: Item{
			ItemID: "itm_1",
			Kind:   KindMessage,
			Role:   RoleAssistant,
			Status: StatusCompleted,
			Content: ContentParts{
				TextContent{Type: "text", Text: "hello"},
				FileRefContent{Type: "file_ref", Path: "a.go", Action: FileActionWrite},
			},
		}},
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ev.Sequence, back.Sequence)
	assert.Equal(t, ev.EventType, back.EventType)

	item := back.Data.(ItemCompletedData).Item
	assert.Equal(t, "itm_1", item.ItemID)
	require.Len(t, item.Content, 2)
	assert.Equal(t, TextContent{Type: "text", Text: "hello"}, item.Content[0])
	assert.Equal(t, FileRefContent{Type: "file_ref", Path: "a.go", Action: FileActionWrite}, item.Content[1])
}

func TestEventRoundTripPermissionData(t *testing.T) {
	ev := Event{
		Sequence:  1,
		EventType: PermissionRequested,
		Data:      PermissionRequestedData{ID: "p1", Action: "command_execution", Metadata: map[string]any{"command": "ls"}},
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	got := back.Data.(PermissionRequestedData)
	assert.Equal(t, "p1", got.ID)
	assert.Equal(t, "ls", got.Metadata["command"])
}

func TestSanitizeStripsRaw(t *testing.T) {
	ev := Event{Sequence: 1, EventType: ItemDelta, Raw: json.RawMessage(`{"x":1}`)}

	kept := ev.Sanitize(true)
	assert.NotNil(t, kept.Raw)

	stripped := ev.Sanitize(false)
	assert.Nil(t, stripped.Raw)
	assert.NotNil(t, ev.Raw, "original untouched")
}
