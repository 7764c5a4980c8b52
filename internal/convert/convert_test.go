package convert

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-dev/sandboxagent/internal/ueevent"
)

// panicky exercises Convert's recover path.
type panicky struct{}

func (panicky) Agent() string                                 { return "panicky" }
func (panicky) Convert(raw json.RawMessage) []EventConversion { panic("boom") }

// empty exercises Convert's never-zero-conversions guarantee.
type empty struct{}

func (empty) Agent() string                                 { return "empty" }
func (empty) Convert(raw json.RawMessage) []EventConversion { return nil }

func TestConvertIsTotal(t *testing.T) {
	raw := json.RawMessage(`{"type":"x"}`)

	out := Convert(panicky{}, raw)
	require.Len(t, out, 1)
	assert.Equal(t, ueevent.AgentUnparsed, out[0].EventType)
	assert.Contains(t, out[0].Data.(ueevent.AgentUnparsedData).Error, "panic")

	out = Convert(empty{}, raw)
	require.Len(t, out, 1)
	assert.Equal(t, ueevent.AgentUnparsed, out[0].EventType)
}

func TestRegistryKnowsEveryAgent(t *testing.T) {
	for _, agent := range []string{"claude", "codex", "opencode", "amp", "mock"} {
		c, ok := ByAgent(agent)
		require.True(t, ok, agent)
		assert.Equal(t, agent, c.Agent())
	}
	_, ok := ByAgent("nope")
	assert.False(t, ok)
}

func TestConvertersAreIdempotent(t *testing.T) {
	inputs := map[string]json.RawMessage{
		"claude": json.RawMessage(`{"type":"assistant","session_id":"abc","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"hi"}]}}`),
		"codex":  json.RawMessage(`{"method":"codex/event","params":{"thread_id":"t1","msg":{"type":"item.completed","item_id":"i1","item_type":"agent_message","text":"hi"}}}`),
		"amp":    json.RawMessage(`{"type":"text","text":"hi"}`),
		"mock":   json.RawMessage(`{"kind":"text","text":"hi"}`),
	}
	for agent, raw := range inputs {
		c, ok := ByAgent(agent)
		require.True(t, ok, agent)
		first := Convert(c, raw)
		second := Convert(c, raw)
		assert.Equal(t, first, second, agent)
	}
}

func TestClaudeSystemLine(t *testing.T) {
	c, _ := ByAgent("claude")
	raw := json.RawMessage(`{"type":"system","subtype":"init","session_id":"cc-123"}`)

	out := Convert(c, raw)
	require.Len(t, out, 1)
	assert.Equal(t, ueevent.ItemCompleted, out[0].EventType)
	assert.Equal(t, "cc-123", out[0].NativeSessionID)

	item := out[0].Data.(ueevent.ItemCompletedData).Item
	assert.Equal(t, ueevent.KindSystem, item.Kind)
	assert.Empty(t, item.NativeItemID, "per-turn init lines must not share an id across turns")
}

func TestClaudeResultLineHasNoFixedID(t *testing.T) {
	c, _ := ByAgent("claude")
	raw := json.RawMessage(`{"type":"result","session_id":"cc-123","is_error":false,"result":"done"}`)

	out := Convert(c, raw)
	require.Len(t, out, 1)
	item := out[0].Data.(ueevent.ItemCompletedData).Item
	assert.Equal(t, ueevent.KindStatus, item.Kind)
	assert.Empty(t, item.NativeItemID, "per-turn result lines must not share an id across turns")
}

func TestClaudeAssistantMessageWithToolUse(t *testing.T) {
	c, _ := ByAgent("claude")
	raw := json.RawMessage(`{"type":"assistant","session_id":"cc-123","message":{"id":"m1","role":"assistant","content":[
		{"type":"text","text":"let me check"},
		{"type":"tool_use","id":"tu1","name":"bash","input":{"command":"ls"}}
	]}}`)

	out := Convert(c, raw)
	require.Len(t, out, 2)

	call := out[0].Data.(ueevent.ItemStartedData).Item
	assert.Equal(t, ueevent.KindToolCall, call.Kind)
	assert.Equal(t, "tu1", call.NativeItemID)
	toolCall := call.Content[0].(ueevent.ToolCallContent)
	assert.Equal(t, "bash", toolCall.Name)

	msg := out[1].Data.(ueevent.ItemCompletedData).Item
	assert.Equal(t, ueevent.KindMessage, msg.Kind)
	assert.Equal(t, "let me check", ueevent.Text(msg.Content))
}

func TestClaudeToolResult(t *testing.T) {
	c, _ := ByAgent("claude")
	raw := json.RawMessage(`{"type":"user","session_id":"cc-123","message":{"id":"m2","role":"user","content":[
		{"type":"tool_result","tool_use_id":"tu1","content":"README.md","is_error":false}
	]}}`)

	out := Convert(c, raw)
	require.Len(t, out, 1)
	item := out[0].Data.(ueevent.ItemCompletedData).Item
	assert.Equal(t, ueevent.KindToolResult, item.Kind)
	assert.Equal(t, "tu1", item.ParentID)
	assert.Equal(t, ueevent.StatusCompleted, item.Status)
}

func TestClaudeControlRequestBecomesPermission(t *testing.T) {
	c, _ := ByAgent("claude")
	raw := json.RawMessage(`{"type":"control_request","session_id":"cc-123","request_id":"req_7","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf build"}}}`)

	out := Convert(c, raw)
	require.Len(t, out, 1)
	assert.Equal(t, ueevent.PermissionRequested, out[0].EventType)

	data := out[0].Data.(ueevent.PermissionRequestedData)
	assert.Equal(t, "req_7", data.ID)
	assert.Equal(t, "command_execution", data.Action)
	assert.Equal(t, "rm -rf build", data.Metadata["command"])

	edit := Convert(c, json.RawMessage(`{"type":"control_request","request_id":"req_8","request":{"subtype":"can_use_tool","tool_name":"Edit","input":{"file_path":"a.go"}}}`))
	require.Len(t, edit, 1)
	assert.Equal(t, "file_change", edit[0].Data.(ueevent.PermissionRequestedData).Action)
}

func TestClaudeAskUserQuestionBecomesQuestion(t *testing.T) {
	c, _ := ByAgent("claude")
	raw := json.RawMessage(`{"type":"control_request","session_id":"cc-123","request_id":"req_9","request":{"subtype":"can_use_tool","tool_name":"AskUserQuestion","input":{"questions":[{"question":"Which database?","options":[{"label":"postgres"},{"label":"sqlite"}]}]}}}`)

	out := Convert(c, raw)
	require.Len(t, out, 1)
	assert.Equal(t, ueevent.QuestionRequested, out[0].EventType)

	data := out[0].Data.(ueevent.QuestionRequestedData)
	assert.Equal(t, "req_9", data.ID)
	assert.Equal(t, "Which database?", data.Prompt)
	assert.Equal(t, []string{"postgres", "sqlite"}, data.Options)
}

func TestClaudeUnknownLineIsUnparsed(t *testing.T) {
	c, _ := ByAgent("claude")
	out := Convert(c, json.RawMessage(`{"type":"mystery"}`))
	require.Len(t, out, 1)
	assert.Equal(t, ueevent.AgentUnparsed, out[0].EventType)
}

func TestCodexLifecycle(t *testing.T) {
	c, _ := ByAgent("codex")

	started := Convert(c, json.RawMessage(`{"method":"codex/event","params":{"thread_id":"t1","msg":{"type":"item.started","item_id":"i1","item_type":"command_execution","command":"ls"}}}`))
	require.Len(t, started, 1)
	assert.Equal(t, ueevent.ItemStarted, started[0].EventType)
	assert.Equal(t, "t1", started[0].NativeSessionID)
	assert.Equal(t, ueevent.KindToolCall, started[0].Data.(ueevent.ItemStartedData).Item.Kind)

	delta := Convert(c, json.RawMessage(`{"method":"codex/event","params":{"thread_id":"t1","msg":{"type":"item.updated","item_id":"i2","delta":"par"}}}`))
	require.Len(t, delta, 1)
	assert.Equal(t, ueevent.ItemDelta, delta[0].EventType)
	assert.Equal(t, "par", ueevent.Text(delta[0].Data.(ueevent.ItemDeltaData).Delta))

	completedFail := Convert(c, json.RawMessage(`{"method":"codex/event","params":{"thread_id":"t1","msg":{"type":"item.completed","item_id":"i1","item_type":"command_execution","exit_code":1,"output":"denied"}}}`))
	require.Len(t, completedFail, 1)
	item := completedFail[0].Data.(ueevent.ItemCompletedData).Item
	assert.Equal(t, ueevent.KindToolResult, item.Kind)
	assert.Equal(t, ueevent.StatusFailed, item.Status)

	turnEnd := Convert(c, json.RawMessage(`{"method":"codex/event","params":{"thread_id":"t1","msg":{"type":"turn.completed"}}}`))
	require.Len(t, turnEnd, 1)
	assert.Equal(t, ueevent.TurnEnded, turnEnd[0].EventType)
}

func TestCodexWrongMethodIsUnparsed(t *testing.T) {
	c, _ := ByAgent("codex")
	out := Convert(c, json.RawMessage(`{"method":"other/thing","params":{}}`))
	require.Len(t, out, 1)
	assert.Equal(t, ueevent.AgentUnparsed, out[0].EventType)
}

func TestAmpTextHasNoFixedID(t *testing.T) {
	c, _ := ByAgent("amp")

	out := Convert(c, json.RawMessage(`{"type":"text","text":"hi"}`))
	require.Len(t, out, 1)
	item := out[0].Data.(ueevent.ItemCompletedData).Item
	assert.Equal(t, ueevent.KindMessage, item.Kind)
	assert.Empty(t, item.NativeItemID, "per-turn text replies must not share an id across turns")
}

func TestAmpToolRoundTrip(t *testing.T) {
	c, _ := ByAgent("amp")

	use := Convert(c, json.RawMessage(`{"type":"tool_use","tool":"grep","call_id":"c1","args":{"pattern":"x"}}`))
	require.Len(t, use, 1)
	assert.Equal(t, ueevent.ItemStarted, use[0].EventType)

	result := Convert(c, json.RawMessage(`{"type":"tool_result","call_id":"c1","error":"not found"}`))
	require.Len(t, result, 1)
	item := result[0].Data.(ueevent.ItemCompletedData).Item
	assert.Equal(t, ueevent.StatusFailed, item.Status)
	assert.Equal(t, "c1", item.ParentID)
	assert.Equal(t, "not found", item.Content[0].(ueevent.ToolResultContent).Output)
}

func TestMockStepKinds(t *testing.T) {
	c, _ := ByAgent("mock")

	perm := Convert(c, json.RawMessage(`{"kind":"permission_request","perm_id":"p1","action":"command_execution"}`))
	require.Len(t, perm, 1)
	assert.Equal(t, ueevent.PermissionRequested, perm[0].EventType)
	assert.Equal(t, "p1", perm[0].Data.(ueevent.PermissionRequestedData).ID)

	end := Convert(c, json.RawMessage(`{"kind":"turn_end"}`))
	require.Len(t, end, 1)
	assert.Equal(t, ueevent.TurnEnded, end[0].EventType)

	bad := Convert(c, json.RawMessage(`{"kind":"wat"}`))
	require.Len(t, bad, 1)
	assert.Equal(t, ueevent.AgentUnparsed, bad[0].EventType)
}
