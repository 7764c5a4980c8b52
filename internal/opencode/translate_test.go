package opencode

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-dev/sandboxagent/internal/ueevent"
	"github.com/rivet-dev/sandboxagent/pkg/ueapi"
)

func ueEvent(t ueevent.Type, data any) ueevent.Event {
	return ueevent.Event{EventType: t, Data: data}
}

func TestTurnStartedEmitsUserMessageAndPart(t *testing.T) {
	rt := newRuntime()

	out := translate(rt, "ses_1", ueEvent(ueevent.TurnStarted, ueevent.TurnStartedData{Prompt: "hello"}))
	require.Len(t, out, 2)

	assert.Equal(t, "message.updated", out[0].Type)
	info := out[0].Properties.(ueapi.OCMessageUpdatedData).Info
	assert.Equal(t, "user", info.Role)
	assert.Equal(t, "ses_1", info.SessionID)

	assert.Equal(t, "message.part.updated", out[1].Type)
	part := out[1].Properties.(ueapi.OCMessagePartUpdatedData).Part
	assert.Equal(t, "hello", part.Text)
	assert.Equal(t, info.ID, part.MessageID)

	assert.Equal(t, info.ID, rt.lastUserMessageID)
	assert.True(t, rt.hasMessages)
}

func TestDeltaAccumulatesAndReusesPartID(t *testing.T) {
	rt := newRuntime()
	translate(rt, "ses_1", ueEvent(ueevent.TurnStarted, ueevent.TurnStartedData{Prompt: "hi"}))

	first := translate(rt, "ses_1", ueEvent(ueevent.ItemDelta, ueevent.ItemDeltaData{
		ItemID: "itm_1",
		Delta:  []ueevent.ContentPart{ueevent.TextContent{Type: "text", Text: "hel"}},
	}))
	// first assistant content synthesises the assistant message.updated
	require.Len(t, first, 2)
	assert.Equal(t, "message.updated", first[0].Type)
	asst := first[0].Properties.(ueapi.OCMessageUpdatedData).Info
	assert.Equal(t, "assistant", asst.Role)
	assert.Equal(t, derivedAssistantID(rt.lastUserMessageID), asst.ID)

	firstPart := first[1].Properties.(ueapi.OCMessagePartUpdatedData)
	assert.Equal(t, "hel", firstPart.Part.Text)
	assert.Equal(t, "hel", firstPart.Delta)

	second := translate(rt, "ses_1", ueEvent(ueevent.ItemDelta, ueevent.ItemDeltaData{
		ItemID: "itm_1",
		Delta:  []ueevent.ContentPart{ueevent.TextContent{Type: "text", Text: "lo"}},
	}))
	require.Len(t, second, 1)
	secondPart := second[0].Properties.(ueapi.OCMessagePartUpdatedData)
	assert.Equal(t, firstPart.Part.ID, secondPart.Part.ID, "part id reused so UIs update in place")
	assert.Equal(t, "hello", secondPart.Part.Text)
	assert.Equal(t, "lo", secondPart.Delta)
}

func TestToolCallThenResultReusesPartID(t *testing.T) {
	rt := newRuntime()
	translate(rt, "ses_1", ueEvent(ueevent.TurnStarted, ueevent.TurnStartedData{Prompt: "run ls"}))

	started := translate(rt, "ses_1", ueEvent(ueevent.ItemStarted, ueevent.ItemStartedData{Item: ueevent.Item{
		ItemID: "itm_1",
		Kind:   ueevent.KindToolCall,
		Role:   ueevent.RoleAssistant,
		Status: ueevent.StatusInProgress,
		Content: []ueevent.ContentPart{ueevent.ToolCallContent{
			Type: "tool_call", Name: "bash", CallID: "c1", Args: json.RawMessage(`{"command":"ls"}`),
		}},
	}}))
	require.Len(t, started, 1)
	pending := started[0].Properties.(ueapi.OCMessagePartUpdatedData).Part
	assert.Equal(t, "pending", pending.State)
	assert.Equal(t, "bash", pending.ToolName)
	assert.Equal(t, map[string]any{"command": "ls"}, pending.Input)

	completed := translate(rt, "ses_1", ueEvent(ueevent.ItemCompleted, ueevent.ItemCompletedData{Item: ueevent.Item{
		ItemID: "itm_2",
		Kind:   ueevent.KindToolResult,
		Role:   ueevent.RoleTool,
		Status: ueevent.StatusCompleted,
		Content: []ueevent.ContentPart{ueevent.ToolResultContent{
			Type: "tool_result", CallID: "c1", Output: "README.md",
		}},
	}}))
	require.Len(t, completed, 1)
	done := completed[0].Properties.(ueapi.OCMessagePartUpdatedData).Part
	assert.Equal(t, pending.ID, done.ID)
	assert.Equal(t, "completed", done.State)
	require.NotNil(t, done.Output)
	assert.Equal(t, "README.md", *done.Output)
	assert.Equal(t, "bash", done.ToolName, "tool name cached from the call")
}

func TestFailedToolResultBecomesErrorState(t *testing.T) {
	rt := newRuntime()
	translate(rt, "ses_1", ueEvent(ueevent.TurnStarted, ueevent.TurnStartedData{Prompt: "x"}))

	out := translate(rt, "ses_1", ueEvent(ueevent.ItemCompleted, ueevent.ItemCompletedData{Item: ueevent.Item{
		ItemID: "itm_1",
		Kind:   ueevent.KindToolResult,
		Role:   ueevent.RoleTool,
		Status: ueevent.StatusFailed,
		Content: []ueevent.ContentPart{ueevent.ToolResultContent{
			Type: "tool_result", CallID: "c1", Output: "permission denied",
		}},
	}}))
	require.Len(t, out, 1)
	part := out[0].Properties.(ueapi.OCMessagePartUpdatedData).Part
	assert.Equal(t, "error", part.State)
	require.NotNil(t, part.Error)
	assert.Equal(t, "permission denied", *part.Error)
}

func TestFileWriteEmitsFileEdited(t *testing.T) {
	rt := newRuntime()

	out := translate(rt, "ses_1", ueEvent(ueevent.ItemCompleted, ueevent.ItemCompletedData{Item: ueevent.Item{
		ItemID: "itm_1",
		Kind:   ueevent.KindToolResult,
		Role:   ueevent.RoleTool,
		Status: ueevent.StatusCompleted,
		Content: []ueevent.ContentPart{
			ueevent.FileRefContent{Type: "file_ref", Path: "main.go", Action: ueevent.FileActionWrite},
			ueevent.FileRefContent{Type: "file_ref", Path: "readonly.go", Action: ueevent.FileActionRead},
		},
	}}))

	var edited []string
	for _, ev := range out {
		if ev.Type == "file.edited" {
			edited = append(edited, ev.Properties.(ueapi.OCFileEditedData).File)
		}
	}
	assert.Equal(t, []string{"main.go"}, edited, "only write/patch actions emit file.edited")
}

func TestQuestionBridging(t *testing.T) {
	rt := newRuntime()

	asked := translate(rt, "ses_1", ueEvent(ueevent.QuestionRequested, ueevent.QuestionRequestedData{
		ID:      "q_1",
		Prompt:  "Which database?",
		Options: []string{"postgres", "sqlite"},
	}))
	require.Len(t, asked, 1)
	assert.Equal(t, "question.asked", asked[0].Type)
	props := asked[0].Properties.(ueapi.OCQuestionAskedData)
	assert.Equal(t, "Which database?", props.Prompt)

	replied := translate(rt, "ses_1", ueEvent(ueevent.QuestionResolved, ueevent.QuestionResolvedData{
		ID:      "q_1",
		Answers: [][]string{{"postgres"}},
	}))
	require.Len(t, replied, 1)
	assert.Equal(t, "question.replied", replied[0].Type)
	assert.Equal(t, [][]string{{"postgres"}}, replied[0].Properties.(ueapi.OCQuestionRepliedData).Answers)
}

func TestNewTurnResetsAssistantCursor(t *testing.T) {
	rt := newRuntime()

	translate(rt, "ses_1", ueEvent(ueevent.TurnStarted, ueevent.TurnStartedData{Prompt: "first"}))
	translate(rt, "ses_1", ueEvent(ueevent.ItemDelta, ueevent.ItemDeltaData{
		ItemID: "itm_1",
		Delta:  []ueevent.ContentPart{ueevent.TextContent{Type: "text", Text: "one"}},
	}))
	firstAssistant := rt.activeAssistantMsgID
	require.NotEmpty(t, firstAssistant)

	translate(rt, "ses_1", ueEvent(ueevent.TurnEnded, ueevent.TurnEndedData{}))
	translate(rt, "ses_1", ueEvent(ueevent.TurnStarted, ueevent.TurnStartedData{Prompt: "second"}))

	out := translate(rt, "ses_1", ueEvent(ueevent.ItemDelta, ueevent.ItemDeltaData{
		ItemID: "itm_2",
		Delta:  []ueevent.ContentPart{ueevent.TextContent{Type: "text", Text: "two"}},
	}))
	require.Len(t, out, 2, "new assistant message synthesised for the new turn")
	asst := out[0].Properties.(ueapi.OCMessageUpdatedData).Info
	assert.NotEqual(t, firstAssistant, asst.ID)
}

func TestTurnEndedEmitsIdle(t *testing.T) {
	rt := newRuntime()

	out := translate(rt, "ses_1", ueEvent(ueevent.TurnEnded, ueevent.TurnEndedData{Reason: "completed"}))
	require.Len(t, out, 2)
	assert.Equal(t, "session.status", out[0].Type)
	assert.Equal(t, "session.idle", out[1].Type)
}

func TestErrorEmitsSessionErrorThenIdle(t *testing.T) {
	rt := newRuntime()

	out := translate(rt, "ses_1", ueEvent(ueevent.Error, ueevent.ErrorData{Message: "backend died"}))
	require.Len(t, out, 2)
	assert.Equal(t, "session.error", out[0].Type)
	props := out[0].Properties.(ueapi.OCSessionErrorData)
	assert.Equal(t, "backend died", props.Error.Message)
	assert.Equal(t, "session.idle", out[1].Type)
}

func TestPermissionBridging(t *testing.T) {
	rt := newRuntime()

	asked := translate(rt, "ses_1", ueEvent(ueevent.PermissionRequested, ueevent.PermissionRequestedData{
		ID:     "perm_1",
		Action: "command_execution",
	}))
	require.Len(t, asked, 1)
	assert.Equal(t, "permission.updated", asked[0].Type)

	// the internal ask-user-question variant is not a real permission
	question := translate(rt, "ses_1", ueEvent(ueevent.PermissionRequested, ueevent.PermissionRequestedData{
		ID:     "q_1",
		Action: "ask_user_question",
	}))
	assert.Empty(t, question)

	replied := translate(rt, "ses_1", ueEvent(ueevent.PermissionResolved, ueevent.PermissionResolvedData{
		ID:     "perm_1",
		Status: "approved",
	}))
	require.Len(t, replied, 1)
	assert.Equal(t, "permission.replied", replied[0].Type)
}
