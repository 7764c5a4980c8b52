package opencode

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rivet-dev/sandboxagent/internal/ueevent"
	"github.com/rivet-dev/sandboxagent/pkg/ueapi"
)

// translate turns one recorded Universal Event into zero or more OpenCode
// SDK events, mutating rt's projection state. sessionID is the session id
// the adapter exposes, which is the Universal Event session id unchanged;
// there is no separate id space.
func translate(rt *runtime, sessionID string, ev ueevent.Event) []ueapi.SDKEvent {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	switch ev.EventType {
	case ueevent.TurnStarted:
		data := ev.Data.(ueevent.TurnStartedData)
		return translateTurnStarted(rt, sessionID, data)

	case ueevent.ItemStarted:
		data := ev.Data.(ueevent.ItemStartedData)
		return translateItemStarted(rt, sessionID, data.Item)

	case ueevent.ItemDelta:
		data := ev.Data.(ueevent.ItemDeltaData)
		return translateItemDelta(rt, sessionID, data)

	case ueevent.ItemCompleted:
		data := ev.Data.(ueevent.ItemCompletedData)
		return translateItemCompleted(rt, sessionID, data.Item)

	case ueevent.TurnEnded:
		return []ueapi.SDKEvent{
			{Type: "session.status", Properties: map[string]any{"sessionID": sessionID, "status": "idle"}},
			{Type: "session.idle", Properties: ueapi.OCSessionIdleData{SessionID: sessionID}},
		}

	case ueevent.Error:
		data := ev.Data.(ueevent.ErrorData)
		return []ueapi.SDKEvent{
			{Type: "session.error", Properties: ueapi.OCSessionErrorData{
				SessionID: sessionID,
				Error:     &ueapi.OCMessageError{Message: data.Message},
			}},
			{Type: "session.idle", Properties: ueapi.OCSessionIdleData{SessionID: sessionID}},
		}

	case ueevent.PermissionRequested:
		data := ev.Data.(ueevent.PermissionRequestedData)
		if isQuestionAction(data.Action) {
			return nil // question bridging owns this, not a real permission
		}
		return []ueapi.SDKEvent{
			{Type: "permission.updated", Properties: ueapi.OCPermissionUpdatedData{
				ID:             data.ID,
				SessionID:      sessionID,
				PermissionType: data.Action,
				Title:          permissionTitle(data),
			}},
		}

	case ueevent.PermissionResolved:
		data := ev.Data.(ueevent.PermissionResolvedData)
		return []ueapi.SDKEvent{
			{Type: "permission.replied", Properties: ueapi.OCPermissionRepliedData{
				PermissionID: data.ID,
				SessionID:    sessionID,
				Response:     data.Status,
			}},
		}

	case ueevent.QuestionRequested:
		data := ev.Data.(ueevent.QuestionRequestedData)
		return []ueapi.SDKEvent{
			{Type: "question.asked", Properties: ueapi.OCQuestionAskedData{
				ID:        data.ID,
				SessionID: sessionID,
				Prompt:    data.Prompt,
				Options:   data.Options,
			}},
		}

	case ueevent.QuestionResolved:
		data := ev.Data.(ueevent.QuestionResolvedData)
		return []ueapi.SDKEvent{
			{Type: "question.replied", Properties: ueapi.OCQuestionRepliedData{
				QuestionID: data.ID,
				SessionID:  sessionID,
				Answers:    data.Answers,
				Rejected:   data.Rejected,
			}},
		}

	default:
		return nil
	}
}

// isQuestionAction distinguishes the internal ask-user-question tool
// variant from a real permission; question bridging owns the former.
func isQuestionAction(action string) bool {
	return action == "ask_user_question" || action == "question"
}

func permissionTitle(data ueevent.PermissionRequestedData) string {
	if t, ok := data.Metadata["title"].(string); ok && t != "" {
		return t
	}
	return data.Action
}

func translateTurnStarted(rt *runtime, sessionID string, data ueevent.TurnStartedData) []ueapi.SDKEvent {
	now := time.Now().UnixMilli()
	userID := "msg_" + sessionID + "_" + nowSuffix()
	rt.lastUserMessageID = userID
	// Each prompt opens a fresh assistant message; the previous turn's
	// cursor must not absorb this turn's content.
	rt.activeAssistantMsgID = ""
	rt.hasMessages = true

	msg := &ueapi.OCMessage{
		ID:        userID,
		SessionID: sessionID,
		Role:      "user",
		Time:      ueapi.OCMessageTime{Created: now, Updated: now},
	}
	part := &ueapi.OCPart{
		ID:        userID + "_p0",
		SessionID: sessionID,
		MessageID: userID,
		Type:      "text",
		Text:      data.Prompt,
	}
	return []ueapi.SDKEvent{
		{Type: "message.updated", Properties: ueapi.OCMessageUpdatedData{Info: msg}},
		{Type: "message.part.updated", Properties: ueapi.OCMessagePartUpdatedData{Part: part}},
	}
}

// idCounter feeds nowSuffix. Message/part ids only need to be unique within
// the process; the sequence-ordered event log is the source of truth, not
// these ids.
var idCounter atomic.Int64

func nowSuffix() string {
	return strconv.FormatInt(idCounter.Add(1), 10)
}

func translateItemStarted(rt *runtime, sessionID string, item ueevent.Item) []ueapi.SDKEvent {
	var out []ueapi.SDKEvent

	if item.Kind == ueevent.KindMessage && item.Role == ueevent.RoleAssistant {
		out = append(out, ensureAssistantMessage(rt, sessionID)...)
	}

	for _, part := range item.Content {
		switch c := part.(type) {
		case ueevent.ToolCallContent:
			rt.toolNameByCall[c.CallID] = c.Name
			rt.toolMessageIDByCall[c.CallID] = currentAssistantOr(rt, item.ItemID)
			rt.openToolCalls[c.CallID] = true

			var args map[string]any
			_ = json.Unmarshal(c.Args, &args)
			rt.toolArgsByCall[c.CallID] = args

			partID := toolPartID(rt, c.CallID)
			out = append(out, ueapi.SDKEvent{
				Type: "message.part.updated",
				Properties: ueapi.OCMessagePartUpdatedData{
					Part: &ueapi.OCPart{
						ID:         partID,
						SessionID:  sessionID,
						MessageID:  rt.toolMessageIDByCall[c.CallID],
						Type:       "tool",
						ToolCallID: c.CallID,
						ToolName:   c.Name,
						Input:      args,
						State:      "pending",
					},
				},
			})
		}
	}

	return out
}

func currentAssistantOr(rt *runtime, fallback string) string {
	if rt.activeAssistantMsgID != "" {
		return rt.activeAssistantMsgID
	}
	return fallback
}

func toolPartID(rt *runtime, callID string) string {
	if id, ok := rt.toolPartIDByCall[callID]; ok {
		return id
	}
	id := "part_" + callID
	rt.toolPartIDByCall[callID] = id
	return id
}

// ensureAssistantMessage synthesises the OpenCode message.updated the first
// time an assistant item appears in a turn.
func ensureAssistantMessage(rt *runtime, sessionID string) []ueapi.SDKEvent {
	if rt.activeAssistantMsgID != "" {
		return nil
	}
	id := derivedAssistantID(rt.lastUserMessageID)
	rt.activeAssistantMsgID = id
	now := time.Now().UnixMilli()

	return []ueapi.SDKEvent{{
		Type: "message.updated",
		Properties: ueapi.OCMessageUpdatedData{Info: &ueapi.OCMessage{
			ID:        id,
			SessionID: sessionID,
			Role:      "assistant",
			ModelID:   rt.modelID,
			Time:      ueapi.OCMessageTime{Created: now, Updated: now},
		}},
	}}
}

func translateItemDelta(rt *runtime, sessionID string, data ueevent.ItemDeltaData) []ueapi.SDKEvent {
	out := ensureAssistantMessage(rt, sessionID)

	text := ueevent.Text(data.Delta)
	if text == "" {
		return out
	}
	rt.textByItem[data.ItemID] += text

	partID, ok := rt.textPartIDByItem[data.ItemID]
	if !ok {
		partID = "part_" + data.ItemID
		rt.textPartIDByItem[data.ItemID] = partID
	}
	rt.deltaSeen[data.ItemID] = true

	out = append(out, ueapi.SDKEvent{
		Type: "message.part.updated",
		Properties: ueapi.OCMessagePartUpdatedData{
			Part: &ueapi.OCPart{
				ID:        partID,
				SessionID: sessionID,
				MessageID: rt.activeAssistantMsgID,
				Type:      "text",
				Text:      rt.textByItem[data.ItemID],
			},
			Delta: text,
		},
	})
	return out
}

func translateItemCompleted(rt *runtime, sessionID string, item ueevent.Item) []ueapi.SDKEvent {
	var out []ueapi.SDKEvent

	for _, part := range item.Content {
		switch c := part.(type) {
		case ueevent.ToolResultContent:
			partID := toolPartID(rt, c.CallID)
			state := "completed"
			if item.Status == ueevent.StatusFailed {
				state = "error"
			}
			delete(rt.openToolCalls, c.CallID)

			p := &ueapi.OCPart{
				ID:         partID,
				SessionID:  sessionID,
				MessageID:  rt.toolMessageIDByCall[c.CallID],
				Type:       "tool",
				ToolCallID: c.CallID,
				ToolName:   rt.toolNameByCall[c.CallID],
				Input:      rt.toolArgsByCall[c.CallID],
				State:      state,
			}
			if state == "error" {
				p.Error = strPtr(c.Output)
			} else {
				p.Output = strPtr(c.Output)
			}
			out = append(out, ueapi.SDKEvent{Type: "message.part.updated", Properties: ueapi.OCMessagePartUpdatedData{Part: p}})

		case ueevent.FileRefContent:
			out = append(out, ueapi.SDKEvent{
				Type: "message.part.updated",
				Properties: ueapi.OCMessagePartUpdatedData{
					Part: &ueapi.OCPart{
						ID:        "part_" + item.ItemID + "_" + c.Path,
						SessionID: sessionID,
						MessageID: currentAssistantOr(rt, item.ItemID),
						Type:      "file",
						Filename:  c.Path,
						URL:       c.Path,
					},
				},
			})
			if c.Action == ueevent.FileActionWrite || c.Action == ueevent.FileActionPatch {
				out = append(out, ueapi.SDKEvent{Type: "file.edited", Properties: ueapi.OCFileEditedData{File: c.Path}})
			}
		}
	}

	return out
}
