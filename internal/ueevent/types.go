// Package ueevent defines the Universal Event model: the daemon's internal,
// agent-agnostic record of everything observable in a session.
package ueevent

import "encoding/json"

// Type is the closed set of Universal Event kinds.
type Type string

const (
	SessionStarted      Type = "session.started"
	SessionEnded        Type = "session.ended"
	TurnStarted         Type = "turn.started"
	TurnEnded           Type = "turn.ended"
	ItemStarted         Type = "item.started"
	ItemDelta           Type = "item.delta"
	ItemCompleted       Type = "item.completed"
	PermissionRequested Type = "permission.requested"
	PermissionResolved  Type = "permission.resolved"
	QuestionRequested   Type = "question.requested"
	QuestionResolved    Type = "question.resolved"
	Error               Type = "error"
	AgentUnparsed       Type = "agent.unparsed"
)

// Event is an immutable record appended by internal/session. Data holds one
// of the typed *Data structs matching Type and is serialised as a bare JSON
// object; the set of concrete shapes is closed.
type Event struct {
	Sequence        int64           `json:"sequence"`
	EventID         string          `json:"event_id"`
	Time            string          `json:"time"`
	SessionID       string          `json:"session_id"`
	NativeSessionID string          `json:"native_session_id,omitempty"`
	Synthetic       bool            `json:"synthetic"`
	Source          string          `json:"source"`
	EventType       Type            `json:"event_type"`
	Data            any             `json:"data"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// Sanitize returns a copy of e with Raw stripped, matching the daemon's
// default of only including raw payloads when a caller asks for them.
func (e Event) Sanitize(includeRaw bool) Event {
	if includeRaw {
		return e
	}
	e.Raw = nil
	return e
}

// SessionStartedData is the data for session.started events.
type SessionStartedData struct {
	Agent          string `json:"agent"`
	AgentMode      string `json:"agent_mode,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	Model          string `json:"model,omitempty"`
	Variant        string `json:"variant,omitempty"`
}

// SessionEndedData is the data for session.ended events.
type SessionEndedData struct {
	Reason       string `json:"reason"` // "completed" | "error" | "terminated"
	TerminatedBy string `json:"terminated_by,omitempty"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	Message      string `json:"message,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
}

// TurnStartedData is the data for turn.started events.
type TurnStartedData struct {
	Prompt string `json:"prompt,omitempty"`
}

// TurnEndedData is the data for turn.ended events.
type TurnEndedData struct {
	Reason string `json:"reason,omitempty"`
}

// ItemStartedData is the data for item.started events.
type ItemStartedData struct {
	Item Item `json:"item"`
}

// ItemDeltaData is the data for item.delta events.
type ItemDeltaData struct {
	ItemID string       `json:"item_id"`
	Delta  ContentParts `json:"delta"`
}

// ItemCompletedData is the data for item.completed events.
type ItemCompletedData struct {
	Item Item `json:"item"`
}

// PermissionRequestedData is the data for permission.requested events.
type PermissionRequestedData struct {
	ID       string         `json:"id"`
	Action   string         `json:"action"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PermissionResolvedData is the data for permission.resolved events.
type PermissionResolvedData struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "approved" | "denied" | "always"
}

// QuestionRequestedData is the data for question.requested events.
type QuestionRequestedData struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
}

// QuestionResolvedData is the data for question.resolved events.
type QuestionResolvedData struct {
	ID       string     `json:"id"`
	Answers  [][]string `json:"answers"`
	Rejected bool       `json:"rejected,omitempty"`
}

// ErrorData is the data for error events.
type ErrorData struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// AgentUnparsedData is the data for agent.unparsed events.
type AgentUnparsedData struct {
	Raw   json.RawMessage `json:"raw"`
	Error string          `json:"error"`
}

// UnmarshalJSON decodes the Data field into the concrete *Data struct
// matching EventType, so a replayed event (SSE reconnect, SQLite
// rehydration) round-trips into the same closed set of shapes a live one
// carries instead of a bare map.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var aux struct {
		plain
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = Event(aux.plain)
	if len(aux.Data) == 0 {
		return nil
	}
	typed, err := unmarshalData(e.EventType, aux.Data)
	if err != nil {
		return err
	}
	e.Data = typed
	return nil
}

func unmarshalData(t Type, data json.RawMessage) (any, error) {
	switch t {
	case SessionStarted:
		return decodeData[SessionStartedData](data)
	case SessionEnded:
		return decodeData[SessionEndedData](data)
	case TurnStarted:
		return decodeData[TurnStartedData](data)
	case TurnEnded:
		return decodeData[TurnEndedData](data)
	case ItemStarted:
		return decodeData[ItemStartedData](data)
	case ItemDelta:
		return decodeData[ItemDeltaData](data)
	case ItemCompleted:
		return decodeData[ItemCompletedData](data)
	case PermissionRequested:
		return decodeData[PermissionRequestedData](data)
	case PermissionResolved:
		return decodeData[PermissionResolvedData](data)
	case QuestionRequested:
		return decodeData[QuestionRequestedData](data)
	case QuestionResolved:
		return decodeData[QuestionResolvedData](data)
	case Error:
		return decodeData[ErrorData](data)
	case AgentUnparsed:
		return decodeData[AgentUnparsedData](data)
	default:
		var v any
		err := json.Unmarshal(data, &v)
		return v, err
	}
}

func decodeData[T any](data json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
