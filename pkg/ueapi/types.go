// Package ueapi holds the wire types shared by the daemon's native HTTP
// surface and the OpenCode-compatible projection: exported, tag-annotated
// structs with no behavior.
package ueapi

import "github.com/rivet-dev/sandboxagent/internal/ueevent"

// Session is the native, agent-agnostic session representation returned by
// the /v1/sessions routes.
type Session struct {
	ID             string `json:"id"`
	Agent          string `json:"agent"`
	AgentMode      string `json:"agent_mode,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	Model          string `json:"model,omitempty"`
	Variant        string `json:"variant,omitempty"`
	Version        string `json:"version,omitempty"`
	Ended          bool   `json:"ended"`
	EndReason      string `json:"end_reason,omitempty"`
}

// Event is the wire form of ueevent.Event. It is a type alias, so the wire
// shape and the internal model are one and the same type.
type Event = ueevent.Event

// CreateSessionRequest is the body of POST /v1/sessions/{id}.
type CreateSessionRequest struct {
	ID             string `json:"id"`
	Agent          string `json:"agent"`
	AgentMode      string `json:"agent_mode,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	Model          string `json:"model,omitempty"`
	Variant        string `json:"variant,omitempty"`
	Version        string `json:"version,omitempty"`
}

// SendMessageRequest is the body of POST /v1/sessions/{id}/messages.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// ReplyPermissionRequest is the body of POST /v1/sessions/{id}/permissions/{pid}/reply.
type ReplyPermissionRequest struct {
	Reply string `json:"reply"` // "once" | "always" | "reject"
}

// ReplyQuestionRequest is the body of POST /v1/sessions/{id}/questions/{qid}/reply.
type ReplyQuestionRequest struct {
	Answers  [][]string `json:"answers,omitempty"`
	Rejected bool       `json:"rejected,omitempty"`
}

// BackendStatus is the wire form of backend.Status exposed by GET /v1/agents.
type BackendStatus struct {
	Agent        string `json:"agent"`
	State        string `json:"state"`
	UptimeMS     int64  `json:"uptime_ms"`
	RestartCount int    `json:"restart_count"`
	LastError    string `json:"last_error,omitempty"`
}
