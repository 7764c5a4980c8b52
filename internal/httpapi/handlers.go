package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rivet-dev/sandboxagent/internal/backend"
	"github.com/rivet-dev/sandboxagent/internal/metrics"
	"github.com/rivet-dev/sandboxagent/internal/sandbox"
	"github.com/rivet-dev/sandboxagent/internal/session"
	"github.com/rivet-dev/sandboxagent/internal/ueevent"
	"github.com/rivet-dev/sandboxagent/pkg/ueapi"
)

// Native is the native /v1 surface, a thin HTTP skin over sandbox.Manager.
type Native struct {
	sm *sandbox.Manager
}

func NewNative(sm *sandbox.Manager) *Native {
	return &Native{sm: sm}
}

func (n *Native) Routes(r chi.Router) {
	r.Get("/health", n.handleHealth)
	r.Get("/agents", n.handleListAgents)
	r.Post("/agents/{agent}/install", n.handleInstallAgent)
	r.Get("/agents/{agent}/modes", n.handleAgentModes)
	r.Get("/agents/{agent}/models", n.handleAgentModels)

	r.Get("/sessions", n.handleListSessions)
	r.Post("/sessions/{id}", n.handleCreateSession)
	r.Post("/sessions/{id}/messages", n.handleSendMessage)
	r.Post("/sessions/{id}/messages/stream", n.handleStreamTurn)
	r.Post("/sessions/{id}/terminate", n.handleTerminate)
	r.Get("/sessions/{id}/events", n.handleListEvents)
	r.Get("/sessions/{id}/events/sse", n.handleEventsSSE)
	r.Post("/sessions/{id}/questions/{qid}/reply", n.handleQuestionReply)
	r.Post("/sessions/{id}/questions/{qid}/reject", n.handleQuestionReject)
	r.Post("/sessions/{id}/permissions/{pid}/reply", n.handlePermissionReply)
}

func (n *Native) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]string{"status": "ok"})
}

func (n *Native) handleListAgents(w http.ResponseWriter, r *http.Request) {
	type agentInfo struct {
		Name      string        `json:"name"`
		Installed bool          `json:"installed"`
		Path      string        `json:"path,omitempty"`
		Modes     []string      `json:"modes"`
		Status    backendStatus `json:"status"`
	}

	var out []agentInfo
	for _, agent := range sandbox.AgentNames() {
		installed, path := n.sm.InstalledStatus(agent)
		modes, _ := sandbox.AgentModes(agent)
		st := n.sm.BackendStatus(agent)
		out = append(out, agentInfo{
			Name:      agent,
			Installed: installed,
			Path:      path,
			Modes:     modes,
			Status:    toBackendStatus(st),
		})
	}
	writeSuccess(w, out)
}

type backendStatus struct {
	State        string `json:"state"`
	UptimeMS     int64  `json:"uptime_ms"`
	RestartCount int    `json:"restart_count"`
	LastError    string `json:"last_error,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`
}

func toBackendStatus(st backend.Status) backendStatus {
	return backendStatus{
		State:        st.State,
		UptimeMS:     st.Uptime.Milliseconds(),
		RestartCount: st.RestartCount,
		LastError:    st.LastError,
		BaseURL:      st.BaseURL,
	}
}

func (n *Native) handleInstallAgent(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	if err := n.sm.InstallAgent(agent); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, map[string]bool{"installed": true})
}

func (n *Native) handleAgentModes(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	modes, ok := sandbox.AgentModes(agent)
	if !ok {
		writeErrorCode(w, sandbox.CodeUnsupportedAgent, "unknown agent "+agent)
		return
	}
	writeSuccess(w, map[string]any{"modes": modes})
}

func (n *Native) handleAgentModels(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	models, def, ok := sandbox.AgentModels(agent)
	if !ok {
		writeErrorCode(w, sandbox.CodeUnsupportedAgent, "unknown agent "+agent)
		return
	}
	writeSuccess(w, map[string]any{"models": models, "default": def})
}

func (n *Native) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := n.sm.ListSessions()
	out := make([]ueapi.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionView(s))
	}
	writeSuccess(w, out)
}

func (n *Native) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body ueapi.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorCode(w, sandbox.CodeInvalidRequest, "invalid JSON body")
		return
	}

	sess, err := n.sm.CreateSession(r.Context(), id, sandbox.CreateParams{
		Agent:          body.Agent,
		AgentMode:      body.AgentMode,
		PermissionMode: body.PermissionMode,
		Model:          body.Model,
		Variant:        body.Variant,
		Version:        body.Version,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, toSessionView(sess))
}

func toSessionView(sess *session.Session) ueapi.Session {
	v := ueapi.Session{
		ID:             sess.SessionID,
		Agent:          sess.Agent,
		AgentMode:      sess.AgentMode,
		PermissionMode: sess.PermissionMode,
		Model:          sess.Model,
		Variant:        sess.Variant,
		Version:        sess.Version,
		Ended:          sess.Ended(),
	}
	if v.Ended {
		v.EndReason = sess.EndStateSnapshot().Reason
	}
	return v
}

func (n *Native) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body ueapi.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorCode(w, sandbox.CodeInvalidRequest, "invalid JSON body")
		return
	}
	if err := n.sm.SendMessage(r.Context(), id, body.Text); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}

// handleStreamTurn sends a prompt and streams exactly the events produced
// by that turn, subscribing before sending so no event is missed.
func (n *Native) handleStreamTurn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body ueapi.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorCode(w, sandbox.CodeInvalidRequest, "invalid JSON body")
		return
	}

	_, ch, unsub, err := n.sm.SubscribeForTurn(id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unsub()

	if err := n.sm.SendMessage(r.Context(), id, body.Text); err != nil {
		writeError(w, err)
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeErrorCode(w, sandbox.CodeStreamError, "streaming not supported")
		return
	}

	sess, err := n.sm.GetSession(id)
	if err != nil {
		return
	}

	includeRaw := includeRawFromRequest(r)
	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()

	metrics.SSEClientConnected()
	defer metrics.SSEClientDisconnected()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sw.writeEvent(ev.Sanitize(includeRaw)); err != nil {
				return
			}
			if terminal, outcome := turnTerminal(sess.Agent, ev); terminal {
				metrics.TurnCompleted(sess.Agent, outcome)
				return
			}
		case <-ticker.C:
			if err := sw.writeKeepalive(); err != nil {
				return
			}
		}
	}
}

// turnTerminal decides when a turn stream ends: session end, error,
// unparsed agent output, a newly requested permission/question (control
// goes back to the client), a completed assistant message, or turn end.
// Codex interleaves further tool/reasoning items after an assistant message
// within one turn, so for it an assistant completion is not terminal; its
// turns end on turn.ended.
func turnTerminal(agent string, ev ueevent.Event) (bool, string) {
	switch ev.EventType {
	case ueevent.SessionEnded:
		return true, "ended"
	case ueevent.TurnEnded:
		return true, "completed"
	case ueevent.Error:
		return true, "error"
	case ueevent.AgentUnparsed:
		return true, "error"
	case ueevent.PermissionRequested, ueevent.QuestionRequested:
		return true, "awaiting_client"
	case ueevent.ItemCompleted:
		if agent == "codex" {
			return false, ""
		}
		data, ok := ev.Data.(ueevent.ItemCompletedData)
		if !ok {
			return false, ""
		}
		if data.Item.Kind == ueevent.KindMessage && data.Item.Role == ueevent.RoleAssistant {
			return true, "completed"
		}
	}
	return false, ""
}

func (n *Native) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := n.sm.TerminateSession(id); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}

func (n *Native) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	offset := int64(0)
	if q := r.URL.Query().Get("offset"); q != "" {
		if v, err := strconv.ParseInt(q, 10, 64); err == nil {
			offset = v
		}
	}
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		if v, err := strconv.Atoi(q); err == nil {
			limit = v
		}
	}
	includeRaw := includeRawFromRequest(r)

	since, _, unsub, err := n.sm.Subscribe(id, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	unsub()

	if limit > 0 && len(since) > limit {
		since = since[:limit]
	}
	out := make([]ueevent.Event, 0, len(since))
	for _, ev := range since {
		out = append(out, ev.Sanitize(includeRaw))
	}
	writeSuccess(w, map[string]any{"events": out})
}

func (n *Native) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	offset := offsetFromRequest(r)
	includeRaw := includeRawFromRequest(r)

	since, ch, unsub, err := n.sm.Subscribe(id, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unsub()

	sw, ok := newSSEWriter(w)
	if !ok {
		writeErrorCode(w, sandbox.CodeStreamError, "streaming not supported")
		return
	}

	for _, ev := range since {
		if err := sw.writeEvent(ev.Sanitize(includeRaw)); err != nil {
			return
		}
	}

	metrics.SSEClientConnected()
	defer metrics.SSEClientDisconnected()

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sw.writeEvent(ev.Sanitize(includeRaw)); err != nil {
				return
			}
		case <-ticker.C:
			if err := sw.writeKeepalive(); err != nil {
				return
			}
		}
	}
}

func (n *Native) handleQuestionReply(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	qid := chi.URLParam(r, "qid")
	var body ueapi.ReplyQuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorCode(w, sandbox.CodeInvalidRequest, "invalid JSON body")
		return
	}
	if err := n.sm.ReplyQuestion(r.Context(), id, qid, body.Answers); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}

func (n *Native) handleQuestionReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	qid := chi.URLParam(r, "qid")
	if err := n.sm.RejectQuestion(r.Context(), id, qid); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}

func (n *Native) handlePermissionReply(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pid := chi.URLParam(r, "pid")
	var body ueapi.ReplyPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorCode(w, sandbox.CodeInvalidRequest, "invalid JSON body")
		return
	}
	if err := n.sm.ReplyPermission(r.Context(), id, pid, body.Reply); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}
