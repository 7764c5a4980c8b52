package opencode

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rivet-dev/sandboxagent/internal/metrics"
	"github.com/rivet-dev/sandboxagent/internal/sandbox"
	"github.com/rivet-dev/sandboxagent/pkg/ueapi"
)

// errEnvelope is OpenCode's {"errors":[{"message":...}]} error shape,
// distinct from internal/httpapi's native {"error":{"code",...}} envelope.
type errEnvelope struct {
	Errors []errItem `json:"errors"`
}

type errItem struct {
	Message string `json:"message"`
}

func writeOCError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errEnvelope{Errors: []errItem{{Message: message}}})
}

func writeOCJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusForSandboxError maps sandbox.Code onto an HTTP status, the way
// internal/httpapi's own error mapping does, duplicated here because this
// surface's error envelope shape differs from the native one.
func statusForSandboxError(err error) int {
	switch sandbox.CodeOf(err) {
	case sandbox.CodeSessionNotFound:
		return http.StatusNotFound
	case sandbox.CodeSessionExists:
		return http.StatusConflict
	case sandbox.CodeInvalidRequest, sandbox.CodeModeNotSupported, sandbox.CodeUnsupportedAgent:
		return http.StatusBadRequest
	case sandbox.CodeAgentNotInstalled, sandbox.CodeAgentProcessExited, sandbox.CodeStreamError:
		return http.StatusBadGateway
	case sandbox.CodeTokenInvalid:
		return http.StatusUnauthorized
	case sandbox.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Routes mounts the OpenCode-compatible surface onto r. Mounted twice by
// the caller (at "/" and at "/opencode") since some clients assume OpenCode
// is the API root.
func (a *Adapter) Routes(r chi.Router) {
	r.Get("/event", a.handleEventStream)

	r.Route("/session", func(r chi.Router) {
		r.Get("/", a.handleListSessions)
		r.Post("/", a.handleCreateSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", a.handleGetSession)
			r.Patch("/", a.handlePatchSession)
			r.Delete("/", a.handleDeleteSession)
			r.Post("/abort", a.handleAbortSession)
			r.Post("/init", a.handleNoopOK)
			r.Post("/fork", a.handleNotImplemented)
			r.Get("/diff", a.handleDiff)
			r.Get("/todo", a.handleTodo)
			r.Post("/summarize", a.handleNoopOK)
			r.Get("/message", a.handleListMessages)
			r.Post("/message", a.handleSendMessage)
			r.Post("/prompt_async", a.handleSendMessage)
			r.Post("/permissions/{permID}", a.handleReplyPermission)
		})
	})

	r.Post("/permission", a.handleReplyPermissionGlobal)
	r.Post("/question", a.handleReplyQuestion)

	r.Get("/agent", a.handleListAgents)
	r.Get("/command", func(w http.ResponseWriter, r *http.Request) { writeOCJSON(w, http.StatusOK, []any{}) })
	r.Get("/config", a.handleConfig)
	r.Get("/config/providers", a.handleConfigProviders)
	r.Get("/provider", a.handleConfigProviders)
	r.Get("/provider/auth", func(w http.ResponseWriter, r *http.Request) { writeOCJSON(w, http.StatusOK, map[string]any{}) })
	r.Get("/project", func(w http.ResponseWriter, r *http.Request) { writeOCJSON(w, http.StatusOK, []any{}) })
	r.Get("/project/current", a.handleCurrentProject)
	r.Get("/global/event", a.handleEventStream)
}

func (a *Adapter) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.sm.ListSessions()
	out := make([]*ueapi.OCSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toOCSession(s.SessionID))
	}
	writeOCJSON(w, http.StatusOK, out)
}

func (a *Adapter) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Agent string `json:"agent"`
		Model struct {
			ProviderID string `json:"providerID"`
			ModelID    string `json:"modelID"`
		} `json:"model"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	agent := body.Agent
	if agent == "" {
		agent = body.Model.ProviderID
	}

	id, err := a.createSession(r.Context(), agent, body.Model.ModelID)
	if err != nil {
		writeOCError(w, statusForSandboxError(err), err.Error())
		return
	}
	writeOCJSON(w, http.StatusOK, toOCSession(id))
}

func (a *Adapter) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := a.sm.GetSession(id); err != nil {
		writeOCError(w, statusForSandboxError(err), err.Error())
		return
	}
	writeOCJSON(w, http.StatusOK, toOCSession(id))
}

func (a *Adapter) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	// Title/directory patches are accepted but neither applied nor
	// persisted; the session is returned unchanged.
	a.handleGetSession(w, r)
}

func (a *Adapter) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := a.sm.TerminateSession(id); err != nil {
		writeOCError(w, statusForSandboxError(err), err.Error())
		return
	}
	a.forgetSession(id)
	writeOCJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *Adapter) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := a.sm.TerminateSession(id); err != nil {
		writeOCError(w, statusForSandboxError(err), err.Error())
		return
	}
	writeOCJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *Adapter) handleNoopOK(w http.ResponseWriter, r *http.Request) {
	writeOCJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *Adapter) handleNotImplemented(w http.ResponseWriter, r *http.Request) {
	writeOCError(w, http.StatusNotImplemented, "not implemented")
}

func (a *Adapter) handleDiff(w http.ResponseWriter, r *http.Request) {
	writeOCJSON(w, http.StatusOK, map[string]any{"additions": 0, "deletions": 0, "files": 0})
}

func (a *Adapter) handleTodo(w http.ResponseWriter, r *http.Request) {
	writeOCJSON(w, http.StatusOK, []any{})
}

func (a *Adapter) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := a.sm.GetSession(id)
	if err != nil {
		writeOCError(w, statusForSandboxError(err), err.Error())
		return
	}
	// Messages are a read-model the live projection already maintains via
	// translate(); replaying the session's event log through a throwaway
	// runtime gives a point-in-time reconstruction without storing a
	// separate message history.
	rt := newRuntime()
	var messages []*ueapi.OCMessage
	for _, ev := range sess.Events() {
		for _, sdkEv := range translate(rt, id, ev) {
			if data, ok := sdkEv.Properties.(ueapi.OCMessageUpdatedData); ok {
				messages = appendOrReplaceMessage(messages, data.Info)
			}
		}
	}
	writeOCJSON(w, http.StatusOK, messages)
}

func appendOrReplaceMessage(messages []*ueapi.OCMessage, m *ueapi.OCMessage) []*ueapi.OCMessage {
	for i, existing := range messages {
		if existing.ID == m.ID {
			messages[i] = m
			return messages
		}
	}
	return append(messages, m)
}

func (a *Adapter) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	var body struct {
		Parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"parts"`
		Text  string `json:"text"`
		Model *struct {
			ProviderID string `json:"providerID"`
			ModelID    string `json:"modelID"`
		} `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeOCError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	text := body.Text
	for _, p := range body.Parts {
		if p.Type == "text" && p.Text != "" {
			text = p.Text
		}
	}

	sess, err := a.sm.GetSession(id)
	if err != nil {
		writeOCError(w, statusForSandboxError(err), err.Error())
		return
	}
	restored := sess.NativeSessionID() == ""

	if body.Model != nil {
		if msg := a.selectModel(id, body.Model.ProviderID, body.Model.ModelID, restored); msg != "" {
			writeOCError(w, http.StatusBadRequest, msg)
			return
		}
	}

	if err := a.maybeRestore(r.Context(), id, &text); err != nil {
		writeOCError(w, statusForSandboxError(err), err.Error())
		return
	}

	a.ensureFeed(id)
	if err := a.sm.SendMessage(r.Context(), id, text); err != nil {
		writeOCError(w, statusForSandboxError(err), err.Error())
		return
	}
	writeOCJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *Adapter) handleReplyPermission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	permID := chi.URLParam(r, "permID")
	a.replyPermission(w, r, id, permID)
}

func (a *Adapter) handleReplyPermissionGlobal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionID"`
		ID        string `json:"id"`
		Response  string `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeOCError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sessionID := body.SessionID
	if sessionID == "" {
		var ok bool
		sessionID, ok = a.sessionForPermission(body.ID)
		if !ok {
			writeOCError(w, http.StatusNotFound, "unknown permission id")
			return
		}
	}
	a.replyPermissionDecoded(w, r, sessionID, body.ID, body.Response)
}

func (a *Adapter) replyPermission(w http.ResponseWriter, r *http.Request, sessionID, permID string) {
	var body struct {
		Response string `json:"response"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	a.replyPermissionDecoded(w, r, sessionID, permID, body.Response)
}

// replyPermissionDecoded maps an OpenCode response vocabulary
// (allow/always/deny and their allow_once/allow_always/reject_* spellings)
// onto the native once/always/reject reply.
func (a *Adapter) replyPermissionDecoded(w http.ResponseWriter, r *http.Request, sessionID, permID, response string) {
	reply := "reject"
	switch response {
	case "allow", "once", "allow_once":
		reply = "once"
	case "always", "allow_always":
		reply = "always"
	}

	if err := a.sm.ReplyPermission(r.Context(), sessionID, permID, reply); err != nil {
		writeOCError(w, statusForSandboxError(err), err.Error())
		return
	}
	writeOCJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *Adapter) handleReplyQuestion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string     `json:"sessionID"`
		ID        string     `json:"id"`
		Answers   [][]string `json:"answers"`
		Rejected  bool       `json:"rejected"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeOCError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sessionID := body.SessionID
	if sessionID == "" {
		var ok bool
		sessionID, ok = a.sessionForQuestion(body.ID)
		if !ok {
			writeOCError(w, http.StatusNotFound, "unknown question id")
			return
		}
	}

	var err error
	if body.Rejected {
		err = a.sm.RejectQuestion(r.Context(), sessionID, body.ID)
	} else {
		err = a.sm.ReplyQuestion(r.Context(), sessionID, body.ID, body.Answers)
	}
	if err != nil {
		writeOCError(w, statusForSandboxError(err), err.Error())
		return
	}
	writeOCJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *Adapter) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := []string{"claude", "codex", "opencode", "amp", "mock"}
	out := make([]map[string]any, 0, len(agents))
	for _, agent := range agents {
		status := a.sm.BackendStatus(agent)
		out = append(out, map[string]any{"name": agent, "status": status.State})
	}
	writeOCJSON(w, http.StatusOK, out)
}

func (a *Adapter) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeOCJSON(w, http.StatusOK, map[string]any{})
}

func (a *Adapter) handleConfigProviders(w http.ResponseWriter, r *http.Request) {
	writeOCJSON(w, http.StatusOK, map[string]any{"providers": []any{}})
}

func (a *Adapter) handleCurrentProject(w http.ResponseWriter, r *http.Request) {
	writeOCJSON(w, http.StatusOK, map[string]any{"id": "default", "worktree": "."})
}

// handleEventStream serves /event and /global/event: a single long-lived
// SSE connection broadcasting every OpenCode event across every session,
// with last-event-id replay from the ring buffer.
func (a *Adapter) handleEventStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOCError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	rc := http.NewResponseController(w)

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writeSSE(w, rc, flusher, 0, ueapi.SDKEvent{Type: "server.connected", Properties: map[string]any{}})

	metrics.SSEClientConnected()
	defer metrics.SSEClientDisconnected()

	// Subscribe before replaying so nothing published during the replay is
	// lost; lastSent suppresses the overlap.
	events, unsub := a.subscribeGlobal()
	defer unsub()

	var lastSent uint64
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if n, err := strconv.ParseUint(lastID, 10, 64); err == nil {
			lastSent = n
			for _, entry := range a.replaySince(n) {
				if err := writeSSE(w, rc, flusher, entry.ID, entry.Event); err != nil {
					return
				}
				lastSent = entry.ID
			}
		}
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-events:
			if !ok {
				return
			}
			if entry.ID <= lastSent {
				continue
			}
			if err := writeSSE(w, rc, flusher, entry.ID, entry.Event); err != nil {
				return
			}
			lastSent = entry.ID
		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, rc *http.ResponseController, flusher http.Flusher, id uint64, ev ueapi.SDKEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	frame := "event: message\ndata: " + string(data) + "\n\n"
	if id > 0 {
		frame = "id: " + strconv.FormatUint(id, 10) + "\n" + frame
	}
	if _, err := w.Write([]byte(frame)); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil {
		flusher.Flush()
	}
	return nil
}

func toOCSession(id string) *ueapi.OCSession {
	now := time.Now().UnixMilli()
	return &ueapi.OCSession{
		ID:      id,
		Title:   id,
		Version: "1",
		Time:    ueapi.OCSessionTime{Created: now, Updated: now},
	}
}
