// Package sandbox implements the session manager: the public coordinator
// that creates sessions, ensures the right backend is live, dispatches
// prompts, and bridges client replies to pending permission/question
// requests.
package sandbox

import (
	"context"
	"os/exec"
	"sort"
	"sync"

	"github.com/rivet-dev/sandboxagent/internal/backend"
	"github.com/rivet-dev/sandboxagent/internal/convert"
	"github.com/rivet-dev/sandboxagent/internal/metrics"
	"github.com/rivet-dev/sandboxagent/internal/permission"
	"github.com/rivet-dev/sandboxagent/internal/session"
	"github.com/rivet-dev/sandboxagent/internal/storage"
	"github.com/rivet-dev/sandboxagent/internal/ueevent"
)

// binaryForAgent names the executable each agent backend shells out to, for
// the install check create_session performs before spawning anything. The
// in-process mock and the opencode HTTP server (spawned by
// internal/backend/httpsse.go itself) are exempt.
var binaryForAgent = map[string]string{
	"claude": "claude",
	"amp":    "amp",
	"codex":  "codex",
}

// CreateParams are the client-supplied fields for create_session.
type CreateParams struct {
	Agent          string
	AgentMode      string
	PermissionMode string
	Model          string
	Variant        string
	Version        string
}

// Manager owns the session Store and the backend Manager and is
// the only thing that mutates either in response to a client request.
type Manager struct {
	store    *session.Store
	backends *backend.Manager
	persist  *storage.SQLiteStore
	policy   *permission.Policy

	mu       sync.Mutex
	agentOf  map[string]string // session id -> agent, for SessionsOnBackend
	lookPath func(string) (string, error)
}

// NewManager constructs a Manager. lookPath defaults to exec.LookPath; tests
// inject a stub to avoid depending on $PATH contents.
func NewManager(store *session.Store) *Manager {
	m := &Manager{
		store:   store,
		agentOf: make(map[string]string),
		policy:  permission.NewPolicy(),
	}
	m.backends = backend.NewManager(m)
	m.lookPath = exec.LookPath
	return m
}

// SetPersistence wires an optional SQLite-backed store; a nil store (the
// default, when no db-path is configured) makes every persistence call a
// no-op.
func (m *Manager) SetPersistence(store *storage.SQLiteStore) {
	m.persist = store
}

func (m *Manager) persistRecord(sess *session.Session) {
	if m.persist == nil {
		return
	}
	end := sess.EndStateSnapshot()
	_ = m.persist.SaveSession(storage.SessionRecord{
		SessionID:       sess.SessionID,
		Agent:           sess.Agent,
		AgentMode:       sess.AgentMode,
		PermissionMode:  sess.PermissionMode,
		Model:           sess.Model,
		Variant:         sess.Variant,
		NativeSessionID: sess.NativeSessionID(),
		Ended:           end.Ended,
		EndReason:       end.Reason,
	})
}

// persistEvents drains id's event stream into the SQLite store as events
// arrive, mirroring internal/opencode's own feed-goroutine-per-session
// pattern (adapter.go's ensureFeed/feed).
func (m *Manager) persistEvents(id string) {
	if m.persist == nil {
		return
	}
	since, ch, unsub, err := m.Subscribe(id, 0)
	if err != nil {
		return
	}
	go func() {
		defer unsub()
		for _, ev := range since {
			_ = m.persist.SaveEvent(ev)
		}
		for ev := range ch {
			_ = m.persist.SaveEvent(ev)
		}
	}()
}

// CreateSession validates the request, ensures the agent's backend is live,
// performs the agent-specific session bootstrap, and records the opening
// session.started event.
func (m *Manager) CreateSession(ctx context.Context, id string, p CreateParams) (*session.Session, error) {
	if id == "" {
		return nil, E(CodeInvalidRequest, "session id is required")
	}

	permissionMode, err := normalizeMode(p.Agent, p.PermissionMode)
	if err != nil {
		return nil, err
	}

	if bin, ok := binaryForAgent[p.Agent]; ok {
		if _, lookErr := m.lookPath(bin); lookErr != nil {
			return nil, E(CodeAgentNotInstalled, "%s is not installed (%v)", p.Agent, lookErr)
		}
	}

	sess, err := m.store.Create(session.Identity{
		SessionID:      id,
		Agent:          p.Agent,
		AgentMode:      p.AgentMode,
		PermissionMode: permissionMode,
		Model:          p.Model,
		Variant:        p.Variant,
		Version:        p.Version,
	})
	if err != nil {
		if err == session.ErrAlreadyExists {
			return nil, E(CodeSessionExists, "session %q already exists", id)
		}
		return nil, E(CodeInvalidRequest, "%v", err)
	}

	m.mu.Lock()
	m.agentOf[id] = p.Agent
	m.mu.Unlock()

	abandon := func() {
		m.store.Forget(id)
		m.mu.Lock()
		delete(m.agentOf, id)
		m.mu.Unlock()
	}

	h, err := m.backends.Ensure(ctx, p.Agent)
	if err != nil {
		abandon()
		return nil, E(CodeInstallFailed, "failed to start %s backend: %v", p.Agent, err)
	}

	native, err := h.EnsureNativeSession(ctx, id)
	if err != nil {
		abandon()
		return nil, toSandboxError(err)
	}
	if native != "" {
		sess.SetNativeSessionID(native)
	}
	h.RegisterSession(id, native)

	sess.Record([]convert.EventConversion{{
		EventType: ueevent.SessionStarted,
		Source:    "daemon",
		Synthetic: true,
		Data: ueevent.SessionStartedData{
			Agent:          p.Agent,
			AgentMode:      p.AgentMode,
			PermissionMode: permissionMode,
			Model:          p.Model,
			Variant:        p.Variant,
		},
	}})

	m.persistRecord(sess)
	m.persistEvents(id)
	metrics.SessionsActive(p.Agent, len(m.SessionsOnBackend(p.Agent)))

	return sess, nil
}

// GetSession resolves a session by id, translating the not-found case into
// the taxonomy's CodeSessionNotFound.
func (m *Manager) GetSession(id string) (*session.Session, error) {
	sess, ok := m.store.Get(id)
	if !ok {
		return nil, E(CodeSessionNotFound, "session %q not found", id)
	}
	return sess, nil
}

// ListSessions returns every tracked session, deterministically ordered.
func (m *Manager) ListSessions() []*session.Session {
	return m.store.List()
}

// SendMessage implements send_message: resolves the session, ensures its
// backend is live (reopening after a restart if necessary), and writes the
// prompt using the agent's transport.
func (m *Manager) SendMessage(ctx context.Context, id, text string) error {
	sess, err := m.GetSession(id)
	if err != nil {
		return err
	}
	if text == "" {
		return E(CodeInvalidRequest, "message text must not be empty")
	}
	if sess.Ended() {
		if !canResume(sess.Agent, sess.EndStateSnapshot()) {
			return E(CodeAgentProcessExited, "session %q's agent process has exited (%s)", id, sess.EndStateSnapshot().Reason)
		}
		sess.Reopen()
	}

	h, err := m.backends.Ensure(ctx, sess.Agent)
	if err != nil {
		return E(CodeInstallFailed, "failed to ensure %s backend: %v", sess.Agent, err)
	}

	if sess.NativeSessionID() == "" {
		native, err := h.EnsureNativeSession(ctx, id)
		if err != nil {
			return toSandboxError(err)
		}
		if native != "" {
			sess.SetNativeSessionID(native)
			h.RegisterSession(id, native)
		}
	}

	sess.Record([]convert.EventConversion{{
		EventType: ueevent.TurnStarted,
		Source:    "daemon",
		Synthetic: true,
		Data:      ueevent.TurnStartedData{Prompt: text},
	}})

	if err := h.SendPrompt(ctx, id, text); err != nil {
		return toSandboxError(err)
	}
	return nil
}

// resumableAgents supports continuing a conversation with a fresh process
// or a rebuilt shared-backend binding. The mock has no conversation to
// resume.
var resumableAgents = map[string]bool{
	"claude":   true,
	"amp":      true,
	"opencode": true,
	"codex":    true,
}

// canResume reports whether an ended session may accept a new prompt.
// Daemon-initiated termination and crashes (error exits) are terminal; only
// a session whose process exited successfully can be reopened, and only for
// agents that support conversation resumption.
func canResume(agent string, end session.EndState) bool {
	if !resumableAgents[agent] {
		return false
	}
	if end.Reason == "terminated" || end.Reason == "error" {
		return false
	}
	return end.ExitCode == nil || *end.ExitCode == 0
}

// SubscribeForTurn implements subscribe_for_turn: the returned offset is
// captured before the caller sends a prompt, so a concurrent send_message
// from another client cannot leak into this subscriber's stream.
func (m *Manager) SubscribeForTurn(id string) (int64, <-chan ueevent.Event, func(), error) {
	sess, err := m.GetSession(id)
	if err != nil {
		return 0, nil, nil, err
	}
	offset := sess.NextSequence()
	_, ch, unsub := sess.Subscribe(offset)
	return offset, ch, unsub, nil
}

// Subscribe implements the general events subscription (not turn-scoped):
// returns history since offset plus a live channel.
func (m *Manager) Subscribe(id string, offset int64) ([]ueevent.Event, <-chan ueevent.Event, func(), error) {
	sess, err := m.GetSession(id)
	if err != nil {
		return nil, nil, nil, err
	}
	since, ch, unsub := sess.Subscribe(offset)
	return since, ch, unsub, nil
}

// ReplyPermission implements reply_permission.
func (m *Manager) ReplyPermission(ctx context.Context, id, permID, reply string) error {
	sess, err := m.GetSession(id)
	if err != nil {
		return err
	}
	pending, ok := sess.Permission(permID)
	if !ok {
		return E(CodeInvalidRequest, "unknown permission id %q", permID)
	}
	if reply == "always" {
		m.policy.RememberAlways(permission.Request{
			SessionID: id,
			ID:        permID,
			Action:    pending.Action,
			Metadata:  pending.Metadata,
		})
	}

	h, err := m.backends.Ensure(ctx, sess.Agent)
	if err != nil {
		return E(CodeStreamError, "backend unavailable: %v", err)
	}
	if err := h.Reply(ctx, id, backend.ReplyPermission, permID, backend.Reply{PermissionReply: reply}); err != nil {
		return toSandboxError(err)
	}

	status := "approved"
	switch reply {
	case "reject":
		status = "denied"
	case "always":
		status = "always"
	}
	sess.Record([]convert.EventConversion{{
		EventType: ueevent.PermissionResolved,
		Source:    "daemon",
		Synthetic: true,
		Data:      ueevent.PermissionResolvedData{ID: permID, Status: status},
	}})
	return nil
}

// ReplyQuestion implements reply_question.
func (m *Manager) ReplyQuestion(ctx context.Context, id, qID string, answers [][]string) error {
	return m.resolveQuestion(ctx, id, qID, answers, false)
}

// RejectQuestion implements reject_question.
func (m *Manager) RejectQuestion(ctx context.Context, id, qID string) error {
	return m.resolveQuestion(ctx, id, qID, nil, true)
}

func (m *Manager) resolveQuestion(ctx context.Context, id, qID string, answers [][]string, rejected bool) error {
	sess, err := m.GetSession(id)
	if err != nil {
		return err
	}
	if _, ok := sess.Question(qID); !ok {
		return E(CodeInvalidRequest, "unknown question id %q", qID)
	}

	h, err := m.backends.Ensure(ctx, sess.Agent)
	if err != nil {
		return E(CodeStreamError, "backend unavailable: %v", err)
	}
	if err := h.Reply(ctx, id, backend.ReplyQuestion, qID, backend.Reply{Answers: answers, Rejected: rejected}); err != nil {
		return toSandboxError(err)
	}

	sess.Record([]convert.EventConversion{{
		EventType: ueevent.QuestionResolved,
		Source:    "daemon",
		Synthetic: true,
		Data:      ueevent.QuestionResolvedData{ID: qID, Answers: answers, Rejected: rejected},
	}})
	return nil
}

// TerminateSession implements terminate_session.
func (m *Manager) TerminateSession(id string) error {
	sess, err := m.GetSession(id)
	if err != nil {
		return err
	}

	h, hErr := m.backends.Ensure(context.Background(), sess.Agent)
	if hErr == nil {
		h.UnregisterSession(id)
	}

	sess.MarkEnded("terminated", "daemon", nil, "terminated by client request", "")
	m.persistRecord(sess)
	m.policy.Forget(id)

	m.mu.Lock()
	delete(m.agentOf, id)
	m.mu.Unlock()
	metrics.SessionsActive(sess.Agent, len(m.SessionsOnBackend(sess.Agent)))
	return nil
}

// BackendStatus exposes each backend's Status for the health/agents routes.
func (m *Manager) BackendStatus(agent string) backend.Status {
	return m.backends.Status(agent)
}

// InstalledStatus reports whether agent's binary is on $PATH. opencode is
// looked up as an "opencode" binary like the CLI agents; mock is in-process
// and always reported installed.
func (m *Manager) InstalledStatus(agent string) (installed bool, path string) {
	bin, ok := binaryForAgent[agent]
	if !ok {
		if agent == "mock" {
			return true, ""
		}
		bin = agent
	}
	p, err := m.lookPath(bin)
	return err == nil, p
}

// InstallAgent implements POST /v1/agents/{agent}/install. sandboxagent
// never shells out to a package manager on the operator's behalf: each
// agent CLI has its own installer (npm, curl script, etc.) that the host
// environment is expected to run out of band. This call only re-checks
// $PATH and reports install_failed with actionable detail when the binary
// still isn't there, instead of pretending to perform work it didn't do.
func (m *Manager) InstallAgent(agent string) error {
	if !IsKnownAgent(agent) {
		return E(CodeUnsupportedAgent, "unknown agent %q", agent)
	}
	if installed, _ := m.InstalledStatus(agent); !installed {
		return E(CodeInstallFailed, "%s binary not found on PATH; install it on the host and retry", agent)
	}
	return nil
}

// Shutdown stops every backend and is called on daemon exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.backends.Shutdown(ctx)
}

// --- backend.SessionRouter implementation ---

// RecordConversions feeds backend-originated conversions into the named
// session's event log; this is how every backend kind (subprocess reader
// goroutine, stdio JSON-RPC reader, SSE consumer, mock runner) gets its
// output recorded without holding a reference to the Store itself.
// Recorded permission requests are run through the session's permission
// policy: a non-ask decision is replied to the backend on the client's
// behalf, so bypass/acceptEdits sessions and "always" grants never stall a
// turn.
func (m *Manager) RecordConversions(sessionID string, conversions []convert.EventConversion) {
	sess, ok := m.store.Get(sessionID)
	if !ok {
		return
	}
	appended := sess.Record(conversions)

	for _, ev := range appended {
		if ev.EventType != ueevent.PermissionRequested {
			continue
		}
		data, ok := ev.Data.(ueevent.PermissionRequestedData)
		if !ok {
			continue
		}
		decision := m.policy.Decide(sess.PermissionMode, permission.Request{
			SessionID: sessionID,
			ID:        data.ID,
			Action:    data.Action,
			Metadata:  data.Metadata,
		})
		if decision == permission.DecisionAsk {
			continue
		}
		reply := "once"
		if decision == permission.DecisionDeny {
			reply = "reject"
		}
		// Reply outside the backend reader's call path: ReplyPermission
		// writes back into the backend, and some transports service that
		// write from the same loop that called us.
		go func(permID, reply string) {
			_ = m.ReplyPermission(context.Background(), sessionID, permID, reply)
		}(data.ID, reply)
	}
}

// MarkSessionEnded is the callback a backend uses when its process exits
// mid-turn: an error exit records an error event first, then the terminal
// session.ended.
func (m *Manager) MarkSessionEnded(sessionID, reason, terminatedBy string, exitCode *int, message, stderr string) {
	sess, ok := m.store.Get(sessionID)
	if !ok {
		return
	}
	if reason == "error" && !sess.Ended() {
		sess.Record([]convert.EventConversion{{
			EventType: ueevent.Error,
			Source:    "daemon",
			Synthetic: true,
			Data:      ueevent.ErrorData{Message: message, Detail: stderr},
		}})
	}
	sess.MarkEnded(reason, terminatedBy, exitCode, message, stderr)
	m.persistRecord(sess)
	metrics.TurnCompleted(sess.Agent, reason)
}

// SessionsOnBackend returns every session id currently assigned to agent,
// used by a backend's exit monitor to know which sessions to mark ended.
func (m *Manager) SessionsOnBackend(agent string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for sid, a := range m.agentOf {
		if a == agent {
			out = append(out, sid)
		}
	}
	sort.Strings(out)
	return out
}

func toSandboxError(err error) error {
	if err == nil {
		return nil
	}
	if se, ok := err.(*Error); ok {
		return se
	}
	return E(CodeStreamError, "%v", err)
}
