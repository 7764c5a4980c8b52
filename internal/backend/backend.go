// Package backend owns the lifecycle of per-agent backend processes:
// spawn, health-check, handshake, auto-restart, and routing of native
// output back to the owning session.
package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/rivet-dev/sandboxagent/internal/convert"
	"github.com/rivet-dev/sandboxagent/internal/metrics"
)

// Kind is one of the four backend transports.
type Kind string

const (
	KindSubprocessPerTurn  Kind = "subprocess_per_turn"
	KindSharedStdioJSONRPC Kind = "shared_stdio_jsonrpc"
	KindSharedHTTPSSE      Kind = "shared_http_sse"
	KindInProcessMock      Kind = "in_process_mock"
)

// State is the internal lifecycle state machine; intermediate transitions
// are collapsed into the coarser Status.State exposed externally.
type State string

const (
	StateStopped  State = "stopped"
	StateSpawning State = "spawning"
	StateReady    State = "ready"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateCrashed  State = "crashed"
)

// Status is the externally visible view of a backend.
type Status struct {
	Agent        string        `json:"agent"`
	State        string        `json:"state"` // "running" | "stopped" | "error"
	Uptime       time.Duration `json:"uptime"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
	BaseURL      string        `json:"base_url,omitempty"`
}

// SessionRouter is implemented by internal/sandbox so a backend can record
// events and mark sessions ended without owning the session store itself,
// keeping ownership one-directional.
type SessionRouter interface {
	RecordConversions(sessionID string, conversions []convert.EventConversion)
	MarkSessionEnded(sessionID, reason, terminatedBy string, exitCode *int, message, stderr string)
	SessionsOnBackend(agent string) []string
}

// Handle is what internal/sandbox uses to talk to a specific agent's
// backend once ensure() has returned successfully.
type Handle interface {
	Agent() string
	Kind() Kind
	RegisterSession(sessionID, nativeSessionID string)
	UnregisterSession(sessionID string)
	// EnsureNativeSession performs the agent-specific session bootstrap
	// ("session/new" for HTTP backends, "thread/start" for JSON-RPC); it
	// returns "" for backends that have no native session handshake
	// (mock, subprocess-per-turn).
	EnsureNativeSession(ctx context.Context, sessionID string) (string, error)
	// SendPrompt dispatches a prompt according to the agent's wire format
	// (subprocess stdin JSON-lines, JSON-RPC request, HTTP POST, or mock
	// rule-table lookup).
	SendPrompt(ctx context.Context, sessionID, prompt string) error
	// Reply forwards a permission/question reply to the backend using the
	// agent-specific wire shape.
	Reply(ctx context.Context, sessionID string, kind ReplyKind, id string, reply Reply) error
	Status() Status
}

// ReplyKind distinguishes a permission reply from a question reply so
// Handle.Reply can pick the right wire shape.
type ReplyKind string

const (
	ReplyPermission ReplyKind = "permission"
	ReplyQuestion   ReplyKind = "question"
)

// Reply is the normalized client reply forwarded to a backend.
type Reply struct {
	PermissionReply string     // "once" | "always" | "reject"
	Answers         [][]string // question answers
	Rejected        bool
}

// Readiness / handshake tunables.
const (
	HealthPollInterval = 150 * time.Millisecond
	HealthPollTimeout  = 3 * time.Second
	HandshakeTimeout   = 30 * time.Second
)

func newRestartBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0 // never returns backoff.Stop; restarts are not capped
	return b
}

// crashNotifier is implemented by handle kinds that own a long-running
// process (shared stdio/HTTP backends); Manager registers a callback that
// evicts the crashed handle once its exit has been fully processed, so the
// next Ensure call respawns. Subprocess-per-turn and mock handles have no
// persistent process to crash.
type crashNotifier interface {
	OnCrash(fn func())
}

// Manager owns every backend, at most one live shared backend per agent;
// subprocess-per-turn backends are never shared.
type Manager struct {
	mu              sync.Mutex
	router          SessionRouter
	handles         map[string]Handle
	starting        map[string]chan struct{} // singleflight for concurrent ensure()
	shutdown        bool
	restartBackoffs map[string]backoff.BackOff
	// restartCounts is keyed by agent and owned here rather than by the
	// handles: a crashed handle is evicted and replaced, and the count must
	// stay non-decreasing across that replacement.
	restartCounts map[string]int
	// restartLimiter caps how often ANY agent may be evicted-and-respawned,
	// so a crash-looping backend cannot spin the spawn path unbounded.
	restartLimiter *rate.Limiter
}

// NewManager constructs a Manager bound to router for crash/error
// callbacks.
func NewManager(router SessionRouter) *Manager {
	return &Manager{
		router:          router,
		handles:         make(map[string]Handle),
		starting:        make(map[string]chan struct{}),
		restartBackoffs: make(map[string]backoff.BackOff),
		restartCounts:   make(map[string]int),
		restartLimiter:  rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Ensure returns a running Handle for agent, spawning and health-checking
// it on first use. Concurrent callers during a pending handshake share the
// same wait.
func (m *Manager) Ensure(ctx context.Context, agent string) (Handle, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, fmt.Errorf("backend manager is shutting down")
	}
	if h, ok := m.handles[agent]; ok {
		m.mu.Unlock()
		return h, nil
	}
	if wait, ok := m.starting[agent]; ok {
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return m.Ensure(ctx, agent)
	}
	wait := make(chan struct{})
	m.starting[agent] = wait
	m.mu.Unlock()

	h, err := m.spawn(ctx, agent)

	m.mu.Lock()
	delete(m.starting, agent)
	if err == nil {
		m.handles[agent] = h
	}
	m.mu.Unlock()
	close(wait)

	return h, err
}

func (m *Manager) spawn(ctx context.Context, agent string) (Handle, error) {
	factory, ok := factories[agent]
	if !ok {
		return nil, fmt.Errorf("unsupported_agent: %s", agent)
	}

	hctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	h, err := factory(hctx, m.router)
	if err != nil {
		metrics.BackendStatus(agent, "error")
		return nil, err
	}

	if cn, ok := h.(crashNotifier); ok {
		cn.OnCrash(func() { m.handleCrash(agent, h) })
	}

	m.mu.Lock()
	delete(m.restartBackoffs, agent) // a clean spawn resets backoff for the next crash
	m.mu.Unlock()

	metrics.BackendStatus(agent, "running")
	return h, nil
}

// handleCrash evicts a crashed handle so the next Ensure call for agent
// respawns it, after waiting out both the agent's own exponential backoff
// and the Manager-wide restart rate limit. Sessions on the crashed handle
// have already been marked ended by the handle's own monitorExit before
// this runs.
func (m *Manager) handleCrash(agent string, crashed Handle) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.restartCounts[agent]++
	b, ok := m.restartBackoffs[agent]
	if !ok {
		b = newRestartBackoff()
		m.restartBackoffs[agent] = b
	}
	delay := b.NextBackOff()
	m.mu.Unlock()

	metrics.BackendStatus(agent, "crashed")
	metrics.BackendRestarted(agent)

	if delay != backoff.Stop {
		_ = m.restartLimiter.Wait(context.Background())
		time.Sleep(delay)
	}

	m.mu.Lock()
	if !m.shutdown && m.handles[agent] == crashed {
		delete(m.handles, agent)
	}
	m.mu.Unlock()
}

// Status returns the current status of agent's backend, or a stopped
// status if none is live. RestartCount is the Manager's crash-restart
// tally plus whatever the handle itself counts (per-turn failures for
// subprocess agents), so it never resets when a crashed handle is replaced.
func (m *Manager) Status(agent string) Status {
	m.mu.Lock()
	h, ok := m.handles[agent]
	restarts := m.restartCounts[agent]
	m.mu.Unlock()
	if !ok {
		return Status{Agent: agent, State: "stopped", RestartCount: restarts}
	}
	st := h.Status()
	st.RestartCount += restarts
	return st
}

// Shutdown drains and stops every backend, refusing future restarts.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.shutdown = true
	handles := make([]Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if s, ok := h.(interface{ Shutdown(context.Context) error }); ok {
			_ = s.Shutdown(ctx)
		}
	}
}

type factoryFunc func(ctx context.Context, router SessionRouter) (Handle, error)

var factories = map[string]factoryFunc{}

func registerFactory(agent string, f factoryFunc) {
	factories[agent] = f
}
