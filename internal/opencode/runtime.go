// Package opencode is the protocol adapter: an OpenCode-compatible
// HTTP+SSE surface built as a read-model projection over internal/sandbox's
// Universal Event stream. It owns no session state of its own beyond the
// projection; internal/sandbox remains the source of truth.
package opencode

import (
	"sync"
)

// runtime is the per-session projection state: last user message id, active
// assistant message id, per-item text accumulators and part ids, per-call
// tool bookkeeping, and the set of item ids that have already received a
// delta (so item.completed doesn't re-synthesize one).
type runtime struct {
	mu sync.Mutex

	lastUserMessageID    string
	activeAssistantMsgID string
	textByItem           map[string]string // item id -> accumulated text
	textPartIDByItem     map[string]string // item id -> OC part id
	toolPartIDByCall     map[string]string // call id -> OC part id
	toolMessageIDByCall  map[string]string // call id -> owning message id
	toolNameByCall       map[string]string
	toolArgsByCall       map[string]map[string]any
	openToolCalls        map[string]bool
	deltaSeen            map[string]bool
	connectionID         string // backend connection id, for restore detection
	providerID, modelID  string // frozen once the session has messages
	hasMessages          bool
}

func newRuntime() *runtime {
	return &runtime{
		textByItem:          make(map[string]string),
		textPartIDByItem:    make(map[string]string),
		toolPartIDByCall:    make(map[string]string),
		toolMessageIDByCall: make(map[string]string),
		toolNameByCall:      make(map[string]string),
		toolArgsByCall:      make(map[string]map[string]any),
		openToolCalls:       make(map[string]bool),
		deltaSeen:           make(map[string]bool),
	}
}

// registry is the Adapter-owned collection of per-session runtimes.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*runtime
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*runtime)}
}

func (r *registry) get(sessionID string) *runtime {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.sessions[sessionID]
	if !ok {
		rt = newRuntime()
		r.sessions[sessionID] = rt
	}
	return rt
}

func (r *registry) forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// derivedAssistantID derives the assistant message id from its parent user
// message, so replay reconstructs the same id.
func derivedAssistantID(parentUserID string) string {
	return parentUserID + "_assistant"
}

func strPtr(s string) *string { return &s }
