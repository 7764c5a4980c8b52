package opencode

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/rivet-dev/sandboxagent/internal/logging"
	"github.com/rivet-dev/sandboxagent/internal/sandbox"
	"github.com/rivet-dev/sandboxagent/internal/storage"
	"github.com/rivet-dev/sandboxagent/internal/ueevent"
	"github.com/rivet-dev/sandboxagent/pkg/ueapi"
)

// ringCapacity bounds the global event ring buffer /event serves
// replay-after-id requests from.
const ringCapacity = 4096

// globalTopic is the single watermill topic every SDKEvent is published to;
// there is no need for per-session topics since /event consumers filter
// client-side.
const globalTopic = "opencode.events"

// Adapter owns a projection registry and a global broadcast hub fed by
// every session it has seen a prompt for, and exposes HTTP handlers (see
// handlers.go) that speak the OpenCode wire protocol. The live broadcast
// fan-out for /event and /global/event is backed by watermill's in-memory
// gochannel pub/sub; the ring buffer is separate bookkeeping kept alongside
// it for bounded replay.
type Adapter struct {
	sm      *sandbox.Manager
	reg     *registry
	persist *storage.SQLiteStore

	pubsub *gochannel.GoChannel

	mu       sync.Mutex
	feeding  map[string]bool
	ring     []sequencedEvent
	ringNext uint64

	restoreK int
	restoreL int
}

// NewAdapter constructs an Adapter bound to sm. restoreK/restoreL bound the
// session-restoration replay preamble (events kept / total characters) and
// default to 50 / 12000; internal/config can override both.
func NewAdapter(sm *sandbox.Manager, restoreK, restoreL int) *Adapter {
	if restoreK <= 0 {
		restoreK = 50
	}
	if restoreL <= 0 {
		restoreL = 12000
	}
	return &Adapter{
		sm:  sm,
		reg: newRegistry(),
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			watermill.NopLogger{},
		),
		feeding:  make(map[string]bool),
		restoreK: restoreK,
		restoreL: restoreL,
	}
}

// ensureFeed starts the translate-and-broadcast goroutine for sessionID the
// first time the adapter is asked about it, so the projection exists
// before any HTTP
// handler reads from it.
func (a *Adapter) ensureFeed(sessionID string) {
	a.mu.Lock()
	if a.feeding[sessionID] {
		a.mu.Unlock()
		return
	}
	a.feeding[sessionID] = true
	a.mu.Unlock()

	go a.feed(sessionID)
}

func (a *Adapter) feed(sessionID string) {
	since, ch, unsub, err := a.sm.Subscribe(sessionID, 0)
	if err != nil {
		a.mu.Lock()
		delete(a.feeding, sessionID)
		a.mu.Unlock()
		return
	}
	defer unsub()

	rt := a.reg.get(sessionID)
	for _, ev := range since {
		a.broadcast(translate(rt, sessionID, ev))
	}
	for ev := range ch {
		a.broadcast(translate(rt, sessionID, ev))
	}
}

// sequencedEvent pairs an SDKEvent with its ring id so /event clients can
// reconnect with last-event-id and replay what they missed.
type sequencedEvent struct {
	ID    uint64         `json:"id"`
	Event ueapi.SDKEvent `json:"event"`
}

func (a *Adapter) broadcast(events []ueapi.SDKEvent) {
	if len(events) == 0 {
		return
	}

	sequenced := make([]sequencedEvent, 0, len(events))
	a.mu.Lock()
	for _, ev := range events {
		a.ringNext++
		entry := sequencedEvent{ID: a.ringNext, Event: ev}
		a.ring = append(a.ring, entry)
		if len(a.ring) > ringCapacity {
			a.ring = a.ring[len(a.ring)-ringCapacity:]
		}
		sequenced = append(sequenced, entry)
	}
	a.mu.Unlock()

	for _, entry := range sequenced {
		payload, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		// GoChannel doesn't block on Publish unless configured to wait for
		// an ack, so a stalled consumer can never back up the broadcaster.
		_ = a.pubsub.Publish(globalTopic, msg)
	}
}

// replaySince returns the buffered events with ring id > after. A client
// whose id predates the ring's oldest entry gets whatever the ring still
// holds; the gap is the documented drop-and-reconnect contract.
func (a *Adapter) replaySince(after uint64) []sequencedEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []sequencedEvent
	for _, entry := range a.ring {
		if entry.ID > after {
			out = append(out, entry)
		}
	}
	return out
}

// subscribeGlobal registers a new listener for /event's SSE stream, backed
// by watermill's gochannel subscription rather than a hand-rolled listener
// map.
func (a *Adapter) subscribeGlobal() (<-chan sequencedEvent, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := a.pubsub.Subscribe(ctx, globalTopic)
	if err != nil {
		cancel()
		closed := make(chan sequencedEvent)
		close(closed)
		return closed, func() {}
	}

	out := make(chan sequencedEvent, 256)
	go func() {
		defer close(out)
		for msg := range msgs {
			var entry sequencedEvent
			if err := json.Unmarshal(msg.Payload, &entry); err == nil {
				select {
				case out <- entry:
				default:
				}
			}
			msg.Ack()
		}
	}()

	return out, cancel
}

// createSession bridges an OpenCode POST /session into
// sandbox.CreateSession, defaulting to the mock agent when the client names
// none.
func (a *Adapter) createSession(ctx context.Context, agent, model string) (string, error) {
	id := "ses_" + uuid.NewString()
	if agent == "" {
		agent = "mock"
	}
	_, err := a.sm.CreateSession(ctx, id, sandbox.CreateParams{Agent: agent, Model: model})
	if err != nil {
		return "", err
	}
	a.ensureFeed(id)
	rt := a.reg.get(id)
	rt.mu.Lock()
	rt.providerID, rt.modelID = agentProvider(agent), model
	rt.mu.Unlock()
	a.persistMetadata(id)
	return id, nil
}

func agentProvider(agent string) string {
	return agent
}

// forgetSession drops the projection state for a terminated/deleted
// session.
func (a *Adapter) forgetSession(id string) {
	a.reg.forget(id)
}

// SetPersistence wires an optional SQLite store so session create writes
// the provider/model projection (with an empty title) into
// opencode_session_metadata; a session PATCH writes nothing. A nil store
// makes this a no-op.
func (a *Adapter) SetPersistence(store *storage.SQLiteStore) {
	a.persist = store
}

func (a *Adapter) persistMetadata(sessionID string) {
	if a.persist == nil {
		return
	}
	rt := a.reg.get(sessionID)
	rt.mu.Lock()
	providerID, modelID := rt.providerID, rt.modelID
	rt.mu.Unlock()
	_ = a.persist.SaveOpenCodeMetadata(sessionID, providerID, modelID, "")
}

// selectModel applies an explicit provider/model selection to a session,
// enforcing the invariant that the pair is frozen once the session has
// messages. A restored session (its backend connection no longer live) may
// rebind to a different model within the same provider; that rebind is
// logged. Returns an error message for the 400 response, or "" when the
// selection was accepted.
func (a *Adapter) selectModel(sessionID, providerID, modelID string, restored bool) string {
	if providerID == "" || modelID == "" {
		return "model selection requires both providerID and modelID"
	}

	rt := a.reg.get(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	switch {
	case rt.providerID == "" && rt.modelID == "",
		providerID == rt.providerID && modelID == rt.modelID,
		!rt.hasMessages:
		rt.providerID, rt.modelID = providerID, modelID
		return ""
	case restored && providerID == rt.providerID:
		logging.Info().
			Str("session_id", sessionID).
			Str("provider_id", providerID).
			Str("old_model_id", rt.modelID).
			Str("new_model_id", modelID).
			Msg("rebinding restored session to new model")
		rt.modelID = modelID
		return ""
	}
	return "model_change_forbidden: session already has messages with model " + rt.providerID + "/" + rt.modelID
}

// sessionForPermission resolves a pending permission request's session,
// given only the permission id, by scanning tracked sessions. The adapter
// keeps no pending table of its own beyond what each session already holds,
// since the id itself (e.g. "codexreq_17") round-trips to the backend
// unchanged.
func (a *Adapter) sessionForPermission(permID string) (string, bool) {
	for _, sess := range a.sm.ListSessions() {
		if _, ok := sess.Permission(permID); ok {
			return sess.SessionID, true
		}
	}
	return "", false
}

func (a *Adapter) sessionForQuestion(qID string) (string, bool) {
	for _, sess := range a.sm.ListSessions() {
		if _, ok := sess.Question(qID); ok {
			return sess.SessionID, true
		}
	}
	return "", false
}

// replayPreamble renders up to restoreK prior events as conversational
// text, bounded to restoreL characters.
func (a *Adapter) replayPreamble(sessionID string) string {
	sess, err := a.sm.GetSession(sessionID)
	if err != nil {
		return ""
	}
	events := sess.Events()
	if len(events) > a.restoreK {
		events = events[len(events)-a.restoreK:]
	}

	var out string
	for _, ev := range events {
		out += summarizeEvent(ev)
		if len(out) >= a.restoreL {
			out = out[:a.restoreL]
			break
		}
	}
	return out
}

// maybeRestore handles a session whose backend connection is gone (the
// backend was restarted or never started): it prepends the replay preamble
// to the outgoing prompt instead of silently losing the conversation's
// prior context.
func (a *Adapter) maybeRestore(ctx context.Context, sessionID string, text *string) error {
	sess, err := a.sm.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.NativeSessionID() != "" {
		return nil
	}
	if preamble := a.replayPreamble(sessionID); preamble != "" {
		*text = preamble + "\n" + *text
	}
	return nil
}

func summarizeEvent(ev ueevent.Event) string {
	switch data := ev.Data.(type) {
	case ueevent.TurnStartedData:
		return "user: " + data.Prompt + "\n"
	case ueevent.ItemCompletedData:
		if text := ueevent.Text(data.Item.Content); text != "" {
			return string(data.Item.Role) + ": " + text + "\n"
		}
	}
	return ""
}
