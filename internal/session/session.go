// Package session implements per-session state: the append-only Universal
// Event log, id-rewriting tables, pending question/permission tables, and a
// live broadcaster.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rivet-dev/sandboxagent/internal/convert"
	"github.com/rivet-dev/sandboxagent/internal/ueevent"
)

// Identity is the immutable identity of a session, set at creation.
type Identity struct {
	SessionID      string
	Agent          string
	AgentMode      string
	PermissionMode string
	Model          string
	Variant        string
	Version        string
}

// PendingQuestion is a question awaiting a client reply.
type PendingQuestion struct {
	Prompt  string
	Options []string
}

// PendingPermission is a permission request awaiting a client reply.
type PendingPermission struct {
	Action   string
	Metadata map[string]any
}

// EndState records why and how a session ended.
type EndState struct {
	Ended        bool
	Reason       string
	TerminatedBy string
	ExitCode     *int
	Message      string
	Stderr       string
}

// Session is a single session's mutable state. All mutation happens under
// mu, whether it originates from a client RPC, a backend reader goroutine,
// or a monitor callback.
type Session struct {
	Identity

	mu sync.Mutex

	nativeSessionID string
	nextSequence    int64
	nextItemID      int64
	events          []ueevent.Event

	itemIDByNative map[string]string
	startedItems   map[string]bool
	deltaSeen      map[string]bool

	questions   map[string]PendingQuestion
	permissions map[string]PendingPermission

	end EndState

	subscribers map[uint64]chan ueevent.Event
	nextSubID   uint64

	// Writer is the agent-specific transport handle (subprocess stdin
	// sender, HTTP session handle, ...) used to push replies back to the
	// backend. Set by internal/backend once the backend is attached.
	Writer any
}

// New constructs a fresh Session. Sequences and item counters both start at
// 1 (the sequence contract requires it); cross-restart uniqueness comes from
// the ULID event ids, which embed a timestamp.
func New(id Identity) *Session {
	return &Session{
		Identity:       id,
		nextSequence:   1,
		nextItemID:     1,
		itemIDByNative: make(map[string]string),
		startedItems:   make(map[string]bool),
		deltaSeen:      make(map[string]bool),
		questions:      make(map[string]PendingQuestion),
		permissions:    make(map[string]PendingPermission),
		subscribers:    make(map[uint64]chan ueevent.Event),
	}
}

// NativeSessionID returns the backend-assigned session/thread id, if the
// handshake has completed.
func (s *Session) NativeSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nativeSessionID
}

// SetNativeSessionID records the backend-assigned id the first time it is
// seen.
func (s *Session) SetNativeSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nativeSessionID == "" {
		s.nativeSessionID = id
	}
}

// Ended reports whether mark_ended has already run.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end.Ended
}

// EndStateSnapshot returns a copy of the current end-of-life state.
func (s *Session) EndStateSnapshot() EndState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end
}

// Events returns a snapshot of the full event log.
func (s *Session) Events() []ueevent.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ueevent.Event, len(s.events))
	copy(out, s.events)
	return out
}

// NextSequence returns the sequence that will be assigned to the next
// recorded event, used by turn subscriptions to take an offset before a
// prompt is sent.
func (s *Session) NextSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSequence
}

// Record appends each conversion in order — filling in the native session
// id, rewriting item ids, synthesising any events needed to keep item
// lifecycles well-formed — and returns the events actually appended (after
// synthesis and singleton suppression).
func (s *Session) Record(conversions []convert.EventConversion) []ueevent.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var appended []ueevent.Event
	for _, c := range conversions {
		appended = append(appended, s.recordOne(c)...)
	}
	return appended
}

func (s *Session) recordOne(c convert.EventConversion) []ueevent.Event {
	if s.end.Ended {
		// Nothing follows session.ended in a lifetime; stragglers from a
		// dying backend are dropped. Reopen starts a new lifetime.
		return nil
	}

	if c.NativeSessionID != "" && s.nativeSessionID == "" {
		s.nativeSessionID = c.NativeSessionID
	}

	var out []ueevent.Event

	switch c.EventType {
	case ueevent.SessionStarted:
		if s.hasEventType(ueevent.SessionStarted) {
			return nil // at most one per session
		}
		out = append(out, s.push(c))

	case ueevent.SessionEnded:
		out = append(out, s.push(c))

	case ueevent.ItemStarted:
		data := c.Data.(ueevent.ItemStartedData)
		data.Item = s.rewriteItemIDs(data.Item)
		s.startedItems[data.Item.ItemID] = true
		c.Data = data
		out = append(out, s.push(c))

	case ueevent.ItemDelta:
		data := c.Data.(ueevent.ItemDeltaData)
		itemID := s.resolveItemID(data.ItemID)
		data.ItemID = itemID
		s.deltaSeen[itemID] = true
		c.Data = data
		out = append(out, s.push(c))

	case ueevent.ItemCompleted:
		data := c.Data.(ueevent.ItemCompletedData)
		item := s.rewriteItemIDs(data.Item)

		if !s.startedItems[item.ItemID] {
			// Synthesise the missing item.started immediately before, so
			// every completed item has a start.
			started := item
			started.Status = ueevent.StatusInProgress
			out = append(out, s.push(convert.EventConversion{
				EventType: ueevent.ItemStarted,
				Source:    c.Source,
				Synthetic: true,
				Data:      ueevent.ItemStartedData{Item: started},
			}))
			s.startedItems[item.ItemID] = true
		}

		if item.Kind == ueevent.KindMessage && item.Role == ueevent.RoleAssistant && !s.deltaSeen[item.ItemID] {
			if text := ueevent.Text(item.Content); text != "" {
				// Synthesise the aggregated delta so every observable text
				// reaches streaming consumers.
				out = append(out, s.push(convert.EventConversion{
					EventType: ueevent.ItemDelta,
					Source:    c.Source,
					Synthetic: true,
					Data:      ueevent.ItemDeltaData{ItemID: item.ItemID, Delta: item.Content},
				}))
				s.deltaSeen[item.ItemID] = true
			}
		}

		data.Item = item
		c.Data = data
		out = append(out, s.push(c))

	case ueevent.PermissionRequested:
		data := c.Data.(ueevent.PermissionRequestedData)
		s.permissions[data.ID] = PendingPermission{Action: data.Action, Metadata: data.Metadata}
		out = append(out, s.push(c))

	case ueevent.PermissionResolved:
		data := c.Data.(ueevent.PermissionResolvedData)
		if _, ok := s.permissions[data.ID]; !ok {
			return nil // resolution without a pending request is dropped
		}
		delete(s.permissions, data.ID)
		out = append(out, s.push(c))

	case ueevent.QuestionRequested:
		data := c.Data.(ueevent.QuestionRequestedData)
		s.questions[data.ID] = PendingQuestion{Prompt: data.Prompt, Options: data.Options}
		out = append(out, s.push(c))

	case ueevent.QuestionResolved:
		data := c.Data.(ueevent.QuestionResolvedData)
		if _, ok := s.questions[data.ID]; !ok {
			return nil // resolution without a pending request is dropped
		}
		delete(s.questions, data.ID)
		out = append(out, s.push(c))

	default:
		out = append(out, s.push(c))
	}

	return out
}

func (s *Session) hasEventType(t ueevent.Type) bool {
	for _, e := range s.events {
		if e.EventType == t {
			return true
		}
	}
	return false
}

// rewriteItemIDs assigns/reuses item.ItemID from item.NativeItemID and
// rewrites ParentID through the same mapping.
func (s *Session) rewriteItemIDs(item ueevent.Item) ueevent.Item {
	item.ItemID = s.resolveItemID(item.NativeItemID)
	if item.ParentID != "" {
		item.ParentID = s.resolveItemID(item.ParentID)
	}
	return item
}

func (s *Session) resolveItemID(nativeID string) string {
	if nativeID == "" {
		nativeID = fmt.Sprintf("synthetic-%d", s.nextItemID)
	}
	if id, ok := s.itemIDByNative[nativeID]; ok {
		return id
	}
	id := fmt.Sprintf("itm_%d", s.nextItemID)
	s.nextItemID++
	s.itemIDByNative[nativeID] = id
	return id
}

// push stamps sequence/time/event_id, appends to the log, and
// non-blockingly broadcasts to every live subscriber. Must be called with
// mu held.
func (s *Session) push(c convert.EventConversion) ueevent.Event {
	seq := s.nextSequence
	s.nextSequence++

	if c.EventType == ueevent.SessionEnded {
		data := c.Data.(ueevent.SessionEndedData)
		exitCode := data.ExitCode
		s.end = EndState{
			Ended:        true,
			Reason:       data.Reason,
			TerminatedBy: data.TerminatedBy,
			ExitCode:     exitCode,
			Message:      data.Message,
			Stderr:       data.Stderr,
		}
	}

	ev := ueevent.Event{
		Sequence:        seq,
		EventID:         ulid.Make().String(),
		Time:            time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:       s.SessionID,
		NativeSessionID: s.nativeSessionID,
		Synthetic:       c.Synthetic,
		Source:          c.Source,
		EventType:       c.EventType,
		Data:            c.Data,
		Raw:             c.Raw,
	}

	s.events = append(s.events, ev)

	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			// Lagged subscriber; it is expected to reconnect and replay by
			// offset rather than block the producer.
		}
	}

	return ev
}

// Subscribe returns every event with sequence > offset plus a channel for
// future events, registered atomically with the snapshot so no event is
// lost in the gap between reading the log and subscribing.
func (s *Session) Subscribe(offset int64) ([]ueevent.Event, <-chan ueevent.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var since []ueevent.Event
	for _, e := range s.events {
		if e.Sequence > offset {
			since = append(since, e)
		}
	}

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan ueevent.Event, 256)
	s.subscribers[id] = ch

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ch, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(ch)
		}
	}

	return since, ch, unsubscribe
}

// Reopen clears the end-of-life flags and the stale native session id so a
// resumable session can accept a fresh prompt: the next bootstrap assigns a
// new native id and the next session.ended belongs to the new lifetime.
func (s *Session) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.end = EndState{}
	s.nativeSessionID = ""
}

// MarkEnded records the terminal session.ended event idempotently.
func (s *Session) MarkEnded(reason, terminatedBy string, exitCode *int, message, stderr string) []ueevent.Event {
	return s.Record([]convert.EventConversion{{
		EventType: ueevent.SessionEnded,
		Source:    "daemon",
		Synthetic: true,
		Data: ueevent.SessionEndedData{
			Reason:       reason,
			TerminatedBy: terminatedBy,
			ExitCode:     exitCode,
			Message:      message,
			Stderr:       stderr,
		},
	}})
}

// Question looks up a pending question by id and reports whether it exists.
// The entry stays pending until a question.resolved event for it is
// recorded, which callers append via Record after forwarding the reply.
func (s *Session) Question(id string) (PendingQuestion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	return q, ok
}

// Permission looks up a pending permission request by id.
func (s *Session) Permission(id string) (PendingPermission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[id]
	return p, ok
}
