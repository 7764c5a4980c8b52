package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rivet-dev/sandboxagent/internal/ueevent"
)

func marshalEvent(ev ueevent.Event) ([]byte, error) {
	return json.Marshal(ev)
}

// sseKeepalive is the native surface's comment-frame cadence, shorter than
// the protocol adapter's 30s since native clients are expected to reconnect
// using last-event-id more aggressively.
const sseKeepalive = 15 * time.Second

// sseWriter wraps a ResponseWriter for one-event-at-a-time SSE framing,
// flushing through http.ResponseController with an http.Flusher fallback.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, true
}

// writeEvent frames one Universal Event as "id: <sequence>\n" +
// "data: <json>\n\n".
func (s *sseWriter) writeEvent(ev ueevent.Event) error {
	data, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\ndata: %s\n\n", ev.Sequence, data); err != nil {
		return err
	}
	return s.flush()
}

func (s *sseWriter) writeKeepalive() error {
	if _, err := s.w.Write([]byte(": keepalive\n\n")); err != nil {
		return err
	}
	return s.flush()
}

func (s *sseWriter) flush() error {
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

// offsetFromRequest resolves the replay offset: the last-event-id header
// takes priority over an explicit ?offset= query parameter when both are
// present, matching standard SSE reconnect semantics.
func offsetFromRequest(r *http.Request) int64 {
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		// Subscribe(offset) replays events with sequence > offset, so the
		// last id the client saw is itself the offset.
		if n, err := strconv.ParseInt(lastID, 10, 64); err == nil {
			return n
		}
	}
	if q := r.URL.Query().Get("offset"); q != "" {
		if n, err := strconv.ParseInt(q, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func includeRawFromRequest(r *http.Request) bool {
	return r.URL.Query().Get("include_raw") == "true" || r.URL.Query().Get("include_raw") == "1"
}
