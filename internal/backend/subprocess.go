package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rivet-dev/sandboxagent/internal/convert"
	"github.com/rivet-dev/sandboxagent/internal/metrics"
)

// headTailBuffer captures the first and last few lines a process writes to
// stderr, so crash reports carry useful context without holding an
// unbounded amount of output.
type headTailBuffer struct {
	mu   sync.Mutex
	head []string
	tail []string
	cur  []byte
}

const headTailMaxLines = 20

func (b *headTailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur = append(b.cur, p...)
	for {
		i := indexByte(b.cur, '\n')
		if i < 0 {
			break
		}
		line := string(b.cur[:i])
		b.cur = b.cur[i+1:]
		if len(b.head) < headTailMaxLines {
			b.head = append(b.head, line)
		}
		b.tail = append(b.tail, line)
		if len(b.tail) > headTailMaxLines {
			b.tail = b.tail[1:]
		}
	}
	return len(p), nil
}

func (b *headTailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := ""
	for _, l := range b.head {
		out += l + "\n"
	}
	if len(b.tail) > 0 {
		out += "...\n"
		for _, l := range b.tail {
			out += l + "\n"
		}
	}
	return out
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func init() {
	registerFactory("claude", func(ctx context.Context, router SessionRouter) (Handle, error) {
		return newSubprocessHandle("claude", claudeSpec, router), nil
	})
	registerFactory("amp", func(ctx context.Context, router SessionRouter) (Handle, error) {
		return newSubprocessHandle("amp", ampSpec, router), nil
	})
}

// subprocessSpec describes how one subprocess-per-turn agent is invoked.
// When promptLine is non-nil the prompt is delivered as a JSON line on
// stdin and the pipe stays open for control-protocol replies; otherwise the
// prompt is baked into argv and stdin is unused.
type subprocessSpec struct {
	argv       func(prompt string) []string
	promptLine func(prompt string) []byte
}

var claudeSpec = subprocessSpec{
	argv: func(string) []string {
		binary := os.Getenv("SANDBOXAGENT_CLAUDE_BIN")
		if binary == "" {
			binary = "claude"
		}
		return []string{binary, "--input-format", "stream-json", "--output-format", "stream-json", "--print", "--verbose"}
	},
	promptLine: func(prompt string) []byte {
		line, _ := json.Marshal(map[string]any{
			"type": "user",
			"message": map[string]any{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
				},
			},
		})
		return line
	},
}

var ampSpec = subprocessSpec{
	argv: func(prompt string) []string {
		binary := os.Getenv("SANDBOXAGENT_AMP_BIN")
		if binary == "" {
			binary = "amp"
		}
		return []string{binary, "--format", "json", prompt}
	},
}

// subprocessHandle is the subprocess-per-turn Handle kind: every SendPrompt
// spawns a fresh process, reads its JSON-line stdout until it exits, and
// converts each line through the agent's converter.
type subprocessHandle struct {
	agent  string
	spec   subprocessSpec
	router SessionRouter

	mu           sync.Mutex
	stdinBySess  map[string]io.WriteCloser // open stdin of a running turn
	restartCount int
	lastError    string
	started      time.Time
}

func newSubprocessHandle(agent string, spec subprocessSpec, router SessionRouter) *subprocessHandle {
	return &subprocessHandle{
		agent:       agent,
		spec:        spec,
		router:      router,
		stdinBySess: make(map[string]io.WriteCloser),
		started:     time.Now(),
	}
}

func (h *subprocessHandle) Agent() string { return h.agent }
func (h *subprocessHandle) Kind() Kind    { return KindSubprocessPerTurn }

func (h *subprocessHandle) RegisterSession(sessionID, nativeSessionID string) {}
func (h *subprocessHandle) UnregisterSession(sessionID string)                {}

func (h *subprocessHandle) EnsureNativeSession(ctx context.Context, sessionID string) (string, error) {
	// The CLI assigns its own session id, captured from the first emitted
	// event; there is no separate bootstrap call for subprocess-per-turn
	// agents.
	return "", nil
}

func (h *subprocessHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		Agent:        h.agent,
		State:        "running",
		Uptime:       time.Since(h.started),
		RestartCount: h.restartCount,
		LastError:    h.lastError,
	}
}

// Reply answers a pending permission request by writing a control_response
// line onto the running turn's stdin. Only stdin-prompt agents (claude)
// have an open pipe to write to; for the rest there is no running process
// to reach.
func (h *subprocessHandle) Reply(ctx context.Context, sessionID string, kind ReplyKind, id string, reply Reply) error {
	h.mu.Lock()
	stdin := h.stdinBySess[sessionID]
	h.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("stream_error: %s has no running turn to reply to", h.agent)
	}

	behavior := "allow"
	if kind == ReplyPermission && reply.PermissionReply == "reject" {
		behavior = "deny"
	}
	if kind == ReplyQuestion && reply.Rejected {
		behavior = "deny"
	}

	response := map[string]any{"behavior": behavior}
	if kind == ReplyQuestion && len(reply.Answers) > 0 {
		response["updatedInput"] = map[string]any{"answers": reply.Answers}
	}
	line, err := json.Marshal(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": id,
			"response":   response,
		},
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := stdin.Write(line); err != nil {
		return fmt.Errorf("stream_error: write control_response: %w", err)
	}
	return nil
}

func (h *subprocessHandle) SendPrompt(ctx context.Context, sessionID, prompt string) error {
	argv := h.spec.argv(prompt)
	// Deliberately not CommandContext: the turn outlives the HTTP request
	// that enqueued it, and a request timeout abandons the waiter without
	// killing the agent process.
	cmd := exec.Command(argv[0], argv[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stream_error: %w", err)
	}
	var stdin io.WriteCloser
	if h.spec.promptLine != nil {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("stream_error: %w", err)
		}
	}
	var stderrBuf headTailBuffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		h.mu.Lock()
		h.lastError = err.Error()
		h.mu.Unlock()
		metrics.BackendStatus(h.agent, "error")
		return fmt.Errorf("stream_error: failed to start %s: %w", h.agent, err)
	}
	metrics.BackendStatus(h.agent, "running")

	if stdin != nil {
		line := append(h.spec.promptLine(prompt), '\n')
		if _, err := stdin.Write(line); err != nil {
			_ = cmd.Process.Kill()
			return fmt.Errorf("stream_error: write prompt: %w", err)
		}
		h.mu.Lock()
		h.stdinBySess[sessionID] = stdin
		h.mu.Unlock()
	}

	conv, _ := convert.ByAgent(h.agent)

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			raw := make(json.RawMessage, len(line))
			copy(raw, line)
			h.router.RecordConversions(sessionID, convert.Convert(conv, raw))
		}

		err := cmd.Wait()

		h.mu.Lock()
		if stdin != nil {
			delete(h.stdinBySess, sessionID)
		}
		h.mu.Unlock()

		if err == nil {
			// A successful per-turn exit ends the session cleanly; the next
			// prompt reopens it with a fresh process.
			code := 0
			h.router.MarkSessionEnded(sessionID, "completed", "", &code, "", "")
			return
		}

		h.mu.Lock()
		h.lastError = err.Error()
		h.restartCount++
		h.mu.Unlock()
		metrics.BackendRestarted(h.agent)

		exitCode := exitCodeOf(err)
		h.router.MarkSessionEnded(sessionID, "error", "daemon", exitCode, err.Error(), stderrBuf.String())
	}()

	return nil
}

func exitCodeOf(err error) *int {
	if ee, ok := err.(*exec.ExitError); ok {
		code := ee.ExitCode()
		return &code
	}
	return nil
}
