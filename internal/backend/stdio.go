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
	"sync/atomic"
	"time"

	"github.com/rivet-dev/sandboxagent/internal/convert"
	"github.com/rivet-dev/sandboxagent/internal/metrics"
	"github.com/rivet-dev/sandboxagent/internal/ueevent"
)

func init() {
	registerFactory("codex", newStdioHandle)
}

// stdioHandle is the shared stdio JSON-RPC backend kind: a single persistent
// process shared across every codex session, spoken to over a newline-JSON
// stdin/stdout pipe with request/response correlation by id and
// notification routing by thread id.
type stdioHandle struct {
	router SessionRouter

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *headTailBuffer

	writeMu sync.Mutex // serializes stdin writes (single writer owns stdin)

	mu           sync.Mutex
	nextID       int64
	pending      map[int64]chan rpcResponse // request id -> waiter
	threadToSess map[string]string          // native thread_id -> session_id
	sessToThread map[string]string          // session_id -> native thread_id
	lastError    string
	started      time.Time
	exited       bool
	onCrash      func()
}

// OnCrash registers fn to run once, after monitorExit has finished marking
// every session on this handle as ended. Manager uses it to evict the
// handle so the next Ensure call respawns.
func (h *stdioHandle) OnCrash(fn func()) {
	h.mu.Lock()
	h.onCrash = fn
	h.mu.Unlock()
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcNotification is any JSON-RPC message carrying a method but no id;
// codex/event notifications are the only kind the converter cares about, but
// other methods are accepted and passed straight to the converter, which
// will emit agent.unparsed for anything it doesn't recognize.
type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func newStdioHandle(ctx context.Context, router SessionRouter) (Handle, error) {
	binary := os.Getenv("SANDBOXAGENT_CODEX_BIN")
	if binary == "" {
		binary = "codex"
	}

	cmd := exec.Command(binary, "proto")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stream_error: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stream_error: %w", err)
	}
	stderrBuf := &headTailBuffer{}
	cmd.Stderr = stderrBuf

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agent_process_exited: failed to start codex: %w", err)
	}

	h := &stdioHandle{
		router:       router,
		cmd:          cmd,
		stdin:        stdin,
		stdout:       stdout,
		stderr:       stderrBuf,
		pending:      make(map[int64]chan rpcResponse),
		threadToSess: make(map[string]string),
		sessToThread: make(map[string]string),
		started:      time.Now(),
	}

	go h.readLoop()
	go h.monitorExit()

	initCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	if _, err := h.call(initCtx, "initialize", json.RawMessage(`{}`)); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("agent_process_exited: codex initialize handshake failed: %w", err)
	}
	h.notify("initialized", json.RawMessage(`{}`))

	return h, nil
}

func (h *stdioHandle) Agent() string { return "codex" }
func (h *stdioHandle) Kind() Kind    { return KindSharedStdioJSONRPC }

func (h *stdioHandle) RegisterSession(sessionID, nativeSessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if nativeSessionID == "" {
		return
	}
	h.threadToSess[nativeSessionID] = sessionID
	h.sessToThread[sessionID] = nativeSessionID
}

func (h *stdioHandle) UnregisterSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if thread, ok := h.sessToThread[sessionID]; ok {
		delete(h.threadToSess, thread)
		delete(h.sessToThread, sessionID)
	}
}

func (h *stdioHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	state := "running"
	if h.exited {
		state = "error"
	}
	return Status{
		Agent:     "codex",
		State:     state,
		Uptime:    time.Since(h.started),
		LastError: h.lastError,
	}
}

// EnsureNativeSession issues thread/start and records the resulting
// thread_id against sessionID so readLoop can route codex/event
// notifications back to it.
func (h *stdioHandle) EnsureNativeSession(ctx context.Context, sessionID string) (string, error) {
	resp, err := h.call(ctx, "thread/start", json.RawMessage(`{}`))
	if err != nil {
		return "", fmt.Errorf("stream_error: thread/start failed: %w", err)
	}
	var result struct {
		ThreadID string `json:"thread_id"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", fmt.Errorf("stream_error: malformed thread/start result: %w", err)
	}
	h.RegisterSession(sessionID, result.ThreadID)
	return result.ThreadID, nil
}

func (h *stdioHandle) SendPrompt(ctx context.Context, sessionID, prompt string) error {
	h.mu.Lock()
	thread := h.sessToThread[sessionID]
	h.mu.Unlock()
	if thread == "" {
		return fmt.Errorf("invalid_request: codex session %s has no native thread", sessionID)
	}

	params, _ := json.Marshal(map[string]any{
		"thread_id": thread,
		"prompt":    prompt,
	})
	_, err := h.call(ctx, "turn/start", params)
	if err != nil {
		return fmt.Errorf("stream_error: turn/start failed: %w", err)
	}
	return nil
}

// Reply answers a pending codex elicitation (approval request) by replying
// to the JSON-RPC request the exec-approval/patch-approval notification
// carried. Command approvals use {accept, accept-for-session, decline};
// file-change approvals use the equivalent outcome shape.
func (h *stdioHandle) Reply(ctx context.Context, sessionID string, kind ReplyKind, id string, reply Reply) error {
	reqID, err := parseRequestID(id)
	if err != nil {
		return fmt.Errorf("invalid_request: %w", err)
	}

	var outcome map[string]any
	switch kind {
	case ReplyPermission:
		decision := "decline"
		switch reply.PermissionReply {
		case "once":
			decision = "accept"
		case "always":
			decision = "accept-for-session"
		}
		outcome = map[string]any{"outcome": decision}
	case ReplyQuestion:
		if reply.Rejected {
			outcome = map[string]any{"outcome": "cancelled"}
		} else {
			outcome = map[string]any{"outcome": "selected", "answers": reply.Answers}
		}
	}

	resp, _ := json.Marshal(outcome)
	return h.respond(reqID, resp)
}

// elicitationConversion wraps a codex-originated exec/patch approval
// request as a permission.requested event. method is kept as the
// permission action so clients can title it; "execCommandApproval" ->
// command_execution,
// "applyPatchApproval" -> file_change, anything else passes through as-is.
func elicitationConversion(reqID int64, method string, params json.RawMessage) convert.EventConversion {
	action := method
	switch method {
	case "execCommandApproval":
		action = "command_execution"
	case "applyPatchApproval":
		action = "file_change"
	}

	var meta map[string]any
	_ = json.Unmarshal(params, &meta)

	return convert.EventConversion{
		EventType: ueevent.PermissionRequested,
		Source:    "codex",
		Data: ueevent.PermissionRequestedData{
			ID:       fmt.Sprintf("codexreq_%d", reqID),
			Action:   action,
			Metadata: meta,
		},
	}
}

func parseRequestID(id string) (int64, error) {
	var n int64
	if _, err := fmt.Sscanf(id, "codexreq_%d", &n); err != nil {
		return 0, fmt.Errorf("unrecognized codex request id %q", id)
	}
	return n, nil
}

// call sends a JSON-RPC request and blocks for its response, correlating by
// id through the pending-waiter map.
func (h *stdioHandle) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := atomic.AddInt64(&h.nextID, 1)
	wait := make(chan rpcResponse, 1)

	h.mu.Lock()
	h.pending[id] = wait
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := h.writeLine(line); err != nil {
		return nil, err
	}

	select {
	case resp := <-wait:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s", resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// respond sends a JSON-RPC response to a request codex itself sent us
// (an elicitation), rather than one we originated.
func (h *stdioHandle) respond(id int64, result json.RawMessage) error {
	resp := rpcResponse{ID: id, Result: result}
	line, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return h.writeLine(line)
}

func (h *stdioHandle) notify(method string, params json.RawMessage) {
	note := rpcNotification{JSONRPC: "2.0", Method: method, Params: params}
	line, err := json.Marshal(note)
	if err != nil {
		return
	}
	_ = h.writeLine(line)
}

// writeLine is the only place that writes to stdin; a single writer avoids
// interleaved JSON lines.
func (h *stdioHandle) writeLine(line []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	line = append(line, '\n')
	_, err := h.stdin.Write(line)
	return err
}

// readLoop is the sole reader of stdout: every line is either a response to
// one of our outstanding calls (has "id" and "result"/"error"), a server
// request carrying an "id" and a "method", which becomes a permission
// request, or a notification, which is handed unchanged to the converter
// and routed by its params.thread_id.
func (h *stdioHandle) readLoop() {
	scanner := bufio.NewScanner(h.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	conv, _ := convert.ByAgent("codex")

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make(json.RawMessage, len(line))
		copy(raw, line)

		var envelope struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *rpcError       `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}

		if envelope.ID != nil && envelope.Method == "" {
			h.mu.Lock()
			wait, ok := h.pending[*envelope.ID]
			h.mu.Unlock()
			if ok {
				wait <- rpcResponse{ID: *envelope.ID, Result: envelope.Result, Error: envelope.Error}
			}
			continue
		}

		if envelope.Method == "" {
			continue
		}

		sessionID := h.sessionForNotification(envelope.Params)
		if sessionID == "" {
			continue
		}

		if envelope.ID != nil {
			// Codex itself is asking us for an exec/patch approval: wrap it
			// as a permission.requested event carrying the JSON-RPC request
			// id inside the permission id, so Reply can serialise the
			// matching outcome back without a separate correlation table —
			// the id round-trips through the reply path unchanged.
			h.router.RecordConversions(sessionID, []convert.EventConversion{elicitationConversion(*envelope.ID, envelope.Method, envelope.Params)})
			continue
		}

		h.router.RecordConversions(sessionID, convert.Convert(conv, raw))
	}
}

// sessionForNotification extracts thread_id from a codex/event params blob
// and resolves it to a session id via the routing table built up by
// EnsureNativeSession/RegisterSession.
func (h *stdioHandle) sessionForNotification(params json.RawMessage) string {
	var p struct {
		ThreadID string `json:"thread_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ThreadID == "" {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.threadToSess[p.ThreadID]
}

// Shutdown stops the codex process, satisfying Manager.Shutdown's optional
// interface.
func (h *stdioHandle) Shutdown(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// monitorExit waits for the process to exit, unblocks every in-flight call,
// and marks every session currently routed through this handle as ended.
func (h *stdioHandle) monitorExit() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.exited = true
	if err != nil {
		h.lastError = err.Error()
	}
	sessions := make([]string, 0, len(h.sessToThread))
	for sid := range h.sessToThread {
		sessions = append(sessions, sid)
	}
	// Unblock every in-flight call with a synthetic error response so no
	// waiter hangs on a process that will never answer.
	for id, wait := range h.pending {
		wait <- rpcResponse{ID: id, Error: &rpcError{Code: -1, Message: "codex process exited"}}
	}
	h.pending = make(map[int64]chan rpcResponse)
	h.mu.Unlock()

	metrics.BackendStatus("codex", "error")
	exitCode := exitCodeOf(err)
	msg := "codex process exited"
	if err != nil {
		msg = err.Error()
	}
	stderr := h.stderr.String()
	for _, sid := range sessions {
		h.router.MarkSessionEnded(sid, "error", "daemon", exitCode, msg, stderr)
	}

	h.mu.Lock()
	onCrash := h.onCrash
	h.mu.Unlock()
	if onCrash != nil {
		onCrash()
	}
}
