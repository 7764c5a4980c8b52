package sandbox

import "fmt"

// Code is the daemon's stable wire-level error taxonomy, covering both
// generic request failures and session/backend lifecycle failures.
type Code string

const (
	CodeInvalidRequest     Code = "invalid_request"
	CodeSessionNotFound    Code = "session_not_found"
	CodeSessionExists      Code = "session_already_exists"
	CodeUnsupportedAgent   Code = "unsupported_agent"
	CodeModeNotSupported   Code = "mode_not_supported"
	CodeAgentNotInstalled  Code = "agent_not_installed"
	CodeInstallFailed      Code = "install_failed"
	CodeAgentProcessExited Code = "agent_process_exited"
	CodeStreamError        Code = "stream_error"
	CodeTimeout            Code = "timeout"
	CodeTokenInvalid       Code = "token_invalid"
)

// Error is the structured error every Manager operation returns on failure,
// carrying a stable Code alongside a human message. The HTTP layer renders
// it with internal/httpapi's writeError, keeping the wire shape in one
// place.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E constructs an *Error with a formatted message.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the Code from err if it is an *Error, defaulting to
// CodeInvalidRequest for anything unrecognized so unknown errors surface as
// a client-visible code rather than a raw 500.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if se, ok := err.(*Error); ok {
		return se.Code
	}
	return CodeInvalidRequest
}
