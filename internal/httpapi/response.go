package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rivet-dev/sandboxagent/internal/sandbox"
)

// ErrorResponse is the native /v1 error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, v)
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps err onto the taxonomy's HTTP status and emits the native
// error envelope.
func writeError(w http.ResponseWriter, err error) {
	code := sandbox.CodeOf(err)
	writeJSON(w, statusForCode(code), ErrorResponse{Error: ErrorDetail{
		Code:    string(code),
		Message: err.Error(),
	}})
}

func writeErrorCode(w http.ResponseWriter, code sandbox.Code, message string) {
	writeJSON(w, statusForCode(code), ErrorResponse{Error: ErrorDetail{Code: string(code), Message: message}})
}

func statusForCode(code sandbox.Code) int {
	switch code {
	case sandbox.CodeSessionNotFound:
		return http.StatusNotFound
	case sandbox.CodeSessionExists:
		return http.StatusConflict
	case sandbox.CodeInvalidRequest, sandbox.CodeUnsupportedAgent, sandbox.CodeModeNotSupported:
		return http.StatusBadRequest
	case sandbox.CodeAgentNotInstalled:
		return http.StatusBadGateway
	case sandbox.CodeInstallFailed:
		return http.StatusInternalServerError
	case sandbox.CodeAgentProcessExited, sandbox.CodeStreamError:
		return http.StatusBadGateway
	case sandbox.CodeTimeout:
		return http.StatusGatewayTimeout
	case sandbox.CodeTokenInvalid:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
