package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/gaushala/shelter/internal/logging"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Success bool                   `json:"success"`
	Code    string                 `json:"code"`
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"trace_id,omitempty"`
}

func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// WriteJSON writes v as JSON with status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteErrorResponse writes the error envelope, attaching the request trace ID.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	resp := ErrorResponse{
		Success: false,
		Code:    code,
		Error:   message,
		Details: details,
	}
	if r != nil {
		resp.TraceID = logging.GetTraceID(r.Context())
	}
	WriteJSON(w, status, resp)
}

// Unauthorized writes a 401.
func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "unauthorized"
	}
	WriteErrorResponse(w, nil, http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}
