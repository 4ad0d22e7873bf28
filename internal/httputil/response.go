package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/siloscan/siloscan/internal/monitoring"
)

// Envelope status values. Uploaders only look at status and msg.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Envelope is the body of every upload response.
type Envelope struct {
	Status string `json:"status"`
	Msg    string `json:"msg"`
}

// WriteJSON writes data as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("failed to encode json response: %v", err)
	}
}

// WriteJSONOK writes data with 200 OK.
func WriteJSONOK(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteJSONError writes an error envelope.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, Envelope{Status: StatusError, Msg: msg})
}

// BadRequest writes a 400 error envelope.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

// NotFound writes a 404 error envelope.
func NotFound(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusNotFound, msg)
}

// ServiceUnavailable writes a 503 error envelope. Clients should retry.
func ServiceUnavailable(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusServiceUnavailable, msg)
}

// InternalServerError writes a 500 error envelope.
func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}
