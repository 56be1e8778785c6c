package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorResponse is the JSON envelope for every error the gateway itself produces
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
}

// sanitizeErrorMessage keeps client-facing messages short
func sanitizeErrorMessage(message string) string {
	if len(message) > 200 {
		return message[:200] + "..."
	}
	return message
}

// RespondError sends an error JSON response. The error field is the status text.
func RespondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	response := ErrorResponse{
		Success:   false,
		Error:     http.StatusText(status),
		Message:   sanitizeErrorMessage(message),
		Timestamp: FormatTimestamp(time.Now()),
		Path:      r.URL.Path,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// NotFound is the fallback for requests that match no route (and for wrong
// methods on known paths).
func NotFound(w http.ResponseWriter, r *http.Request) {
	RespondError(w, r, http.StatusNotFound, "Cannot "+r.Method+" "+r.URL.Path)
}
