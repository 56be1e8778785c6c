package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

// TimestampLayout is ISO-8601 in UTC with millisecond precision, e.g. 2024-01-01T00:00:00.000Z.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// HealthHandler answers liveness probes
type HealthHandler struct {
	now func() time.Time
}

// NewHealthHandler creates a health handler. A nil clock defaults to time.Now.
func NewHealthHandler(now func() time.Time) *HealthHandler {
	if now == nil {
		now = time.Now
	}
	return &HealthHandler{now: now}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Health handles GET /health. It always reports ok.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	body, _ := json.Marshal(HealthResponse{
		Status:    "ok",
		Timestamp: FormatTimestamp(h.now()),
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// FormatTimestamp renders t in TimestampLayout
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
