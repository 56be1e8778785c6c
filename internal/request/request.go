package request

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	bodyContextKey      contextKey = "json_body"
	requestIDContextKey contextKey = "request_id"
	mountContextKey     contextKey = "mount"
)

// Mount describes where a delegated handler group was mounted for a request.
type Mount struct {
	// Prefix is the mount point, e.g. "/api/voice".
	Prefix string
	// OriginalPath is the request path before the prefix was stripped.
	OriginalPath string
}

// ClientIP extracts the client IP from the request, respecting X-Forwarded-For and X-Real-IP.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return r.RemoteAddr
}

// WithBody returns a context carrying the parsed JSON request body.
func WithBody(ctx context.Context, body any) context.Context {
	return context.WithValue(ctx, bodyContextKey, body)
}

// BodyFromContext returns the parsed JSON body and whether one was parsed for this request.
// Objects decode to map[string]any and arrays to []any.
func BodyFromContext(r *http.Request) (any, bool) {
	v := r.Context().Value(bodyContextKey)
	if v == nil {
		return nil, false
	}
	return v, true
}

// WithRequestID returns a context with the request ID attached.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

// RequestIDFromContext returns the request ID, or "" if none was assigned.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// WithMount records the mount point of the handler group serving the request.
func WithMount(ctx context.Context, m Mount) context.Context {
	return context.WithValue(ctx, mountContextKey, m)
}

// MountFromContext returns the mount point, if the request was dispatched to a handler group.
func MountFromContext(r *http.Request) (Mount, bool) {
	m, ok := r.Context().Value(mountContextKey).(Mount)
	return m, ok
}
