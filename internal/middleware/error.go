package middleware

import (
	"net/http"

	"github.com/benvon/voice-gateway/internal/handlers"
	logpkg "github.com/benvon/voice-gateway/internal/logger"
	"github.com/benvon/voice-gateway/internal/request"
	"go.uber.org/zap"
)

// ErrorHandler recovers panics from anything below it and answers 500 with the
// JSON error envelope. http.ErrAbortHandler is re-raised so net/http can abort
// the connection quietly.
func ErrorHandler(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}
				logger.Error("panic_recovered",
					zap.Any("error", err),
					zap.String("path", logpkg.SanitizePath(r.URL.Path)),
					zap.String("method", r.Method),
					zap.String("request_id", request.RequestIDFromContext(r.Context())),
				)
				handlers.RespondError(w, r, http.StatusInternalServerError, "An unexpected error occurred")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
