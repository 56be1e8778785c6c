package middleware

import (
	"net/http"
	"slices"

	"github.com/benvon/voice-gateway/internal/config"
	logpkg "github.com/benvon/voice-gateway/internal/logger"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// DevelopmentOrigins are the frontend dev-server origins permitted outside production
var DevelopmentOrigins = []string{
	"http://localhost:5173",
	"http://127.0.0.1:5173",
}

// CORSPolicy is computed once at startup and never mutated.
type CORSPolicy struct {
	// Disabled means no origin is ever granted cross-origin access.
	Disabled         bool
	AllowedOrigins   []string
	AllowCredentials bool
}

// NewCORSPolicy derives the policy from the deployment mode
func NewCORSPolicy(cfg *config.Config) CORSPolicy {
	if cfg.IsProduction() {
		return CORSPolicy{Disabled: true, AllowCredentials: true}
	}
	return CORSPolicy{
		AllowedOrigins:   slices.Clone(DevelopmentOrigins),
		AllowCredentials: true,
	}
}

// Allows reports whether origin may read cross-origin responses
func (p CORSPolicy) Allows(origin string) bool {
	if p.Disabled || origin == "" {
		return false
	}
	return slices.Contains(p.AllowedOrigins, origin)
}

// CORS applies the policy with rs/cors. A disabled policy is a pass-through:
// no Access-Control-* headers are written and preflights fall through to routing.
func CORS(policy CORSPolicy, logger *zap.Logger, debug bool) func(http.Handler) http.Handler {
	if policy.Disabled {
		logger.Info("cors_disabled")
		return func(next http.Handler) http.Handler { return next }
	}

	opts := cors.Options{
		// AllowOriginFunc keeps an empty origin list meaning "nobody" rather than rs/cors' "*".
		AllowOriginFunc:  policy.Allows,
		AllowCredentials: policy.AllowCredentials,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPut,
			http.MethodPatch,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{RequestIDHeader},
	}
	if debug {
		opts.Logger = logpkg.Printf{Logger: logger, Msg: "cors_debug"}
	}
	c := cors.New(opts)

	logger.Info("cors_enabled",
		zap.Strings("allowed_origins", policy.AllowedOrigins),
		zap.Bool("allow_credentials", policy.AllowCredentials),
	)

	return func(next http.Handler) http.Handler {
		h := c.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && !policy.Allows(origin) {
				logger.Debug("cors_origin_rejected",
					zap.String("origin", logpkg.SanitizeHeader(origin)),
					zap.String("method", r.Method),
					zap.String("path", logpkg.SanitizePath(r.URL.Path)),
				)
			}
			h.ServeHTTP(w, r)
		})
	}
}
