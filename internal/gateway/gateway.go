// Package gateway builds the HTTP request router: the middleware pipeline, the
// delegated handler-group mounts, and the inline health endpoint.
package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/benvon/voice-gateway/internal/config"
	"github.com/benvon/voice-gateway/internal/handlers"
	"github.com/benvon/voice-gateway/internal/middleware"
	"github.com/benvon/voice-gateway/internal/request"
	"github.com/benvon/voice-gateway/internal/upstream"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.uber.org/zap"
)

// Mount points. Voice is registered before API so the longer prefix wins.
const (
	VoicePrefix = "/api/voice"
	APIPrefix   = "/api"
	HealthPath  = "/health"
	MetricsPath = "/metrics"
)

// ServiceName is used for tracing
const ServiceName = "voice-gateway"

// Groups are the delegated handler groups. Any http.Handler will do; the
// gateway never looks inside them. A nil group answers 503.
type Groups struct {
	API   http.Handler
	Voice http.Handler
}

// Option customizes router construction
type Option func(*options)

type options struct {
	now         func() time.Time
	registry    *prometheus.Registry
	rateLimiter *middleware.RateLimiter
	tracing     bool
}

// WithClock replaces the wall clock used by the health responder
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRegistry sets the Prometheus registry metrics are recorded to and served from
func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *options) { o.registry = registry }
}

// WithRateLimiter limits requests to the handler groups. /health is never limited.
func WithRateLimiter(rl *middleware.RateLimiter) Option {
	return func(o *options) { o.rateLimiter = rl }
}

// WithTracing enables otelmux spans for matched routes
func WithTracing() Option {
	return func(o *options) { o.tracing = true }
}

// New builds the gateway handler. The returned handler is safe for concurrent
// use and holds no per-request state.
func New(cfg *config.Config, logger *zap.Logger, groups Groups, opts ...Option) (http.Handler, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if groups.API == nil {
		groups.API = upstream.NotConfigured("api")
	}
	if groups.Voice == nil {
		groups.Voice = upstream.NotConfigured("voice")
	}

	// Outermost first. Recovery sits inside logging and metrics so a panic is
	// still recorded as a 500. CORS runs before body parsing so a rejected body
	// still carries the access-granting headers the browser needs to read the error.
	chain := []mux.MiddlewareFunc{
		middleware.RequestID,
		middleware.Logging(logger),
	}
	if cfg.MetricsEnabled {
		if o.registry == nil {
			o.registry = prometheus.NewRegistry()
		}
		metrics, err := middleware.NewMetrics(o.registry, RouteLabel)
		if err != nil {
			return nil, err
		}
		chain = append(chain, metrics.Middleware)
	}
	chain = append(chain,
		middleware.ErrorHandler(logger),
		middleware.SecurityHeaders(cfg.EnableHSTS),
		middleware.CORS(middleware.NewCORSPolicy(cfg), logger, cfg.ServerDebugMode),
		middleware.JSONBody(cfg.JSONBodyLimit, logger),
	)

	r := mux.NewRouter()
	if o.tracing {
		r.Use(otelmux.Middleware(ServiceName))
	}
	r.Use(chain...)

	// Unmatched requests never see router middleware, so the fallbacks get the
	// same chain wrapped around them explicitly.
	notFound := wrap(chain, http.HandlerFunc(handlers.NotFound))
	r.NotFoundHandler = notFound
	r.MethodNotAllowedHandler = notFound

	var limit func(http.Handler) http.Handler
	if o.rateLimiter != nil {
		limit = o.rateLimiter.Middleware()
	}

	mountGroup(r, VoicePrefix, groups.Voice, limit)
	mountGroup(r, APIPrefix, groups.API, limit)

	health := handlers.NewHealthHandler(o.now)
	r.HandleFunc(HealthPath, health.Health).Methods(http.MethodGet, http.MethodHead)

	if cfg.MetricsEnabled {
		r.Handle(MetricsPath, promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return r, nil
}

// mountGroup delegates prefix and everything beneath it to h with the prefix
// stripped, so "/api/voice/sessions" reaches the voice group as "/sessions".
// limit, when set, sees the full path.
func mountGroup(r *mux.Router, prefix string, h http.Handler, limit func(http.Handler) http.Handler) {
	handler := stripMount(prefix, h)
	if limit != nil {
		handler = limit(handler)
	}
	r.PathPrefix(prefix).MatcherFunc(underMount(prefix)).Handler(handler)
}

// underMount rejects paths that merely share a string prefix ("/apifoo").
func underMount(prefix string) mux.MatcherFunc {
	return func(r *http.Request, _ *mux.RouteMatch) bool {
		return matchesMount(r.URL.Path, prefix)
	}
}

func matchesMount(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func stripMount(prefix string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, prefix)
		if rest == "" {
			rest = "/"
		}

		r2 := r.Clone(request.WithMount(r.Context(), request.Mount{
			Prefix:       prefix,
			OriginalPath: r.URL.Path,
		}))
		r2.URL.Path = rest
		r2.URL.RawPath = ""
		if r.URL.RawPath != "" {
			rawRest := strings.TrimPrefix(r.URL.RawPath, prefix)
			if rawRest == "" {
				rawRest = "/"
			}
			r2.URL.RawPath = rawRest
		}

		h.ServeHTTP(w, r2)
	})
}

// RouteLabel maps a request to a bounded metrics label
func RouteLabel(r *http.Request) string {
	switch path := r.URL.Path; {
	case matchesMount(path, VoicePrefix):
		return VoicePrefix
	case matchesMount(path, APIPrefix):
		return APIPrefix
	case path == HealthPath, path == MetricsPath:
		return path
	default:
		return "unmatched"
	}
}

func wrap(chain []mux.MiddlewareFunc, h http.Handler) http.Handler {
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	return h
}
