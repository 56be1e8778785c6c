// Package upstream provides the production handler groups: reverse proxies that
// forward everything under a mount point to a backing service.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/benvon/voice-gateway/internal/handlers"
	logpkg "github.com/benvon/voice-gateway/internal/logger"
	"github.com/benvon/voice-gateway/internal/request"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// ForwardedPrefixHeader tells the upstream which mount point it is serving
const ForwardedPrefixHeader = "X-Forwarded-Prefix"

// Option configures a proxy group
type Option func(*options)

type options struct {
	breaker   BreakerConfig
	transport http.RoundTripper
}

// WithBreakerConfig overrides DefaultBreakerConfig
func WithBreakerConfig(cfg BreakerConfig) Option {
	return func(o *options) { o.breaker = cfg }
}

// WithTransport overrides the base transport beneath the circuit breaker
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// NewGroup returns the handler group for name. An empty rawURL yields a group
// that answers 503, so the gateway can start before its upstreams exist.
func NewGroup(name, rawURL string, log *zap.Logger, opts ...Option) (http.Handler, error) {
	if rawURL == "" {
		log.Warn("handler_group_not_configured", zap.String("group", name))
		return NotConfigured(name), nil
	}

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %s upstream url: %w", name, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" || target.Host == "" {
		return nil, fmt.Errorf("%s upstream url must be absolute http(s), got %q", name, rawURL)
	}

	o := options{breaker: DefaultBreakerConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = o.breaker.Timeout
		o.transport = t
	}

	rt, err := newBreakerRoundTripper(name, o.transport, o.breaker)
	if err != nil {
		return nil, err
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if m, ok := request.MountFromContext(pr.In); ok {
				pr.Out.Header.Set(ForwardedPrefixHeader, m.Prefix)
			}
			otel.GetTextMapPropagator().Inject(pr.In.Context(), propagation.HeaderCarrier(pr.Out.Header))
		},
		Transport: rt,
		// Voice responses are streamed; push bytes to the client as they arrive.
		FlushInterval: -1,
		ErrorHandler:  proxyErrorHandler(name, log),
	}

	log.Info("handler_group_configured",
		zap.String("group", name),
		zap.String("upstream", target.Redacted()),
	)
	return proxy, nil
}

func proxyErrorHandler(name string, log *zap.Logger) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, context.Canceled) {
			log.Debug("upstream_request_canceled",
				zap.String("group", name),
				zap.String("path", logpkg.SanitizePath(r.URL.Path)),
			)
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		if isCircuitOpen(err) {
			log.Warn("upstream_circuit_open", zap.String("group", name))
			w.Header().Set("Retry-After", "5")
			handlers.RespondError(w, r, http.StatusServiceUnavailable, name+" upstream temporarily unavailable")
			return
		}

		log.Error("upstream_request_failed",
			zap.String("group", name),
			zap.String("method", r.Method),
			zap.String("path", logpkg.SanitizePath(r.URL.Path)),
			zap.String("request_id", request.RequestIDFromContext(r.Context())),
			zap.Error(err),
		)
		handlers.RespondError(w, r, http.StatusBadGateway, name+" upstream unreachable")
	}
}

// NotConfigured is the handler group mounted when no upstream is set
func NotConfigured(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		handlers.RespondError(w, r, http.StatusServiceUnavailable, name+" handler group not configured")
	})
}
