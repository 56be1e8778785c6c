package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benvon/voice-gateway/internal/config"
	"github.com/benvon/voice-gateway/internal/handlers"
	"github.com/benvon/voice-gateway/internal/middleware"
	"github.com/benvon/voice-gateway/internal/request"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testConfig(env string) *config.Config {
	return &config.Config{
		ServerPort:     "3001",
		Environment:    env,
		JSONBodyLimit:  config.DefaultJSONBodyLimit,
		MetricsEnabled: true,
	}
}

// recordingGroup remembers what each delegated request looked like.
type recordingGroup struct {
	mu    sync.Mutex
	calls []recordedCall
}

type recordedCall struct {
	method string
	path   string
	mount  request.Mount
	body   any
}

func (g *recordingGroup) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mount, _ := request.MountFromContext(r)
	body, _ := request.BodyFromContext(r)
	g.mu.Lock()
	g.calls = append(g.calls, recordedCall{method: r.Method, path: r.URL.Path, mount: mount, body: body})
	g.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (g *recordingGroup) last() (recordedCall, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.calls) == 0 {
		return recordedCall{}, false
	}
	return g.calls[len(g.calls)-1], true
}

func (g *recordingGroup) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func newTestGateway(t *testing.T, cfg *config.Config, groups Groups, opts ...Option) http.Handler {
	t.Helper()
	opts = append([]Option{WithRegistry(prometheus.NewRegistry())}, opts...)
	h, err := New(cfg, zap.NewNop(), groups, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return h
}

func TestHealth_FixedClock(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newTestGateway(t, testConfig("development"), Groups{}, WithClock(func() time.Time { return fixed }))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	want := `{"status":"ok","timestamp":"2024-01-01T00:00:00.000Z"}`
	if got := w.Body.String(); got != want {
		t.Errorf("Expected body %s, got %s", want, got)
	}
}

func TestHealth_AlwaysOK(t *testing.T) {
	t.Parallel()

	h := newTestGateway(t, testConfig("production"), Groups{})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		var body handlers.HealthResponse
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if body.Status != "ok" {
			t.Errorf("Expected status ok, got %q", body.Status)
		}
		if _, err := time.Parse(time.RFC3339Nano, body.Timestamp); err != nil {
			t.Errorf("Timestamp %q is not a valid date-time: %v", body.Timestamp, err)
		}
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		method     string
		path       string
		wantGroup  string
		wantPath   string
		wantPrefix string
		wantStatus int
	}{
		{name: "voice root", method: "GET", path: "/api/voice", wantGroup: "voice", wantPath: "/", wantPrefix: "/api/voice", wantStatus: 200},
		{name: "voice root slash", method: "GET", path: "/api/voice/", wantGroup: "voice", wantPath: "/", wantPrefix: "/api/voice", wantStatus: 200},
		{name: "voice nested", method: "DELETE", path: "/api/voice/sessions/42", wantGroup: "voice", wantPath: "/sessions/42", wantPrefix: "/api/voice", wantStatus: 200},
		{name: "api root", method: "GET", path: "/api", wantGroup: "api", wantPath: "/", wantPrefix: "/api", wantStatus: 200},
		{name: "api nested", method: "PATCH", path: "/api/users/7", wantGroup: "api", wantPath: "/users/7", wantPrefix: "/api", wantStatus: 200},
		{name: "voice-like sibling goes to api", method: "GET", path: "/api/voices", wantGroup: "api", wantPath: "/voices", wantPrefix: "/api", wantStatus: 200},
		{name: "health under api is delegated", method: "GET", path: "/api/health", wantGroup: "api", wantPath: "/health", wantPrefix: "/api", wantStatus: 200},
		{name: "shared string prefix is not a mount", method: "GET", path: "/apifoo", wantStatus: 404},
		{name: "unknown path", method: "GET", path: "/unknown", wantStatus: 404},
		{name: "root", method: "GET", path: "/", wantStatus: 404},
		{name: "wrong method on health", method: "POST", path: "/health", wantStatus: 404},
		{name: "health subpath", method: "GET", path: "/health/deep", wantStatus: 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			api := &recordingGroup{}
			voice := &recordingGroup{}
			h := newTestGateway(t, testConfig("development"), Groups{API: api, Voice: voice})

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}

			switch tt.wantGroup {
			case "voice":
				if api.count() != 0 {
					t.Error("Expected api group not to be reached")
				}
			case "api":
				if voice.count() != 0 {
					t.Error("Expected voice group not to be reached")
				}
			default:
				if api.count()+voice.count() != 0 {
					t.Errorf("Expected no group to be reached, got api=%d voice=%d", api.count(), voice.count())
				}
				var body handlers.ErrorResponse
				if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
					t.Fatalf("Failed to decode 404 response: %v", err)
				}
				if body.Error != "Not Found" {
					t.Errorf("Expected error Not Found, got %q", body.Error)
				}
				return
			}

			g := api
			if tt.wantGroup == "voice" {
				g = voice
			}
			call, ok := g.last()
			if !ok {
				t.Fatalf("Expected %s group to be reached", tt.wantGroup)
			}
			if call.method != tt.method {
				t.Errorf("Expected method %s, got %s", tt.method, call.method)
			}
			if call.path != tt.wantPath {
				t.Errorf("Expected delegated path %s, got %s", tt.wantPath, call.path)
			}
			if call.mount.Prefix != tt.wantPrefix || call.mount.OriginalPath != tt.path {
				t.Errorf("Unexpected mount %+v", call.mount)
			}
		})
	}
}

func TestCORS_DeploymentModes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		env       string
		origin    string
		path      string
		wantGrant bool
	}{
		{name: "dev localhost on health", env: "development", origin: "http://localhost:5173", path: "/health", wantGrant: true},
		{name: "dev loopback on voice", env: "", origin: "http://127.0.0.1:5173", path: "/api/voice/x", wantGrant: true},
		{name: "dev evil", env: "development", origin: "http://evil.example.com", path: "/api/x", wantGrant: false},
		{name: "prod localhost", env: "production", origin: "http://localhost:5173", path: "/api/x", wantGrant: false},
		{name: "prod evil", env: "production", origin: "http://evil.example.com", path: "/health", wantGrant: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newTestGateway(t, testConfig(tt.env), Groups{API: &recordingGroup{}, Voice: &recordingGroup{}})
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", w.Code)
			}
			allowOrigin := w.Header().Get("Access-Control-Allow-Origin")
			allowCreds := w.Header().Get("Access-Control-Allow-Credentials")
			if tt.wantGrant {
				if allowOrigin != tt.origin || allowCreds != "true" {
					t.Errorf("Expected grant for %s with credentials, got origin=%q creds=%q", tt.origin, allowOrigin, allowCreds)
				}
				return
			}
			if allowOrigin != "" || allowCreds != "" {
				t.Errorf("Expected no access-granting headers, got origin=%q creds=%q", allowOrigin, allowCreds)
			}
		})
	}
}

func TestCORS_PreflightOnHealth(t *testing.T) {
	t.Parallel()

	h := newTestGateway(t, testConfig("development"), Groups{})
	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected preflight status 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Expected preflight grant, got %q", got)
	}
}

func TestJSONBody_ThroughGateway(t *testing.T) {
	t.Parallel()

	api := &recordingGroup{}
	h := newTestGateway(t, testConfig("development"), Groups{API: api})

	bad := httptest.NewRequest(http.MethodPost, "/api/notes", strings.NewReader(`{"malformed"`))
	bad.Header.Set("Content-Type", "application/json")
	bad.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, bad)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	if api.count() != 0 {
		t.Fatal("Expected malformed body not to reach the api group")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Expected CORS headers on the 400 so the browser can read it, got %q", got)
	}

	good := httptest.NewRequest(http.MethodPost, "/api/notes", strings.NewReader(`{"title":"hi"}`))
	good.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, good)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected subsequent request to succeed, got %d", w.Code)
	}
	call, _ := api.last()
	body, ok := call.body.(map[string]any)
	if !ok || body["title"] != "hi" {
		t.Errorf("Expected parsed body to reach api group, got %#v", call.body)
	}
}

func TestGroupPanic_Recovered(t *testing.T) {
	t.Parallel()

	boom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("voice exploded") })
	h := newTestGateway(t, testConfig("development"), Groups{Voice: boom})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/voice/x", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected gateway to keep serving after a panic, got %d", w.Code)
	}
}

func TestGroupPanic_LoggedAndCounted(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	registry := prometheus.NewRegistry()
	boom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("voice exploded") })
	h, err := New(testConfig("development"), zap.New(core), Groups{Voice: boom}, WithRegistry(registry))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/voice/x", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}

	if n := logs.FilterMessage("panic_recovered").Len(); n != 1 {
		t.Errorf("Expected one panic_recovered entry, got %d", n)
	}
	requests := logs.FilterMessage("http_request").All()
	if len(requests) != 1 {
		t.Fatalf("Expected one http_request entry, got %d", len(requests))
	}
	if got := requests[0].ContextMap()["status_code"]; got != int64(http.StatusInternalServerError) {
		t.Errorf("Expected http_request status_code 500, got %v", got)
	}

	mw := httptest.NewRecorder()
	h.ServeHTTP(mw, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(mw.Body.String(), `http_requests_total{method="GET",route="/api/voice",status_code="500"} 1`) {
		t.Errorf("Expected panicking request to be counted as 500, got:\n%s", mw.Body.String())
	}
}

func TestRateLimiter_LogsFullPath(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	rl, err := middleware.NewRateLimiter("1-M", "", false, zap.New(core))
	if err != nil {
		t.Fatalf("NewRateLimiter() error: %v", err)
	}
	api := &recordingGroup{}
	h := newTestGateway(t, testConfig("development"), Groups{API: api}, WithRateLimiter(rl))

	for i := 0; i < 2; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/x", nil))
	}

	entries := logs.FilterMessage("rate_limit_exceeded").All()
	if len(entries) != 1 {
		t.Fatalf("Expected one rate_limit_exceeded entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["path"]; got != "/api/x" {
		t.Errorf("Expected logged path /api/x, got %v", got)
	}
	if call, ok := api.last(); !ok || call.path != "/x" {
		t.Errorf("Expected the admitted request to reach the api group as /x, got %+v", call)
	}
}

func TestUnconfiguredGroups(t *testing.T) {
	t.Parallel()

	h := newTestGateway(t, testConfig("development"), Groups{})

	for _, path := range []string{"/api/x", "/api/voice/x"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected status 503, got %d", path, w.Code)
		}
	}
}

func TestResponseHeaders(t *testing.T) {
	t.Parallel()

	h := newTestGateway(t, testConfig("development"), Groups{})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	if w.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("Expected request id on 404 responses")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("Expected security headers on 404 responses")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestGateway(t, testConfig("development"), Groups{API: &recordingGroup{}})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/x", nil))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	b, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(b), `http_requests_total{method="GET",route="/api",status_code="200"} 1`) {
		t.Errorf("Expected api request to be counted, got:\n%s", b)
	}
}

func TestMetricsDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig("development")
	cfg.MetricsEnabled = false
	h := newTestGateway(t, cfg, Groups{})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 with metrics disabled, got %d", w.Code)
	}
}

func TestRateLimiter_SkipsHealth(t *testing.T) {
	t.Parallel()

	rl, err := middleware.NewRateLimiter("1-M", "", false, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRateLimiter() error: %v", err)
	}
	h := newTestGateway(t, testConfig("development"), Groups{API: &recordingGroup{}}, WithRateLimiter(rl))

	codes := func(path string) []int {
		var out []int
		for i := 0; i < 2; i++ {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			out = append(out, w.Code)
		}
		return out
	}

	if got := codes("/api/x"); got[0] != http.StatusOK || got[1] != http.StatusTooManyRequests {
		t.Errorf("Expected api to be limited after one request, got %v", got)
	}
	if got := codes("/health"); got[0] != http.StatusOK || got[1] != http.StatusOK {
		t.Errorf("Expected health never to be limited, got %v", got)
	}
}

func TestRouteLabel(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"/api/voice":        VoicePrefix,
		"/api/voice/a/b":    VoicePrefix,
		"/api":              APIPrefix,
		"/api/voices":       APIPrefix,
		"/health":           HealthPath,
		"/metrics":          MetricsPath,
		"/apifoo":           "unmatched",
		"/random/123456789": "unmatched",
	}
	for path, want := range tests {
		if got := RouteLabel(httptest.NewRequest(http.MethodGet, path, nil)); got != want {
			t.Errorf("RouteLabel(%s) = %s, want %s", path, got, want)
		}
	}
}
