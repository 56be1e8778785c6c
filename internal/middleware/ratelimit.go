package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/benvon/voice-gateway/internal/handlers"
	logpkg "github.com/benvon/voice-gateway/internal/logger"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	stdlibmw "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

const rateLimitKeyPrefix = "voice-gateway:ratelimit"

// RateLimiter limits requests per client IP with ulule/limiter. Counters live in
// Redis when a URL is configured so every gateway replica shares them, and in
// process memory otherwise.
//
// Clients are keyed on the connection's peer address. X-Forwarded-For and
// X-Real-IP are only consulted when trustProxy is set.
type RateLimiter struct {
	mw      *stdlibmw.Middleware
	limiter *limiter.Limiter
	client  *redis.Client
	log     *zap.Logger
}

// NewRateLimiter parses a formatted rate such as "100-M" and connects the store.
func NewRateLimiter(rateStr, redisURL string, trustProxy bool, log *zap.Logger) (*RateLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(rateStr)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit %q: %w", rateStr, err)
	}

	rl := &RateLimiter{log: log}

	var store limiter.Store
	if redisURL == "" {
		store = memorystore.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          rateLimitKeyPrefix,
			CleanUpInterval: limiter.DefaultCleanUpInterval,
		})
	} else {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		rl.client = redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rl.client.Ping(ctx).Err(); err != nil {
			_ = rl.client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}

		store, err = redisstore.NewStoreWithOptions(rl.client, limiter.StoreOptions{Prefix: rateLimitKeyPrefix})
		if err != nil {
			_ = rl.client.Close()
			return nil, fmt.Errorf("failed to create Redis limiter store: %w", err)
		}
	}

	rl.limiter = limiter.New(store, rate, limiter.WithTrustForwardHeader(trustProxy))
	rl.mw = stdlibmw.NewMiddleware(rl.limiter,
		stdlibmw.WithLimitReachedHandler(rl.limitReached),
		stdlibmw.WithErrorHandler(rl.storeError),
	)

	log.Info("rate_limiter_initialized",
		zap.String("rate", rateStr),
		zap.Bool("redis_store", rl.client != nil),
		zap.Bool("trust_proxy", trustProxy),
	)
	return rl, nil
}

// Middleware returns the limiting middleware
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return rl.mw.Handler
}

// Close releases the Redis connection, if any
func (rl *RateLimiter) Close() error {
	if rl.client == nil {
		return nil
	}
	return rl.client.Close()
}

func (rl *RateLimiter) limitReached(w http.ResponseWriter, r *http.Request) {
	rl.log.Info("rate_limit_exceeded",
		zap.String("client_ip", rl.limiter.GetIP(r).String()),
		zap.String("path", logpkg.SanitizePath(r.URL.Path)),
		zap.String("reset_unix", w.Header().Get("X-RateLimit-Reset")),
	)
	if reset, err := strconv.ParseInt(w.Header().Get("X-RateLimit-Reset"), 10, 64); err == nil {
		if wait := reset - time.Now().Unix(); wait > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(wait, 10))
		}
	}
	handlers.RespondError(w, r, http.StatusTooManyRequests, "Rate limit exceeded")
}

// storeError answers 500 when the limiter store cannot be reached.
func (rl *RateLimiter) storeError(w http.ResponseWriter, r *http.Request, err error) {
	rl.log.Error("rate_limit_store_error", zap.Error(err))
	handlers.RespondError(w, r, http.StatusInternalServerError, "Rate limiter unavailable")
}
