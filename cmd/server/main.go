package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benvon/voice-gateway/internal/config"
	"github.com/benvon/voice-gateway/internal/gateway"
	"github.com/benvon/voice-gateway/internal/logger"
	"github.com/benvon/voice-gateway/internal/middleware"
	"github.com/benvon/voice-gateway/internal/telemetry"
	"github.com/benvon/voice-gateway/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.ServerDebugMode = cfg.ServerDebugMode || *debugFlag

	zapLogger, err := logger.NewProductionLogger(cfg.ServerDebugMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// run returns instead of exiting so its deferred cleanup flushes spans and
	// closes the limiter store on every path.
	err = run(cfg, zapLogger)
	_ = logger.Sync(zapLogger)
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	zapLogger.Info("starting_server",
		zap.Bool("debug_mode", cfg.ServerDebugMode),
		zap.String("server_port", cfg.ServerPort),
		zap.String("environment", cfg.Environment),
		zap.Bool("production", cfg.IsProduction()),
		zap.Bool("metrics_enabled", cfg.MetricsEnabled),
		zap.Bool("otel_enabled", cfg.OTELEnabled),
	)

	var opts []gateway.Option

	if cfg.OTELEnabled {
		if cfg.OTELEndpoint == "" {
			zapLogger.Warn("otel_enabled_but_endpoint_not_configured")
		} else {
			tp, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
				ServiceName: gateway.ServiceName,
				Environment: cfg.Environment,
				Endpoint:    cfg.OTELEndpoint,
				Insecure:    cfg.OTELInsecure,
				SampleRatio: cfg.OTELSampleRatio,
			})
			if err != nil {
				zapLogger.Warn("failed_to_initialize_otel_tracer", zap.Error(err))
			} else {
				zapLogger.Info("otel_tracer_initialized",
					zap.String("endpoint", cfg.OTELEndpoint),
					zap.Float64("sample_ratio", cfg.OTELSampleRatio),
				)
				opts = append(opts, gateway.WithTracing())
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := telemetry.Shutdown(shutdownCtx, tp); err != nil {
						zapLogger.Error("failed_to_shutdown_otel_tracer", zap.Error(err))
					}
				}()
			}
		}
	}

	if cfg.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, gateway.WithRegistry(registry))
	}

	if cfg.RateLimit != "" {
		rl, err := middleware.NewRateLimiter(cfg.RateLimit, cfg.RedisURL, cfg.TrustProxy, zapLogger)
		if err != nil {
			zapLogger.Error("failed_to_initialize_rate_limiter", zap.Error(err))
			return err
		}
		defer func() {
			if err := rl.Close(); err != nil {
				zapLogger.Warn("failed_to_close_rate_limiter", zap.Error(err))
			}
		}()
		opts = append(opts, gateway.WithRateLimiter(rl))
	}

	apiGroup, err := upstream.NewGroup("api", cfg.APIUpstreamURL, zapLogger)
	if err != nil {
		zapLogger.Error("failed_to_create_api_group", zap.Error(err))
		return err
	}
	voiceGroup, err := upstream.NewGroup("voice", cfg.VoiceUpstreamURL, zapLogger)
	if err != nil {
		zapLogger.Error("failed_to_create_voice_group", zap.Error(err))
		return err
	}

	handler, err := gateway.New(cfg, zapLogger, gateway.Groups{API: apiGroup, Voice: voiceGroup}, opts...)
	if err != nil {
		zapLogger.Error("failed_to_build_router", zap.Error(err))
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          zap.NewStdLog(zapLogger),
	}

	// Bind before serving so the listening line is only logged once the port is ours.
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		zapLogger.Error("server_failed_to_bind", zap.String("addr", srv.Addr), zap.Error(err))
		return err
	}
	zapLogger.Info("server_listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("port", cfg.ServerPort),
		zap.String("started_at", time.Now().UTC().Format(time.RFC3339)),
	)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		zapLogger.Info("server_shutting_down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			zapLogger.Error("server_failed", zap.Error(err))
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("server_forced_to_shutdown", zap.Error(err))
	}

	zapLogger.Info("server_exited")
	return nil
}
