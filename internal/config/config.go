package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	// EnvironmentProduction disables cross-origin access entirely
	EnvironmentProduction = "production"
	// DefaultJSONBodyLimit is the default maximum JSON body size (100kb)
	DefaultJSONBodyLimit int64 = 100 * 1024
)

// Config holds application configuration
type Config struct {
	ServerPort       string  `validate:"required,numeric,listen_port"`
	Environment      string
	ServerDebugMode  bool
	EnableHSTS       bool
	JSONBodyLimit    int64   `validate:"gt=0"`
	APIUpstreamURL   string  `validate:"omitempty,http_url"`
	VoiceUpstreamURL string  `validate:"omitempty,http_url"`
	RateLimit        string
	RedisURL         string  `validate:"omitempty,url"`
	// TrustProxy keys rate limiting on X-Forwarded-For instead of the peer address.
	// Only enable it behind a proxy that overwrites the header.
	TrustProxy       bool
	MetricsEnabled   bool
	OTELEnabled      bool
	OTELEndpoint     string
	OTELInsecure     bool
	OTELSampleRatio  float64 `validate:"gte=0,lte=1"`
}

// IsProduction reports whether the deployment mode is production
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), EnvironmentProduction)
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServerPort:       getEnv("PORT", "3001"),
		Environment:      getEnv("APP_ENV", getEnv("NODE_ENV", "development")),
		ServerDebugMode:  getEnvBool("SERVER_DEBUG_MODE", false),
		EnableHSTS:       getEnvBool("ENABLE_HSTS", false),
		JSONBodyLimit:    getEnvInt64("JSON_BODY_LIMIT", DefaultJSONBodyLimit),
		APIUpstreamURL:   getEnv("API_UPSTREAM_URL", ""),
		VoiceUpstreamURL: getEnv("VOICE_UPSTREAM_URL", ""),
		RateLimit:        getEnv("RATE_LIMIT", ""),
		RedisURL:         getEnv("REDIS_URL", ""),
		TrustProxy:       getEnvBool("TRUST_PROXY", false),
		MetricsEnabled:   getEnvBool("METRICS_ENABLED", true),
		OTELEnabled:      getEnvBool("OTEL_ENABLED", false),
		OTELEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:     getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELSampleRatio:  getEnvFloat64("OTEL_TRACES_SAMPLER_ARG", 1.0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks field constraints and reports the first offending env var
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("listen_port", validatePort); err != nil {
		return fmt.Errorf("register port validator: %w", err)
	}

	err := v.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("invalid %s (%q): failed %q check", envNames[fe.Field()], fmt.Sprint(fe.Value()), fe.Tag())
	}
	return fmt.Errorf("invalid configuration: %w", err)
}

var envNames = map[string]string{
	"ServerPort":       "PORT",
	"JSONBodyLimit":    "JSON_BODY_LIMIT",
	"APIUpstreamURL":   "API_UPSTREAM_URL",
	"VoiceUpstreamURL": "VOICE_UPSTREAM_URL",
	"RedisURL":         "REDIS_URL",
	"OTELSampleRatio":  "OTEL_TRACES_SAMPLER_ARG",
}

func validatePort(fl validator.FieldLevel) bool {
	port, err := strconv.Atoi(fl.Field().String())
	return err == nil && port > 0 && port <= 65535
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
