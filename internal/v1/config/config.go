package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the coordinator.
type Config struct {
	// Required variables
	JWTSecret string
	Port      string

	// Optional variables with defaults
	GoEnv        string
	LogLevel     string
	RedisEnabled bool
	RedisAddr    string
	RedisPassword string

	AllowedOrigins string

	// Scene content service (external collaborator, spec.md §1 Out of scope)
	SceneServiceAddr       string
	SceneServiceHealthAddr string

	// Liveness / grace / retention timers (spec.md §6)
	PingInterval             time.Duration
	PingTimeout              time.Duration
	LoadingTimeout           time.Duration
	ProbeTimeout             time.Duration
	ParticipantRetention     time.Duration
	AuditRetention           time.Duration

	AuditOutputDir string
	ExperimentID   string

	OtelCollectorAddr string

	// Rate limits (Defaults: M = Minute, H = Hour)
	RateLimitWsIp   string
	RateLimitWsUser string
}

// ValidateEnv validates all required environment variables and returns a
// Config. Accumulates every validation failure before returning, so an
// operator sees the whole list of problems in one pass rather than one at a
// time.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.SceneServiceAddr = os.Getenv("SCENE_SERVICE_ADDR")
	cfg.SceneServiceHealthAddr = getEnvOrDefault("SCENE_SERVICE_HEALTH_ADDR", cfg.SceneServiceAddr)

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	cfg.AuditOutputDir = getEnvOrDefault("AUDIT_OUTPUT_DIR", "data")
	cfg.ExperimentID = getEnvOrDefault("EXPERIMENT_ID", "default")

	var err error
	if cfg.PingInterval, err = getEnvDurationMs("PING_INTERVAL_MS", 8000); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.PingTimeout, err = getEnvDurationMs("PING_TIMEOUT_MS", 30000); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.LoadingTimeout, err = getEnvDurationMs("LOADING_TIMEOUT_MS", 60000); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.ProbeTimeout, err = getEnvDurationMs("PROBE_TIMEOUT_MS", 10000); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.ParticipantRetention, err = getEnvDurationMs("PARTICIPANT_RETENTION_MS", 5*60*1000); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.AuditRetention, err = getEnvDurationMs("AUDIT_RETENTION_MS", 60000); err != nil {
		errs = append(errs, err.Error())
	}

	cfg.RateLimitWsIp = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"ping_interval", cfg.PingInterval,
		"ping_timeout", cfg.PingTimeout,
		"loading_timeout", cfg.LoadingTimeout,
		"probe_timeout", cfg.ProbeTimeout,
		"participant_retention", cfg.ParticipantRetention,
		"audit_retention", cfg.AuditRetention,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvDurationMs(key string, defaultMs int) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return time.Duration(defaultMs) * time.Millisecond, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer of milliseconds (got '%s')", key, raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
