package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	CORSAllowedOrigins []string
	BodyLimitBytes     int64
	HSTSMaxAge         time.Duration
	ContentSecurity    string

	HospitalAPIBaseURL string
	HospitalAPITimeout time.Duration

	PhonePeEnv        string
	PhonePeMerchantID string
	PhonePeSaltKey    string
	PhonePeSaltIndex  string
	PhonePeBaseURL    string

	PaymentAwaitTimeout  time.Duration
	BookingCommitTimeout time.Duration
	ReconcileMaxAttempts int
	ReconcileBackoffBase time.Duration
	ReconcileJitter      float64

	CircuitMinRequests  int
	CircuitFailureRatio float64
	CircuitOpenFor      time.Duration

	OTPReservedNumber string
	OTPReservedCode   string
	OTPSendRate       string

	SessionTokenTTL  time.Duration
	BookingLockTTL   time.Duration
	FlowRetention    time.Duration
	IdempotencyTTL   time.Duration
	WebhookReplayTTL time.Duration
	AdminToken       string
	ShutdownTimeout  time.Duration

	DeferredReconcileDelay    time.Duration
	DeferredReconcileMaxRetry int
	WorkerConcurrency         int
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        strings.TrimSpace(k.String("DATABASE_URL")),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		BodyLimitBytes:     int64(parseInt(k.String("BODY_LIMIT_BYTES"), 64*1024)),
		HSTSMaxAge:         parseDuration(k.String("HSTS_MAX_AGE"), "0s"),
		ContentSecurity:    strings.TrimSpace(k.String("CONTENT_SECURITY_POLICY")),

		HospitalAPIBaseURL: strings.TrimRight(strings.TrimSpace(k.String("HOSPITAL_API_BASE_URL")), "/"),
		HospitalAPITimeout: parseDuration(k.String("HOSPITAL_API_TIMEOUT"), "15s"),

		PhonePeEnv:        strings.ToUpper(valueOrDefault(k.String("PHONEPE_ENV"), "SANDBOX")),
		PhonePeMerchantID: strings.TrimSpace(k.String("PHONEPE_MERCHANT_ID")),
		PhonePeSaltKey:    strings.TrimSpace(k.String("PHONEPE_SALT_KEY")),
		PhonePeSaltIndex:  valueOrDefault(k.String("PHONEPE_SALT_INDEX"), "1"),
		PhonePeBaseURL:    strings.TrimSpace(k.String("PHONEPE_BASE_URL")),

		PaymentAwaitTimeout:  parseDuration(k.String("PAYMENT_AWAIT_TIMEOUT"), "15m"),
		BookingCommitTimeout: parseDuration(k.String("BOOKING_COMMIT_TIMEOUT"), "30s"),
		ReconcileMaxAttempts: parseInt(k.String("RECONCILE_MAX_ATTEMPTS"), 3),
		ReconcileBackoffBase: parseDuration(k.String("RECONCILE_BACKOFF_BASE"), "500ms"),
		ReconcileJitter:      parseFloat(k.String("RECONCILE_JITTER"), 0.2),

		CircuitMinRequests:  parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRatio: parseFloat(k.String("CIRCUIT_FAILURE_RATIO"), 0.5),
		CircuitOpenFor:      parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		OTPReservedNumber: valueOrDefault(k.String("OTP_RESERVED_NUMBER"), "1111111111"),
		OTPReservedCode:   valueOrDefault(k.String("OTP_RESERVED_CODE"), "1111"),
		OTPSendRate:       valueOrDefault(k.String("OTP_SEND_RATE"), "5-H"),

		SessionTokenTTL:  parseDuration(k.String("SESSION_TOKEN_TTL"), "720h"),
		BookingLockTTL:   parseDuration(k.String("BOOKING_LOCK_TTL"), "30s"),
		FlowRetention:    parseDuration(k.String("FLOW_RETENTION"), "1h"),
		IdempotencyTTL:   parseDuration(k.String("IDEMPOTENCY_TTL"), "10m"),
		WebhookReplayTTL: parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		AdminToken:       strings.TrimSpace(k.String("ADMIN_TOKEN")),
		ShutdownTimeout:  parseDuration(k.String("SHUTDOWN_TIMEOUT"), "20s"),

		DeferredReconcileDelay:    parseDuration(k.String("DEFERRED_RECONCILE_DELAY"), "2m"),
		DeferredReconcileMaxRetry: parseInt(k.String("DEFERRED_RECONCILE_MAX_RETRY"), 10),
		WorkerConcurrency:         parseInt(k.String("WORKER_CONCURRENCY"), 4),
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.HospitalAPIBaseURL == "" {
		return nil, errors.New("HOSPITAL_API_BASE_URL is required")
	}
	if cfg.PhonePeMerchantID == "" {
		return nil, errors.New("PHONEPE_MERCHANT_ID is required")
	}
	if cfg.PhonePeEnv == "PRODUCTION" && cfg.PhonePeSaltKey == "" {
		return nil, errors.New("PHONEPE_SALT_KEY is required in production")
	}
	if cfg.HSTSMaxAge == 0 && cfg.AppEnv == "production" {
		cfg.HSTSMaxAge = 365 * 24 * time.Hour
	}
	if cfg.ReconcileMaxAttempts <= 0 {
		cfg.ReconcileMaxAttempts = 1
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// AuditEnabled reports whether a Postgres audit store is configured.
func (c *Config) AuditEnabled() bool {
	return c.DatabaseURL != ""
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
