package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/hospital-opd/internal/app"
	"github.com/noah-isme/hospital-opd/internal/audit"
	"github.com/noah-isme/hospital-opd/internal/auth"
	"github.com/noah-isme/hospital-opd/internal/common"
	"github.com/noah-isme/hospital-opd/internal/config"
	"github.com/noah-isme/hospital-opd/internal/flow"
	"github.com/noah-isme/hospital-opd/internal/health"
	"github.com/noah-isme/hospital-opd/internal/hospitalapi"
	"github.com/noah-isme/hospital-opd/internal/obs"
	"github.com/noah-isme/hospital-opd/internal/otp"
	"github.com/noah-isme/hospital-opd/internal/payment"
	"github.com/noah-isme/hospital-opd/internal/queue"
	"github.com/noah-isme/hospital-opd/internal/ratelimit"
	"github.com/noah-isme/hospital-opd/internal/resilience"
	"github.com/noah-isme/hospital-opd/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "opd")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "hospital-opd-api",
			Version:       envOrDefault("APP_VERSION", "dev"),
			Logger:        logger,
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	deps, err := app.New(initCtx, cfg, logger, app.Options{
		Name:           "hospital-opd-api",
		MetricsEnabled: metricsEnabled,
		Migrate:        true,
	})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	taskClient := asynq.NewClient(deps.TaskRedis)
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}()
	inspector := asynq.NewInspector(deps.TaskRedis)
	defer func() { _ = inspector.Close() }()

	bus := deps.Bus(queue.Scheduler{
		Client:   taskClient,
		Delay:    cfg.DeferredReconcileDelay,
		MaxRetry: cfg.DeferredReconcileMaxRetry,
		Logger:   logger,
	})

	callbacks := payment.NewCallbacks()
	phonePeLogger := logger.With().Str("component", "phonepe_http").Logger()
	phonePe := &payment.PhonePe{
		HTTP: hospitalapi.NewResilientClient(
			hospitalapi.NewHTTPClient(cfg.HospitalAPITimeout),
			resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor).WithTarget("phonepe"),
			cfg.HospitalAPITimeout,
			&phonePeLogger,
		),
		BaseURL:   cfg.PhonePeBaseURL,
		Callbacks: callbacks,
		Logger:    logger,
	}
	launcher := payment.NewLauncher(phonePe, cfg.PhonePeEnv, payment.Credentials{
		MerchantID: cfg.PhonePeMerchantID,
		SaltKey:    cfg.PhonePeSaltKey,
		SaltIndex:  cfg.PhonePeSaltIndex,
	}, logger)
	if err := launcher.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("initialise payment launcher")
	}

	orchestrator := &flow.Orchestrator{
		References: payment.ReferenceRequester{Source: deps.Hospital, Logger: logger},
		Launcher:   launcher,
		Reconciler: deps.Reconciler,
		Committer:  deps.Committer,
		Events:     bus,
		Audit:      deps.Audit,
		Config: flow.Config{
			AwaitTimeout: cfg.PaymentAwaitTimeout,
			Retry: payment.RetryPolicy{
				MaxAttempts: cfg.ReconcileMaxAttempts,
				BaseBackoff: cfg.ReconcileBackoffBase,
				Jitter:      cfg.ReconcileJitter,
			},
			CommitTimeout: cfg.BookingCommitTimeout,
		},
		Logger: logger,
	}
	flows := flow.NewFlows(orchestrator, cfg.FlowRetention, logger)
	flowHandler := &flow.Handler{Flows: flows, Results: callbacks, Validate: deps.Validator, Logger: logger}
	paymentWebhook := payment.Webhook{
		Provider:  "phonepe",
		Verifier:  phonePe,
		Callbacks: callbacks,
		Replay:    deps.Redis,
		ReplayTTL: cfg.WebhookReplayTTL,
		Logger:    logger,
	}

	tokens, err := auth.NewTokens(auth.Config{Secret: cfg.JWTSecret, TTL: cfg.SessionTokenTTL, Issuer: "hospital-opd"})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise session tokens")
	}
	authMiddleware := auth.Middleware{Tokens: tokens}

	prefs := otp.RedisPreferences{R: deps.Redis}
	verifier := otp.NewVerifier(deps.Hospital, prefs, otp.Config{
		ReservedNumber: cfg.OTPReservedNumber,
		ReservedCode:   cfg.OTPReservedCode,
	}, logger)
	limiterStore, err := ratelimit.NewRedisStore(deps.Redis, "rl:otp")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limit store")
	}
	sendLimiter, err := ratelimit.NewFixed(cfg.OTPSendRate, limiterStore)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise otp send limiter")
	}
	otpHandler := &otp.Handler{
		Verifier:    verifier,
		Tokens:      tokens,
		Prefill:     prefs,
		SendLimiter: sendLimiter,
		Validate:    deps.Validator,
		Logger:      logger,
	}
	ipLimit := ratelimit.Handler{
		Limiter: ratelimit.SlidingWindow{
			Client: deps.Redis,
			Prefix: "rl:ip",
			Window: time.Minute,
			Max:    envInt("RATE_LIMIT_OTP_PER_MINUTE", 30),
		},
		Key:     ratelimit.ByClientIP("otp:"),
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate_limit_unavailable") },
	}
	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}
	queueAdmin := &queue.AdminHandler{Inspector: inspector, Logger: logger}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Device-ID"},
		ExposedHeaders:   []string{"Location", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(security.Headers{Enable: true, HSTS: cfg.HSTSMaxAge, CSP: cfg.ContentSecurity}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)
	r.Use(common.DeviceMiddleware)

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      health.Deps{Redis: deps.Redis, DB: deps.DB},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Route("/otp", func(o chi.Router) {
			o.Use(ipLimit.Middleware)
			otpHandler.Routes(o)
		})

		v.Route("/payments", func(p chi.Router) {
			p.Use(authMiddleware.RequireAuth)
			p.Route("/flows", func(f chi.Router) {
				f.Use(idem.Middleware)
				flowHandler.Routes(f)
			})
			if deps.Audit.Enabled {
				p.Get("/history", audit.Handler{Store: deps.Audit.Store}.List)
			}
		})

		v.Post("/webhooks/payment/phonepe", paymentWebhook.Handle)
	})

	r.Route("/admin/queue", func(a chi.Router) {
		a.Use(security.AdminToken{Token: cfg.AdminToken}.Middleware)
		a.Get("/stats", queueAdmin.Stats)
		a.Get("/dlq", queueAdmin.ListDLQ)
		a.Post("/dlq/replay", queueAdmin.ReplayDLQ)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
	}
	gracefulShutdown(srv, flows, cfg.ShutdownTimeout, logger)
}

// gracefulShutdown drains HTTP traffic first, then cancels in-flight flows. A flow
// that already moved money still records its booking before it exits.
func gracefulShutdown(srv *http.Server, flows *flow.Flows, timeout time.Duration, logger zerolog.Logger) {
	health.SetReady(false)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := flows.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("payment flows shutdown")
	}
	logger.Info().Msg("server shutdown complete")
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
