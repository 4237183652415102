package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/hospital-opd/internal/app"
	"github.com/noah-isme/hospital-opd/internal/config"
	"github.com/noah-isme/hospital-opd/internal/obs"
	"github.com/noah-isme/hospital-opd/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "opd"), nil)

	if envOrDefault("OBS_ENABLE_TRACING", "true") == "true" {
		shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName: "hospital-opd-worker",
			Version:     envOrDefault("APP_VERSION", "dev"),
			Endpoint:    envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:    envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			Environment: cfg.AppEnv,
			Logger:      logger,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracer(flushCtx); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	deps, err := app.New(initCtx, cfg, logger, app.Options{Name: "hospital-opd-worker"})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	// follow-up events from the worker are recorded but never rescheduled
	handler := &queue.ReconcileHandler{
		Status:    deps.Reconciler,
		Committer: deps.Committer,
		Events:    deps.Bus(nil),
		Logger:    logger,
	}

	srv := asynq.NewServer(deps.TaskRedis, asynq.Config{
		Concurrency:     cfg.WorkerConcurrency,
		Queues:          map[string]int{queue.QueueReconcile: 1},
		RetryDelayFunc:  queue.RetryDelay(cfg.DeferredReconcileDelay, 30*time.Minute, cfg.ReconcileJitter),
		ShutdownTimeout: cfg.ShutdownTimeout,
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Warn().Err(err).Str("type", task.Type()).Msg("task_failed")
		}),
	})
	mux := asynq.NewServeMux()
	handler.Register(mux)

	logger.Info().Msg("worker starting")
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}
	<-ctx.Done()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
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
