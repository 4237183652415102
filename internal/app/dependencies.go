// Package app builds the infrastructure shared by the API and worker
// processes.
package app

import (
	"context"
	"fmt"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/hospital-opd/internal/audit"
	"github.com/noah-isme/hospital-opd/internal/booking"
	"github.com/noah-isme/hospital-opd/internal/config"
	"github.com/noah-isme/hospital-opd/internal/events"
	"github.com/noah-isme/hospital-opd/internal/hospitalapi"
	"github.com/noah-isme/hospital-opd/internal/lock"
	"github.com/noah-isme/hospital-opd/internal/obs"
	"github.com/noah-isme/hospital-opd/internal/payment"
	"github.com/noah-isme/hospital-opd/internal/resilience"
)

// Options select optional infrastructure.
type Options struct {
	// Name is reported as the Postgres application_name.
	Name           string
	MetricsEnabled bool
	// Migrate applies the audit migrations before the pool is opened.
	Migrate bool
}

// Dependencies enumerates core services shared across modules.
type Dependencies struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Redis     *redis.Client
	DB        *pgxpool.Pool
	TaskRedis asynq.RedisConnOpt
	Validator *validator.Validate

	Breaker    *resilience.Breaker
	Hospital   *hospitalapi.Client
	Reconciler *payment.Reconciler
	Committer  *booking.Committer
	Audit      audit.Service
}

// New connects Redis and, when a database is configured, Postgres, then
// builds the hospital backend client and the payment pieces both processes
// share.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Dependencies, error) {
	d := &Dependencies{Config: cfg, Logger: logger, Validator: validator.New()}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	d.Redis = redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(d.Redis); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if opts.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(d.Redis); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := d.Redis.Ping(ctx).Err(); err != nil {
		d.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	d.TaskRedis, err = asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("parse task redis url: %w", err)
	}

	if cfg.AuditEnabled() {
		if opts.Migrate {
			if err := audit.Migrate(cfg.DatabaseURL); err != nil {
				d.Close()
				return nil, err
			}
		}
		d.DB, err = newPool(ctx, cfg.DatabaseURL, opts.Name, logger)
		if err != nil {
			d.Close()
			return nil, err
		}
	}
	d.Audit = audit.Service{Enabled: d.DB != nil, Logger: logger}
	if d.DB != nil {
		d.Audit.Store = audit.NewStore(d.DB)
	}

	d.Breaker = resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor).
		WithTarget("hospital-api").
		WithLogger(logger)
	httpLogger := logger.With().Str("component", "hospital_http").Logger()
	doer := hospitalapi.NewResilientClient(hospitalapi.NewHTTPClient(cfg.HospitalAPITimeout), d.Breaker, cfg.HospitalAPITimeout, &httpLogger)
	d.Hospital = hospitalapi.New(cfg.HospitalAPIBaseURL, doer, logger)

	d.Reconciler = &payment.Reconciler{Source: d.Hospital, Logger: logger}
	d.Committer = &booking.Committer{
		API:     d.Hospital,
		Locker:  lock.Locker{R: d.Redis, MaxWait: cfg.BookingLockTTL},
		Records: booking.RedisRecords{R: d.Redis},
		LockTTL: cfg.BookingLockTTL,
		Logger:  logger,
	}
	return d, nil
}

func newPool(ctx context.Context, databaseURL, name string, logger zerolog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{Logger: logger, Slow: 250 * time.Millisecond}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	if name != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = name
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Bus returns an event bus that records events in the audit store when
// auditing is enabled and always logs them.
func (d *Dependencies) Bus(scheduler events.Scheduler) *events.Bus {
	bus := &events.Bus{
		Scheduler: scheduler,
		Notifiers: []events.Notifier{LogNotifier(d.Logger)},
	}
	if d.Audit.Enabled {
		bus.Store = d.Audit
	}
	return bus
}

// LogNotifier writes every domain event to the log.
func LogNotifier(logger zerolog.Logger) events.Notifier {
	return events.NotifierFunc(func(_ context.Context, ev events.Event) error {
		logger.Info().
			Str("event_id", ev.ID.String()).
			Str("topic", ev.Topic).
			Str("aggregate_id", ev.AggregateID).
			Msg("domain_event")
		return nil
	})
}

// Close releases connections in reverse order of creation.
func (d *Dependencies) Close() {
	if d.DB != nil {
		d.DB.Close()
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
}
