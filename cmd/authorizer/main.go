package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/zoobzio/clockz"

	"cardauth/internal/authorization"
	"cardauth/internal/authorization/api"
	"cardauth/internal/common/database"
	"cardauth/internal/common/kafka"
	"cardauth/internal/common/middleware"
	"cardauth/internal/common/money"
	"cardauth/internal/common/nats"
	"cardauth/internal/common/telemetry"
	"cardauth/internal/domain"
	"cardauth/internal/fx"
	"cardauth/internal/hold"
	"cardauth/internal/notify"
	"cardauth/internal/restriction"
	"cardauth/internal/risk"
	"cardauth/internal/store/memory"
	"cardauth/internal/store/postgres"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"AUTHORIZER_PORT" default:"8090"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// EventSink selects where engine events go: none, nats or kafka
	EventSink     string        `envconfig:"EVENT_SINK" default:"none"`
	TokenClaimTTL time.Duration `envconfig:"AUTH_TOKEN_CLAIM_TTL" default:"30s"`
	SeedCardID    string        `envconfig:"SEED_CARD_ID" default:"card-demo"`

	// APIKeys maps client IDs to keys, e.g. "acquirer:s3cret". Empty disables auth.
	APIKeys map[string]string `envconfig:"API_KEYS"`

	Database  database.Config
	NATS      nats.Config
	Kafka     kafka.Config
	Redis     RedisConfig
	Auth      authorization.Config
	Risk      risk.Config
	Hold      hold.Config
	FX        fx.Config
	FXCache   fx.CacheConfig
	Notify    notify.Config
	Telemetry telemetry.Config
}

// RedisConfig holds the optional Redis connection used for rate caching and
// request rate limiting
type RedisConfig struct {
	URL             string        `envconfig:"REDIS_URL"`
	RateLimit       int64         `envconfig:"RATE_LIMIT_REQUESTS" default:"200"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1s"`
}

// storage is what both store implementations provide
type storage interface {
	authorization.Ledger
	authorization.ResultStore
	hold.Repository
	restriction.RuleSource
	risk.HistorySource
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	clock := clockz.RealClock

	// Storage
	var (
		db    *database.DB
		store storage
	)
	if cfg.Database.URL != "" {
		db, err = database.New(ctx, cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if cfg.Database.MigrateOnStart {
			if err := database.Migrate(cfg.Database.URL, logger); err != nil {
				logger.Error("failed to run migrations", "error", err)
				os.Exit(1)
			}
		}
		store = postgres.New(db, cfg.TokenClaimTTL)
	} else {
		mem := memory.New(cfg.TokenClaimTTL)
		if cfg.SeedCardID != "" {
			mem.PutCard(domain.Card{
				ID:               cfg.SeedCardID,
				Status:           domain.CardStatusActive,
				Currency:         money.USD,
				AvailableBalance: 100000,
				SpendingLimit:    100000,
				UpdatedAt:        clock.Now(),
			})
		}
		logger.Warn("DATABASE_URL not set, using in-memory storage", "seed_card_id", cfg.SeedCardID)
		store = mem
	}

	// Exchange rates, cached in Redis when configured
	var (
		rdb   *redis.Client
		rates fx.RateSource = fx.DefaultRates()
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		rates = fx.NewRedisCache(rdb, rates, cfg.FXCache, logger)
	}

	// Events
	emitter := notify.NewEmitter(cfg.Notify, clock, metrics, logger)
	var natsClient *nats.Client
	switch cfg.EventSink {
	case "nats":
		natsClient, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		if _, err := natsClient.EnsureStream(ctx, cfg.NATS.Stream, cfg.NATS.SubjectPrefix); err != nil {
			logger.Error("failed to ensure event stream", "error", err)
			os.Exit(1)
		}
		if err := emitter.Forward(nats.NewPublisher(natsClient, cfg.NATS.SubjectPrefix, logger)); err != nil {
			logger.Error("failed to forward events", "error", err)
			os.Exit(1)
		}
	case "kafka":
		publisher := kafka.NewPublisher(kafka.NewWriter(cfg.Kafka), logger)
		defer publisher.Close()

		if err := emitter.Forward(publisher); err != nil {
			logger.Error("failed to forward events", "error", err)
			os.Exit(1)
		}
	case "none", "":
	default:
		logger.Error("unknown event sink", "sink", cfg.EventSink)
		os.Exit(1)
	}

	// Services
	holds := hold.NewManager(store, cfg.Hold, clock, emitter, metrics, logger)

	scorer, err := risk.NewScorer(cfg.Risk, store, metrics, logger)
	if err != nil {
		logger.Error("invalid risk configuration", "error", err)
		os.Exit(1)
	}

	authService := authorization.NewService(authorization.Dependencies{
		Ledger:       store,
		Results:      store,
		Holds:        holds,
		Restrictions: restriction.NewValidator(store),
		Converter:    fx.NewConverter(rates, cfg.FX),
		Scorer:       scorer,
		Notifier:     emitter,
	}, cfg.Auth, clock, metrics, logger)

	sweeper := hold.NewSweeper(holds, cfg.Hold.SweepInterval, clock, logger)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()

	handler := api.NewHandler(authService, holds)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(telemetry.Middleware)
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.HealthCheck(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"database unavailable"}`))
				return
			}
		}
		if natsClient != nil {
			if err := natsClient.HealthCheck(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"nats unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		if len(cfg.APIKeys) > 0 {
			r.Use(middleware.APIKeyAuth(middleware.StaticKeys(cfg.APIKeys)))
		}
		if rdb != nil && cfg.Redis.RateLimit > 0 {
			limiter := middleware.NewRedisLimiter(rdb, cfg.Redis.RateLimit, cfg.Redis.RateLimitWindow)
			r.Use(middleware.RateLimit(limiter, middleware.ClientKey, logger))
		}
		r.Mount("/", handler.Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting authorizer service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"event_sink", cfg.EventSink,
			"postgres", db != nil,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	<-sweepDone

	if err := emitter.Close(); err != nil {
		logger.Error("event emitter shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
