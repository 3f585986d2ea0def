package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aureaclinic/clinicsched/libs/config"
	"github.com/aureaclinic/clinicsched/libs/db"
	"github.com/aureaclinic/clinicsched/libs/httpx"
	"github.com/aureaclinic/clinicsched/libs/kafkax"
	otelx "github.com/aureaclinic/clinicsched/libs/otel"
	"github.com/aureaclinic/clinicsched/libs/runtime"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/calendar"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/handlers"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/jobs"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/outbox"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/policy"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/scheduler"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/storage"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/treatment"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8084")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	loc, err := time.LoadLocation(config.String("CLINIC_TIMEZONE", "Europe/Madrid"))
	if err != nil {
		logger.Error("invalid CLINIC_TIMEZONE, using UTC", "err", err)
		loc = time.UTC
	}
	hours := policy.Default(loc)
	hours.OpenMinute = config.Int("CLINIC_OPEN_MINUTE", hours.OpenMinute)
	hours.CloseMinute = config.Int("CLINIC_CLOSE_MINUTE", hours.CloseMinute)

	outboxRepo := outbox.NewRepository(pool)
	repo := storage.NewAppointmentRepository(pool, outboxRepo)
	reminderRepo := storage.NewReminderRepository(pool, outboxRepo)

	var treatments treatment.Provider
	if addr := config.String("CATALOG_GRPC_ADDR", ""); addr != "" {
		remote, err := treatment.NewRemoteProvider(addr)
		if err != nil {
			logger.Error("catalog grpc init failed; using local tables", "err", err)
		}
		treatments = remote
	}
	if treatments == nil {
		treatments = treatment.NewPGProvider(pool)
	}

	var cal calendar.Client = calendar.NewNoopClient()
	if base := config.String("CALENDAR_WEBHOOK_URL", ""); base != "" {
		cal = calendar.NewWebhookClient(base, config.String("CALENDAR_WEBHOOK_TOKEN", ""))
	}

	svc := scheduler.New(repo, treatments, cal, logger, scheduler.Config{
		Hours:                  hours,
		SlotStep:               config.Minutes("SLOT_STEP_MINUTES", 30),
		DefaultDurationMinutes: config.Int("DEFAULT_DURATION_MINUTES", 30),
		NoShowGrace:            config.Minutes("NO_SHOW_GRACE_MINUTES", 30),
	})

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	runner := jobs.NewRunner(logger, jobs.RunnerConfig{Tick: 30 * time.Second},
		jobs.Task{
			Name:  "reminder-sweep",
			Every: config.Minutes("REMINDER_SWEEP_MINUTES", 5),
			Run:   jobs.NewReminderSweep(repo, reminderRepo, logger, nil).Run,
		},
		jobs.Task{
			Name:  "no-show-sweep",
			Every: config.Minutes("NO_SHOW_SWEEP_MINUTES", 10),
			Run:   jobs.NewNoShowSweep(repo, svc, logger, config.Minutes("NO_SHOW_GRACE_MINUTES", 30), nil).Run,
		},
	)
	go runner.Run(ctx)

	apptHandler := handlers.NewAppointmentHandler(svc, logger)
	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	apptHandler.Register(mux)

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
	}
	if origins := config.String("CORS_ALLOWED_ORIGINS", ""); origins != "" {
		middlewares = append(middlewares, httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: strings.Split(origins, ","),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-Role", "Idempotency-Key"},
		}))
	}
	if redisURL := config.String("REDIS_URL", ""); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL, falling back to in-memory rate limiter", "err", err)
			middlewares = append(middlewares, httpx.NewRateLimiter(config.Int("RATE_LIMIT", 120), time.Minute).Middleware())
		} else {
			rdb := redis.NewClient(opts)
			defer rdb.Close()
			limiter := httpx.NewRedisRateLimiter(rdb, config.Int("RATE_LIMIT", 120), time.Minute, service)
			middlewares = append(middlewares, limiter.Middleware(logger, true))
		}
	} else {
		middlewares = append(middlewares, httpx.NewRateLimiter(config.Int("RATE_LIMIT", 120), time.Minute).Middleware())
	}

	httpHandler := httpx.Chain(mux, middlewares...)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
