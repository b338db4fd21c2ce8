package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pictolex/usage-guard/anomaly"
	"github.com/pictolex/usage-guard/config"
	"github.com/pictolex/usage-guard/database"
	"github.com/pictolex/usage-guard/engine"
	"github.com/pictolex/usage-guard/fraud"
	"github.com/pictolex/usage-guard/handlers"
	"github.com/pictolex/usage-guard/kafka"
	"github.com/pictolex/usage-guard/metrics"
	"github.com/pictolex/usage-guard/middleware"
	"github.com/pictolex/usage-guard/models"
	"github.com/pictolex/usage-guard/profile"
	"github.com/pictolex/usage-guard/ratelimiter"
	"github.com/pictolex/usage-guard/repository"
	"github.com/pictolex/usage-guard/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := buildLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	engineMetrics := metrics.New(registry)

	redisStore := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Timeout)
	if err := redisStore.Ping(context.Background()); err != nil {
		logger.Warn("redis unreachable at startup, serving from in-process fallback until it recovers", zap.Error(err))
	}
	fallback := store.NewMemoryStore()
	fallback.StartSweeper(cfg.Engine.SweepInterval)
	counterStore := store.NewFailoverStore(redisStore, fallback, logger)
	defer counterStore.Close()

	tracker := profile.NewTracker(counterStore, cfg.Engine.ProfileTTL, logger)
	tracker.StartSweeper(cfg.Engine.SweepInterval)
	defer tracker.Close()

	limiter := ratelimiter.New(counterStore, engineMetrics, logger)
	fraudEngine := fraud.NewEngine(counterStore, tracker, engineMetrics, logger,
		cfg.Engine.EventTTL, cfg.Engine.EstablishedProfileMinRequests)
	detector := anomaly.NewDetector(counterStore, engineMetrics, logger, cfg.Engine.AlertTTL)
	detector.StartSweeper(cfg.Engine.SweepInterval)
	defer detector.Close()

	tiers := make([]models.Tier, 0, len(cfg.Engine.Tiers))
	for _, t := range cfg.Engine.Tiers {
		tiers = append(tiers, models.Tier{
			Name:          t.Name,
			Window:        t.Window,
			MaxRequests:   t.MaxRequests,
			BlockDuration: t.BlockDuration,
		})
	}

	guard := engine.NewGuard(limiter, tracker, fraudEngine, detector, tiers, logger)
	guard.StartSweeper(cfg.Engine.SweepInterval)
	defer guard.Close()

	// Abuse events fan out to Kafka; the consumer group writes them to
	// the Postgres audit log.
	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer producer.Close()

	fraudEngine.RegisterCallback(func(event models.FraudEvent) {
		if err := producer.PublishAbuseEvent(context.Background(), kafka.FromFraudEvent(event)); err != nil {
			logger.Warn("failed to publish fraud event", zap.Error(err))
		}
	})
	detector.OnAlert(func(alert models.AnomalyAlert) {
		if err := producer.PublishAbuseEvent(context.Background(), kafka.FromAnomalyAlert(alert)); err != nil {
			logger.Warn("failed to publish anomaly alert", zap.Error(err))
		}
	})

	var auditRepo *repository.AuditRepository
	db, err := database.New(cfg.Postgres.DSN)
	if err != nil {
		logger.Warn("postgres unreachable, durable audit disabled", zap.Error(err))
	} else {
		defer db.Close()
		if err := db.InitSchema(); err != nil {
			logger.Warn("schema initialization failed", zap.Error(err))
		}
		auditRepo = repository.NewAuditRepository(db.Conn())

		consumerCtx, cancelConsumer := context.WithCancel(context.Background())
		defer cancelConsumer()
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID,
			&auditEventHandler{repo: auditRepo}, logger)
		consumer.Start(consumerCtx)
		defer consumer.Close()
	}

	adminHandler := handlers.NewAdminHandler(guard, auditRepo, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", adminHandler.HealthCheck)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/admin/rules", methodSwitch(adminHandler.GetRules, adminHandler.UpdateRule))
	mux.HandleFunc("/admin/patterns", methodSwitch(adminHandler.GetPatterns, adminHandler.UpdatePattern))
	mux.HandleFunc("/admin/events", adminHandler.GetEvents)
	mux.HandleFunc("/admin/alerts", adminHandler.GetAlerts)
	mux.HandleFunc("/admin/profile", adminHandler.GetProfile)
	mux.HandleFunc("/admin/unblock", postOnly(adminHandler.Unblock))
	mux.HandleFunc("/admin/resolve", postOnly(adminHandler.ResolveEvent))

	// Everything under /api passes through the admission gate.
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	})

	identity := middleware.NewIdentity(cfg.Engine.JWTSecret)
	rateLimit := middleware.NewRateLimit(guard)
	mux.Handle("/api/", identity.Resolve(rateLimit.Handle(apiMux)))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting usage guard", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
}

// auditEventHandler writes consumed abuse events into Postgres.
type auditEventHandler struct {
	repo *repository.AuditRepository
}

func (h *auditEventHandler) HandleAbuseEvent(ctx context.Context, event *kafka.AbuseEvent) error {
	return h.repo.Insert(ctx, &repository.AuditRecord{
		ID:         event.ID,
		Kind:       string(event.Kind),
		SourceID:   event.SourceID,
		Identifier: event.Identifier,
		Severity:   event.Severity,
		Score:      event.Score,
		Blocked:    event.Blocked,
		Evidence:   event.Evidence,
		CreatedAt:  event.Timestamp,
	})
}

func methodSwitch(get, post http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			get(w, r)
		case http.MethodPost:
			post(w, r)
		default:
			http.Error(w, `{"error": "method not allowed"}`, http.StatusMethodNotAllowed)
		}
	}
}

func postOnly(post http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, `{"error": "method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		post(w, r)
	}
}

func buildLogger(cfg config.LoggerConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
