package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"portfolio-agent/internal/agent"
	"portfolio-agent/internal/analysis"
	"portfolio-agent/internal/artefact"
	"portfolio-agent/internal/catalog"
	"portfolio-agent/internal/config"
	"portfolio-agent/internal/conversation"
	"portfolio-agent/internal/message"
	"portfolio-agent/internal/platform/notify"
	"portfolio-agent/internal/report"
)

func main() {
	// 1. Config and logger
	cfg, err := config.Load(os.Getenv("CONFIG_DIR"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if os.Getenv("APP_ENV") == "dev" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// 2. Infrastructure
	var db *sql.DB
	for i := 0; i < 10; i++ {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err == nil {
			err = db.Ping()
		}
		if err == nil {
			break
		}
		logger.Info("waiting for database", zap.Int("attempt", i+1))
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logger.Fatal("could not connect to database", zap.Error(err))
	}
	logger.Info("connected to database")

	m, err := migrate.New("file://migrations", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("migration init failed", zap.Error(err))
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		logger.Fatal("migration up failed", zap.Error(err))
	}
	logger.Info("migrations applied")

	// 3. Specialty catalog (fails fast on invalid templates)
	cat, err := catalog.Load(cfg.CatalogDir, logger)
	if err != nil {
		logger.Fatal("catalog load failed", zap.Error(err))
	}

	// 4. Session store
	var storeOpts []analysis.StoreOption
	driver := analysis.StoreDriver(cfg.Sessions.Driver)
	if driver == analysis.DriverRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Sessions.RedisAddr})
		storeOpts = append(storeOpts,
			analysis.WithRedisClient(rdb),
			analysis.WithRedisTTL(cfg.Sessions.RedisTTL))
	}
	sessions, err := analysis.NewSessionStore(driver, storeOpts...)
	if err != nil {
		logger.Fatal("session store init failed", zap.Error(err))
	}
	defer sessions.Close()

	// 5. External service clients
	sttClient := agent.NewTranscriptionClient(cfg.Services.TranscriptionURL)
	cleaningClient := agent.NewCleaningClient(cfg.Services.CleaningURL)
	deidentClient := agent.NewDeidentificationClient(cfg.Services.DeidentifyURL)
	generationClient := agent.NewGenerationClient(cfg.Services.GenerationURL, cfg.Services.GenerationKey)
	notifier := notify.NewClient(cfg.Notify.WebhookURL)

	// 6. Repositories and services
	messageRepo := message.NewRepository(db)
	conversationRepo := conversation.NewRepository(db)
	artefactRepo := artefact.NewRepository(db)

	processor := message.NewProcessor(messageRepo, sttClient, cleaningClient, deidentClient, notifier,
		message.ProcessorConfig{
			RetryBudget:  cfg.Pipeline.RetryBudget,
			StageTimeout: cfg.Pipeline.StageTimeout,
		}, logger)
	dispatcher := message.NewDispatcher(messageRepo, processor,
		cfg.Pipeline.Workers, cfg.Pipeline.BatchSize, logger)

	lifecycle := artefact.NewLifecycle(cfg.Analysis.FinalThreshold)
	engine := analysis.NewEngine(cat, sessions, artefactRepo, conversationRepo, messageRepo,
		generationClient, lifecycle,
		analysis.EngineConfig{GenerationTimeout: cfg.Analysis.GenerationTimeout}, logger)
	exporter := report.NewService(cat, logger)

	messageHandler := message.NewHandler(messageRepo, processor, logger)
	conversationHandler := conversation.NewHandler(conversationRepo, cat)
	artefactHandler := artefact.NewHandler(artefactRepo, conversationRepo, lifecycle, exporter, notifier, logger)
	analysisHandler := analysis.NewHandler(engine)

	// 7. Background sweep for messages left unfinished (fresh PENDING ones
	// and those stranded mid-stage by a restart)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if n, err := dispatcher.ProcessPending(context.Background()); err != nil {
				logger.Warn("pending sweep failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("pending sweep processed", zap.Int("messages", n))
			}
		}
	}()

	// 8. Router
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		conversation.RegisterRoutes(r, conversationHandler)
		message.RegisterRoutes(r, messageHandler)
		artefact.RegisterRoutes(r, artefactHandler)
		analysis.RegisterRoutes(r, analysisHandler)
	})

	logger.Info("server starting", zap.String("port", cfg.Port))
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
