package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"resume-server/internal/cancellation"
	"resume-server/internal/concurrency"
	"resume-server/internal/config"
	"resume-server/internal/database"
	"resume-server/internal/handler"
	"resume-server/internal/interfaces"
	"resume-server/internal/ledger"
	"resume-server/internal/logger"
	"resume-server/internal/memstore"
	"resume-server/internal/messaging"
	"resume-server/internal/models"
	"resume-server/internal/pipeline"
	"resume-server/internal/pricing"
	"resume-server/internal/service"
	"resume-server/internal/transformer"
	"resume-server/pkg/taskmanager"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

// stores - реализации хранилищ для выбранного драйвера.
type stores struct {
	tasks     interfaces.TaskRepository
	offers    interfaces.OfferRepository
	subtasks  interfaces.SubtaskRepository
	ledger    interfaces.LedgerRepository
	documents interfaces.DocumentArchive
	close     func()
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logCfg := logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding}
	zapLogger, err := logger.New(logCfg)
	if err != nil {
		log.Fatalf("Не удалось инициализировать логгер: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	logger.NewZerolog(logCfg, os.Stdout)
	zapLogger.Info("Starting resume-server", cfg.LogFields()...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := setupStores(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to set up storage", zap.Error(err))
	}
	defer st.close()

	gate, closeGate, err := setupGate(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to set up concurrency gate", zap.Error(err))
	}
	defer closeGate()

	progress, closeProgress, err := setupProgress(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to set up progress sink", zap.Error(err))
	}
	defer closeProgress()

	prices, err := pricing.Load(cfg.PricingFile)
	if err != nil {
		zapLogger.Fatal("Failed to load pricing table", zap.Error(err))
	}

	contentTransformer, err := transformer.New(transformer.Config{
		Backend:     cfg.AIBackend,
		BaseURL:     cfg.AIBaseURL,
		APIKey:      cfg.AIAPIKey,
		Model:       cfg.AIModel,
		Temperature: cfg.AITemperature,
		Timeout:     cfg.AITimeout,
		MaxAttempts: cfg.AIMaxAttempts,
		RetryDelay:  cfg.AIBaseRetryDelay,
		Command:     cfg.AICommand,
		CommandArgs: cfg.AICommandArgs,
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create content transformer", zap.Error(err))
	}

	creditLedger := ledger.New(st.ledger, ledger.Config{
		UnitCosts: map[models.FeatureKind]int64{
			models.FeatureAdaptOffer:   cfg.LedgerUnitCostAdapt,
			models.FeatureRebuildOffer: cfg.LedgerUnitCostRebuild,
		},
	}, zapLogger)
	registry := cancellation.NewRegistry()
	queue := taskmanager.New(taskmanager.Config{QueueHint: cfg.MaxPostingsPerTask * 4})

	orchestrator := pipeline.NewOrchestrator(st.tasks, st.offers, st.subtasks, contentTransformer, prices, st.documents, progress, zapLogger)
	runner := pipeline.NewRunner(st.tasks, st.offers, st.documents, creditLedger, gate, registry, queue, orchestrator, progress, zapLogger)
	generationService := service.NewGenerationService(
		st.tasks, st.offers, st.subtasks, st.documents,
		creditLedger, gate, registry, runner,
		service.Config{MaxPostings: cfg.MaxPostingsPerTask},
		zapLogger,
	)

	recovered, err := generationService.RecoverOrphans(ctx)
	if err != nil {
		zapLogger.Error("Orphan recovery finished with errors", zap.Int("recovered", recovered), zap.Error(err))
	} else if recovered > 0 {
		zapLogger.Warn("Recovered orphaned tasks", zap.Int("count", recovered))
	}

	verifier, err := handler.NewJWTVerifier(cfg.JWTSecret, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create JWT verifier", zap.Error(err))
	}
	router := setupRouter(cfg, zapLogger, handler.NewGenerationHandler(generationService, verifier, zapLogger))

	go runJanitor(ctx, cfg.JanitorInterval, cfg.JobRetention, queue, runner, zapLogger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		zapLogger.Info("Starting HTTP server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("HTTP server listen error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server forced to shutdown", zap.Error(err))
	}
	// Незавершенные задачи будут закрыты RecoverOrphans при следующем старте.
	if err := queue.Shutdown(shutdownCtx); err != nil {
		zapLogger.Warn("Job queue did not drain before timeout, cancelling jobs", zap.Error(err))
		queue.Close()
	}
	zapLogger.Info("Server exiting")
}

func setupStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.StorageDriver == config.StorageMemory {
		logger.Warn("Using in-memory storage, data will be lost on restart")
		mem := memstore.New()
		return &stores{
			tasks:     mem.Tasks(),
			offers:    mem.Offers(),
			subtasks:  mem.Subtasks(),
			ledger:    mem.Ledger(),
			documents: mem.Documents(),
			close:     func() {},
		}, nil
	}

	pool, err := database.Connect(ctx, database.PoolConfig{
		DSN:             cfg.GetDSN(),
		MaxConns:        cfg.DBMaxConns,
		IdleTimeout:     cfg.DBIdleTimeout,
		ConnectAttempts: cfg.DBConnectAttempts,
		RetryDelay:      cfg.DBRetryDelay,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return pgStores(pool, logger), nil
}

func pgStores(pool *pgxpool.Pool, logger *zap.Logger) *stores {
	return &stores{
		tasks:     database.NewPgTaskRepository(pool, logger),
		offers:    database.NewPgOfferRepository(pool, logger),
		subtasks:  database.NewPgSubtaskRepository(pool, logger),
		ledger:    database.NewPgLedgerRepository(pool, logger),
		documents: database.NewPgDocumentStore(pool, logger),
		close:     pool.Close,
	}
}

func setupGate(ctx context.Context, cfg *config.Config, logger *zap.Logger) (interfaces.ConcurrencyGate, func(), error) {
	if cfg.ConcurrencyBackend == config.GateMemory {
		return concurrency.NewMemoryGate(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr))
	return concurrency.NewRedisGate(client, cfg.GateTTL, logger), func() { _ = client.Close() }, nil
}

func setupProgress(cfg *config.Config, logger *zap.Logger) (interfaces.ProgressSink, func(), error) {
	if cfg.RabbitMQURL == "" {
		logger.Info("RABBITMQ_URL is not set, progress events go to the log only")
		return messaging.NewLogSink(logger), func() {}, nil
	}
	conn, err := connectRabbitMQ(cfg.RabbitMQURL, logger)
	if err != nil {
		return nil, nil, err
	}
	publisher, err := messaging.NewRabbitMQProgressPublisher(conn, cfg.ProgressExchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return publisher, func() {
		_ = publisher.Close()
		_ = conn.Close()
	}, nil
}

// connectRabbitMQ пытается подключиться к RabbitMQ с несколькими попытками.
func connectRabbitMQ(url string, logger *zap.Logger) (*amqp.Connection, error) {
	const (
		maxRetries = 5
		retryDelay = 5 * time.Second
	)
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			logger.Info("Connected to RabbitMQ")
			return conn, nil
		}
		logger.Warn("Failed to connect to RabbitMQ, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxRetries),
			zap.Duration("retry_delay", retryDelay),
			zap.Error(err),
		)
		if attempt < maxRetries {
			time.Sleep(retryDelay)
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

func setupRouter(cfg *config.Config, logger *zap.Logger, generationHandler *handler.GenerationHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Env == "development" {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(handler.ZapLoggingMiddleware(logger))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", healthHandler)
	router.HEAD("/health", healthHandler)

	generationHandler.RegisterRoutes(router)

	// Регистрируется после маршрутов, /metrics отдается этим же middleware.
	p := ginprometheus.NewPrometheus("gin")
	p.Use(router)
	return router
}

// runJanitor периодически удаляет из памяти завершенные задачи очереди и раннера.
func runJanitor(ctx context.Context, interval, retention time.Duration, queue *taskmanager.Manager, runner *pipeline.Runner, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs := queue.CleanupJobs(retention)
			runs := runner.CleanupFinished()
			if jobs > 0 || runs > 0 {
				logger.Debug("Janitor cleanup", zap.Int("jobs", jobs), zap.Int("runs", runs))
			}
		}
	}
}
