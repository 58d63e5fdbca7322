package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"inventory-ledger/internal/api"
	"inventory-ledger/internal/config"
	"inventory-ledger/internal/kafka"
	redisStore "inventory-ledger/internal/redis"
	"inventory-ledger/internal/repository"
	"inventory-ledger/internal/service"
)

// setupLogging configures structured logging
func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.IsProduction() {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		log.Logger = log.With().Str("service", cfg.ServiceName).Str("instance", cfg.InstanceID).Logger()
		return
	}
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// initializeDatabase connects, pings and migrates the ledger schema
func initializeDatabase(cfg *config.Config) *sqlx.DB {
	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	db.SetMaxOpenConns(cfg.DatabaseMaxConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}
	if err := repository.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	log.Info().Msg("Database connection established")
	return db
}

// initializeRedis sets up the Redis client shared by the index and the cache
func initializeRedis(cfg *config.Config) goredis.UniversalClient {
	client := redisStore.NewUniversalClient(cfg.RedisAddrs, cfg.RedisPassword, cfg.RedisClusterMode, cfg.RedisPoolSize)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	log.Info().Strs("addrs", cfg.RedisAddrs).Bool("cluster", cfg.RedisClusterMode).Msg("Redis connection established")
	return client
}

// initializeKafka sets up Kafka publisher
func initializeKafka(cfg *config.Config) *kafka.Publisher {
	log.Info().Strs("kafka_brokers", cfg.KafkaBrokers).Msg("Initializing Kafka publisher with brokers")
	return kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaMovementsTopic, cfg.KafkaLowStockTopic)
}

type components struct {
	ledger    *service.LedgerService
	scheduler *service.ExpiryScheduler
	notifier  *service.AsyncNotifier
}

// createLedger wires engine, coordinator, scheduler and facade
func createLedger(cfg *config.Config, repo *repository.LedgerRepository, redisClient goredis.UniversalClient, publisher *kafka.Publisher) *components {
	cache := redisStore.NewAvailabilityCache(redisClient, cfg.CacheTTL, cfg.RedisKeyPrefix)
	index := redisStore.NewReservationIndex(redisClient, cfg.RedisKeyPrefix)
	notifier := service.NewAsyncNotifier(publisher, cfg.NotifierWorkers, cfg.NotifierBuffer)

	engine, err := service.NewMovementEngine(repo, cache, notifier, service.EngineConfig{
		Timeout:                  cfg.MovementTimeout,
		DefaultLowStockThreshold: cfg.DefaultLowStockThreshold,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create movement engine")
	}

	selector, err := service.SelectorByName(cfg.WarehousePolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve warehouse policy")
	}

	coordinator, err := service.NewReservationCoordinator(engine, repo, index, selector, cfg.ReservationTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create reservation coordinator")
	}

	scheduler, err := service.NewExpiryScheduler(coordinator, index, service.SchedulerConfig{
		ReservationTTL: cfg.ReservationTTL,
		SweepInterval:  cfg.SweepInterval,
		BatchSize:      cfg.SweepBatchSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create expiry scheduler")
	}
	coordinator.SetExpiryTimer(scheduler)

	log.Info().
		Dur("reservation_ttl", cfg.ReservationTTL).
		Dur("sweep_interval", cfg.SweepInterval).
		Dur("movement_timeout", cfg.MovementTimeout).
		Int("default_low_stock_threshold", cfg.DefaultLowStockThreshold).
		Str("warehouse_policy", cfg.WarehousePolicy).
		Msg("Ledger configuration loaded")

	return &components{
		ledger:    service.NewLedgerService(engine, coordinator, repo, cache),
		scheduler: scheduler,
		notifier:  notifier,
	}
}

// startHTTPServer starts the HTTP server
func startHTTPServer(cfg *config.Config, c *components, db *sqlx.DB, redisClient goredis.UniversalClient) *http.Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := api.NewLedgerHandler(c.ledger, c.scheduler, cfg.ServiceName)
	handler.AddHealthCheck("postgres", db.PingContext)
	handler.AddHealthCheck("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	router := handler.SetupRoutes()

	serverAddr := fmt.Sprintf("%s:%s", cfg.ServerAddr, cfg.ServerPort)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("address", serverAddr).Msg("Ledger HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	return server
}

// startWorkers runs the notifier pool, expiry scheduler and outbox publisher until ctx is done
func startWorkers(ctx context.Context, cfg *config.Config, c *components, db *sqlx.DB, publisher *kafka.Publisher) *sync.WaitGroup {
	var wg sync.WaitGroup

	c.notifier.Start(ctx)

	wg.Add(2)
	go func() {
		defer wg.Done()
		c.scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		publisher.RunOutboxPublisher(ctx, repository.NewOutboxRepository(db), kafka.OutboxConfig{
			LockKey:      cfg.OutboxLockKey,
			BatchSize:    cfg.OutboxBatchSize,
			PollInterval: cfg.OutboxPollInterval,
			Retention:    cfg.OutboxRetention,
		})
	}()

	return &wg
}

// gracefulShutdown waits for a signal, drains HTTP and stops the workers
func gracefulShutdown(server *http.Server, stopWorkers context.CancelFunc, workers *sync.WaitGroup, notifier *service.AsyncNotifier) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down ledger...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	stopWorkers()
	workers.Wait()
	notifier.Wait()

	log.Info().Int64("dropped_low_stock_signals", notifier.Dropped()).Msg("Ledger stopped")
}

func main() {
	cfg := config.LoadConfig()
	setupLogging(cfg)
	log.Info().Msg("Starting inventory ledger...")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	db := initializeDatabase(cfg)
	defer db.Close()

	redisClient := initializeRedis(cfg)
	defer redisClient.Close()

	publisher := initializeKafka(cfg)
	defer publisher.Close()

	repo := repository.NewLedgerRepository(db)
	c := createLedger(cfg, repo, redisClient, publisher)

	server := startHTTPServer(cfg, c, db, redisClient)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workers := startWorkers(workerCtx, cfg, c, db, publisher)

	gracefulShutdown(server, stopWorkers, workers, c.notifier)
}
