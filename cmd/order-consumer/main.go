package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"inventory-ledger/internal/config"
	"inventory-ledger/internal/kafka"
	redisStore "inventory-ledger/internal/redis"
	"inventory-ledger/internal/repository"
	"inventory-ledger/internal/service"
)

// setupLogging configures structured logging
func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func initializeDatabase(cfg *config.Config) *sqlx.DB {
	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	db.SetMaxOpenConns(cfg.DatabaseMaxConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)

	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}

	log.Info().Msg("Database connection established")
	return db
}

func initializeRedis(cfg *config.Config) goredis.UniversalClient {
	client := redisStore.NewUniversalClient(cfg.RedisAddrs, cfg.RedisPassword, cfg.RedisClusterMode, cfg.RedisPoolSize)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	log.Info().Msg("Redis connection established")
	return client
}

// createLedger wires the ledger without the expiry scheduler; the API process owns expiry
func createLedger(cfg *config.Config, db *sqlx.DB, redisClient goredis.UniversalClient, notifier *service.AsyncNotifier) *service.LedgerService {
	repo := repository.NewLedgerRepository(db)
	cache := redisStore.NewAvailabilityCache(redisClient, cfg.CacheTTL, cfg.RedisKeyPrefix)
	index := redisStore.NewReservationIndex(redisClient, cfg.RedisKeyPrefix)

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

	return service.NewLedgerService(engine, coordinator, repo, cache)
}

func main() {
	setupLogging()
	log.Info().Msg("Starting order event consumer...")

	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	db := initializeDatabase(cfg)
	defer db.Close()

	redisClient := initializeRedis(cfg)
	defer redisClient.Close()

	publisher := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaMovementsTopic, cfg.KafkaLowStockTopic)
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := service.NewAsyncNotifier(publisher, cfg.NotifierWorkers, cfg.NotifierBuffer)
	notifier.Start(ctx)

	ledger := createLedger(cfg, db, redisClient, notifier)
	processor := service.NewOrderEventProcessor(ledger)

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup, cfg.KafkaOrderEventsTopic)
	defer consumer.Close()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info().Msg("Shutting down order event consumer...")
		cancel()
	}()

	if err := consumer.ConsumeOrderEvents(ctx, processor); err != nil {
		log.Error().Err(err).Msg("Order event consumer stopped on error")
		cancel()
		notifier.Wait()
		os.Exit(1)
	}

	notifier.Wait()
	log.Info().Msg("Order event consumer stopped")
}
