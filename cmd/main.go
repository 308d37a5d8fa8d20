/**
 * @description
 * This is the main entry point for the session-service. It loads configuration,
 * opens the configured store, connects the broker and redis, wires the session
 * lifecycle, billing clock, signaling relay and notification gateway together and
 * serves the HTTP and websocket API until it receives a shutdown signal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5, go.mongodb.org/mongo-driver/v2: Storage drivers.
 * - github.com/redis/go-redis/v9: Session request rate limiting.
 * - pkg/rabbitmq: Lifecycle events, payout submission and deposit consumption.
 * - internal/api, internal/app, internal/config, internal/signaling, internal/store.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/EmilynnJ/seerplexv2-sub000/internal/api"
	"github.com/EmilynnJ/seerplexv2-sub000/internal/app"
	"github.com/EmilynnJ/seerplexv2-sub000/internal/config"
	"github.com/EmilynnJ/seerplexv2-sub000/internal/domain"
	"github.com/EmilynnJ/seerplexv2-sub000/internal/signaling"
	"github.com/EmilynnJ/seerplexv2-sub000/internal/store"
	rmrabbit "github.com/EmilynnJ/seerplexv2-sub000/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting session-service\" port=%s store=%s", cfg.ServerPort, cfg.StoreDriver)

	repository, closeStore := openStore(cfg)
	defer closeStore()

	var producer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; events will only be logged\" env=RABBITMQ_URL")
	} else if rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	sessionService := app.NewSessionService(repository, producer, app.Options{
		BillingInterval:        cfg.BillingInterval(),
		ReaderShare:            cfg.ReaderShareRate,
		ChargeFailureThreshold: cfg.ChargeFailureThreshold,
		DisconnectGrace:        cfg.DisconnectGrace(),
		PendingTimeout:         cfg.PendingRequestTimeout(),
		PayoutMinimum:          cfg.PayoutMinimumAmount,
		RequestRateLimit:       cfg.SessionRequestRateLimitPerMinute,
	})
	sessionService.SetPayoutSubmitter(app.NewBrokerPayoutSubmitter(producer))

	if redisClient := openRedis(cfg); redisClient != nil {
		defer redisClient.Close()
		sessionService.SetRateLimiter(app.NewRedisRequestRateLimiter(redisClient, cfg.RedisRateLimitPrefix))
	}

	relay := signaling.NewRelay(repository)
	gateway := signaling.NewGateway()
	relay.SetPresenceObserver(sessionService)
	sessionService.SetRelay(relay)
	sessionService.SetNotifier(gateway)
	hub := signaling.NewHub(relay, gateway, sessionService, cfg.AllowedOrigins())

	// Billing never resumes across a restart.
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), time.Minute)
	if recovered, err := sessionService.Recover(recoverCtx); err != nil {
		log.Printf("level=error component=bootstrap msg=\"session recovery failed\" err=%v", err)
	} else {
		log.Printf("level=info component=bootstrap msg=\"session recovery complete\" ended=%d", recovered)
	}
	cancelRecover()

	scheduler := app.NewScheduler(sessionService, slog.New(slog.NewJSONHandler(os.Stdout, nil)), cfg.PendingSweepSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; deposits will not be credited\" err=%v", err)
		} else {
			defer rabbitConsumer.Close()
			depositConsumer := app.NewDepositConsumer(sessionService)
			bindings := map[string]rmrabbit.Handler{
				domain.EventDepositSucceeded: depositConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.DepositEventQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"deposit consumer start failed\" err=%v", err)
			}
		}
	}

	handlers := api.NewSessionHandlers(sessionService, hub)
	auth := api.AuthConfig{
		JWKSURL:       cfg.ClerkJWKSURL,
		Audience:      cfg.ClerkAudience,
		Issuer:        cfg.ClerkIssuer,
		SigningSecret: cfg.JWTSigningSecret,
	}
	router := api.SessionRoutes(handlers, auth, sessionService, cfg.AllowedOrigins())

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
	}
	select {
	case <-sessionService.Shutdown().Done():
	case <-ctx.Done():
		log.Println("level=warn component=bootstrap msg=\"billing ticks still running at shutdown\"")
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openStore connects the configured storage driver and applies its schema.
func openStore(cfg config.Config) (store.Repository, func()) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; data is lost on restart\"")
		return store.NewMemoryRepository(), func() {}

	case config.StoreDriverMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"mongo connect failed\" err=%v", err)
		}
		repository := store.NewMongoRepository(client, cfg.MongoDatabase)
		if err := repository.Ping(ctx); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"mongo ping failed\" err=%v", err)
		}
		if err := repository.Migrate(ctx); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"mongo index setup failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"mongo connected\"")
		return repository, func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(disconnectCtx)
		}

	default:
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 50
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute
		// Disable prepared statement caching to prevent conflicts behind poolers.
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		if err := store.Migrate(ctx, dbpool); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database migration failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"database connected\"")
		return store.NewPostgresRepository(dbpool), dbpool.Close
	}
}

// openRedis returns a connected client, or nil when rate limiting is disabled or
// redis is unreachable.
func openRedis(cfg config.Config) *redis.Client {
	if cfg.SessionRequestRateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; session request rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; session request rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; session request rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
