package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/azizikri/coupon-redeem/internal/activation"
	"github.com/azizikri/coupon-redeem/internal/audit"
	"github.com/azizikri/coupon-redeem/internal/config"
	httphandler "github.com/azizikri/coupon-redeem/internal/delivery/http"
	"github.com/azizikri/coupon-redeem/internal/delivery/kafka"
	"github.com/azizikri/coupon-redeem/internal/repository"
	"github.com/azizikri/coupon-redeem/internal/security"
	"github.com/azizikri/coupon-redeem/internal/session"
	"github.com/azizikri/coupon-redeem/internal/telemetry"
	"github.com/azizikri/coupon-redeem/internal/usecase"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.NewProviders(ctx, cfg.OTelEndpoint, cfg.OTelServiceName)
	if err != nil {
		log.Fatalf("Failed to init telemetry: %v", err)
	}
	providers.SetGlobal()
	metrics, err := telemetry.NewMetrics(otel.Meter(telemetry.InstrumentationName))
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}

	if cfg.AutoMigrate {
		if err := repository.RunMigrations(cfg.DSN(), "up"); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	pool, err := initDB(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	store := repository.New(pool)
	engine := activation.NewHTTPEngine(cfg.EngineBaseURL, cfg.EngineAPIKey, cfg.ActivationTimeout())

	sessions, redisClient, err := newRegistry(ctx, cfg, engine)
	if err != nil {
		log.Fatalf("Failed to init session registry: %v", err)
	}

	var sink audit.Sink = audit.NewAsync(audit.NewStoreSink(store))
	var producer *kgo.Client
	if cfg.EventDrivenEnabled {
		producer, err = kgo.NewClient(
			kgo.SeedBrokers(cfg.KafkaBrokerList()...),
			kgo.ClientID(cfg.KafkaClientID+"-"+cfg.InstanceID()),
		)
		if err != nil {
			log.Fatalf("Failed to create kafka client: %v", err)
		}
		if err := kafka.EnsureTopics(ctx, producer, cfg); err != nil {
			log.Printf("Warning: failed to ensure topics: %v", err)
		}
		sink = audit.NewKafkaSink(producer, cfg.KafkaAuditTopic)
	}

	machine := usecase.NewStateMachine(store, cfg.ReservationTTL(), metrics)
	redeem := usecase.NewRedeemService(machine, engine, sessions, sink, usecase.RedeemConfig{
		ActivationTimeout:   cfg.ActivationTimeout(),
		VerificationTimeout: cfg.VerificationTimeout(),
		Policy:              usecase.DefaultPolicy(),
	})
	coupons := usecase.NewCouponService(machine, sink)
	admins := usecase.NewAdminService(store, security.NewHasher(cfg.BcryptCost), sink)
	sweeper := usecase.NewSweeper(machine, sessions, sink, cfg.SweepInterval())

	handler := httphandler.NewHandler(redeem, coupons, admins, cfg.AdminJWTSecret, cfg.AdminTokenTTL())
	if cfg.AdminJWTSecret == "" {
		log.Println("ADMIN_JWT_SECRET is empty; admin routes are disabled")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	handler.Routes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		log.Printf("Starting server on port %s", cfg.AppPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	wg.Wait()

	if err := sessions.Close(shutdownCtx); err != nil {
		log.Printf("Session registry close error: %v", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if producer != nil {
		if err := producer.Flush(shutdownCtx); err != nil {
			log.Printf("Kafka flush error: %v", err)
		}
		producer.Close()
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("Telemetry shutdown error: %v", err)
	}

	log.Println("Shutdown complete")
}

func initDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

func newRegistry(ctx context.Context, cfg *config.Config, releaser session.Releaser) (session.Registry, *redis.Client, error) {
	if cfg.SessionBackend != "redis" {
		return session.NewMemoryRegistry(releaser), nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("unable to ping redis: %w", err)
	}
	return session.NewRedisRegistry(client, cfg.RedisPrefix, releaser), client, nil
}
