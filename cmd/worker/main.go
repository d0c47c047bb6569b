// Command worker persists audit events from Kafka into the logs table.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/azizikri/coupon-redeem/internal/config"
	"github.com/azizikri/coupon-redeem/internal/delivery/kafka"
	"github.com/azizikri/coupon-redeem/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/twmb/franz-go/pkg/kgo"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	store := repository.New(pool)

	brokers := cfg.KafkaBrokerList()
	client, err := newConsumerClient(brokers, cfg.KafkaClientID+"-worker", cfg.KafkaGroupID, cfg.KafkaAuditTopic)
	if err != nil {
		log.Fatalf("Failed to create kafka client: %v", err)
	}
	defer client.Close()

	if err := kafka.EnsureTopics(ctx, client, cfg); err != nil {
		log.Printf("Warning: failed to ensure topics: %v", err)
	}

	retryClient, err := newConsumerClient(brokers, cfg.KafkaClientID+"-retry", cfg.KafkaRetryGroupID, kafka.RetryTopic(cfg.KafkaAuditTopic))
	if err != nil {
		log.Fatalf("Failed to create retry kafka client: %v", err)
	}
	defer retryClient.Close()

	consumer := kafka.NewConsumer(cfg, client, store)
	retryConsumer := kafka.NewConsumer(cfg, retryClient, store)

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		consumer.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		retryConsumer.StartRetry(ctx)
	}()

	<-consumer.Ready()
	log.Printf("Audit worker consuming %s", cfg.KafkaAuditTopic)

	<-ctx.Done()
	log.Println("Shutting down...")
	wg.Wait()
	log.Println("Shutdown complete")
}

func newConsumerClient(brokers []string, clientID, groupID string, topics ...string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
}
