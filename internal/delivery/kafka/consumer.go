package kafka

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/azizikri/coupon-redeem/internal/audit"
	"github.com/azizikri/coupon-redeem/internal/config"
	"github.com/twmb/franz-go/pkg/kgo"
)

type syncProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Consumer persists audit events published by the API. Inserts are
// idempotent on the event id, so redelivery is harmless.
type Consumer struct {
	client      *kgo.Client
	producer    syncProducer
	writer      audit.Writer
	topic       string
	maxAttempts int
	now         func() time.Time
	ready       chan struct{}
}

func NewConsumer(cfg *config.Config, client *kgo.Client, writer audit.Writer) *Consumer {
	return &Consumer{
		client:      client,
		producer:    client,
		writer:      writer,
		topic:       cfg.KafkaAuditTopic,
		maxAttempts: cfg.MaxAttempts(),
		now:         time.Now,
		ready:       make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	close(c.ready)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			log.Printf("Consumer poll errors: %v", errs)
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			c.handle(ctx, iter.Next())
		}

		if err := c.client.CommitRecords(ctx, fetches.Records()...); err != nil {
			log.Printf("Failed to commit records: %v", err)
		}
	}
}

// StartRetry moves records from the retry topic back to the audit topic
// once their next-at time has passed.
func (c *Consumer) StartRetry(ctx context.Context) {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()

			if nextAt, ok := retryNextAt(record); ok {
				if !sleepUntil(ctx, nextAt) {
					return
				}
			}
			c.requeue(ctx, record)
		}
		if err := c.client.CommitRecords(ctx, fetches.Records()...); err != nil {
			log.Printf("Failed to commit retry records: %v", err)
		}
	}
}

func (c *Consumer) Ready() <-chan struct{} {
	return c.ready
}

func (c *Consumer) handle(ctx context.Context, record *kgo.Record) {
	e, err := decodeAuditMessage(record.Value)
	if err != nil {
		c.sendDLQ(ctx, record, errorCode(err)+": "+err.Error())
		return
	}
	if err := c.writer.InsertAuditLog(ctx, e); err != nil {
		log.Printf("Failed to persist audit event %s: %v", e.ID, err)
		c.scheduleRetry(ctx, record, err)
	}
}

func (c *Consumer) scheduleRetry(ctx context.Context, record *kgo.Record, cause error) {
	attempt := attemptOf(record) + 1
	if attempt >= c.maxAttempts {
		c.sendDLQ(ctx, record, ErrCodePersistFailed+": "+cause.Error())
		return
	}

	nextAt := c.now().Add(time.Duration(attempt) * RetryBackoff).UTC()
	headers := setHeader(record.Headers, RetryHeaderNextAt, nextAt.Format(time.RFC3339))
	headers = setHeader(headers, AttemptHeaderKey, strconv.Itoa(attempt))
	retry := &kgo.Record{
		Topic:   RetryTopic(c.topic),
		Key:     record.Key,
		Value:   record.Value,
		Headers: headers,
	}
	if err := c.producer.ProduceSync(ctx, retry).FirstErr(); err != nil {
		log.Printf("Failed to schedule retry: %v", err)
	}
}

func (c *Consumer) requeue(ctx context.Context, record *kgo.Record) {
	rec := &kgo.Record{
		Topic:   c.topic,
		Key:     record.Key,
		Value:   record.Value,
		Headers: record.Headers,
	}
	if err := c.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		log.Printf("Failed to requeue retry record: %v", err)
	}
}

func (c *Consumer) sendDLQ(ctx context.Context, record *kgo.Record, message string) {
	dlq := &kgo.Record{
		Topic:   DLQTopic(c.topic),
		Key:     record.Key,
		Value:   record.Value,
		Headers: setHeader(record.Headers, ErrorHeaderKey, message),
	}
	if err := c.producer.ProduceSync(ctx, dlq).FirstErr(); err != nil {
		log.Printf("Failed to send record to DLQ: %v", err)
	}
}

func retryNextAt(record *kgo.Record) (time.Time, bool) {
	v, ok := header(record, RetryHeaderNextAt)
	if !ok {
		return time.Time{}, false
	}
	nextAt, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return nextAt, true
}

func attemptOf(record *kgo.Record) int {
	v, ok := header(record, AttemptHeaderKey)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func header(record *kgo.Record, key string) (string, bool) {
	for _, h := range record.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

func setHeader(headers []kgo.RecordHeader, key, value string) []kgo.RecordHeader {
	out := make([]kgo.RecordHeader, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != key {
			out = append(out, h)
		}
	}
	return append(out, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func sleepUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
