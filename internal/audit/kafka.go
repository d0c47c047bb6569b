package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/azizikri/coupon-redeem/internal/domain"
	"github.com/twmb/franz-go/pkg/kgo"
)

const MessageSchemaVersion = 1

// Message is the wire form of an audit event on Kafka.
type Message struct {
	SchemaVersion int            `json:"schema_version"`
	ID            string         `json:"id"`
	Action        string         `json:"action"`
	Details       map[string]any `json:"details"`
	CreatedAt     time.Time      `json:"created_at"`
}

func MessageFromEvent(e *domain.AuditEvent) Message {
	return Message{
		SchemaVersion: MessageSchemaVersion,
		ID:            e.ID,
		Action:        e.Action,
		Details:       e.Details,
		CreatedAt:     e.CreatedAt,
	}
}

func (m Message) Event() *domain.AuditEvent {
	return &domain.AuditEvent{
		ID:        m.ID,
		Action:    m.Action,
		Details:   m.Details,
		CreatedAt: m.CreatedAt,
	}
}

// Producer is the part of *kgo.Client used by KafkaSink.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// KafkaSink publishes events for the audit worker to persist. Produce is
// asynchronous; delivery errors are logged from the promise.
type KafkaSink struct {
	producer Producer
	topic    string
}

func NewKafkaSink(p Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

func (k *KafkaSink) Record(ctx context.Context, action string, details map[string]any) {
	if k.producer == nil {
		return
	}
	e := NewEvent(action, details)
	payload, err := json.Marshal(MessageFromEvent(e))
	if err != nil {
		log.Printf("audit: failed to encode %s: %v", action, err)
		return
	}
	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(e.ID),
		Value: payload,
	}
	// The request context may be cancelled before the record is flushed.
	k.producer.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			log.Printf("audit: failed to publish %s to %s: %v", action, r.Topic, err)
		}
	})
}
