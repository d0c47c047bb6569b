package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/azizikri/coupon-redeem/internal/domain"
	"github.com/twmb/franz-go/pkg/kgo"
)

type mockWriter struct {
	mu      sync.Mutex
	entries []*domain.AuditEvent
	err     error
	done    chan struct{}
}

func (m *mockWriter) InsertAuditLog(ctx context.Context, e *domain.AuditEvent) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	if m.done != nil {
		close(m.done)
	}
	return m.err
}

func TestStoreSinkRecord(t *testing.T) {
	w := &mockWriter{}
	NewStoreSink(w).Record(context.Background(), ActionCouponUsed, map[string]any{"coupon_id": "c1"})

	if len(w.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(w.entries))
	}
	e := w.entries[0]
	if e.Action != ActionCouponUsed || e.Details["coupon_id"] != "c1" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Fatal("expected id and timestamp to be stamped")
	}
}

func TestStoreSinkSwallowsErrors(t *testing.T) {
	w := &mockWriter{err: errors.New("db down")}
	NewStoreSink(w).Record(context.Background(), ActionCouponUsed, nil)
	if len(w.entries) != 1 {
		t.Fatalf("expected write attempt, got %d", len(w.entries))
	}
	if w.entries[0].Details == nil {
		t.Fatal("expected empty details map")
	}
}

func TestAsyncSurvivesCancelledContext(t *testing.T) {
	w := &mockWriter{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	NewAsync(NewStoreSink(w)).Record(ctx, ActionRedeemStart, nil)

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("async record did not run")
	}
}

type mockProducer struct {
	records []*kgo.Record
	err     error
}

func (m *mockProducer) Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	m.records = append(m.records, r)
	promise(r, m.err)
}

func TestKafkaSinkRecord(t *testing.T) {
	p := &mockProducer{}
	NewKafkaSink(p, "coupon.audit").Record(context.Background(), ActionCouponReclaimed, map[string]any{"coupon_id": "c9"})

	if len(p.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(p.records))
	}
	r := p.records[0]
	if r.Topic != "coupon.audit" {
		t.Fatalf("unexpected topic %s", r.Topic)
	}
	var msg Message
	if err := json.Unmarshal(r.Value, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.SchemaVersion != MessageSchemaVersion || msg.Action != ActionCouponReclaimed {
		t.Fatalf("unexpected message %+v", msg)
	}
	if string(r.Key) != msg.ID {
		t.Fatal("expected record key to be the event id")
	}
	if msg.Event().Details["coupon_id"] != "c9" {
		t.Fatalf("unexpected details %v", msg.Details)
	}
}

func TestKafkaSinkProduceErrorIsSwallowed(t *testing.T) {
	p := &mockProducer{err: errors.New("broker unavailable")}
	NewKafkaSink(p, "coupon.audit").Record(context.Background(), ActionCouponUsed, nil)
	if len(p.records) != 1 {
		t.Fatalf("expected produce attempt, got %d", len(p.records))
	}
}

type recordingSink struct {
	actions []string
}

func (r *recordingSink) Record(ctx context.Context, action string, details map[string]any) {
	r.actions = append(r.actions, action)
}

func TestMulti(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	Multi{a, nil, b, Nop{}}.Record(context.Background(), ActionCouponUsed, nil)
	if len(a.actions) != 1 || len(b.actions) != 1 {
		t.Fatalf("expected fan-out, got %v %v", a.actions, b.actions)
	}
}
