package kafka

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/azizikri/coupon-redeem/internal/config"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// EnsureTopics creates the audit topic and its retry and DLQ companions.
// Topics that already exist are left as they are.
func EnsureTopics(ctx context.Context, client *kgo.Client, cfg *config.Config) error {
	adm := kadm.NewClient(client)
	rf := cfg.ReplicationFactor()

	groups := []struct {
		partitions int32
		topics     []string
	}{
		{int32(cfg.TopicPartitions()), []string{cfg.KafkaAuditTopic}},
		{int32(cfg.RetryPartitions()), []string{RetryTopic(cfg.KafkaAuditTopic), DLQTopic(cfg.KafkaAuditTopic)}},
	}

	for _, g := range groups {
		resp, err := adm.CreateTopics(ctx, g.partitions, rf, nil, g.topics...)
		if err != nil {
			return fmt.Errorf("create topics %v: %w", g.topics, err)
		}
		for _, detail := range resp {
			if detail.Err != nil && !strings.Contains(detail.Err.Error(), "already exists") {
				return fmt.Errorf("create topic %s: %w", detail.Topic, detail.Err)
			}
		}
	}

	log.Printf("Audit topics ensured (%s)", cfg.KafkaAuditTopic)
	return nil
}
