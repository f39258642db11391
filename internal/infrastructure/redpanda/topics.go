package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Default topic names.
const (
	TopicFHIRBundles   = "fhir.bundles"
	TopicPIQIMessages  = "piqi.messages"
	TopicMappingEvents = "mapping.events"
	TopicDeadLetter    = "dead.letter"
)

// Topics names the topics one deployment uses.
type Topics struct {
	Bundles    string
	Messages   string
	Events     string
	DeadLetter string
}

// DefaultTopics returns the default topic names.
func DefaultTopics() Topics {
	return Topics{
		Bundles:    TopicFHIRBundles,
		Messages:   TopicPIQIMessages,
		Events:     TopicMappingEvents,
		DeadLetter: TopicDeadLetter,
	}
}

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

func strPtr(s string) *string { return &s }

// TopicConfigs returns create settings for t. Bundles can be large, so the
// bundle and dead-letter topics raise max.message.bytes.
func TopicConfigs(t Topics, replication int16) []TopicConfig {
	if replication <= 0 {
		replication = 1
	}
	base := func(retention string) map[string]*string {
		return map[string]*string{
			"retention.ms":     strPtr(retention),
			"cleanup.policy":   strPtr("delete"),
			"compression.type": strPtr("lz4"),
		}
	}

	bundles := base("86400000")
	bundles["max.message.bytes"] = strPtr("16777216")
	deadLetter := base("604800000")
	deadLetter["max.message.bytes"] = strPtr("16777216")

	return []TopicConfig{
		{Name: t.Bundles, Partitions: 12, ReplicationFactor: replication, Configs: bundles},
		{Name: t.Messages, Partitions: 12, ReplicationFactor: replication, Configs: base("604800000")},
		{Name: t.Events, Partitions: 6, ReplicationFactor: replication, Configs: base("2592000000")},
		{Name: t.DeadLetter, Partitions: 3, ReplicationFactor: replication, Configs: deadLetter},
	}
}

// Admin wraps kadm for topic management.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// CreateTopics creates the topics, skipping any that already exist. It
// returns the names actually created.
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) ([]string, error) {
	var created []string
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return created, fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}

		for _, r := range resp {
			if r.Err != nil {
				if errors.Is(r.Err, kerr.TopicAlreadyExists) {
					a.logger.Info("topic already exists", zap.String("topic", r.Topic))
					continue
				}
				return created, fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			}
			created = append(created, r.Topic)
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return created, nil
}

// EnsureTopics creates any of t's topics that are missing.
func (a *Admin) EnsureTopics(ctx context.Context, t Topics, replication int16) ([]string, error) {
	return a.CreateTopics(ctx, TopicConfigs(t, replication))
}

// ListTopics returns topic names in sorted order.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}

	names := make([]string, 0, len(topics))
	for _, t := range topics {
		names = append(names, t.Topic)
	}
	sort.Strings(names)
	return names, nil
}

// GetConsumerGroupLag returns per-partition lag for a consumer group.
func (a *Admin) GetConsumerGroupLag(ctx context.Context, groupID string) (map[string]map[int32]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	result := make(map[string]map[int32]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			if result[topic] == nil {
				result[topic] = make(map[int32]int64)
			}
			for partition, lag := range partitions {
				result[topic][partition] = lag.Lag
			}
		}
	})
	return result, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}
