package analytics

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/segmentio/kafka-go"

	"smartrag/internal/config"
	"smartrag/internal/rag/types"
)

// KafkaSink publishes one JSON message per routing decision or feedback
// correction to a topic, for downstream consumers (dashboards, offline
// bandit-policy audits) that want the event stream rather than a queryable
// table. Like ClickHouseSink, publish failures are swallowed: this is
// telemetry, never a dependency of the request path.
type KafkaSink struct {
	writer *kafka.Writer
	topic  string
}

// NewKafka constructs a KafkaSink. Returns (nil, nil) when cfg.Brokers is
// empty, matching NewClickHouse's "disabled by default" convention.
func NewKafka(cfg config.KafkaConfig) (*KafkaSink, error) {
	brokers := strings.TrimSpace(cfg.Brokers)
	if brokers == "" {
		return nil, nil
	}
	brokerList := strings.Split(brokers, ",")
	for i, b := range brokerList {
		brokerList[i] = strings.TrimSpace(b)
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "rag-bandit-rewards"
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokerList...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return &KafkaSink{writer: w, topic: topic}, nil
}

type rewardEvent struct {
	QueryID         string  `json:"query_id"`
	Arm             string  `json:"arm"`
	AutomaticReward float64 `json:"automatic_reward"`
	Stage           string  `json:"stage"`
	Question        string  `json:"question"`
}

// RecordQuery implements Sink.
func (s *KafkaSink) RecordQuery(ctx context.Context, rec types.QueryRecord, stage string) {
	if s == nil || s.writer == nil {
		return
	}
	body, err := json.Marshal(rewardEvent{
		QueryID:         rec.QueryID,
		Arm:             string(rec.Arm),
		AutomaticReward: rec.AutomaticReward,
		Stage:           stage,
		Question:        rec.Question,
	})
	if err != nil {
		return
	}
	_ = s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(rec.QueryID), Value: body})
}

// Close releases the underlying Kafka writer's connections.
func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}

// Multi fans a single RecordQuery call out to every non-nil sink in sinks.
type Multi []Sink

func (m Multi) RecordQuery(ctx context.Context, rec types.QueryRecord, stage string) {
	for _, s := range m {
		if s != nil {
			s.RecordQuery(ctx, rec, stage)
		}
	}
}
