package analytics

import (
	"context"
	"testing"

	"smartrag/internal/config"
	"smartrag/internal/rag/types"
)

func TestNewClickHouse_EmptyDSNDisables(t *testing.T) {
	s, err := NewClickHouse(context.Background(), config.ClickHouseConfig{})
	if err != nil {
		t.Fatalf("NewClickHouse with empty DSN should not error, got %v", err)
	}
	if s != nil {
		t.Fatalf("expected a nil sink when DSN is empty")
	}
}

func TestNewKafka_EmptyBrokersDisables(t *testing.T) {
	s, err := NewKafka(config.KafkaConfig{})
	if err != nil {
		t.Fatalf("NewKafka with empty brokers should not error, got %v", err)
	}
	if s != nil {
		t.Fatalf("expected a nil sink when brokers is empty")
	}
}

func TestOr_NilFallsBackToFallback(t *testing.T) {
	if got := Or(nil, NoopSink{}); got != (NoopSink{}) {
		t.Fatalf("expected Or(nil, fallback) to return fallback")
	}
}

func TestNilSinksNeverPanic(t *testing.T) {
	var chSink *ClickHouseSink
	var kafkaSink *KafkaSink
	m := Multi{chSink, kafkaSink, NoopSink{}}

	rec := types.QueryRecord{QueryID: "q1", Arm: types.ArmHybrid, Question: "what happened?"}
	m.RecordQuery(context.Background(), rec, "auto")
}

func TestKafkaSink_NilReceiverCloseIsNoop(t *testing.T) {
	var s *KafkaSink
	if err := s.Close(); err != nil {
		t.Fatalf("expected nil-receiver Close to be a no-op, got %v", err)
	}
}
