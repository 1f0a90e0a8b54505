// Package analytics provides an optional write-behind sink for query
// records and bandit rewards, for operators who want offline analysis of
// routing/reward behavior beyond what QueryRegistry's in-memory FIFO
// window retains. It is strictly an accelerator: a nil or failing sink
// never affects request handling, only observability.
package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"smartrag/internal/config"
	"smartrag/internal/rag/types"
)

// Sink records routing/reward events for later analysis. Implementations
// must never block the request path on slow or unavailable storage.
type Sink interface {
	RecordQuery(ctx context.Context, rec types.QueryRecord, stage string)
}

// NoopSink discards every event; used when no analytics backend is configured.
type NoopSink struct{}

func (NoopSink) RecordQuery(context.Context, types.QueryRecord, string) {}

// ClickHouseSink appends one row per routing decision or feedback
// correction to a ClickHouse table, fire-and-forget from the caller's
// point of view: write failures are discarded silently (neither returned
// nor logged) and never propagated into the request path, matching spec.md's "feedback older than the window simply
// returns 404" durability stance — this sink is additive telemetry, not a
// correctness dependency.
type ClickHouseSink struct {
	conn  clickhouse.Conn
	table string
}

// NewClickHouse opens a ClickHouse connection and ensures the target table
// exists. Returns (nil, nil) when cfg.DSN is empty, so callers can always
// construct a sink and treat a nil *ClickHouseSink as "disabled" via the
// package-level Or helper.
func NewClickHouse(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouseSink, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, nil
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	table := cfg.Table
	if table == "" {
		table = "rag_query_events"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		query_id String,
		arm String,
		automatic_reward Float64,
		stage String,
		question String,
		ts DateTime
	) ENGINE = MergeTree ORDER BY ts`, table)
	if err := conn.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create clickhouse table: %w", err)
	}
	return &ClickHouseSink{conn: conn, table: table}, nil
}

// RecordQuery appends one row. stage is "auto" for the Router's initial
// reward or "feedback" for a user-rating correction. Errors are swallowed:
// there is no retry, and nothing is returned or logged on failure.
func (s *ClickHouseSink) RecordQuery(ctx context.Context, rec types.QueryRecord, stage string) {
	if s == nil || s.conn == nil {
		return
	}
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", s.table))
	if err != nil {
		return
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_ = batch.Append(rec.QueryID, string(rec.Arm), rec.AutomaticReward, stage, rec.Question, ts)
	_ = batch.Send()
}

// Or returns fallback when s is nil, so callers can do
// analytics.Or(sink, analytics.NoopSink{}) without a nil-receiver check at
// every call site.
func Or(s *ClickHouseSink, fallback Sink) Sink {
	if s == nil {
		return fallback
	}
	return s
}
