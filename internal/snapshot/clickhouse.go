package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"NetSpectraRx/internal/config"
	"NetSpectraRx/internal/factory"
	"NetSpectraRx/internal/model"
	"NetSpectraRx/internal/stats"
)

// One row per counter per snapshot.
const createTableStatement = `
CREATE TABLE IF NOT EXISTS rx_flow_stats (
    Timestamp      DateTime,
    Counter        LowCardinality(String),
    Value          UInt64,
    ActiveFlows    UInt32,
    PendingUpdates UInt32
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Counter, Timestamp);
`

func init() {
	factory.RegisterWriter("clickhouse", func(def config.WriterDef, interval time.Duration) (model.Writer, error) {
		return NewClickHouseWriter(def.ClickHouse, interval)
	})
}

// ClickHouseWriter implements the model.Writer interface for ClickHouse.
type ClickHouseWriter struct {
	conn     driver.Conn
	interval time.Duration
}

// NewClickHouseWriter connects and makes sure the stats table exists.
func NewClickHouseWriter(cfg config.ClickHouseConfig, interval time.Duration) (*ClickHouseWriter, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log.Info("Successfully connected to ClickHouse and ensured table exists.")

	return &ClickHouseWriter{conn: conn, interval: interval}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *ClickHouseWriter) GetInterval() time.Duration {
	return w.interval
}

// Write inserts every counter of a *stats.Report into rx_flow_stats.
func (w *ClickHouseWriter) Write(payload interface{}, _ string) error {
	report, ok := payload.(*stats.Report)
	if !ok {
		return fmt.Errorf("invalid payload type for ClickHouse Writer: expected *stats.Report, got %T", payload)
	}

	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO rx_flow_stats")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, row := range rows(report) {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("failed to append counter to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	log.Debugf("Wrote %d counters to ClickHouse", len(report.Counters.Fields()))
	return nil
}

// Close closes the connection.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}

// rows flattens a report into rx_flow_stats column order.
func rows(r *stats.Report) [][]interface{} {
	ts := r.Timestamp.UTC().Truncate(time.Second)
	fields := r.Counters.Fields()
	out := make([][]interface{}, 0, len(fields))
	for _, f := range fields {
		out = append(out, []interface{}{ts, f.Name, f.Value, uint32(r.ActiveFlows), uint32(r.PendingUpdates)})
	}
	return out
}
