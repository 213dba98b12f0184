package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"sleepywoodpecker/adcstream/internal/processing"
)

const createFramesTable = `
CREATE TABLE IF NOT EXISTS adc_frames (
	timestamp DateTime64(3),
	seq UInt64,
	generation UInt64,
	sample_rate UInt32,
	decimation_ratio UInt32,
	mean_v Float64,
	rms_mv Float64,
	recording UInt8,
	recorded_s Float64,
	faulted UInt8
) ENGINE = MergeTree()
ORDER BY timestamp
`

const insertFrame = `
INSERT INTO adc_frames (timestamp, seq, generation, sample_rate, decimation_ratio, mean_v, rms_mv, recording, recorded_s, faulted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// execer is the part of driver.Conn the store uses.
type execer interface {
	Exec(ctx context.Context, query string, args ...any) error
	Close() error
}

type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouseStore keeps one summary row per published frame.
type ClickHouseStore struct {
	conn   execer
	logger *zap.Logger
}

func NewClickHouseStore(ctx context.Context, config ClickHouseConfig, logger *zap.Logger) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{config.Addr},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[clickhouse] connecting to %s: %w", config.Addr, err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("[clickhouse] pinging %s: %w", config.Addr, err)
	}

	store := &ClickHouseStore{conn: conn, logger: logger}
	if err := store.InitSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("[clickhouse] connected", zap.String("addr", config.Addr), zap.String("database", config.Database))
	return store, nil
}

func (s *ClickHouseStore) InitSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, createFramesTable); err != nil {
		return fmt.Errorf("[clickhouse] creating adc_frames: %w", err)
	}
	return nil
}

func (s *ClickHouseStore) Publish(ctx context.Context, f processing.Frame) error {
	err := s.conn.Exec(ctx, insertFrame,
		f.Timestamp,
		f.Seq,
		f.Generation,
		uint32(f.Config.SampleRate),
		uint32(f.Config.DecimationRatio),
		f.Mean,
		f.FilteredRMS*1e3,
		boolToUInt8(f.Recording),
		f.RecordedSeconds,
		boolToUInt8(f.Faulted),
	)
	if err != nil {
		return fmt.Errorf("[clickhouse] inserting frame %d: %w", f.Seq, err)
	}
	return nil
}

func (s *ClickHouseStore) Name() string {
	return "clickhouse"
}

func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
