package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"FHCElite/internal/domain/models"
	"FHCElite/internal/domain/repository"
	pkgch "FHCElite/pkg/clickhouse"
	applogger "FHCElite/pkg/logger"
)

// ClickHouseSampleStore keeps samples in a ReplacingMergeTree keyed by
// (instrument_id, ts). Every write carries a newer version, and reads use
// FINAL, so re-inserting a key replaces it.
type ClickHouseSampleStore struct {
	db      *sql.DB
	table   string
	l       *applogger.Logger
	version atomic.Int64
}

// ClickHouseSchema returns the DDL for the samples table.
func ClickHouseSchema(database, table string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
    instrument_id LowCardinality(String),
    ts DateTime64(3, 'UTC'),
    price Float64,
    volume Int64,
    version Int64
) ENGINE = ReplacingMergeTree(version)
PARTITION BY toYYYYMMDD(ts)
ORDER BY (instrument_id, ts)`, database, table),
	}
}

func NewClickHouseSampleStore(ch *pkgch.Client, table string, l *applogger.Logger) *ClickHouseSampleStore {
	if l == nil {
		l = applogger.NewNop()
	}
	s := &ClickHouseSampleStore{db: ch.DB(), table: table, l: l}
	s.version.Store(time.Now().UnixNano())
	return s
}

var _ repository.SampleStore = (*ClickHouseSampleStore)(nil)

func (s *ClickHouseSampleStore) nextVersion() int64 {
	for {
		prev := s.version.Load()
		next := time.Now().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if s.version.CompareAndSwap(prev, next) {
			return next
		}
	}
}

func (s *ClickHouseSampleStore) Upsert(ctx context.Context, sm models.Sample) error {
	if !sm.Valid() {
		return fmt.Errorf("upsert %s: invalid sample", sm.InstrumentID)
	}
	q := fmt.Sprintf("INSERT INTO %s (instrument_id, ts, price, volume, version) VALUES (?, ?, ?, ?, ?)", s.table)
	if _, err := s.db.ExecContext(ctx, q, sm.InstrumentID, sm.Timestamp.UTC(), sm.Price, sm.Volume, s.nextVersion()); err != nil {
		return fmt.Errorf("upsert %s: %w", sm.InstrumentID, err)
	}
	return nil
}

// UpsertBatch inserts multi-row VALUES chunks. A failing chunk is retried row
// by row so one bad record does not drop its neighbours.
func (s *ClickHouseSampleStore) UpsertBatch(ctx context.Context, samples []models.Sample) repository.BatchResult {
	var res repository.BatchResult
	const chunkSize = 2000
	for start := 0; start < len(samples); start += chunkSize {
		end := start + chunkSize
		if end > len(samples) {
			end = len(samples)
		}

		chunk := make([]models.Sample, 0, end-start)
		for _, sm := range samples[start:end] {
			if !sm.Valid() {
				res.Failed++
				res.Errors = append(res.Errors, fmt.Errorf("upsert %s at %s: invalid sample", sm.InstrumentID, sm.Timestamp))
				continue
			}
			chunk = append(chunk, sm)
		}
		if len(chunk) == 0 {
			continue
		}

		values := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*5)
		for _, sm := range chunk {
			values = append(values, "(?, ?, ?, ?, ?)")
			args = append(args, sm.InstrumentID, sm.Timestamp.UTC(), sm.Price, sm.Volume, s.nextVersion())
		}
		q := fmt.Sprintf("INSERT INTO %s (instrument_id, ts, price, volume, version) VALUES %s", s.table, strings.Join(values, ","))
		_, err := s.db.ExecContext(ctx, q, args...)
		if err == nil {
			res.Stored += len(chunk)
			continue
		}
		s.l.Warn("clickhouse batch insert failed, retrying per row",
			applogger.Int("rows", len(chunk)),
			applogger.Error(err),
		)
		for _, sm := range chunk {
			if err := s.Upsert(ctx, sm); err != nil {
				res.Failed++
				res.Errors = append(res.Errors, err)
				continue
			}
			res.Stored++
		}
	}
	return res
}

func (s *ClickHouseSampleStore) Latest(ctx context.Context, instrumentID string) (*models.Sample, error) {
	q := fmt.Sprintf("SELECT instrument_id, ts, price, volume FROM %s FINAL WHERE instrument_id = ? ORDER BY ts DESC LIMIT 1", s.table)
	var sm models.Sample
	err := s.db.QueryRowContext(ctx, q, instrumentID).Scan(&sm.InstrumentID, &sm.Timestamp, &sm.Price, &sm.Volume)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s: %w", instrumentID, err)
	}
	return &sm, nil
}

func (s *ClickHouseSampleStore) RangeBetween(ctx context.Context, instrumentID string, from, to time.Time) ([]models.Sample, error) {
	q := fmt.Sprintf("SELECT instrument_id, ts, price, volume FROM %s FINAL WHERE instrument_id = ? AND ts >= ? AND ts < ? ORDER BY ts ASC", s.table)
	rows, err := s.db.QueryContext(ctx, q, instrumentID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", instrumentID, err)
	}
	defer rows.Close()

	out := make([]models.Sample, 0, 64)
	for rows.Next() {
		var sm models.Sample
		if err := rows.Scan(&sm.InstrumentID, &sm.Timestamp, &sm.Price, &sm.Volume); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// PurgeOlderThan counts the doomed rows then deletes them with a synchronous mutation.
func (s *ClickHouseSampleStore) PurgeOlderThan(ctx context.Context, before time.Time) (int64, error) {
	var n uint64
	cq := fmt.Sprintf("SELECT count() FROM %s FINAL WHERE ts < ?", s.table)
	if err := s.db.QueryRowContext(ctx, cq, before.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("purge count: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	dq := fmt.Sprintf("ALTER TABLE %s DELETE WHERE ts < ? SETTINGS mutations_sync = 1", s.table)
	if _, err := s.db.ExecContext(ctx, dq, before.UTC()); err != nil {
		return 0, fmt.Errorf("purge delete: %w", err)
	}
	return int64(n), nil
}

func (s *ClickHouseSampleStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *ClickHouseSampleStore) Close() error {
	return nil // pool owned by pkg/clickhouse
}
