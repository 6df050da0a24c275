package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"FHCElite/internal/domain/models"
	"FHCElite/internal/domain/repository"
	applogger "FHCElite/pkg/logger"
)

// PostgresSampleStore keeps samples in a table whose primary key is
// (instrument_id, ts); upsert is INSERT ... ON CONFLICT DO UPDATE.
type PostgresSampleStore struct {
	pool  *pgxpool.Pool
	table string
	l     *applogger.Logger
}

// PostgresSchema returns the DDL for the samples table.
func PostgresSchema(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    instrument_id TEXT NOT NULL,
    ts TIMESTAMPTZ NOT NULL,
    price DOUBLE PRECISION NOT NULL,
    volume BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (instrument_id, ts)
)`, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_ts_idx ON %s (ts)", table, table),
	}
}

func NewPostgresSampleStore(pool *pgxpool.Pool, table string, l *applogger.Logger) *PostgresSampleStore {
	if l == nil {
		l = applogger.NewNop()
	}
	return &PostgresSampleStore{pool: pool, table: table, l: l}
}

var _ repository.SampleStore = (*PostgresSampleStore)(nil)

// InitSchema creates the table if missing.
func (s *PostgresSampleStore) InitSchema(ctx context.Context) error {
	for _, stmt := range PostgresSchema(s.table) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresSampleStore) upsertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s (instrument_id, ts, price, volume, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (instrument_id, ts) DO UPDATE
SET price = EXCLUDED.price, volume = EXCLUDED.volume, updated_at = now()`, s.table)
}

func (s *PostgresSampleStore) Upsert(ctx context.Context, sm models.Sample) error {
	if !sm.Valid() {
		return fmt.Errorf("upsert %s: invalid sample", sm.InstrumentID)
	}
	if _, err := s.pool.Exec(ctx, s.upsertSQL(), sm.InstrumentID, sm.Timestamp.UTC(), sm.Price, sm.Volume); err != nil {
		return fmt.Errorf("upsert %s: %w", sm.InstrumentID, err)
	}
	return nil
}

// UpsertBatch sends all rows in one pgx.Batch. If the batch fails the rows
// are retried one by one.
func (s *PostgresSampleStore) UpsertBatch(ctx context.Context, samples []models.Sample) repository.BatchResult {
	var res repository.BatchResult
	valid := make([]models.Sample, 0, len(samples))
	for _, sm := range samples {
		if !sm.Valid() {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("upsert %s at %s: invalid sample", sm.InstrumentID, sm.Timestamp))
			continue
		}
		valid = append(valid, sm)
	}
	if len(valid) == 0 {
		return res
	}

	err := s.sendBatch(ctx, valid)
	if err == nil {
		res.Stored += len(valid)
		return res
	}
	s.l.Warn("postgres batch upsert failed, retrying per row",
		applogger.Int("rows", len(valid)),
		applogger.Error(err),
	)
	for _, sm := range valid {
		if err := s.Upsert(ctx, sm); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Stored++
	}
	return res
}

func (s *PostgresSampleStore) sendBatch(ctx context.Context, rows []models.Sample) error {
	q := s.upsertSQL()
	batch := &pgx.Batch{}
	for _, sm := range rows {
		batch.Queue(q, sm.InstrumentID, sm.Timestamp.UTC(), sm.Price, sm.Volume)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresSampleStore) Latest(ctx context.Context, instrumentID string) (*models.Sample, error) {
	q := fmt.Sprintf("SELECT instrument_id, ts, price, volume FROM %s WHERE instrument_id = $1 ORDER BY ts DESC LIMIT 1", s.table)
	var sm models.Sample
	err := s.pool.QueryRow(ctx, q, instrumentID).Scan(&sm.InstrumentID, &sm.Timestamp, &sm.Price, &sm.Volume)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s: %w", instrumentID, err)
	}
	return &sm, nil
}

func (s *PostgresSampleStore) RangeBetween(ctx context.Context, instrumentID string, from, to time.Time) ([]models.Sample, error) {
	q := fmt.Sprintf("SELECT instrument_id, ts, price, volume FROM %s WHERE instrument_id = $1 AND ts >= $2 AND ts < $3 ORDER BY ts ASC", s.table)
	rows, err := s.pool.Query(ctx, q, instrumentID, from.UTC(), to.UTC())
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

func (s *PostgresSampleStore) PurgeOlderThan(ctx context.Context, before time.Time) (int64, error) {
	q := fmt.Sprintf("DELETE FROM %s WHERE ts < $1", s.table)
	ct, err := s.pool.Exec(ctx, q, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (s *PostgresSampleStore) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresSampleStore) Close() error {
	s.pool.Close()
	return nil
}
