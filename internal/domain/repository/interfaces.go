package repository

import (
	"context"
	"time"

	"FHCElite/internal/domain/models"
	"FHCElite/internal/session"
)

// SampleStore persists intraday samples keyed by (instrument, timestamp).
// Upserts to different keys never block each other.
type SampleStore interface {
	Upsert(ctx context.Context, s models.Sample) error
	UpsertBatch(ctx context.Context, samples []models.Sample) BatchResult
	Latest(ctx context.Context, instrumentID string) (*models.Sample, error) // nil, nil when empty
	RangeBetween(ctx context.Context, instrumentID string, from, to time.Time) ([]models.Sample, error)
	PurgeOlderThan(ctx context.Context, before time.Time) (int64, error)
	Health(ctx context.Context) error
	Close() error
}

// BatchResult reports per-record outcome of UpsertBatch.
type BatchResult struct {
	Stored int
	Failed int
	Errors []error
}

// Add folds r2 into r.
func (r *BatchResult) Add(r2 BatchResult) {
	r.Stored += r2.Stored
	r.Failed += r2.Failed
	r.Errors = append(r.Errors, r2.Errors...)
}

// RangeForDate returns the samples of instrumentID on the exchange-local date, ascending.
func RangeForDate(ctx context.Context, store SampleStore, clock *session.Clock, instrumentID, date string) ([]models.Sample, error) {
	from, to, err := clock.DayBounds(date)
	if err != nil {
		return nil, err
	}
	return store.RangeBetween(ctx, instrumentID, from, to)
}

// IntradaySource fetches and parses one instrument's intraday series from upstream.
type IntradaySource interface {
	Name() string
	FetchIntraday(ctx context.Context, instrumentID string) (*models.ChartData, error)
}

// IndexSource fetches the current level of one market index.
type IndexSource interface {
	FetchIndex(ctx context.Context, code string) (*models.MarketIndex, error)
}

// SnapshotSource fetches the exchange's daily closing snapshot.
type SnapshotSource interface {
	FetchDaily(ctx context.Context) ([]models.DailyRecord, error)
}

// SyncLocker guards a sync across replicas.
type SyncLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

type Publisher interface {
	PublishQuote(ctx context.Context, q *models.Quote) error
	PublishSamples(ctx context.Context, samples []models.Sample) error
	Close() error
}

type Summarizer interface {
	Summarize(ctx context.Context, req models.SummaryRequest) (*models.SummaryResponse, error)
}

type Metrics interface {
	RecordSynced(source, instrumentID string, stored int)
	RecordError(kind string)
	RecordLastPrice(instrumentID string, price float64)
	RecordLatency(op string, seconds float64)
	RecordStale(instrumentID string)
	RecordPurged(n int64)
}
