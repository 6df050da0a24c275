package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"FHCElite/internal/domain"
	"FHCElite/internal/domain/models"
	"FHCElite/internal/domain/repository"
	"FHCElite/pkg/cache"
	applogger "FHCElite/pkg/logger"
)

const (
	DefaultQuoteTTL         = 3 * time.Second
	DefaultQuoteInterval    = 3 * time.Second
	DefaultSnapshotInterval = 5 * time.Minute
	DefaultIndexTTL         = time.Minute
	lastGoodTTL             = 24 * time.Hour
	dailyKey                = "daily:twse"
	dailyLastKey            = "daily:twse:last"
	indicesKey              = "indices"
	indicesLastKey          = "indices:last"
)

// Broadcaster receives every refreshed quote.
type Broadcaster interface {
	Broadcast(q *models.Quote) error
}

type cachedQuote struct {
	Quote    models.Quote `json:"quote"`
	StoredAt time.Time    `json:"storedAt"`
}

// BoardOption configures QuoteBoard.
type BoardOption func(*QuoteBoard)

// QuoteBoard holds the last good quote and timeline per instrument. Entries
// live in a cache.Service so replicas share them. A failed refresh serves
// the previous entry marked stale.
type QuoteBoard struct {
	reconciler  *Reconciler
	snapshots   repository.SnapshotSource
	indexSource repository.IndexSource
	indices     []models.Instrument
	cache       cache.Service
	instruments []models.Instrument
	publisher   repository.Publisher
	broadcaster Broadcaster
	metrics     repository.Metrics
	logger      *applogger.Logger
	now         func() time.Time

	quoteTTL         time.Duration
	dailyTTL         time.Duration
	indexTTL         time.Duration
	quoteInterval    time.Duration
	snapshotInterval time.Duration

	mu sync.Mutex // serializes WriteFile
}

func WithInstruments(list []models.Instrument) BoardOption {
	return func(b *QuoteBoard) {
		if len(list) > 0 {
			b.instruments = list
		}
	}
}

func WithSnapshotSource(s repository.SnapshotSource) BoardOption {
	return func(b *QuoteBoard) { b.snapshots = s }
}

// WithIndexSource enables the market-index tiles, cached for ttl.
func WithIndexSource(s repository.IndexSource, indices []models.Instrument, ttl time.Duration) BoardOption {
	return func(b *QuoteBoard) {
		b.indexSource = s
		if len(indices) > 0 {
			b.indices = indices
		}
		if ttl > 0 {
			b.indexTTL = ttl
		}
	}
}

func WithBoardPublisher(p repository.Publisher) BoardOption {
	return func(b *QuoteBoard) { b.publisher = p }
}

func WithBroadcaster(br Broadcaster) BoardOption {
	return func(b *QuoteBoard) { b.broadcaster = br }
}

func WithBoardMetrics(m repository.Metrics) BoardOption {
	return func(b *QuoteBoard) { b.metrics = m }
}

func WithBoardLogger(l *applogger.Logger) BoardOption {
	return func(b *QuoteBoard) { b.logger = l }
}

func WithBoardNow(now func() time.Time) BoardOption {
	return func(b *QuoteBoard) { b.now = now }
}

// WithIntervals sets the cache freshness window and the polling cadences.
// Zero values keep the defaults.
func WithIntervals(quoteTTL, dailyTTL, quoteEvery, snapshotEvery time.Duration) BoardOption {
	return func(b *QuoteBoard) {
		if quoteTTL > 0 {
			b.quoteTTL = quoteTTL
		}
		if dailyTTL > 0 {
			b.dailyTTL = dailyTTL
		}
		if quoteEvery > 0 {
			b.quoteInterval = quoteEvery
		}
		if snapshotEvery > 0 {
			b.snapshotInterval = snapshotEvery
		}
	}
}

func NewQuoteBoard(reconciler *Reconciler, c cache.Service, opts ...BoardOption) *QuoteBoard {
	b := &QuoteBoard{
		reconciler:       reconciler,
		cache:            c,
		instruments:      models.DefaultInstruments,
		indices:          models.DefaultIndices,
		metrics:          NopMetrics{},
		logger:           applogger.NewNop(),
		now:              time.Now,
		quoteTTL:         DefaultQuoteTTL,
		dailyTTL:         DefaultSnapshotInterval,
		indexTTL:         DefaultIndexTTL,
		quoteInterval:    DefaultQuoteInterval,
		snapshotInterval: DefaultSnapshotInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Instruments returns the tracked universe.
func (b *QuoteBoard) Instruments() []models.Instrument { return b.instruments }

func quoteKey(id string) string { return cache.Key("quote", id) }

// Get returns the quote of id. A fresh cache entry is served as is; an old
// one triggers a synchronous refresh. When the refresh fails the old entry
// is served with Stale set. An instrument never seen yields domain.ErrNoData.
func (b *QuoteBoard) Get(ctx context.Context, id string) (*models.Quote, error) {
	entry, ok := b.load(ctx, id)
	if ok && b.now().Sub(entry.StoredAt) < b.quoteTTL {
		q := entry.Quote
		return &q, nil
	}

	q, err := b.Refresh(ctx, id)
	if err == nil {
		return q, nil
	}
	if ok {
		b.metrics.RecordStale(id)
		b.logger.Warn("refresh failed, serving last good quote",
			applogger.String("instrument", id),
			applogger.Error(err),
		)
		stale := entry.Quote
		stale.Stale = true
		return &stale, nil
	}
	if errors.Is(err, domain.ErrNoData) {
		return nil, err
	}
	return nil, fmt.Errorf("%s: %w: %v", id, domain.ErrNoData, err)
}

// Refresh reconciles id and stores the resulting quote.
func (b *QuoteBoard) Refresh(ctx context.Context, id string) (*models.Quote, error) {
	res, err := b.reconciler.Run(ctx, id)
	if err != nil {
		return nil, err
	}
	prev, _ := b.load(ctx, id)
	q, err := b.quoteFrom(ctx, id, res, prev)
	if err != nil {
		return nil, err
	}
	b.store(ctx, q)
	return q, nil
}

// RefreshAll reconciles the whole universe concurrently and returns the
// quotes that could be built. Failures keep their previous entry.
func (b *QuoteBoard) RefreshAll(ctx context.Context) map[string]*models.Quote {
	ids := models.InstrumentIDs(b.instruments)
	results := b.reconciler.ReconcileBatch(ctx, ids)
	out := make(map[string]*models.Quote, len(results))
	for _, id := range ids {
		res, ok := results[id]
		if !ok {
			continue
		}
		prev, _ := b.load(ctx, id)
		q, err := b.quoteFrom(ctx, id, res, prev)
		if err != nil {
			b.logger.Debug("no quote yet", applogger.String("instrument", id), applogger.Error(err))
			continue
		}
		b.store(ctx, q)
		out[id] = q
	}
	return out
}

// Snapshot returns every cached quote in universe order.
func (b *QuoteBoard) Snapshot(ctx context.Context) ([]models.Quote, error) {
	keys := make([]string, 0, len(b.instruments))
	for _, in := range b.instruments {
		keys = append(keys, quoteKey(in.ID))
	}
	entries, err := cache.MGetTyped[cachedQuote](ctx, b.cache, keys...)
	if err != nil {
		return nil, fmt.Errorf("read board: %w", err)
	}
	out := make([]models.Quote, 0, len(entries))
	for _, key := range keys {
		if e, ok := entries[key]; ok {
			out = append(out, e.Quote)
		}
	}
	return out, nil
}

// Daily returns the exchange's daily snapshot for the universe, cached for
// dailyTTL. When the exchange is unreachable the last good snapshot is served.
func (b *QuoteBoard) Daily(ctx context.Context) ([]models.DailyRecord, error) {
	var records []models.DailyRecord
	if err := b.cache.Get(ctx, dailyKey, &records); err == nil {
		return records, nil
	}
	return b.refreshDaily(ctx)
}

func (b *QuoteBoard) refreshDaily(ctx context.Context) ([]models.DailyRecord, error) {
	if b.snapshots == nil {
		return nil, fmt.Errorf("daily snapshot: %w", domain.ErrUpstreamUnavailable)
	}
	records, err := b.snapshots.FetchDaily(ctx)
	if err != nil {
		b.metrics.RecordError("fetch_daily")
		var last []models.DailyRecord
		if cerr := b.cache.Get(ctx, dailyLastKey, &last); cerr == nil {
			b.logger.Warn("daily snapshot failed, serving last good", applogger.Error(err))
			return last, nil
		}
		return nil, err
	}
	records = b.filterUniverse(records)
	if err := b.cache.Set(ctx, dailyKey, records, b.dailyTTL); err != nil {
		b.logger.Warn("daily snapshot cache write failed", applogger.Error(err))
	}
	_ = b.cache.Set(ctx, dailyLastKey, records, lastGoodTTL)
	return records, nil
}

func (b *QuoteBoard) filterUniverse(records []models.DailyRecord) []models.DailyRecord {
	out := make([]models.DailyRecord, 0, len(b.instruments))
	for _, r := range records {
		if in, ok := models.LookupInstrument(b.instruments, r.Code); ok {
			if r.Name == "" {
				r.Name = in.Name
			}
			out = append(out, r)
		}
	}
	return out
}

// Indices returns the market-index tiles in configured order, cached for
// indexTTL. An index that fails to refresh keeps its last good level marked
// stale, or a zero level when it was never seen.
func (b *QuoteBoard) Indices(ctx context.Context) ([]models.MarketIndex, error) {
	if b.indexSource == nil {
		return nil, fmt.Errorf("market indices: %w", domain.ErrUpstreamUnavailable)
	}
	var out []models.MarketIndex
	if err := b.cache.Get(ctx, indicesKey, &out); err == nil {
		return out, nil
	}

	var last []models.MarketIndex
	_ = b.cache.Get(ctx, indicesLastKey, &last)
	prev := make(map[string]models.MarketIndex, len(last))
	for _, ix := range last {
		prev[ix.Code] = ix
	}

	out = make([]models.MarketIndex, len(b.indices))
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range b.indices {
		g.Go(func() error {
			ix, err := b.indexSource.FetchIndex(gctx, in.ID)
			if err != nil {
				b.metrics.RecordError("fetch_index")
				b.logger.Warn("index refresh failed", applogger.String("index", in.ID), applogger.Error(err))
				stale, ok := prev[in.ID]
				if !ok {
					stale = models.MarketIndex{Code: in.ID, Name: in.Name, FetchedAt: b.now()}
				}
				stale.Stale = true
				out[i] = stale
				return nil
			}
			ix.Name = in.Name
			ix.FetchedAt = b.now()
			out[i] = *ix
			return nil
		})
	}
	_ = g.Wait()

	if err := b.cache.Set(ctx, indicesKey, out, b.indexTTL); err != nil {
		b.logger.Warn("index cache write failed", applogger.Error(err))
	}
	fresh := make([]models.MarketIndex, 0, len(out))
	for _, ix := range out {
		if !ix.Stale {
			fresh = append(fresh, ix)
		} else if p, ok := prev[ix.Code]; ok {
			fresh = append(fresh, p)
		}
	}
	_ = b.cache.Set(ctx, indicesLastKey, fresh, lastGoodTTL)
	return out, nil
}

// Run polls quotes every quoteInterval and the daily snapshot every
// snapshotInterval until ctx is done.
func (b *QuoteBoard) Run(ctx context.Context) error {
	quotes := time.NewTicker(b.quoteInterval)
	defer quotes.Stop()
	daily := time.NewTicker(b.snapshotInterval)
	defer daily.Stop()

	b.logger.Info("quote board polling",
		applogger.Int("instruments", len(b.instruments)),
		applogger.Duration("quote_interval_ms", b.quoteInterval),
		applogger.Duration("snapshot_interval_ms", b.snapshotInterval),
	)
	b.RefreshAll(ctx)
	if b.snapshots != nil {
		_, _ = b.refreshDaily(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-quotes.C:
			b.RefreshAll(ctx)
		case <-daily.C:
			if b.snapshots == nil {
				continue
			}
			if _, err := b.refreshDaily(ctx); err != nil {
				b.logger.Warn("daily snapshot refresh failed", applogger.Error(err))
			}
		}
	}
}

// BuildSnapshotFile assembles the board into the snapshot document.
func (b *QuoteBoard) BuildSnapshotFile(ctx context.Context) (*models.SnapshotFile, error) {
	quotes, err := b.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	now := b.now()
	doc := &models.SnapshotFile{
		LastUpdated: now.UTC(),
		TWDate:      b.reconciler.Clock().Today(now),
		Stocks:      make(map[string]models.SnapshotEntry, len(quotes)),
	}
	for _, q := range quotes {
		data := q.Timeline
		if data == nil {
			data = []models.TimelinePoint{}
		}
		doc.Stocks[q.InstrumentID] = models.SnapshotEntry{
			ID:        q.InstrumentID,
			Name:      q.Name,
			Category:  q.Category,
			Price:     q.Price,
			Diff:      q.Change,
			Change:    q.ChangePercent,
			IsUp:      q.IsUp(),
			LastPrice: q.Price,
			Stale:     q.Stale,
			Data:      data,
		}
	}
	return doc, nil
}

// WriteFile writes the snapshot document to path atomically.
func (b *QuoteBoard) WriteFile(ctx context.Context, path string) error {
	doc, err := b.BuildSnapshotFile(ctx)
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".stock_cache-*.json")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename snapshot: %w", err)
	}
	b.logger.Info("snapshot written", applogger.String("path", path), applogger.Int("stocks", len(doc.Stocks)))
	return nil
}

func (b *QuoteBoard) load(ctx context.Context, id string) (cachedQuote, bool) {
	var e cachedQuote
	if err := b.cache.Get(ctx, quoteKey(id), &e); err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			b.logger.Warn("quote cache read failed", applogger.String("instrument", id), applogger.Error(err))
		}
		return e, false
	}
	return e, true
}

func (b *QuoteBoard) store(ctx context.Context, q *models.Quote) {
	entry := cachedQuote{Quote: *q, StoredAt: b.now()}
	if err := b.cache.Set(ctx, quoteKey(q.InstrumentID), entry, lastGoodTTL); err != nil {
		b.metrics.RecordError("cache_write")
		b.logger.Warn("quote cache write failed", applogger.String("instrument", q.InstrumentID), applogger.Error(err))
	}
	if b.publisher != nil {
		if err := b.publisher.PublishQuote(ctx, q); err != nil {
			b.metrics.RecordError("publish_quote")
			b.logger.Debug("quote publish failed", applogger.String("instrument", q.InstrumentID), applogger.Error(err))
		}
	}
	if b.broadcaster != nil {
		_ = b.broadcaster.Broadcast(q)
	}
}

// quoteFrom prefers the upstream's current price and previous close, then
// the timeline's last value, then what the previous entry or the daily
// snapshot knew about the previous close.
func (b *QuoteBoard) quoteFrom(ctx context.Context, id string, res *Reconciliation, prev cachedQuote) (*models.Quote, error) {
	in, _ := models.LookupInstrument(b.instruments, id)
	q := &models.Quote{
		InstrumentID: id,
		Name:         in.Name,
		Category:     in.Category,
		Source:       "store",
		FetchedAt:    b.now(),
		Stale:        res.View.Stale,
		Timeline:     res.View.Points,
	}

	var prevClose float64
	if res.Chart != nil {
		q.Source = res.Chart.Source
		q.Price = res.Chart.Price
		prevClose = res.Chart.PreviousClose
	}
	if q.Price <= 0 {
		q.Price = res.View.LastValue()
	}
	if q.Price <= 0 && prev.Quote.Price > 0 {
		q.Price = prev.Quote.Price
		q.Stale = true
	}
	if q.Price <= 0 {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrNoData)
	}
	if prevClose <= 0 {
		prevClose = prev.Quote.PreviousClose
	}
	if prevClose <= 0 {
		if rec, ok := b.cachedDaily(ctx, id); ok {
			prevClose = rec.PreviousClose
			if q.Volume == 0 {
				q.Volume = rec.Volume
			}
		}
	}
	q.ApplyPreviousClose(prevClose)
	return q, nil
}

func (b *QuoteBoard) cachedDaily(ctx context.Context, id string) (models.DailyRecord, bool) {
	var records []models.DailyRecord
	if err := b.cache.Get(ctx, dailyLastKey, &records); err != nil {
		return models.DailyRecord{}, false
	}
	for _, r := range records {
		if r.Code == id {
			return r, true
		}
	}
	return models.DailyRecord{}, false
}
