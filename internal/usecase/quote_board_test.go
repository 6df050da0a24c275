package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"FHCElite/internal/domain"
	"FHCElite/internal/domain/models"
	"FHCElite/internal/repository"
	"FHCElite/pkg/cache"
)

type fakeDaily struct {
	records []models.DailyRecord
	err     error
	calls   int
}

func (f *fakeDaily) FetchDaily(context.Context) ([]models.DailyRecord, error) {
	f.calls++
	return f.records, f.err
}

type recordingBroadcaster struct{ got []*models.Quote }

func (b *recordingBroadcaster) Broadcast(q *models.Quote) error {
	b.got = append(b.got, q)
	return nil
}

func newBoard(t *testing.T, src *fakeSource, now *time.Time, opts ...BoardOption) (*QuoteBoard, *cache.MemoryCache) {
	t.Helper()
	clockNow := func() time.Time { return *now }
	r := NewReconciler(repository.NewMemorySampleStore(), taipeiClock(t, 5*time.Minute), WithSources(src), WithNow(clockNow))
	mc := cache.NewMemoryCache()
	t.Cleanup(func() { _ = mc.Close() })
	opts = append([]BoardOption{WithBoardNow(clockNow)}, opts...)
	return NewQuoteBoard(r, mc, opts...), mc
}

func TestQuoteBoardGetRefreshesAndCaches(t *testing.T) {
	now := at(10, 0, 0)
	src := &fakeSource{name: "yahoo", chart: &models.ChartData{
		Source: "yahoo", Price: 81, PreviousClose: 80,
		Samples: []models.Sample{{InstrumentID: "2881", Timestamp: at(9, 55, 0), Price: 81}},
	}}
	br := &recordingBroadcaster{}
	b, _ := newBoard(t, src, &now, WithBroadcaster(br))
	ctx := context.Background()

	q, err := b.Get(ctx, "2881")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if q.Name != "富邦金" || q.Price != 81 || q.Change != 1 || q.ChangePercent != 1.25 || q.Stale {
		t.Fatalf("unexpected quote %+v", q)
	}
	if len(q.Timeline) != 55 || len(br.got) != 1 {
		t.Fatalf("expected timeline and one broadcast, got %d %d", len(q.Timeline), len(br.got))
	}

	now = now.Add(time.Second)
	if _, err := b.Get(ctx, "2881"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("fresh entry must be served from cache, calls=%d", src.calls)
	}
}

func TestQuoteBoardServesStaleOnFailure(t *testing.T) {
	now := at(10, 0, 0)
	src := &fakeSource{name: "yahoo", chart: &models.ChartData{
		Source: "yahoo", Price: 39.2, PreviousClose: 39,
		Samples: []models.Sample{{InstrumentID: "2886", Timestamp: at(9, 55, 0), Price: 39.2}},
	}}
	b, _ := newBoard(t, src, &now)
	ctx := context.Background()
	if _, err := b.Get(ctx, "2886"); err != nil {
		t.Fatalf("get: %v", err)
	}

	src.err = errors.New("upstream down")
	now = now.Add(time.Minute)
	q, err := b.Get(ctx, "2886")
	if err != nil {
		t.Fatalf("previously seen instrument must not fail: %v", err)
	}
	if !q.Stale || q.Price != 39.2 {
		t.Fatalf("expected stale last good quote, got %+v", q)
	}
}

func TestQuoteBoardNeverSeenInstrument(t *testing.T) {
	now := at(10, 0, 0)
	src := &fakeSource{name: "yahoo", err: domain.ErrUpstreamUnavailable}
	b, _ := newBoard(t, src, &now)
	if _, err := b.Get(context.Background(), "2892"); !errors.Is(err, domain.ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestQuoteBoardDailyCachesAndFallsBack(t *testing.T) {
	now := at(10, 0, 0)
	daily := &fakeDaily{records: []models.DailyRecord{
		{Code: "2881", Close: 80, PreviousClose: 79},
		{Code: "1101", Close: 33},
	}}
	b, mc := newBoard(t, &fakeSource{name: "yahoo", err: errors.New("x")}, &now, WithSnapshotSource(daily))
	ctx := context.Background()

	got, err := b.Daily(ctx)
	if err != nil || len(got) != 1 || got[0].Name != "富邦金" {
		t.Fatalf("unexpected daily %+v %v", got, err)
	}
	if _, err := b.Daily(ctx); err != nil || daily.calls != 1 {
		t.Fatalf("second call should hit the cache, calls=%d", daily.calls)
	}

	_ = mc.Delete(ctx, dailyKey)
	daily.err = errors.New("twse down")
	got, err = b.Daily(ctx)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected last good snapshot, got %+v %v", got, err)
	}
}

func TestQuoteBoardPreviousCloseFromDaily(t *testing.T) {
	now := at(10, 0, 0)
	src := &fakeSource{name: "google", chart: &models.ChartData{
		Source:  "google",
		Samples: []models.Sample{{InstrumentID: "2881", Timestamp: at(9, 55, 0), Price: 82}},
	}}
	daily := &fakeDaily{records: []models.DailyRecord{{Code: "2881", Close: 80, PreviousClose: 80, Volume: 5}}}
	b, _ := newBoard(t, src, &now, WithSnapshotSource(daily))
	ctx := context.Background()
	if _, err := b.Daily(ctx); err != nil {
		t.Fatalf("daily: %v", err)
	}

	q, err := b.Refresh(ctx, "2881")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if q.Price != 82 || q.PreviousClose != 80 || q.ChangePercent != 2.5 {
		t.Fatalf("unexpected quote %+v", q)
	}
}

func TestQuoteBoardWriteFile(t *testing.T) {
	now := at(10, 0, 0)
	src := &fakeSource{name: "yahoo", chart: &models.ChartData{
		Source: "yahoo", Price: 81, PreviousClose: 82,
		Samples: []models.Sample{{InstrumentID: "x", Timestamp: at(9, 0, 0), Price: 81}},
	}}
	b, _ := newBoard(t, src, &now, WithInstruments([]models.Instrument{
		{ID: "2881", Name: "富邦金", Category: models.CategoryPrivate},
		{ID: "2886", Name: "兆豐金", Category: models.CategoryState},
	}))
	ctx := context.Background()
	if got := b.RefreshAll(ctx); len(got) != 2 {
		t.Fatalf("expected 2 refreshed quotes, got %d", len(got))
	}

	path := filepath.Join(t.TempDir(), "public", "data", "stock_cache.json")
	if err := b.WriteFile(ctx, path); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc models.SnapshotFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	e, ok := doc.Stocks["2886"]
	if doc.TWDate != "2024-06-11" || !ok || e.IsUp || e.Category != models.CategoryState || len(e.Data) != 55 {
		t.Fatalf("unexpected snapshot %+v", doc)
	}
}

type fakeIndices struct {
	levels map[string]float64
	err    error
	calls  int32
}

func (f *fakeIndices) FetchIndex(_ context.Context, code string) (*models.MarketIndex, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &models.MarketIndex{Code: code, Value: f.levels[code], Change: 1}, nil
}

func TestQuoteBoardIndicesCacheAndKeepLastGood(t *testing.T) {
	now := at(10, 0, 0)
	src := &fakeIndices{levels: map[string]float64{"IX0001": 21858.28, "IX0010": 2150.5}}
	indices := []models.Instrument{{ID: "IX0001", Name: "加權指數"}, {ID: "IX0010", Name: "金融類股"}}
	b, mc := newBoard(t, &fakeSource{name: "yahoo", err: errors.New("x")}, &now,
		WithIndexSource(src, indices, time.Minute))
	ctx := context.Background()

	got, err := b.Indices(ctx)
	if err != nil || len(got) != 2 || got[0].Name != "加權指數" || got[1].Value != 2150.5 {
		t.Fatalf("unexpected indices %+v %v", got, err)
	}
	if _, err := b.Indices(ctx); err != nil || atomic.LoadInt32(&src.calls) != 2 {
		t.Fatalf("second read should hit the cache, calls=%d", src.calls)
	}

	_ = mc.Delete(ctx, indicesKey)
	src.err = errors.New("google down")
	got, err = b.Indices(ctx)
	if err != nil || len(got) != 2 || !got[0].Stale || got[0].Value != 21858.28 {
		t.Fatalf("expected last good levels marked stale, got %+v %v", got, err)
	}
}
