package usecase

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"FHCElite/internal/domain"
	"FHCElite/internal/domain/models"
	domrepo "FHCElite/internal/domain/repository"
	"FHCElite/internal/repository"
	"FHCElite/internal/session"
)

var cst = time.FixedZone("CST", 8*3600)

func taipeiClock(t *testing.T, step time.Duration) *session.Clock {
	t.Helper()
	c, err := session.New(session.Config{Location: cst, Open: "09:00", Close: "13:30", Step: step})
	if err != nil {
		t.Fatalf("clock: %v", err)
	}
	return c
}

// at returns hh:mm:ss on 2024-06-11 (a Tuesday) in exchange time.
func at(hh, mm, ss int) time.Time { return time.Date(2024, 6, 11, hh, mm, ss, 0, cst) }

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

type fakeSource struct {
	name  string
	chart *models.ChartData
	err   error
	calls int32
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchIntraday(_ context.Context, id string) (*models.ChartData, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	out := *f.chart
	out.InstrumentID = id
	out.Samples = make([]models.Sample, len(f.chart.Samples))
	for i, s := range f.chart.Samples {
		s.InstrumentID = id
		out.Samples[i] = s
	}
	return &out, nil
}

type denyLock struct{}

func (denyLock) TryLock(context.Context, string, time.Duration) (bool, error) { return false, nil }
func (denyLock) Unlock(context.Context, string) error                         { return nil }

func value(t *testing.T, p models.TimelinePoint) float64 {
	t.Helper()
	if p.Value == nil {
		t.Fatalf("slot %s unresolved", p.Time)
	}
	return *p.Value
}

func TestReconcileSingleEarlySampleCarriesForward(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemorySampleStore()
	_ = store.Upsert(ctx, models.Sample{InstrumentID: "2881", Timestamp: at(9, 2, 0), Price: 95.5})
	src := &fakeSource{name: "yahoo", err: errors.New("must not be called")}

	r := NewReconciler(store, taipeiClock(t, 5*time.Minute), WithSources(src), WithNow(fixedNow(at(14, 0, 0))))
	view, err := r.Reconcile(ctx, "2881")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if src.calls != 0 {
		t.Fatalf("closed market with today's data must not sync")
	}
	if len(view.Points) != 55 {
		t.Fatalf("expected 55 slots, got %d", len(view.Points))
	}
	first, second, last := view.Points[0], view.Points[1], view.Points[54]
	if first.Time != "09:00" || value(t, first) != 95.5 {
		t.Fatalf("unexpected first slot %+v", first)
	}
	if second.Time != "09:05" || value(t, second) != 95.5 {
		t.Fatalf("unexpected second slot %+v", second)
	}
	if last.Time != "13:30" || value(t, last) != 95.5 {
		t.Fatalf("unexpected last slot %+v", last)
	}
	if view.Stale {
		t.Fatalf("view should not be stale")
	}
}

func TestNeedsSync(t *testing.T) {
	r := NewReconciler(repository.NewMemorySampleStore(), taipeiClock(t, 5*time.Minute))
	today := &models.Sample{InstrumentID: "2881", Timestamp: at(9, 0, 0), Price: 1}
	yesterday := &models.Sample{InstrumentID: "2881", Timestamp: at(9, 0, 0).Add(-24 * time.Hour), Price: 1}

	tests := []struct {
		name   string
		latest *models.Sample
		now    time.Time
		want   bool
	}{
		{"nothing stored", nil, at(14, 0, 0), true},
		{"open with today's data", today, at(10, 0, 0), true},
		{"closed with today's data", today, at(14, 0, 0), false},
		{"closed with yesterday's data", yesterday, at(14, 0, 0), true},
		{"open boundary", today, at(13, 30, 0), true},
	}
	for _, tt := range tests {
		if got := r.NeedsSync(tt.latest, tt.now); got != tt.want {
			t.Fatalf("%s: NeedsSync = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFillTimelineTolerance(t *testing.T) {
	clock := taipeiClock(t, 5*time.Minute)
	slots, _ := clock.Slots("2024-06-11")

	tests := []struct {
		name     string
		sampleAt time.Time
		slot     int // index expected to resolve first
	}{
		{"exact", at(9, 10, 0), 2},
		{"within tolerance after", at(9, 13, 0), 3},
		{"nearest is next slot", at(9, 4, 0), 1},
		{"midpoint goes to earlier slot", at(9, 2, 30), 0},
		{"tolerance bound is inclusive", at(8, 57, 0), 0},
	}
	for _, tt := range tests {
		pts := FillTimeline(slots, []models.Sample{{InstrumentID: "x", Timestamp: tt.sampleAt, Price: 10}}, DefaultTolerance, cst)
		for i := 0; i < tt.slot; i++ {
			if pts[i].Value != nil {
				t.Fatalf("%s: slot %s should be null", tt.name, pts[i].Time)
			}
		}
		if pts[tt.slot].Value == nil {
			t.Fatalf("%s: slot %s should resolve", tt.name, pts[tt.slot].Time)
		}
	}

	pts := FillTimeline(slots, []models.Sample{{InstrumentID: "x", Timestamp: at(8, 56, 59), Price: 10}}, DefaultTolerance, cst)
	for _, p := range pts {
		if p.Value != nil {
			t.Fatalf("sample beyond tolerance resolved slot %s", p.Time)
		}
	}
}

func TestFillTimelineSampleResolvesAtMostOneSlot(t *testing.T) {
	clock := taipeiClock(t, 10*time.Minute)
	slots, _ := clock.Slots("2024-06-11")
	samples := []models.Sample{
		{InstrumentID: "x", Timestamp: at(9, 5, 0), Price: 7}, // 5 minutes from both neighbours
		{InstrumentID: "x", Timestamp: at(9, 22, 0), Price: 8},
	}
	pts := FillTimeline(slots, samples, DefaultTolerance, cst)
	if pts[0].Value != nil || pts[1].Value != nil {
		t.Fatalf("sample outside tolerance must resolve nothing: %v %v", pts[0].Value, pts[1].Value)
	}
	if value(t, pts[2]) != 8 {
		t.Fatalf("expected 09:20 to resolve 8")
	}
}

func TestFillTimelineNearestWinsAndCarries(t *testing.T) {
	clock := taipeiClock(t, 5*time.Minute)
	slots, _ := clock.Slots("2024-06-11")
	samples := []models.Sample{
		{InstrumentID: "x", Timestamp: at(9, 58, 0), Price: 99},
		{InstrumentID: "x", Timestamp: at(10, 1, 0), Price: 100},
		{InstrumentID: "x", Timestamp: at(10, 20, 0), Price: 101},
	}
	pts := FillTimeline(slots, samples, DefaultTolerance, cst)
	idx := func(hhmm string) int {
		for i, p := range pts {
			if p.Time == hhmm {
				return i
			}
		}
		t.Fatalf("slot %s missing", hhmm)
		return -1
	}
	if pts[idx("09:50")].Value != nil {
		t.Fatalf("slots before the first observation must be null")
	}
	if pts[idx("09:55")].Value != nil {
		t.Fatalf("09:58 is nearer to 10:00 and must not resolve 09:55")
	}
	if value(t, pts[idx("10:00")]) != 100 {
		t.Fatalf("expected the nearer 10:01 sample to win 10:00")
	}
	if value(t, pts[idx("10:15")]) != 100 {
		t.Fatalf("expected carry-forward of 100")
	}
	if value(t, pts[idx("13:30")]) != 101 {
		t.Fatalf("expected carry-forward of 101 to the close")
	}
}

func TestSyncKeepsOnlyTodaysValidSamples(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemorySampleStore()
	src := &fakeSource{name: "yahoo", chart: &models.ChartData{
		Source: "yahoo",
		Price:  81,
		Samples: []models.Sample{
			{InstrumentID: "2881", Timestamp: at(13, 0, 0).Add(-24 * time.Hour), Price: 79},
			{InstrumentID: "2881", Timestamp: at(9, 0, 0), Price: 80},
			{InstrumentID: "2881", Timestamp: at(9, 5, 0), Price: 0},
			{InstrumentID: "2881", Timestamp: at(9, 10, 0), Price: 81},
		},
	}}
	r := NewReconciler(store, taipeiClock(t, 5*time.Minute), WithSources(src), WithNow(fixedNow(at(9, 12, 0))))

	res, err := r.Run(ctx, "2881")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Synced || res.Chart == nil || len(res.Chart.Samples) != 2 {
		t.Fatalf("unexpected sync result %+v", res)
	}
	all, _ := store.RangeBetween(ctx, "2881", at(0, 0, 0).Add(-48*time.Hour), at(23, 59, 0))
	if len(all) != 2 {
		t.Fatalf("expected 2 stored samples, got %d", len(all))
	}
	if value(t, res.View.Points[1]) != 80 || value(t, res.View.Points[2]) != 81 {
		t.Fatalf("unexpected timeline %+v", res.View.Points[:3])
	}
}

func TestSyncFallsBackToSecondSource(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemorySampleStore()
	yahoo := &fakeSource{name: "yahoo", err: domain.ErrUpstreamUnavailable}
	google := &fakeSource{name: "google", chart: &models.ChartData{
		Source:  "google",
		Samples: []models.Sample{{InstrumentID: "2886", Timestamp: at(9, 0, 0), Price: 39.15}},
	}}
	r := NewReconciler(store, taipeiClock(t, 5*time.Minute), WithSources(yahoo, google), WithNow(fixedNow(at(10, 0, 0))))

	res, err := r.Run(ctx, "2886")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Chart == nil || res.Chart.Source != "google" || res.SyncErr != nil {
		t.Fatalf("expected google result, got %+v", res)
	}
	if value(t, res.View.Points[0]) != 39.15 {
		t.Fatalf("unexpected first slot")
	}
}

func TestSyncFailureServesStoredSamplesAsStale(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemorySampleStore()
	_ = store.Upsert(ctx, models.Sample{InstrumentID: "2881", Timestamp: at(9, 0, 0), Price: 80})
	src := &fakeSource{name: "yahoo", err: errors.New("boom")}
	r := NewReconciler(store, taipeiClock(t, 5*time.Minute), WithSources(src), WithNow(fixedNow(at(10, 0, 0))))

	res, err := r.Run(ctx, "2881")
	if err != nil {
		t.Fatalf("upstream failure must not fail the pass: %v", err)
	}
	if !errors.Is(res.SyncErr, domain.ErrUpstreamUnavailable) || !res.View.Stale {
		t.Fatalf("expected stale view with upstream error, got %+v", res)
	}
	if value(t, res.View.Points[0]) != 80 {
		t.Fatalf("expected stored sample to be served")
	}
}

func TestSyncSkippedWhenLockHeldElsewhere(t *testing.T) {
	src := &fakeSource{name: "yahoo", chart: &models.ChartData{}}
	r := NewReconciler(repository.NewMemorySampleStore(), taipeiClock(t, 5*time.Minute),
		WithSources(src), WithSyncLock(denyLock{}, time.Second), WithNow(fixedNow(at(10, 0, 0))))

	chart, err := r.Sync(context.Background(), "2881")
	if err != nil || chart != nil {
		t.Fatalf("expected silent skip, got %v %v", chart, err)
	}
	if src.calls != 0 {
		t.Fatalf("source must not be called without the lock")
	}
}

type failingRangeStore struct {
	domrepo.SampleStore
	bad string
}

func (s failingRangeStore) RangeBetween(ctx context.Context, id string, from, to time.Time) ([]models.Sample, error) {
	if id == s.bad {
		return nil, errors.New("disk on fire")
	}
	return s.SampleStore.RangeBetween(ctx, id, from, to)
}

func TestReconcileBatchIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemorySampleStore()
	for _, id := range []string{"2880", "2881", "2882"} {
		_ = mem.Upsert(ctx, models.Sample{InstrumentID: id, Timestamp: at(9, 0, 0), Price: 10})
	}
	r := NewReconciler(failingRangeStore{SampleStore: mem, bad: "2881"}, taipeiClock(t, 5*time.Minute),
		WithMaxConcurrency(2), WithNow(fixedNow(at(14, 0, 0))))

	got := r.ReconcileBatch(ctx, []string{"2880", "2881", "2882"})
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if _, ok := got["2881"]; ok {
		t.Fatalf("failing instrument must be absent")
	}
	if value(t, got["2882"].View.Points[0]) != 10 {
		t.Fatalf("unexpected 2882 timeline")
	}
}

func TestTimelineForPastDateDoesNotSync(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemorySampleStore()
	_ = store.Upsert(ctx, models.Sample{InstrumentID: "2881", Timestamp: at(9, 0, 0).Add(-24 * time.Hour), Price: 77})
	src := &fakeSource{name: "yahoo", err: errors.New("unused")}
	r := NewReconciler(store, taipeiClock(t, 5*time.Minute), WithSources(src), WithNow(fixedNow(at(10, 0, 0))))

	view, err := r.Timeline(ctx, "2881", "2024-06-10")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if src.calls != 0 || view.Date != "2024-06-10" || value(t, view.Points[54]) != 77 {
		t.Fatalf("unexpected view %+v calls=%d", view, src.calls)
	}
}

func TestClosedSessionSyncIsThrottled(t *testing.T) {
	ctx := context.Background()
	friday := time.Date(2024, 6, 14, 13, 25, 0, 0, cst)
	src := &fakeSource{name: "yahoo", chart: &models.ChartData{
		Source: "yahoo", Price: 80,
		Samples: []models.Sample{{InstrumentID: "2881", Timestamp: friday, Price: 80}},
	}}
	now := time.Date(2024, 6, 15, 10, 0, 0, 0, cst) // Saturday
	r := NewReconciler(repository.NewMemorySampleStore(), taipeiClock(t, 5*time.Minute),
		WithSources(src), WithNow(func() time.Time { return now }))

	for i := 0; i < 20; i++ {
		if _, err := r.Run(ctx, "2881"); err != nil {
			t.Fatalf("run: %v", err)
		}
		now = now.Add(3 * time.Second)
	}
	if got := atomic.LoadInt32(&src.calls); got != 1 {
		t.Fatalf("expected one upstream call in a closed minute, got %d", got)
	}

	now = now.Add(DefaultClosedSync)
	if _, err := r.Run(ctx, "2881"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := atomic.LoadInt32(&src.calls); got != 2 {
		t.Fatalf("expected a resync after the closed interval, got %d", got)
	}
}

func TestOpenSessionSyncIsNotThrottled(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "yahoo", chart: &models.ChartData{
		Source:  "yahoo",
		Samples: []models.Sample{{InstrumentID: "2881", Timestamp: at(9, 55, 0), Price: 80}},
	}}
	now := at(10, 0, 0)
	r := NewReconciler(repository.NewMemorySampleStore(), taipeiClock(t, 5*time.Minute),
		WithSources(src), WithNow(func() time.Time { return now }))
	for i := 0; i < 3; i++ {
		if _, err := r.Run(ctx, "2881"); err != nil {
			t.Fatalf("run: %v", err)
		}
		now = now.Add(3 * time.Second)
	}
	if got := atomic.LoadInt32(&src.calls); got != 3 {
		t.Fatalf("open session should sync every pass, got %d", got)
	}
}

type gatedSource struct {
	started chan struct{}
	release chan struct{}
	seen    chan error
}

func (g *gatedSource) Name() string { return "gated" }

func (g *gatedSource) FetchIntraday(ctx context.Context, id string) (*models.ChartData, error) {
	close(g.started)
	<-g.release
	err := ctx.Err()
	g.seen <- err
	if err != nil {
		return nil, err
	}
	return &models.ChartData{InstrumentID: id, Source: "gated", Samples: []models.Sample{
		{InstrumentID: id, Timestamp: at(9, 55, 0), Price: 81},
	}}, nil
}

func TestSyncOutlivesCancelledCaller(t *testing.T) {
	store := repository.NewMemorySampleStore()
	src := &gatedSource{started: make(chan struct{}), release: make(chan struct{}), seen: make(chan error, 1)}
	r := NewReconciler(store, taipeiClock(t, 5*time.Minute), WithSources(src), WithNow(fixedNow(at(10, 0, 0))))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Sync(ctx, "2881")
		errCh <- err
	}()
	<-src.started
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller should get context.Canceled, got %v", err)
	}

	close(src.release)
	if err := <-src.seen; err != nil {
		t.Fatalf("shared fetch was cancelled with its caller: %v", err)
	}
	for i := 0; i < 200; i++ {
		if latest, _ := store.Latest(context.Background(), "2881"); latest != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("samples of the shared fetch were never stored")
}
