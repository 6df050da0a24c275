package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"FHCElite/internal/domain"
	"FHCElite/internal/domain/models"
	"FHCElite/internal/middleware"
	"FHCElite/internal/repository"
	"FHCElite/internal/service/ratelimit"
	"FHCElite/internal/session"
	"FHCElite/internal/usecase"
	"FHCElite/pkg/cache"
	httpmw "FHCElite/pkg/http/middleware"
	xlogger "FHCElite/pkg/logger"
)

var cst = time.FixedZone("CST", 8*3600)

type stubSource struct{ calls int }

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) FetchIntraday(_ context.Context, id string) (*models.ChartData, error) {
	s.calls++
	if id != "2881" {
		return nil, domain.ErrUpstreamUnavailable
	}
	return &models.ChartData{
		InstrumentID:  id,
		Source:        "stub",
		Price:         81,
		PreviousClose: 80,
		Samples: []models.Sample{
			{InstrumentID: id, Timestamp: time.Date(2024, 6, 11, 9, 1, 0, 0, cst), Price: 80.5},
			{InstrumentID: id, Timestamp: time.Date(2024, 6, 11, 9, 55, 0, 0, cst), Price: 81},
		},
	}, nil
}

type stubSummarizer struct{}

func (stubSummarizer) Summarize(context.Context, models.SummaryRequest) (*models.SummaryResponse, error) {
	return &models.SummaryResponse{Summary: "ok", SentimentScore: 10, Highlight: "h"}, nil
}

type envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, limiter httpmw.Allower) (*echo.Echo, *repository.MemorySampleStore, *stubSource) {
	t.Helper()
	clock, err := session.New(session.Config{Location: cst, Open: "09:00", Close: "13:30", Step: 5 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	now := func() time.Time { return time.Date(2024, 6, 11, 10, 0, 0, 0, cst) }
	store := repository.NewMemorySampleStore()
	src := &stubSource{}
	mc := cache.NewMemoryCache()
	t.Cleanup(func() { _ = mc.Close() })

	r := usecase.NewReconciler(store, clock, usecase.WithSources(src), usecase.WithNow(now))
	board := usecase.NewQuoteBoard(r, mc, usecase.WithBoardNow(now))
	h := NewFHCEchoHandler(xlogger.NewNop(), r, board,
		usecase.NewRetentionJob(store, time.Hour, nil, nil),
		usecase.NewNewsSummary(stubSummarizer{}, mc, time.Minute, nil),
		middleware.NewQuoteHub(usecase.NopMetrics{}),
		limiter,
	)
	e := echo.New()
	h.RegisterRoutes(e)
	return e, store, src
}

func do(t *testing.T, e *echo.Echo, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %s %s: %v (%s)", method, target, err, rec.Body.String())
	}
	return rec, env
}

func TestIntradayRequiresStockID(t *testing.T) {
	e, _, src := newTestServer(t, nil)
	rec, _ := do(t, e, http.MethodGet, "/api/stock-prices/intraday", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if src.calls != 0 {
		t.Fatalf("invalid request reached upstream")
	}
}

func TestIntradayReturnsFullSession(t *testing.T) {
	e, _, src := newTestServer(t, nil)
	rec, env := do(t, e, http.MethodGet, "/api/stock-prices/intraday?stockId=2881", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var points []models.TimelinePoint
	if err := json.Unmarshal(env.Data, &points); err != nil {
		t.Fatal(err)
	}
	if len(points) != 55 {
		t.Fatalf("expected 55 slots, got %d", len(points))
	}
	if points[0].Time != "09:00" || points[0].Value == nil || *points[0].Value != 80.5 {
		t.Fatalf("first slot = %+v", points[0])
	}
	if last := points[54]; last.Time != "13:30" || last.Value == nil || *last.Value != 81 {
		t.Fatalf("last slot should carry 81, got %+v", last)
	}
	if src.calls != 1 {
		t.Fatalf("expected one sync, got %d", src.calls)
	}
	if rec.Header().Get("X-Data-Stale") != "" {
		t.Fatalf("fresh timeline marked stale")
	}
}

func TestIntradayPastDateReadsStoreOnly(t *testing.T) {
	e, store, src := newTestServer(t, nil)
	_ = store.Upsert(context.Background(), models.Sample{
		InstrumentID: "2881", Timestamp: time.Date(2024, 6, 10, 13, 29, 0, 0, cst), Price: 79,
	})
	rec, env := do(t, e, http.MethodGet, "/api/stock-prices/intraday?stockId=2881&date=2024-06-10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var points []models.TimelinePoint
	_ = json.Unmarshal(env.Data, &points)
	if len(points) != 55 || points[54].Value == nil || *points[54].Value != 79 {
		t.Fatalf("unexpected past timeline tail %+v", points[len(points)-1])
	}
	if src.calls != 0 {
		t.Fatalf("past date must not sync")
	}
}

func TestQuoteUnknownInstrumentIsNotFound(t *testing.T) {
	e, _, _ := newTestServer(t, nil)
	rec, _ := do(t, e, http.MethodGet, "/api/quotes/9999", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, env := do(t, e, http.MethodGet, "/api/quotes/2881", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var q models.Quote
	_ = json.Unmarshal(env.Data, &q)
	if q.Price != 81 || q.PreviousClose != 80 {
		t.Fatalf("unexpected quote %+v", q)
	}
}

func TestPurgeDeletesOldSamples(t *testing.T) {
	e, store, _ := newTestServer(t, nil)
	ctx := context.Background()
	for _, ts := range []time.Time{
		time.Date(2020, 1, 2, 9, 0, 0, 0, cst),
		time.Date(2020, 1, 2, 9, 5, 0, 0, cst),
	} {
		if err := store.Upsert(ctx, models.Sample{InstrumentID: "2886", Timestamp: ts, Price: 39}); err != nil {
			t.Fatal(err)
		}
	}
	rec, env := do(t, e, http.MethodPost, "/api/maintenance/purge", `{"retentionHours": 1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]int64
	_ = json.Unmarshal(env.Data, &out)
	if out["deleted"] != 2 {
		t.Fatalf("expected 2 deleted, got %v", out)
	}
	if latest, _ := store.Latest(ctx, "2886"); latest != nil {
		t.Fatalf("samples survived purge")
	}

	rec, _ = do(t, e, http.MethodPost, "/api/maintenance/purge", `{"retentionHours": 9999}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range retention, got %d", rec.Code)
	}
}

func TestSummaryIsRateLimited(t *testing.T) {
	e, _, _ := newTestServer(t, ratelimit.New(1, 0))
	body := `{"stockName":"富邦金","stockId":"2881"}`

	rec, env := do(t, e, http.MethodPost, "/api/ai-summary", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var s models.SummaryResponse
	_ = json.Unmarshal(env.Data, &s)
	if s.Summary != "ok" {
		t.Fatalf("unexpected summary %+v", s)
	}

	rec, _ = do(t, e, http.MethodPost, "/api/ai-summary", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestRealtimeWithoutSnapshotSourceIsUpstreamError(t *testing.T) {
	e, _, _ := newTestServer(t, nil)
	rec, _ := do(t, e, http.MethodGet, "/api/stock-prices/realtime", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestIntradayTodayIsServedFromBoard(t *testing.T) {
	e, _, src := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		rec, _ := do(t, e, http.MethodGet, "/api/stock-prices/intraday?stockId=2881", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
	if src.calls != 1 {
		t.Fatalf("reads within quote_ttl should share one upstream call, got %d", src.calls)
	}
	rec, _ := do(t, e, http.MethodGet, "/api/stock-prices/intraday?stockId=2881&date=2024-06-11", "")
	if rec.Code != http.StatusOK || src.calls != 1 {
		t.Fatalf("explicit today should be served from the board too, calls=%d", src.calls)
	}
}

func TestIntradayNeverPricedInstrumentIsNullSession(t *testing.T) {
	e, _, _ := newTestServer(t, nil)
	rec, env := do(t, e, http.MethodGet, "/api/stock-prices/intraday?stockId=9999", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var points []models.TimelinePoint
	_ = json.Unmarshal(env.Data, &points)
	if len(points) != 55 || points[0].Value != nil {
		t.Fatalf("expected an all-null session, got %+v", points)
	}
	if rec.Header().Get("X-Data-Stale") != "true" {
		t.Fatalf("upstream failure should be flagged stale")
	}
}

func TestIndicesWithoutSourceIsUpstreamError(t *testing.T) {
	e, _, _ := newTestServer(t, nil)
	rec, _ := do(t, e, http.MethodGet, "/api/market-indices", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}
