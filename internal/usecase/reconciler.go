package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"FHCElite/internal/domain"
	"FHCElite/internal/domain/models"
	"FHCElite/internal/domain/repository"
	"FHCElite/internal/session"
	applogger "FHCElite/pkg/logger"
)

const (
	DefaultTolerance      = 3 * time.Minute
	DefaultMaxConcurrency = 4
	DefaultClosedSync     = 5 * time.Minute
	defaultLockTTL        = 30 * time.Second
	defaultSyncTimeout    = 30 * time.Second
)

// Reconciliation is the outcome of one reconcile pass for one instrument.
type Reconciliation struct {
	View *models.ReconciledView
	// Chart is the upstream result of the sync, nil when no sync ran or
	// every source failed.
	Chart   *models.ChartData
	Synced  bool
	SyncErr error
}

// ReconcilerOption configures Reconciler.
type ReconcilerOption func(*Reconciler)

// Reconciler decides freshness, re-fetches from upstream and builds the
// session timeline of an instrument from the stored samples.
type Reconciler struct {
	store          repository.SampleStore
	clock          *session.Clock
	sources        []repository.IntradaySource
	tolerance      time.Duration
	maxConcurrency int
	locker         repository.SyncLocker
	lockTTL        time.Duration
	closedSync     time.Duration
	syncTimeout    time.Duration
	publisher      repository.Publisher
	metrics        repository.Metrics
	logger         *applogger.Logger
	now            func() time.Time

	flight singleflight.Group

	mu         sync.Mutex
	closedSeen map[string]time.Time // last sync attempt while the session was closed
}

func WithSources(sources ...repository.IntradaySource) ReconcilerOption {
	return func(r *Reconciler) { r.sources = append(r.sources, sources...) }
}

func WithTolerance(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d >= 0 {
			r.tolerance = d
		}
	}
}

func WithMaxConcurrency(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxConcurrency = n
		}
	}
}

// WithSyncLock guards syncs across replicas. A replica that loses the race
// skips the fetch and serves what the store holds.
func WithSyncLock(l repository.SyncLocker, ttl time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.locker = l
		if ttl > 0 {
			r.lockTTL = ttl
		}
	}
}

// WithClosedSyncInterval bounds how often an instrument is synced while the
// session is closed. Zero disables the throttle.
func WithClosedSyncInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d >= 0 {
			r.closedSync = d
		}
	}
}

// WithSyncTimeout bounds one shared upstream sync.
func WithSyncTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.syncTimeout = d
		}
	}
}

func WithPublisher(p repository.Publisher) ReconcilerOption {
	return func(r *Reconciler) { r.publisher = p }
}

func WithMetrics(m repository.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func WithLogger(l *applogger.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

// WithNow overrides the clock source. Tests only.
func WithNow(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(store repository.SampleStore, clock *session.Clock, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:          store,
		clock:          clock,
		tolerance:      DefaultTolerance,
		maxConcurrency: DefaultMaxConcurrency,
		lockTTL:        defaultLockTTL,
		closedSync:     DefaultClosedSync,
		syncTimeout:    defaultSyncTimeout,
		closedSeen:     make(map[string]time.Time),
		metrics:        NopMetrics{},
		logger:         applogger.NewNop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Clock returns the session clock the reconciler builds timelines on.
func (r *Reconciler) Clock() *session.Clock { return r.clock }

// Now is the reconciler's notion of the current instant.
func (r *Reconciler) Now() time.Time { return r.now() }

// NeedsSync reports whether upstream must be consulted: nothing stored yet,
// the latest sample is from another local date, or the session is open.
func (r *Reconciler) NeedsSync(latest *models.Sample, now time.Time) bool {
	if latest == nil {
		return true
	}
	if !r.clock.SameDay(latest.Timestamp, r.clock.Today(now)) {
		return true
	}
	return r.clock.IsOpen(now)
}

// admitSync throttles syncs while the session is closed: an instrument is
// re-fetched at most once per closedSync until the session opens.
func (r *Reconciler) admitSync(instrumentID string, now time.Time) bool {
	if r.closedSync <= 0 || r.clock.IsOpen(now) {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.closedSeen[instrumentID]; ok && now.Sub(last) < r.closedSync && !now.Before(last) {
		return false
	}
	r.closedSeen[instrumentID] = now
	return true
}

// Reconcile returns today's timeline for instrumentID.
func (r *Reconciler) Reconcile(ctx context.Context, instrumentID string) (*models.ReconciledView, error) {
	res, err := r.Run(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	return res.View, nil
}

// Run executes latest, sync, range read and timeline fill strictly in that
// order. Upstream failures are logged and never fail the pass; only a store
// read failure does.
func (r *Reconciler) Run(ctx context.Context, instrumentID string) (*Reconciliation, error) {
	start := time.Now()
	defer func() { r.metrics.RecordLatency("reconcile", time.Since(start).Seconds()) }()

	now := r.now()
	today := r.clock.Today(now)
	res := &Reconciliation{}

	latest, err := r.store.Latest(ctx, instrumentID)
	if err != nil {
		r.metrics.RecordError("store_latest")
		r.logger.Warn("latest sample lookup failed",
			applogger.String("instrument", instrumentID),
			applogger.Error(err),
		)
		latest = nil
	}

	if r.NeedsSync(latest, now) && r.admitSync(instrumentID, now) {
		res.Synced = true
		res.Chart, res.SyncErr = r.Sync(ctx, instrumentID)
		if res.SyncErr != nil {
			r.logger.Warn("sync failed, serving stored samples",
				applogger.String("instrument", instrumentID),
				applogger.Error(res.SyncErr),
			)
		}
	}

	view, err := r.Timeline(ctx, instrumentID, today)
	if err != nil {
		return nil, err
	}
	view.GeneratedAt = now
	view.Stale = res.SyncErr != nil
	if last := view.LastValue(); last > 0 {
		r.metrics.RecordLastPrice(instrumentID, last)
	}
	res.View = view
	return res, nil
}

// Timeline builds the session timeline of date from stored samples only.
func (r *Reconciler) Timeline(ctx context.Context, instrumentID, date string) (*models.ReconciledView, error) {
	samples, err := repository.RangeForDate(ctx, r.store, r.clock, instrumentID, date)
	if err != nil {
		r.metrics.RecordError("store_range")
		return nil, fmt.Errorf("range %s on %s: %w", instrumentID, date, err)
	}
	slots, err := r.clock.Slots(date)
	if err != nil {
		return nil, err
	}
	return &models.ReconciledView{
		InstrumentID: instrumentID,
		Date:         date,
		Points:       FillTimeline(slots, samples, r.tolerance, r.clock.Location()),
		GeneratedAt:  r.now(),
	}, nil
}

// Sync fetches today's samples and upserts them. Concurrent syncs of the
// same instrument share one upstream call, detached from any one caller's
// cancellation. Sources are tried in order until one yields samples for today.
func (r *Reconciler) Sync(ctx context.Context, instrumentID string) (*models.ChartData, error) {
	ch := r.flight.DoChan(instrumentID, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.syncTimeout)
		defer cancel()
		return r.syncOnce(sctx, instrumentID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Val == nil {
			return nil, res.Err
		}
		return res.Val.(*models.ChartData), res.Err
	}
}

func (r *Reconciler) syncOnce(ctx context.Context, instrumentID string) (*models.ChartData, error) {
	if len(r.sources) == 0 {
		return nil, fmt.Errorf("%s: no intraday source configured: %w", instrumentID, domain.ErrUpstreamUnavailable)
	}
	if r.locker != nil {
		key := "sync:" + instrumentID
		ok, err := r.locker.TryLock(ctx, key, r.lockTTL)
		if err != nil {
			r.logger.Warn("sync lock unavailable, syncing anyway",
				applogger.String("instrument", instrumentID),
				applogger.Error(err),
			)
		} else if !ok {
			r.logger.Debug("sync held by another replica", applogger.String("instrument", instrumentID))
			return nil, nil
		} else {
			defer func() {
				if err := r.locker.Unlock(context.WithoutCancel(ctx), key); err != nil {
					r.logger.Warn("sync unlock failed", applogger.String("instrument", instrumentID), applogger.Error(err))
				}
			}()
		}
	}

	today := r.clock.Today(r.now())
	var (
		fallback *models.ChartData
		errs     []error
	)
	for _, src := range r.sources {
		chart, err := src.FetchIntraday(ctx, instrumentID)
		if err != nil {
			r.metrics.RecordError("fetch_" + src.Name())
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		kept := r.todaySamples(chart.Samples, today)
		if len(kept) == 0 {
			if fallback == nil && chart.Price > 0 {
				fallback = chart
			}
			continue
		}

		result := r.store.UpsertBatch(ctx, kept)
		for _, e := range result.Errors {
			r.logger.Warn("sample upsert failed",
				applogger.String("instrument", instrumentID),
				applogger.String("source", src.Name()),
				applogger.Error(e),
			)
		}
		if result.Failed > 0 {
			r.metrics.RecordError("store_upsert")
		}
		r.metrics.RecordSynced(src.Name(), instrumentID, result.Stored)
		r.logger.Debug("instrument synced",
			applogger.String("instrument", instrumentID),
			applogger.String("source", src.Name()),
			applogger.Int("stored", result.Stored),
			applogger.Int("failed", result.Failed),
		)
		if r.publisher != nil {
			if err := r.publisher.PublishSamples(ctx, kept); err != nil {
				r.metrics.RecordError("publish_samples")
				r.logger.Warn("sample publish failed", applogger.String("instrument", instrumentID), applogger.Error(err))
			}
		}

		out := *chart
		out.Samples = kept
		return &out, nil
	}

	if fallback != nil {
		out := *fallback
		out.Samples = nil
		return &out, nil
	}
	if len(errs) == 0 {
		return nil, nil
	}
	return nil, fmt.Errorf("%s: %w: %w", instrumentID, domain.ErrUpstreamUnavailable, errors.Join(errs...))
}

func (r *Reconciler) todaySamples(in []models.Sample, today string) []models.Sample {
	out := make([]models.Sample, 0, len(in))
	for _, s := range in {
		if s.Valid() && r.clock.SameDay(s.Timestamp, today) {
			out = append(out, s)
		}
	}
	return out
}

// ReconcileBatch reconciles ids concurrently, at most maxConcurrency at a
// time. A failing instrument is logged and left out of the result; it never
// cancels the others.
func (r *Reconciler) ReconcileBatch(ctx context.Context, ids []string) map[string]*Reconciliation {
	out := make(map[string]*Reconciliation, len(ids))
	results := make([]*Reconciliation, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			res, err := r.Run(gctx, id)
			if err != nil {
				r.metrics.RecordError("reconcile")
				r.logger.Error("reconcile failed", applogger.String("instrument", id), applogger.Error(err))
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range ids {
		if results[i] != nil {
			out[id] = results[i]
		}
	}
	return out
}

// FillTimeline resolves every slot from samples. A sample belongs only to its
// nearest slot (the earlier one on an exact midpoint) and only when it is
// within tolerance of it. Among samples of one slot the nearest wins, the
// earlier sample on a tie. Unresolved slots carry the previous value forward,
// or stay null before the first observation. Samples must be ascending.
func FillTimeline(slots []time.Time, samples []models.Sample, tolerance time.Duration, loc *time.Location) []models.TimelinePoint {
	if loc == nil {
		loc = time.UTC
	}
	best := make([]int, len(slots))
	dist := make([]time.Duration, len(slots))
	for i := range best {
		best[i] = -1
	}

	for si, s := range samples {
		idx := nearestSlot(slots, s.Timestamp)
		if idx < 0 {
			continue
		}
		d := absDuration(s.Timestamp.Sub(slots[idx]))
		if d > tolerance {
			continue
		}
		if best[idx] < 0 || d < dist[idx] {
			best[idx] = si
			dist[idx] = d
		}
	}

	points := make([]models.TimelinePoint, len(slots))
	var carry *float64
	for i, slot := range slots {
		if best[i] >= 0 {
			p := samples[best[i]].Price
			carry = &p
		}
		var v *float64
		if carry != nil {
			p := *carry
			v = &p
		}
		points[i] = models.TimelinePoint{
			Time:      slot.In(loc).Format(session.SlotLayout),
			Value:     v,
			Timestamp: slot,
		}
	}
	return points
}

// nearestSlot returns the index of the slot closest to t, the earlier on a
// tie, or -1 when there are no slots.
func nearestSlot(slots []time.Time, t time.Time) int {
	if len(slots) == 0 {
		return -1
	}
	i := sort.Search(len(slots), func(i int) bool { return !slots[i].Before(t) })
	switch {
	case i == 0:
		return 0
	case i == len(slots):
		return len(slots) - 1
	}
	if t.Sub(slots[i-1]) <= slots[i].Sub(t) {
		return i - 1
	}
	return i
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) RecordSynced(string, string, int) {}
func (NopMetrics) RecordError(string)               {}
func (NopMetrics) RecordLastPrice(string, float64)  {}
func (NopMetrics) RecordLatency(string, float64)    {}
func (NopMetrics) RecordStale(string)               {}
func (NopMetrics) RecordPurged(int64)               {}

var _ repository.Metrics = NopMetrics{}
