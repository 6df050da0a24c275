package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"FHCElite/internal/domain/repository"
	applogger "FHCElite/pkg/logger"
	"FHCElite/pkg/queue"
)

const (
	DefaultRetention = 24 * time.Hour

	JobTypePurge = "samples.purge"
	JobTypeSync  = "samples.sync"
)

// RetentionJob purges samples older than the retention horizon.
type RetentionJob struct {
	store     repository.SampleStore
	retention time.Duration
	metrics   repository.Metrics
	logger    *applogger.Logger
	now       func() time.Time
}

func NewRetentionJob(store repository.SampleStore, retention time.Duration, metrics repository.Metrics, l *applogger.Logger) *RetentionJob {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if l == nil {
		l = applogger.NewNop()
	}
	return &RetentionJob{store: store, retention: retention, metrics: metrics, logger: l, now: time.Now}
}

// Run purges with the configured horizon.
func (j *RetentionJob) Run(ctx context.Context) (int64, error) {
	return j.PurgeOlderThan(ctx, j.retention)
}

// PurgeOlderThan deletes every sample with timestamp < now-retention.
func (j *RetentionJob) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = j.retention
	}
	cutoff := j.now().Add(-retention)
	n, err := j.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		j.metrics.RecordError("purge")
		return 0, fmt.Errorf("purge before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	j.metrics.RecordPurged(n)
	j.logger.Info("samples purged",
		applogger.Int64("deleted", n),
		applogger.Time("cutoff", cutoff),
	)
	return n, nil
}

// Schedule runs the purge every interval until ctx is done.
func (j *RetentionJob) Schedule(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Hour
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := j.Run(ctx); err != nil {
				j.logger.Error("scheduled purge failed", applogger.Error(err))
			}
		}
	}
}

// PurgePayload is the body of a samples.purge queue message.
type PurgePayload struct {
	RetentionHours int `json:"retentionHours"`
}

// SyncPayload is the body of a samples.sync queue message. An empty list
// means the whole universe.
type SyncPayload struct {
	InstrumentIDs []string `json:"instrumentIds"`
}

// DedupeKey collapses repeated sync requests for the same instrument set.
func (p SyncPayload) DedupeKey() string {
	ids := append([]string(nil), p.InstrumentIDs...)
	sort.Strings(ids)
	if len(ids) == 0 {
		return JobTypeSync + ":all"
	}
	return JobTypeSync + ":" + strings.Join(ids, ",")
}

// PurgeQueueJob runs the retention purge from the maintenance queue.
type PurgeQueueJob struct{ job *RetentionJob }

func NewPurgeQueueJob(job *RetentionJob) *PurgeQueueJob { return &PurgeQueueJob{job: job} }

func (q *PurgeQueueJob) Name() string { return "retention purge" }
func (q *PurgeQueueJob) Type() string { return JobTypePurge }

func (q *PurgeQueueJob) Handle(ctx context.Context, payload json.RawMessage) error {
	p, err := queue.Decode[PurgePayload](payload)
	if err != nil {
		return err
	}
	retention := q.job.retention
	if p.RetentionHours > 0 {
		retention = time.Duration(p.RetentionHours) * time.Hour
	}
	_, err = q.job.PurgeOlderThan(ctx, retention)
	return err
}

// SyncQueueJob refreshes instruments on the quote board from the queue.
type SyncQueueJob struct{ board *QuoteBoard }

func NewSyncQueueJob(board *QuoteBoard) *SyncQueueJob { return &SyncQueueJob{board: board} }

func (q *SyncQueueJob) Name() string { return "instrument sync" }
func (q *SyncQueueJob) Type() string { return JobTypeSync }

func (q *SyncQueueJob) Handle(ctx context.Context, payload json.RawMessage) error {
	p, err := queue.Decode[SyncPayload](payload)
	if err != nil {
		return err
	}
	ids := p.InstrumentIDs
	if len(ids) == 0 {
		q.board.RefreshAll(ctx)
		return nil
	}
	for _, id := range ids {
		if _, err := q.board.Refresh(ctx, id); err != nil {
			q.board.logger.Warn("queued sync failed", applogger.String("instrument", id), applogger.Error(err))
		}
	}
	return nil
}

var (
	_ queue.Job = (*PurgeQueueJob)(nil)
	_ queue.Job = (*SyncQueueJob)(nil)
)
