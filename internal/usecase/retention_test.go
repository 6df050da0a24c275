package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"FHCElite/internal/domain/models"
	"FHCElite/internal/repository"
)

func TestRetentionPurgesOnlyOlderSamples(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemorySampleStore()
	now := at(12, 0, 0)
	for _, age := range []time.Duration{48 * time.Hour, 25 * time.Hour, 24*time.Hour + time.Second, 24 * time.Hour, time.Hour} {
		_ = store.Upsert(ctx, models.Sample{InstrumentID: "2881", Timestamp: now.Add(-age), Price: 1})
	}
	job := NewRetentionJob(store, 0, nil, nil)
	job.now = fixedNow(now)

	n, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 purged, got %d", n)
	}
	left, _ := store.RangeBetween(ctx, "2881", now.Add(-72*time.Hour), now.Add(time.Hour))
	if len(left) != 2 || !left[0].Timestamp.Equal(now.Add(-24*time.Hour)) {
		t.Fatalf("unexpected survivors %+v", left)
	}
}

func TestPurgeQueueJobHonoursPayload(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemorySampleStore()
	now := at(12, 0, 0)
	_ = store.Upsert(ctx, models.Sample{InstrumentID: "2881", Timestamp: now.Add(-2 * time.Hour), Price: 1})
	job := NewRetentionJob(store, 24*time.Hour, nil, nil)
	job.now = fixedNow(now)

	q := NewPurgeQueueJob(job)
	if q.Type() != JobTypePurge {
		t.Fatalf("unexpected type %s", q.Type())
	}
	if err := q.Handle(ctx, json.RawMessage(`{"retentionHours":1}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if s, _ := store.Latest(ctx, "2881"); s != nil {
		t.Fatalf("expected sample purged with a 1h horizon")
	}
}

func TestSyncPayloadDedupeKeyIgnoresOrder(t *testing.T) {
	a := SyncPayload{InstrumentIDs: []string{"2886", "2881"}}.DedupeKey()
	b := SyncPayload{InstrumentIDs: []string{"2881", "2886"}}.DedupeKey()
	if a != b || a != "samples.sync:2881,2886" {
		t.Fatalf("keys %q %q", a, b)
	}
	if got := (SyncPayload{}).DedupeKey(); got != "samples.sync:all" {
		t.Fatalf("empty payload key %q", got)
	}
}
