package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"FHCElite/internal/domain/models"
	domrepo "FHCElite/internal/domain/repository"
	"FHCElite/internal/repository"
	pkgkafka "FHCElite/pkg/kafka"
)

// KafkaSamplesHandler ingests sample events from the samples topic into the
// store, so a replica without upstream access can mirror another's syncs.
type KafkaSamplesHandler struct {
	topic   string
	store   domrepo.SampleStore
	metrics domrepo.Metrics
}

func NewKafkaSamplesHandler(topic string, store domrepo.SampleStore, metrics domrepo.Metrics) *KafkaSamplesHandler {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &KafkaSamplesHandler{topic: topic, store: store, metrics: metrics}
}

func (h *KafkaSamplesHandler) Topic() string { return h.topic }

// Handle accepts a single event or an array of events: {id, t, c, v}.
func (h *KafkaSamplesHandler) Handle(ctx context.Context, b []byte) error {
	var events []repository.SampleEvent
	if len(b) > 0 && b[0] == '[' {
		if err := json.Unmarshal(b, &events); err != nil {
			h.metrics.RecordError("consumer_unmarshal")
			return err
		}
	} else {
		var e repository.SampleEvent
		if err := json.Unmarshal(b, &e); err != nil {
			h.metrics.RecordError("consumer_unmarshal")
			return err
		}
		events = append(events, e)
	}

	samples := make([]models.Sample, 0, len(events))
	for _, e := range events {
		ts := e.T
		if ts < 1e11 { // seconds
			ts *= 1000
		}
		s := models.Sample{
			InstrumentID: e.InstrumentID,
			Timestamp:    time.UnixMilli(ts).UTC(),
			Price:        e.C,
			Volume:       e.V,
		}
		if !s.Valid() {
			h.metrics.RecordError("consumer_invalid")
			continue
		}
		h.metrics.RecordLatency("ingest_e2e_seconds", time.Since(s.Timestamp).Seconds())
		samples = append(samples, s)
	}
	if len(samples) == 0 {
		return nil
	}

	start := time.Now()
	res := h.store.UpsertBatch(ctx, samples)
	h.metrics.RecordLatency("store_upsert_seconds", time.Since(start).Seconds())
	if res.Failed > 0 {
		h.metrics.RecordError("consumer_store")
		return fmt.Errorf("stored %d of %d samples: %v", res.Stored, len(samples), res.Errors[0])
	}
	h.metrics.RecordSynced("kafka", samples[0].InstrumentID, res.Stored)
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaSamplesHandler)(nil)
