package repository

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"

	"FHCElite/internal/domain/models"
	pkgkafka "FHCElite/pkg/kafka"
)

type captureWriter struct{ msgs []kafka.Message }

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}
func (w *captureWriter) Close() error { return nil }

func TestKafkaPublisherKeysByInstrument(t *testing.T) {
	w := &captureWriter{}
	p := NewKafkaPublisher(pkgkafka.NewProducerWithWriter(w, "gzip"), "quotes", "samples")
	ctx := context.Background()

	if err := p.PublishQuote(ctx, &models.Quote{InstrumentID: "2881", Price: 80.5}); err != nil {
		t.Fatalf("publish quote: %v", err)
	}
	if err := p.PublishSamples(ctx, []models.Sample{sample("2886", 0, 39.15)}); err != nil {
		t.Fatalf("publish samples: %v", err)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(w.msgs))
	}
	if w.msgs[0].Topic != "quotes" || string(w.msgs[0].Key) != "2881" {
		t.Fatalf("unexpected quote message %+v", w.msgs[0])
	}
	var ev SampleEvent
	if err := json.Unmarshal(w.msgs[1].Value, &ev); err != nil {
		t.Fatalf("decode sample event: %v", err)
	}
	if w.msgs[1].Topic != "samples" || ev.InstrumentID != "2886" || ev.C != 39.15 || ev.T != base.UnixMilli() {
		t.Fatalf("unexpected sample event %+v", ev)
	}
}
