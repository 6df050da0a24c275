package repository

import (
	"context"

	"FHCElite/internal/domain/models"
	"FHCElite/internal/domain/repository"
	pkgkafka "FHCElite/pkg/kafka"
)

// SampleEvent is the wire shape of a sample on the samples topic.
type SampleEvent struct {
	InstrumentID string  `json:"id"`
	T            int64   `json:"t"` // unix millis
	C            float64 `json:"c"`
	V            int64   `json:"v"`
}

// KafkaPublisher emits quotes and samples keyed by instrument id so each
// instrument stays ordered on one partition.
type KafkaPublisher struct {
	producer     *pkgkafka.Producer
	quotesTopic  string
	samplesTopic string
}

func NewKafkaPublisher(producer *pkgkafka.Producer, quotesTopic, samplesTopic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, quotesTopic: quotesTopic, samplesTopic: samplesTopic}
}

var _ repository.Publisher = (*KafkaPublisher)(nil)

func (p *KafkaPublisher) PublishQuote(ctx context.Context, q *models.Quote) error {
	return p.producer.Publish(ctx, p.quotesTopic, []byte(q.InstrumentID), q)
}

func (p *KafkaPublisher) PublishSamples(ctx context.Context, samples []models.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, len(samples))
	for i, s := range samples {
		msgs[i] = pkgkafka.Message{
			Key: []byte(s.InstrumentID),
			Value: SampleEvent{
				InstrumentID: s.InstrumentID,
				T:            s.Timestamp.UnixMilli(),
				C:            s.Price,
				V:            s.Volume,
			},
		}
	}
	return p.producer.PublishBatch(ctx, p.samplesTopic, msgs)
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// NoopPublisher drops everything. Used when Kafka is disabled.
type NoopPublisher struct{}

func (NoopPublisher) PublishQuote(context.Context, *models.Quote) error     { return nil }
func (NoopPublisher) PublishSamples(context.Context, []models.Sample) error { return nil }
func (NoopPublisher) Close() error                                          { return nil }
