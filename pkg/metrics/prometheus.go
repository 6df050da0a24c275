package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements the domain Metrics interface using Prometheus.
type Recorder struct {
	samplesSynced *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	lastPrice     *prometheus.GaugeVec
	latency       *prometheus.HistogramVec
	staleServed   *prometheus.CounterVec
	purged        prometheus.Counter
}

var (
	once     sync.Once
	recorder *Recorder
)

// New returns the process-wide recorder. Collectors are registered once.
func New() *Recorder {
	once.Do(func() {
		recorder = &Recorder{
			samplesSynced: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fhcelite_samples_synced_total",
					Help: "Samples stored per upstream source",
				},
				[]string{"source", "instrument"},
			),
			errorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fhcelite_errors_total",
					Help: "Total number of errors encountered",
				},
				[]string{"type"},
			),
			lastPrice: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "fhcelite_last_price",
					Help: "Last resolved price of an instrument",
				},
				[]string{"instrument"},
			),
			latency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "fhcelite_operation_duration_seconds",
					Help:    "Duration of operations in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"operation"},
			),
			staleServed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fhcelite_stale_served_total",
					Help: "Quotes served from the last good value after a failed refresh",
				},
				[]string{"instrument"},
			),
			purged: promauto.NewCounter(prometheus.CounterOpts{
				Name: "fhcelite_samples_purged_total",
				Help: "Samples removed by the retention job",
			}),
		}
	})
	return recorder
}

// RecordSynced records samples stored from an upstream source.
func (r *Recorder) RecordSynced(source, instrumentID string, stored int) {
	r.samplesSynced.WithLabelValues(source, instrumentID).Add(float64(stored))
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLastPrice records the last price for an instrument.
func (r *Recorder) RecordLastPrice(instrumentID string, price float64) {
	r.lastPrice.WithLabelValues(instrumentID).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) RecordStale(instrumentID string) {
	r.staleServed.WithLabelValues(instrumentID).Inc()
}

func (r *Recorder) RecordPurged(n int64) {
	if n > 0 {
		r.purged.Add(float64(n))
	}
}
