package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderIsSingleton(t *testing.T) {
	if New() != New() {
		t.Fatalf("expected the same recorder")
	}
}

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.RecordSynced("chart", "2881", 3)
	r.RecordSynced("chart", "2881", 2)
	if got := testutil.ToFloat64(r.samplesSynced.WithLabelValues("chart", "2881")); got != 5 {
		t.Fatalf("synced = %v, want 5", got)
	}
	before := testutil.ToFloat64(r.purged)
	r.RecordPurged(0)
	r.RecordPurged(4)
	if got := testutil.ToFloat64(r.purged) - before; got != 4 {
		t.Fatalf("purged delta = %v, want 4", got)
	}
	r.RecordLastPrice("2886", 39.15)
	if got := testutil.ToFloat64(r.lastPrice.WithLabelValues("2886")); got != 39.15 {
		t.Fatalf("last price = %v", got)
	}
}
