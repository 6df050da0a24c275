package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"FHCElite/internal/domain/models"
	"FHCElite/internal/domain/repository"
)

// MemorySampleStore keeps one sorted series per instrument. The outer lock only
// guards the series map; writes to different instruments proceed in parallel.
type MemorySampleStore struct {
	mu     sync.RWMutex
	series map[string]*memSeries
}

type memSeries struct {
	mu      sync.RWMutex
	samples []models.Sample // ascending by Timestamp, unique
}

func NewMemorySampleStore() *MemorySampleStore {
	return &MemorySampleStore{series: make(map[string]*memSeries)}
}

var _ repository.SampleStore = (*MemorySampleStore)(nil)

func (s *MemorySampleStore) get(id string, create bool) *memSeries {
	s.mu.RLock()
	ser := s.series[id]
	s.mu.RUnlock()
	if ser != nil || !create {
		return ser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ser = s.series[id]; ser == nil {
		ser = &memSeries{}
		s.series[id] = ser
	}
	return ser
}

func (s *MemorySampleStore) Upsert(ctx context.Context, sm models.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !sm.Valid() {
		return fmt.Errorf("upsert %s: invalid sample", sm.InstrumentID)
	}
	sm.Timestamp = sm.Timestamp.UTC()
	ser := s.get(sm.InstrumentID, true)
	ser.mu.Lock()
	defer ser.mu.Unlock()
	i := sort.Search(len(ser.samples), func(i int) bool {
		return !ser.samples[i].Timestamp.Before(sm.Timestamp)
	})
	if i < len(ser.samples) && ser.samples[i].Timestamp.Equal(sm.Timestamp) {
		ser.samples[i] = sm
		return nil
	}
	ser.samples = append(ser.samples, models.Sample{})
	copy(ser.samples[i+1:], ser.samples[i:])
	ser.samples[i] = sm
	return nil
}

func (s *MemorySampleStore) UpsertBatch(ctx context.Context, samples []models.Sample) repository.BatchResult {
	var res repository.BatchResult
	for _, sm := range samples {
		if err := s.Upsert(ctx, sm); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Stored++
	}
	return res
}

func (s *MemorySampleStore) Latest(ctx context.Context, instrumentID string) (*models.Sample, error) {
	ser := s.get(instrumentID, false)
	if ser == nil {
		return nil, nil
	}
	ser.mu.RLock()
	defer ser.mu.RUnlock()
	if len(ser.samples) == 0 {
		return nil, nil
	}
	last := ser.samples[len(ser.samples)-1]
	return &last, nil
}

func (s *MemorySampleStore) RangeBetween(ctx context.Context, instrumentID string, from, to time.Time) ([]models.Sample, error) {
	ser := s.get(instrumentID, false)
	if ser == nil {
		return nil, nil
	}
	ser.mu.RLock()
	defer ser.mu.RUnlock()
	lo := sort.Search(len(ser.samples), func(i int) bool { return !ser.samples[i].Timestamp.Before(from) })
	hi := sort.Search(len(ser.samples), func(i int) bool { return !ser.samples[i].Timestamp.Before(to) })
	if lo >= hi {
		return nil, nil
	}
	out := make([]models.Sample, hi-lo)
	copy(out, ser.samples[lo:hi])
	return out, nil
}

func (s *MemorySampleStore) PurgeOlderThan(ctx context.Context, before time.Time) (int64, error) {
	s.mu.RLock()
	all := make([]*memSeries, 0, len(s.series))
	for _, ser := range s.series {
		all = append(all, ser)
	}
	s.mu.RUnlock()

	var n int64
	for _, ser := range all {
		ser.mu.Lock()
		cut := sort.Search(len(ser.samples), func(i int) bool { return !ser.samples[i].Timestamp.Before(before) })
		if cut > 0 {
			ser.samples = append(ser.samples[:0:0], ser.samples[cut:]...)
			n += int64(cut)
		}
		ser.mu.Unlock()
	}
	return n, nil
}

func (s *MemorySampleStore) Health(ctx context.Context) error { return nil }
func (s *MemorySampleStore) Close() error                     { return nil }
