package tsdb

import (
	"context"
	"sort"
	"sync"
	"time"
)

const defaultMaxPoints = 10000

// MemoryStore is the in-memory reference Store. Each distinct
// (metric, canonical label set) pair owns an append-only buffer capped at
// maxPoints; the oldest samples are evicted on overflow.
//
// MemoryStore is safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	series    map[string][]Point
	maxPoints int
	now       func() time.Time // injectable for deterministic tests
}

// NewMemoryStore creates a MemoryStore holding at most maxPoints samples per
// series. maxPoints <= 0 selects the default of 10,000.
func NewMemoryStore(maxPoints int) *MemoryStore {
	if maxPoints <= 0 {
		maxPoints = defaultMaxPoints
	}
	return &MemoryStore{
		series:    make(map[string][]Point),
		maxPoints: maxPoints,
		now:       time.Now,
	}
}

// Write appends a sample to the series buffer. A timestamp <= 0 is replaced
// with the current time.
func (s *MemoryStore) Write(ctx context.Context, metric string, value float64, labels map[string]string, timestamp int64) error {
	if timestamp <= 0 {
		timestamp = s.now().UnixMilli()
	}
	key := SeriesKey(metric, labels)

	s.mu.Lock()
	defer s.mu.Unlock()

	buf := append(s.series[key], Point{Timestamp: timestamp, Value: value})
	if len(buf) > s.maxPoints {
		trimmed := make([]Point, s.maxPoints)
		copy(trimmed, buf[len(buf)-s.maxPoints:])
		buf = trimmed
	}
	s.series[key] = buf
	return nil
}

// Query returns the samples of the series within [start, end], ordered by
// timestamp. An unknown series yields an empty result, not an error.
func (s *MemoryStore) Query(ctx context.Context, metric string, start, end int64, labels map[string]string) ([]Point, error) {
	key := SeriesKey(metric, labels)

	s.mu.RLock()
	buf := s.series[key]
	out := make([]Point, 0, len(buf))
	for _, p := range buf {
		if p.Timestamp >= start && p.Timestamp <= end {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// SeriesCount reports the number of distinct series currently held.
func (s *MemoryStore) SeriesCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series)
}
