package tsdb

import (
	"context"
	"sort"
	"strings"
)

// Point is a single metric sample. Timestamps are Unix milliseconds.
type Point struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Store is the time-series backend boundary. Query returns points in
// chronological order, inclusive of both bounds.
type Store interface {
	Query(ctx context.Context, metric string, start, end int64, labels map[string]string) ([]Point, error)
	Write(ctx context.Context, metric string, value float64, labels map[string]string, timestamp int64) error
}

// SeriesKey builds the canonical key for a (metric, label set) pair:
// metric{k1=v1,k2=v2} with keys sorted, so the key is stable regardless of
// map iteration order. A metric without labels keys as the bare metric name.
func SeriesKey(metric string, labels map[string]string) string {
	if len(labels) == 0 {
		return metric
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(metric)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}
