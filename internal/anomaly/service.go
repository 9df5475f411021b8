package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"opswatch-backend/internal/bus"
	"opswatch-backend/internal/metrics"
	"opswatch-backend/internal/tsdb"
)

const (
	// detectionLookback is how far back a detection sweep queries per metric.
	detectionLookback = 7 * 24 * time.Hour

	// minDetectionPoints is the smallest series a sweep will analyze; fewer
	// points give the detectors nothing statistically usable.
	minDetectionPoints = 10

	maxHistoryPerMetric = 1000
)

// Event is the payload published on anomaly:detected.
type Event struct {
	Metric    string   `json:"metric"`
	Timestamp int64    `json:"timestamp"`
	Value     float64  `json:"value"`
	Expected  float64  `json:"expected"`
	Deviation float64  `json:"deviation"`
	Severity  Severity `json:"severity"`
	Algorithm string   `json:"algorithm"`
}

// Service maps metric names to detectors and runs periodic detection sweeps
// over the store. Detector registration uses exact metric names as keys.
type Service struct {
	logger    *slog.Logger
	store     tsdb.Store
	publisher bus.Publisher

	mu        sync.Mutex
	detectors map[string]Detector
	history   map[string][]Result // metric -> findings, oldest first, bounded

	now func() time.Time
}

// NewService wires a Service to its collaborators. A nil publisher falls back
// to the no-op bus.
func NewService(logger *slog.Logger, store tsdb.Store, publisher bus.Publisher) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = bus.NoopPublisher{}
	}
	return &Service{
		logger:    logger,
		store:     store,
		publisher: publisher,
		detectors: make(map[string]Detector),
		history:   make(map[string][]Result),
		now:       time.Now,
	}
}

// AddDetector registers (or replaces) the detector for a metric.
func (s *Service) AddDetector(metric string, detector Detector) error {
	if metric == "" {
		return fmt.Errorf("detector metric is required")
	}
	if detector == nil {
		return fmt.Errorf("detector is required")
	}
	s.mu.Lock()
	s.detectors[metric] = detector
	s.mu.Unlock()
	return nil
}

// RemoveDetector unregisters a metric's detector and drops its history.
func (s *Service) RemoveDetector(metric string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.detectors[metric]; !ok {
		return false
	}
	delete(s.detectors, metric)
	delete(s.history, metric)
	return true
}

// ListDetectors returns metric -> algorithm name for every registration.
func (s *Service) ListDetectors() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.detectors))
	for metric, d := range s.detectors {
		out[metric] = d.Name()
	}
	return out
}

// DetectorCount returns the number of registered detectors.
func (s *Service) DetectorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.detectors)
}

// History returns the recorded findings for a metric, oldest first.
func (s *Service) History(metric string) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Result, len(s.history[metric]))
	copy(out, s.history[metric])
	return out
}

// RunDetection sweeps every registered metric once and returns all findings.
// Failures are isolated per metric: a failing query or a panicking detector
// is logged and the sweep moves on.
func (s *Service) RunDetection(ctx context.Context) []Result {
	s.mu.Lock()
	metricNames := make([]string, 0, len(s.detectors))
	for metric := range s.detectors {
		metricNames = append(metricNames, metric)
	}
	s.mu.Unlock()
	sort.Strings(metricNames)

	now := s.now()
	start := now.Add(-detectionLookback)

	var all []Result
	for _, metric := range metricNames {
		s.mu.Lock()
		detector, ok := s.detectors[metric]
		s.mu.Unlock()
		if !ok {
			continue // removed mid-sweep
		}

		points, err := s.store.Query(ctx, metric, start.UnixMilli(), now.UnixMilli(), nil)
		if err != nil {
			s.logger.Error("anomaly sweep query failed",
				slog.String("metric", metric),
				slog.Any("error", err),
			)
			continue
		}
		if len(points) < minDetectionPoints {
			continue
		}

		results := detectSafe(detector, points)
		if len(results) == 0 {
			continue
		}

		s.mu.Lock()
		s.history[metric] = appendBounded(s.history[metric], results, maxHistoryPerMetric)
		s.mu.Unlock()

		for _, r := range results {
			metrics.IncAnomaly(r.Algorithm)
			s.logger.Warn("anomaly detected",
				slog.String("metric", metric),
				slog.String("algorithm", r.Algorithm),
				slog.String("severity", string(r.Severity)),
				slog.Float64("value", r.Value),
				slog.Float64("expected", r.Expected),
			)
			event := Event{
				Metric:    metric,
				Timestamp: r.Timestamp,
				Value:     r.Value,
				Expected:  r.Expected,
				Deviation: r.Deviation,
				Severity:  r.Severity,
				Algorithm: r.Algorithm,
			}
			if err := s.publisher.Publish(ctx, bus.TopicAnomalyDetected, event, bus.Options{
				Priority: priorityFor(r.Severity),
				Source:   "anomaly-service",
			}); err != nil {
				s.logger.Warn("publish anomaly:detected failed", slog.Any("error", err))
			}
		}
		all = append(all, results...)
	}
	return all
}

func appendBounded(history, results []Result, limit int) []Result {
	history = append(history, results...)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

func priorityFor(severity Severity) string {
	if severity == SeverityHigh {
		return "high"
	}
	return "normal"
}
