package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"opswatch-backend/internal/alerting"
	"opswatch-backend/internal/anomaly"
	"opswatch-backend/internal/bus"
	"opswatch-backend/internal/metrics"
	"opswatch-backend/internal/tsdb"
)

const (
	defaultEvaluationInterval = 30 * time.Second
	defaultDetectionInterval  = 5 * time.Minute
)

// Overlap guards: a cycle still running when the next one is requested makes
// the new request a no-op rather than a concurrent duplicate.
var (
	ErrEvaluationInProgress = errors.New("evaluation cycle already in progress")
	ErrDetectionInProgress  = errors.New("detection sweep already in progress")
)

// Config tunes the manager's periodic loops.
type Config struct {
	EvaluationInterval time.Duration
	DetectionInterval  time.Duration
	AnomalyDetection   bool
}

// Stats is a point-in-time snapshot of the manager's state.
type Stats struct {
	Running          bool      `json:"running"`
	AnomalyDetection bool      `json:"anomalyDetection"`
	Rules            int       `json:"rules"`
	Detectors        int       `json:"detectors"`
	ActiveAlerts     int       `json:"activeAlerts"`
	AlertsFired      uint64    `json:"alertsFired"`
	LastEvaluation   time.Time `json:"lastEvaluation"`
	LastDetection    time.Time `json:"lastDetection"`
}

// Manager owns the rule engine and the anomaly service and drives them on
// independent periodic loops. It is the single entry point the management API
// talks to.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	store  tsdb.Store

	engine    *alerting.Engine
	anomalies *anomaly.Service

	mu             sync.Mutex
	running        bool
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	lastEvaluation time.Time
	lastDetection  time.Time

	evalBusy   atomic.Bool
	detectBusy atomic.Bool

	now func() time.Time
}

// New builds a Manager and its owned engine and anomaly service. Interval
// zero values fall back to 30s evaluation / 5m detection.
func New(cfg Config, logger *slog.Logger, store tsdb.Store, publisher bus.Publisher, dispatcher *alerting.Dispatcher) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EvaluationInterval <= 0 {
		cfg.EvaluationInterval = defaultEvaluationInterval
	}
	if cfg.DetectionInterval <= 0 {
		cfg.DetectionInterval = defaultDetectionInterval
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		engine:    alerting.NewEngine(logger, store, publisher, dispatcher),
		anomalies: anomaly.NewService(logger, store, publisher),
		now:       time.Now,
	}
}

// Start launches the evaluation loop and, when enabled, the detection loop.
// Calling Start on a running manager is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	// Cycles run on a background context: Stop prevents future ticks but does
	// not abort an in-flight cycle or its outbound notifications.
	m.wg.Add(1)
	go m.loop(ctx, m.cfg.EvaluationInterval, func() {
		if _, err := m.EvaluateNow(context.Background()); err != nil && !errors.Is(err, ErrEvaluationInProgress) {
			m.logger.Error("evaluation cycle failed", slog.Any("error", err))
		}
	})

	if m.cfg.AnomalyDetection {
		m.wg.Add(1)
		go m.loop(ctx, m.cfg.DetectionInterval, func() {
			if _, err := m.DetectAnomaliesNow(context.Background()); err != nil && !errors.Is(err, ErrDetectionInProgress) {
				m.logger.Error("detection sweep failed", slog.Any("error", err))
			}
		})
	}

	m.logger.Info("manager started",
		slog.Duration("evaluationInterval", m.cfg.EvaluationInterval),
		slog.Duration("detectionInterval", m.cfg.DetectionInterval),
		slog.Bool("anomalyDetection", m.cfg.AnomalyDetection),
	)
}

// Stop cancels the periodic loops and waits for in-flight cycles to finish.
// Calling Stop on a stopped manager is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("manager stopped")
}

// Running reports whether the periodic loops are active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, tick func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// EvaluateNow runs one rule-evaluation cycle immediately. A cycle already in
// flight makes this a no-op returning ErrEvaluationInProgress.
func (m *Manager) EvaluateNow(ctx context.Context) ([]alerting.AlertInstance, error) {
	if !m.evalBusy.CompareAndSwap(false, true) {
		return nil, ErrEvaluationInProgress
	}
	defer m.evalBusy.Store(false)

	started := m.now()
	fired := m.engine.EvaluateAll(ctx)
	metrics.ObserveEvaluation(m.now().Sub(started))

	m.mu.Lock()
	m.lastEvaluation = started
	m.mu.Unlock()
	return fired, nil
}

// DetectAnomaliesNow runs one anomaly-detection sweep immediately. A sweep
// already in flight makes this a no-op returning ErrDetectionInProgress.
func (m *Manager) DetectAnomaliesNow(ctx context.Context) ([]anomaly.Result, error) {
	if !m.detectBusy.CompareAndSwap(false, true) {
		return nil, ErrDetectionInProgress
	}
	defer m.detectBusy.Store(false)

	started := m.now()
	results := m.anomalies.RunDetection(ctx)
	metrics.ObserveDetection(m.now().Sub(started))

	m.mu.Lock()
	m.lastDetection = started
	m.mu.Unlock()
	return results, nil
}

// RecordMetric writes one sample to the store. A zero timestamp means now.
func (m *Manager) RecordMetric(ctx context.Context, metric string, value float64, labels map[string]string, timestamp int64) error {
	if timestamp == 0 {
		timestamp = m.now().UnixMilli()
	}
	return m.store.Write(ctx, metric, value, labels, timestamp)
}

// AddRule registers an alerting rule.
func (m *Manager) AddRule(rule alerting.Rule) (alerting.Rule, error) {
	return m.engine.AddRule(rule)
}

// RemoveRule deletes a rule, resolving its active instances.
func (m *Manager) RemoveRule(ctx context.Context, id string) bool {
	return m.engine.RemoveRule(ctx, id)
}

// GetRule returns a rule by ID.
func (m *Manager) GetRule(id string) (alerting.Rule, bool) { return m.engine.GetRule(id) }

// ListRules returns all rules sorted by name.
func (m *Manager) ListRules() []alerting.Rule { return m.engine.ListRules() }

// ActiveAlerts returns firing instances, optionally filtered.
func (m *Manager) ActiveAlerts(ruleID string, severity alerting.Severity) []alerting.AlertInstance {
	return m.engine.ActiveAlerts(ruleID, severity)
}

// ClearActiveAlerts drops all firing instances without resolutions.
func (m *Manager) ClearActiveAlerts() int { return m.engine.ClearActiveAlerts() }

// AlertHistory returns the bounded resolved-alert history.
func (m *Manager) AlertHistory() []alerting.AlertInstance { return m.engine.ResolvedHistory() }

// AddDetector registers an anomaly detector for a metric.
func (m *Manager) AddDetector(metric string, detector anomaly.Detector) error {
	return m.anomalies.AddDetector(metric, detector)
}

// RemoveDetector unregisters a metric's detector.
func (m *Manager) RemoveDetector(metric string) bool { return m.anomalies.RemoveDetector(metric) }

// ListDetectors returns metric -> algorithm for every registered detector.
func (m *Manager) ListDetectors() map[string]string { return m.anomalies.ListDetectors() }

// AnomalyHistory returns the recorded findings for a metric.
func (m *Manager) AnomalyHistory(metric string) []anomaly.Result {
	return m.anomalies.History(metric)
}

// GetStats returns a snapshot of counts and loop state.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	running := m.running
	lastEval := m.lastEvaluation
	lastDetect := m.lastDetection
	m.mu.Unlock()

	return Stats{
		Running:          running,
		AnomalyDetection: m.cfg.AnomalyDetection,
		Rules:            m.engine.RuleCount(),
		Detectors:        m.anomalies.DetectorCount(),
		ActiveAlerts:     m.engine.ActiveCount(),
		AlertsFired:      m.engine.AlertsFired(),
		LastEvaluation:   lastEval,
		LastDetection:    lastDetect,
	}
}

// InitializeDefaults installs the stock rule set and detectors for a
// task-processing deployment. Existing registrations with the same IDs are
// replaced.
func (m *Manager) InitializeDefaults() error {
	defaults := []alerting.Rule{
		{
			ID: "default-task-failure-rate", Name: "High task failure rate",
			Enabled: true, Severity: alerting.SeverityCritical,
			Metric: "task_failure_rate", Operator: ">", Threshold: 0.1,
			ForSeconds: 120, CooldownSeconds: 600,
			Actions: []alerting.Action{{Type: "log"}},
		},
		{
			ID: "default-queue-backlog", Name: "Queue backlog growing",
			Enabled: true, Severity: alerting.SeverityWarning,
			Metric: "queue_depth", Operator: ">", Threshold: 1000,
			ForSeconds: 300, CooldownSeconds: 900,
			Actions: []alerting.Action{{Type: "log"}},
		},
		{
			ID: "default-worker-health", Name: "Unhealthy worker pool",
			Enabled: true, Severity: alerting.SeverityCritical,
			Metric: "worker_healthy_ratio", Operator: "<", Threshold: 0.5,
			ForSeconds: 60, CooldownSeconds: 600,
			Actions: []alerting.Action{{Type: "log"}},
		},
		{
			ID: "default-tail-latency", Name: "Task tail latency",
			Enabled: true, Severity: alerting.SeverityWarning,
			Metric: "task_duration_p95_ms", Operator: ">", Threshold: 30000,
			ForSeconds: 300, CooldownSeconds: 900,
			Actions: []alerting.Action{{Type: "log"}},
		},
		{
			ID: "default-memory-pressure", Name: "Memory pressure",
			Enabled: true, Severity: alerting.SeverityCritical,
			Metric: "memory_usage_percent", Operator: ">", Threshold: 90,
			ForSeconds: 120, CooldownSeconds: 600,
			Actions: []alerting.Action{{Type: "log"}},
		},
		{
			ID: "default-api-error-rate", Name: "API error rate",
			Enabled: true, Severity: alerting.SeverityWarning,
			Metric: "api_error_rate", Operator: ">", Threshold: 0.05,
			ForSeconds: 60, CooldownSeconds: 600,
			Actions: []alerting.Action{{Type: "log"}},
		},
	}
	for _, rule := range defaults {
		if _, err := m.engine.AddRule(rule); err != nil {
			return err
		}
	}

	detectors := map[string]anomaly.Detector{
		"task_duration_ms": anomaly.NewStatisticalDetector(3, 20),
		"queue_depth":      anomaly.NewStatisticalDetector(3, 20),
		"request_rate":     anomaly.NewSeasonalDetector(anomaly.PeriodicityDaily, 3),
	}
	for metric, detector := range detectors {
		if err := m.anomalies.AddDetector(metric, detector); err != nil {
			return err
		}
	}

	m.logger.Info("default rules and detectors installed",
		slog.Int("rules", len(defaults)),
		slog.Int("detectors", len(detectors)),
	)
	return nil
}
