package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"opswatch-backend/internal/bus"
	"opswatch-backend/internal/metrics"
	"opswatch-backend/internal/tsdb"
)

const (
	// minLookbackSeconds floors the evaluation query window so rules with a
	// short (or zero) `for` duration still see recent samples.
	minLookbackSeconds = 60

	defaultMaxResolved = 200
)

// Engine evaluates threshold rules against the time-series store, tracks the
// hysteresis history and active alert set per rule, and dispatches
// notification actions when an alert fires.
//
// Engine is safe for concurrent use: the management API may mutate rules
// while an evaluation cycle is running.
type Engine struct {
	logger     *slog.Logger
	store      tsdb.Store
	publisher  bus.Publisher
	dispatcher *Dispatcher

	mu          sync.Mutex
	rules       map[string]Rule
	evalHistory map[string][]time.Time    // rule ID -> timestamps where the condition held
	active      map[string]*AlertInstance // fingerprint -> firing instance
	lastFire    map[string]time.Time      // fingerprint -> last fire time (cooldown)
	resolved    []AlertInstance           // bounded resolved history, oldest first
	maxResolved int
	alertsFired uint64

	now func() time.Time // injectable for deterministic tests
}

// NewEngine wires an Engine to its collaborators. A nil publisher falls back
// to the no-op bus; a nil dispatcher means no actions are executed.
func NewEngine(logger *slog.Logger, store tsdb.Store, publisher bus.Publisher, dispatcher *Dispatcher) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = bus.NoopPublisher{}
	}
	return &Engine{
		logger:      logger,
		store:       store,
		publisher:   publisher,
		dispatcher:  dispatcher,
		rules:       make(map[string]Rule),
		evalHistory: make(map[string][]time.Time),
		active:      make(map[string]*AlertInstance),
		lastFire:    make(map[string]time.Time),
		maxResolved: defaultMaxResolved,
		now:         time.Now,
	}
}

// AddRule validates and stores a rule, assigning an ID when absent. The
// stored rule (with its ID) is returned.
func (e *Engine) AddRule(rule Rule) (Rule, error) {
	if rule.Severity == "" {
		rule.Severity = SeverityWarning
	}
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	e.mu.Lock()
	e.rules[rule.ID] = rule
	e.mu.Unlock()
	return rule, nil
}

// RemoveRule deletes a rule and its hysteresis history. Any active instance
// for the rule is resolved so it does not linger unevaluated.
func (e *Engine) RemoveRule(ctx context.Context, id string) bool {
	e.mu.Lock()
	_, ok := e.rules[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.rules, id)
	delete(e.evalHistory, id)

	now := e.now()
	var orphans []AlertInstance
	for fp, inst := range e.active {
		if inst.RuleID != id {
			continue
		}
		resolvedAt := now
		inst.Status = StatusResolved
		inst.ResolvedAt = &resolvedAt
		delete(e.active, fp)
		e.appendResolvedLocked(*inst)
		orphans = append(orphans, *inst)
	}
	e.mu.Unlock()

	for _, inst := range orphans {
		metrics.IncAlertResolved()
		e.publishResolved(ctx, inst)
	}
	return true
}

// GetRule returns the rule with the given ID.
func (e *Engine) GetRule(id string) (Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[id]
	return rule, ok
}

// ListRules returns all rules sorted by name.
func (e *Engine) ListRules() []Rule {
	e.mu.Lock()
	out := make([]Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		out = append(out, rule)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RuleCount returns the number of stored rules.
func (e *Engine) RuleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rules)
}

// EvaluateAll runs one evaluation pass over every enabled rule and returns
// the instances that fired during this pass. A failing rule is logged and
// skipped; it never aborts the cycle.
func (e *Engine) EvaluateAll(ctx context.Context) []AlertInstance {
	e.mu.Lock()
	snapshot := make([]Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		snapshot = append(snapshot, rule)
	}
	e.mu.Unlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })

	fired := []AlertInstance{}
	for _, rule := range snapshot {
		if !rule.Enabled {
			continue
		}
		inst, err := e.evaluateRule(ctx, rule)
		if err != nil {
			metrics.IncRuleEvaluation(metrics.OutcomeError)
			e.logger.Error("rule evaluation failed",
				slog.String("rule", rule.ID),
				slog.String("metric", rule.Metric),
				slog.Any("error", err),
			)
			continue
		}
		metrics.IncRuleEvaluation(metrics.OutcomeSuccess)
		if inst != nil {
			fired = append(fired, *inst)
		}
	}
	return fired
}

func (e *Engine) evaluateRule(ctx context.Context, rule Rule) (*AlertInstance, error) {
	now := e.now()
	lookback := rule.ForSeconds
	if lookback < minLookbackSeconds {
		lookback = minLookbackSeconds
	}
	start := now.Add(-time.Duration(lookback) * time.Second)

	points, err := e.store.Query(ctx, rule.Metric, start.UnixMilli(), now.UnixMilli(), rule.Labels)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", rule.Metric, err)
	}
	if len(points) == 0 {
		return nil, nil
	}

	value := points[len(points)-1].Value
	conditionMet := compare(value, rule.Operator, rule.Threshold)
	fp := Fingerprint(rule.ID, rule.Labels)

	if !conditionMet {
		return nil, e.resolveIfActive(ctx, rule, fp, now)
	}

	e.mu.Lock()
	history := append(e.evalHistory[rule.ID], now)
	forWindow := time.Duration(rule.ForSeconds) * time.Second
	pruned := history[:0]
	for _, ts := range history {
		if now.Sub(ts) <= forWindow {
			pruned = append(pruned, ts)
		}
	}
	e.evalHistory[rule.ID] = pruned

	if inst, ok := e.active[fp]; ok {
		// Still firing; just track the latest observed value.
		inst.Value = value
		e.mu.Unlock()
		return nil, nil
	}

	// for == 0 fires on the first true reading; otherwise the condition must
	// have held on at least two passes inside the window (guard against a
	// single noisy sample).
	eligible := len(pruned) >= 2 || (rule.ForSeconds == 0 && len(pruned) >= 1)
	if !eligible {
		e.mu.Unlock()
		return nil, nil
	}

	if rule.CooldownSeconds > 0 {
		if last, ok := e.lastFire[fp]; ok && now.Sub(last) < time.Duration(rule.CooldownSeconds)*time.Second {
			e.mu.Unlock()
			return nil, nil
		}
	}

	inst := &AlertInstance{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Fingerprint: fp,
		Status:      StatusFiring,
		Severity:    rule.Severity,
		Value:       value,
		Threshold:   rule.Threshold,
		Message: fmt.Sprintf("[%s] %s: %s %s %g (observed %g)",
			rule.Severity, rule.Name, rule.Metric, rule.Operator, rule.Threshold, value),
		Labels:    rule.Labels,
		StartedAt: now,
		FiredAt:   now,
	}
	e.active[fp] = inst
	e.lastFire[fp] = now
	e.alertsFired++
	firedCopy := *inst
	e.mu.Unlock()

	metrics.IncAlertFired()
	e.logger.Warn("alert firing",
		slog.String("rule", rule.Name),
		slog.String("fingerprint", fp),
		slog.String("severity", string(rule.Severity)),
		slog.Float64("value", value),
	)

	if e.dispatcher != nil {
		e.dispatcher.Dispatch(ctx, rule, firedCopy)
	}
	if err := e.publisher.Publish(ctx, bus.TopicAlertFiring, firedCopy, bus.Options{
		Priority: priorityFor(rule.Severity),
		Source:   "alerting-engine",
	}); err != nil {
		e.logger.Warn("publish alert:firing failed", slog.Any("error", err))
	}
	return &firedCopy, nil
}

// resolveIfActive clears the rule's hysteresis history and resolves any
// active instance for the fingerprint.
func (e *Engine) resolveIfActive(ctx context.Context, rule Rule, fp string, now time.Time) error {
	e.mu.Lock()
	delete(e.evalHistory, rule.ID)

	inst, ok := e.active[fp]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	resolvedAt := now
	inst.Status = StatusResolved
	inst.ResolvedAt = &resolvedAt
	delete(e.active, fp)
	e.appendResolvedLocked(*inst)
	resolvedCopy := *inst
	e.mu.Unlock()

	metrics.IncAlertResolved()
	e.logger.Info("alert resolved",
		slog.String("rule", rule.Name),
		slog.String("fingerprint", fp),
	)
	e.publishResolved(ctx, resolvedCopy)
	return nil
}

func (e *Engine) publishResolved(ctx context.Context, inst AlertInstance) {
	if err := e.publisher.Publish(ctx, bus.TopicAlertResolved, inst, bus.Options{
		Priority: "normal",
		Source:   "alerting-engine",
	}); err != nil {
		e.logger.Warn("publish alert:resolved failed", slog.Any("error", err))
	}
}

func (e *Engine) appendResolvedLocked(inst AlertInstance) {
	e.resolved = append(e.resolved, inst)
	if len(e.resolved) > e.maxResolved {
		e.resolved = e.resolved[len(e.resolved)-e.maxResolved:]
	}
}

// ActiveAlerts returns copies of the currently firing instances, optionally
// filtered by rule ID and/or severity, newest first.
func (e *Engine) ActiveAlerts(ruleID string, severity Severity) []AlertInstance {
	e.mu.Lock()
	out := make([]AlertInstance, 0, len(e.active))
	for _, inst := range e.active {
		if ruleID != "" && inst.RuleID != ruleID {
			continue
		}
		if severity != "" && inst.Severity != severity {
			continue
		}
		out = append(out, *inst)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}

// ClearActiveAlerts empties the active set without publishing resolutions.
// It returns the number of instances dropped.
func (e *Engine) ClearActiveAlerts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.active)
	e.active = make(map[string]*AlertInstance)
	return n
}

// ResolvedHistory returns the bounded resolved-alert history, oldest first.
func (e *Engine) ResolvedHistory() []AlertInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AlertInstance, len(e.resolved))
	copy(out, e.resolved)
	return out
}

// ActiveCount returns the number of currently firing instances.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// AlertsFired returns the cumulative count of fired instances.
func (e *Engine) AlertsFired() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alertsFired
}

func priorityFor(severity Severity) string {
	switch severity {
	case SeverityCritical, SeverityEmergency:
		return "high"
	default:
		return "normal"
	}
}
