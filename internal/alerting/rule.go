package alerting

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/common/model"
)

// Severity of a rule and of the alert instances it produces.
type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Alert instance lifecycle states.
const (
	StatusFiring   = "firing"
	StatusResolved = "resolved"
)

// Action is a tagged notification record. Config keys depend on the type:
// webhook wants "url", slack wants "url", pagerduty wants "routing_key",
// email wants "to". The log action needs no config.
type Action struct {
	Type   string            `json:"type"`
	Config map[string]string `json:"config,omitempty"`
}

// Rule is a threshold alerting rule over a single metric. Rules are treated
// as immutable by the engine; updates go through the management API, which
// replaces the stored rule wholesale.
type Rule struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Enabled         bool              `json:"enabled"`
	Severity        Severity          `json:"severity"`
	Metric          string            `json:"metric"`
	Operator        string            `json:"operator"`
	Threshold       float64           `json:"threshold"`
	ForSeconds      int               `json:"forSeconds"`
	Labels          map[string]string `json:"labels,omitempty"`
	Actions         []Action          `json:"actions,omitempty"`
	CooldownSeconds int               `json:"cooldownSeconds"`
}

// Validate rejects rules the engine could never evaluate.
func (r Rule) Validate() error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if r.Metric == "" {
		return errors.New("rule metric is required")
	}
	switch r.Operator {
	case ">", ">=", "<", "<=", "==", "!=":
	default:
		return fmt.Errorf("unsupported operator %q", r.Operator)
	}
	switch r.Severity {
	case SeverityWarning, SeverityCritical, SeverityEmergency:
	default:
		return fmt.Errorf("unsupported severity %q", r.Severity)
	}
	if r.ForSeconds < 0 {
		return errors.New("forSeconds must be >= 0")
	}
	if r.CooldownSeconds < 0 {
		return errors.New("cooldownSeconds must be >= 0")
	}
	return nil
}

// AlertInstance is one firing (or resolved) occurrence of a rule.
type AlertInstance struct {
	ID          string            `json:"id"`
	RuleID      string            `json:"ruleId"`
	RuleName    string            `json:"ruleName"`
	Fingerprint string            `json:"fingerprint"`
	Status      string            `json:"status"`
	Severity    Severity          `json:"severity"`
	Value       float64           `json:"value"`
	Threshold   float64           `json:"threshold"`
	Message     string            `json:"message"`
	Labels      map[string]string `json:"labels,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`
	FiredAt     time.Time         `json:"firedAt"`
	ResolvedAt  *time.Time        `json:"resolvedAt,omitempty"`
}

// Fingerprint derives the stable identity of an alert from the rule ID plus
// the canonicalized label set, using the Prometheus label fingerprint so the
// result is independent of label insertion order.
func Fingerprint(ruleID string, labels map[string]string) string {
	ls := make(model.LabelSet, len(labels))
	for k, v := range labels {
		ls[model.LabelName(k)] = model.LabelValue(v)
	}
	return ruleID + ":" + ls.Fingerprint().String()
}

// compare applies a rule's comparison operator to the observed value.
func compare(value float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case "==":
		return value == threshold
	case "!=":
		return value != threshold
	default:
		return false
	}
}
