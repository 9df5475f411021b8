package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"opswatch-backend/internal/metrics"
)

const (
	defaultNotifyTimeout   = 30 * time.Second
	defaultWebhookAttempts = 3
	defaultWebhookBackoff  = time.Second

	pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"
)

// ActionExecutor delivers one notification for a fired alert.
type ActionExecutor interface {
	Execute(ctx context.Context, action Action, rule Rule, alert AlertInstance) error
}

// EmailSender is the delivery boundary for email notifications. Actual
// delivery belongs to an external collaborator; the engine only hands off.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Dispatcher routes alert notifications to executors registered per action
// kind. Executors run independently: one failure is logged and counted, the
// remaining actions still execute.
type Dispatcher struct {
	logger    *slog.Logger
	executors map[string]ActionExecutor
}

// DispatcherConfig tunes the HTTP-based executors.
type DispatcherConfig struct {
	Timeout          time.Duration
	WebhookAttempts  int
	WebhookBackoff   time.Duration
	PagerDutyURL     string
	Email            EmailSender
}

// NewDispatcher builds a Dispatcher with the default executor set:
// log, webhook, slack, pagerduty, and email.
func NewDispatcher(logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultNotifyTimeout
	}
	if cfg.WebhookAttempts <= 0 {
		cfg.WebhookAttempts = defaultWebhookAttempts
	}
	if cfg.WebhookBackoff <= 0 {
		cfg.WebhookBackoff = defaultWebhookBackoff
	}
	if cfg.PagerDutyURL == "" {
		cfg.PagerDutyURL = pagerDutyEventsURL
	}
	client := &http.Client{Timeout: cfg.Timeout}

	d := &Dispatcher{logger: logger, executors: make(map[string]ActionExecutor)}
	d.Register("log", &LogExecutor{Logger: logger})
	d.Register("webhook", &WebhookExecutor{Client: client, Attempts: cfg.WebhookAttempts, Backoff: cfg.WebhookBackoff})
	d.Register("slack", &SlackExecutor{Client: client})
	d.Register("pagerduty", &PagerDutyExecutor{Client: client, Endpoint: cfg.PagerDutyURL})
	d.Register("email", &EmailExecutor{Sender: cfg.Email, Logger: logger})
	return d
}

// Register installs an executor for an action kind, replacing any previous
// one. New kinds can be added without touching the dispatch site.
func (d *Dispatcher) Register(kind string, exec ActionExecutor) {
	d.executors[kind] = exec
}

// Dispatch executes every action configured on the rule. Failures are
// isolated per action.
func (d *Dispatcher) Dispatch(ctx context.Context, rule Rule, alert AlertInstance) {
	for _, action := range rule.Actions {
		exec, ok := d.executors[action.Type]
		if !ok {
			d.logger.Warn("unknown notification action type",
				slog.String("type", action.Type),
				slog.String("rule", rule.ID),
			)
			metrics.IncNotification(action.Type, metrics.OutcomeError)
			continue
		}
		if err := exec.Execute(ctx, action, rule, alert); err != nil {
			metrics.IncNotification(action.Type, metrics.OutcomeError)
			d.logger.Error("notification action failed",
				slog.String("type", action.Type),
				slog.String("rule", rule.ID),
				slog.Any("error", err),
			)
			continue
		}
		metrics.IncNotification(action.Type, metrics.OutcomeSuccess)
	}
}

// LogExecutor writes a structured log line. It never fails.
type LogExecutor struct {
	Logger *slog.Logger
}

func (e *LogExecutor) Execute(ctx context.Context, action Action, rule Rule, alert AlertInstance) error {
	e.Logger.Warn("alert notification",
		slog.String("rule", rule.Name),
		slog.String("severity", string(alert.Severity)),
		slog.String("message", alert.Message),
		slog.Float64("value", alert.Value),
	)
	return nil
}

// webhookPayload is the generic JSON document POSTed by WebhookExecutor.
type webhookPayload struct {
	AlertID   string            `json:"alertId"`
	RuleID    string            `json:"ruleId"`
	RuleName  string            `json:"ruleName"`
	Severity  Severity          `json:"severity"`
	Status    string            `json:"status"`
	Value     float64           `json:"value"`
	Threshold float64           `json:"threshold"`
	Message   string            `json:"message"`
	Timestamp int64             `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// WebhookExecutor POSTs the alert to a configured URL, retrying transport and
// HTTP failures with linear backoff.
type WebhookExecutor struct {
	Client   *http.Client
	Attempts int
	Backoff  time.Duration
}

func (e *WebhookExecutor) Execute(ctx context.Context, action Action, rule Rule, alert AlertInstance) error {
	url := action.Config["url"]
	if url == "" {
		return errors.New("webhook action requires config.url")
	}
	body, err := json.Marshal(webhookPayload{
		AlertID:   alert.ID,
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Severity:  alert.Severity,
		Status:    alert.Status,
		Value:     alert.Value,
		Threshold: alert.Threshold,
		Message:   alert.Message,
		Timestamp: alert.FiredAt.UnixMilli(),
		Labels:    alert.Labels,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= e.Attempts; attempt++ {
		if lastErr = post(ctx, e.Client, url, body); lastErr == nil {
			return nil
		}
		if attempt < e.Attempts {
			select {
			case <-time.After(time.Duration(attempt) * e.Backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", e.Attempts, lastErr)
}

// SlackExecutor POSTs a color-coded attachment to a Slack webhook URL.
type SlackExecutor struct {
	Client *http.Client
}

func (e *SlackExecutor) Execute(ctx context.Context, action Action, rule Rule, alert AlertInstance) error {
	url := action.Config["url"]
	if url == "" {
		return errors.New("slack action requires config.url")
	}
	payload := map[string]any{
		"attachments": []map[string]any{{
			"color": slackColor(alert.Severity),
			"title": fmt.Sprintf("Alert: %s", rule.Name),
			"text":  alert.Message,
			"fields": []map[string]any{
				{"title": "Severity", "value": string(alert.Severity), "short": true},
				{"title": "Value", "value": fmt.Sprintf("%g", alert.Value), "short": true},
				{"title": "Threshold", "value": fmt.Sprintf("%g", alert.Threshold), "short": true},
				{"title": "Rule ID", "value": rule.ID, "short": true},
			},
			"footer": "opswatch alerting",
			"ts":     alert.FiredAt.Unix(),
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return post(ctx, e.Client, url, body)
}

// PagerDutyExecutor triggers a PagerDuty Events API v2 event, deduplicated by
// the alert fingerprint.
type PagerDutyExecutor struct {
	Client   *http.Client
	Endpoint string
}

func (e *PagerDutyExecutor) Execute(ctx context.Context, action Action, rule Rule, alert AlertInstance) error {
	routingKey := action.Config["routing_key"]
	if routingKey == "" {
		return errors.New("pagerduty action requires config.routing_key")
	}
	payload := map[string]any{
		"routing_key":  routingKey,
		"event_action": "trigger",
		"dedup_key":    alert.Fingerprint,
		"payload": map[string]any{
			"summary":  alert.Message,
			"severity": pagerDutySeverity(alert.Severity),
			"source":   rule.Metric,
			"custom_details": map[string]any{
				"ruleId":    rule.ID,
				"ruleName":  rule.Name,
				"value":     alert.Value,
				"threshold": alert.Threshold,
				"labels":    alert.Labels,
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return post(ctx, e.Client, e.Endpoint, body)
}

// EmailExecutor hands the alert to the configured EmailSender. Without a
// sender the action is a logged no-op; delivery is an external concern.
type EmailExecutor struct {
	Sender EmailSender
	Logger *slog.Logger
}

func (e *EmailExecutor) Execute(ctx context.Context, action Action, rule Rule, alert AlertInstance) error {
	if e.Sender == nil {
		e.Logger.Info("email delivery not configured, dropping notification",
			slog.String("rule", rule.ID),
		)
		return nil
	}
	to := action.Config["to"]
	if to == "" {
		return errors.New("email action requires config.to")
	}
	subject := fmt.Sprintf("[%s] %s", alert.Severity, rule.Name)
	return e.Sender.Send(ctx, to, subject, alert.Message)
}

func post(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func slackColor(severity Severity) string {
	switch severity {
	case SeverityCritical, SeverityEmergency:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

func pagerDutySeverity(severity Severity) string {
	switch severity {
	case SeverityEmergency:
		return "critical"
	case SeverityCritical:
		return "error"
	default:
		return "warning"
	}
}
