package alerting

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testAlert() (Rule, AlertInstance) {
	rule := Rule{
		ID: "rule-1", Name: "high error rate", Enabled: true,
		Severity: SeverityCritical, Metric: "error_rate",
		Operator: ">", Threshold: 0.1,
		Labels: map[string]string{"service": "api"},
	}
	fired := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	alert := AlertInstance{
		ID: "inst-1", RuleID: rule.ID, RuleName: rule.Name,
		Fingerprint: Fingerprint(rule.ID, rule.Labels),
		Status:      StatusFiring, Severity: rule.Severity,
		Value: 0.42, Threshold: rule.Threshold,
		Message:   "[critical] high error rate: error_rate > 0.1 (observed 0.42)",
		Labels:    rule.Labels,
		StartedAt: fired, FiredAt: fired,
	}
	return rule, alert
}

func TestWebhookExecutorPayload(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rule, alert := testAlert()
	exec := &WebhookExecutor{Client: srv.Client(), Attempts: 1, Backoff: time.Millisecond}
	action := Action{Type: "webhook", Config: map[string]string{"url": srv.URL}}
	if err := exec.Execute(context.Background(), action, rule, alert); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got.AlertID != alert.ID || got.RuleID != rule.ID || got.RuleName != rule.Name {
		t.Fatalf("identity fields wrong: %+v", got)
	}
	if got.Severity != SeverityCritical || got.Status != StatusFiring {
		t.Fatalf("state fields wrong: %+v", got)
	}
	if got.Value != 0.42 || got.Threshold != 0.1 {
		t.Fatalf("numeric fields wrong: %+v", got)
	}
	if got.Timestamp != alert.FiredAt.UnixMilli() {
		t.Fatalf("timestamp = %d, want %d", got.Timestamp, alert.FiredAt.UnixMilli())
	}
	if got.Labels["service"] != "api" {
		t.Fatalf("labels missing: %+v", got.Labels)
	}
}

func TestWebhookExecutorRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rule, alert := testAlert()
	exec := &WebhookExecutor{Client: srv.Client(), Attempts: 3, Backoff: time.Millisecond}
	action := Action{Type: "webhook", Config: map[string]string{"url": srv.URL}}
	if err := exec.Execute(context.Background(), action, rule, alert); err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestWebhookExecutorExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rule, alert := testAlert()
	exec := &WebhookExecutor{Client: srv.Client(), Attempts: 3, Backoff: time.Millisecond}
	action := Action{Type: "webhook", Config: map[string]string{"url": srv.URL}}
	if err := exec.Execute(context.Background(), action, rule, alert); err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", n)
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	var delivered atomic.Int32
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badSrv.Close()

	d := NewDispatcher(slog.Default(), DispatcherConfig{
		Timeout:         time.Second,
		WebhookAttempts: 1,
		WebhookBackoff:  time.Millisecond,
	})
	rule, alert := testAlert()
	rule.Actions = []Action{
		{Type: "webhook", Config: map[string]string{"url": badSrv.URL}},
		{Type: "nosuchtype"},
		{Type: "slack", Config: map[string]string{"url": okSrv.URL}},
	}

	d.Dispatch(context.Background(), rule, alert)
	if n := delivered.Load(); n != 1 {
		t.Fatalf("sibling action should still deliver, got %d deliveries", n)
	}
}

func TestSlackExecutorAttachment(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rule, alert := testAlert()
	exec := &SlackExecutor{Client: srv.Client()}
	action := Action{Type: "slack", Config: map[string]string{"url": srv.URL}}
	if err := exec.Execute(context.Background(), action, rule, alert); err != nil {
		t.Fatalf("execute: %v", err)
	}

	attachments, ok := got["attachments"].([]any)
	if !ok || len(attachments) != 1 {
		t.Fatalf("expected one attachment, got %v", got)
	}
	att := attachments[0].(map[string]any)
	if att["color"] != "danger" {
		t.Fatalf("critical severity should map to danger, got %v", att["color"])
	}
	if att["text"] != alert.Message {
		t.Fatalf("text = %v", att["text"])
	}
}

func TestSlackColorMapping(t *testing.T) {
	if c := slackColor(SeverityWarning); c != "warning" {
		t.Fatalf("warning -> %s", c)
	}
	if c := slackColor(SeverityEmergency); c != "danger" {
		t.Fatalf("emergency -> %s", c)
	}
	if c := slackColor(Severity("info")); c != "good" {
		t.Fatalf("unknown -> %s", c)
	}
}

func TestPagerDutyExecutorEvent(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rule, alert := testAlert()
	exec := &PagerDutyExecutor{Client: srv.Client(), Endpoint: srv.URL}
	action := Action{Type: "pagerduty", Config: map[string]string{"routing_key": "rk-123"}}
	if err := exec.Execute(context.Background(), action, rule, alert); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got["routing_key"] != "rk-123" || got["event_action"] != "trigger" {
		t.Fatalf("event envelope wrong: %v", got)
	}
	if got["dedup_key"] != alert.Fingerprint {
		t.Fatalf("dedup_key = %v, want fingerprint %s", got["dedup_key"], alert.Fingerprint)
	}
	payload := got["payload"].(map[string]any)
	if payload["severity"] != "error" {
		t.Fatalf("critical should map to pagerduty error, got %v", payload["severity"])
	}
	if payload["source"] != rule.Metric {
		t.Fatalf("source = %v", payload["source"])
	}
}

func TestPagerDutySeverityMapping(t *testing.T) {
	if s := pagerDutySeverity(SeverityEmergency); s != "critical" {
		t.Fatalf("emergency -> %s", s)
	}
	if s := pagerDutySeverity(SeverityWarning); s != "warning" {
		t.Fatalf("warning -> %s", s)
	}
}

func TestEmailExecutorWithoutSenderIsNoop(t *testing.T) {
	exec := &EmailExecutor{Logger: slog.Default()}
	rule, alert := testAlert()
	action := Action{Type: "email", Config: map[string]string{"to": "ops@example.com"}}
	if err := exec.Execute(context.Background(), action, rule, alert); err != nil {
		t.Fatalf("nil sender must be a no-op, got %v", err)
	}
}

type fakeSender struct {
	to, subject, body string
}

func (f *fakeSender) Send(ctx context.Context, to, subject, body string) error {
	f.to, f.subject, f.body = to, subject, body
	return nil
}

func TestEmailExecutorHandsOff(t *testing.T) {
	sender := &fakeSender{}
	exec := &EmailExecutor{Sender: sender, Logger: slog.Default()}
	rule, alert := testAlert()
	action := Action{Type: "email", Config: map[string]string{"to": "ops@example.com"}}
	if err := exec.Execute(context.Background(), action, rule, alert); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if sender.to != "ops@example.com" {
		t.Fatalf("to = %q", sender.to)
	}
	if sender.subject != "[critical] high error rate" {
		t.Fatalf("subject = %q", sender.subject)
	}
	if sender.body != alert.Message {
		t.Fatalf("body = %q", sender.body)
	}
}
