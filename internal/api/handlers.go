package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"opswatch-backend/internal/alerting"
	"opswatch-backend/internal/anomaly"
	"opswatch-backend/internal/manager"
)

// Handler exposes the manager over HTTP.
type Handler struct {
	Manager *manager.Manager
	Logger  *slog.Logger
	Timeout time.Duration
}

type detectorRequest struct {
	Metric   string       `json:"metric"`
	Detector anomaly.Spec `json:"detector"`
}

type recordRequest struct {
	Metric    string            `json:"metric"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
}

// RegisterRoutes mounts the management API on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/rules", func(r chi.Router) {
		r.Post("/", h.handleRuleCreate)
		r.Get("/", h.handleRuleList)
		r.Get("/{id}", h.handleRuleGet)
		r.Delete("/{id}", h.handleRuleDelete)
	})
	r.Route("/detectors", func(r chi.Router) {
		r.Post("/", h.handleDetectorCreate)
		r.Get("/", h.handleDetectorList)
		r.Delete("/{metric}", h.handleDetectorDelete)
	})
	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", h.handleAlertList)
		r.Delete("/", h.handleAlertClear)
		r.Get("/history", h.handleAlertHistory)
	})
	r.Post("/metrics/record", h.handleRecord)
	r.Post("/start", h.handleStart)
	r.Post("/stop", h.handleStop)
	r.Get("/stats", h.handleStats)
	r.Post("/evaluate", h.handleEvaluate)
	r.Post("/detect", h.handleDetect)
	r.Get("/healthz", h.handleHealthz)
}

func (h *Handler) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	var rule alerting.Rule
	if err := decodeJSON(r, &rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	stored, err := h.Manager.AddRule(rule)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (h *Handler) handleRuleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Manager.ListRules())
}

func (h *Handler) handleRuleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, ok := h.Manager.GetRule(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "rule not found"})
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := h.requestContext(r)
	defer cancel()
	if !h.Manager.RemoveRule(ctx, id) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "rule not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleDetectorCreate(w http.ResponseWriter, r *http.Request) {
	var req detectorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	detector, err := anomaly.FromSpec(req.Detector)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	if err := h.Manager.AddDetector(req.Metric, detector); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "metric": req.Metric, "algorithm": detector.Name()})
}

func (h *Handler) handleDetectorList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Manager.ListDetectors())
}

func (h *Handler) handleDetectorDelete(w http.ResponseWriter, r *http.Request) {
	metric := chi.URLParam(r, "metric")
	if !h.Manager.RemoveDetector(metric) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "detector not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleAlertList(w http.ResponseWriter, r *http.Request) {
	ruleID := r.URL.Query().Get("ruleId")
	severity := alerting.Severity(r.URL.Query().Get("severity"))
	writeJSON(w, http.StatusOK, h.Manager.ActiveAlerts(ruleID, severity))
}

func (h *Handler) handleAlertClear(w http.ResponseWriter, r *http.Request) {
	cleared := h.Manager.ClearActiveAlerts()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cleared": cleared})
}

func (h *Handler) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Manager.AlertHistory())
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	if req.Metric == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "metric is required"})
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()
	if err := h.Manager.RecordMetric(ctx, req.Metric, req.Value, req.Labels, req.Timestamp); err != nil {
		h.Logger.Error("record metric failed", slog.String("metric", req.Metric), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to record metric"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	h.Manager.Start()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": true})
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	h.Manager.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": false})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Manager.GetStats())
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()
	fired, err := h.Manager.EvaluateNow(ctx)
	if err != nil {
		if errors.Is(err, manager.ErrEvaluationInProgress) {
			writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "message": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "fired": fired})
}

func (h *Handler) handleDetect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()
	results, err := h.Manager.DetectAnomaliesNow(ctx)
	if err != nil {
		if errors.Is(err, manager.ErrDetectionInProgress) {
			writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "message": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "anomalies": results})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": h.Manager.Running()})
}

func (h *Handler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(r.Context(), timeout)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
