package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/apex-build/orchestrator/internal/apexerr"
	"github.com/apex-build/orchestrator/internal/heartbeat"
	"github.com/apex-build/orchestrator/internal/metrics"
	"github.com/apex-build/orchestrator/internal/middleware"
	"github.com/apex-build/orchestrator/internal/store"
	"github.com/apex-build/orchestrator/pkg/models"
)

// HeartbeatHandler serves the heartbeat collaborator contract of
// spec.md §6: workers report liveness here, and the stall-detection
// query reads back what the Heartbeat Monitor (component C) would
// otherwise only report through its own tick.
type HeartbeatHandler struct {
	heartbeats *store.HeartbeatStore
	runs       *store.RunStore
	monitor    *heartbeat.Monitor // optional: feeds the in-process stall ticker too

	defaultHeartbeatSeconds int
	defaultStallThreshold   int
}

// NewHeartbeatHandler builds a HeartbeatHandler. monitor may be nil when
// no in-process Heartbeat Monitor is wired (stall detection then relies
// solely on the persisted Stalled query).
func NewHeartbeatHandler(heartbeats *store.HeartbeatStore, runs *store.RunStore, monitor *heartbeat.Monitor) *HeartbeatHandler {
	return &HeartbeatHandler{
		heartbeats:              heartbeats,
		runs:                    runs,
		monitor:                 monitor,
		defaultHeartbeatSeconds: 60,
		defaultStallThreshold:   3,
	}
}

// heartbeatRequest is the POST /heartbeat body.
type heartbeatRequest struct {
	TaskID  string                 `json:"task_id" binding:"required"`
	RunID   string                 `json:"run_id" binding:"required"`
	Phase   string                 `json:"phase" binding:"required"`
	Pct     float64                `json:"pct"`
	ETA     string                 `json:"eta" binding:"required"`
	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// Record handles POST /heartbeat.
func (h *HeartbeatHandler) Record(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apexerr.KindValidation, fmt.Errorf("invalid heartbeat body: %w", err))
		return
	}
	if req.Pct < 0 || req.Pct > 100 {
		respondError(c, apexerr.KindValidation, errors.New("pct must be between 0 and 100"))
		return
	}
	eta, err := time.Parse(time.RFC3339, req.ETA)
	if err != nil {
		respondError(c, apexerr.KindValidation, fmt.Errorf("eta must be ISO-8601: %w", err))
		return
	}

	ctx := c.Request.Context()
	if !h.tenantOwnsRun(c, req.RunID) {
		respondError(c, apexerr.KindNotFound, fmt.Errorf("run %s not found", req.RunID))
		return
	}

	metricsJSON := ""
	if req.Metrics != nil {
		b, err := json.Marshal(req.Metrics)
		if err != nil {
			respondError(c, apexerr.KindValidation, fmt.Errorf("invalid metrics: %w", err))
			return
		}
		metricsJSON = string(b)
	}

	hb := models.Heartbeat{
		TaskID:  req.TaskID,
		RunID:   req.RunID,
		Phase:   req.Phase,
		Pct:     req.Pct,
		ETA:     eta,
		Metrics: metricsJSON,
	}
	if err := h.heartbeats.Record(ctx, hb); err != nil {
		respondError(c, apexerr.KindFatal, fmt.Errorf("recording heartbeat: %w", err))
		return
	}
	if h.monitor != nil {
		h.monitor.Record(req.TaskID, req.Pct, eta, metricsJSON)
	}
	metrics.Get().RecordHeartbeat(req.Phase)

	respondOK(c, gin.H{
		"status":    "ok",
		"task_id":   req.TaskID,
		"timestamp": nowUTC(),
	})
}

// Status handles GET /heartbeat/status/:task_id.
func (h *HeartbeatHandler) Status(c *gin.Context) {
	taskID := c.Param("task_id")
	ctx := c.Request.Context()

	hb, err := h.heartbeats.LatestForTask(ctx, taskID)
	if err != nil {
		respondError(c, apexerr.KindFatal, fmt.Errorf("loading heartbeat status: %w", err))
		return
	}
	if hb == nil {
		respondError(c, apexerr.KindNotFound, fmt.Errorf("no heartbeat recorded for task %s", taskID))
		return
	}
	if !h.tenantOwnsRun(c, hb.RunID) {
		respondError(c, apexerr.KindNotFound, fmt.Errorf("no heartbeat recorded for task %s", taskID))
		return
	}

	respondOK(c, hb)
}

// Stalled handles GET /heartbeat/stalled. heartbeat_seconds and
// stall_threshold query params override the defaults used to compute the
// staleness cutoff, matching the thresholds a PhaseConfig would carry.
func (h *HeartbeatHandler) Stalled(c *gin.Context) {
	heartbeatSeconds := queryInt(c, "heartbeat_seconds", h.defaultHeartbeatSeconds)
	stallThreshold := queryInt(c, "stall_threshold", h.defaultStallThreshold)
	if heartbeatSeconds < 1 || stallThreshold < 1 {
		respondError(c, apexerr.KindValidation, errors.New("heartbeat_seconds and stall_threshold must be >= 1"))
		return
	}
	grace := time.Duration(heartbeatSeconds*stallThreshold) * time.Second
	cutoff := nowUTC().Add(-grace)

	ctx := c.Request.Context()
	tenantID, ok := middleware.TenantID(c)

	var (
		tasks []models.Task
		err   error
	)
	if ok {
		tasks, err = h.heartbeats.StalledForTenant(ctx, tenantID, cutoff)
	} else {
		tasks, err = h.heartbeats.Stalled(ctx, cutoff)
	}
	if err != nil {
		respondError(c, apexerr.KindFatal, fmt.Errorf("listing stalled tasks: %w", err))
		return
	}

	respondOK(c, gin.H{"tasks": tasks})
}

// tenantOwnsRun reports whether runID belongs to the authenticated
// tenant in c, or true if the request carries no tenant context (an
// internal caller that already authenticated by other means).
func (h *HeartbeatHandler) tenantOwnsRun(c *gin.Context, runID string) bool {
	tenantID, ok := middleware.TenantID(c)
	if !ok {
		return true
	}
	run, err := h.runs.GetRun(c.Request.Context(), runID)
	if err != nil || run == nil {
		return false
	}
	return run.TenantID == tenantID
}
