package handlers

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/apex-build/orchestrator/internal/apexerr"
	"github.com/apex-build/orchestrator/internal/metrics"
	"github.com/apex-build/orchestrator/internal/middleware"
	"github.com/apex-build/orchestrator/internal/signalbus"
	"github.com/apex-build/orchestrator/internal/store"
	"github.com/apex-build/orchestrator/pkg/models"
)

// CheckpointHandler serves the checkpoint collaborator contract of
// spec.md §6: read back the latest checkpoint for a run, trigger resume
// of a paused run, and sweep expired checkpoints.
type CheckpointHandler struct {
	runs    *store.RunStore
	signals *signalbus.Bus

	defaultRetention time.Duration
}

// NewCheckpointHandler builds a CheckpointHandler.
func NewCheckpointHandler(runs *store.RunStore, signals *signalbus.Bus) *CheckpointHandler {
	return &CheckpointHandler{
		runs:             runs,
		signals:          signals,
		defaultRetention: 7 * 24 * time.Hour,
	}
}

// Latest handles GET /checkpoints/runs/:run_id?phase=.
func (h *CheckpointHandler) Latest(c *gin.Context) {
	runID := c.Param("run_id")
	phase := c.Query("phase")
	ctx := c.Request.Context()

	run, err := h.runs.GetRun(ctx, runID)
	if err != nil {
		respondError(c, apexerr.KindFatal, fmt.Errorf("loading run: %w", err))
		return
	}
	if run == nil || !h.tenantOwns(c, run) {
		respondError(c, apexerr.KindNotFound, fmt.Errorf("run %s not found", runID))
		return
	}

	cp, err := h.runs.LatestCheckpointForPhase(ctx, runID, phase)
	if err != nil {
		respondError(c, apexerr.KindFatal, fmt.Errorf("loading latest checkpoint: %w", err))
		return
	}
	respondOK(c, gin.H{"checkpoint": cp})
}

// Resume handles POST /checkpoints/:id/resume: it does not re-enter the
// state machine itself — that is the Mothership Orchestrator's job —
// it raises a resume Signal at run scope through the Signal Bus, which
// whatever process owns the run's RunWorkflow loop is subscribed to.
func (h *CheckpointHandler) Resume(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	cp, err := h.runs.GetCheckpoint(ctx, id)
	if err != nil {
		respondError(c, apexerr.KindFatal, fmt.Errorf("loading checkpoint: %w", err))
		return
	}
	if cp == nil {
		respondError(c, apexerr.KindNotFound, fmt.Errorf("checkpoint %s not found", id))
		return
	}

	run, err := h.runs.GetRun(ctx, cp.RunID)
	if err != nil {
		respondError(c, apexerr.KindFatal, fmt.Errorf("loading run: %w", err))
		return
	}
	if run == nil || !h.tenantOwns(c, run) {
		respondError(c, apexerr.KindNotFound, fmt.Errorf("checkpoint %s not found", id))
		return
	}
	if run.Status != models.RunPaused {
		metrics.RecordCheckpointResume("rejected_not_paused")
		respondError(c, apexerr.KindValidation, fmt.Errorf("run %s is not paused (status=%s)", run.ID, run.Status))
		return
	}

	if h.signals == nil {
		metrics.RecordCheckpointResume("no_signal_bus")
		respondError(c, apexerr.KindFatal, errors.New("resume is not available: no signal bus configured"))
		return
	}
	sentBy, _ := middleware.TenantID(c)
	if sentBy == "" {
		sentBy = "http-surface"
	}
	sig, err := h.signals.Send(ctx, models.SignalResume, models.SignalTarget{Scope: models.ScopeRun, ID: cp.RunID}, "manual_resume", sentBy)
	if err != nil {
		metrics.RecordCheckpointResume("send_failed")
		respondError(c, apexerr.KindFatal, fmt.Errorf("sending resume signal: %w", err))
		return
	}
	metrics.RecordCheckpointResume("signal_sent")

	c.JSON(202, StandardResponse{Success: true, Data: gin.H{
		"status":    "resume_triggered",
		"run_id":    cp.RunID,
		"signal_id": sig.ID,
	}})
}

// Cleanup handles DELETE /checkpoints/cleanup. max_age_hours overrides
// the default 7-day retention window.
func (h *CheckpointHandler) Cleanup(c *gin.Context) {
	maxAgeHours := queryInt(c, "max_age_hours", int(h.defaultRetention.Hours()))
	if maxAgeHours < 1 {
		respondError(c, apexerr.KindValidation, errors.New("max_age_hours must be >= 1"))
		return
	}
	cutoff := nowUTC().Add(-time.Duration(maxAgeHours) * time.Hour)

	deleted, err := h.runs.DeleteCheckpointsBefore(c.Request.Context(), cutoff)
	if err != nil {
		respondError(c, apexerr.KindFatal, fmt.Errorf("cleaning up checkpoints: %w", err))
		return
	}
	respondOK(c, gin.H{"deleted": deleted})
}

// tenantOwns reports whether run belongs to the authenticated tenant in
// c, or true if the request carries no tenant context.
func (h *CheckpointHandler) tenantOwns(c *gin.Context, run *models.Run) bool {
	tenantID, ok := middleware.TenantID(c)
	if !ok {
		return true
	}
	return run.TenantID == tenantID
}
