package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apex-build/orchestrator/internal/auth"
	"github.com/apex-build/orchestrator/internal/heartbeat"
	"github.com/apex-build/orchestrator/internal/metrics"
	"github.com/apex-build/orchestrator/internal/middleware"
	"github.com/apex-build/orchestrator/internal/signalbus"
	"github.com/apex-build/orchestrator/internal/store"
)

// RouterDeps are the collaborators the HTTP Surface needs wired in from
// main: the Persistence Store (component I), the Signal Bus (component
// B), and the tenant auth service (component L). middleware.BudgetCheck
// is not applied here — it gates expensive run-creation calls, and this
// router exposes only the heartbeat/checkpoint collaborator contract,
// neither of which starts new model spend.
type RouterDeps struct {
	Runs        *store.RunStore
	Heartbeats  *store.HeartbeatStore
	Monitor     *heartbeat.Monitor // optional
	Signals     *signalbus.Bus
	AuthService *auth.TenantAuthService
}

// NewRouter builds the gin.Engine exposing exactly the collaborator
// endpoints of spec.md §6: a gin.New() engine with explicitly registered
// global middleware and unversioned routes.
func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS())
	r.Use(middleware.Security())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.RateLimit())
	r.Use(metrics.PrometheusMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", metrics.PrometheusHandler())

	hb := NewHeartbeatHandler(deps.Heartbeats, deps.Runs, deps.Monitor)
	cp := NewCheckpointHandler(deps.Runs, deps.Signals)

	// spec.md §6 names these routes unprefixed (POST /heartbeat, not
	// /api/v1/heartbeat) — this is the collaborator contract workers and
	// the resume trigger call directly, not a versioned public API.
	authed := r.Group("/")
	authed.Use(middleware.RequireAuth(deps.AuthService))
	{
		authed.POST("/heartbeat", hb.Record)
		authed.GET("/heartbeat/status/:task_id", hb.Status)
		authed.GET("/heartbeat/stalled", hb.Stalled)

		authed.GET("/checkpoints/runs/:run_id", cp.Latest)
		authed.POST("/checkpoints/:id/resume", cp.Resume)
		authed.DELETE("/checkpoints/cleanup", cp.Cleanup)
	}

	return r
}
