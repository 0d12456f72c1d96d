package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/apex-build/orchestrator/internal/auth"
	"github.com/apex-build/orchestrator/internal/signalbus"
	"github.com/apex-build/orchestrator/internal/store"
	"github.com/apex-build/orchestrator/pkg/models"
)

func newTestRouter(t *testing.T) (*gin.Engine, *store.RunStore, *auth.TenantAuthService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	db := &store.Database{DB: gdb}
	require.NoError(t, db.Migrate())

	runs := store.NewRunStore(db)
	heartbeats := store.NewHeartbeatStore(db)
	signals := signalbus.New(store.NewSignalStore(db))
	authService := auth.NewTenantAuthService("test-secret-for-handlers")

	r := NewRouter(RouterDeps{
		Runs:        runs,
		Heartbeats:  heartbeats,
		Signals:     signals,
		AuthService: authService,
	})
	return r, runs, authService
}

func bearerFor(t *testing.T, authService *auth.TenantAuthService, tenantID string) string {
	t.Helper()
	pair, err := authService.IssueTokens(tenantID, "service")
	require.NoError(t, err)
	return "Bearer " + pair.AccessToken
}

func doJSON(r *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeartbeat_RecordStatusStalled(t *testing.T) {
	r, runs, authService := newTestRouter(t)
	token := bearerFor(t, authService, "tenant-acme")

	require.NoError(t, runs.CreateRun(context.Background(), &models.Run{ID: "run-1", TenantID: "tenant-acme"}))

	w := doJSON(r, http.MethodPost, "/heartbeat", token, map[string]interface{}{
		"task_id": "task-1",
		"run_id":  "run-1",
		"phase":   "INTAKE",
		"pct":     42.5,
		"eta":     time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/heartbeat/status/task-1", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp StandardResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)

	w = doJSON(r, http.MethodGet, "/heartbeat/status/does-not-exist", token, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodGet, "/heartbeat/stalled?heartbeat_seconds=1&stall_threshold=1", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHeartbeat_MissingFieldRejected(t *testing.T) {
	r, runs, authService := newTestRouter(t)
	token := bearerFor(t, authService, "tenant-acme")
	require.NoError(t, runs.CreateRun(context.Background(), &models.Run{ID: "run-1", TenantID: "tenant-acme"}))

	w := doJSON(r, http.MethodPost, "/heartbeat", token, map[string]interface{}{
		"run_id": "run-1",
		"phase":  "INTAKE",
		"eta":    time.Now().UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHeartbeat_CrossTenantNotFound(t *testing.T) {
	r, runs, authService := newTestRouter(t)
	require.NoError(t, runs.CreateRun(context.Background(), &models.Run{ID: "run-1", TenantID: "tenant-acme"}))

	otherToken := bearerFor(t, authService, "tenant-other")
	w := doJSON(r, http.MethodPost, "/heartbeat", otherToken, map[string]interface{}{
		"task_id": "task-1",
		"run_id":  "run-1",
		"phase":   "INTAKE",
		"eta":     time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCheckpoint_LatestAndResume(t *testing.T) {
	r, runs, authService := newTestRouter(t)
	token := bearerFor(t, authService, "tenant-acme")
	ctx := context.Background()

	require.NoError(t, runs.CreateRun(ctx, &models.Run{ID: "run-1", TenantID: "tenant-acme", Status: models.RunPaused}))
	require.NoError(t, runs.SaveCheckpoint(ctx, models.Checkpoint{ID: "cp-1", RunID: "run-1", Phase: "INTAKE", Hash: "abc"}))

	w := doJSON(r, http.MethodGet, "/checkpoints/runs/run-1", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/checkpoints/runs/run-does-not-exist", token, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodPost, "/checkpoints/cp-1/resume", token, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(r, http.MethodPost, "/checkpoints/no-such-checkpoint/resume", token, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCheckpoint_ResumeRejectsNonPausedRun(t *testing.T) {
	r, runs, authService := newTestRouter(t)
	token := bearerFor(t, authService, "tenant-acme")
	ctx := context.Background()

	require.NoError(t, runs.CreateRun(ctx, &models.Run{ID: "run-1", TenantID: "tenant-acme", Status: models.RunRunning}))
	require.NoError(t, runs.SaveCheckpoint(ctx, models.Checkpoint{ID: "cp-1", RunID: "run-1", Phase: "INTAKE", Hash: "abc"}))

	w := doJSON(r, http.MethodPost, "/checkpoints/cp-1/resume", token, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckpoint_Cleanup(t *testing.T) {
	r, runs, authService := newTestRouter(t)
	token := bearerFor(t, authService, "tenant-acme")
	ctx := context.Background()

	require.NoError(t, runs.CreateRun(ctx, &models.Run{ID: "run-1", TenantID: "tenant-acme"}))
	require.NoError(t, runs.SaveCheckpoint(ctx, models.Checkpoint{ID: "cp-1", RunID: "run-1", Phase: "INTAKE", Hash: "abc"}))

	w := doJSON(r, http.MethodDelete, "/checkpoints/cleanup?max_age_hours=0", token, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodDelete, "/checkpoints/cleanup", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doJSON(r, http.MethodGet, "/heartbeat/stalled", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
