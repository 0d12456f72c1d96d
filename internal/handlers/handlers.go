// Package handlers implements the HTTP Surface (component K): thin gin
// handlers for the heartbeat and checkpoint collaborator contracts. Each
// handler validates its input, delegates to the persistence store or the
// Signal Bus, and translates errors into the documented status codes —
// it never contains orchestration logic itself.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/apex-build/orchestrator/internal/apexerr"
	"github.com/apex-build/orchestrator/internal/metrics"
)

// StandardResponse is the envelope every handler in this package returns
// on success; error responses use ErrorResponse instead.
type StandardResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse is the envelope every handler returns on failure.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// respondError writes an ErrorResponse with the status apexerr.HTTPStatus
// maps kind to, and records the error kind against the operation's route.
func respondError(c *gin.Context, kind apexerr.Kind, err error) {
	metrics.Get().RecordErrorKind(string(kind), c.FullPath())
	c.JSON(apexerr.HTTPStatus(kind), ErrorResponse{
		Error: err.Error(),
		Code:  string(kind),
	})
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, StandardResponse{Success: true, Data: data})
}

// queryInt reads an integer query parameter, falling back to def on
// absence or malformed input.
func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func nowUTC() time.Time { return time.Now().UTC() }
