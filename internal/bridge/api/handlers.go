package api

import (
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/statbridge/statbridge/internal/common/errors"
	"github.com/statbridge/statbridge/internal/common/logger"
	"github.com/statbridge/statbridge/internal/ipc"
	"github.com/statbridge/statbridge/internal/session"
)

// Handler contains the HTTP handlers for the bridge API
type Handler struct {
	manager   *session.Manager
	graphsDir string
	logger    *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(mgr *session.Manager, graphsDir string, log *logger.Logger) *Handler {
	return &Handler{
		manager:   mgr,
		graphsDir: graphsDir,
		logger:    log.WithFields(zap.String("component", "bridge-api")),
	}
}

// ListSessions lists all live sessions
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.manager.ListSessions()
	c.JSON(http.StatusOK, SessionsListResponse{Sessions: sessions, Total: len(sessions)})
}

// CreateSession creates a session, generating an id when none is given
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	// Body is optional; an empty body creates a session with a generated id
	_ = c.ShouldBindJSON(&req)

	id, err := h.manager.CreateSession(req.SessionID)
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "maximum sessions") {
			status = http.StatusConflict
		}
		c.JSON(status, CreateSessionResponse{Success: false, Error: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, CreateSessionResponse{Success: true, SessionID: id})
}

// GetSession returns one session
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	info, ok := h.manager.GetSession(sessionID)
	if !ok {
		appErr := errors.NotFound("session", sessionID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, info)
}

// DestroySession destroys a session
// DELETE /api/v1/sessions/:sessionId?force=true
func (h *Handler) DestroySession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	force := c.Query("force") == "true"

	if err := h.manager.DestroySession(sessionID, force); err != nil {
		if strings.Contains(err.Error(), "not found") {
			appErr := errors.NotFound("session", sessionID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		if strings.Contains(err.Error(), "default session") {
			appErr := errors.Forbidden(err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		appErr := errors.InternalError("failed to destroy session", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "session destroyed"})
}

// StopExecution interrupts a session's in-flight command
// POST /api/v1/sessions/:sessionId/stop
func (h *Handler) StopExecution(c *gin.Context) {
	sessionID := c.Param("sessionId")

	res := h.manager.StopExecution(sessionID)
	status := http.StatusOK
	if res.Status == ipc.StatusError {
		status = http.StatusNotFound
	}
	c.JSON(status, StopResponse{Status: res.Status, Message: res.Message, Error: res.Error})
}

// GetData returns a columnar snapshot of a session's dataset
// GET /api/v1/sessions/:sessionId/data?if=<cond>&max_rows=<n>
func (h *Handler) GetData(c *gin.Context) {
	sessionID := c.Param("sessionId")
	ifCondition := c.Query("if")

	maxRows := 10000
	if v := c.Query("max_rows"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			appErr := errors.BadRequest("max_rows must be an integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		maxRows = n
	}

	res := h.manager.GetData(c.Request.Context(), sessionID, ifCondition, maxRows, 30*time.Second)
	if res.Status != ipc.StatusSuccess {
		status := http.StatusInternalServerError
		if strings.Contains(res.Error, "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetStats returns registry counters
// GET /api/v1/stats
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Stats())
}

// GetHistory returns the recorded command history
// GET /api/v1/history
func (h *Handler) GetHistory(c *gin.Context) {
	entries := h.manager.History()
	c.JSON(http.StatusOK, HistoryResponse{Entries: entries, Total: len(entries)})
}

// ClearHistory drops the recorded command history
// DELETE /api/v1/history
func (h *Handler) ClearHistory(c *gin.Context) {
	h.manager.ClearHistory()
	c.JSON(http.StatusOK, gin.H{"message": "history cleared"})
}

// ServeGraph serves an exported graph artifact
// GET /api/v1/graphs/:name
func (h *Handler) ServeGraph(c *gin.Context) {
	name := c.Param("name")
	// Artifact names come from Stata graph names; reject anything that
	// could escape the graphs directory.
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		appErr := errors.BadRequest("invalid graph name")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if !strings.HasSuffix(name, ".png") {
		name += ".png"
	}
	c.File(filepath.Join(h.graphsDir, name))
}

// HealthCheck reports liveness plus registry counters
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Stats:     h.manager.Stats(),
	})
}
