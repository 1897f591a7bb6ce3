package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"recon/scanner"
)

// Server bundles dependencies for HTTP handlers.
type Server struct {
	store    TaskStore
	planner  *Planner
	sessions *Sessions
	logger   *slog.Logger
}

// NewServer creates a new API server instance. sessions may be shared with
// a local worker pool so running tasks report live progress.
func NewServer(store TaskStore, planner *Planner, sessions *Sessions, logger *slog.Logger) *Server {
	if sessions == nil {
		sessions = NewSessions()
	}
	return &Server{store: store, planner: planner, sessions: sessions, logger: logger}
}

// RegisterRoutes attaches handlers to the provided Gin router group.
func (s *Server) RegisterRoutes(routes gin.IRoutes) {
	routes.POST("/scans", s.createScanHandler)
	routes.GET("/scans/:id", s.getScanHandler)
	routes.DELETE("/scans/:id", s.cancelScanHandler)
}

var uuidV4Pattern = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-4[a-fA-F0-9]{3}-[abAB89][a-fA-F0-9]{3}-[a-fA-F0-9]{12}$`)

// @Summary      Create a new scan task
// @Description  Submit targets, ports and probe kinds. The request is validated, persisted and queued for a worker, and the handler answers 202 with the task id.
// @Description  Poll GET /scans/{id} to follow pending → running → completed, cancelled or failed. Running tasks carry a progress snapshot; finished tasks carry the final report.
// @Tags         Scans
// @Accept       json
// @Produce      json
// @Param        scanRequest  body      CreateScanRequest      true  "Scan request parameters"
// @Success      202          {object}  ScanAcceptedResponse  "Scan accepted"
// @Failure      400          {object}  ErrorResponse         "Malformed body, bad port expression or unknown probe kind"
// @Failure      401          {object}  ErrorResponse         "Missing or incorrect API key"
// @Failure      429          {object}  ErrorResponse         "Rate limit exceeded"
// @Failure      500          {object}  ErrorResponse         "Failed to persist or queue the task"
// @Security     ApiKeyAuth
// @Router       /scans [post]
func (s *Server) createScanHandler(c *gin.Context) {
	var req CreateScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request payload: %v", err)})
		return
	}
	if _, _, err := s.planner.Plan(req.Targets, req.Ports, req.Kinds); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	taskID, err := scanner.NewID()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to generate task id"})
		return
	}
	c.Set(ctxTaskID, taskID)

	task := &ScanTask{
		ID:        taskID,
		Status:    StatusPending,
		Targets:   req.Targets,
		Ports:     req.Ports,
		Kinds:     req.Kinds,
		CreatedAt: time.Now().UTC(),
	}

	ctx := c.Request.Context()
	if err := s.store.CreateTask(ctx, task); err != nil {
		s.logger.Error("failed to persist task", "task_id", task.ID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to persist task"})
		return
	}

	if err := s.store.PushToQueue(ctx, task.ID); err != nil {
		task.Status = StatusFailed
		task.Error = "failed to queue task"
		now := time.Now().UTC()
		task.CompletedAt = &now
		_ = s.store.UpdateTask(ctx, task)

		s.logger.Error("failed to queue task", "task_id", task.ID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to queue task"})
		return
	}

	c.JSON(http.StatusAccepted, ScanAcceptedResponse{ID: task.ID, Status: task.Status})
}

// @Summary      Get a scan task
// @Description  Returns the task. Running tasks include the latest progress snapshot; completed and cancelled tasks include the final report.
// @Tags         Scans
// @Produce      json
// @Param        id   path      string         true  "Task id (UUID v4)"
// @Success      200  {object}  ScanTask       "Task state"
// @Failure      400  {object}  ErrorResponse  "Malformed task id"
// @Failure      401  {object}  ErrorResponse  "Missing or incorrect API key"
// @Failure      404  {object}  ErrorResponse  "Unknown task"
// @Failure      500  {object}  ErrorResponse  "Store failure"
// @Security     ApiKeyAuth
// @Router       /scans/{id} [get]
func (s *Server) getScanHandler(c *gin.Context) {
	task, ok := s.loadTask(c)
	if !ok {
		return
	}
	if task.Status == StatusRunning {
		if session := s.sessions.Get(task.ID); session != nil {
			snap := session.Snapshot()
			task.Progress = &snap
		}
	}
	c.JSON(http.StatusOK, task)
}

// @Summary      Cancel a scan task
// @Description  Requests cancellation. A queued task is dropped when a worker picks it up; a running session stops dispatching, and its report marks every unfinished pair cancelled.
// @Tags         Scans
// @Produce      json
// @Param        id   path      string                true  "Task id (UUID v4)"
// @Success      202  {object}  ScanAcceptedResponse  "Cancellation requested"
// @Failure      400  {object}  ErrorResponse         "Malformed task id"
// @Failure      401  {object}  ErrorResponse         "Missing or incorrect API key"
// @Failure      404  {object}  ErrorResponse         "Unknown task"
// @Failure      409  {object}  ErrorResponse         "Task already finished"
// @Failure      500  {object}  ErrorResponse         "Store failure"
// @Security     ApiKeyAuth
// @Router       /scans/{id} [delete]
func (s *Server) cancelScanHandler(c *gin.Context) {
	task, ok := s.loadTask(c)
	if !ok {
		return
	}
	if task.Terminal() {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "task already finished"})
		return
	}

	if err := s.store.RequestCancel(c.Request.Context(), task.ID); err != nil {
		s.logger.Error("failed to flag task cancelled", "task_id", task.ID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to cancel task"})
		return
	}
	if session := s.sessions.Get(task.ID); session != nil {
		session.Cancel()
	}
	s.logger.Info("scan cancellation requested", "task_id", task.ID)

	c.JSON(http.StatusAccepted, ScanAcceptedResponse{ID: task.ID, Status: task.Status})
}

func (s *Server) loadTask(c *gin.Context) (*ScanTask, bool) {
	id := c.Param("id")
	if !uuidV4Pattern.MatchString(id) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid task id"})
		return nil, false
	}
	c.Set(ctxTaskID, id)
	task, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "task not found"})
			return nil, false
		}
		s.logger.Error("failed to load task", "task_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load task"})
		return nil, false
	}
	return task, true
}
