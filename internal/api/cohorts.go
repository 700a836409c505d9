package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"cohort-engine/internal/backoff"
	"cohort-engine/internal/repository"
	"cohort-engine/internal/scheduler"
	"cohort-engine/pkg/models"
)

const sizeHistoryLimit = 30

// CohortReader reads tracking rows.
type CohortReader interface {
	GetCohort(ctx context.Context, id int64) (*models.Cohort, error)
	SizeHistory(ctx context.Context, id int64, limit int) ([]models.SizeHistoryEntry, error)
}

// CycleRunner runs one cycle on demand.
type CycleRunner interface {
	RunCycle(ctx context.Context) scheduler.CycleReport
}

// Server holds the dependencies for the API server.
type Server struct {
	Store   CohortReader
	Cycles  CycleRunner
	Backoff backoff.Policy
	Checks  map[string]Pinger
	Version string
}

// NewServer creates a new Server.
func NewServer(store CohortReader, cycles CycleRunner, policy backoff.Policy, checks map[string]Pinger) *Server {
	return &Server{Store: store, Cycles: cycles, Backoff: policy, Checks: checks, Version: "dev"}
}

// Register mounts the routes on e. protect wraps the mutating routes.
func (s *Server) Register(e *echo.Echo, protect func(http.Handler) http.Handler) {
	e.GET("/healthz", s.HandleHealth)
	e.GET("/metrics", HandleMetrics)

	v1 := e.Group("/api/v1")
	v1.GET("/cohorts/:id", s.GetCohortStatus)
	var mw []echo.MiddlewareFunc
	if protect != nil {
		mw = append(mw, echo.WrapMiddleware(protect))
	}
	v1.POST("/cycles", s.RunCycle, mw...)
}

// CohortStatus is the tracking view of one cohort.
type CohortStatus struct {
	*models.Cohort
	// NextAttemptAt is set while the cohort is backing off after errors.
	NextAttemptAt *time.Time                `json:"next_attempt_at,omitempty"`
	SizeHistory   []models.SizeHistoryEntry `json:"size_history"`
}

// GetCohortStatus returns the tracking row and recent sizes of a cohort
// (GET /api/v1/cohorts/:id)
func (s *Server) GetCohortStatus(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid cohort id: "+c.Param("id"))
	}

	cohort, err := s.Store.GetCohort(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	history, err := s.Store.SizeHistory(ctx, id, sizeHistoryLimit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to read size history: "+err.Error())
	}
	if history == nil {
		history = []models.SizeHistoryEntry{}
	}

	status := CohortStatus{Cohort: cohort, SizeHistory: history}
	if next := s.Backoff.NextAttempt(cohort.ErrorsCalculating, cohort.LastErrorAt); !next.IsZero() && next.After(time.Now()) {
		status.NextAttemptAt = &next
	}
	return c.JSON(http.StatusOK, status)
}

// RunCycle runs one cycle now and returns its report. The cycle is not tied
// to the request, so a disconnecting client does not abandon it halfway.
// (POST /api/v1/cycles)
func (s *Server) RunCycle(c echo.Context) error {
	report := s.Cycles.RunCycle(context.WithoutCancel(c.Request().Context()))

	switch {
	case report.LockAcquired:
		return c.JSON(http.StatusOK, report)
	case report.Error != "":
		return c.JSON(http.StatusServiceUnavailable, report)
	}
	// another worker holds the cycle lock
	return c.JSON(http.StatusConflict, report)
}
