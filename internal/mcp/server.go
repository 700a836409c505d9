// Package mcp exposes cohort operations as MCP tools for agents and
// operators.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"cohort-engine/internal/repository"
	"cohort-engine/internal/scheduler"
	"cohort-engine/pkg/models"
)

// CohortReader reads tracking rows.
type CohortReader interface {
	GetCohort(ctx context.Context, id int64) (*models.Cohort, error)
	SizeHistory(ctx context.Context, id int64, limit int) ([]models.SizeHistoryEntry, error)
}

// CycleRunner runs one cycle on demand.
type CycleRunner interface {
	RunCycle(ctx context.Context) scheduler.CycleReport
}

type Server struct {
	mcpServer *server.MCPServer
	store     CohortReader
	cycles    CycleRunner
}

func NewServer(store CohortReader, cycles CycleRunner) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Cohort Engine",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		store:  store,
		cycles: cycles,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"cohort_status",
			mcp.WithDescription("Show the computation status of a cohort: published version, errors and recent sizes"),
			mcp.WithNumber("cohort_id", mcp.Required(), mcp.Description("The ID of the cohort")),
		),
		s.handleCohortStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_cycle",
			mcp.WithDescription("Run one recompute cycle now and return its report"),
		),
		s.handleRunCycle,
	)
}

type cohortStatus struct {
	*models.Cohort
	SizeHistory []models.SizeHistoryEntry `json:"size_history"`
}

func (s *Server) handleCohortStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	raw, ok := args["cohort_id"].(float64)
	if !ok || raw <= 0 || raw != float64(int64(raw)) {
		return mcp.NewToolResultError("Missing required parameter: cohort_id"), nil
	}
	id := int64(raw)

	cohort, err := s.store.GetCohort(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("Cohort %d not found", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read cohort: %v", err)), nil
	}
	history, err := s.store.SizeHistory(ctx, id, 10)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read size history: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(cohortStatus{Cohort: cohort, SizeHistory: history})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleRunCycle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report := s.cycles.RunCycle(context.WithoutCancel(ctx))
	jsonBytes, _ := json.Marshal(report)
	if !report.LockAcquired {
		return mcp.NewToolResultError("Cycle did not run: " + string(jsonBytes)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the SSE transport under /mcp.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
