package removal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/flagsweep/internal/app"
	"github.com/jaakkos/flagsweep/internal/domain"
)

// removalDetail is the JSON shape returned by get_removal_request.
type removalDetail struct {
	Request  *domain.RemovalRequest `json:"request"`
	Sessions []*domain.AgentSession `json:"sessions"`
}

// registerCreateRemoval registers the create_removal_request tool.
func registerCreateRemoval(s *server.MCPServer, svc *app.OrchestratorService, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("create_removal_request",
			mcp.WithDescription("Create a feature flag removal request. One agent session is queued per repository and dispatched as capacity allows; each session removes the flag and opens a pull request."),
			mcp.WithString("flag_key", mcp.Required(), mcp.Description("Feature flag key to remove (e.g., 'checkout-v2')")),
			mcp.WithArray("repositories", mcp.Required(), mcp.Description("Repository URLs to clean, one session each (max 5)")),
			mcp.WithString("feature_flag_provider", mcp.Description("Flag provider name (e.g., 'launchdarkly')")),
			mcp.WithBoolean("dry_run", mcp.Description("Analyze without opening pull requests (default: false)")),
			mcp.WithString("created_by", mcp.Description("Who is requesting the removal")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			flagKey, err := requireString(args, "flag_key")
			if err != nil {
				return nil, err
			}
			repos := stringSlice(args, "repositories")
			if len(repos) == 0 {
				return nil, fmt.Errorf("repositories is required")
			}
			mode := ""
			if v, ok := args["dry_run"].(bool); ok && v {
				mode = "dry-run"
			}
			provider, _ := args["feature_flag_provider"].(string)
			createdBy, _ := args["created_by"].(string)

			request, sessions, err := svc.CreateRemovalRequest(app.CreateRemovalInput{
				FlagKey:      flagKey,
				Repositories: repos,
				Provider:     provider,
				Mode:         mode,
				CreatedBy:    createdBy,
			})
			if err != nil {
				return nil, err
			}

			logger.Printf("Removal request #%d created via MCP (%d sessions)", request.ID, len(sessions))
			return mcp.NewToolResultText(fmt.Sprintf("Removal request #%d created for flag %q: %d session(s) queued",
				request.ID, request.FlagKey, len(sessions))), nil
		},
	)
}

// registerGetRemoval registers the get_removal_request tool.
func registerGetRemoval(s *server.MCPServer, svc *app.OrchestratorService, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("get_removal_request",
			mcp.WithDescription("Get one removal request with all of its agent sessions, as JSON. Shows per-session status, PR URLs, and ACU consumption."),
			mcp.WithNumber("id", mcp.Required(), mcp.Description("Removal request ID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			id, err := requireID(args, "id")
			if err != nil {
				return nil, err
			}

			request, sessions, err := svc.RemovalRequestByID(id)
			if errors.Is(err, app.ErrNotFound) {
				return nil, fmt.Errorf("removal request #%d not found", id)
			}
			if err != nil {
				return nil, err
			}

			data, err := json.MarshalIndent(removalDetail{Request: request, Sessions: sessions}, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("marshal request: %w", err)
			}
			return mcp.NewToolResultText(string(data)), nil
		},
	)
}

// registerListRemovals registers the list_removal_requests tool.
func registerListRemovals(s *server.MCPServer, svc *app.OrchestratorService, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("list_removal_requests",
			mcp.WithDescription("List removal requests, newest first. Check this to see what the orchestrator is working on."),
			mcp.WithString("status", mcp.Description("Filter by status (default: 'all')"), mcp.Enum("all", "queued", "in_progress", "completed", "failed")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of requests to return (default: 50, max: 100)")),
			mcp.WithNumber("offset", mcp.Description("Number of requests to skip, for paging")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			status := ""
			if v, ok := args["status"].(string); ok && v != "all" {
				status = v
			}
			limit := clampedInt(args, "limit", 50, 100)
			offset := 0
			if v, ok := args["offset"].(float64); ok && v > 0 {
				offset = int(v)
			}

			summaries, total, err := svc.ListRemovalRequests(app.RequestFilter{Status: status, Limit: limit, Offset: offset})
			if err != nil {
				return nil, err
			}
			if len(summaries) == 0 {
				return mcp.NewToolResultText("No removal requests found"), nil
			}

			var result string
			for _, sum := range summaries {
				result += fmt.Sprintf("Request #%d [%s] flag %s\n", sum.ID, sum.Status, sum.FlagKey)
				result += fmt.Sprintf("  Sessions: %d/%d done", sum.CompletedSessions, sum.SessionCount)
				if sum.FailedSessions > 0 {
					result += fmt.Sprintf(" (%d failed)", sum.FailedSessions)
				}
				if sum.TotalACU > 0 {
					result += fmt.Sprintf(", ACU: %d", sum.TotalACU)
				}
				if sum.Mode == "dry-run" {
					result += ", dry-run"
				}
				result += "\n"
				if sum.CreatedBy != "" {
					result += fmt.Sprintf("  Created by: %s\n", sum.CreatedBy)
				}
				result += "\n"
			}
			result += fmt.Sprintf("%d of %d request(s)", len(summaries), total)

			logger.Printf("Listed %d removal requests", len(summaries))
			return mcp.NewToolResultText(result), nil
		},
	)
}

// registerRemovalLogs registers the get_removal_logs tool.
func registerRemovalLogs(s *server.MCPServer, svc *app.OrchestratorService, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("get_removal_logs",
			mcp.WithDescription("Get the merged activity log of a removal request across all of its sessions, oldest first."),
			mcp.WithNumber("id", mcp.Required(), mcp.Description("Removal request ID")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of log entries to return, counted from the end (default: 100, max: 500)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			id, err := requireID(args, "id")
			if err != nil {
				return nil, err
			}
			limit := clampedInt(args, "limit", 100, 500)

			logs, err := svc.RequestLogs(id)
			if errors.Is(err, app.ErrNotFound) {
				return nil, fmt.Errorf("removal request #%d not found", id)
			}
			if err != nil {
				return nil, err
			}
			if len(logs) == 0 {
				return mcp.NewToolResultText("No log entries"), nil
			}
			if len(logs) > limit {
				logs = logs[len(logs)-limit:]
			}

			var result string
			for _, entry := range logs {
				result += fmt.Sprintf("%s [%s] %s: %s\n",
					entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Level, entry.Repository, entry.Message)
			}

			logger.Printf("Returned %d log entries for request #%d", len(logs), id)
			return mcp.NewToolResultText(result), nil
		},
	)
}

// registerDeleteRemoval registers the delete_removal_request tool.
func registerDeleteRemoval(s *server.MCPServer, svc *app.OrchestratorService, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("delete_removal_request",
			mcp.WithDescription("Delete a removal request with all of its sessions and logs. Remote agent sessions are not cancelled; this only removes local records."),
			mcp.WithNumber("id", mcp.Required(), mcp.Description("Removal request ID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			id, err := requireID(args, "id")
			if err != nil {
				return nil, err
			}

			if err := svc.DeleteRemovalRequest(id); err != nil {
				if errors.Is(err, app.ErrNotFound) {
					return nil, fmt.Errorf("removal request #%d not found", id)
				}
				return nil, err
			}

			logger.Printf("Removal request #%d deleted via MCP", id)
			return mcp.NewToolResultText(fmt.Sprintf("Removal request #%d deleted", id)), nil
		},
	)
}
