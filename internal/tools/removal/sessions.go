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
)

// registerStats registers the orchestrator_stats tool.
func registerStats(s *server.MCPServer, svc *app.OrchestratorService, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("orchestrator_stats",
			mcp.WithDescription("Get orchestrator load as JSON: active sessions against the concurrency ceiling plus per-status request and session counts."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			stats, err := svc.Stats()
			if err != nil {
				return nil, err
			}
			data, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("marshal stats: %w", err)
			}
			return mcp.NewToolResultText(string(data)), nil
		},
	)
}

// registerSendSessionMessage registers the send_session_message tool.
func registerSendSessionMessage(s *server.MCPServer, svc *app.OrchestratorService, messenger Messenger, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("send_session_message",
			mcp.WithDescription("Send a message to a dispatched agent session. Use this to answer questions from a blocked session or to steer one that is working."),
			mcp.WithNumber("session_id", mcp.Required(), mcp.Description("Local agent session ID (see get_removal_request)")),
			mcp.WithString("message", mcp.Required(), mcp.Description("Message content for the remote agent")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			id, err := requireID(args, "session_id")
			if err != nil {
				return nil, err
			}
			message, err := requireString(args, "message")
			if err != nil {
				return nil, err
			}

			sess, err := svc.SessionByID(id)
			if errors.Is(err, app.ErrNotFound) {
				return nil, fmt.Errorf("session #%d not found", id)
			}
			if err != nil {
				return nil, err
			}
			if sess.RemoteID == "" {
				return nil, fmt.Errorf("session #%d has not been dispatched yet", id)
			}
			if sess.Status.Terminal() {
				return nil, fmt.Errorf("session #%d is already %s", id, sess.Status)
			}

			if err := messenger.SendMessage(ctx, sess.RemoteID, message); err != nil {
				return nil, fmt.Errorf("send message to session #%d: %w", id, err)
			}

			logger.Printf("Message sent to session #%d (%s)", id, sess.RemoteID)
			return mcp.NewToolResultText(fmt.Sprintf("Message sent to session #%d", id)), nil
		},
	)
}
