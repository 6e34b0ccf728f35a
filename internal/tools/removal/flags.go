package removal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/flagsweep/internal/app"
	"github.com/jaakkos/flagsweep/internal/flagindex"
)

// registerStartDiscovery registers the start_flag_discovery tool.
func registerStartDiscovery(s *server.MCPServer, svc *app.OrchestratorService, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("start_flag_discovery",
			mcp.WithDescription("Start a read-only scan of one repository for feature flag references. Results land in the flag index and become searchable with search_flag_references once the session finishes."),
			mcp.WithString("repository", mcp.Required(), mcp.Description("Repository URL to scan")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			repository, err := requireString(args, "repository")
			if err != nil {
				return nil, err
			}

			sess, err := svc.StartFlagDiscovery(repository)
			if err != nil {
				return nil, err
			}

			logger.Printf("Discovery session #%d created via MCP", sess.ID)
			return mcp.NewToolResultText(fmt.Sprintf("Discovery session #%d queued for %s", sess.ID, repository)), nil
		},
	)
}

// registerSearchFlags registers the search_flag_references tool.
func registerSearchFlags(s *server.MCPServer, index *flagindex.Index, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("search_flag_references",
			mcp.WithDescription("Search indexed flag references across scanned repositories. Returns ranked hits with file, line, and a highlighted snippet. Run start_flag_discovery first to populate the index."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Flag key or free text to search for (e.g., 'checkout-v2')")),
			mcp.WithString("repository", mcp.Description("Restrict hits to one repository URL")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of hits to return (default: 20, max: 100)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			query, err := requireString(args, "query")
			if err != nil {
				return nil, err
			}
			repository, _ := args["repository"].(string)
			limit := clampedInt(args, "limit", 20, 100)

			results, err := index.Search(query, repository, limit)
			if err != nil {
				logger.Printf("search_flag_references error: %v", err)
				return nil, fmt.Errorf("flag search failed: %w", err)
			}
			if len(results) == 0 {
				return mcp.NewToolResultText("No references found for: " + query), nil
			}

			data, err := json.MarshalIndent(results, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("marshal results: %w", err)
			}

			logger.Printf("search_flag_references: %q returned %d hits", query, len(results))
			return mcp.NewToolResultText(string(data)), nil
		},
	)
}

// registerProviderFlags registers the list_provider_flags tool. index may be
// nil; compare then reports an error instead of an empty comparison.
func registerProviderFlags(s *server.MCPServer, provider FlagProvider, index *flagindex.Index, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("list_provider_flags",
			mcp.WithDescription("List feature flags at the configured provider as JSON. With compare=true, split flag keys by where they appear: provider only, code only (per the flag index), or both."),
			mcp.WithBoolean("compare", mcp.Description("Compare provider flags against indexed code references (default: false)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			compare, _ := args["compare"].(bool)

			if compare {
				if index == nil {
					return nil, fmt.Errorf("flag index not available; call without compare")
				}
				codeKeys, err := index.FlagKeys()
				if err != nil {
					return nil, fmt.Errorf("read flag index: %w", err)
				}
				cmp, err := provider.CompareWithReferences(ctx, codeKeys)
				if err != nil {
					return nil, fmt.Errorf("compare flags: %w", err)
				}
				data, err := json.MarshalIndent(cmp, "", "  ")
				if err != nil {
					return nil, fmt.Errorf("marshal comparison: %w", err)
				}
				logger.Printf("Compared %d indexed keys against provider", len(codeKeys))
				return mcp.NewToolResultText(string(data)), nil
			}

			flags, err := provider.Flags(ctx)
			if err != nil {
				return nil, fmt.Errorf("list provider flags: %w", err)
			}
			if len(flags) == 0 {
				return mcp.NewToolResultText("No flags at provider"), nil
			}

			data, err := json.MarshalIndent(flags, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("marshal flags: %w", err)
			}

			logger.Printf("Listed %d provider flags", len(flags))
			return mcp.NewToolResultText(string(data)), nil
		},
	)
}
