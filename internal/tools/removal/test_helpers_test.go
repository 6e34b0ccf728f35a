package removal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/flagsweep/internal/app"
	"github.com/jaakkos/flagsweep/internal/flagindex"
	"github.com/jaakkos/flagsweep/internal/policy"
	"github.com/jaakkos/flagsweep/internal/repository/sqlite"
)

// testEnv wires the tools against a real store and flag index in a temp dir.
type testEnv struct {
	srv   *server.MCPServer
	svc   *app.OrchestratorService
	store *sqlite.Store
	index *flagindex.Index
}

// newTestEnv builds an MCPServer with the removal tools registered. A nil
// cfg gets policy defaults; the state file always lands in a temp dir so
// the signal file does too.
func newTestEnv(t *testing.T, cfg *policy.Config, opts ...RegisterOption) *testEnv {
	t.Helper()

	if cfg == nil {
		cfg = &policy.Config{}
	}
	if cfg.StateFile == "" {
		cfg.StateFile = filepath.Join(t.TempDir(), "state.sqlite")
	}
	pol := policy.New(cfg)

	store, err := sqlite.New(pol.StateFile())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	index, err := flagindex.NewIndex(pol.FlagIndexFile())
	if err != nil {
		t.Fatalf("open flag index: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
		_ = index.Close()
	})

	logger := log.New(io.Discard, "", 0)
	svc := app.NewOrchestratorService(store, pol, logger)

	srv := server.NewMCPServer("test", "1.0.0")
	Register(srv, svc, logger, append([]RegisterOption{WithFlagIndex(index)}, opts...)...)

	return &testEnv{srv: srv, svc: svc, store: store, index: index}
}

// createRemoval creates a removal request through the tool surface and
// returns its ID.
func createRemoval(t *testing.T, env *testEnv, flagKey string, repos ...string) int64 {
	t.Helper()

	list := make([]any, 0, len(repos))
	for _, r := range repos {
		list = append(list, r)
	}
	result, err := callTool(t, env.srv, "create_removal_request", map[string]any{
		"flag_key":     flagKey,
		"repositories": list,
		"created_by":   "test",
	})
	if err != nil {
		t.Fatalf("create removal request: %v", err)
	}

	var id int64
	text := resultText(t, result)
	if _, err := fmt.Sscanf(text, "Removal request #%d", &id); err != nil {
		t.Fatalf("parse result %q: %v", text, err)
	}
	return id
}

// callTool calls a registered tool via the MCPServer's HandleMessage.
// Returns the parsed CallToolResult or an error.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	respJSON := s.HandleMessage(context.Background(), reqJSON)

	respBytes, marshalErr := json.Marshal(respJSON)
	if marshalErr != nil {
		t.Fatalf("marshal response: %v", marshalErr)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}

	return &result, nil
}

// resultText extracts the first text content from a CallToolResult.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("result is nil")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}
