package coord

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

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/policy"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/repository/sqlite"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// newTestDeps wires the components of one node over a fresh SQLite store.
func newTestDeps(t *testing.T, cfgFn func(*policy.Config)) Deps {
	t.Helper()
	repo, err := sqlite.New(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if c, ok := repo.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	})
	cfg := policy.DefaultConfig()
	cfg.NodeID = "test-node"
	if cfgFn != nil {
		cfgFn(cfg)
	}
	logger := testLogger()
	svc := app.NewCoordService(repo, policy.New(cfg), logger)
	board := app.NewBoard(svc, logger)
	return Deps{
		Service:  svc,
		Registry: app.NewRegistry(svc, logger),
		Board:    board,
		Bus:      app.NewBus(svc, logger),
		Monitor:  app.NewMonitor(svc, board, logger),
		Sessions: app.NewSessionRegistry(),
	}
}

// testServer creates a MCPServer with all tools registered for testing.
func testServer(d Deps) *server.MCPServer {
	s := server.NewMCPServer("test", "1.0.0")
	Register(s, d, testLogger())
	return s
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

// callJSON calls a tool that must succeed and decodes its JSON result.
func callJSON(t *testing.T, s *server.MCPServer, name string, args map[string]any) map[string]any {
	t.Helper()
	res, err := callTool(t, s, name, args)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("%s: decode result: %v", name, err)
	}
	return out
}
