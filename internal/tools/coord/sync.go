package coord

import (
	"context"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// registerSyncStatus registers the sync_status tool.
func registerSyncStatus(s *server.MCPServer, d Deps, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("sync_status",
			mcp.WithDescription("Show replication health of this node: degraded flag, last sync, pending mutations."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if d.Sync == nil {
				return jsonResult(map[string]any{
					"node_id":     d.Service.NodeID(),
					"degraded":    d.Service.Degraded(),
					"replication": "disabled",
				})
			}
			return jsonResult(d.Sync.Status())
		},
	)
}
