// Package coord exposes the coordination API to agents as MCP tools.
package coord

import (
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/replication"
)

// SyncStatusSource reports replication health (implemented by replication.Syncer).
type SyncStatusSource interface {
	Status() replication.Status
}

// Deps are the components the tools call into.
type Deps struct {
	Service  *app.CoordService
	Registry *app.Registry
	Board    *app.Board
	Bus      *app.Bus
	Monitor  *app.Monitor
	Sessions *app.SessionRegistry
	Sync     SyncStatusSource // optional; nil when replication is off
}

type toolRegistrar func(s *server.MCPServer, d Deps, logger *log.Logger)

// tools in registration order, keyed by tool name for enabled_tools filtering.
var tools = []struct {
	name     string
	register toolRegistrar
}{
	{"register_agent", registerRegisterAgent},
	{"heartbeat", registerHeartbeat},
	{"send_message", registerSendMessage},
	{"read_inbox", registerReadInbox},
	{"ack_message", registerAckMessage},
	{"post_task", registerPostTask},
	{"discover_task", registerDiscoverTask},
	{"claim_task", registerClaimTask},
	{"update_task", registerUpdateTask},
	{"complete_task", registerCompleteTask},
	{"approve_task", registerApproveTask},
	{"reject_task", registerRejectTask},
	{"release_task", registerReleaseTask},
	{"list_tasks", registerListTasks},
	{"sync_status", registerSyncStatus},
}

// Register adds every enabled coordination tool to s.
func Register(s *server.MCPServer, d Deps, logger *log.Logger) {
	if d.Sessions == nil {
		d.Sessions = app.NewSessionRegistry()
	}
	pol := d.Service.Policy()
	n := 0
	for _, t := range tools {
		if !pol.IsToolEnabled(t.name) {
			continue
		}
		t.register(s, d, logger)
		n++
	}
	logger.Printf("Tools: registered %d of %d coordination tools", n, len(tools))
}

// ToolNames lists every tool the package can register.
func ToolNames() []string {
	out := make([]string, len(tools))
	for i, t := range tools {
		out[i] = t.name
	}
	return out
}
