package coord

import (
	"context"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
)

// registerRegisterAgent registers the register_agent tool.
func registerRegisterAgent(s *server.MCPServer, d Deps, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("register_agent",
			mcp.WithDescription("Declare your capabilities. Call once at startup; calling again updates your profile. "+
				"Later calls on the same session may omit agent_id."),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("Your agent id (unique across all nodes)")),
			mcp.WithArray("skills", mcp.Required(), mcp.WithStringItems(), mcp.Description("Skills you can apply, e.g. [\"go\", \"sql\"]")),
			mcp.WithString("specialization", mcp.Description("Free-form specialization")),
			mcp.WithNumber("max_concurrent", mcp.Description("How many tasks you may hold at once (default 1)")),
			mcp.WithArray("preferred_types", mcp.WithStringItems(), mcp.Description("Task types you prefer")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentID, err := requireString(args, "agent_id")
			if err != nil {
				return nil, err
			}
			skills, err := optionalStrings(args, "skills")
			if err != nil {
				return nil, err
			}
			prefs, err := optionalStrings(args, "preferred_types")
			if err != nil {
				return nil, err
			}
			agent, err := d.Registry.Register(agentID, app.Profile{
				Skills:         skills,
				Specialization: optionalString(args, "specialization"),
				MaxConcurrent:  int(optionalFloat64(args, "max_concurrent", 0)),
				PreferredTypes: prefs,
			})
			if err != nil {
				return nil, err
			}
			if session := server.ClientSessionFromContext(ctx); session != nil {
				d.Sessions.Bind(session.SessionID(), agent.ID)
			}
			logger.Printf("Agent %s registered via tool (%d skills)", agent.ID, len(agent.Skills))
			return jsonResult(agent)
		},
	)
}

// registerHeartbeat registers the heartbeat tool (agents call this to signal liveness).
func registerHeartbeat(s *server.MCPServer, d Deps, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("heartbeat",
			mcp.WithDescription(
				"Signal liveness. REQUIRED: call this at least every heartbeat interval while working. "+
					"Agents that stay silent past the timeout are marked offline and their tasks are reassigned. "+
					"The result lists tasks you held that were taken away; stop working on those."),
			mcp.WithString("agent_id", mcp.Description("Your agent id (optional after register_agent on this session)")),
			mcp.WithString("status", mcp.Description("idle, busy or offline (default: derived from current_task)"), mcp.Enum("idle", "busy", "offline")),
			mcp.WithString("current_task", mcp.Description("Task id you are working on")),
			mcp.WithObject("metrics", mcp.Description("Resource metrics, name to number")),
			mcp.WithArray("holding", mcp.WithStringItems(), mcp.Description("Task ids you believe you hold")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentID, err := agentArg(ctx, args, d.Sessions)
			if err != nil {
				return nil, err
			}
			metrics, err := optionalMetrics(args, "metrics")
			if err != nil {
				return nil, err
			}
			holding, err := optionalStrings(args, "holding")
			if err != nil {
				return nil, err
			}
			res, err := d.Monitor.Heartbeat(agentID, app.Beat{
				Status:      optionalString(args, "status"),
				CurrentTask: optionalString(args, "current_task"),
				Metrics:     metrics,
				Holding:     holding,
			})
			if err != nil {
				return nil, err
			}
			if len(res.Revoked) > 0 {
				logger.Printf("heartbeat from %s (revoked: %v)", agentID, res.Revoked)
			}
			revoked := res.Revoked
			if revoked == nil {
				revoked = []string{}
			}
			return jsonResult(map[string]any{"ok": true, "revoked": revoked, "degraded": res.Degraded})
		},
	)
}
