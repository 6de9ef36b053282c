package coord

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
)

// suppressBannerTools lists tools that already show inbox state.
var suppressBannerTools = map[string]struct{}{
	"read_inbox":  {},
	"ack_message": {},
}

// InboxBannerMiddleware returns a mcp-go ToolHandlerMiddleware that appends an
// unread-message banner to tool responses for the agent bound to the session.
// It also records session activity.
func InboxBannerMiddleware(bus *app.Bus, sessions *app.SessionRegistry) server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			session := server.ClientSessionFromContext(ctx)
			if session != nil {
				sessions.Touch(session.SessionID())
			}

			result, err := next(ctx, req)
			if err != nil || result == nil || result.IsError || session == nil {
				return result, err
			}
			if _, suppress := suppressBannerTools[req.Params.Name]; suppress {
				return result, nil
			}
			agent := sessions.AgentFor(session.SessionID())
			if agent == "" {
				return result, nil
			}
			if banner := buildBanner(bus, agent); banner != "" {
				appendBannerToResult(result, banner)
			}
			return result, nil
		}
	}
}

// buildBanner returns "" when the agent has nothing unread.
func buildBanner(bus *app.Bus, agent string) string {
	msgs, err := bus.Inbox(agent, true)
	if err != nil || len(msgs) == 0 {
		return ""
	}
	return fmt.Sprintf("\n\n---\nYou have %d unread message(s), top priority %s. Call read_inbox to see them.",
		len(msgs), msgs[0].Priority)
}

// appendBannerToResult appends text to the last text content block, or adds a new one.
func appendBannerToResult(result *mcp.CallToolResult, banner string) {
	for i := len(result.Content) - 1; i >= 0; i-- {
		if tc, ok := result.Content[i].(mcp.TextContent); ok {
			result.Content[i] = mcp.TextContent{
				Annotated: tc.Annotated,
				Type:      "text",
				Text:      tc.Text + banner,
			}
			return
		}
	}
	result.Content = append(result.Content, mcp.TextContent{
		Type: "text",
		Text: banner,
	})
}
