package coord

import (
	"context"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
)

var priorityEnum = mcp.Enum("LOW", "NORMAL", "HIGH", "CRITICAL")

// registerSendMessage registers the send_message tool.
func registerSendMessage(s *server.MCPServer, d Deps, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to another agent, or to every agent with to=\"all\"."),
			mcp.WithString("agent_id", mcp.Description("Sender id (optional after register_agent on this session)")),
			mcp.WithString("to", mcp.Required(), mcp.Description("Recipient agent id, or \"all\" to broadcast")),
			mcp.WithString("type", mcp.Required(), mcp.Description("Message type tag, e.g. question, status, handoff")),
			mcp.WithString("payload", mcp.Description("Message body")),
			mcp.WithString("priority", mcp.Description("Message priority (default NORMAL)"), priorityEnum),
			mcp.WithBoolean("requires_ack", mcp.Description("Ask the recipient to acknowledge explicitly")),
			mcp.WithString("thread_id", mcp.Description("Thread to continue")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			from, err := agentArg(ctx, args, d.Sessions)
			if err != nil {
				return nil, err
			}
			to, err := requireString(args, "to")
			if err != nil {
				return nil, err
			}
			typ, err := requireString(args, "type")
			if err != nil {
				return nil, err
			}
			prio, err := optionalPriority(args, "priority")
			if err != nil {
				return nil, err
			}
			msg, err := d.Bus.Send(app.Envelope{
				From:        from,
				To:          to,
				Type:        typ,
				Priority:    prio,
				Payload:     optionalString(args, "payload"),
				RequiresAck: optionalBool(args, "requires_ack", false),
				ThreadID:    optionalString(args, "thread_id"),
			})
			if err != nil {
				return nil, err
			}
			logger.Printf("Message %s sent from %s to %s", msg.ID, from, to)
			return jsonResult(map[string]any{"message_id": msg.ID, "to": to})
		},
	)
}

// inboxEntry is one message as shown to its recipient.
type inboxEntry struct {
	ID               string `json:"id"`
	From             string `json:"from"`
	Type             string `json:"type"`
	Priority         string `json:"priority"`
	Payload          string `json:"payload"`
	Timestamp        string `json:"timestamp"`
	Read             bool   `json:"read"`
	Broadcast        bool   `json:"broadcast,omitempty"`
	RequiresApproval bool   `json:"requires_ack,omitempty"`
	ThreadID         string `json:"thread_id,omitempty"`
}

// registerReadInbox registers the read_inbox tool.
func registerReadInbox(s *server.MCPServer, d Deps, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("read_inbox",
			mcp.WithDescription("Read your inbox, highest priority first, then oldest first. Reading does not mark messages read; use ack_message."),
			mcp.WithString("agent_id", mcp.Description("Your agent id (optional after register_agent on this session)")),
			mcp.WithBoolean("unread_only", mcp.Description("Only unread messages (default: true)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages to return (default: 20)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentID, err := agentArg(ctx, args, d.Sessions)
			if err != nil {
				return nil, err
			}
			limit := int(optionalFloat64(args, "limit", 20))
			if limit < 1 {
				limit = 1
			}
			if limit > 100 {
				limit = 100
			}
			msgs, err := d.Bus.Inbox(agentID, optionalBool(args, "unread_only", true))
			if err != nil {
				return nil, err
			}
			total := len(msgs)
			if len(msgs) > limit {
				msgs = msgs[:limit]
			}
			entries := make([]inboxEntry, 0, len(msgs))
			for _, m := range msgs {
				entries = append(entries, inboxEntry{
					ID:               m.ID,
					From:             m.Sender,
					Type:             m.Type,
					Priority:         m.Priority.String(),
					Payload:          m.Payload,
					Timestamp:        m.Timestamp.Format("2006-01-02 15:04:05"),
					Read:             m.ReadFor(agentID),
					Broadcast:        m.IsBroadcast(),
					RequiresApproval: m.RequiresApproval,
					ThreadID:         m.ThreadID,
				})
			}
			logger.Printf("Read %d of %d messages for %s", len(entries), total, agentID)
			return jsonResult(map[string]any{"messages": entries, "total": total})
		},
	)
}

// registerAckMessage registers the ack_message tool.
func registerAckMessage(s *server.MCPServer, d Deps, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("ack_message",
			mcp.WithDescription("Mark a message read, optionally replying in its thread."),
			mcp.WithString("agent_id", mcp.Description("Your agent id (optional after register_agent on this session)")),
			mcp.WithString("message_id", mcp.Required(), mcp.Description("Message to acknowledge")),
			mcp.WithString("reply", mcp.Description("Optional reply payload sent back to the sender")),
			mcp.WithString("reply_type", mcp.Description("Type of the reply (default: response)")),
			mcp.WithString("reply_priority", mcp.Description("Priority of the reply (default: the original's)"), priorityEnum),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentID, err := agentArg(ctx, args, d.Sessions)
			if err != nil {
				return nil, err
			}
			msgID, err := requireString(args, "message_id")
			if err != nil {
				return nil, err
			}
			var reply *app.Reply
			if text := optionalString(args, "reply"); text != "" {
				prio, err := optionalPriority(args, "reply_priority")
				if err != nil {
					return nil, err
				}
				reply = &app.Reply{Type: optionalString(args, "reply_type"), Priority: prio, Payload: text}
			}
			res, err := d.Bus.Acknowledge(msgID, agentID, reply)
			if err != nil {
				return nil, err
			}
			out := map[string]any{"message_id": res.Message.ID, "read": true}
			if res.Response != nil {
				out["response_id"] = res.Response.ID
				out["thread_id"] = res.Response.ThreadID
			}
			logger.Printf("Message %s acknowledged by %s", msgID, agentID)
			return jsonResult(out)
		},
	)
}
