package coord

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

// registerPostTask registers the post_task tool.
func registerPostTask(s *server.MCPServer, d Deps, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("post_task",
			mcp.WithDescription("Post a task to the shared board. It becomes AVAILABLE to agents whose skills match."),
			mcp.WithString("agent_id", mcp.Description("Poster id (optional after register_agent on this session)")),
			mcp.WithString("title", mcp.Required(), mcp.Description("Short task title")),
			mcp.WithString("description", mcp.Description("Detailed description")),
			mcp.WithString("type", mcp.Description("Task type tag, e.g. bugfix, review, feature")),
			mcp.WithArray("required_skills", mcp.Required(), mcp.WithStringItems(), mcp.Description("Skills needed to do the task")),
			mcp.WithString("priority", mcp.Description("Task priority (default NORMAL)"), priorityEnum),
			mcp.WithNumber("effort", mcp.Description("Estimated effort in hours")),
			mcp.WithString("deadline", mcp.Description("Deadline, RFC3339")),
			mcp.WithArray("dependencies", mcp.WithStringItems(), mcp.Description("Task ids that must be completed first")),
			mcp.WithNumber("reward", mcp.Description("Reward weight")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			poster, err := agentArg(ctx, args, d.Sessions)
			if err != nil {
				return nil, err
			}
			title, err := requireString(args, "title")
			if err != nil {
				return nil, err
			}
			skills, err := optionalStrings(args, "required_skills")
			if err != nil {
				return nil, err
			}
			deps, err := optionalStrings(args, "dependencies")
			if err != nil {
				return nil, err
			}
			prio, err := optionalPriority(args, "priority")
			if err != nil {
				return nil, err
			}
			var deadline *time.Time
			if v := optionalString(args, "deadline"); v != "" {
				t, err := time.Parse(time.RFC3339, v)
				if err != nil {
					return nil, &domain.ValidationError{Field: "deadline", Reason: fmt.Sprintf("must be RFC3339: %v", err)}
				}
				deadline = &t
			}
			task, err := d.Board.Post(app.NewTask{
				Title:          title,
				Description:    optionalString(args, "description"),
				Type:           optionalString(args, "type"),
				RequiredSkills: skills,
				Priority:       prio,
				Effort:         optionalFloat64(args, "effort", 0),
				Deadline:       deadline,
				Dependencies:   deps,
				Reward:         optionalFloat64(args, "reward", 0),
				PostedBy:       poster,
			})
			if err != nil {
				return nil, err
			}
			logger.Printf("Task %s posted by %s", task.ID, poster)
			return jsonResult(formatTask(task))
		},
	)
}

// registerDiscoverTask registers the discover_task tool.
func registerDiscoverTask(s *server.MCPServer, d Deps, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("discover_task",
			mcp.WithDescription("Find the best AVAILABLE task for your skills and load. Returns no task when nothing scores high enough or you are at capacity. Does not claim."),
			mcp.WithString("agent_id", mcp.Description("Your agent id (optional after register_agent on this session)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			agentID, err := agentArg(ctx, req.GetArguments(), d.Sessions)
			if err != nil {
				return nil, err
			}
			task, err := d.Board.DiscoverBest(agentID)
			if err != nil {
				return nil, err
			}
			if task == nil {
				return jsonResult(map[string]any{"task": nil, "reason": "no suitable task"})
			}
			return jsonResult(map[string]any{"task": formatTask(task)})
		},
	)
}

func taskAction(s *server.MCPServer, d Deps, name, desc string, extra []mcp.ToolOption,
	fn func(ctx context.Context, args map[string]any, agentID, taskID string) (any, error)) {
	opts := []mcp.ToolOption{
		mcp.WithDescription(desc),
		mcp.WithString("agent_id", mcp.Description("Your agent id (optional after register_agent on this session)")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	}
	s.AddTool(
		mcp.NewTool(name, append(opts, extra...)...),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentID, err := agentArg(ctx, args, d.Sessions)
			if err != nil {
				return nil, err
			}
			taskID, err := requireString(args, "task_id")
			if err != nil {
				return nil, err
			}
			out, err := fn(ctx, args, agentID, taskID)
			if err != nil {
				return nil, err
			}
			return jsonResult(out)
		},
	)
}

// registerClaimTask registers the claim_task tool.
func registerClaimTask(s *server.MCPServer, d Deps, logger *log.Logger) {
	taskAction(s, d, "claim_task",
		"Claim an AVAILABLE task. Exactly one concurrent claimer wins; the others get a claim conflict error.", nil,
		func(_ context.Context, _ map[string]any, agentID, taskID string) (any, error) {
			t, err := d.Board.Claim(taskID, agentID)
			if err != nil {
				return nil, err
			}
			return formatTask(t), nil
		})
}

// registerUpdateTask registers the update_task tool.
func registerUpdateTask(s *server.MCPServer, d Deps, logger *log.Logger) {
	taskAction(s, d, "update_task",
		"Move a task you claimed forward. The only agent-driven transition is CLAIMED to IN_PROGRESS.",
		[]mcp.ToolOption{mcp.WithString("status", mcp.Required(), mcp.Description("New status"), mcp.Enum(string(domain.StatusInProgress)))},
		func(_ context.Context, args map[string]any, agentID, taskID string) (any, error) {
			st, err := taskStatusArg(args, "status")
			if err != nil {
				return nil, err
			}
			if st == "" {
				return nil, &domain.ValidationError{Field: "status", Reason: "is required"}
			}
			t, err := d.Board.UpdateStatus(taskID, agentID, st)
			if err != nil {
				return nil, err
			}
			return formatTask(t), nil
		})
}

// registerCompleteTask registers the complete_task tool.
func registerCompleteTask(s *server.MCPServer, d Deps, logger *log.Logger) {
	taskAction(s, d, "complete_task",
		"Report a task you hold as done. Repeating the call, or completing a task that was reassigned away from you, has no effect.",
		[]mcp.ToolOption{
			mcp.WithString("summary", mcp.Description("What was done")),
			mcp.WithArray("artifacts", mcp.WithStringItems(), mcp.Description("Produced artifacts (paths, URLs, commit ids)")),
		},
		func(_ context.Context, args map[string]any, agentID, taskID string) (any, error) {
			artifacts, err := optionalStrings(args, "artifacts")
			if err != nil {
				return nil, err
			}
			res, err := d.Board.Complete(taskID, agentID, optionalString(args, "summary"), artifacts)
			if err != nil {
				return nil, err
			}
			out := map[string]any{"task": formatTask(res.Task), "no_op": res.NoOp}
			if res.Reason != "" {
				out["reason"] = res.Reason
			}
			return out, nil
		})
}

// registerApproveTask registers the approve_task tool.
func registerApproveTask(s *server.MCPServer, d Deps, logger *log.Logger) {
	taskAction(s, d, "approve_task", "Approve a COMPLETED task as reviewer (agent_id is the reviewer).", nil,
		func(_ context.Context, _ map[string]any, agentID, taskID string) (any, error) {
			t, err := d.Board.Approve(taskID, agentID)
			if err != nil {
				return nil, err
			}
			return formatTask(t), nil
		})
}

// registerRejectTask registers the reject_task tool.
func registerRejectTask(s *server.MCPServer, d Deps, logger *log.Logger) {
	taskAction(s, d, "reject_task", "Reject a COMPLETED task with feedback; the claimant is notified.",
		[]mcp.ToolOption{mcp.WithString("feedback", mcp.Required(), mcp.Description("Why the result was rejected"))},
		func(_ context.Context, args map[string]any, agentID, taskID string) (any, error) {
			feedback, err := requireString(args, "feedback")
			if err != nil {
				return nil, err
			}
			t, err := d.Board.Reject(taskID, agentID, feedback)
			if err != nil {
				return nil, err
			}
			return formatTask(t), nil
		})
}

// registerReleaseTask registers the release_task tool.
func registerReleaseTask(s *server.MCPServer, d Deps, logger *log.Logger) {
	taskAction(s, d, "release_task", "Give up a task you hold; it becomes AVAILABLE again.", nil,
		func(_ context.Context, _ map[string]any, agentID, taskID string) (any, error) {
			t, err := d.Board.Release(taskID, agentID)
			if err != nil {
				return nil, err
			}
			return formatTask(t), nil
		})
}

// registerListTasks registers the list_tasks tool.
func registerListTasks(s *server.MCPServer, d Deps, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List tasks on the board, oldest first."),
			mcp.WithString("status", mcp.Description("Filter by status (AVAILABLE, CLAIMED, IN_PROGRESS, COMPLETED, APPROVED, REJECTED)")),
			mcp.WithString("claimed_by", mcp.Description("Filter by claimant")),
			mcp.WithString("type", mcp.Description("Filter by task type")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			st, err := taskStatusArg(args, "status")
			if err != nil {
				return nil, err
			}
			list, err := d.Board.List(app.TaskFilter{
				Status:    st,
				ClaimedBy: optionalString(args, "claimed_by"),
				Type:      optionalString(args, "type"),
			})
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(list))
			for _, t := range list {
				out = append(out, formatTask(t))
			}
			return jsonResult(map[string]any{"tasks": out, "count": len(out)})
		},
	)
}

func formatTask(t *domain.Task) map[string]any {
	out := map[string]any{
		"id":              t.ID,
		"title":           t.Title,
		"status":          t.Status,
		"priority":        t.Priority.String(),
		"required_skills": t.RequiredSkills,
		"posted_by":       t.PostedBy,
	}
	if t.Description != "" {
		out["description"] = t.Description
	}
	if t.Type != "" {
		out["type"] = t.Type
	}
	if t.ClaimedBy != "" {
		out["claimed_by"] = t.ClaimedBy
	}
	if len(t.Dependencies) > 0 {
		out["dependencies"] = t.Dependencies
	}
	if t.Effort > 0 {
		out["effort"] = t.Effort
	}
	if t.Reward > 0 {
		out["reward"] = t.Reward
	}
	if t.Deadline != nil {
		out["deadline"] = t.Deadline.Format("2006-01-02T15:04:05Z07:00")
	}
	if t.Summary != "" {
		out["summary"] = t.Summary
	}
	if len(t.Artifacts) > 0 {
		out["artifacts"] = t.Artifacts
	}
	if t.Feedback != "" {
		out["feedback"] = t.Feedback
	}
	if t.ApprovedBy != "" {
		out["approved_by"] = t.ApprovedBy
	}
	if t.Claim.Epoch > 0 {
		out["claim_epoch"] = t.Claim.Epoch
	}
	return out
}

func taskStatusArg(args map[string]any, key string) (domain.TaskStatus, error) {
	s := optionalString(args, key)
	if s == "" {
		return "", nil
	}
	st := domain.TaskStatus(s)
	switch st {
	case domain.StatusAvailable, domain.StatusClaimed, domain.StatusInProgress,
		domain.StatusCompleted, domain.StatusApproved, domain.StatusRejected:
		return st, nil
	}
	return "", &domain.ValidationError{Field: key, Reason: fmt.Sprintf("unknown status %q", s)}
}
