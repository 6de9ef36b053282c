package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

// NewTask describes a task to post.
type NewTask struct {
	Title          string
	Description    string
	Type           string
	RequiredSkills []string
	Priority       domain.Priority // zero means NORMAL
	Effort         float64
	Deadline       *time.Time
	Dependencies   []string
	Reward         float64
	PostedBy       string
}

// TaskFilter selects tasks in List. Zero fields match everything.
type TaskFilter struct {
	Status    domain.TaskStatus
	ClaimedBy string
	Type      string
}

// CompleteResult is the outcome of Complete. NoOp is set when the call had no
// effect (already completed, or the task is no longer held by the caller).
type CompleteResult struct {
	Task   *domain.Task
	NoOp   bool
	Reason string
}

// Board is the task board and lifecycle state machine.
type Board struct {
	svc    *CoordService
	logger *log.Logger
	scorer Scorer
}

// BoardOption configures the board.
type BoardOption func(*Board)

// WithScorer replaces the default CapabilityScorer.
func WithScorer(sc Scorer) BoardOption {
	return func(b *Board) { b.scorer = sc }
}

// NewBoard returns a Board over svc.
func NewBoard(svc *CoordService, logger *log.Logger, opts ...BoardOption) *Board {
	b := &Board{svc: svc, logger: logger, scorer: CapabilityScorer{}}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Post adds a task in AVAILABLE.
func (b *Board) Post(nt NewTask) (*domain.Task, error) {
	if nt.Title == "" {
		return nil, &domain.ValidationError{Field: "title", Reason: "required"}
	}
	skills := normalizeList(nt.RequiredSkills)
	if len(skills) == 0 {
		return nil, &domain.ValidationError{Field: "required_skills", Reason: "at least one skill is required"}
	}
	if nt.Priority == 0 {
		nt.Priority = domain.PriorityNormal
	}
	if !nt.Priority.Valid() {
		return nil, &domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %d", nt.Priority)}
	}
	if nt.Effort < 0 || nt.Reward < 0 {
		return nil, &domain.ValidationError{Field: "effort", Reason: "effort and reward must not be negative"}
	}

	var out *domain.Task
	err := b.svc.Run(func(state *domain.CoordState) error {
		deps := normalizeList(nt.Dependencies)
		for _, d := range deps {
			if _, ok := state.Tasks[d]; !ok {
				return &domain.ValidationError{Field: "dependencies", Reason: fmt.Sprintf("unknown task %s", d)}
			}
		}
		now := b.svc.now()
		t := &domain.Task{
			ID:             b.svc.newID(),
			Title:          nt.Title,
			Description:    nt.Description,
			Type:           nt.Type,
			RequiredSkills: skills,
			Priority:       nt.Priority,
			Effort:         nt.Effort,
			Deadline:       nt.Deadline,
			Dependencies:   deps,
			Reward:         nt.Reward,
			PostedBy:       nt.PostedBy,
			PostedAt:       now,
			Status:         domain.StatusAvailable,
			UpdatedAt:      now,
		}
		state.PutTask(t, domain.OpPut)
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.logger.Printf("Board: posted task %s (%s) skills=%v priority=%s", out.ID, Truncate(out.Title, 40), out.RequiredSkills, out.Priority)
	return out, nil
}

// DiscoverBest returns the best AVAILABLE task for agentID, or nil when the
// agent is at its concurrency limit or no task clears the admission threshold.
func (b *Board) DiscoverBest(agentID string) (*domain.Task, error) {
	var best *ScoredTask
	err := b.svc.Query(func(state *domain.CoordState) error {
		agent, err := requireAgent(state, agentID)
		if err != nil {
			return err
		}
		active := state.ActiveTaskCount(agentID)
		if active >= agent.MaxConcurrent {
			return nil
		}
		min := b.svc.policy.MinScore()
		var cands []ScoredTask
		for _, t := range state.Tasks {
			if t.Status != domain.StatusAvailable || !state.DependenciesMet(t) {
				continue
			}
			score := b.scorer.Score(agent, t, active)
			if score < min {
				continue
			}
			cands = append(cands, ScoredTask{Task: t, Score: score})
		}
		best = bestCandidate(cands)
		return nil
	})
	if err != nil || best == nil {
		return nil, err
	}
	return best.Task, nil
}

// Claim takes exclusive ownership of an AVAILABLE task. Exactly one of several
// concurrent claimers wins; the others get a ClaimConflictError.
func (b *Board) Claim(taskID, agentID string) (*domain.Task, error) {
	var out *domain.Task
	err := b.svc.Run(func(state *domain.CoordState) error {
		t, err := requireTask(state, taskID)
		if err != nil {
			return err
		}
		agent, err := requireAgent(state, agentID)
		if err != nil {
			return err
		}
		switch {
		case t.Status.IsHeld():
			return &domain.ClaimConflictError{TaskID: taskID, Holder: t.ClaimedBy}
		case t.Status != domain.StatusAvailable:
			return domain.InvalidTransition(taskID, t.Status, domain.StatusClaimed)
		}
		if !state.DependenciesMet(t) {
			return &domain.ValidationError{Field: "dependencies", Reason: fmt.Sprintf("task %s has unmet dependencies", taskID)}
		}
		if n := state.ActiveTaskCount(agentID); n >= agent.MaxConcurrent {
			return &domain.ValidationError{Field: "agent_id", Reason: fmt.Sprintf("agent %s is at its concurrency limit (%d)", agentID, agent.MaxConcurrent)}
		}

		now := b.svc.now()
		t.Status = domain.StatusClaimed
		t.ClaimedBy = agentID
		t.ClaimedAt = &now
		t.UpdatedAt = now
		if t.Claim.Epoch > 0 {
			t.ClaimHistory = append(t.ClaimHistory, t.Claim)
		}
		// The claim shares the clock value PutTask is about to stamp.
		t.Claim = domain.ClaimStamp{
			Epoch: t.Claim.Epoch + 1,
			Clock: state.Clock + 1,
			Node:  state.NodeID,
			Agent: agentID,
		}
		state.PutTask(t, domain.OpClaim)
		out = t
		return nil
	})
	if errors.Is(err, ErrConcurrentWrite) {
		return nil, &domain.ClaimConflictError{TaskID: taskID}
	}
	if err != nil {
		return nil, err
	}
	b.logger.Printf("Board: task %s claimed by %s (epoch %d)", taskID, agentID, out.Claim.Epoch)
	return out, nil
}

// UpdateStatus moves a claimed task forward on behalf of its claimant.
// The only agent-driven transition is CLAIMED -> IN_PROGRESS.
func (b *Board) UpdateStatus(taskID, agentID string, status domain.TaskStatus) (*domain.Task, error) {
	var out *domain.Task
	err := b.svc.Run(func(state *domain.CoordState) error {
		t, err := requireTask(state, taskID)
		if err != nil {
			return err
		}
		if t.Status.IsHeld() && t.ClaimedBy != agentID {
			return &domain.ClaimConflictError{TaskID: taskID, Holder: t.ClaimedBy}
		}
		if !t.HeldBy(agentID) {
			return domain.InvalidTransition(taskID, t.Status, status)
		}
		if t.Status == status {
			out = t
			return nil
		}
		if t.Status != domain.StatusClaimed || status != domain.StatusInProgress {
			return domain.InvalidTransition(taskID, t.Status, status)
		}
		t.Status = domain.StatusInProgress
		t.UpdatedAt = b.svc.now()
		state.PutTask(t, domain.OpPut)
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Complete records the claimant's result. Tasks whose type needs review stay
// COMPLETED until approved or rejected; others are approved by the system.
// A repeated call, or a call for a task no longer held by agentID, is a no-op.
func (b *Board) Complete(taskID, agentID, summary string, artifacts []string) (*CompleteResult, error) {
	if agentID == "" {
		return nil, &domain.ValidationError{Field: "agent_id", Reason: "required"}
	}
	res := &CompleteResult{}
	err := b.svc.Run(func(state *domain.CoordState) error {
		t, err := requireTask(state, taskID)
		if err != nil {
			return err
		}
		res.Task = t
		if !t.HeldBy(agentID) {
			res.NoOp = true
			switch {
			case t.ClaimedBy == agentID && (t.Status == domain.StatusCompleted || t.Status.IsTerminal()):
				res.Reason = "already " + string(t.Status)
			case t.Status.IsHeld():
				res.Reason = "task was reassigned to " + t.ClaimedBy
			default:
				res.Reason = "task is not held by " + agentID + " (status " + string(t.Status) + ")"
			}
			return nil
		}

		now := b.svc.now()
		t.Status = domain.StatusCompleted
		t.CompletedAt = &now
		t.Summary = summary
		t.Artifacts = normalizeList(artifacts)
		t.UpdatedAt = now
		if !b.svc.policy.RequiresReview(t.Type) {
			t.Status = domain.StatusApproved
			t.ApprovedBy = domain.SystemSender
			t.ApprovedAt = &now
		}
		state.PutTask(t, domain.OpPut)

		payload, _ := json.Marshal(map[string]any{
			"task_id": t.ID,
			"title":   t.Title,
			"status":  t.Status,
			"summary": summary,
		})
		b.svc.postSystem(state, "", agentID, domain.Broadcast, MsgTaskCompleted, domain.PriorityNormal, string(payload))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.NoOp {
		b.logger.Printf("Board: complete of task %s by %s ignored: %s", taskID, agentID, res.Reason)
	} else {
		b.logger.Printf("Board: task %s completed by %s -> %s", taskID, agentID, res.Task.Status)
	}
	return res, nil
}

// Approve accepts a COMPLETED task.
func (b *Board) Approve(taskID, reviewer string) (*domain.Task, error) {
	if reviewer == "" {
		return nil, &domain.ValidationError{Field: "reviewer", Reason: "required"}
	}
	var out *domain.Task
	err := b.svc.Run(func(state *domain.CoordState) error {
		t, err := requireTask(state, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.StatusCompleted {
			return domain.InvalidTransition(taskID, t.Status, domain.StatusApproved)
		}
		now := b.svc.now()
		t.Status = domain.StatusApproved
		t.ApprovedBy = reviewer
		t.ApprovedAt = &now
		t.UpdatedAt = now
		state.PutTask(t, domain.OpPut)
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.logger.Printf("Board: task %s approved by %s", taskID, reviewer)
	return out, nil
}

// Reject refuses a COMPLETED task and sends the feedback to its claimant.
func (b *Board) Reject(taskID, reviewer, feedback string) (*domain.Task, error) {
	if reviewer == "" {
		return nil, &domain.ValidationError{Field: "reviewer", Reason: "required"}
	}
	var out *domain.Task
	err := b.svc.Run(func(state *domain.CoordState) error {
		t, err := requireTask(state, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.StatusCompleted {
			return domain.InvalidTransition(taskID, t.Status, domain.StatusRejected)
		}
		t.Status = domain.StatusRejected
		t.Feedback = feedback
		t.ApprovedBy = reviewer
		t.UpdatedAt = b.svc.now()
		state.PutTask(t, domain.OpPut)

		if t.ClaimedBy != "" {
			m := b.svc.postSystem(state, "", reviewer, t.ClaimedBy, MsgReviewFeedback, domain.PriorityHigh, feedback)
			m.ThreadID = t.ID
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.logger.Printf("Board: task %s rejected by %s", taskID, reviewer)
	return out, nil
}

// Release hands a held task back to AVAILABLE on behalf of its claimant.
func (b *Board) Release(taskID, agentID string) (*domain.Task, error) {
	var out *domain.Task
	err := b.svc.Run(func(state *domain.CoordState) error {
		t, err := requireTask(state, taskID)
		if err != nil {
			return err
		}
		if !t.HeldBy(agentID) {
			if t.Status.IsHeld() {
				return &domain.ClaimConflictError{TaskID: taskID, Holder: t.ClaimedBy}
			}
			return domain.InvalidTransition(taskID, t.Status, domain.StatusAvailable)
		}
		unclaim(t, b.svc.now())
		state.PutTask(t, domain.OpRelease)
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.logger.Printf("Board: task %s released by %s", taskID, agentID)
	return out, nil
}

// ReassignStale forces a held task back to AVAILABLE inside an ongoing Run.
// Used by the heartbeat monitor. Returns false when the task was not held.
func (b *Board) ReassignStale(state *domain.CoordState, taskID, reason string) bool {
	t, ok := state.Tasks[taskID]
	if !ok || !t.Status.IsHeld() {
		return false
	}
	b.logger.Printf("Board: reassigning task %s from %s: %s", taskID, t.ClaimedBy, reason)
	unclaim(t, b.svc.now())
	state.PutTask(t, domain.OpReassign)
	return true
}

// unclaim keeps the claim stamp so a concurrent claim of the same cycle is
// still recognised on merge.
func unclaim(t *domain.Task, now time.Time) {
	t.Status = domain.StatusAvailable
	t.ClaimedBy = ""
	t.ClaimedAt = nil
	t.UpdatedAt = now
}

// Get returns one task.
func (b *Board) Get(taskID string) (*domain.Task, error) {
	var out *domain.Task
	err := b.svc.Query(func(state *domain.CoordState) error {
		t, err := requireTask(state, taskID)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// List returns tasks matching f, oldest first.
func (b *Board) List(f TaskFilter) ([]*domain.Task, error) {
	var out []*domain.Task
	err := b.svc.Query(func(state *domain.CoordState) error {
		for _, t := range state.Tasks {
			if f.Status != "" && t.Status != f.Status {
				continue
			}
			if f.ClaimedBy != "" && t.ClaimedBy != f.ClaimedBy {
				continue
			}
			if f.Type != "" && t.Type != f.Type {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PostedAt.Equal(out[j].PostedAt) {
			return out[i].PostedAt.Before(out[j].PostedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
