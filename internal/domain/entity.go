// Package domain holds coordination entities and aggregate state.
// It has no dependencies on other packages of this module.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Broadcast is the recipient sentinel for messages addressed to every agent.
const Broadcast = "all"

// SystemSender is the sender id used for messages generated by the node itself
// (alerts, completion events, merge conflicts).
const SystemSender = "system"

// Table names used in mutations and snapshots.
const (
	TableAgents     = "agents"
	TableTasks      = "tasks"
	TableMessages   = "messages"
	TableHeartbeats = "heartbeats"
)

// Rev is the revision of a replicated row: the logical clock and node id of
// the last write. Revisions are totally ordered by (Clock, Node).
type Rev struct {
	Clock uint64 `json:"clock"`
	Node  string `json:"node"`
}

// Less reports whether r orders before o.
func (r Rev) Less(o Rev) bool {
	if r.Clock != o.Clock {
		return r.Clock < o.Clock
	}
	return r.Node < o.Node
}

// IsZero reports whether the row has never been written.
func (r Rev) IsZero() bool { return r.Clock == 0 && r.Node == "" }

func (r Rev) String() string { return fmt.Sprintf("%d@%s", r.Clock, r.Node) }

// Priority is a priority tier shared by tasks and messages.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityNormal:   "NORMAL",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

// Valid reports whether p is a known tier.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) String() string {
	if n, ok := priorityNames[p]; ok {
		return n
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// Weight is the scoring weight of the tier. No tier alone reaches the default
// admission threshold, so a task with zero skill overlap is never admitted.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 4
	case PriorityCritical:
		return 8
	}
	return 0
}

// ParsePriority accepts a tier name (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	for p, n := range priorityNames {
		if strings.EqualFold(n, s) {
			return p, nil
		}
	}
	return 0, &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
}

// TaskStatus is a state of the task lifecycle.
type TaskStatus string

const (
	StatusAvailable  TaskStatus = "AVAILABLE"
	StatusClaimed    TaskStatus = "CLAIMED"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusApproved   TaskStatus = "APPROVED"
	StatusRejected   TaskStatus = "REJECTED"
)

// IsHeld reports whether a task in this status has an exclusive claimant.
func (s TaskStatus) IsHeld() bool { return s == StatusClaimed || s == StatusInProgress }

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool { return s == StatusApproved || s == StatusRejected }

// SatisfiesDependency reports whether a dependency in this status counts as met.
func (s TaskStatus) SatisfiesDependency() bool {
	return s == StatusCompleted || s == StatusApproved
}

// ClaimStamp identifies one claim of a task. Epoch counts claims over the
// task's life; two claims made concurrently from the same base state share an
// epoch and are ordered by (Clock, Node).
type ClaimStamp struct {
	Epoch int    `json:"epoch"`
	Clock uint64 `json:"clock"`
	Node  string `json:"node"`
	Agent string `json:"agent"`
}

// Before reports whether c was claimed earlier than o within the same epoch.
func (c ClaimStamp) Before(o ClaimStamp) bool {
	if c.Clock != o.Clock {
		return c.Clock < o.Clock
	}
	if c.Node != o.Node {
		return c.Node < o.Node
	}
	return c.Agent < o.Agent
}

// Agent is an agent's declared capability profile.
type Agent struct {
	ID             string    `json:"id"`
	Skills         []string  `json:"skills"`
	Specialization string    `json:"specialization,omitempty"`
	MaxConcurrent  int       `json:"max_concurrent"`
	PreferredTypes []string  `json:"preferred_types,omitempty"`
	Node           string    `json:"node"`
	RegisteredAt   time.Time `json:"registered_at"`
	Rev            Rev       `json:"rev"`
}

// HasSkill reports whether the agent declared skill (case-insensitive).
func (a *Agent) HasSkill(skill string) bool {
	for _, s := range a.Skills {
		if strings.EqualFold(s, skill) {
			return true
		}
	}
	return false
}

// Task is a unit of work on the shared board.
type Task struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	Type           string       `json:"type,omitempty"`
	RequiredSkills []string     `json:"required_skills"`
	Priority       Priority     `json:"priority"`
	Effort         float64      `json:"effort,omitempty"`
	Deadline       *time.Time   `json:"deadline,omitempty"`
	Dependencies   []string     `json:"dependencies,omitempty"`
	Reward         float64      `json:"reward,omitempty"`
	PostedBy       string       `json:"posted_by"`
	PostedAt       time.Time    `json:"posted_at"`
	Status         TaskStatus   `json:"status"`
	ClaimedBy      string       `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time   `json:"claimed_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	ApprovedBy     string       `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time   `json:"approved_at,omitempty"`
	Summary        string       `json:"summary,omitempty"`
	Artifacts      []string     `json:"artifacts,omitempty"`
	Feedback       string       `json:"feedback,omitempty"`
	Claim          ClaimStamp   `json:"claim"`
	ClaimHistory   []ClaimStamp `json:"claim_history,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Rev            Rev          `json:"rev"`
}

// Descends reports whether c is the task's current claim or one it replaced.
func (t *Task) Descends(c ClaimStamp) bool {
	if t.Claim == c {
		return true
	}
	for _, h := range t.ClaimHistory {
		if h == c {
			return true
		}
	}
	return false
}

// HeldBy reports whether agent currently holds the task.
func (t *Task) HeldBy(agent string) bool {
	return t.Status.IsHeld() && t.ClaimedBy == agent
}

// Message is a bus message between agents.
type Message struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Sender           string    `json:"sender"`
	Recipient        string    `json:"recipient"`
	Type             string    `json:"type"`
	Priority         Priority  `json:"priority"`
	Payload          string    `json:"payload"`
	Read             bool      `json:"read"`
	ReadBy           []string  `json:"read_by,omitempty"` // broadcast recipients that acknowledged
	RequiresApproval bool      `json:"requires_approval,omitempty"`
	ThreadID         string    `json:"thread_id,omitempty"`
	ResponseID       string    `json:"response_id,omitempty"`
	Rev              Rev       `json:"rev"`
}

// IsBroadcast reports whether the message is addressed to every agent.
func (m *Message) IsBroadcast() bool { return m.Recipient == Broadcast }

// AddressedTo reports whether agent should see m in its inbox.
func (m *Message) AddressedTo(agent string) bool {
	if m.IsBroadcast() {
		return m.Sender != agent
	}
	return m.Recipient == agent
}

// ReadFor reports whether agent has read m.
func (m *Message) ReadFor(agent string) bool {
	if !m.IsBroadcast() {
		return m.Read
	}
	for _, a := range m.ReadBy {
		if a == agent {
			return true
		}
	}
	return false
}

// Heartbeat statuses.
const (
	AgentIdle    = "idle"
	AgentBusy    = "busy"
	AgentOffline = "offline"
)

// Heartbeat is the liveness record of one agent.
type Heartbeat struct {
	AgentID     string             `json:"agent_id"`
	Status      string             `json:"status"`
	CurrentTask string             `json:"current_task,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Node        string             `json:"node"`
	Clock       uint64             `json:"clock"`
	Degraded    bool               `json:"degraded,omitempty"`
	Rev         Rev                `json:"rev"`
}
