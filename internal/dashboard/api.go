// Package dashboard serves a read-only JSON view of the node's coordination
// state for operators.
package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/replication"
)

// StateSnapshot is the JSON response from /api/state.
type StateSnapshot struct {
	Timestamp string              `json:"timestamp"`
	NodeID    string              `json:"node_id"`
	Degraded  bool                `json:"degraded"`
	Agents    []AgentSnapshot     `json:"agents"`
	Tasks     []TaskSnapshot      `json:"tasks"`
	Messages  []MessageSnapshot   `json:"messages"`
	Counts    map[string]int      `json:"task_counts"`
	Sync      *replication.Status `json:"sync,omitempty"`
}

// AgentSnapshot is a per-agent summary.
type AgentSnapshot struct {
	ID            string   `json:"id"`
	Node          string   `json:"node"`
	Skills        []string `json:"skills"`
	Status        string   `json:"status"`
	CurrentTask   string   `json:"current_task,omitempty"`
	ActiveTasks   int      `json:"active_tasks"`
	MaxConcurrent int      `json:"max_concurrent"`
	LastHeartbeat string   `json:"last_heartbeat"`
	Degraded      bool     `json:"degraded,omitempty"`
	Connected     bool     `json:"connected"`
	SessionActive string   `json:"session_active,omitempty"`
}

// TaskSnapshot is a per-task summary.
type TaskSnapshot struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Type      string `json:"type,omitempty"`
	Status    string `json:"status"`
	Priority  string `json:"priority"`
	ClaimedBy string `json:"claimed_by,omitempty"`
	PostedBy  string `json:"posted_by"`
	Age       string `json:"age"`
	Summary   string `json:"summary,omitempty"`
}

// MessageSnapshot is a per-message summary.
type MessageSnapshot struct {
	ID       string `json:"id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Type     string `json:"type"`
	Priority string `json:"priority"`
	Payload  string `json:"payload"`
	Read     bool   `json:"read"`
	Age      string `json:"age"`
}

// SyncStatusSource reports replication health. replication.Syncer implements it.
type SyncStatusSource interface {
	Status() replication.Status
}

// Handler holds dependencies for dashboard HTTP handlers.
type Handler struct {
	svc      *app.CoordService
	sessions *app.SessionRegistry
	sync     SyncStatusSource // optional; nil when replication is off
}

// HandlerOption configures optional dependencies for the dashboard handler.
type HandlerOption func(*Handler)

// WithSyncStatus adds replication status to /api/state.
func WithSyncStatus(s SyncStatusSource) HandlerOption {
	return func(h *Handler) { h.sync = s }
}

// NewHandler creates a dashboard handler.
func NewHandler(svc *app.CoordService, sessions *app.SessionRegistry, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, sessions: sessions}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes adds dashboard routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/state", h.handleAPIState)
}

func (h *Handler) handleAPIState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = w.Write([]byte(`{"error":"GET required"}`))
		return
	}

	snap, err := h.Snapshot()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(snap)
}

// Snapshot builds the state summary served at /api/state.
func (h *Handler) Snapshot() (*StateSnapshot, error) {
	now := h.svc.Now()
	snap := &StateSnapshot{
		Timestamp: now.Format(time.RFC3339),
		NodeID:    h.svc.NodeID(),
		Degraded:  h.svc.Degraded(),
		Agents:    []AgentSnapshot{},
		Tasks:     []TaskSnapshot{},
		Messages:  []MessageSnapshot{},
		Counts:    make(map[string]int),
	}
	if h.sync != nil {
		st := h.sync.Status()
		snap.Sync = &st
	}

	err := h.svc.Query(func(state *domain.CoordState) error {
		for id, a := range state.Agents {
			as := AgentSnapshot{
				ID:            id,
				Node:          a.Node,
				Skills:        a.Skills,
				Status:        "unknown",
				ActiveTasks:   state.ActiveTaskCount(id),
				MaxConcurrent: a.MaxConcurrent,
				LastHeartbeat: "never",
			}
			if hb, ok := state.Heartbeats[id]; ok {
				as.Status = hb.Status
				as.CurrentTask = hb.CurrentTask
				as.LastHeartbeat = relTime(hb.Timestamp, now)
				as.Degraded = hb.Degraded
			}
			if h.sessions != nil {
				if seen, ok := h.sessions.Presence(id); ok {
					as.Connected = true
					as.SessionActive = relTime(seen, now)
				}
			}
			snap.Agents = append(snap.Agents, as)
		}
		sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].ID < snap.Agents[j].ID })

		// Tasks (most recent first, limit 50)
		tasks := make([]*domain.Task, 0, len(state.Tasks))
		for _, t := range state.Tasks {
			tasks = append(tasks, t)
			snap.Counts[string(t.Status)]++
		}
		sort.Slice(tasks, func(i, j int) bool {
			if !tasks[i].PostedAt.Equal(tasks[j].PostedAt) {
				return tasks[i].PostedAt.After(tasks[j].PostedAt)
			}
			return tasks[i].ID < tasks[j].ID
		})
		if len(tasks) > 50 {
			tasks = tasks[:50]
		}
		for _, t := range tasks {
			snap.Tasks = append(snap.Tasks, TaskSnapshot{
				ID:        t.ID,
				Title:     app.Truncate(t.Title, 80),
				Type:      t.Type,
				Status:    string(t.Status),
				Priority:  t.Priority.String(),
				ClaimedBy: t.ClaimedBy,
				PostedBy:  t.PostedBy,
				Age:       relTime(t.PostedAt, now),
				Summary:   app.Truncate(t.Summary, 120),
			})
		}

		// Messages (most recent first, limit 30)
		msgs := make([]*domain.Message, 0, len(state.Messages))
		for _, m := range state.Messages {
			msgs = append(msgs, m)
		}
		sort.Slice(msgs, func(i, j int) bool {
			if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
				return msgs[i].Timestamp.After(msgs[j].Timestamp)
			}
			return msgs[i].ID < msgs[j].ID
		})
		if len(msgs) > 30 {
			msgs = msgs[:30]
		}
		for _, m := range msgs {
			snap.Messages = append(snap.Messages, MessageSnapshot{
				ID:       m.ID,
				From:     m.Sender,
				To:       m.Recipient,
				Type:     m.Type,
				Priority: m.Priority.String(),
				Payload:  app.Truncate(m.Payload, 200),
				Read:     m.Read,
				Age:      relTime(m.Timestamp, now),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dashboard snapshot: %w", err)
	}
	return snap, nil
}

func relTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2 15:04")
	}
}
