package app

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

// Truncate truncates s to max runes (Unicode-safe).
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// derivedID returns an id that every node computes identically for the same
// event, so duplicate system messages collapse into one row on merge.
func derivedID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "\x00"))).String()
}

// requireAgent returns the registered agent or a not-found error.
func requireAgent(state *domain.CoordState, id string) (*domain.Agent, error) {
	if id == "" {
		return nil, &domain.ValidationError{Field: "agent_id", Reason: "required"}
	}
	a, ok := state.Agents[id]
	if !ok {
		return nil, domain.NotFound("agent", id)
	}
	return a, nil
}

// requireTask returns the task or a not-found error.
func requireTask(state *domain.CoordState, id string) (*domain.Task, error) {
	if id == "" {
		return nil, &domain.ValidationError{Field: "task_id", Reason: "required"}
	}
	t, ok := state.Tasks[id]
	if !ok {
		return nil, domain.NotFound("task", id)
	}
	return t, nil
}

// normalizeList trims entries, drops empties and duplicates (case-insensitive), keeping order.
func normalizeList(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		k := strings.ToLower(s)
		if s == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}

// SortInbox orders messages by priority desc, timestamp asc, id asc.
func SortInbox(msgs []*domain.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
}

// joinParts joins string parts with " and " for the last element, ", " otherwise.
func joinParts(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
	}
}
