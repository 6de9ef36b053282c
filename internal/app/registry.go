package app

import (
	"log"
	"sort"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

// Profile is what an agent declares about itself when registering.
type Profile struct {
	Skills         []string
	Specialization string
	MaxConcurrent  int
	PreferredTypes []string
}

// Registry is the capability registry: agents' declared skills and limits.
type Registry struct {
	svc    *CoordService
	logger *log.Logger
}

// NewRegistry returns a Registry over svc.
func NewRegistry(svc *CoordService, logger *log.Logger) *Registry {
	return &Registry{svc: svc, logger: logger}
}

// Register creates or updates the agent's profile and marks it idle.
// Re-registration keeps the original registration time.
func (r *Registry) Register(agentID string, p Profile) (*domain.Agent, error) {
	if agentID == "" {
		return nil, &domain.ValidationError{Field: "agent_id", Reason: "required"}
	}
	if agentID == domain.Broadcast || agentID == domain.SystemSender {
		return nil, &domain.ValidationError{Field: "agent_id", Reason: "reserved id " + agentID}
	}
	skills := normalizeList(p.Skills)
	if len(skills) == 0 {
		return nil, &domain.ValidationError{Field: "skills", Reason: "at least one skill is required"}
	}
	if p.MaxConcurrent < 0 {
		return nil, &domain.ValidationError{Field: "max_concurrent", Reason: "must be >= 1"}
	}
	if p.MaxConcurrent == 0 {
		p.MaxConcurrent = 1
	}

	var out *domain.Agent
	err := r.svc.Run(func(state *domain.CoordState) error {
		now := r.svc.now()
		a, existed := state.Agents[agentID]
		if !existed {
			a = &domain.Agent{ID: agentID, RegisteredAt: now}
		}
		a.Skills = skills
		a.Specialization = p.Specialization
		a.MaxConcurrent = p.MaxConcurrent
		a.PreferredTypes = normalizeList(p.PreferredTypes)
		a.Node = state.NodeID
		state.PutAgent(a, domain.OpPut)

		hb, ok := state.Heartbeats[agentID]
		if !ok {
			hb = &domain.Heartbeat{AgentID: agentID}
		}
		hb.Status = domain.AgentIdle
		hb.Timestamp = now
		hb.Node = state.NodeID
		hb.Degraded = r.svc.Degraded()
		state.PutHeartbeat(hb, domain.OpPut)
		hb.Clock = hb.Rev.Clock

		if existed {
			r.logger.Printf("Registry: agent %s re-registered (skills=%v, max=%d)", agentID, skills, p.MaxConcurrent)
		} else {
			r.logger.Printf("Registry: agent %s registered (skills=%v, max=%d)", agentID, skills, p.MaxConcurrent)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the agent's profile.
func (r *Registry) Get(agentID string) (*domain.Agent, error) {
	var out *domain.Agent
	err := r.svc.Query(func(state *domain.CoordState) error {
		a, err := requireAgent(state, agentID)
		if err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// List returns all registered agents sorted by id.
func (r *Registry) List() ([]*domain.Agent, error) {
	var out []*domain.Agent
	err := r.svc.Query(func(state *domain.CoordState) error {
		for _, a := range state.Agents {
			out = append(out, a)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// ActiveTaskCount returns how many tasks the agent holds (CLAIMED or IN_PROGRESS).
func (r *Registry) ActiveTaskCount(agentID string) (int, error) {
	var n int
	err := r.svc.Query(func(state *domain.CoordState) error {
		if _, err := requireAgent(state, agentID); err != nil {
			return err
		}
		n = state.ActiveTaskCount(agentID)
		return nil
	})
	return n, err
}
