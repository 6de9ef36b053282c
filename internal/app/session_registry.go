package app

import (
	"sync"
	"time"
)

type sessionBinding struct {
	agent    string
	lastSeen time.Time
}

// SessionRegistry binds MCP sessions to the agent that registered through
// them, so later tool calls on the same session may omit agent_id. An agent
// is bound to at most one session; rebinding it drops the older session.
type SessionRegistry struct {
	mu        sync.RWMutex
	now       func() time.Time
	bySession map[string]*sessionBinding
	byAgent   map[string]string // agent id → session id
}

// SessionOption configures a SessionRegistry.
type SessionOption func(*SessionRegistry)

// WithSessionClock sets the time source for activity stamps.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(r *SessionRegistry) { r.now = now }
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(opts ...SessionOption) *SessionRegistry {
	r := &SessionRegistry{
		now:       time.Now,
		bySession: make(map[string]*sessionBinding),
		byAgent:   make(map[string]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Bind records that agent registered on sessionID.
func (r *SessionRegistry) Bind(sessionID, agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byAgent[agent]; ok && old != sessionID {
		delete(r.bySession, old)
	}
	if b, ok := r.bySession[sessionID]; ok && b.agent != agent {
		delete(r.byAgent, b.agent)
	}
	r.bySession[sessionID] = &sessionBinding{agent: agent, lastSeen: r.now()}
	r.byAgent[agent] = sessionID
}

// AgentFor returns the agent bound to sessionID, or "".
func (r *SessionRegistry) AgentFor(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.bySession[sessionID]; ok {
		return b.agent
	}
	return ""
}

// Touch stamps activity on a bound session. Unbound sessions are ignored.
func (r *SessionRegistry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bySession[sessionID]; ok {
		b.lastSeen = r.now()
	}
}

// Presence reports whether agent has a live session and when it was last active.
func (r *SessionRegistry) Presence(agent string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byAgent[agent]
	if !ok {
		return time.Time{}, false
	}
	return r.bySession[sid].lastSeen, true
}

// Unbind forgets a closed session and returns the agent it was bound to.
func (r *SessionRegistry) Unbind(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bySession[sessionID]
	if !ok {
		return ""
	}
	delete(r.bySession, sessionID)
	if r.byAgent[b.agent] == sessionID {
		delete(r.byAgent, b.agent)
	}
	return b.agent
}
