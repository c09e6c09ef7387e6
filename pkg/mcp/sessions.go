package mcp

import "sync"

// SessionRegistry maps agent IDs to MCP session IDs. Submit and control
// calls that carry agent_id populate it; closed sessions are dropped.
type SessionRegistry struct {
	mu        sync.RWMutex
	byAgent   map[string]string              // agentID → sessionID
	bySession map[string]map[string]struct{} // sessionID → agentIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byAgent:   make(map[string]string),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Register associates an agent ID with a session ID, replacing any
// earlier session for the agent.
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byAgent[agentID]; ok && old != sessionID {
		r.unlinkLocked(old, agentID)
	}
	r.byAgent[agentID] = sessionID
	agents, ok := r.bySession[sessionID]
	if !ok {
		agents = make(map[string]struct{})
		r.bySession[sessionID] = agents
	}
	agents[agentID] = struct{}{}
}

// SessionFor returns the session ID for the given agent, if connected.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byAgent[agentID]
	return sid, ok
}

// Remove forgets every agent bound to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for agentID := range r.bySession[sessionID] {
		delete(r.byAgent, agentID)
	}
	delete(r.bySession, sessionID)
}

// Len reports the number of connected agents.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAgent)
}

func (r *SessionRegistry) unlinkLocked(sessionID, agentID string) {
	agents := r.bySession[sessionID]
	delete(agents, agentID)
	if len(agents) == 0 {
		delete(r.bySession, sessionID)
	}
}
