package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("scheduler-agent", "session-abc")
	sid, ok := r.SessionFor("scheduler-agent")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)

	_, ok = r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Reconnect(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("agent-1", "session-old")
	r.Register("agent-1", "session-new")

	sid, ok := r.SessionFor("agent-1")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)

	// Closing the stale session must not drop the reconnected agent.
	r.Remove("session-old")
	_, ok = r.SessionFor("agent-1")
	assert.True(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("agent-1", "session-abc")
	r.Register("agent-2", "session-abc")
	r.Register("agent-3", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("agent-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("agent-2")
	assert.False(t, ok)

	sid, ok := r.SessionFor("agent-3")
	assert.True(t, ok)
	assert.Equal(t, "session-xyz", sid)
	assert.Equal(t, 1, r.Len())
}
