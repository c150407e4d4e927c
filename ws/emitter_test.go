package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/core"
	"github.com/agentrelay/agentrelay/retry"
)

// flakyConn fails its first failures sends, then behaves like stubConn.
type flakyConn struct {
	stubConn
	mu2      sync.Mutex
	failures int
}

func (c *flakyConn) Send(payload []byte) error {
	c.mu2.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu2.Unlock()
		return ErrSendBufferFull
	}
	c.mu2.Unlock()
	return c.stubConn.Send(payload)
}

func fastPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func newEmitterFixture(t *testing.T) (*core.ExecutionContext, *ConnectionRegistry, *Sequencer) {
	t.Helper()
	ec, err := core.NewExecutionContext("alice", "t1", "r1", "q1")
	require.NoError(t, err)
	return ec, NewConnectionRegistry(), NewSequencer(0)
}

func decodeFrames(t *testing.T, frames [][]byte) []map[string]any {
	t.Helper()
	out := make([]map[string]any, 0, len(frames))
	for _, raw := range frames {
		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		out = append(out, frame)
	}
	return out
}

func TestEventEmitter_SequencedLifecycle(t *testing.T) {
	ec, reg, seq := newEmitterFixture(t)
	conn := &stubConn{id: "c1", userID: "alice"}
	reg.Add(conn)

	e := NewEventEmitter(ec, reg, seq, func(o *EmitterOptions) {
		o.Policy = fastPolicy()
	})

	e.NotifyAgentStarted("echo")
	e.NotifyAgentThinking("planning")
	e.NotifyToolExecuting("search", map[string]any{"q": "go"})
	e.NotifyToolCompleted("search", "3 hits", 12*time.Millisecond)
	e.NotifyAgentCompleted("done")

	frames := decodeFrames(t, conn.received())
	require.Len(t, frames, 5)

	wantTypes := []string{"agent_started", "agent_thinking", "tool_executing", "tool_completed", "agent_completed"}
	for i, frame := range frames {
		assert.Equal(t, wantTypes[i], frame["type"])
		assert.Equal(t, float64(i), frame["sequence_number"], "sequence must be gap-free from 0")
		assert.Equal(t, "r1", frame["run_id"])
		assert.Equal(t, "alice", frame["user_id"])
	}
}

func TestEventEmitter_RetryRecoversTransientFailure(t *testing.T) {
	ec, reg, seq := newEmitterFixture(t)
	conn := &flakyConn{stubConn: stubConn{id: "c1", userID: "alice"}, failures: 2}
	reg.Add(conn)

	e := NewEventEmitter(ec, reg, seq, func(o *EmitterOptions) {
		o.Policy = fastPolicy()
	})

	e.NotifyAgentThinking("still here")

	frames := decodeFrames(t, conn.received())
	require.Len(t, frames, 1, "third attempt should have landed")
	assert.Empty(t, ec.AuditKeys(), "recovered delivery must not be audited as dropped")
}

func TestEventEmitter_ExhaustedRetriesAuditedNotFatal(t *testing.T) {
	ec, reg, seq := newEmitterFixture(t)
	conn := &flakyConn{stubConn: stubConn{id: "c1", userID: "alice"}, failures: 3}
	reg.Add(conn)

	e := NewEventEmitter(ec, reg, seq, func(o *EmitterOptions) {
		o.Policy = fastPolicy()
	})

	e.NotifyAgentThinking("lost")
	e.NotifyAgentCompleted("done")

	keys := ec.AuditKeys()
	require.Len(t, keys, 1)
	assert.Equal(t, "delivery_failed:agent_thinking:0", keys[0])

	frames := decodeFrames(t, conn.received())
	require.Len(t, frames, 1, "later events still flow after a drop")
	assert.Equal(t, "agent_completed", frames[0]["type"])
	assert.Equal(t, float64(1), frames[0]["sequence_number"],
		"dropped event still consumed its sequence number")
}

func TestEventEmitter_NoConnectionsAuditsEveryEvent(t *testing.T) {
	ec, reg, seq := newEmitterFixture(t)

	e := NewEventEmitter(ec, reg, seq, func(o *EmitterOptions) {
		o.Policy = fastPolicy()
	})

	e.NotifyAgentStarted("echo")
	e.NotifyAgentError("boom", core.ReasonAgentError)

	keys := ec.AuditKeys()
	require.Len(t, keys, 2)
	assert.Equal(t, "delivery_failed:agent_started:0", keys[0])
	assert.Equal(t, "delivery_failed:agent_error:1", keys[1])
}

func TestEventEmitter_ReleaseFreesSequencerState(t *testing.T) {
	ec, reg, seq := newEmitterFixture(t)
	reg.Add(&stubConn{id: "c1", userID: "alice"})

	e := NewEventEmitter(ec, reg, seq, func(o *EmitterOptions) {
		o.Policy = fastPolicy()
	})
	e.NotifyAgentStarted("echo")
	require.Equal(t, 1, seq.ActiveRuns())

	e.Release()
	assert.Equal(t, 0, seq.ActiveRuns())
}
