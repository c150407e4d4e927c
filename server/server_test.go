package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/auth"
	"github.com/agentrelay/agentrelay/engine"
	"github.com/agentrelay/agentrelay/internal/testutil"
	"github.com/agentrelay/agentrelay/registry"
	"github.com/agentrelay/agentrelay/ws"
)

type harness struct {
	agents  *registry.Registry
	conns   *ws.ConnectionRegistry
	factory *engine.Factory
	ts      *httptest.Server
}

func newHarness(t *testing.T, optFns ...func(o *Options)) *harness {
	t.Helper()
	agents := registry.New()
	conns := ws.NewConnectionRegistry()
	factory := engine.NewFactory(agents, conns, ws.NewSequencer(0))

	srv := New(":0", agents, conns, factory, optFns...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = factory.Shutdown(ctx)
	})

	return &harness{agents: agents, conns: conns, factory: factory, ts: ts}
}

func (h *harness) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(
		testutil.WSURL(h.ts.URL, "/ws?user_id="+userID), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_GoldenPath(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.agents.Register("assistant", &testutil.ScriptedAgent{
		AgentName: "assistant",
		Thoughts:  []string{"looking it up"},
		Result:    "42",
	}))

	conn := h.dial(t, "alice")
	testutil.SendJSON(t, conn, map[string]any{
		"type":      "agent_request",
		"agent":     "assistant",
		"thread_id": "t1",
		"message":   "what is the answer?",
	})

	first := testutil.ReadFrame(t, conn, 2*time.Second)
	require.Equal(t, "agent_started", first.Type())
	runID := first.RunID()
	require.NotEmpty(t, runID)

	frames := append([]testutil.Frame{first},
		testutil.ReadRun(t, conn, runID, 2*time.Second)...)
	run := testutil.FramesForRun(frames, runID)

	assert.Equal(t, []string{"agent_started", "agent_thinking", "agent_completed"},
		testutil.Types(run))
	for i, f := range run {
		assert.Equal(t, int64(i), f.Seq())
	}
	assert.Equal(t, "42", run[2].Data()["result"])
}

func TestServer_UnauthenticatedUpgradeRejected(t *testing.T) {
	h := newHarness(t)

	_, resp, err := websocket.DefaultDialer.Dial(testutil.WSURL(h.ts.URL, "/ws"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_JWTAuthentication(t *testing.T) {
	authn := auth.NewJWTAuthenticator([]byte("test-secret"))
	h := newHarness(t, func(o *Options) { o.Authenticator = authn })
	require.NoError(t, h.agents.Register("assistant", &testutil.ScriptedAgent{
		AgentName: "assistant", Result: "ok",
	}))

	token, err := authn.IssueToken("alice", time.Minute)
	require.NoError(t, err)

	conn, resp, err := websocket.DefaultDialer.Dial(
		testutil.WSURL(h.ts.URL, "/ws?token="+token), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	testutil.SendJSON(t, conn, map[string]any{
		"type": "agent_request", "agent": "assistant",
		"thread_id": "t1", "message": "hi",
	})
	first := testutil.ReadFrame(t, conn, 2*time.Second)
	assert.Equal(t, "agent_started", first.Type())
}

func TestServer_MalformedFramesDoNotStartRuns(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "alice")

	cases := []any{
		"not json at all",
		map[string]any{"type": "agent_request"}, // missing fields
		map[string]any{"type": "mystery"},
	}
	for _, c := range cases {
		if s, ok := c.(string); ok {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(s)))
		} else {
			testutil.SendJSON(t, conn, c)
		}
		frame := testutil.ReadFrame(t, conn, 2*time.Second)
		assert.Equal(t, "agent_error", frame.Type())
		assert.Empty(t, frame.RunID())
	}
	assert.Empty(t, h.factory.ActiveRuns())
}

func TestServer_UnknownAgentErrorFrame(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "alice")

	testutil.SendJSON(t, conn, map[string]any{
		"type": "agent_request", "agent": "ghost",
		"thread_id": "t1", "message": "hi",
	})

	frame := testutil.ReadFrame(t, conn, 2*time.Second)
	assert.Equal(t, "agent_error", frame.Type())
	assert.Contains(t, frame.Data()["error"], "ghost")
}

func TestServer_AgentFailureStreamsErrorEvent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.agents.Register("broken", &testutil.ScriptedAgent{
		AgentName: "broken",
		Err:       errors.New("backend down"),
	}))

	conn := h.dial(t, "alice")
	testutil.SendJSON(t, conn, map[string]any{
		"type": "agent_request", "agent": "broken",
		"thread_id": "t1", "message": "hi",
	})

	first := testutil.ReadFrame(t, conn, 2*time.Second)
	require.Equal(t, "agent_started", first.Type())
	frames := testutil.ReadRun(t, conn, first.RunID(), 2*time.Second)
	last := frames[len(frames)-1]
	assert.Equal(t, "agent_error", last.Type())
	assert.Equal(t, "backend down", last.Data()["error"])
	assert.Equal(t, "agent_error", last.Data()["reason"])
}

func TestServer_CancelRunFrame(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.agents.Register("slow", &testutil.ScriptedAgent{
		AgentName: "slow",
		Delay:     5 * time.Second,
		Result:    "never",
	}))

	conn := h.dial(t, "alice")
	testutil.SendJSON(t, conn, map[string]any{
		"type": "agent_request", "agent": "slow",
		"thread_id": "t1", "message": "hi",
	})

	first := testutil.ReadFrame(t, conn, 2*time.Second)
	require.Equal(t, "agent_started", first.Type())

	testutil.SendJSON(t, conn, map[string]any{"type": "cancel_run", "run_id": first.RunID()})

	frames := testutil.ReadRun(t, conn, first.RunID(), 2*time.Second)
	last := frames[len(frames)-1]
	assert.Equal(t, "agent_error", last.Type())
	assert.Equal(t, "cancelled", last.Data()["reason"])
}

func TestServer_CancelRunRejectedForOtherUsers(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.agents.Register("slow", &testutil.ScriptedAgent{
		AgentName: "slow",
		Delay:     5 * time.Second,
		Result:    "never",
	}))

	alice := h.dial(t, "alice")
	testutil.SendJSON(t, alice, map[string]any{
		"type": "agent_request", "agent": "slow",
		"thread_id": "t1", "message": "hi",
	})
	first := testutil.ReadFrame(t, alice, 2*time.Second)
	require.Equal(t, "agent_started", first.Type())

	bob := h.dial(t, "bob")
	testutil.SendJSON(t, bob, map[string]any{"type": "cancel_run", "run_id": first.RunID()})

	reply := testutil.ReadFrame(t, bob, 2*time.Second)
	assert.Equal(t, "agent_error", reply.Type())
	assert.Contains(t, reply.Data()["error"], "no such active run")
	assert.Len(t, h.factory.ActiveRuns(), 1, "foreign cancel must not touch the run")

	// The owner can still cancel it.
	testutil.SendJSON(t, alice, map[string]any{"type": "cancel_run", "run_id": first.RunID()})
	frames := testutil.ReadRun(t, alice, first.RunID(), 2*time.Second)
	last := frames[len(frames)-1]
	assert.Equal(t, "agent_error", last.Type())
	assert.Equal(t, "cancelled", last.Data()["reason"])
}

func TestServer_DisconnectCancelsRuns(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.agents.Register("slow", &testutil.ScriptedAgent{
		AgentName: "slow",
		Delay:     5 * time.Second,
		Result:    "never",
	}))

	conn := h.dial(t, "alice")
	testutil.SendJSON(t, conn, map[string]any{
		"type": "agent_request", "agent": "slow",
		"thread_id": "t1", "message": "hi",
	})
	first := testutil.ReadFrame(t, conn, 2*time.Second)
	require.Equal(t, "agent_started", first.Type())

	conn.Close()

	require.Eventually(t, func() bool {
		return len(h.factory.ActiveRuns()) == 0
	}, 3*time.Second, 10*time.Millisecond, "disconnect should cancel the in-flight run")
}

func TestServer_ConcurrentRunsInterleaveSafely(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.agents.Register("assistant", &testutil.ScriptedAgent{
		AgentName: "assistant",
		Thoughts:  []string{"a", "b"},
		Result:    "done",
	}))

	conn := h.dial(t, "alice")
	const runCount = 3
	for i := 0; i < runCount; i++ {
		testutil.SendJSON(t, conn, map[string]any{
			"type": "agent_request", "agent": "assistant",
			"thread_id": "t1", "message": "hi",
		})
	}

	// 4 events per run; collect until every run has terminated.
	terminated := map[string]bool{}
	perRunSeq := map[string]int64{}
	deadline := time.Now().Add(5 * time.Second)
	for len(terminated) < runCount {
		frame := testutil.ReadFrame(t, conn, time.Until(deadline))
		runID := frame.RunID()
		assert.Equal(t, perRunSeq[runID], frame.Seq(), "per-run emission order for %s", runID)
		perRunSeq[runID]++
		if frame.Type() == "agent_completed" {
			terminated[runID] = true
		}
	}
	assert.Len(t, perRunSeq, runCount)
}

func TestServer_HealthEndpoint(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.agents.Register("assistant", &testutil.ScriptedAgent{
		AgentName: "assistant", Result: "ok",
	}))

	resp, err := http.Get(h.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}
