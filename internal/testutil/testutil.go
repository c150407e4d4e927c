// Package testutil provides shared helpers for exercising the relay end to
// end in tests: scripted agents and a WebSocket test client that collects
// lifecycle frames.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentrelay/agentrelay/core"
)

// ScriptedAgent runs a fixed script: emit each thought, then return the
// configured result or error.
type ScriptedAgent struct {
	AgentName string
	Thoughts  []string
	Result    string
	Err       error
	// Delay before returning, for cancellation tests.
	Delay time.Duration
}

var _ core.Agent = (*ScriptedAgent)(nil)

func (a *ScriptedAgent) Name() string        { return a.AgentName }
func (a *ScriptedAgent) Description() string { return "scripted test agent" }

func (a *ScriptedAgent) Run(ctx context.Context, _ *core.ExecutionContext, emitter core.EventEmitter, _ string) (string, error) {
	for _, thought := range a.Thoughts {
		emitter.NotifyAgentThinking(thought)
	}
	if a.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.Delay):
		}
	}
	if a.Err != nil {
		return "", a.Err
	}
	return a.Result, nil
}

// Frame is one decoded outbound WebSocket frame.
type Frame map[string]any

// Type returns the frame's event type.
func (f Frame) Type() string {
	t, _ := f["type"].(string)
	return t
}

// RunID returns the frame's run identifier.
func (f Frame) RunID() string {
	id, _ := f["run_id"].(string)
	return id
}

// Seq returns the frame's sequence number.
func (f Frame) Seq() int64 {
	n, _ := f["sequence_number"].(float64)
	return int64(n)
}

// Data returns the frame's payload.
func (f Frame) Data() map[string]any {
	d, _ := f["data"].(map[string]any)
	return d
}

// SendJSON writes v as one text frame.
func SendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// ReadFrame reads and decodes one frame, failing the test after timeout.
func ReadFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", payload, err)
	}
	return frame
}

// ReadRun collects frames until it has seen a terminal event (agent_completed
// or agent_error) for runID. Frames belonging to other runs are collected too
// and returned interleaved as received.
func ReadRun(t *testing.T, conn *websocket.Conn, runID string, timeout time.Duration) []Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var frames []Frame
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("no terminal event for run %s after %s (got %d frames)", runID, timeout, len(frames))
		}
		frame := ReadFrame(t, conn, remaining)
		frames = append(frames, frame)
		if frame.RunID() == runID && core.EventType(frame.Type()).Terminal() {
			return frames
		}
	}
}

// FramesForRun filters frames down to one run, preserving order.
func FramesForRun(frames []Frame, runID string) []Frame {
	var out []Frame
	for _, f := range frames {
		if f.RunID() == runID {
			out = append(out, f)
		}
	}
	return out
}

// Types maps frames to their event types.
func Types(frames []Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Type())
	}
	return out
}

// WSURL converts an httptest server URL to its ws:// equivalent.
func WSURL(httpURL, path string) string {
	return fmt.Sprintf("ws%s%s", httpURL[len("http"):], path)
}
