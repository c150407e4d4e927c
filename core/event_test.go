package core

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventType_Terminal(t *testing.T) {
	terminals := map[EventType]bool{
		EventAgentStarted:   false,
		EventAgentThinking:  false,
		EventToolExecuting:  false,
		EventToolCompleted:  false,
		EventAgentCompleted: true,
		EventAgentError:     true,
	}
	for et, want := range terminals {
		if et.Terminal() != want {
			t.Errorf("%s: Terminal() = %v, want %v", et, et.Terminal(), want)
		}
		if !et.Valid() {
			t.Errorf("%s should be valid", et)
		}
	}
	if EventType("bogus").Valid() {
		t.Error("unknown type should not be valid")
	}
}

func TestLifecycleEvent_Validate(t *testing.T) {
	ev := NewLifecycleEvent(EventAgentStarted, "r1", "u1", 0, AgentStartedData("echo"))
	if err := ev.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	bad := ev
	bad.RunID = ""
	if err := bad.Validate(); err == nil {
		t.Error("empty run_id should be rejected")
	}
	bad = ev
	bad.Type = "nope"
	if err := bad.Validate(); err == nil {
		t.Error("unknown type should be rejected")
	}
	bad = ev
	bad.SequenceNumber = -1
	if err := bad.Validate(); err == nil {
		t.Error("negative sequence should be rejected")
	}
}

func TestLifecycleEvent_WireShape(t *testing.T) {
	ev := NewLifecycleEvent(EventToolCompleted, "r1", "u1", 7,
		ToolCompletedData("search", "ok", 1500*time.Millisecond))

	raw, err := ev.Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if frame["type"].(string) != "tool_completed" {
		t.Errorf("unexpected type: %v", frame["type"])
	}
	if frame["sequence_number"].(float64) != 7 {
		t.Errorf("unexpected sequence: %v", frame["sequence_number"])
	}
	if _, err := time.Parse(time.RFC3339Nano, frame["timestamp"].(string)); err != nil {
		t.Errorf("timestamp is not ISO-8601: %v", frame["timestamp"])
	}
	data := frame["data"].(map[string]any)
	if data["tool_name"].(string) != "search" || data["execution_time_ms"].(float64) != 1500 {
		t.Errorf("unexpected data payload: %v", data)
	}
}

func TestPayloadBuilders_RequiredFields(t *testing.T) {
	if d := AgentStartedData("a"); d["agent_name"] != "a" {
		t.Error("agent_started payload missing agent_name")
	}
	if d := AgentThinkingData("hm"); d["thought"] != "hm" {
		t.Error("agent_thinking payload missing thought")
	}
	d := ToolExecutingData("calc", nil)
	if d["tool_name"] != "calc" {
		t.Error("tool_executing payload missing tool_name")
	}
	if d["parameters"] == nil {
		t.Error("tool_executing parameters should never be nil")
	}
	if d := AgentCompletedData("done"); d["result"] != "done" {
		t.Error("agent_completed payload missing result")
	}
	d = AgentErrorData("boom", ReasonAgentError)
	if d["error"] != "boom" || d["reason"] != ReasonAgentError {
		t.Error("agent_error payload incomplete")
	}
}
