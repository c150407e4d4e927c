package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies one of the fixed lifecycle event kinds a run can emit.
type EventType string

const (
	// EventAgentStarted opens every run's event sequence.
	EventAgentStarted EventType = "agent_started"
	// EventAgentThinking reports an intermediate reasoning step.
	EventAgentThinking EventType = "agent_thinking"
	// EventToolExecuting announces a tool invocation before it runs.
	EventToolExecuting EventType = "tool_executing"
	// EventToolCompleted reports a tool result and its execution time.
	EventToolCompleted EventType = "tool_completed"
	// EventAgentCompleted terminates a successful run with its final result.
	EventAgentCompleted EventType = "agent_completed"
	// EventAgentError terminates a failed or cancelled run.
	EventAgentError EventType = "agent_error"
)

// Terminal reports whether this event type ends a run's sequence. Every run
// that emitted agent_started is terminated by exactly one terminal event.
func (t EventType) Terminal() bool {
	return t == EventAgentCompleted || t == EventAgentError
}

// Valid reports whether t is a member of the lifecycle enumeration.
func (t EventType) Valid() bool {
	switch t {
	case EventAgentStarted, EventAgentThinking, EventToolExecuting,
		EventToolCompleted, EventAgentCompleted, EventAgentError:
		return true
	default:
		return false
	}
}

// Reasons carried by agent_error events.
const (
	// ReasonCancelled marks a run terminated by client disconnect or cancel.
	ReasonCancelled = "cancelled"
	// ReasonTimeout marks a run that exceeded its execution deadline.
	ReasonTimeout = "timeout"
	// ReasonAgentError marks an unrecoverable agent or tool failure.
	ReasonAgentError = "agent_error"
)

// LifecycleEvent is one outbound WebSocket frame describing a run's progress.
// After construction it should be treated as immutable. SequenceNumber is
// strictly increasing per run (assigned by the sequencer, starting at 0) and
// the event is only ever delivered to connections owned by UserID.
type LifecycleEvent struct {
	Type           EventType      `json:"type"`
	RunID          string         `json:"run_id"`
	UserID         string         `json:"user_id"`
	SequenceNumber int64          `json:"sequence_number"`
	Timestamp      time.Time      `json:"timestamp"`
	Data           map[string]any `json:"data"`
}

// NewLifecycleEvent stamps an event with the current UTC time.
func NewLifecycleEvent(t EventType, runID, userID string, seq int64, data map[string]any) LifecycleEvent {
	return LifecycleEvent{
		Type:           t,
		RunID:          runID,
		UserID:         userID,
		SequenceNumber: seq,
		Timestamp:      time.Now().UTC(),
		Data:           data,
	}
}

// Validate ensures the event carries its identity and a known type.
func (e LifecycleEvent) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("lifecycle event: unknown type %q", e.Type)
	}
	if e.RunID == "" {
		return fmt.Errorf("lifecycle event: run_id must not be empty")
	}
	if e.UserID == "" {
		return fmt.Errorf("lifecycle event: user_id must not be empty")
	}
	if e.SequenceNumber < 0 {
		return fmt.Errorf("lifecycle event: negative sequence number %d", e.SequenceNumber)
	}
	return nil
}

// Marshal serializes the event to its wire shape (one JSON object per frame).
func (e LifecycleEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// String returns a compact representation for logs.
func (e LifecycleEvent) String() string {
	return fmt.Sprintf("LifecycleEvent{%s run=%s seq=%d}", e.Type, e.RunID, e.SequenceNumber)
}

// AgentStartedData builds the payload for agent_started.
func AgentStartedData(agentName string) map[string]any {
	return map[string]any{"agent_name": agentName}
}

// AgentThinkingData builds the payload for agent_thinking.
func AgentThinkingData(thought string) map[string]any {
	return map[string]any{"thought": thought}
}

// ToolExecutingData builds the payload for tool_executing.
func ToolExecutingData(toolName string, parameters map[string]any) map[string]any {
	if parameters == nil {
		parameters = map[string]any{}
	}
	return map[string]any{"tool_name": toolName, "parameters": parameters}
}

// ToolCompletedData builds the payload for tool_completed. The elapsed
// duration is reported as integer milliseconds.
func ToolCompletedData(toolName string, result any, elapsed time.Duration) map[string]any {
	return map[string]any{
		"tool_name":         toolName,
		"result":            result,
		"execution_time_ms": elapsed.Milliseconds(),
	}
}

// AgentCompletedData builds the payload for agent_completed.
func AgentCompletedData(result string) map[string]any {
	return map[string]any{"result": result}
}

// AgentErrorData builds the payload for agent_error.
func AgentErrorData(errMsg, reason string) map[string]any {
	return map[string]any{"error": errMsg, "reason": reason}
}
