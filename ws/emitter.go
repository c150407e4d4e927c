package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentrelay/agentrelay/core"
	"github.com/agentrelay/agentrelay/logging"
	"github.com/agentrelay/agentrelay/retry"
	"github.com/agentrelay/agentrelay/telemetry"
)

// EventEmitter is the per-run implementation of core.EventEmitter. It is
// bound to one ExecutionContext: every event it emits carries that run's
// run_id and user_id, gets the next sequence number from the shared
// sequencer, and fans out only to the owning user's connections.
//
// Delivery is fire-and-forget with a bounded retry budget. An event that
// still cannot be delivered after the budget is recorded in the context's
// audit trail and counted as dropped; it never fails the run and never blocks
// later events.
//
// Emissions are serialized internally, so an agent that fans work out across
// goroutines may share the emitter: sequence order always matches delivery
// order.
type EventEmitter struct {
	ec       *core.ExecutionContext
	registry *ConnectionRegistry
	seq      *Sequencer
	policy   retry.Policy
	logger   logging.Logger
	metrics  *telemetry.Metrics

	// serializes emissions so sequencing and delivery stay in step even
	// when sub-agents share the emitter across goroutines
	mu sync.Mutex

	// ambient context for delivery retries; cancelled when the run's
	// grace period for terminal events expires
	ctx context.Context
}

var _ core.EventEmitter = (*EventEmitter)(nil)

// EmitterOptions configures an EventEmitter.
type EmitterOptions struct {
	// Policy bounds delivery retries. Defaults to retry.DefaultPolicy.
	Policy retry.Policy
	// Logger receives delivery diagnostics.
	Logger logging.Logger
	// Metrics counts emitted, delivered and dropped events. Nil disables.
	Metrics *telemetry.Metrics
	// Context bounds retry backoff sleeps. Defaults to context.Background,
	// deliberately detached from the run context so terminal events still
	// get their delivery attempts after cancellation.
	Context context.Context
}

// NewEventEmitter binds an emitter to one run.
func NewEventEmitter(ec *core.ExecutionContext, registry *ConnectionRegistry, seq *Sequencer, optFns ...func(o *EmitterOptions)) *EventEmitter {
	opts := EmitterOptions{
		Policy:  retry.DefaultPolicy(),
		Logger:  logging.NoOpLogger{},
		Context: context.Background(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &EventEmitter{
		ec:       ec,
		registry: registry,
		seq:      seq,
		policy:   opts.Policy,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		ctx:      opts.Context,
	}
}

// NotifyAgentStarted emits the run's opening event.
func (e *EventEmitter) NotifyAgentStarted(agentName string) {
	e.emit(core.EventAgentStarted, core.AgentStartedData(agentName))
}

// NotifyAgentThinking emits an intermediate reasoning step.
func (e *EventEmitter) NotifyAgentThinking(thought string) {
	e.emit(core.EventAgentThinking, core.AgentThinkingData(thought))
}

// NotifyToolExecuting emits a tool invocation announcement.
func (e *EventEmitter) NotifyToolExecuting(toolName string, parameters map[string]any) {
	e.emit(core.EventToolExecuting, core.ToolExecutingData(toolName, parameters))
}

// NotifyToolCompleted emits a tool result with its execution time.
func (e *EventEmitter) NotifyToolCompleted(toolName string, result any, elapsed time.Duration) {
	e.emit(core.EventToolCompleted, core.ToolCompletedData(toolName, result, elapsed))
}

// NotifyAgentCompleted emits the successful terminal event.
func (e *EventEmitter) NotifyAgentCompleted(result string) {
	e.emit(core.EventAgentCompleted, core.AgentCompletedData(result))
}

// NotifyAgentError emits the failure terminal event.
func (e *EventEmitter) NotifyAgentError(errMsg, reason string) {
	e.emit(core.EventAgentError, core.AgentErrorData(errMsg, reason))
}

func (e *EventEmitter) emit(t core.EventType, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	runID := e.ec.RunID()
	userID := e.ec.UserID()

	seq := e.seq.Next(runID)
	// Numbers from Next are always fresh, so this never fires on the emit
	// path; it guards frames re-injected from outside the emitter, such as
	// a replayed delivery carrying an already-used sequence number.
	if e.seq.IsDuplicate(runID, seq) {
		e.metrics.DuplicateBlocked(e.ctx)
		e.logger.Warn("duplicate sequence suppressed",
			"run_id", runID, "event", string(t), "sequence", seq)
		return
	}

	ev := core.NewLifecycleEvent(t, runID, userID, seq, data)
	e.metrics.EventEmitted(e.ctx, string(t))

	started := time.Now()
	attempts := 0
	err := e.policy.Do(e.ctx, func() error {
		attempts++
		if attempts > 1 {
			e.metrics.DeliveryRetried(e.ctx)
		}
		return e.registry.BroadcastToUser(userID, ev)
	})

	if err != nil {
		e.recordDropped(ev, err)
		return
	}

	e.metrics.EventDelivered(e.ctx, string(t))
	e.logger.Debug("event delivered",
		"run_id", runID, "event", string(t), "sequence", seq,
		"attempts", attempts, "duration", time.Since(started).String())
}

// recordDropped writes the failure into the run's audit trail so the drop is
// observable after the fact even though the run itself continues.
func (e *EventEmitter) recordDropped(ev core.LifecycleEvent, cause error) {
	key := fmt.Sprintf("delivery_failed:%s:%d", ev.Type, ev.SequenceNumber)
	e.ec.AppendAudit(key, cause.Error())

	e.metrics.EventDropped(e.ctx, string(ev.Type))
	e.logger.Warn("event dropped after retry budget",
		"run_id", ev.RunID, "event", string(ev.Type),
		"sequence", ev.SequenceNumber, "error", cause.Error())
}

// Release drops the run's sequencer state. The engine calls this exactly once
// during cleanup, after the terminal event.
func (e *EventEmitter) Release() {
	e.seq.Release(e.ec.RunID())
}
