// Package engine orchestrates one run from creation to cleanup. An Engine
// owns exactly one ExecutionContext and drives its agent through the run
// state machine; the Factory creates engines, tracks the active set, and
// tears everything down on shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentrelay/agentrelay/core"
	"github.com/agentrelay/agentrelay/logging"
	"github.com/agentrelay/agentrelay/telemetry"
	"github.com/agentrelay/agentrelay/ws"
)

// State is the engine lifecycle state. Legal paths:
//
//	Created → Running → Completing → Terminated   (success)
//	Created → Running → Failing    → Terminated   (agent error or timeout)
//	          Running → Cancelling → Terminated   (disconnect or cancel)
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCompleting
	StateFailing
	StateCancelling
	StateTerminated
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleting:
		return "completing"
	case StateFailing:
		return "failing"
	case StateCancelling:
		return "cancelling"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// CreationError reports that an engine could not be assembled for a run.
// Nothing was registered and no events were emitted: the client never sees a
// started-but-never-finished sequence.
type CreationError struct {
	Agent string
	Err   error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("engine: create for agent %q: %v", e.Agent, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// ExecutionError reports that a run reached a terminal failure. The matching
// agent_error event has already been emitted by the time callers see this.
type ExecutionError struct {
	RunID  string
	Reason string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("engine: run %s failed (%s): %v", e.RunID, e.Reason, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ErrEngineConsumed is returned when Execute is called on an engine that
// already ran. Engines are single-use, one per run.
var ErrEngineConsumed = errors.New("engine already executed")

// Engine drives a single run. Create via Factory.CreateForUser; never reuse.
type Engine struct {
	agent   core.Agent
	ec      *core.ExecutionContext
	emitter *ws.EventEmitter

	state   atomic.Int32
	timeout time.Duration

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	cleanupOnce sync.Once
	onCleanup   func()

	logger  logging.Logger
	metrics *telemetry.Metrics
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Context returns the run's ExecutionContext.
func (e *Engine) Context() *core.ExecutionContext { return e.ec }

func (e *Engine) transition(from, to State) bool {
	return e.state.CompareAndSwap(int32(from), int32(to))
}

// Execute runs the agent to completion. It emits agent_started on entry and
// exactly one terminal event (agent_completed or agent_error) on exit, then
// performs cleanup regardless of outcome. A second call fails immediately
// with ErrEngineConsumed and emits nothing.
func (e *Engine) Execute(ctx context.Context, input string) (string, error) {
	if !e.transition(StateCreated, StateRunning) {
		return "", ErrEngineConsumed
	}
	defer e.Cleanup()

	e.metrics.RunStarted(ctx)
	defer e.metrics.RunFinished(context.Background())

	var runCtx context.Context
	var cancel context.CancelFunc
	if e.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	e.cancelMu.Lock()
	e.cancel = cancel
	// Cancel() may have raced ahead of the cancel func being stored.
	requested := e.State() == StateCancelling
	e.cancelMu.Unlock()
	if requested {
		cancel()
	}

	e.logger.Info("run started", "run_id", e.ec.RunID(),
		"user_id", e.ec.UserID(), "agent", e.agent.Name())

	e.emitter.NotifyAgentStarted(e.agent.Name())

	result, err := e.runAgent(runCtx, input)
	if err != nil {
		reason := e.failureReason(runCtx, err)
		summary := redactError(err)

		if reason == core.ReasonCancelled {
			e.transition(StateRunning, StateCancelling)
		} else if !e.transition(StateRunning, StateFailing) {
			// Cancel() won the race but the failure is not a cancellation.
			e.transition(StateCancelling, StateFailing)
		}

		e.emitter.NotifyAgentError(summary, reason)
		e.logger.Warn("run failed", "run_id", e.ec.RunID(),
			"reason", reason, "error", summary)

		return "", &ExecutionError{RunID: e.ec.RunID(), Reason: reason, Err: err}
	}

	if !e.transition(StateRunning, StateCompleting) {
		// Cancel was observed but the agent returned success without
		// honoring its context. The sequence still terminates with
		// agent_error, never agent_completed.
		e.emitter.NotifyAgentError("run cancelled", core.ReasonCancelled)
		e.logger.Warn("run cancelled", "run_id", e.ec.RunID())
		return "", &ExecutionError{RunID: e.ec.RunID(), Reason: core.ReasonCancelled, Err: context.Canceled}
	}
	e.emitter.NotifyAgentCompleted(result)
	e.logger.Info("run completed", "run_id", e.ec.RunID())

	return result, nil
}

// runAgent isolates the agent call so a panicking agent terminates only its
// own run.
func (e *Engine) runAgent(ctx context.Context, input string) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result, err = "", fmt.Errorf("agent panic: %v", rec)
		}
	}()
	return e.agent.Run(ctx, e.ec, e.emitter, input)
}

func (e *Engine) failureReason(runCtx context.Context, err error) string {
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return core.ReasonTimeout
	case e.State() == StateCancelling, errors.Is(err, context.Canceled):
		return core.ReasonCancelled
	default:
		return core.ReasonAgentError
	}
}

// Cancel requests cooperative cancellation. In-flight tool calls finish; the
// agent observes the cancelled context and returns, after which the engine
// emits the terminal agent_error with reason "cancelled". Cancelling an
// engine that is not running is a no-op.
func (e *Engine) Cancel() {
	if !e.transition(StateRunning, StateCancelling) {
		return
	}
	e.cancelMu.Lock()
	cancel := e.cancel
	e.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.logger.Info("run cancelling", "run_id", e.ec.RunID())
}

// Cleanup releases everything the run holds: sequencer state, the factory's
// active-run slot, and the engine's terminal state. Idempotent; runs on every
// exit path.
func (e *Engine) Cleanup() {
	e.cleanupOnce.Do(func() {
		e.emitter.Release()
		if e.onCleanup != nil {
			e.onCleanup()
		}
		e.state.Store(int32(StateTerminated))
		e.logger.Debug("run cleaned up", "run_id", e.ec.RunID())
	})
}

// redactError reduces an error to a one-line bounded summary safe to put on
// the wire. Stack traces and multi-line details stay in server logs only.
func redactError(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	const maxLen = 200
	if len(msg) > maxLen {
		msg = msg[:maxLen] + "..."
	}
	return msg
}
