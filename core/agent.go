package core

import (
	"context"
	"time"
)

// Agent is the closed capability interface all runnable agents implement.
//
// Run receives the ambient cancellation context, the run's ExecutionContext,
// an EventEmitter handle and the user's input message, and returns the final
// result text. Implementations must respect context cancellation, report
// intermediate progress only through the emitter, and never retain the
// ExecutionContext beyond the call.
//
// Agents registered as singletons are invoked concurrently by many runs and
// must be side-effect-free across calls (or internally synchronized); agents
// produced by a registry factory are private to one ExecutionContext.
type Agent interface {
	Name() string
	Description() string
	Run(ctx context.Context, ec *ExecutionContext, emitter EventEmitter, input string) (string, error)
}

// EventEmitter is the handle through which a run reports lifecycle progress.
// Agents hold only this interface; the implementation owns sequencing and the
// network fan-out, so agent logic stays decoupled from transport concerns.
//
// All methods are fire-and-forget: delivery failures are retried within a
// bounded window, then recorded in audit metadata; they never surface as
// errors and never abort the run. NotifyAgentStarted, NotifyAgentCompleted
// and NotifyAgentError are emitted by the engine; agent and tool code use the
// remaining three.
type EventEmitter interface {
	NotifyAgentStarted(agentName string)
	NotifyAgentThinking(thought string)
	NotifyToolExecuting(toolName string, parameters map[string]any)
	NotifyToolCompleted(toolName string, result any, elapsed time.Duration)
	NotifyAgentCompleted(result string)
	NotifyAgentError(errMsg, reason string)
}
