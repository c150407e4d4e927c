package tool

import (
	"context"
	"time"

	"github.com/agentrelay/agentrelay/core"
	"github.com/agentrelay/agentrelay/logging"
)

// Dispatcher routes tool invocations for one run and reports each through the
// run's event emitter: tool_executing before the call, tool_completed with
// the result and execution time after a successful call. Failed calls emit no
// tool_completed; the error goes back to the agent, which decides whether the
// run survives.
//
// A Dispatcher is created per run and confined to the run's goroutine; the
// tool set itself is immutable after construction and may be shared.
type Dispatcher struct {
	tools   map[string]Tool
	emitter core.EventEmitter
	logger  logging.Logger
}

// NewDispatcher binds a tool set to one run's emitter. Later registrations of
// the same name override earlier ones.
func NewDispatcher(emitter core.EventEmitter, logger logging.Logger, tools ...Tool) *Dispatcher {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}
	return &Dispatcher{tools: byName, emitter: emitter, logger: logger}
}

// Tools returns the names of the dispatchable tools.
func (d *Dispatcher) Tools() []string {
	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	return names
}

// Dispatch runs the named tool with args, emitting the tool lifecycle events
// around the call.
func (d *Dispatcher) Dispatch(ctx context.Context, ec *core.ExecutionContext, name string, args map[string]any) (any, error) {
	t, ok := d.tools[name]
	if !ok {
		return nil, NewToolError(name, "no such tool", CodeNotFound)
	}

	d.emitter.NotifyToolExecuting(name, args)
	d.logger.Debug("tool dispatch", "tool", name, "run_id", ec.RunID())

	started := time.Now()
	result, err := t.Call(ctx, ec, args)
	if err != nil {
		d.logger.Warn("tool failed", "tool", name,
			"run_id", ec.RunID(), "error", err.Error())
		return nil, err
	}

	d.emitter.NotifyToolCompleted(name, result, time.Since(started))
	d.logger.Debug("tool completed", "tool", name,
		"run_id", ec.RunID(), "duration_ms", time.Since(started).Milliseconds())

	return result, nil
}
