package agent

import (
	"context"
	"fmt"

	"github.com/agentrelay/agentrelay/core"
)

// SequentialAgent runs its sub-agents in order, piping each agent's result
// into the next agent's input. The final sub-agent's result is the run's
// result. All sub-agents share the run's ExecutionContext and emitter, so
// their events interleave in causal order on the run's single sequence.
//
// The first sub-agent failure aborts the chain and surfaces to the engine.
type SequentialAgent struct {
	BaseAgent
	children []core.Agent
}

var _ core.Agent = (*SequentialAgent)(nil)

// NewSequentialAgent builds a pipeline over children, executed in the given
// order.
func NewSequentialAgent(name string, children ...core.Agent) *SequentialAgent {
	return &SequentialAgent{BaseAgent: NewBaseAgent(name), children: children}
}

// Run executes the chain.
func (a *SequentialAgent) Run(ctx context.Context, ec *core.ExecutionContext, emitter core.EventEmitter, input string) (string, error) {
	current := input
	for i, child := range a.children {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		emitter.NotifyAgentThinking(fmt.Sprintf("step %d/%d: %s", i+1, len(a.children), child.Name()))

		result, err := child.Run(ctx, ec, emitter, current)
		if err != nil {
			return "", fmt.Errorf("sequential step %s: %w", child.Name(), err)
		}
		current = result
	}
	return current, nil
}
