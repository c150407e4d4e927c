package agent

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/agentrelay/agentrelay/core"
)

// ParallelAgent runs its sub-agents concurrently and joins their results.
// Each child receives the same input; results are concatenated in child
// declaration order, newline separated. The first child error cancels the
// siblings' context and fails the run.
//
// Children share the run's emitter, which serializes emissions internally.
// They must not mutate the ExecutionContext's scratch space concurrently; a
// child needing scratch writes should stage them in its result instead.
type ParallelAgent struct {
	BaseAgent
	children []core.Agent
}

var _ core.Agent = (*ParallelAgent)(nil)

// NewParallelAgent builds a fan-out agent over children.
func NewParallelAgent(name string, children ...core.Agent) *ParallelAgent {
	return &ParallelAgent{BaseAgent: NewBaseAgent(name), children: children}
}

// Run executes all children and joins their results in declaration order.
func (a *ParallelAgent) Run(ctx context.Context, ec *core.ExecutionContext, emitter core.EventEmitter, input string) (string, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]string, len(a.children))

	for i, child := range a.children {
		g.Go(func() error {
			result, err := child.Run(gctx, ec, emitter, input)
			if err != nil {
				return fmt.Errorf("parallel branch %s: %w", child.Name(), err)
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}
	return strings.Join(results, "\n"), nil
}
