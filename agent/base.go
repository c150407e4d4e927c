// Package agent provides building blocks for implementing runnable agents:
// an embeddable BaseAgent for identity, a function adapter, and composition
// agents for sequential and parallel orchestration of sub-agents.
package agent

import (
	"context"
	"fmt"

	"github.com/agentrelay/agentrelay/core"
)

// BaseAgent bundles the identity helpers shared by concrete agents. Embed it
// and supply a Run method to satisfy core.Agent.
type BaseAgent struct {
	name        string
	description string
}

// NewBaseAgent constructs a BaseAgent with a generated description
// (customizable via SetDescription).
func NewBaseAgent(name string) BaseAgent {
	return BaseAgent{
		name:        name,
		description: fmt.Sprintf("Agent %s", name),
	}
}

// Name returns the human-readable name for this agent.
func (b *BaseAgent) Name() string { return b.name }

// Description returns a detailed description of this agent's purpose.
func (b *BaseAgent) Description() string { return b.description }

// SetDescription updates the agent's description.
func (b *BaseAgent) SetDescription(desc string) { b.description = desc }

// FuncAgent adapts a plain function to core.Agent. Useful for small agents
// and registry factories without a dedicated type.
type FuncAgent struct {
	BaseAgent
	fn func(ctx context.Context, ec *core.ExecutionContext, emitter core.EventEmitter, input string) (string, error)
}

var _ core.Agent = (*FuncAgent)(nil)

// NewFuncAgent wraps fn as an agent.
func NewFuncAgent(name string, fn func(ctx context.Context, ec *core.ExecutionContext, emitter core.EventEmitter, input string) (string, error)) *FuncAgent {
	return &FuncAgent{BaseAgent: NewBaseAgent(name), fn: fn}
}

// Run invokes the wrapped function.
func (a *FuncAgent) Run(ctx context.Context, ec *core.ExecutionContext, emitter core.EventEmitter, input string) (string, error) {
	return a.fn(ctx, ec, emitter, input)
}
