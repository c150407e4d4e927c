package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentrelay/agentrelay/core"
	"github.com/agentrelay/agentrelay/logging"
	"github.com/agentrelay/agentrelay/registry"
	"github.com/agentrelay/agentrelay/retry"
	"github.com/agentrelay/agentrelay/telemetry"
	"github.com/agentrelay/agentrelay/ws"
)

// DefaultCreateTimeout bounds agent resolution during engine creation.
const DefaultCreateTimeout = 5 * time.Second

// ErrShuttingDown is returned for new runs once Shutdown has begun.
var ErrShuttingDown = errors.New("factory shutting down")

// Factory assembles one Engine per run: it resolves the agent through the
// agent registry, binds a fresh emitter to the run's ExecutionContext, and
// tracks the active set so runs can be cancelled individually or drained on
// shutdown.
type Factory struct {
	agents      *registry.Registry
	connections *ws.ConnectionRegistry
	sequencer   *ws.Sequencer

	createTimeout time.Duration
	execTimeout   time.Duration
	policy        retry.Policy

	logger  logging.Logger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	active map[string]*Engine
	closed bool
	wg     sync.WaitGroup
}

// FactoryOptions configures a Factory.
type FactoryOptions struct {
	// CreateTimeout bounds agent resolution. Defaults to DefaultCreateTimeout.
	CreateTimeout time.Duration
	// ExecutionTimeout bounds each run; zero means no engine-side deadline.
	ExecutionTimeout time.Duration
	// Policy bounds event delivery retries. Defaults to retry.DefaultPolicy.
	Policy retry.Policy
	// Logger receives engine lifecycle diagnostics.
	Logger logging.Logger
	// Metrics counts runs and event delivery outcomes. Nil disables.
	Metrics *telemetry.Metrics
}

// NewFactory wires a factory over the three shared registries.
func NewFactory(agents *registry.Registry, connections *ws.ConnectionRegistry, sequencer *ws.Sequencer, optFns ...func(o *FactoryOptions)) *Factory {
	opts := FactoryOptions{
		CreateTimeout: DefaultCreateTimeout,
		Policy:        retry.DefaultPolicy(),
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = DefaultCreateTimeout
	}

	return &Factory{
		agents:        agents,
		connections:   connections,
		sequencer:     sequencer,
		createTimeout: opts.CreateTimeout,
		execTimeout:   opts.ExecutionTimeout,
		policy:        opts.Policy,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		active:        make(map[string]*Engine),
	}
}

// CreateForUser allocates an engine in Created state for the run described
// by ec. Agent resolution prefers a per-context factory instance and falls
// back to a registered singleton; it is bounded by the create timeout. On any
// failure the error is a *CreationError and no per-run state is left behind.
func (f *Factory) CreateForUser(ctx context.Context, ec *core.ExecutionContext, agentName string) (*Engine, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, &CreationError{Agent: agentName, Err: ErrShuttingDown}
	}
	if _, exists := f.active[ec.RunID()]; exists {
		f.mu.Unlock()
		return nil, &CreationError{Agent: agentName,
			Err: fmt.Errorf("run %s already has an engine", ec.RunID())}
	}
	f.mu.Unlock()

	agent, err := f.resolveAgent(ctx, ec, agentName)
	if err != nil {
		return nil, &CreationError{Agent: agentName, Err: err}
	}

	emitter := ws.NewEventEmitter(ec, f.connections, f.sequencer, func(o *ws.EmitterOptions) {
		o.Policy = f.policy
		o.Logger = f.logger
		o.Metrics = f.metrics
	})

	eng := &Engine{
		agent:   agent,
		ec:      ec,
		emitter: emitter,
		timeout: f.execTimeout,
		logger:  f.logger,
		metrics: f.metrics,
	}
	eng.onCleanup = func() { f.release(ec.RunID()) }

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		eng.Cleanup()
		return nil, &CreationError{Agent: agentName, Err: ErrShuttingDown}
	}
	f.active[ec.RunID()] = eng
	f.mu.Unlock()

	return eng, nil
}

// resolveAgent runs registry resolution under the create timeout. A registry
// factory that blocks past the deadline loses its caller but keeps running;
// its instance is discarded when it finally returns.
func (f *Factory) resolveAgent(ctx context.Context, ec *core.ExecutionContext, agentName string) (core.Agent, error) {
	type result struct {
		agent core.Agent
		err   error
	}

	ch := make(chan result, 1)
	go func() {
		agent, err := f.agents.CreateInstance(agentName, ec)
		if errors.Is(err, registry.ErrNotFound) {
			agent, err = f.agents.Get(agentName)
		}
		ch <- result{agent: agent, err: err}
	}()

	timer := time.NewTimer(f.createTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.agent, r.err
	case <-timer.C:
		return nil, fmt.Errorf("agent resolution timed out after %s", f.createTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecuteAgentPipeline is the one-call run path: create an engine for ec,
// execute the agent with input, and clean up. The terminal event has been
// emitted by the time it returns.
func (f *Factory) ExecuteAgentPipeline(ctx context.Context, agentName string, ec *core.ExecutionContext, input string) (string, error) {
	eng, err := f.CreateForUser(ctx, ec, agentName)
	if err != nil {
		return "", err
	}

	f.wg.Add(1)
	defer f.wg.Done()

	return eng.Execute(ctx, input)
}

// CancelRun requests cancellation of an active run on behalf of userID.
// Returns false when the run is unknown, already terminated, or owned by a
// different user; callers cannot distinguish the cases, so run IDs leak
// nothing across users.
func (f *Factory) CancelRun(runID, userID string) bool {
	f.mu.Lock()
	eng, ok := f.active[runID]
	f.mu.Unlock()
	if !ok || eng.Context().UserID() != userID {
		return false
	}
	eng.Cancel()
	return true
}

// ActiveRuns returns the sorted run IDs currently holding engines.
func (f *Factory) ActiveRuns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.active))
	for id := range f.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *Factory) release(runID string) {
	f.mu.Lock()
	delete(f.active, runID)
	f.mu.Unlock()
}

// Shutdown stops accepting new runs, cancels every active run, and waits for
// them to drain or for ctx to expire.
func (f *Factory) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	engines := make([]*Engine, 0, len(f.active))
	for _, eng := range f.active {
		engines = append(engines, eng)
	}
	f.mu.Unlock()

	for _, eng := range engines {
		eng.Cancel()
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.logger.Info("factory drained", "cancelled_runs", len(engines))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("factory shutdown: %w", ctx.Err())
	}
}
