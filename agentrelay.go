// Package agentrelay provides a high-level façade over the relay's building
// blocks: the agent registry, the WebSocket delivery plane, the engine
// factory, and the server. Most applications interact with this package by:
//  1. Creating a Relay via New() (optionally from environment config)
//  2. Registering one or more agents (function, sequential, parallel, custom)
//  3. Calling Run() to serve WebSocket traffic until shutdown
//
// Every piece remains individually constructible for embedders that want a
// different transport or their own wiring.
package agentrelay

import (
	"context"

	"github.com/agentrelay/agentrelay/auth"
	"github.com/agentrelay/agentrelay/config"
	"github.com/agentrelay/agentrelay/core"
	"github.com/agentrelay/agentrelay/engine"
	"github.com/agentrelay/agentrelay/logging"
	"github.com/agentrelay/agentrelay/registry"
	"github.com/agentrelay/agentrelay/retry"
	"github.com/agentrelay/agentrelay/server"
	"github.com/agentrelay/agentrelay/telemetry"
	"github.com/agentrelay/agentrelay/ws"
)

// Options configures a Relay.
type Options struct {
	// Config supplies tunables; nil loads from the environment.
	Config *config.Config
	// Logger defaults to a JSON slog logger at the configured level.
	Logger logging.Logger
	// Authenticator defaults to JWT when a secret is configured, otherwise
	// the development static authenticator.
	Authenticator auth.Authenticator
	// Metrics defaults to nil (disabled) unless telemetry is enabled in the
	// config, in which case instruments are registered on the global meter.
	Metrics *telemetry.Metrics
}

// Relay aggregates the relay runtime. Construct with New.
type Relay struct {
	cfg     *config.Config
	logger  logging.Logger
	metrics *telemetry.Metrics

	agents    *registry.Registry
	conns     *ws.ConnectionRegistry
	sequencer *ws.Sequencer
	factory   *engine.Factory
	server    *server.Server

	telemetryShutdown func(context.Context) error
}

// New assembles a Relay. It does not start listening; call Run.
func New(optFns ...func(o *Options)) (*Relay, error) {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Load()
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(&logging.LoggerConfig{
			Level:     logging.ParseLevel(cfg.LogLevel),
			Format:    cfg.LogFormat,
			Component: "relay",
		})
	}

	telemetryShutdown := func(context.Context) error { return nil }
	metrics := opts.Metrics
	if metrics == nil && cfg.TelemetryEnabled {
		shutdown, err := telemetry.Init(context.Background(), telemetry.Config{
			Enabled:     true,
			Endpoint:    cfg.TelemetryEndpoint,
			ServiceName: cfg.ServiceName,
			Interval:    cfg.TelemetryInterval,
			Insecure:    true,
		})
		if err != nil {
			return nil, err
		}
		telemetryShutdown = shutdown
		if metrics, err = telemetry.NewMetrics(); err != nil {
			return nil, err
		}
	}

	authenticator := opts.Authenticator
	if authenticator == nil {
		if cfg.JWTSecret != "" {
			authenticator = auth.NewJWTAuthenticator([]byte(cfg.JWTSecret))
		} else {
			logger.Warn("no JWT secret configured, using unverified identities")
			authenticator = auth.StaticAuthenticator{}
		}
	}

	policy := retry.Policy{
		MaxAttempts:    cfg.RetryMaxAttempts,
		InitialBackoff: cfg.RetryInitialBackoff,
		Multiplier:     retry.DefaultMultiplier,
	}

	agents := registry.New(func(o *registry.Options) { o.Logger = logger })
	conns := ws.NewConnectionRegistry(func(o *ws.ConnectionRegistryOptions) {
		o.Logger = logger
		o.Metrics = metrics
	})
	sequencer := ws.NewSequencer(cfg.DedupWindow)

	factory := engine.NewFactory(agents, conns, sequencer, func(o *engine.FactoryOptions) {
		o.CreateTimeout = cfg.CreateTimeout
		o.ExecutionTimeout = cfg.ExecutionTimeout
		o.Policy = policy
		o.Logger = logger
		o.Metrics = metrics
	})

	srv := server.New(cfg.Addr, agents, conns, factory, func(o *server.Options) {
		o.Authenticator = authenticator
		o.AllowedOrigins = cfg.AllowedOrigins
		o.ShutdownTimeout = cfg.ShutdownTimeout
		o.Logger = logger
	})

	return &Relay{
		cfg:               cfg,
		logger:            logger,
		metrics:           metrics,
		agents:            agents,
		conns:             conns,
		sequencer:         sequencer,
		factory:           factory,
		server:            srv,
		telemetryShutdown: telemetryShutdown,
	}, nil
}

// RegisterAgent installs a singleton agent.
func (r *Relay) RegisterAgent(agent core.Agent, opts ...registry.RegisterOption) error {
	return r.agents.Register(agent.Name(), agent, opts...)
}

// RegisterAgentFactory installs a per-run agent factory under key.
func (r *Relay) RegisterAgentFactory(key string, factory registry.Factory, opts ...registry.RegisterOption) error {
	return r.agents.RegisterFactory(key, factory, opts...)
}

// Agents exposes the agent registry for advanced registration.
func (r *Relay) Agents() *registry.Registry { return r.agents }

// Factory exposes the engine factory for embedders driving runs directly.
func (r *Relay) Factory() *engine.Factory { return r.factory }

// Run serves until ctx is cancelled, then drains runs and flushes telemetry.
func (r *Relay) Run(ctx context.Context) error {
	err := r.server.Run(ctx)

	flushCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()
	if terr := r.telemetryShutdown(flushCtx); terr != nil {
		r.logger.Warn("telemetry flush failed", "error", terr.Error())
	}

	return err
}
