// Package server exposes the relay over HTTP: an authenticated WebSocket
// endpoint that accepts agent requests and streams lifecycle events back, a
// health endpoint, and graceful shutdown that drains active runs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/agentrelay/agentrelay/auth"
	"github.com/agentrelay/agentrelay/core"
	"github.com/agentrelay/agentrelay/engine"
	"github.com/agentrelay/agentrelay/logging"
	"github.com/agentrelay/agentrelay/registry"
	"github.com/agentrelay/agentrelay/ws"
)

const maxMessageSize = 64 * 1024

// Inbound frame types.
const (
	frameAgentRequest = "agent_request"
	frameCancelRun    = "cancel_run"
)

// agentRequest is the inbound frame starting a run.
type agentRequest struct {
	Type      string `json:"type"`
	Agent     string `json:"agent"`
	ThreadID  string `json:"thread_id"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	RunID     string `json:"run_id,omitempty"` // cancel_run only
}

// Options configures a Server.
type Options struct {
	// Authenticator verifies upgrade requests. Defaults to the development
	// StaticAuthenticator.
	Authenticator auth.Authenticator
	// AllowedOrigins restricts browser upgrades; empty allows all origins.
	AllowedOrigins []string
	// ShutdownTimeout bounds graceful drain. Defaults to 10s.
	ShutdownTimeout time.Duration
	// Logger receives server diagnostics.
	Logger logging.Logger
}

// Server is the relay's HTTP front end. Construct with New, register agents
// on Agents(), then call Run.
type Server struct {
	addr    string
	agents  *registry.Registry
	conns   *ws.ConnectionRegistry
	factory *engine.Factory

	authenticator   auth.Authenticator
	upgrader        websocket.Upgrader
	shutdownTimeout time.Duration

	logger logging.Logger

	mu      sync.Mutex
	httpSrv *http.Server
}

// New assembles a server over the shared registries and engine factory.
func New(addr string, agents *registry.Registry, conns *ws.ConnectionRegistry, factory *engine.Factory, optFns ...func(o *Options)) *Server {
	opts := Options{
		Authenticator:   auth.StaticAuthenticator{},
		ShutdownTimeout: 10 * time.Second,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	checkOrigin := func(*http.Request) bool { return true }
	if len(opts.AllowedOrigins) > 0 {
		allowed := make(map[string]struct{}, len(opts.AllowedOrigins))
		for _, origin := range opts.AllowedOrigins {
			allowed[origin] = struct{}{}
		}
		checkOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}

	return &Server{
		addr:          addr,
		agents:        agents,
		conns:         conns,
		factory:       factory,
		authenticator: opts.Authenticator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		shutdownTimeout: opts.ShutdownTimeout,
		logger:          opts.Logger,
	}
}

// Handler returns the server's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Run serves until ctx is cancelled, then drains: stop accepting upgrades,
// shut active runs down, close remaining connections.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.httpSrv = httpSrv
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("server shutting down")

	s.mu.Lock()
	httpSrv := s.httpSrv
	s.mu.Unlock()

	var errs []error
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := s.factory.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.conns.CloseAll()

	return errors.Join(errs...)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := s.agents.ValidateHealth()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":        health.Healthy,
		"unhealthy_keys": health.UnhealthyKeys,
		"registry":       s.agents.Metrics(),
		"connections":    s.conns.Total(),
		"active_runs":    s.factory.ActiveRuns(),
	})
}

// handleWS authenticates, upgrades, registers the connection, and consumes
// inbound frames until the socket closes. Disconnect cancels every run this
// connection started.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticator.Authenticate(r)
	if err != nil {
		s.logger.Warn("upgrade rejected", "error", err.Error())
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("upgrade failed", "user_id", userID, "error", err.Error())
		return
	}

	conn := ws.NewConnection(userID, wsConn, s.logger)
	s.conns.Add(conn)
	go conn.WritePump()

	connCtx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		s.conns.Remove(conn.ID())
		_ = conn.Close()
		s.logger.Info("connection closed", "connection_id", conn.ID(), "user_id", userID)
	}()

	s.logger.Info("connection established", "connection_id", conn.ID(), "user_id", userID)

	conn.ConfigureRead(maxMessageSize)

	// On disconnect, cancel in-flight runs first, then wait for them to
	// observe the cancellation before tearing the connection down.
	var runs sync.WaitGroup
	defer func() {
		cancel()
		runs.Wait()
	}()

	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read loop ended", "connection_id", conn.ID(), "error", err.Error())
			}
			return
		}
		s.handleFrame(connCtx, &runs, conn, userID, payload)
	}
}

func (s *Server) handleFrame(connCtx context.Context, runs *sync.WaitGroup, conn *ws.Connection, userID string, payload []byte) {
	var req agentRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendErrorFrame(conn, userID, "", "malformed frame: not valid JSON")
		return
	}

	switch req.Type {
	case frameAgentRequest:
		if req.Agent == "" || req.ThreadID == "" || req.Message == "" {
			s.sendErrorFrame(conn, userID, "", "agent_request requires agent, thread_id and message")
			return
		}
		s.startRun(connCtx, runs, conn, userID, req)
	case frameCancelRun:
		if req.RunID == "" || !s.factory.CancelRun(req.RunID, userID) {
			s.sendErrorFrame(conn, userID, req.RunID, "no such active run")
		}
	default:
		s.sendErrorFrame(conn, userID, "", fmt.Sprintf("unknown frame type %q", req.Type))
	}
}

// startRun builds the ExecutionContext and launches the run on its own
// goroutine. The run context derives from the connection context, so a
// disconnect cancels every run the connection started.
func (s *Server) startRun(connCtx context.Context, runs *sync.WaitGroup, conn *ws.Connection, userID string, req agentRequest) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	runID := uuid.NewString()

	ec, err := core.NewExecutionContext(userID, req.ThreadID, runID, requestID)
	if err != nil {
		s.sendErrorFrame(conn, userID, "", err.Error())
		return
	}

	runs.Add(1)
	go func() {
		defer runs.Done()

		_, err := s.factory.ExecuteAgentPipeline(connCtx, req.Agent, ec, req.Message)

		var ce *engine.CreationError
		if errors.As(err, &ce) {
			// Creation failures never emitted events; tell the client directly.
			s.sendErrorFrame(conn, userID, runID, fmt.Sprintf("agent %q unavailable", req.Agent))
		}
	}()
}

// sendErrorFrame delivers an agent_error shaped frame outside any run's
// sequence. Used for malformed requests and creation failures, where no
// engine exists to emit a real lifecycle event.
func (s *Server) sendErrorFrame(conn *ws.Connection, userID, runID, msg string) {
	frame := core.LifecycleEvent{
		Type:      core.EventAgentError,
		RunID:     runID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Data:      core.AgentErrorData(msg, core.ReasonAgentError),
	}
	payload, err := frame.Marshal()
	if err != nil {
		return
	}
	if err := conn.Send(payload); err != nil {
		s.logger.Debug("error frame not delivered",
			"connection_id", conn.ID(), "error", err.Error())
	}
}
