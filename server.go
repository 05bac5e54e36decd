package cxp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server is the provider side of a context exchange connection. It accepts
// host sessions from a transport, negotiates capabilities, and serves tool
// listing and invocation out of its Registry. Each session gets its own
// Conn; sessions share the registry but no per-connection state.
type Server struct {
	info         Info
	instructions string
	transport    ServerTransport
	registry     *Registry

	capabilities Capabilities

	sendTimeout time.Duration
	drainGrace  time.Duration

	logger *slog.Logger

	onHostConnected    func(sessionID string, host Info)
	onHostDisconnected func(sessionID string)
	onViolation        func(sessionID string, err error)

	connsMu sync.Mutex
	conns   map[string]*Conn

	sessionsWaitGroup *sync.WaitGroup

	done chan struct{}
}

// NewServer creates a provider server announcing the given identity and
// serving the tools in registry over transport.
func NewServer(info Info, transport ServerTransport, registry *Registry, options ...ServerOption) *Server {
	s := &Server{
		info:              info,
		transport:         transport,
		registry:          registry,
		logger:            slog.Default(),
		conns:             make(map[string]*Conn),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultSendTimeout
	}
	if s.drainGrace == 0 {
		s.drainGrace = defaultDrainGrace
	}

	s.capabilities = Capabilities{
		Tools:        &ToolsCapability{},
		Progress:     &ProgressCapability{},
		Cancellation: &CancellationCapability{},
	}

	return s
}

// WithInstructions returns a ServerOption that sets the free-text guidance
// handed to hosts during negotiation.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerDrainGrace returns a ServerOption that bounds how long a
// draining connection waits for in-flight invocations before closing.
func WithServerDrainGrace(grace time.Duration) ServerOption {
	return func(s *Server) {
		s.drainGrace = grace
	}
}

// WithServerOnHostConnected sets the callback for when a host completes
// negotiation. The callback's parameters are the session ID and Info of the
// host.
func WithServerOnHostConnected(onConnected func(sessionID string, host Info)) ServerOption {
	return func(s *Server) {
		s.onHostConnected = onConnected
	}
}

// WithServerOnHostDisconnected sets the callback for when a host disconnects.
// The callback's parameter is the session ID of the host.
func WithServerOnHostDisconnected(onDisconnected func(sessionID string)) ServerOption {
	return func(s *Server) {
		s.onHostDisconnected = onDisconnected
	}
}

// WithServerOnViolation sets the callback invoked on protocol violations:
// malformed messages, out-of-order traffic, unknown correlation ids.
func WithServerOnViolation(onViolation func(sessionID string, err error)) ServerOption {
	return func(s *Server) {
		s.onViolation = onViolation
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-cxp"),
			slog.String("component", "server"),
		)
	}
}

// Serve accepts sessions from the transport and drives each through its
// lifecycle. It blocks until the transport's session stream ends.
func (s *Server) Serve() {
	// This loop breaks when the transport is shut down.
	for sess := range s.transport.Sessions() {
		conn := newConn(sess, roleProvider, s.info, s.capabilities, s.registry, s.logger)
		conn.instructions = s.instructions
		conn.sendTimeout = s.sendTimeout
		conn.drainGrace = s.drainGrace
		if s.onViolation != nil {
			sessID := sess.ID()
			conn.onViolation = func(err error) {
				s.onViolation(sessID, err)
			}
		}

		s.connsMu.Lock()
		s.conns[sess.ID()] = conn
		s.connsMu.Unlock()

		s.sessionsWaitGroup.Add(1)

		// The host's identity is only known once negotiation freezes it, so
		// the connected callback waits for the ready phase.
		if s.onHostConnected != nil {
			go func() {
				select {
				case <-conn.ready:
					s.onHostConnected(conn.sess.ID(), conn.PeerInfo())
				case <-conn.closed:
				}
			}()
		}

		// The connection closes itself when the host misbehaves during
		// negotiation or the session's message stream ends.
		go func() {
			defer s.sessionsWaitGroup.Done()

			conn.run()

			if s.onHostDisconnected != nil {
				s.onHostDisconnected(conn.sess.ID())
			}

			s.connsMu.Lock()
			delete(s.conns, conn.sess.ID())
			s.connsMu.Unlock()
		}()
	}
}

// Connections returns the currently active connections.
func (s *Server) Connections() []*Conn {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	conns := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Shutdown gracefully shuts the server down: every active connection closes,
// then the transport stops accepting sessions. It returns an error if ctx
// expires before the shutdown completes.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)

	for _, conn := range s.Connections() {
		conn.Close()
	}

	finished := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(finished)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close sessions: %w", ctx.Err())
	case <-finished:
	}

	// Close the transport so the Sessions loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}
	return nil
}
