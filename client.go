package cxp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// ClientOption represents the options for the client.
type ClientOption func(*Client)

// Client is the host side of a context exchange connection. It opens a
// session toward a provider, runs capability negotiation, and exposes the
// provider's tools through typed calls.
//
// A Client drives a single connection; open another Client for another
// provider.
type Client struct {
	info Info
	caps Capabilities

	transport ClientTransport

	sendTimeout time.Duration

	logger *slog.Logger

	onProgress  func(ProgressParams)
	onViolation func(err error)

	conn *Conn
}

// NewClient creates a host client announcing the given identity over
// transport. Call Connect before anything else.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.sendTimeout == 0 {
		c.sendTimeout = defaultSendTimeout
	}

	c.caps = Capabilities{
		Tools:        &ToolsCapability{},
		Progress:     &ProgressCapability{},
		Cancellation: &CancellationCapability{},
	}

	return c
}

// WithClientSendTimeout returns a ClientOption that configures the client's send timeout.
func WithClientSendTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.sendTimeout = timeout
	}
}

// WithClientOnProgress sets the callback for progress updates pushed by the
// provider during long-running invocations.
func WithClientOnProgress(onProgress func(ProgressParams)) ClientOption {
	return func(c *Client) {
		c.onProgress = onProgress
	}
}

// WithClientOnViolation sets the callback invoked on protocol violations
// observed on the connection.
func WithClientOnViolation(onViolation func(err error)) ClientOption {
	return func(c *Client) {
		c.onViolation = onViolation
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "go-cxp"),
			slog.String("component", "client"),
		)
	}
}

// Connect opens the session and runs capability negotiation. On success the
// connection is in the ready phase and calls may be issued.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil {
		return fmt.Errorf("already connected")
	}

	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	conn := newConn(sess, roleHost, c.info, c.caps, nil, c.logger)
	conn.sendTimeout = c.sendTimeout
	conn.onProgress = c.onProgress
	conn.onViolation = c.onViolation

	go conn.run()

	if err := conn.handshake(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	c.conn = conn
	return nil
}

// ServerInfo returns the provider identity captured during negotiation.
func (c *Client) ServerInfo() Info {
	if c.conn == nil {
		return Info{}
	}
	return c.conn.PeerInfo()
}

// Capabilities returns the capability intersection frozen at negotiation.
func (c *Client) Capabilities() Capabilities {
	if c.conn == nil {
		return Capabilities{}
	}
	return c.conn.Capabilities()
}

// Instructions returns the provider's free-text usage guidance.
func (c *Client) Instructions() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.Instructions()
}

// Done returns a channel closed when the connection reaches the closed
// phase. Nil before Connect.
func (c *Client) Done() <-chan struct{} {
	if c.conn == nil {
		return nil
	}
	return c.conn.Done()
}

// Ping checks connection liveness.
func (c *Client) Ping(ctx context.Context) error {
	if c.conn == nil {
		return ErrNotReady
	}
	_, err := c.conn.Call(ctx, MethodPing, nil)
	return err
}

// ListTools retrieves the provider's advertised tools in their registration
// order.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if c.conn == nil {
		return nil, ErrNotReady
	}

	res, err := c.conn.Call(ctx, MethodToolsList, listToolsParams{})
	if err != nil {
		return nil, err
	}

	var result listToolsResult
	if err := json.Unmarshal(res, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tools list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool on the provider and returns its raw result
// payload. Cancelling ctx abandons the call locally and sends the provider
// a best-effort cancellation notice.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (json.RawMessage, error) {
	if c.conn == nil {
		return nil, ErrNotReady
	}
	return c.conn.Call(ctx, MethodToolsCall, params)
}

// Shutdown asks the provider to drain and close, then closes the local side.
func (c *Client) Shutdown(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Shutdown(ctx)
}

// Close tears the connection down immediately, failing any pending calls.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	c.conn.Close()
}
