package cxp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type connRole int

const (
	roleProvider connRole = iota
	roleHost
)

var (
	defaultSendTimeout = 30 * time.Second
	defaultDrainGrace  = 30 * time.Second
)

// Conn drives one session through the connection lifecycle: negotiation,
// ready-phase dispatch, draining, and teardown. Both roles share it; the
// provider side additionally serves registry-backed requests, the host side
// additionally opens the handshake.
//
// A Conn owns its session exclusively. Exported methods are safe for
// concurrent use.
type Conn struct {
	sess     Session
	role     connRole
	info     Info
	caps     Capabilities
	registry *Registry

	instructions     string
	peerInstructions string

	logger      *slog.Logger
	sendTimeout time.Duration
	drainGrace  time.Duration

	onViolation func(error)
	onProgress  func(ProgressParams)

	state    *sessionState
	outbound *PendingTable
	inbound  *PendingTable

	// cancels maps incoming request ids to the cancellation of their
	// in-flight handler invocation.
	cancelsMu sync.Mutex
	cancels   map[MustString]context.CancelFunc

	inflight sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc

	ready  chan struct{}
	closed chan struct{}

	readyOnce sync.Once
	closeOnce sync.Once
}

func newConn(sess Session, role connRole, info Info, caps Capabilities, registry *Registry, logger *slog.Logger) *Conn {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Conn{
		sess:        sess,
		role:        role,
		info:        info,
		caps:        caps,
		registry:    registry,
		logger:      logger.With(slog.String("sessionID", sess.ID())),
		sendTimeout: defaultSendTimeout,
		drainGrace:  defaultDrainGrace,
		state:       newSessionState(),
		outbound:    NewPendingTable(),
		inbound:     NewPendingTable(),
		cancels:     make(map[MustString]context.CancelFunc),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		ready:       make(chan struct{}),
		closed:      make(chan struct{}),
	}
}

// Phase returns the connection's current lifecycle phase.
func (c *Conn) Phase() Phase {
	return c.state.currentPhase()
}

// PeerInfo returns the peer identity captured during negotiation.
func (c *Conn) PeerInfo() Info {
	return c.state.peer()
}

// Capabilities returns the capability intersection frozen at negotiation.
func (c *Conn) Capabilities() Capabilities {
	return c.state.capabilities()
}

// Instructions returns the free-text guidance the provider supplied during
// negotiation. Empty on the provider side.
func (c *Conn) Instructions() string {
	return c.peerInstructions
}

// Done returns a channel closed when the connection reaches the closed phase.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// run consumes the session's messages until the stream ends, then tears the
// connection down. It blocks; callers run it on its own goroutine.
func (c *Conn) run() {
	for msg, err := range c.sess.Messages() {
		if err != nil {
			if c.fatalDecodeError(err) {
				c.logger.Error("unrecoverable stream error, closing connection",
					slog.String("err", err.Error()))
				c.violation(err)
				break
			}
			c.logger.Info("dropping malformed message", slog.String("err", err.Error()))
			c.violation(err)
			continue
		}
		if !c.handle(msg) {
			break
		}
	}
	c.teardown()
}

// fatalDecodeError reports whether a decode failure must close the
// connection. Framing desynchronization always does; a malformed message is
// survivable only after negotiation completed.
func (c *Conn) fatalDecodeError(err error) bool {
	var framingErr *FramingError
	if errors.As(err, &framingErr) {
		return true
	}
	switch c.state.currentPhase() {
	case PhaseUninitialized, PhaseNegotiating:
		return true
	default:
		return false
	}
}

// handle dispatches one decoded message. It returns false when the message
// was a phase violation fatal to the connection.
func (c *Conn) handle(msg Message) bool {
	kind := msg.Kind()
	if err := c.state.checkReceive(kind, msg.Method); err != nil {
		switch {
		case errors.Is(err, ErrDraining):
			c.logger.Info("rejecting request while draining", slog.String("method", msg.Method))
			c.sendError(msg.ID, Error{Code: CodeConnectionDraining, Message: ErrDraining.Error()})
			return true
		case errors.Is(err, ErrClosed):
			return false
		default:
			c.logger.Error("message out of order, closing connection",
				slog.String("method", msg.Method),
				slog.String("phase", c.state.currentPhase().String()),
				slog.String("err", err.Error()))
			c.violation(err)
			if kind == KindRequest {
				c.sendError(msg.ID, Error{Code: CodeInvalidRequest, Message: err.Error()})
			}
			return false
		}
	}

	switch kind {
	case KindRequest:
		return c.handleRequest(msg)
	case KindResponse:
		c.handleResponse(msg)
	case KindNotification:
		c.handleNotification(msg)
	}
	return true
}

// handleRequest dispatches one request. It returns false when the request
// was fatal to the connection, which only a failed negotiation can be.
func (c *Conn) handleRequest(msg Message) bool {
	switch msg.Method {
	case MethodPing:
		c.sendResult(msg.ID, struct{}{})
	case MethodInitialize:
		return c.handleInitialize(msg)
	case MethodShutdown:
		c.handleShutdown(msg)
	case MethodToolsList:
		c.sendResult(msg.ID, listToolsResult{Tools: c.listTools()})
	case MethodToolsCall:
		c.dispatchToolCall(msg)
	default:
		c.sendError(msg.ID, Error{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		})
	}
	return true
}

func (c *Conn) listTools() []Tool {
	if c.registry == nil {
		return []Tool{}
	}
	return c.registry.List()
}

// handleInitialize runs the provider side of capability negotiation: verify
// the protocol version, freeze the capability intersection, and answer with
// our own announcement. The peer confirms with notifications/initialized.
// A failed negotiation is fatal: the error response goes out and the
// connection closes, it never lingers half-initialized.
func (c *Conn) handleInitialize(msg Message) bool {
	if err := c.state.transition(PhaseNegotiating); err != nil {
		c.violation(err)
		c.sendError(msg.ID, Error{Code: CodeInvalidRequest, Message: err.Error()})
		return false
	}

	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.logger.Info("invalid initialize request, closing connection", slog.String("err", err.Error()))
		c.sendError(msg.ID, Error{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err),
		})
		return false
	}
	if params.ProtocolVersion != protocolVersion {
		c.logger.Info("protocol version mismatch, closing connection",
			slog.String("peerVersion", params.ProtocolVersion),
			slog.String("version", protocolVersion))
		c.sendError(msg.ID, Error{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, protocolVersion),
		})
		return false
	}

	c.state.freeze(params.ClientInfo, intersectCapabilities(c.caps, params.Capabilities))

	c.sendResult(msg.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.caps,
		ServerInfo:      c.info,
		Instructions:    c.instructions,
	})
	return true
}

// handleShutdown acknowledges the request, moves to draining, and closes
// once in-flight invocations settle.
func (c *Conn) handleShutdown(msg Message) {
	if err := c.state.transition(PhaseDraining); err != nil {
		// Already draining or closed: acknowledge idempotently.
		c.sendResult(msg.ID, struct{}{})
		return
	}
	c.logger.Info("draining on peer request")
	c.sendResult(msg.ID, struct{}{})
	go c.drainAndClose()
}

// drainAndClose waits for in-flight handler invocations and for our own
// outstanding requests to complete, bounded by the drain grace period, then
// tears the connection down.
func (c *Conn) drainAndClose() {
	settled := make(chan struct{})
	go func() {
		c.inflight.Wait()

		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for c.outbound.Len() > 0 {
			select {
			case <-ticker.C:
			case <-c.closed:
				return
			}
		}
		close(settled)
	}()

	select {
	case <-settled:
	case <-c.closed:
	case <-time.After(c.drainGrace):
		c.logger.Warn("drain grace period expired with requests still pending")
	}
	c.Close()
}

// dispatchToolCall resolves the tool, validates arguments, and runs the
// handler on its own goroutine so slow tools never stall the read loop.
// Validation rejections never reach the handler.
func (c *Conn) dispatchToolCall(msg Message) {
	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.sendError(msg.ID, Error{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err),
		})
		return
	}

	if c.registry == nil {
		c.sendError(msg.ID, Error{
			Code:    CodeToolNotFound,
			Message: fmt.Sprintf("tool not found: %s", params.Name),
		})
		return
	}
	entry, ok := c.registry.entry(params.Name)
	if !ok {
		c.sendError(msg.ID, Error{
			Code:    CodeToolNotFound,
			Message: fmt.Sprintf("tool not found: %s", params.Name),
		})
		return
	}

	pending, err := c.inbound.Register(msg.ID)
	if err != nil {
		c.logger.Error("request id reused while pending", slog.String("id", string(msg.ID)))
		c.violation(err)
		c.sendError(msg.ID, Error{Code: CodeInvalidRequest, Message: err.Error()})
		return
	}

	invokeCtx, cancel := context.WithCancel(c.baseCtx)
	c.cancelsMu.Lock()
	c.cancels[msg.ID] = cancel
	c.cancelsMu.Unlock()

	if params.Meta.ProgressToken != "" {
		invokeCtx = withProgressReporter(invokeCtx, c.progressReporter(params.Meta.ProgressToken))
	}

	// The arguments view may alias the transport's read buffer; the handler
	// runs past this framing cycle, so it gets an owned copy.
	args := append(json.RawMessage(nil), params.Arguments...)

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer cancel()
		defer func() {
			c.cancelsMu.Lock()
			delete(c.cancels, msg.ID)
			c.cancelsMu.Unlock()
		}()

		c.completeInbound(msg.ID, pending, c.invokeTool(invokeCtx, entry, args))
	}()
}

// invokeTool validates args against the tool's schema and runs the handler.
func (c *Conn) invokeTool(ctx context.Context, entry *toolEntry, args json.RawMessage) Outcome {
	if entry.schema != nil {
		if rejections := entry.schema.Validate(ctx, args); len(rejections) > 0 {
			reasons := make([]string, 0, len(rejections))
			for _, r := range rejections {
				reasons = append(reasons, r.String())
			}
			return Outcome{Err: &Error{
				Code:    CodeInvalidParams,
				Message: fmt.Sprintf("arguments rejected for tool %q", entry.tool.Name),
				Data: map[string]any{
					"rejections": rejections,
					"reasons":    reasons,
				},
			}}
		}
	}

	result, err := entry.handler.Invoke(ctx, args)
	if err != nil {
		var wireErr *Error
		if errors.As(err, &wireErr) {
			return Outcome{Err: wireErr}
		}
		var valErr Error
		if errors.As(err, &valErr) {
			return Outcome{Err: &valErr}
		}
		return Outcome{Err: &Error{
			Code:    CodeInternalError,
			Message: fmt.Errorf("tool %q failed: %w", entry.tool.Name, err).Error(),
		}}
	}
	if result == nil {
		result = json.RawMessage(`null`)
	}
	return Outcome{Result: result}
}

// completeInbound resolves the inbound entry and, when this call won the
// resolution, sends the response. Teardown may have already failed the
// entry; in that race the response is suppressed rather than sent twice.
func (c *Conn) completeInbound(id MustString, pending *PendingRequest, out Outcome) {
	if err := c.inbound.Resolve(id, out); err != nil {
		c.logger.Debug("invocation settled after teardown", slog.String("id", string(id)))
		return
	}
	// Drain our own handle so the entry's channel never leaks a value.
	<-pending.done

	if out.Err != nil {
		c.logger.Info("tool invocation failed",
			slog.String("id", string(id)),
			slog.Int("code", out.Err.Code),
			slog.String("err", out.Err.Message))
		c.sendError(id, *out.Err)
		return
	}
	c.sendRawResult(id, out.Result)
}

// handleResponse routes a peer response to the outbound entry that awaits
// it. An unknown or already-resolved id is a protocol violation surfaced via
// the violation callback; the connection stays open.
func (c *Conn) handleResponse(msg Message) {
	out := Outcome{Result: msg.Result, Err: msg.Error}
	if out.Result != nil {
		out.Result = append(json.RawMessage(nil), out.Result...)
	}
	if err := c.outbound.Resolve(msg.ID, out); err != nil {
		c.logger.Warn("response matches no pending request", slog.String("id", string(msg.ID)))
		c.violation(err)
	}
}

func (c *Conn) handleNotification(msg Message) {
	switch msg.Method {
	case methodNotificationsInitialized:
		if err := c.state.transition(PhaseReady); err != nil {
			c.violation(err)
			return
		}
		c.logger.Info("connection ready", slog.String("peer", c.state.peer().Name))
		c.readyOnce.Do(func() { close(c.ready) })
	case methodNotificationsCancelled:
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Info("invalid cancellation params", slog.String("err", err.Error()))
			return
		}
		c.cancelsMu.Lock()
		cancel, ok := c.cancels[params.RequestID]
		c.cancelsMu.Unlock()
		if ok {
			c.logger.Info("cancelling invocation",
				slog.String("id", string(params.RequestID)),
				slog.String("reason", params.Reason))
			cancel()
			// The caller abandoned the request; settle the entry so the
			// handler's eventual outcome is suppressed instead of answered.
			c.inbound.Resolve(params.RequestID, Outcome{})
		}
	case methodNotificationsProgress:
		if c.onProgress == nil {
			return
		}
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Info("invalid progress params", slog.String("err", err.Error()))
			return
		}
		c.onProgress(params)
	default:
		c.logger.Debug("ignoring unknown notification", slog.String("method", msg.Method))
	}
}

// handshake runs the host side of negotiation: send initialize, verify the
// provider's announcement, freeze the intersection, and confirm readiness.
func (c *Conn) handshake(ctx context.Context) error {
	if err := c.state.transition(PhaseNegotiating); err != nil {
		return err
	}

	id := c.state.nextRequestID()
	pending, err := c.outbound.Register(id)
	if err != nil {
		return err
	}

	msg, err := newRequestMessage(id, MethodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.caps,
		ClientInfo:      c.info,
	})
	if err != nil {
		return err
	}
	if err := c.send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send initialize request: %w", err)
	}

	out, err := pending.Wait(ctx)
	if err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}
	if out.Err != nil {
		return fmt.Errorf("initialize rejected: %w", out.Err)
	}

	var res initializeResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if res.ProtocolVersion != protocolVersion {
		return fmt.Errorf("protocol version mismatch: %s != %s", res.ProtocolVersion, protocolVersion)
	}

	c.state.freeze(res.ServerInfo, intersectCapabilities(c.caps, res.Capabilities))
	c.peerInstructions = res.Instructions

	confirm, err := newNotificationMessage(methodNotificationsInitialized, nil)
	if err != nil {
		return err
	}
	if err := c.send(ctx, confirm); err != nil {
		return fmt.Errorf("failed to confirm initialization: %w", err)
	}
	if err := c.state.transition(PhaseReady); err != nil {
		return err
	}
	c.readyOnce.Do(func() { close(c.ready) })
	return nil
}

// Call issues a request toward the peer and blocks until the response
// arrives, the connection closes, or ctx is done. On ctx cancellation a
// best-effort cancellation notice is sent so the peer can abandon the work.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.state.currentPhase() != PhaseReady {
		return nil, fmt.Errorf("%w: phase %s", ErrNotReady, c.state.currentPhase())
	}

	id := c.state.nextRequestID()
	pending, err := c.outbound.Register(id)
	if err != nil {
		return nil, err
	}

	msg, err := newRequestMessage(id, method, params)
	if err != nil {
		c.outbound.Resolve(id, Outcome{})
		return nil, err
	}
	if err := c.send(ctx, msg); err != nil {
		c.outbound.Resolve(id, Outcome{})
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	out, waitErr := pending.Wait(ctx)
	if waitErr != nil {
		c.notifyCancelled(id, userCancelledReason)
		return nil, waitErr
	}
	if out.Err != nil {
		return nil, out.Err
	}
	return out.Result, nil
}

// Notify sends a one-way message toward the peer.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	msg, err := newNotificationMessage(method, params)
	if err != nil {
		return err
	}
	return c.send(ctx, msg)
}

// notifyCancelled tells the peer the request is abandoned. The entry is
// failed locally so teardown never finds it dangling.
func (c *Conn) notifyCancelled(id MustString, reason string) {
	if err := c.outbound.Resolve(id, Outcome{}); err != nil {
		// The response raced in first; nothing to cancel.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()

	msg, err := newNotificationMessage(methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: id,
		Reason:    reason,
	})
	if err != nil {
		return
	}
	if err := c.send(ctx, msg); err != nil {
		c.logger.Debug("failed to send cancellation notice", slog.String("err", err.Error()))
	}
}

// progressReporter builds the callback a handler uses to push progress for
// its invocation, bound to the caller's progress token.
func (c *Conn) progressReporter(token MustString) ProgressReporter {
	return func(progress, total float64) {
		ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
		defer cancel()

		msg, err := newNotificationMessage(methodNotificationsProgress, ProgressParams{
			ProgressToken: token,
			Progress:      progress,
			Total:         total,
		})
		if err != nil {
			c.logger.Error("failed to marshal progress params", slog.String("err", err.Error()))
			return
		}
		if err := c.send(ctx, msg); err != nil {
			c.logger.Error("failed to send progress", slog.String("err", err.Error()))
		}
	}
}

// Shutdown asks the peer to drain and waits for the acknowledgement, then
// closes locally.
func (c *Conn) Shutdown(ctx context.Context) error {
	if c.state.currentPhase() != PhaseReady {
		c.Close()
		return nil
	}

	id := c.state.nextRequestID()
	pending, err := c.outbound.Register(id)
	if err != nil {
		return err
	}
	msg, err := newRequestMessage(id, MethodShutdown, nil)
	if err != nil {
		return err
	}
	if err := c.send(ctx, msg); err != nil {
		c.Close()
		return fmt.Errorf("failed to send shutdown request: %w", err)
	}
	if _, err := pending.Wait(ctx); err != nil {
		c.Close()
		return err
	}

	if err := c.state.transition(PhaseDraining); err == nil {
		c.drainAndClose()
		return nil
	}
	c.Close()
	return nil
}

// Close tears the connection down immediately. Pending requests on both
// sides resolve with a connection-closed error; in-flight handler contexts
// are cancelled. Safe to call more than once.
func (c *Conn) Close() {
	c.teardown()
}

func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		c.state.transition(PhaseClosed)
		c.baseCancel()

		c.outbound.FailAll(CodeConnectionClosed, ErrClosed.Error())
		c.inbound.FailAll(CodeConnectionClosed, ErrClosed.Error())

		c.cancelsMu.Lock()
		for id, cancel := range c.cancels {
			cancel()
			delete(c.cancels, id)
		}
		c.cancelsMu.Unlock()

		c.sess.Stop()
		close(c.closed)
		c.logger.Info("connection closed")
	})
}

func (c *Conn) violation(err error) {
	if c.onViolation != nil {
		c.onViolation(err)
	}
}

func (c *Conn) send(ctx context.Context, msg Message) error {
	return c.sess.Send(ctx, msg)
}

func (c *Conn) sendResult(id MustString, result any) {
	msg, err := newResultMessage(id, result)
	if err != nil {
		c.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		return
	}
	c.sendAsync(msg)
}

func (c *Conn) sendRawResult(id MustString, result json.RawMessage) {
	c.sendAsync(Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	})
}

func (c *Conn) sendError(id MustString, wireErr Error) {
	if id == "" {
		return
	}
	c.sendAsync(newErrorMessage(id, wireErr))
}

func (c *Conn) sendAsync(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()

	if err := c.sess.Send(ctx, msg); err != nil {
		c.logger.Error("failed to send message",
			slog.String("id", string(msg.ID)),
			slog.String("err", err.Error()))
	}
}
