package cxp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSServer implements a WebSocket transport for the provider side. Each
// upgraded connection becomes one Session; WebSocket frames carry exactly
// one record each, so no byte-level reassembly is needed.
//
// Instances should be created using NewWSServer and shut down using
// Shutdown when no longer needed.
type WSServer struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	sessions chan Session
	done     chan struct{}
	closed   chan struct{}
}

// WSClient implements a WebSocket transport for the host side. Instances
// should be created using NewWSClient.
type WSClient struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWSServer creates a WebSocket server transport. Register its HandleWS
// handler on an HTTP mux and pass the transport to NewServer.
func NewWSServer() *WSServer {
	return &WSServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:   slog.Default(),
		sessions: make(chan Session, 5),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// NewWSClient creates a WebSocket client transport connecting to url. The
// optional dialer parameter allows custom dial configuration - if nil, the
// default dialer is used.
func NewWSClient(url string, dialer *websocket.Dialer) *WSClient {
	d := dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	return &WSClient{
		url:    url,
		dialer: d,
		logger: slog.Default(),
	}
}

// HandleWS returns an http.Handler that upgrades requests to WebSocket
// sessions and feeds them to the Sessions iterator.
func (s *WSServer) HandleWS() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Error("failed to upgrade connection", "err", err)
			return
		}

		sess := newWSSession(conn, s.logger)
		go sess.processSendMessages()

		select {
		case <-s.done:
			sess.Stop()
		case s.sessions <- sess:
		}
	})
}

// Sessions implements the ServerTransport interface by yielding a Session
// for each upgraded WebSocket connection.
func (s *WSServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown implements the ServerTransport interface by stopping the
// Sessions loop. Sessions already handed out are stopped by their owners.
func (s *WSServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close WebSocket server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface by dialing the
// provider and returning the connected Session.
func (c *WSClient) StartSession(ctx context.Context) (Session, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	sess := newWSSession(conn, c.logger)
	go sess.processSendMessages()
	return sess, nil
}

type wsSession struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	sendMsgs chan wsSessionSendMsg

	done        chan struct{}
	sendClosed  chan struct{}
	stopPending chan struct{}
}

type wsSessionSendMsg struct {
	msg  []byte
	errs chan error
}

func newWSSession(conn *websocket.Conn, logger *slog.Logger) *wsSession {
	return &wsSession{
		id:          uuid.New().String(),
		conn:        conn,
		logger:      logger,
		sendMsgs:    make(chan wsSessionSendMsg),
		done:        make(chan struct{}),
		sendClosed:  make(chan struct{}),
		stopPending: make(chan struct{}, 1),
	}
}

func (s *wsSession) ID() string { return s.id }

func (s *wsSession) Send(ctx context.Context, msg Message) error {
	if msg.Kind() == KindInvalid {
		return &MalformedMessageError{Reason: "message matches no legal kind"}
	}
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sendMsg := wsSessionSendMsg{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so frames from concurrent callers never interleave;
	// gorilla/websocket allows a single concurrent writer.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session is closed")
	case s.sendMsgs <- sendMsg:
	}

	select {
	case err := <-sendMsg.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session is closed")
	}
}

func (s *wsSession) Messages() iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for {
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					errors.Is(err, net.ErrClosed) {
					return
				}
				select {
				case <-s.done:
				default:
					s.logger.Error("failed to read message", "err", err)
				}
				return
			}

			msg, err := parseMessage(data)
			if err != nil {
				if !yield(Message{}, err) {
					return
				}
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

func (s *wsSession) Stop() {
	select {
	case s.stopPending <- struct{}{}:
	default:
		return
	}
	close(s.done)
	s.conn.Close()
	<-s.sendClosed
}

func (s *wsSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		var msg wsSessionSendMsg
		select {
		case <-s.done:
			return
		case msg = <-s.sendMsgs:
		}

		msg.errs <- s.conn.WriteMessage(websocket.TextMessage, msg.msg)
	}
}
