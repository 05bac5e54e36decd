package cxp

import (
	"context"
	"iter"
)

// ServerTransport is the interface for a provider-side transport. It accepts
// sessions initiated by hosts and surfaces them to the Server.
type ServerTransport interface {
	// Sessions is an iterator that emits a Session for each host that
	// connects. The iterator ends when the transport shuts down.
	Sessions() iter.Seq[Session]

	// Shutdown stops accepting new sessions and releases transport
	// resources. Sessions already handed out are not stopped; each owner
	// stops its own.
	Shutdown(ctx context.Context) error
}

// ClientTransport is the interface for a host-side transport. It opens one
// session toward a provider.
type ClientTransport interface {
	StartSession(ctx context.Context) (Session, error)
}

// Session is one bidirectional message stream between a host and a provider.
// Implementations serialize writes internally; Send is safe for concurrent
// use. Messages yields each inbound message, or a non-nil error when a frame
// failed to decode: a *MalformedMessageError poisons only that frame, a
// *FramingError is the stream's last emission.
type Session interface {
	ID() string
	Send(ctx context.Context, msg Message) error
	Messages() iter.Seq2[Message, error]
	// Stop terminates the session and releases its resources. The Messages
	// iterator ends after Stop.
	Stop()
}

// ProgressReporter is the function a tool handler calls to push progress
// updates for its invocation. The engine fills in the progress token.
type ProgressReporter func(progress float64, total float64)

type progressReporterKey struct{}

func withProgressReporter(ctx context.Context, reporter ProgressReporter) context.Context {
	return context.WithValue(ctx, progressReporterKey{}, reporter)
}

// ProgressReporterFromContext returns the reporter for the current tool
// invocation. It is non-nil only when the caller attached a progress token
// to the invocation; handlers must check the second return value.
func ProgressReporterFromContext(ctx context.Context) (ProgressReporter, bool) {
	reporter, ok := ctx.Value(progressReporterKey{}).(ProgressReporter)
	return reporter, ok
}
