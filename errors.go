package cxp

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed reports an operation against a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrDraining reports a new request arriving while the connection drains.
	ErrDraining = errors.New("connection draining")
	// ErrDuplicateTool reports a registration under a name already present.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrIDInUse reports a correlation id registered while a prior entry
	// with the same value is still pending.
	ErrIDInUse = errors.New("request id already pending")
	// ErrNotReady reports an operation attempted before negotiation completed.
	ErrNotReady = errors.New("connection not ready")
)

// MalformedMessageError reports a structurally invalid message: a missing or
// contradictory field combination, or a record that is not valid JSON. It is
// fatal to the single message, unless it occurs during negotiation.
type MalformedMessageError struct {
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

// FramingError reports byte-stream desynchronization. It is always fatal to
// the connection: alignment cannot be recovered without external
// resynchronization, so the codec refuses further input once it occurs.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error: %s", e.Reason)
}

// UnknownIDError reports a response whose id matches no pending request, or
// a second resolution of an already-completed id. It is a protocol
// violation surfaced to the caller; the connection remains open.
type UnknownIDError struct {
	ID MustString
}

func (e *UnknownIDError) Error() string {
	return fmt.Sprintf("no pending request with id %q", string(e.ID))
}

// OutOfOrderError reports a message kind that is illegal in the
// connection's current phase. It is fatal to the connection.
type OutOfOrderError struct {
	Phase  Phase
	Method string
	Kind   MessageKind
}

func (e *OutOfOrderError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("method %q illegal in phase %s", e.Method, e.Phase)
	}
	return fmt.Sprintf("message illegal in phase %s", e.Phase)
}
