package cxp

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Phase is a connection lifecycle state. Transitions only move forward:
// Uninitialized → Negotiating → Ready → Draining → Closed, with Closed
// reachable from every phase.
type Phase int

// The connection lifecycle phases.
const (
	PhaseUninitialized Phase = iota
	PhaseNegotiating
	PhaseReady
	PhaseDraining
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseReady:
		return "ready"
	case PhaseDraining:
		return "draining"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Capabilities declares what a peer supports. Both sides exchange one
// during negotiation; the session operates on their intersection.
type Capabilities struct {
	Tools        *ToolsCapability        `json:"tools,omitempty"`
	Progress     *ProgressCapability     `json:"progress,omitempty"`
	Cancellation *CancellationCapability `json:"cancellation,omitempty"`
}

// ToolsCapability signals support for tool listing and invocation.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ProgressCapability signals support for progress notifications.
type ProgressCapability struct{}

// CancellationCapability signals support for cooperative request cancellation.
type CancellationCapability struct{}

// intersectCapabilities keeps only what both sides declared.
func intersectCapabilities(a, b Capabilities) Capabilities {
	var out Capabilities
	if a.Tools != nil && b.Tools != nil {
		out.Tools = &ToolsCapability{
			ListChanged: a.Tools.ListChanged && b.Tools.ListChanged,
		}
	}
	if a.Progress != nil && b.Progress != nil {
		out.Progress = &ProgressCapability{}
	}
	if a.Cancellation != nil && b.Cancellation != nil {
		out.Cancellation = &CancellationCapability{}
	}
	return out
}

// sessionState owns one connection's lifecycle: the current phase, the
// capability set frozen at negotiation, and the monotonic id allocator for
// locally issued requests. One instance per logical connection; connections
// share no mutable state.
type sessionState struct {
	mu         sync.Mutex
	phase      Phase
	peerInfo   Info
	negotiated Capabilities

	nextID atomic.Uint64
}

func newSessionState() *sessionState {
	return &sessionState{phase: PhaseUninitialized}
}

func (s *sessionState) currentPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.phase
}

// transition moves to the target phase, failing on anything but a legal
// forward step. Closed is terminal and reachable from everywhere.
func (s *sessionState) transition(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if to == PhaseClosed {
		s.phase = PhaseClosed
		return nil
	}

	legal := map[Phase]Phase{
		PhaseUninitialized: PhaseNegotiating,
		PhaseNegotiating:   PhaseReady,
		PhaseReady:         PhaseDraining,
	}
	if next, ok := legal[s.phase]; !ok || next != to {
		return fmt.Errorf("illegal transition %s -> %s", s.phase, to)
	}
	s.phase = to
	return nil
}

// freeze records the peer identity and the negotiated capability
// intersection. Called exactly once, during negotiation; the set is
// immutable for the rest of the connection.
func (s *sessionState) freeze(peer Info, negotiated Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.peerInfo = peer
	s.negotiated = negotiated
}

func (s *sessionState) peer() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.peerInfo
}

func (s *sessionState) capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.negotiated
}

// nextRequestID allocates a monotonically increasing correlation id for an
// outgoing request.
func (s *sessionState) nextRequestID() MustString {
	return MustString(fmt.Sprintf("%d", s.nextID.Add(1)))
}

// checkReceive decides whether a message of the given kind and method is
// legal in the current phase. It returns nil when processing may proceed,
// ErrDraining when the message is a request to be rejected without
// tearing down the connection, ErrClosed after teardown, and
// *OutOfOrderError for phase violations that are fatal to the connection.
func (s *sessionState) checkReceive(kind MessageKind, method string) error {
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()

	switch phase {
	case PhaseClosed:
		return ErrClosed
	case PhaseUninitialized:
		// Only the opening capability announcement is legal here.
		if kind == KindRequest && (method == MethodInitialize || method == MethodPing) {
			return nil
		}
		return &OutOfOrderError{Phase: phase, Method: method, Kind: kind}
	case PhaseNegotiating:
		switch kind {
		case KindResponse:
			return nil
		case KindNotification:
			if method == methodNotificationsInitialized {
				return nil
			}
			return &OutOfOrderError{Phase: phase, Method: method, Kind: kind}
		default:
			if method == MethodPing {
				return nil
			}
			return &OutOfOrderError{Phase: phase, Method: method, Kind: kind}
		}
	case PhaseDraining:
		if kind == KindRequest && method != MethodPing && method != MethodShutdown {
			return ErrDraining
		}
		return nil
	default: // PhaseReady
		return nil
	}
}
