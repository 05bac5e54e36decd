package cxp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Outcome is the terminal state of a request: either a result payload or a
// wire error, never both.
type Outcome struct {
	Result json.RawMessage
	Err    *Error
}

// PendingRequest is the completion handle for a registered request id. It
// is resolved exactly once, either by a matching response or by connection
// teardown.
type PendingRequest struct {
	id       MustString
	issuedAt time.Time
	done     chan Outcome
}

// ID returns the correlation id the entry was registered under.
func (p *PendingRequest) ID() MustString { return p.id }

// IssuedAt returns the registration time.
func (p *PendingRequest) IssuedAt() time.Time { return p.issuedAt }

// Wait blocks until the request resolves or ctx is done. The engine itself
// imposes no deadline here; a caller wanting timeouts builds them into ctx.
func (p *PendingRequest) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case out := <-p.done:
		return out, nil
	}
}

// PendingTable correlates requests awaiting completion: outgoing requests
// awaiting the peer's response, or incoming requests awaiting local
// completion. Access is serialized so Resolve and FailAll can never race to
// double-resolve the same id. The table imposes no limit on the number of
// concurrently pending entries.
type PendingTable struct {
	mu      sync.Mutex
	entries map[MustString]*PendingRequest
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{
		entries: make(map[MustString]*PendingRequest),
	}
}

// Register creates a pending entry for id and returns its completion
// handle. Ids must not be reused while a prior entry with the same value is
// still pending; doing so returns ErrIDInUse rather than being silently
// tolerated.
func (t *PendingTable) Register(id MustString) (*PendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrIDInUse, string(id))
	}
	entry := &PendingRequest{
		id:       id,
		issuedAt: time.Now(),
		done:     make(chan Outcome, 1),
	}
	t.entries[id] = entry
	return entry, nil
}

// Resolve completes the entry registered under id and removes it. Each
// entry resolves at most once; a second call with the same id, or a call
// with an id that was never registered, returns UnknownIDError.
func (t *PendingTable) Resolve(id MustString, out Outcome) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[id]
	if !ok {
		return &UnknownIDError{ID: id}
	}
	delete(t.entries, id)
	entry.done <- out
	return nil
}

// FailAll resolves every remaining entry with the given error. Used during
// teardown so no caller is ever left waiting past connection close.
func (t *PendingTable) FailAll(code int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, entry := range t.entries {
		delete(t.entries, id)
		entry.done <- Outcome{Err: &Error{Code: code, Message: message}}
	}
}

// Len returns the number of entries still pending.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
