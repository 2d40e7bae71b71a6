package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/containai/acp-proxy/pkg/wire"
)

// ErrNoResponse is returned when a request completes without an answer:
// the agent exited first, the timeout fired, or the session was cancelled.
// Callers treat it as a definite failure; nothing retries automatically.
var ErrNoResponse = errors.New("no response from agent")

// ErrDuplicateRequest is returned when a request id is already pending.
var ErrDuplicateRequest = errors.New("request id already pending")

// PendingRegistry correlates request ids sent to the agent with their
// eventual responses. At most one waiter exists per id; slots live only for
// the duration of the outstanding request.
type PendingRegistry struct {
	mu      sync.Mutex
	waiters map[string]chan *wire.Envelope
}

// NewPendingRegistry creates an empty registry.
func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{waiters: make(map[string]chan *wire.Envelope)}
}

// SendAndWait registers a completion slot for the request's id, invokes
// send, and then races three events under one clock: the slot resolving,
// the agent exit signal, and the timeout. The slot is registered before
// sending so a response can never arrive unmatched, and it is deregistered
// exactly once on every exit path.
func (r *PendingRegistry) SendAndWait(ctx context.Context, req *wire.Envelope, timeout time.Duration, send func(*wire.Envelope) error, exited <-chan struct{}) (*wire.Envelope, error) {
	if req.ID == nil {
		return nil, fmt.Errorf("request requires an id")
	}
	key := req.ID.Key()

	slot := make(chan *wire.Envelope, 1)
	r.mu.Lock()
	if _, exists := r.waiters[key]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, key)
	}
	r.waiters[key] = slot
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.waiters, key)
		r.mu.Unlock()
	}()

	if err := send(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-slot:
		if resp == nil {
			// CancelAll closed the slot.
			return nil, fmt.Errorf("%w: session cancelled", ErrNoResponse)
		}
		return resp, nil
	case <-exited:
		return nil, fmt.Errorf("%w: agent exited before responding to %q", ErrNoResponse, req.Method)
	case <-timer.C:
		return nil, fmt.Errorf("%w: %q timed out after %s", ErrNoResponse, req.Method, timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: session cancelled", ErrNoResponse)
	}
}

// Complete resolves the pending request with the given id, if any, and
// reports whether a waiter existed. Each slot resolves at most once because
// completion removes it from the table.
func (r *PendingRegistry) Complete(id *wire.ID, resp *wire.Envelope) bool {
	if id == nil {
		return false
	}
	r.mu.Lock()
	slot, ok := r.waiters[id.Key()]
	if ok {
		delete(r.waiters, id.Key())
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	slot <- resp
	return true
}

// CancelAll resolves every outstanding slot as cancelled and clears the
// table. Used on session teardown.
func (r *PendingRegistry) CancelAll() {
	r.mu.Lock()
	waiters := r.waiters
	r.waiters = make(map[string]chan *wire.Envelope)
	r.mu.Unlock()
	for _, slot := range waiters {
		close(slot)
	}
}

// Pending returns the number of outstanding requests.
func (r *PendingRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
