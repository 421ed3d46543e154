package shell

import (
	"context"
	"sync"
)

// Resolution is the answer to a confirmation request.
type Resolution struct {
	Allow       bool
	AllowAlways bool
}

// ConfirmationRequest is a pending question about one command. It resolves
// exactly once: later Resolve calls are no-ops and report misuse via their
// return value.
type ConfirmationRequest struct {
	Command string
	Reason  string

	once sync.Once
	done chan Resolution
	gate *Gate
}

// RequestConfirmation creates the pending request for a command the gate
// would not run unattended. Only one request may be outstanding per gate;
// a second concurrent request is refused.
func (g *Gate) RequestConfirmation(command, reason string) (*ConfirmationRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		return nil, ErrConfirmationPending
	}
	req := &ConfirmationRequest{
		Command: command,
		Reason:  reason,
		done:    make(chan Resolution, 1),
		gate:    g,
	}
	g.pending = req
	return req, nil
}

// Resolve answers the request. Returns false if it was already resolved.
// An allow-always grant records the command in the session allowlist.
func (r *ConfirmationRequest) Resolve(allow, allowAlways bool) bool {
	resolved := false
	r.once.Do(func() {
		resolved = true
		if allow && allowAlways {
			r.gate.AllowForSession(r.Command)
		}
		r.gate.clearPending(r)
		r.done <- Resolution{Allow: allow, AllowAlways: allowAlways}
	})
	return resolved
}

// Wait blocks until the request is resolved or the context is cancelled.
// Cancellation resolves the request as an implicit denial so it is never
// left dangling.
func (r *ConfirmationRequest) Wait(ctx context.Context) Resolution {
	select {
	case res := <-r.done:
		return res
	case <-ctx.Done():
		r.Resolve(false, false)
		// Drain the resolution the Resolve above queued, unless a
		// racing caller resolved first.
		select {
		case res := <-r.done:
			return res
		default:
			return Resolution{}
		}
	}
}

func (g *Gate) clearPending(r *ConfirmationRequest) {
	g.mu.Lock()
	if g.pending == r {
		g.pending = nil
	}
	g.mu.Unlock()
}
