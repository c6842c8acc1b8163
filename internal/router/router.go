// Package router implements the backend router: an ordered list of
// resolved upstream targets with a round-robin cursor.
package router

import (
	"errors"
	"net"
)

// ErrNoTargets is returned by New when given an empty target list. A
// router with zero targets can never resolve next_target(), so it is
// rejected at construction rather than deferred to first use.
var ErrNoTargets = errors.New("router: backend must have at least one target")

// Router holds an ordered list of resolved target addresses and hands
// them out round-robin. It is mutated only from the single dispatcher
// goroutine; the cursor needs no locking under that invariant, matching
// the "interior mutability is safe because the whole driver is
// single-threaded" note in the design's concurrency model.
type Router struct {
	targets []*net.TCPAddr
	cursor  int
}

// New constructs a Router over targets. It is shared by reference among
// every frontend whose config points at the same backend, so a
// reconfiguration that keeps a backend's targets unchanged can leave
// existing listeners pointed at the same *Router.
func New(targets []*net.TCPAddr) (*Router, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	cp := make([]*net.TCPAddr, len(targets))
	copy(cp, targets)
	return &Router{targets: cp}, nil
}

// NextTarget returns targets[cursor] and advances the cursor by one,
// wrapping modulo len(targets).
func (r *Router) NextTarget() *net.TCPAddr {
	t := r.targets[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.targets)
	return t
}

// Targets returns the router's target list, in order. Callers must treat
// the returned slice as read-only.
func (r *Router) Targets() []*net.TCPAddr {
	return r.targets
}
