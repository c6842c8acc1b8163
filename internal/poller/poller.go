// Package poller wraps the OS readiness multiplexer (epoll on Linux,
// kqueue on Darwin) behind one small interface. Every registration is
// edge-triggered and one-shot: a source fires exactly once per readiness
// change and must be explicitly re-armed, which is what lets the
// dispatcher mutate a paired connection's buffers and readiness flags
// between an event and its re-arm without racing the poller.
//
// Rather than storing the real file descriptor in the kernel's
// per-source opaque data and looking it up in an fd-indexed side table,
// this poller stores the dispatcher's own encoded token (see
// internal/token) directly in that opaque data. Dispatch is then a pure
// decode, with no side-table lookup at all.
package poller

import "github.com/joeycumines/tcplb/internal/token"

// Interest is a bitmask of readiness conditions a source can be
// registered for, or that an event reports having observed.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
	// Err is set on a reported Event when the source has an error
	// condition; it is never set as a registration interest.
	Err
	// Hup is set on a reported Event when the peer has hung up; it is
	// never set as a registration interest.
	Hup
)

// Event is one readiness notification, decoded down to the token and the
// readiness bits observed.
type Event struct {
	Token token.Token
	Flags Interest
}

// Poller is the platform-independent surface the dispatcher drives.
// Implementations are poller_linux.go (epoll) and poller_darwin.go
// (kqueue).
type Poller interface {
	// Add registers fd for the given interest, tagged with tok. The
	// registration is edge-triggered and one-shot.
	Add(fd int, interest Interest, tok token.Token) error
	// Rearm re-registers an already-added fd for interest, tagged with
	// tok. Required after every event, since registrations are one-shot.
	Rearm(fd int, interest Interest, tok token.Token) error
	// Remove deregisters fd. It is safe to call even if fd was never
	// added (removal during reconfiguration teardown is best-effort).
	Remove(fd int) error
	// Wait blocks until at least one event is ready or timeoutMs
	// elapses (negative means block indefinitely), filling events and
	// returning the number filled.
	Wait(events []Event, timeoutMs int) (int, error)
	// Close releases the underlying poller fd.
	Close() error
}
