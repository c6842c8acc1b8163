// Package driver implements the driver state and the reconfiguration
// engine: the slab tables, the listener registry indexed by listen
// address, the pending-removal and dirty sets, and the algorithm that
// diffs a new configuration against the running one.
//
// Grounded on the original driver.rs/driver_state.rs: three slabs
// (listeners, incoming, outgoing) starting at index 1, an Option-shaped
// outgoing->incoming reverse mapping, and insert/remove operations that
// roll back partial allocation on slab-full.
package driver

import (
	"net"

	"github.com/rs/zerolog"

	"github.com/joeycumines/tcplb/internal/lberrors"
	"github.com/joeycumines/tcplb/internal/netsock"
	"github.com/joeycumines/tcplb/internal/pair"
	"github.com/joeycumines/tcplb/internal/router"
	"github.com/joeycumines/tcplb/internal/slab"
	"github.com/joeycumines/tcplb/internal/token"
)

// slotBase is the starting slot index for every slab; slot 0 is reserved
// by the token package as the "never a real entity" sentinel.
const slotBase = 1

// Listener is one bound, listening socket plus the backend router it
// currently points at. The router is shared by reference so a
// reconfiguration that only swaps the router can do so by writing one
// field, without touching the socket.
type Listener struct {
	FD         int
	ListenAddr *net.TCPAddr
	Router     *router.Router
	SelfToken  token.Token
}

// outgoingSlotValue mirrors the Rust Option<IncomingToken>: Valid is
// false only while InsertIncoming has allocated the outgoing slot but not
// yet written the incoming slot into it. RemoveConnection frees the
// outgoing slot outright rather than leaving it invalid.
type outgoingSlotValue struct {
	Incoming uint32
	Valid    bool
}

// State owns the three slabs, the listen-address index, and the
// bookkeeping sets the dispatcher drains each tick. It is mutated
// exclusively by the single dispatcher goroutine.
type State struct {
	log zerolog.Logger

	listeners *slab.Slab[*Listener]
	incoming  *slab.Slab[*pair.Connection]
	outgoing  *slab.Slab[outgoingSlotValue]

	listenersByAddr map[string]uint32
	pendingRemoval  map[uint32]struct{}
	dirty           map[uint32]struct{}

	connectionCount int
}

// Capacities bundles the slab sizes read from configuration.
type Capacities struct {
	Connections int
	Listeners   int
}

// New constructs an empty State with the given slab capacities.
func New(log zerolog.Logger, cap Capacities) *State {
	return &State{
		log:             log,
		listeners:       slab.New[*Listener](slotBase, cap.Listeners),
		incoming:        slab.New[*pair.Connection](slotBase, cap.Connections),
		outgoing:        slab.New[outgoingSlotValue](slotBase, cap.Connections),
		listenersByAddr: make(map[string]uint32),
		pendingRemoval:  make(map[uint32]struct{}),
		dirty:           make(map[uint32]struct{}),
	}
}

// Listeners exposes the listener slab for iteration (startup
// registration, shutdown teardown).
func (s *State) Listeners() *slab.Slab[*Listener] { return s.listeners }

// ListenerByAddr returns the listener slot currently bound to addr, if
// any.
func (s *State) ListenerByAddr(addr string) (uint32, bool) {
	slot, ok := s.listenersByAddr[addr]
	return slot, ok
}

// AddListener opens a new listening socket on addr, registers it in the
// listener slab, and indexes it by address. The caller is responsible
// for registering the returned listener's FD with the poller.
func (s *State) AddListener(addr *net.TCPAddr, r *router.Router, backlog int) (*Listener, error) {
	fd, err := netsock.Listen(addr, backlog)
	if err != nil {
		return nil, lberrors.New(lberrors.Bind, err)
	}
	var built *Listener
	_, err = s.listeners.InsertWith(func(slot uint32) *Listener {
		built = &Listener{
			FD:         fd,
			ListenAddr: addr,
			Router:     r,
			SelfToken:  token.Encode(token.Listener, slot),
		}
		return built
	})
	if err != nil {
		netsock.Close(fd)
		return nil, lberrors.New(lberrors.SlabFull, err)
	}
	s.listenersByAddr[addr.String()] = decodeSlot(built.SelfToken)
	return built, nil
}

func decodeSlot(t token.Token) uint32 {
	_, slot := token.Decode(t)
	return slot
}

// RebindListener overwrites the router a listener points at, without
// touching the socket. This is the "rebind in place" step of
// reconfiguration.
func (s *State) RebindListener(slot uint32, r *router.Router) error {
	l := s.listeners.GetPtr(slot)
	if l == nil {
		return lberrors.Newf(lberrors.InvariantViolation, "rebind: listener slot %d not found", slot)
	}
	(*l).Router = r
	return nil
}

// MarkListenerPendingRemoval records that slot's socket and poller
// registration should be torn down at the next tick boundary.
func (s *State) MarkListenerPendingRemoval(slot uint32) {
	s.pendingRemoval[slot] = struct{}{}
}

// DrainPendingRemovals returns, and clears, the set of listener slots
// marked for removal. The caller must deregister each from the poller
// and close its socket.
func (s *State) DrainPendingRemovals() []*Listener {
	if len(s.pendingRemoval) == 0 {
		return nil
	}
	out := make([]*Listener, 0, len(s.pendingRemoval))
	for slot := range s.pendingRemoval {
		l, ok := s.listeners.Get(slot)
		if !ok {
			continue
		}
		delete(s.listenersByAddr, l.ListenAddr.String())
		s.listeners.Remove(slot)
		out = append(out, l)
	}
	s.pendingRemoval = make(map[uint32]struct{})
	return out
}

// MarkDirty records that an incoming slot's pair needs its poller
// interest re-armed before the next batch.
func (s *State) MarkDirty(slot uint32) {
	s.dirty[slot] = struct{}{}
}

// DrainDirty returns, and clears, the dirty set.
func (s *State) DrainDirty() []uint32 {
	if len(s.dirty) == 0 {
		return nil
	}
	out := make([]uint32, 0, len(s.dirty))
	for slot := range s.dirty {
		out = append(out, slot)
	}
	s.dirty = make(map[uint32]struct{})
	return out
}

// InsertIncoming allocates both slots for a new paired connection,
// building the connection with knowledge of its own outgoing slot, and
// writes the outgoing->incoming reverse mapping. On slab-full, any
// partial allocation is rolled back.
func (s *State) InsertIncoming(clientFD, targetFD int) (incomingSlot, outgoingSlot uint32, err error) {
	outgoingSlot, err = s.outgoing.Insert(outgoingSlotValue{})
	if err != nil {
		return 0, 0, lberrors.New(lberrors.SlabFull, err)
	}

	incomingSlot, err = s.incoming.InsertWith(func(uint32) *pair.Connection {
		return pair.New(clientFD, targetFD, outgoingSlot)
	})
	if err != nil {
		s.outgoing.Remove(outgoingSlot)
		return 0, 0, lberrors.New(lberrors.SlabFull, err)
	}

	if err := s.outgoing.Set(outgoingSlot, outgoingSlotValue{Incoming: incomingSlot, Valid: true}); err != nil {
		s.incoming.Remove(incomingSlot)
		s.outgoing.Remove(outgoingSlot)
		return 0, 0, lberrors.New(lberrors.InvariantViolation, err)
	}

	s.connectionCount++
	s.log.Debug().Int("connections", s.connectionCount).Uint32("incoming_slot", incomingSlot).Msg("connection accepted")
	return incomingSlot, outgoingSlot, nil
}

// Connection returns the paired connection at incomingSlot.
func (s *State) Connection(incomingSlot uint32) (*pair.Connection, bool) {
	return s.incoming.Get(incomingSlot)
}

// LookupByOutgoing resolves an outgoing slot back to its incoming slot.
// It reports false for an empty slot (the pair has been torn down) and
// for a slot whose mapping is not yet valid.
func (s *State) LookupByOutgoing(outgoingSlot uint32) (uint32, bool) {
	v, ok := s.outgoing.Get(outgoingSlot)
	if !ok || !v.Valid {
		return 0, false
	}
	return v.Incoming, true
}

// RemoveConnection tears down the paired connection at incomingSlot:
// both sockets are closed and both slab slots freed.
func (s *State) RemoveConnection(incomingSlot uint32) (*pair.Connection, error) {
	conn, err := s.incoming.Remove(incomingSlot)
	if err != nil {
		return nil, lberrors.New(lberrors.InvariantViolation, err)
	}
	if _, err := s.outgoing.Remove(conn.OutgoingSlot); err != nil {
		s.log.Warn().Uint32("outgoing_slot", conn.OutgoingSlot).Msg("outgoing slot already empty on connection teardown")
	}
	delete(s.dirty, incomingSlot)

	netsock.Close(conn.Incoming.FD)
	netsock.Close(conn.Outgoing.FD)

	s.connectionCount--
	s.log.Debug().Int("connections", s.connectionCount).Uint32("incoming_slot", incomingSlot).Msg("connection closed")
	return conn, nil
}
