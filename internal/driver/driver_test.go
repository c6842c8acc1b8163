//go:build linux || darwin

package driver_test

import (
	"net"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/tcplb/internal/config"
	"github.com/joeycumines/tcplb/internal/driver"
	"github.com/joeycumines/tcplb/internal/poller"
)

func newState(t *testing.T) *driver.State {
	t.Helper()
	return driver.New(zerolog.Nop(), driver.Capacities{Connections: 4, Listeners: 4})
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		// best-effort; InsertIncoming/RemoveConnection may already have
		// closed these.
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestInsertIncomingSlotParity(t *testing.T) {
	s := newState(t)
	_, clientFD := socketpair(t)
	_, targetFD := socketpair(t)

	incomingSlot, outgoingSlot, err := s.InsertIncoming(clientFD, targetFD)
	if err != nil {
		t.Fatal(err)
	}

	gotIncoming, ok := s.LookupByOutgoing(outgoingSlot)
	if !ok || gotIncoming != incomingSlot {
		t.Fatalf("LookupByOutgoing(%d) = (%d, %v), want (%d, true)", outgoingSlot, gotIncoming, ok, incomingSlot)
	}

	conn, ok := s.Connection(incomingSlot)
	if !ok {
		t.Fatal("Connection not found after InsertIncoming")
	}
	if conn.OutgoingSlot != outgoingSlot {
		t.Fatalf("conn.OutgoingSlot = %d, want %d", conn.OutgoingSlot, outgoingSlot)
	}
}

func TestRemoveConnectionFreesSlotsAndClosesSockets(t *testing.T) {
	s := newState(t)
	clientPeer, clientFD := socketpair(t)
	_, targetFD := socketpair(t)
	if err := unix.SetNonblock(clientPeer, true); err != nil {
		t.Fatal(err)
	}

	incomingSlot, outgoingSlot, err := s.InsertIncoming(clientFD, targetFD)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.RemoveConnection(incomingSlot); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Connection(incomingSlot); ok {
		t.Fatal("incoming slot still occupied after RemoveConnection")
	}
	if _, ok := s.LookupByOutgoing(outgoingSlot); ok {
		t.Fatal("outgoing slot still valid after RemoveConnection")
	}

	// RemoveConnection closed clientFD, so its peer reads end-of-stream
	// (0 bytes, no error) instead of would-block.
	var buf [1]byte
	if n, err := unix.Read(clientPeer, buf[:]); err != nil || n != 0 {
		t.Fatalf("read from client peer = (%d, %v), want (0, nil) after the socket was closed", n, err)
	}
}

func TestInsertIncomingRollsBackOnSlabFull(t *testing.T) {
	s := driver.New(zerolog.Nop(), driver.Capacities{Connections: 1, Listeners: 4})
	_, c1 := socketpair(t)
	_, t1 := socketpair(t)
	in1, _, err := s.InsertIncoming(c1, t1)
	if err != nil {
		t.Fatal(err)
	}

	_, c2 := socketpair(t)
	_, t2 := socketpair(t)
	if _, _, err := s.InsertIncoming(c2, t2); err == nil {
		t.Fatal("InsertIncoming succeeded past capacity, want SlabFull")
	}

	// The failed insert must have left no slot allocated: once the first
	// connection is removed, the single slot pair is free again.
	if _, err := s.RemoveConnection(in1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.InsertIncoming(c2, t2); err != nil {
		t.Fatalf("InsertIncoming after freeing capacity = %v, want success (failed insert leaked a slot)", err)
	}
}

func TestReconfigureBindsRebindsAndRemoves(t *testing.T) {
	s := newState(t)
	p, err := poller.New()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	portA := freeTCPPort(t)
	targetP1 := freeTCPPort(t)
	targetP2 := freeTCPPort(t)

	cfg1 := &config.Root{
		Frontends: map[string]config.Frontend{
			"f": {ListenAddr: net.JoinHostPort("127.0.0.1", strconv.Itoa(portA)), Backend: "b1"},
		},
		Backends: map[string]config.Backend{
			"b1": {TargetAddrs: []string{net.JoinHostPort("127.0.0.1", strconv.Itoa(targetP1))}},
		},
	}
	if err := driver.Reconfigure(s, p, cfg1); err != nil {
		t.Fatal(err)
	}

	slotBefore, ok := s.ListenerByAddr(net.JoinHostPort("127.0.0.1", strconv.Itoa(portA)))
	if !ok {
		t.Fatal("listener not bound after first reconfigure")
	}
	lBefore, _ := s.Listeners().Get(slotBefore)
	fdBefore := lBefore.FD

	// Rebind in place: same address, new backend.
	cfg2 := &config.Root{
		Frontends: map[string]config.Frontend{
			"f": {ListenAddr: net.JoinHostPort("127.0.0.1", strconv.Itoa(portA)), Backend: "b2"},
		},
		Backends: map[string]config.Backend{
			"b2": {TargetAddrs: []string{net.JoinHostPort("127.0.0.1", strconv.Itoa(targetP2))}},
		},
	}
	if err := driver.Reconfigure(s, p, cfg2); err != nil {
		t.Fatal(err)
	}
	slotAfter, ok := s.ListenerByAddr(net.JoinHostPort("127.0.0.1", strconv.Itoa(portA)))
	if !ok || slotAfter != slotBefore {
		t.Fatalf("rebind changed listener slot: before=%d after=%d ok=%v", slotBefore, slotAfter, ok)
	}
	lAfter, _ := s.Listeners().Get(slotAfter)
	if lAfter.FD != fdBefore {
		t.Fatal("rebind closed and reopened the socket, want socket reused in place")
	}
	if lAfter.Router.Targets()[0].Port != targetP2 {
		t.Fatalf("rebind did not swap router: target port = %d, want %d", lAfter.Router.Targets()[0].Port, targetP2)
	}

	// Reconfigure with no frontends: the listener should be marked for
	// removal, not removed immediately.
	cfg3 := &config.Root{Backends: map[string]config.Backend{}}
	if err := driver.Reconfigure(s, p, cfg3); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.ListenerByAddr(net.JoinHostPort("127.0.0.1", strconv.Itoa(portA))); !ok {
		t.Fatal("listener removed from index immediately, want removal deferred to tick boundary")
	}
	removed := s.DrainPendingRemovals()
	if len(removed) != 1 || removed[0].FD != fdBefore {
		t.Fatalf("DrainPendingRemovals = %+v, want one entry for fd %d", removed, fdBefore)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

