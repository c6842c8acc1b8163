package pair

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/tcplb/internal/poller"
)

// socketpair returns two connected, non-blocking fds, closing both with
// t.Cleanup.
func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("set nonblocking: %v", err)
		}
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestTickTransfersIncomingToOutgoing(t *testing.T) {
	clientPeer, incomingFD := socketpair(t)
	upstreamPeer, outgoingFD := socketpair(t)

	c := New(incomingFD, outgoingFD, 1)

	msg := []byte("sent by frontend\n")
	if _, err := unix.Write(clientPeer, msg); err != nil {
		t.Fatal(err)
	}

	c.NoteIncomingReady(poller.Readable)
	c.NoteOutgoingReady(poller.Writable)

	moved, err := c.Tick()
	if err != nil {
		t.Fatal(err)
	}
	if !moved {
		t.Fatal("Tick reported no progress, want bytes transferred")
	}

	buf := make([]byte, len(msg))
	n, err := unix.Read(upstreamPeer, buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("upstream received %q, want %q", buf[:n], msg)
	}
	if c.Outgoing.Bytes != uint64(len(msg)) {
		t.Fatalf("Outgoing.Bytes = %d, want %d", c.Outgoing.Bytes, len(msg))
	}
}

func TestTickTransfersOutgoingToIncoming(t *testing.T) {
	clientPeer, incomingFD := socketpair(t)
	upstreamPeer, outgoingFD := socketpair(t)

	c := New(incomingFD, outgoingFD, 1)

	msg := []byte("sent by backend\n")
	if _, err := unix.Write(upstreamPeer, msg); err != nil {
		t.Fatal(err)
	}

	c.NoteOutgoingReady(poller.Readable)
	c.NoteIncomingReady(poller.Writable)

	moved, err := c.Tick()
	if err != nil {
		t.Fatal(err)
	}
	if !moved {
		t.Fatal("Tick reported no progress, want bytes transferred")
	}

	buf := make([]byte, len(msg))
	n, err := unix.Read(clientPeer, buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("client received %q, want %q", buf[:n], msg)
	}
}

func TestTickNoProgressWithoutReadiness(t *testing.T) {
	_, incomingFD := socketpair(t)
	_, outgoingFD := socketpair(t)

	c := New(incomingFD, outgoingFD, 1)
	moved, err := c.Tick()
	if err != nil {
		t.Fatal(err)
	}
	if moved {
		t.Fatal("Tick reported progress with no readiness bits set")
	}
}

func TestClosedHalvesDetected(t *testing.T) {
	_, incomingFD := socketpair(t)
	_, outgoingFD := socketpair(t)
	c := New(incomingFD, outgoingFD, 1)

	if c.IsIncomingClosed() || c.IsOutgoingClosed() {
		t.Fatal("fresh connection reported as closed")
	}

	c.NoteIncomingReady(poller.Hup)
	if !c.IsIncomingClosed() {
		t.Fatal("IsIncomingClosed false after HUP noted")
	}
	if c.IsOutgoingClosed() {
		t.Fatal("IsOutgoingClosed true, want false")
	}
}

func TestQueuedTailFlushedOnNextWritable(t *testing.T) {
	// Simulates the short-write policy: bytes parked in toOutgoing are
	// drained by a later flush step once Outgoing reports writable
	// again, without a fresh incoming read.
	clientPeer, incomingFD := socketpair(t)
	upstreamPeer, outgoingFD := socketpair(t)
	c := New(incomingFD, outgoingFD, 1)

	tail := []byte("tail-bytes")
	c.toOutgoing.start = BufferSize - len(tail)
	copy(c.toOutgoing.data[c.toOutgoing.start:], tail)

	c.NoteOutgoingReady(poller.Writable)
	moved, err := c.Tick()
	if err != nil {
		t.Fatal(err)
	}
	if !moved {
		t.Fatal("Tick did not flush queued tail")
	}
	if !c.toOutgoing.empty() {
		t.Fatal("toOutgoing queue not drained after flush")
	}

	buf := make([]byte, len(tail))
	n, err := unix.Read(upstreamPeer, buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != string(tail) {
		t.Fatalf("upstream received %q, want %q", buf[:n], tail)
	}

	_ = clientPeer
}

func TestTickReturnsErrorAndLeavesReadinessOnWriteFailure(t *testing.T) {
	clientPeer, incomingFD := socketpair(t)
	_, outgoingFD := socketpair(t)
	c := New(incomingFD, outgoingFD, 1)

	if _, err := unix.Write(clientPeer, []byte("x")); err != nil {
		t.Fatal(err)
	}

	// Close the raw outgoing fd out from under the Connection so the
	// write transfer attempts below fail with EBADF, a real error
	// rather than would-block.
	if err := unix.Close(outgoingFD); err != nil {
		t.Fatal(err)
	}

	c.NoteIncomingReady(poller.Readable)
	c.NoteOutgoingReady(poller.Writable)

	moved, err := c.Tick()
	if err == nil {
		t.Fatal("Tick returned no error writing to a closed fd")
	}
	if moved {
		t.Fatal("Tick reported progress despite a write error")
	}
	if c.Incoming.Ready&poller.Readable == 0 {
		t.Fatal("incoming readable bit cleared despite the transfer failing")
	}
	if c.Outgoing.Ready&poller.Writable == 0 {
		t.Fatal("outgoing writable bit cleared despite the transfer failing")
	}
}
