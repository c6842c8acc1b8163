// Package pair implements the paired-connection state machine: the two
// socket halves of one client-to-upstream flow, their readiness flags,
// and the per-direction buffering needed to handle short writes without
// dropping or reordering bytes. Tick always flushes any queued tail
// before attempting a fresh transfer, and any unwritten remainder from a
// short write is queued rather than dropped.
package pair

import (
	"github.com/joeycumines/tcplb/internal/netsock"
	"github.com/joeycumines/tcplb/internal/poller"
)

// BufferSize is the fixed per-direction buffer size. The design permits
// exposing this as configuration, but the default and test oracle both
// assume 4096.
const BufferSize = 4096

// Half is one socket of a paired connection plus its accumulated
// readiness flags and transfer counter.
type Half struct {
	FD    int
	Ready poller.Interest
	Bytes uint64 // total bytes this half's stream has been written
}

// Closed reports whether this half has seen an error or hangup.
func (h *Half) Closed() bool {
	return h.Ready&(poller.Err|poller.Hup) != 0
}

// queue holds the unwritten tail of an in-flight transfer. start == len
// means empty; data[start:] is the pending tail to flush.
type queue struct {
	data  [BufferSize]byte
	start int
}

func newQueue() queue { return queue{start: BufferSize} }

func (q *queue) empty() bool { return q.start == BufferSize }

func (q *queue) pending() []byte { return q.data[q.start:] }

// Connection is one paired connection: two socket halves plus the
// per-direction queued-bytes state.
type Connection struct {
	Incoming     Half
	Outgoing     Half
	OutgoingSlot uint32

	toOutgoing queue // bytes read from Incoming, queued toward Outgoing
	toIncoming queue // bytes read from Outgoing, queued toward Incoming
}

// New constructs a Connection. outgoingSlot is recorded so the
// dispatcher can look up the reverse outgoing->incoming mapping.
func New(incomingFD, outgoingFD int, outgoingSlot uint32) *Connection {
	return &Connection{
		Incoming:     Half{FD: incomingFD},
		Outgoing:     Half{FD: outgoingFD},
		OutgoingSlot: outgoingSlot,
		toOutgoing:   newQueue(),
		toIncoming:   newQueue(),
	}
}

// NoteIncomingReady ORs flags into the incoming half's readiness.
func (c *Connection) NoteIncomingReady(flags poller.Interest) {
	c.Incoming.Ready |= flags
}

// NoteOutgoingReady ORs flags into the outgoing half's readiness.
func (c *Connection) NoteOutgoingReady(flags poller.Interest) {
	c.Outgoing.Ready |= flags
}

// IsIncomingClosed reports whether the incoming half has ERROR or HUP.
func (c *Connection) IsIncomingClosed() bool { return c.Incoming.Closed() }

// IsOutgoingClosed reports whether the outgoing half has ERROR or HUP.
func (c *Connection) IsOutgoingClosed() bool { return c.Outgoing.Closed() }

// Tick performs all currently possible I/O in the fixed order: flush any
// queued bytes toward outgoing, flush any queued bytes toward incoming,
// transfer incoming->outgoing, transfer outgoing->incoming. It returns
// true if any byte moved. A read or write error other than would-block
// stops the tick immediately and is returned as err; the readiness bits
// for the step that failed are left untouched (not consumed), since the
// operation they represent never actually completed. The caller is
// expected to log err and drop the connection rather than keep ticking
// it.
func (c *Connection) Tick() (moved bool, err error) {
	if !c.toOutgoing.empty() && c.Outgoing.Ready&poller.Writable != 0 {
		progress, ferr := c.flush(&c.toOutgoing, c.Outgoing.FD, &c.Outgoing.Bytes)
		if ferr != nil {
			return moved, ferr
		}
		if progress {
			moved = true
		}
		c.Outgoing.Ready &^= poller.Writable
	}

	if !c.toIncoming.empty() && c.Incoming.Ready&poller.Writable != 0 {
		progress, ferr := c.flush(&c.toIncoming, c.Incoming.FD, &c.Incoming.Bytes)
		if ferr != nil {
			return moved, ferr
		}
		if progress {
			moved = true
		}
		c.Incoming.Ready &^= poller.Writable
	}

	if c.Incoming.Ready&poller.Readable != 0 && c.Outgoing.Ready&poller.Writable != 0 {
		progress, terr := c.transfer(c.Incoming.FD, c.Outgoing.FD, &c.toOutgoing, &c.Outgoing.Bytes)
		if terr != nil {
			return moved, terr
		}
		if progress {
			moved = true
		}
		c.Incoming.Ready &^= poller.Readable
		c.Outgoing.Ready &^= poller.Writable
	}

	if c.Outgoing.Ready&poller.Readable != 0 && c.Incoming.Ready&poller.Writable != 0 {
		progress, terr := c.transfer(c.Outgoing.FD, c.Incoming.FD, &c.toIncoming, &c.Incoming.Bytes)
		if terr != nil {
			return moved, terr
		}
		if progress {
			moved = true
		}
		c.Outgoing.Ready &^= poller.Readable
		c.Incoming.Ready &^= poller.Writable
	}

	return moved, nil
}

// flush writes the pending tail of q to dstFD. A short write here is a
// programming-surprise on a socket that just reported writable for a
// small tail, but is still handled: whatever remains stays queued. A
// genuine error (not would-block) is returned unwrapped; the caller
// decides how to log and act on it.
func (c *Connection) flush(q *queue, dstFD int, dstBytes *uint64) (bool, error) {
	pending := q.pending()
	n, wouldBlock, err := netsock.Write(dstFD, pending)
	if err != nil {
		return false, err
	}
	if wouldBlock {
		return false, nil
	}
	*dstBytes += uint64(n)
	q.start += n
	return n > 0, nil
}

// transfer reads from srcFD and writes as much as possible to dstFD,
// queuing any unwritten tail in q. A genuine read or write error (not
// would-block) is returned unwrapped; no queue or byte-count state is
// touched once an error is observed.
func (c *Connection) transfer(srcFD, dstFD int, q *queue, dstBytes *uint64) (bool, error) {
	var readBuf [BufferSize]byte
	n, wouldBlock, err := netsock.Read(srcFD, readBuf[:])
	if err != nil {
		return false, err
	}
	if wouldBlock || n == 0 {
		return false, nil
	}

	written, wb, werr := netsock.Write(dstFD, readBuf[:n])
	if werr != nil {
		return false, werr
	}
	if wb {
		written = 0
	}
	*dstBytes += uint64(written)

	if written < n {
		tailLen := n - written
		q.start = BufferSize - tailLen
		copy(q.data[q.start:], readBuf[written:n])
	}

	return written > 0, nil
}
