// Package dispatcher implements the single-threaded poll loop: it blocks
// on the poller, classifies each returned event by its decoded token,
// invokes the matching handler, and performs end-of-batch
// re-registration and removal bookkeeping. A channel delivers
// cross-goroutine commands (reconfiguration, shutdown), handled only at
// a tick boundary, never interleaved with event handling.
package dispatcher

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/tcplb/internal/config"
	"github.com/joeycumines/tcplb/internal/driver"
	"github.com/joeycumines/tcplb/internal/lberrors"
	"github.com/joeycumines/tcplb/internal/netsock"
	"github.com/joeycumines/tcplb/internal/poller"
	"github.com/joeycumines/tcplb/internal/token"
)

// pollTimeoutMs is a fallback bound on Wait; the wake pipe is what
// actually interrupts a blocked Wait promptly when a Command arrives, so
// this only guards against a wake write somehow being missed.
const pollTimeoutMs = 1000

// Command is a discrete message delivered to the dispatcher and handled
// only at a tick boundary, never interleaved with event handling.
type Command struct {
	// ApplyConfig, if non-nil, is applied via driver.Reconfigure.
	ApplyConfig *config.Root
	// Shutdown, if true, causes Run to return after this command is
	// processed.
	Shutdown bool
	// Result, if non-nil, receives the outcome of ApplyConfig (or nil
	// for a bare Shutdown), so a caller like a SIGHUP handler can log
	// success/failure without racing the dispatcher goroutine.
	Result chan<- error
}

// Dispatcher owns the driver state and the poller and runs the single
// event loop.
type Dispatcher struct {
	log      zerolog.Logger
	state    *driver.State
	poll     poller.Poller
	commands chan Command

	wakeReadFD  int
	wakeWriteFD int
}

// New constructs a Dispatcher over an already-initialized driver state
// and poller. commandBuffer sizes the command channel; 1 is enough for a
// single pending SIGHUP-triggered reconfiguration or shutdown. New opens
// a wake fd (an eventfd on Linux, a self-pipe on Darwin) and registers
// its read end with the poller tagged token.Wake, so Submit can
// interrupt a blocked Wait immediately rather than waiting out
// pollTimeoutMs.
func New(log zerolog.Logger, state *driver.State, p poller.Poller, commandBuffer int) (*Dispatcher, error) {
	if commandBuffer < 1 {
		commandBuffer = 1
	}
	readFD, writeFD, err := openWakePipe()
	if err != nil {
		return nil, lberrors.New(lberrors.InvariantViolation, err)
	}
	d := &Dispatcher{
		log:         log,
		state:       state,
		poll:        p,
		commands:    make(chan Command, commandBuffer),
		wakeReadFD:  readFD,
		wakeWriteFD: writeFD,
	}
	if err := p.Add(d.wakeReadFD, poller.Readable, token.Encode(token.Wake, 0)); err != nil {
		d.closeWakeFDs()
		return nil, lberrors.New(lberrors.InvariantViolation, err)
	}
	return d, nil
}

// Submit enqueues cmd and wakes the dispatcher loop. Safe to call from
// any goroutine. The 8-byte write satisfies Linux's eventfd, which
// rejects shorter writes; a self-pipe on other platforms accepts any
// non-empty write just as well.
func (d *Dispatcher) Submit(cmd Command) {
	d.commands <- cmd
	var payload [8]byte
	payload[0] = 1
	unix.Write(d.wakeWriteFD, payload[:])
}

// Close releases the wake fd(s). Call after Run has returned.
func (d *Dispatcher) Close() {
	d.closeWakeFDs()
}

// closeWakeFDs closes the wake fd(s), guarding against the Linux eventfd
// case where wakeReadFD and wakeWriteFD are the same fd.
func (d *Dispatcher) closeWakeFDs() {
	unix.Close(d.wakeReadFD)
	if d.wakeWriteFD != d.wakeReadFD {
		unix.Close(d.wakeWriteFD)
	}
}

// Run blocks, running the dispatch loop until ctx is canceled or a
// Shutdown command is processed, then returns nil. It returns a non-nil
// error only for an InvariantViolation, which is fatal by design.
func (d *Dispatcher) Run(ctx context.Context) error {
	events := make([]poller.Event, 256)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-d.commands:
			if stop, err := d.handleCommand(cmd); err != nil {
				return err
			} else if stop {
				return nil
			}
			continue
		default:
		}

		n, err := d.poll.Wait(events, pollTimeoutMs)
		if err != nil {
			return lberrors.New(lberrors.InvariantViolation, err)
		}

		for i := 0; i < n; i++ {
			if err := d.dispatchEvent(events[i]); err != nil {
				return err
			}
		}

		d.postBatch()
	}
}

func (d *Dispatcher) handleCommand(cmd Command) (stop bool, err error) {
	if cmd.ApplyConfig != nil {
		rerr := driver.Reconfigure(d.state, d.poll, cmd.ApplyConfig)
		if rerr != nil {
			d.log.Error().Err(rerr).Msg("reconfiguration failed, previous configuration remains in effect")
		} else {
			d.log.Info().Msg("reconfiguration applied")
		}
		if cmd.Result != nil {
			cmd.Result <- rerr
		}
		return cmd.Shutdown, nil
	}
	if cmd.Shutdown {
		if cmd.Result != nil {
			cmd.Result <- nil
		}
		return true, nil
	}
	return false, nil
}

func (d *Dispatcher) dispatchEvent(ev poller.Event) error {
	variant, slot := token.Decode(ev.Token)
	switch variant {
	case token.Listener:
		d.handleListener(slot)
	case token.Incoming:
		d.handleIncoming(slot, ev.Flags)
	case token.Outgoing:
		d.handleOutgoing(slot, ev.Flags)
	case token.Wake:
		d.handleWake()
	default:
		return lberrors.Newf(lberrors.InvariantViolation, "dispatcher: decoded unknown variant %v from token %d", variant, ev.Token)
	}
	return nil
}

// handleListener accepts exactly one connection per event, matching the
// original's single-accept-per-readiness behavior: a full backlog is
// drained over subsequent edge-triggered events, not in a busy loop
// here.
func (d *Dispatcher) handleListener(slot uint32) {
	l, ok := d.state.Listeners().Get(slot)
	if !ok {
		d.log.Error().Uint32("slot", slot).Msg("listener event on unknown slot")
		return
	}

	clientFD, err := netsock.Accept(l.FD)
	if err != nil {
		if netsock.WouldBlock(err) {
			d.log.Debug().Str("listen_addr", l.ListenAddr.String()).Msg("accept would block")
			d.rearmListener(l)
			return
		}
		d.log.Warn().Err(err).Str("listen_addr", l.ListenAddr.String()).Msg("accept error")
		d.rearmListener(l)
		return
	}

	target := l.Router.NextTarget()
	targetFD, err := netsock.Connect(target)
	if err != nil {
		d.log.Warn().Err(err).Str("target", target.String()).Msg("connect error")
		netsock.Close(clientFD)
		d.rearmListener(l)
		return
	}

	incomingSlot, outgoingSlot, err := d.state.InsertIncoming(clientFD, targetFD)
	if err != nil {
		d.log.Warn().Err(err).Msg("connection dropped: slab full")
		netsock.Close(clientFD)
		netsock.Close(targetFD)
		d.rearmListener(l)
		return
	}

	incomingTok := token.Encode(token.Incoming, incomingSlot)
	outgoingTok := token.Encode(token.Outgoing, outgoingSlot)
	bothInterest := poller.Readable | poller.Writable
	if err := d.poll.Add(clientFD, bothInterest, incomingTok); err != nil {
		d.log.Error().Err(err).Msg("register incoming fd failed")
	}
	if err := d.poll.Add(targetFD, bothInterest, outgoingTok); err != nil {
		d.log.Error().Err(err).Msg("register outgoing fd failed")
	}

	d.rearmListener(l)
}

// handleWake drains the self-pipe and re-arms it. The actual Commands
// are picked up by Run's select at the top of the next loop iteration;
// this handler's only job is to make the wake byte's readiness go away
// so the next Submit reliably produces a fresh edge.
func (d *Dispatcher) handleWake() {
	var buf [64]byte
	for {
		n, wouldBlock, err := netsock.Read(d.wakeReadFD, buf[:])
		if wouldBlock || err != nil || n == 0 {
			break
		}
	}
	if err := d.poll.Rearm(d.wakeReadFD, poller.Readable, token.Encode(token.Wake, 0)); err != nil {
		d.log.Error().Err(err).Msg("rearm wake pipe failed")
	}
}

func (d *Dispatcher) rearmListener(l *driver.Listener) {
	if err := d.poll.Rearm(l.FD, poller.Readable, l.SelfToken); err != nil {
		d.log.Error().Err(err).Str("listen_addr", l.ListenAddr.String()).Msg("rearm listener failed")
	}
}

func (d *Dispatcher) handleIncoming(slot uint32, flags poller.Interest) {
	conn, ok := d.state.Connection(slot)
	if !ok {
		return
	}
	conn.NoteIncomingReady(flags)
	progress, err := conn.Tick()
	if err != nil {
		d.log.Error().Err(lberrors.New(lberrors.IoTransient, err)).Uint32("slot", slot).Msg("connection i/o error, dropping")
		d.state.RemoveConnection(slot)
		return
	}
	if !progress && (conn.IsIncomingClosed() || conn.IsOutgoingClosed()) {
		d.state.RemoveConnection(slot)
		return
	}
	d.state.MarkDirty(slot)
}

func (d *Dispatcher) handleOutgoing(slot uint32, flags poller.Interest) {
	incomingSlot, ok := d.state.LookupByOutgoing(slot)
	if !ok {
		return
	}
	conn, ok := d.state.Connection(incomingSlot)
	if !ok {
		return
	}
	conn.NoteOutgoingReady(flags)
	progress, err := conn.Tick()
	if err != nil {
		d.log.Error().Err(lberrors.New(lberrors.IoTransient, err)).Uint32("slot", incomingSlot).Msg("connection i/o error, dropping")
		d.state.RemoveConnection(incomingSlot)
		return
	}
	if !progress && (conn.IsIncomingClosed() || conn.IsOutgoingClosed()) {
		d.state.RemoveConnection(incomingSlot)
		return
	}
	d.state.MarkDirty(incomingSlot)
}

// postBatch re-arms every dirty connection's two sockets and tears down
// every listener marked for removal.
func (d *Dispatcher) postBatch() {
	for _, slot := range d.state.DrainDirty() {
		conn, ok := d.state.Connection(slot)
		if !ok {
			continue
		}
		interest := poller.Readable | poller.Writable
		incomingTok := token.Encode(token.Incoming, slot)
		outgoingTok := token.Encode(token.Outgoing, conn.OutgoingSlot)
		if err := d.poll.Rearm(conn.Incoming.FD, interest, incomingTok); err != nil {
			d.log.Error().Err(err).Msg("rearm incoming failed")
		}
		if err := d.poll.Rearm(conn.Outgoing.FD, interest, outgoingTok); err != nil {
			d.log.Error().Err(err).Msg("rearm outgoing failed")
		}
	}

	for _, l := range d.state.DrainPendingRemovals() {
		if err := d.poll.Remove(l.FD); err != nil {
			d.log.Error().Err(err).Msg("deregister removed listener failed")
		}
		netsock.Close(l.FD)
		d.log.Info().Str("listen_addr", l.ListenAddr.String()).Msg("listener removed")
	}
}
