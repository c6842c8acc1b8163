//go:build darwin

package poller

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/tcplb/internal/token"
)

// Kqueue is the Darwin kqueue implementation of Poller, grounded on the
// teacher's eventloop.FastPoller (poller_darwin.go): same kqueue /
// kevent sequence and per-filter registration, but each kevent's Udata
// carries our own encoded token rather than indexing an fd-keyed table.
type Kqueue struct {
	kq int
}

// New creates and initializes a kqueue instance.
func New() (*Kqueue, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("poller: kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	return &Kqueue{kq: kq}, nil
}

func tokenUdata(tok token.Token) *byte {
	return (*byte)(unsafe.Pointer(uintptr(tok)))
}

func udataToken(p *byte) token.Token {
	return token.Token(uintptr(unsafe.Pointer(p)))
}

func kevents(fd int, interest Interest, flags uint16, tok token.Token) []unix.Kevent_t {
	var out []unix.Kevent_t
	if interest&Readable != 0 {
		out = append(out, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
			Udata:  tokenUdata(tok),
		})
	}
	if interest&Writable != 0 {
		out = append(out, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
			Udata:  tokenUdata(tok),
		})
	}
	return out
}

// Add registers fd for interest, edge-triggered one-shot, tagged tok.
func (p *Kqueue) Add(fd int, interest Interest, tok token.Token) error {
	changes := kevents(fd, interest, unix.EV_ADD|unix.EV_ENABLE|unix.EV_ONESHOT|unix.EV_CLEAR, tok)
	if len(changes) == 0 {
		return nil
	}
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		return fmt.Errorf("poller: kevent add fd=%d: %w", fd, err)
	}
	return nil
}

// Rearm re-registers fd for interest, tagged tok. One-shot kqueue
// registrations are consumed on fire, so rearming is the same EV_ADD
// sequence as Add.
func (p *Kqueue) Rearm(fd int, interest Interest, tok token.Token) error {
	return p.Add(fd, interest, tok)
}

// Remove deregisters both filters for fd. Errors are ignored per-filter:
// a filter that already fired (one-shot) or was never added returns
// ENOENT, which is not a failure here.
func (p *Kqueue) Remove(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	unix.Kevent(p.kq, changes, nil, nil)
	return nil
}

// Wait blocks in kevent and decodes ready events into events.
func (p *Kqueue) Wait(events []Event, timeoutMs int) (int, error) {
	var raw [256]unix.Kevent_t
	batch := raw[:]
	if len(events) < len(batch) {
		batch = batch[:len(events)]
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}
	n, err := unix.Kevent(p.kq, nil, batch, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("poller: kevent wait: %w", err)
	}
	for i := 0; i < n; i++ {
		var flags Interest
		switch batch[i].Filter {
		case unix.EVFILT_READ:
			flags |= Readable
		case unix.EVFILT_WRITE:
			flags |= Writable
		}
		if batch[i].Flags&unix.EV_ERROR != 0 {
			flags |= Err
		}
		if batch[i].Flags&unix.EV_EOF != 0 {
			flags |= Hup
		}
		events[i] = Event{
			Token: udataToken(batch[i].Udata),
			Flags: flags,
		}
	}
	return n, nil
}

// Close closes the kqueue fd.
func (p *Kqueue) Close() error {
	return unix.Close(p.kq)
}
