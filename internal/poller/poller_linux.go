//go:build linux

package poller

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/tcplb/internal/token"
)

// Epoll is the Linux epoll implementation of Poller, grounded on the
// teacher's eventloop.FastPoller (poller_linux.go): same epoll_create1 /
// epoll_ctl / epoll_wait sequence, but the per-event opaque data carries
// our own encoded token rather than the registered fd.
type Epoll struct {
	epfd int
}

// New creates and initializes an epoll instance.
func New() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return &Epoll{epfd: epfd}, nil
}

func toEpollEvents(interest Interest) uint32 {
	var e uint32
	if interest&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e | unix.EPOLLRDHUP | unix.EPOLLONESHOT
}

func fromEpollEvents(e uint32) Interest {
	var interest Interest
	if e&unix.EPOLLIN != 0 {
		interest |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		interest |= Writable
	}
	if e&unix.EPOLLERR != 0 {
		interest |= Err
	}
	if e&unix.EPOLLHUP != 0 || e&unix.EPOLLRDHUP != 0 {
		interest |= Hup
	}
	return interest
}

func epollEventFor(interest Interest, tok token.Token) unix.EpollEvent {
	return unix.EpollEvent{
		Events: toEpollEvents(interest),
		Fd:     int32(tok),
	}
}

// Add registers fd for interest, edge-triggered one-shot, tagged tok.
func (p *Epoll) Add(fd int, interest Interest, tok token.Token) error {
	ev := epollEventFor(interest, tok)
	ev.Events |= unix.EPOLLET
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

// Rearm re-registers fd for interest, tagged tok.
func (p *Epoll) Rearm(fd int, interest Interest, tok token.Token) error {
	ev := epollEventFor(interest, tok)
	ev.Events |= unix.EPOLLET
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

// Remove deregisters fd.
func (p *Epoll) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return fmt.Errorf("poller: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// Wait blocks in epoll_wait and decodes ready events into events.
func (p *Epoll) Wait(events []Event, timeoutMs int) (int, error) {
	var raw [256]unix.EpollEvent
	batch := raw[:]
	if len(events) < len(batch) {
		batch = batch[:len(events)]
	}
	n, err := unix.EpollWait(p.epfd, batch, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("poller: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		events[i] = Event{
			Token: token.Token(uint32(batch[i].Fd)),
			Flags: fromEpollEvents(batch[i].Events),
		}
	}
	return n, nil
}

// Close closes the epoll fd.
func (p *Epoll) Close() error {
	return unix.Close(p.epfd)
}
