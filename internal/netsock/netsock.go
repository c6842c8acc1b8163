//go:build linux || darwin

// Package netsock provides raw, non-blocking TCP socket primitives used by
// the dispatcher's data path. The dispatcher bypasses net.Conn and the Go
// runtime's own netpoller entirely for proxied sockets: a second,
// independently-driven readiness poller cannot coexist cleanly with the
// runtime's internal one on the same file descriptors, so every listen,
// accept, connect, read, and write on the data path goes through
// golang.org/x/sys/unix directly. net.ResolveTCPAddr is still used for
// name resolution, which stays a thin external concern.
package netsock

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// WouldBlock reports whether err is the platform's spelling of EAGAIN,
// which is a first-class return value on this non-blocking data path, not
// an error to log.
func WouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// InProgress reports whether a non-blocking connect is still in flight.
func InProgress(err error) bool {
	return err == unix.EINPROGRESS
}

func sockaddrOf(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = addr.Port
		copy(sa.Addr[:], ip4)
		return &sa, nil
	}
	ip16 := addr.IP.To16()
	if ip16 == nil {
		return nil, fmt.Errorf("netsock: address %s is neither IPv4 nor IPv6", addr)
	}
	var sa unix.SockaddrInet6
	sa.Port = addr.Port
	copy(sa.Addr[:], ip16)
	return &sa, nil
}

func domainOf(addr *net.TCPAddr) int {
	if addr.IP.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// Listen opens a bound, listening, non-blocking TCP socket on addr with
// SO_REUSEADDR set, so that rebind-in-place and process restart do not
// race EADDRINUSE.
func Listen(addr *net.TCPAddr, backlog int) (int, error) {
	fd, err := unix.Socket(domainOf(addr), unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("netsock: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netsock: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netsock: set nonblocking: %w", err)
	}
	sa, err := sockaddrOf(addr)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netsock: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netsock: listen %s: %w", addr, err)
	}
	return fd, nil
}

// Accept accepts one connection from a listening socket, returning the
// new non-blocking client fd. Returns WouldBlock(err) == true when there
// is nothing to accept, which the listener event handler treats as "log
// and continue" per the failure semantics, not as an accept error.
func Accept(listenFd int) (int, error) {
	fd, _, err := unix.Accept(listenFd)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netsock: set nonblocking accepted socket: %w", err)
	}
	return fd, nil
}

// Connect begins a non-blocking connect to addr, returning the new fd.
// The connect is considered started (not failed) when the returned error
// satisfies InProgress; its eventual outcome is not checked here, and the
// dispatcher registers the fd with the poller without consulting
// SocketError.
func Connect(addr *net.TCPAddr) (int, error) {
	fd, err := unix.Socket(domainOf(addr), unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("netsock: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netsock: set nonblocking: %w", err)
	}
	sa, err := sockaddrOf(addr)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Connect(fd, sa); err != nil && !InProgress(err) {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// SocketError returns the pending SO_ERROR on fd, used to discover
// whether an in-progress non-blocking connect succeeded or failed once
// the fd becomes writable.
func SocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Read reads into buf, translating EAGAIN/EWOULDBLOCK into (0, nil, true)
// so callers can distinguish "nothing to read yet" from a real error or
// from a graceful close (n == 0, err == nil, wouldBlock == false).
func Read(fd int, buf []byte) (n int, wouldBlock bool, err error) {
	n, err = unix.Read(fd, buf)
	if err != nil {
		if WouldBlock(err) {
			return 0, true, nil
		}
		return 0, false, err
	}
	return n, false, nil
}

// Write writes buf, translating EAGAIN/EWOULDBLOCK into (0, true, nil).
func Write(fd int, buf []byte) (n int, wouldBlock bool, err error) {
	n, err = unix.Write(fd, buf)
	if err != nil {
		if WouldBlock(err) {
			return 0, true, nil
		}
		return 0, false, err
	}
	return n, false, nil
}

// Close closes fd.
func Close(fd int) error {
	return unix.Close(fd)
}
