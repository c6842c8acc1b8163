//go:build linux

package dispatcher

import "golang.org/x/sys/unix"

// openWakePipe opens a non-blocking eventfd used to interrupt a blocked
// poller Wait from another goroutine. A single eventfd serves as both
// ends: writing any 8-byte value makes it readable, and reading drains
// it back to zero.
func openWakePipe() (readFD, writeFD int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}
