//go:build darwin

package dispatcher

import "golang.org/x/sys/unix"

// openWakePipe opens a non-blocking self-pipe used to interrupt a
// blocked poller Wait from another goroutine. Darwin has no eventfd and
// no pipe2, so a plain pipe is opened and both ends are set
// non-blocking and close-on-exec after the fact.
func openWakePipe() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return fds[0], fds[1], nil
}
