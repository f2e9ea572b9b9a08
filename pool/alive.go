package pool

import "golang.org/x/sys/unix"

// IsAlive reports whether an idle connection still looks usable. It polls
// for readability without blocking; if readable, it peeks one byte. Zero
// bytes means the peer closed. Unsolicited data is treated as alive.
func IsAlive(fd int) bool {
	if fd < 0 {
		return false
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 0)
	if err != nil {
		return false
	}
	if n == 0 {
		return true
	}

	revents := pfd[0].Revents
	if revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return false
	}
	if revents&unix.POLLIN != 0 {
		var b [1]byte
		n, _, err := unix.Recvfrom(fd, b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		if err == nil && n == 0 {
			return false
		}
		if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return false
		}
	}
	return true
}
