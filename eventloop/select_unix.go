//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package eventloop

import (
	"fmt"
	"time"

	"github.com/migadu/balancer/consts"
	"golang.org/x/sys/unix"
)

// selectSetSize is FD_SETSIZE. select(2) cannot watch descriptors at or
// above it.
const selectSetSize = 1024

type selectPoller struct {
	interests map[int]Events
	// parked holds fds with unread data and no Readable interest.
	parked map[int]bool
	maxFD  int
}

func newSelect(capacity int) (*selectPoller, error) {
	if capacity > selectSetSize {
		return nil, fmt.Errorf("select backend capacity %d: %w (max %d)", capacity, consts.ErrDescriptorLimit, selectSetSize)
	}
	return &selectPoller{interests: make(map[int]Events), parked: make(map[int]bool), maxFD: -1}, nil
}

func (p *selectPoller) add(fd int, interest Events) error {
	if fd >= selectSetSize {
		return fmt.Errorf("select fd %d: %w (max %d)", fd, consts.ErrDescriptorLimit, selectSetSize-1)
	}
	p.interests[fd] = interest
	delete(p.parked, fd)
	if fd > p.maxFD {
		p.maxFD = fd
	}
	return nil
}

func (p *selectPoller) modify(fd int, interest Events) error {
	if _, ok := p.interests[fd]; !ok {
		return fmt.Errorf("select fd %d: %w", fd, consts.ErrNotRegistered)
	}
	p.interests[fd] = interest
	delete(p.parked, fd)
	return nil
}

func (p *selectPoller) remove(fd int) error {
	if _, ok := p.interests[fd]; !ok {
		return nil
	}
	delete(p.interests, fd)
	delete(p.parked, fd)
	if fd == p.maxFD {
		p.maxFD = -1
		for other := range p.interests {
			if other > p.maxFD {
				p.maxFD = other
			}
		}
	}
	return nil
}

func (p *selectPoller) wait(timeout time.Duration, out []readyEvent) (int, error) {
	// Every fd sits in the read set so that hangups and errors surface
	// whatever the interest. exceptfds only signals out-of-band data and is
	// not used.
	var rset, wset unix.FdSet
	for fd, interest := range p.interests {
		if !p.parked[fd] {
			rset.Set(fd)
		}
		if interest&Writable != 0 {
			wset.Set(fd)
		}
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	n, err := unix.Select(p.maxFD+1, &rset, &wset, nil, tv)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	count := 0
	for fd, interest := range p.interests {
		var ev Events
		if rset.IsSet(fd) {
			if interest&Readable != 0 {
				ev |= Readable
			} else {
				ev |= p.classify(fd)
			}
		}
		if wset.IsSet(fd) {
			ev |= Writable
		}
		if ev == 0 {
			continue
		}
		if count == len(out) {
			break
		}
		out[count] = readyEvent{fd: fd, ev: ev}
		count++
	}
	return count, nil
}

// classify inspects an fd that polled readable without Readable interest.
// End of stream is HangUp and a pending error is Error. Unread data is not
// reported; the fd leaves the read set until its interest changes so the
// loop does not spin on it.
func (p *selectPoller) classify(fd int) Events {
	var b [1]byte
	n, _, err := unix.Recvfrom(fd, b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	switch {
	case err == nil && n == 0:
		return HangUp
	case err == nil:
		p.parked[fd] = true
		return 0
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0
	case err == unix.ENOTSOCK:
		// Pipes and other streams: nothing buffered means the writer is gone.
		avail, ierr := unix.IoctlGetInt(fd, unix.FIONREAD)
		if ierr != nil {
			return Error
		}
		if avail == 0 {
			return HangUp
		}
		p.parked[fd] = true
		return 0
	default:
		return Error
	}
}

func (p *selectPoller) close() error { return nil }

func (p *selectPoller) maxDescriptors() int { return selectSetSize }
