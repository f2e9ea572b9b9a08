//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package eventloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

type kqueuePoller struct {
	kq        int
	events    []unix.Kevent_t
	interests map[int]Events
}

func newKqueue(capacity int) (*kqueuePoller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	return &kqueuePoller{
		kq:        kq,
		events:    make([]unix.Kevent_t, capacity),
		interests: make(map[int]Events),
	}, nil
}

// readFlags returns the EVFILT_READ flags for interest. The read filter is
// installed for every fd so that hangups and errors surface whatever the
// interest. Without Readable it is edge triggered, which keeps unread data
// from waking the loop on every wait.
func readFlags(interest Events) int {
	if interest&Readable != 0 {
		return unix.EV_ADD | unix.EV_ENABLE
	}
	return unix.EV_ADD | unix.EV_ENABLE | unix.EV_CLEAR
}

// apply moves fd's filters from the old interest to the new. Only filters
// that change are submitted; switching the read filter between level and
// edge triggering deletes and re-adds it.
func (p *kqueuePoller) apply(fd int, old Events, registered bool, interest Events) error {
	changes := make([]unix.Kevent_t, 0, 3)
	push := func(filter, flags int) {
		var k unix.Kevent_t
		unix.SetKevent(&k, fd, filter, flags)
		changes = append(changes, k)
	}

	switch {
	case !registered:
		push(unix.EVFILT_READ, readFlags(interest))
	case old&Readable != interest&Readable:
		push(unix.EVFILT_READ, unix.EV_DELETE)
		push(unix.EVFILT_READ, readFlags(interest))
	}
	had, want := registered && old&Writable != 0, interest&Writable != 0
	switch {
	case want && !had:
		push(unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE)
	case had && !want:
		push(unix.EVFILT_WRITE, unix.EV_DELETE)
	}

	if len(changes) == 0 {
		return nil
	}
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		return fmt.Errorf("kevent fd %d: %w", fd, err)
	}
	return nil
}

func (p *kqueuePoller) add(fd int, interest Events) error {
	old, registered := p.interests[fd]
	if err := p.apply(fd, old, registered, interest); err != nil {
		return err
	}
	p.interests[fd] = interest
	return nil
}

func (p *kqueuePoller) modify(fd int, interest Events) error {
	return p.add(fd, interest)
}

func (p *kqueuePoller) remove(fd int) error {
	old, ok := p.interests[fd]
	if !ok {
		return nil
	}
	delete(p.interests, fd)
	changes := make([]unix.Kevent_t, 1, 2)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, unix.EV_DELETE)
	if old&Writable != 0 {
		var k unix.Kevent_t
		unix.SetKevent(&k, fd, unix.EVFILT_WRITE, unix.EV_DELETE)
		changes = append(changes, k)
	}
	// Closed descriptors have already dropped their filters.
	_, _ = unix.Kevent(p.kq, changes, nil, nil)
	return nil
}

func (p *kqueuePoller) wait(timeout time.Duration, out []readyEvent) (int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.events, ts)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := 0; i < n; i++ {
		k := p.events[i]
		fd := int(k.Ident)
		var ev Events
		switch {
		case k.Flags&unix.EV_ERROR != 0:
			ev = Error
		case k.Filter == unix.EVFILT_READ:
			switch {
			case k.Flags&unix.EV_EOF != 0 && k.Fflags != 0 && k.Data == 0:
				ev = Error
			case p.interests[fd]&Readable == 0:
				if k.Flags&unix.EV_EOF != 0 {
					ev = HangUp
				}
			case k.Flags&unix.EV_EOF != 0 && k.Data == 0:
				ev = HangUp
			default:
				ev = Readable
			}
		case k.Filter == unix.EVFILT_WRITE:
			if k.Flags&unix.EV_EOF != 0 {
				ev = HangUp
			} else {
				ev = Writable
			}
		}
		if ev == 0 {
			continue
		}
		out[count] = readyEvent{fd: fd, ev: ev}
		count++
	}
	return count, nil
}

func (p *kqueuePoller) close() error {
	return unix.Close(p.kq)
}

func (p *kqueuePoller) maxDescriptors() int { return 0 }
