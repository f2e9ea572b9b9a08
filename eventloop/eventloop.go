// Package eventloop is a readiness multiplexer over epoll, kqueue or select.
//
// A Loop owns a set of registrations, one per descriptor. Each call to Run
// waits for readiness and invokes every ready descriptor's Handler exactly
// once with the merged event mask. Error and HangUp are always reported,
// whatever the registered interest.
//
// A Loop is driven by a single goroutine. Add, Modify, Remove and Run must
// all be called from that goroutine; Wake is the only method that is safe
// to call concurrently.
package eventloop

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/migadu/balancer/consts"
	"github.com/migadu/balancer/pkg/metrics"
	"golang.org/x/sys/unix"
)

// Events is a bitmask of readiness conditions.
type Events uint32

const (
	Readable Events = 1 << iota
	Writable
	Error
	HangUp
)

func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	if e&Readable != 0 {
		parts = append(parts, "read")
	}
	if e&Writable != 0 {
		parts = append(parts, "write")
	}
	if e&Error != 0 {
		parts = append(parts, "error")
	}
	if e&HangUp != 0 {
		parts = append(parts, "hup")
	}
	return strings.Join(parts, "|")
}

// Handler reacts to readiness on a registered descriptor.
type Handler interface {
	HandleEvent(fd int, ev Events)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(fd int, ev Events)

func (f HandlerFunc) HandleEvent(fd int, ev Events) { f(fd, ev) }

// Kind selects the OS notification mechanism.
type Kind int

const (
	KindAuto Kind = iota
	KindEpoll
	KindKqueue
	KindSelect
)

func (k Kind) String() string {
	switch k {
	case KindEpoll:
		return "epoll"
	case KindKqueue:
		return "kqueue"
	case KindSelect:
		return "select"
	default:
		return "auto"
	}
}

// ParseKind maps a configuration string to a Kind. Empty means auto.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return KindAuto, nil
	case "epoll":
		return KindEpoll, nil
	case "kqueue":
		return KindKqueue, nil
	case "select":
		return KindSelect, nil
	}
	return KindAuto, fmt.Errorf("unknown event backend %q", s)
}

// DefaultCapacity sizes the per-wake event batch when New is given 0.
const DefaultCapacity = 1024

type readyEvent struct {
	fd int
	ev Events
}

// poller is implemented once per OS mechanism.
type poller interface {
	add(fd int, interest Events) error
	modify(fd int, interest Events) error
	remove(fd int) error
	// wait fills out and returns the number of entries written. A descriptor
	// may appear more than once; Loop merges them.
	wait(timeout time.Duration, out []readyEvent) (int, error)
	close() error
	maxDescriptors() int
}

type registration struct {
	fd       int
	interest Events
	handler  Handler
}

type pending struct {
	reg *registration
	ev  Events
}

// Loop is a readiness event loop.
type Loop struct {
	kind   Kind
	p      poller
	regs   map[int]*registration
	ready  []readyEvent
	batch  []pending
	index  map[int]int
	closed bool

	wakeMu     sync.Mutex
	wakeClosed bool
	wakeR      int
	wakeW      int
}

// New creates a Loop using the requested mechanism. KindAuto picks epoll on
// Linux and kqueue on the BSDs and macOS.
func New(kind Kind, capacity int) (*Loop, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if kind == KindAuto {
		kind = defaultKind
	}

	p, err := newPoller(kind, capacity)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		kind:  kind,
		p:     p,
		regs:  make(map[int]*registration),
		ready: make([]readyEvent, capacity*2),
		index: make(map[int]int),
		wakeR: -1,
		wakeW: -1,
	}
	if err := l.initWake(); err != nil {
		p.close()
		return nil, err
	}
	return l, nil
}

func (l *Loop) initWake() error {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return fmt.Errorf("failed to create wake pipe: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return fmt.Errorf("failed to set wake pipe nonblocking: %w", err)
		}
	}
	l.wakeR, l.wakeW = fds[0], fds[1]
	if err := l.Add(l.wakeR, Readable, HandlerFunc(l.drainWake)); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return err
	}
	return nil
}

func (l *Loop) drainWake(fd int, _ Events) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Wake interrupts a blocked Run. Safe for concurrent use.
func (l *Loop) Wake() {
	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()
	if l.wakeClosed {
		return
	}
	// A full pipe already guarantees a wakeup.
	_, _ = unix.Write(l.wakeW, []byte{1})
}

// Backend reports which mechanism the loop uses.
func (l *Loop) Backend() Kind { return l.kind }

// MaxDescriptors is the largest descriptor number plus one the backend can
// watch, or 0 when it is bounded only by the process limit.
func (l *Loop) MaxDescriptors() int { return l.p.maxDescriptors() }

// Len returns the number of caller registrations.
func (l *Loop) Len() int {
	n := len(l.regs)
	if _, ok := l.regs[l.wakeR]; ok {
		n--
	}
	return n
}

// Registered reports whether fd currently has a registration.
func (l *Loop) Registered(fd int) bool {
	_, ok := l.regs[fd]
	return ok
}

// Add registers fd with the given interest. Adding an fd that is already
// registered replaces its interest and handler.
func (l *Loop) Add(fd int, interest Events, h Handler) error {
	if l.closed {
		return consts.ErrLoopClosed
	}
	if fd < 0 {
		return fmt.Errorf("invalid descriptor %d", fd)
	}
	interest &= Readable | Writable

	if reg, ok := l.regs[fd]; ok {
		if err := l.p.modify(fd, interest); err != nil {
			return err
		}
		reg.interest = interest
		reg.handler = h
		return nil
	}

	if err := l.p.add(fd, interest); err != nil {
		return err
	}
	l.regs[fd] = &registration{fd: fd, interest: interest, handler: h}
	return nil
}

// Modify changes the interest of a registered fd.
func (l *Loop) Modify(fd int, interest Events) error {
	if l.closed {
		return consts.ErrLoopClosed
	}
	reg, ok := l.regs[fd]
	if !ok {
		return fmt.Errorf("modify fd %d: %w", fd, consts.ErrNotRegistered)
	}
	interest &= Readable | Writable
	if interest == reg.interest {
		return nil
	}
	if err := l.p.modify(fd, interest); err != nil {
		return err
	}
	reg.interest = interest
	return nil
}

// Remove deregisters fd. Unknown descriptors are ignored. No callback fires
// for fd after Remove returns, including events already collected in the
// current batch.
func (l *Loop) Remove(fd int) error {
	if _, ok := l.regs[fd]; !ok {
		return nil
	}
	delete(l.regs, fd)
	if l.closed {
		return nil
	}
	return l.p.remove(fd)
}

// Run waits up to timeout for readiness and dispatches handlers. A negative
// timeout blocks until an event arrives. It returns the number of
// descriptors dispatched; an interrupted wait returns 0 and no error.
func (l *Loop) Run(timeout time.Duration) (int, error) {
	if l.closed {
		return 0, consts.ErrLoopClosed
	}

	n, err := l.p.wait(timeout, l.ready)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("%s wait: %w", l.kind, err)
	}

	// Capture registrations now so that a descriptor removed and reused by
	// an earlier handler in this batch is not dispatched to its new owner.
	l.batch = l.batch[:0]
	clear(l.index)
	for i := 0; i < n; i++ {
		re := l.ready[i]
		reg, ok := l.regs[re.fd]
		if !ok {
			continue
		}
		if idx, seen := l.index[re.fd]; seen {
			l.batch[idx].ev |= re.ev
			continue
		}
		l.index[re.fd] = len(l.batch)
		l.batch = append(l.batch, pending{reg: reg, ev: re.ev})
	}

	dispatched := 0
	for _, p := range l.batch {
		if l.regs[p.reg.fd] != p.reg {
			continue
		}
		p.reg.handler.HandleEvent(p.reg.fd, p.ev)
		dispatched++
	}
	if dispatched > 0 {
		metrics.EventsDispatched.WithLabelValues(l.kind.String()).Add(float64(dispatched))
	}
	return dispatched, nil
}

// Close releases the backend and the wake pipe. Registered descriptors
// other than the wake pipe are not closed.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true

	l.wakeMu.Lock()
	l.wakeClosed = true
	unix.Close(l.wakeR)
	unix.Close(l.wakeW)
	l.wakeMu.Unlock()

	l.regs = map[int]*registration{}
	return l.p.close()
}

// timeoutMillis converts a wait timeout to the millisecond form used by
// epoll_wait, rounding up so short timeouts do not become busy polls.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}
