package balancer

import (
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/migadu/balancer/config"
)

// Backend is one upstream server. Identity fields are immutable after
// construction; counters and health are atomics so the stats API can read
// them while the reactor updates them.
type Backend struct {
	Host           string
	Port           int
	Weight         int
	MaxConnections int

	addr string

	// currentWeight is the smooth weighted round-robin cursor. Guarded by
	// the owning Selector's mutex.
	currentWeight int

	down      atomic.Bool
	active    atomic.Int64
	requests  atomic.Uint64
	failures  atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	lastProbe atomic.Int64
}

// BackendStats is a point-in-time copy of a Backend's counters.
type BackendStats struct {
	Address        string    `json:"address"`
	Weight         int       `json:"weight"`
	MaxConnections int       `json:"max_connections,omitempty"`
	Healthy        bool      `json:"healthy"`
	Active         int64     `json:"active_connections"`
	Requests       uint64    `json:"total_requests"`
	Failures       uint64    `json:"failed_requests"`
	BytesIn        uint64    `json:"bytes_in"`
	BytesOut       uint64    `json:"bytes_out"`
	LastProbe      time.Time `json:"last_probe,omitzero"`
}

// NewBackend creates a healthy backend. Weights below 1 are raised to 1.
func NewBackend(host string, port, weight int) *Backend {
	if weight < 1 {
		weight = 1
	}
	return &Backend{
		Host:   host,
		Port:   port,
		Weight: weight,
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
	}
}

// FromConfig builds the backend set described by the configuration.
func FromConfig(cfgs []config.BackendConfig) []*Backend {
	out := make([]*Backend, 0, len(cfgs))
	for _, c := range cfgs {
		b := NewBackend(c.Host, c.Port, c.Weight)
		b.MaxConnections = c.MaxConnections
		out = append(out, b)
	}
	return out
}

// Address returns host:port.
func (b *Backend) Address() string { return b.addr }

func (b *Backend) String() string { return b.addr }

// Healthy reports whether the backend is UP.
func (b *Backend) Healthy() bool { return !b.down.Load() }

// MarkUp sets the backend UP and reports whether this was a transition.
func (b *Backend) MarkUp() bool { return b.down.CompareAndSwap(true, false) }

// MarkDown sets the backend DOWN and reports whether this was a transition.
func (b *Backend) MarkDown() bool { return b.down.CompareAndSwap(false, true) }

func (b *Backend) Active() int64 { return b.active.Load() }

// SessionStarted records a session bound to this backend.
func (b *Backend) SessionStarted() {
	b.active.Add(1)
}

// SessionEnded undoes SessionStarted.
func (b *Backend) SessionEnded() {
	b.active.Add(-1)
}

func (b *Backend) AddRequest() { b.requests.Add(1) }
func (b *Backend) AddFailure() { b.failures.Add(1) }
func (b *Backend) AddBytesIn(n int) { b.bytesIn.Add(uint64(n)) }
func (b *Backend) AddBytesOut(n int) { b.bytesOut.Add(uint64(n)) }
func (b *Backend) Requests() uint64 { return b.requests.Load() }
func (b *Backend) Failures() uint64 { return b.failures.Load() }
func (b *Backend) SetLastProbe(t time.Time) { b.lastProbe.Store(t.UnixNano()) }

// LastProbe returns the time of the most recent health probe, or the zero
// time if the backend was never probed.
func (b *Backend) LastProbe() time.Time {
	ns := b.lastProbe.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats returns a snapshot of the backend's counters.
func (b *Backend) Stats() BackendStats {
	return BackendStats{
		Address:        b.addr,
		Weight:         b.Weight,
		MaxConnections: b.MaxConnections,
		Healthy:        b.Healthy(),
		Active:         b.active.Load(),
		Requests:       b.requests.Load(),
		Failures:       b.failures.Load(),
		BytesIn:        b.bytesIn.Load(),
		BytesOut:       b.bytesOut.Load(),
		LastProbe:      b.LastProbe(),
	}
}
