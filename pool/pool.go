// Package pool keeps idle backend connections for reuse.
//
// The pool is a fixed arena of slots. Occupied slots are threaded through an
// LRU order list; the most recently used entry sits at the end. Acquire scans
// from the most recent end so the most recently released matching
// connection is handed out first, and capacity pressure evicts the least
// recently used Free entry.
//
// All methods are safe for concurrent use.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/balancer/consts"
	"github.com/migadu/balancer/logger"
	"github.com/migadu/balancer/pkg/metrics"
	"github.com/migadu/balancer/server"
	"golang.org/x/sys/unix"
)

const (
	DefaultMaxRequests    = 1000
	DefaultIdleTimeout    = 30 * time.Second
	DefaultConnectTimeout = 2 * time.Second
)

// Config holds pool limits. Zero TTL means connections never age out.
type Config struct {
	MaxSize        int
	TTL            time.Duration
	MaxRequests    int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
}

// Dialer opens a non-blocking connection to a backend.
type Dialer func(ctx context.Context, host string, port int, timeout time.Duration) (int, error)

type state uint8

const (
	stateEmpty state = iota
	stateConnecting
	stateFree
	stateInUse
)

type entry struct {
	fd       int
	host     string
	port     int
	created  time.Time
	lastUsed time.Time
	requests int
	state    state
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Free      int     `json:"free"`
	InUse     int     `json:"in_use"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Pool is a bounded, LRU-ordered set of backend connections.
type Pool struct {
	mu    sync.Mutex
	cfg   Config
	slots []entry
	order []int       // occupied slot ids, LRU first
	byFD  map[int]int // fd -> slot id
	size  int         // occupied slots, including ones still dialing

	hits      uint64
	misses    uint64
	evictions uint64
	closed    bool

	now   func() time.Time
	dial  Dialer
	alive func(fd int) bool
}

// Option customizes a Pool.
type Option func(*Pool)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithDialer replaces the connection factory.
func WithDialer(d Dialer) Option {
	return func(p *Pool) { p.dial = d }
}

// WithLivenessProbe replaces the idle-connection liveness check.
func WithLivenessProbe(alive func(fd int) bool) Option {
	return func(p *Pool) { p.alive = alive }
}

// New creates a pool. MaxRequests, IdleTimeout and ConnectTimeout fall back
// to their defaults when zero.
func New(cfg Config, opts ...Option) (*Pool, error) {
	if cfg.MaxSize <= 0 {
		return nil, consts.ErrPoolInvalidSize
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	p := &Pool{
		cfg:   cfg,
		slots: make([]entry, cfg.MaxSize),
		order: make([]int, 0, cfg.MaxSize),
		byFD:  make(map[int]int, cfg.MaxSize),
		now:   time.Now,
		dial:  server.DialTCP,
		alive: IsAlive,
	}
	for i := range p.slots {
		p.slots[i].fd = -1
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Acquire returns a connection to host:port. A pooled Free connection that
// passes validation is reused (hit). Otherwise a new connection is dialed
// synchronously (miss); if every slot is in use the new connection is
// returned unpooled and will simply be closed on Release.
func (p *Pool) Acquire(ctx context.Context, host string, port int) (fd int, hit bool, err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return -1, false, consts.ErrPoolClosed
	}

	now := p.now()
	for i := len(p.order) - 1; i >= 0; i-- {
		id := p.order[i]
		e := &p.slots[id]
		if e.state != stateFree || e.host != host || e.port != port {
			continue
		}
		if reason := p.rejectReason(e, now); reason != "" {
			p.discardLocked(id, reason)
			continue
		}

		e.state = stateInUse
		e.lastUsed = now
		e.requests++
		p.touchLocked(id)
		p.hits++
		fd := e.fd
		p.mu.Unlock()
		metrics.PoolHits.Inc()
		return fd, true, nil
	}

	p.misses++
	metrics.PoolMisses.Inc()

	id := p.emptySlotLocked()
	if id < 0 {
		id = p.evictLRULocked()
	}
	if id < 0 {
		p.mu.Unlock()
		fd, err := p.dial(ctx, host, port, p.cfg.ConnectTimeout)
		return fd, false, err
	}

	// Reserve the slot so concurrent acquirers cannot overfill the pool
	// while we dial without the lock.
	p.slots[id] = entry{fd: -1, host: host, port: port, state: stateConnecting}
	p.size++
	p.mu.Unlock()

	fd, err = p.dial(ctx, host, port, p.cfg.ConnectTimeout)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.slots[id] = entry{fd: -1}
		p.size--
		return -1, false, err
	}
	if p.closed {
		p.slots[id] = entry{fd: -1}
		p.size--
		return fd, false, nil
	}

	now = p.now()
	p.slots[id] = entry{
		fd:       fd,
		host:     host,
		port:     port,
		created:  now,
		lastUsed: now,
		requests: 1,
		state:    stateInUse,
	}
	p.byFD[fd] = id
	p.order = append(p.order, id)
	return fd, false, nil
}

// Release hands a connection back after a session. It is kept only if it
// is tracked, belongs to host:port, is still alive and is under its usage
// cap; otherwise it is closed. Releasing a connection that is not in use is
// ignored.
func (p *Pool) Release(fd int, host string, port int) {
	if fd < 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.byFD[fd]
	if !ok {
		unix.Close(fd)
		return
	}
	e := &p.slots[id]
	if e.state != stateInUse {
		// Already returned; the entry stays where it is.
		return
	}
	if !p.closed && e.host == host && e.port == port &&
		e.requests < p.cfg.MaxRequests && p.alive(fd) {
		e.state = stateFree
		e.lastUsed = p.now()
		p.touchLocked(id)
		return
	}
	p.vacateLocked(id)
}

// Invalidate closes fd and removes it from the pool if tracked.
func (p *Pool) Invalidate(fd int) {
	if fd < 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byFD[fd]; ok {
		p.vacateLocked(id)
		return
	}
	unix.Close(fd)
}

// Sweep closes Free connections that are past their TTL, idle longer than
// the idle timeout, or dead. It returns the number evicted.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	evicted := 0
	for i := len(p.order) - 1; i >= 0; i-- {
		id := p.order[i]
		e := &p.slots[id]
		if e.state != stateFree {
			continue
		}
		var reason string
		switch {
		case p.cfg.TTL > 0 && now.Sub(e.created) > p.cfg.TTL:
			reason = "ttl"
		case now.Sub(e.lastUsed) > p.cfg.IdleTimeout:
			reason = "idle"
		case !p.alive(e.fd):
			reason = "dead"
		default:
			continue
		}
		p.discardLocked(id, reason)
		evicted++
	}
	if evicted > 0 {
		logger.Debug("Pool: swept idle connections", "evicted", evicted, "size", p.size)
	}
	return evicted
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Size:      p.size,
		MaxSize:   p.cfg.MaxSize,
		Hits:      p.hits,
		Misses:    p.misses,
		Evictions: p.evictions,
	}
	for _, id := range p.order {
		switch p.slots[id].state {
		case stateFree:
			s.Free++
		case stateInUse:
			s.InUse++
		}
	}
	if total := p.hits + p.misses; total > 0 {
		s.HitRate = float64(p.hits) * 100 / float64(total)
	}
	return s
}

// Close closes every Free connection and rejects further Acquire calls.
// Connections still in use stay open; releasing them afterwards closes them.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for i := len(p.order) - 1; i >= 0; i-- {
		id := p.order[i]
		if p.slots[id].state == stateFree {
			p.vacateLocked(id)
		}
	}
}

func (p *Pool) rejectReason(e *entry, now time.Time) string {
	switch {
	case p.cfg.TTL > 0 && now.Sub(e.created) > p.cfg.TTL:
		return "ttl"
	case e.requests >= p.cfg.MaxRequests:
		return "max_requests"
	case !p.alive(e.fd):
		return "dead"
	}
	return ""
}

func (p *Pool) emptySlotLocked() int {
	if p.size >= len(p.slots) {
		return -1
	}
	for i := range p.slots {
		if p.slots[i].state == stateEmpty {
			return i
		}
	}
	return -1
}

// evictLRULocked frees the least recently used Free slot, or returns -1 if
// every occupied slot is in use or dialing.
func (p *Pool) evictLRULocked() int {
	for _, id := range p.order {
		if p.slots[id].state == stateFree {
			p.discardLocked(id, "lru")
			return id
		}
	}
	return -1
}

func (p *Pool) discardLocked(id int, reason string) {
	p.evictions++
	metrics.PoolEvictions.WithLabelValues(reason).Inc()
	p.vacateLocked(id)
}

// vacateLocked closes the slot's descriptor and returns the slot to empty.
func (p *Pool) vacateLocked(id int) {
	e := &p.slots[id]
	if e.fd >= 0 {
		delete(p.byFD, e.fd)
		unix.Close(e.fd)
	}
	for i, other := range p.order {
		if other == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	*e = entry{fd: -1}
	p.size--
}

// touchLocked moves id to the most recently used end.
func (p *Pool) touchLocked(id int) {
	for i, other := range p.order {
		if other == id {
			copy(p.order[i:], p.order[i+1:])
			p.order[len(p.order)-1] = id
			return
		}
	}
}
