package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/migadu/balancer/balancer"
	"github.com/migadu/balancer/consts"
	"github.com/migadu/balancer/eventloop"
	"github.com/migadu/balancer/logger"
	"github.com/migadu/balancer/pkg/health"
	"github.com/migadu/balancer/pkg/metrics"
	"github.com/migadu/balancer/pkg/ratelimit"
	"github.com/migadu/balancer/pool"
	"github.com/migadu/balancer/server"
	"golang.org/x/sys/unix"
)

const (
	readBufferSize = 16 * 1024
	maxWait        = time.Second
	sweepInterval  = time.Second
	// Per-IP limiter state is dropped after this long without a connection.
	limiterRetention = 10 * time.Minute
)

type commandKind int

const (
	cmdDrain commandKind = iota
	cmdStop
)

type command struct {
	kind    commandKind
	timeout time.Duration
}

// Proxy is the reactor: one goroutine owns the event loop, the listener and
// every session. Drain, Stop, Stats and MetricsSnapshot may be called from
// other goroutines.
type Proxy struct {
	opts     Options
	loop     *eventloop.Loop
	listenFD int
	port     int

	selector *balancer.Selector
	pool     *pool.Pool
	monitor  *health.Monitor
	limiter  *ratelimit.Limiter

	// Reactor-owned state.
	sessions      map[int]*session // keyed by client fd
	readBuf       []byte
	draining      bool
	drainStart    time.Time
	drainDeadline time.Time
	lastSweep     time.Time

	cmds chan command
	done chan struct{}
	now  func() time.Time

	startedAt     time.Time
	accepted      atomic.Uint64
	requests      atomic.Uint64
	rejected      atomic.Uint64
	active        atomic.Int64
	drainingState atomic.Bool
}

// New binds the listener and builds the reactor's collaborators. A bind
// failure is returned to the caller, which treats it as fatal.
func New(opts Options, backends []*balancer.Backend) (*Proxy, error) {
	if len(backends) == 0 {
		return nil, consts.ErrNoBackends
	}
	selector, err := balancer.NewSelector(opts.Algorithm, backends)
	if err != nil {
		return nil, err
	}
	kind, err := eventloop.ParseKind(opts.EventBackend)
	if err != nil {
		return nil, err
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = pool.DefaultConnectTimeout
	}

	p := &Proxy{
		opts:     opts,
		listenFD: -1,
		selector: selector,
		monitor:  newMonitor(opts),
		sessions: make(map[int]*session),
		readBuf:  make([]byte, readBufferSize),
		cmds:     make(chan command, 8),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	p.startedAt = p.now()

	if opts.RateLimit != nil {
		if p.limiter, err = ratelimit.New(*opts.RateLimit); err != nil {
			return nil, err
		}
	}

	p.loop, err = eventloop.New(kind, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create event loop: %w", err)
	}

	if opts.PoolEnabled {
		cfg := opts.Pool
		if cfg.ConnectTimeout <= 0 {
			cfg.ConnectTimeout = opts.ConnectTimeout
		}
		if p.pool, err = pool.New(cfg); err != nil {
			p.loop.Close()
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
	}

	backlog := opts.Backlog
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	lfd, err := server.ListenReusePort(opts.ListenAddress, backlog)
	if err != nil {
		p.release()
		return nil, fmt.Errorf("failed to listen on %s: %w", opts.ListenAddress, err)
	}
	p.listenFD = lfd
	p.port, _ = server.LocalPort(lfd)

	if err := p.loop.Add(lfd, eventloop.Readable, acceptHandler{p}); err != nil {
		unix.Close(lfd)
		p.listenFD = -1
		p.release()
		return nil, fmt.Errorf("failed to watch listener: %w", err)
	}

	logger.Info("Proxy: listening", "addr", opts.ListenAddress, "port", p.port,
		"algorithm", selector.Algorithm(), "event_backend", p.loop.Backend().String(),
		"backends", len(backends), "pool", opts.PoolEnabled)
	return p, nil
}

// Port is the bound listen port.
func (p *Proxy) Port() int { return p.port }

// Selector exposes the backend set and algorithm.
func (p *Proxy) Selector() *balancer.Selector { return p.selector }

// Done is closed once Run has returned and all resources are released.
func (p *Proxy) Done() <-chan struct{} { return p.done }

// Draining reports whether the proxy has stopped accepting.
func (p *Proxy) Draining() bool { return p.drainingState.Load() }

// Drain stops accepting and lets active sessions finish. Sessions still
// open after timeout are closed and Run returns.
func (p *Proxy) Drain(timeout time.Duration) {
	p.send(command{kind: cmdDrain, timeout: timeout})
}

// Stop ends Run promptly, closing every session.
func (p *Proxy) Stop() {
	p.send(command{kind: cmdStop})
}

func (p *Proxy) send(c command) {
	select {
	case p.cmds <- c:
		p.loop.Wake()
	case <-p.done:
	}
}

// Run drives the reactor until the context is cancelled, Stop is called or
// a drain completes. Health probes and pool sweeps run between waits, so a
// slow probe delays event dispatch by up to the probe timeout.
func (p *Proxy) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, p.loop.Wake)
	defer stop()
	defer p.shutdown()

	p.lastSweep = p.now()

	for {
		if ctx.Err() != nil {
			logger.Info("Proxy: stopping", "reason", context.Cause(ctx), "active", len(p.sessions))
			return nil
		}
		if p.handleCommands() {
			return nil
		}
		if p.draining && p.drainFinished() {
			return nil
		}

		// Probes are synchronous; a draining proxy skips them so that the
		// deadline is not pushed out by unreachable backends.
		if !p.draining {
			p.monitor.SweepAll(ctx, p.selector.Backends())
		}
		p.maybeSweep()

		if _, err := p.loop.Run(p.waitTimeout()); err != nil {
			if errors.Is(err, consts.ErrLoopClosed) {
				return nil
			}
			return fmt.Errorf("event loop: %w", err)
		}
	}
}

func newMonitor(opts Options) *health.Monitor {
	if opts.HealthDialer != nil {
		return health.NewMonitor(opts.HealthCheck, health.WithDialer(opts.HealthDialer))
	}
	return health.NewMonitor(opts.HealthCheck)
}

// handleCommands applies queued commands and reports whether Run should
// return.
func (p *Proxy) handleCommands() bool {
	for {
		select {
		case c := <-p.cmds:
			switch c.kind {
			case cmdStop:
				logger.Info("Proxy: stop requested", "active", len(p.sessions))
				return true
			case cmdDrain:
				p.beginDrain(c.timeout)
			}
		default:
			return false
		}
	}
}

func (p *Proxy) beginDrain(timeout time.Duration) {
	if p.draining {
		return
	}
	p.draining = true
	p.drainingState.Store(true)
	p.drainStart = p.now()
	p.drainDeadline = p.drainStart.Add(timeout)
	p.closeListener()
	logger.Info("Proxy: draining, no longer accepting", "active", len(p.sessions), "timeout", timeout)
}

func (p *Proxy) drainFinished() bool {
	if len(p.sessions) == 0 {
		metrics.DrainDuration.Observe(p.now().Sub(p.drainStart).Seconds())
		logger.Info("Proxy: drain complete", "duration", p.now().Sub(p.drainStart))
		return true
	}
	if !p.now().Before(p.drainDeadline) {
		forced := p.closeAllSessions()
		metrics.DrainForcedSessions.Add(float64(forced))
		metrics.DrainDuration.Observe(p.now().Sub(p.drainStart).Seconds())
		logger.Warn("Proxy: drain deadline reached, closed remaining sessions", "forced", forced)
		return true
	}
	return false
}

func (p *Proxy) waitTimeout() time.Duration {
	if !p.draining {
		return maxWait
	}
	remaining := p.drainDeadline.Sub(p.now())
	if remaining < 0 {
		return 0
	}
	return min(remaining, maxWait)
}

func (p *Proxy) maybeSweep() {
	now := p.now()
	if now.Sub(p.lastSweep) < sweepInterval {
		return
	}
	p.lastSweep = now
	if p.pool != nil {
		p.pool.Sweep()
	}
	if p.limiter != nil {
		p.limiter.Cleanup(limiterRetention)
	}
}

func (p *Proxy) closeListener() {
	if p.listenFD < 0 {
		return
	}
	p.loop.Remove(p.listenFD)
	unix.Close(p.listenFD)
	p.listenFD = -1
}

func (p *Proxy) closeAllSessions() int {
	n := 0
	for _, s := range p.sessions {
		p.closeSession(s, endForced)
		n++
	}
	return n
}

func (p *Proxy) shutdown() {
	if forced := p.closeAllSessions(); forced > 0 {
		logger.Info("Proxy: closed active sessions on shutdown", "count", forced)
	}
	p.closeListener()
	p.release()
	close(p.done)
}

func (p *Proxy) release() {
	if p.pool != nil {
		p.pool.Close()
	}
	p.loop.Close()
}

// acceptHandler accepts every pending client on the listener.
type acceptHandler struct{ p *Proxy }

func (h acceptHandler) HandleEvent(fd int, _ eventloop.Events) {
	p := h.p
	for fd == p.listenFD {
		cfd, sa, err := server.Accept(fd)
		if err != nil {
			if errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			if !server.IsTemporary(err) {
				logger.Warn("Proxy: accept failed", "error", err)
			}
			return
		}
		p.admit(cfd, server.SockaddrIP(sa))
	}
}

func (p *Proxy) reject(fd int, ip, reason string) {
	p.rejected.Add(1)
	metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
	metrics.SessionsTotal.WithLabelValues("rejected").Inc()
	logger.Debug("Proxy: rejected connection", "client", ip, "reason", reason)
	unix.Close(fd)
}

// admit binds a freshly accepted client to a backend. Connecting is
// synchronous; a slow backend stalls the reactor for up to the connect
// timeout.
func (p *Proxy) admit(cfd int, ip string) {
	if p.opts.MaxSessions > 0 && len(p.sessions) >= p.opts.MaxSessions {
		p.reject(cfd, ip, "max_sessions")
		return
	}
	if p.limiter != nil && !p.limiter.Allow(ip) {
		p.reject(cfd, ip, "rate_limited")
		return
	}

	b := p.selector.Next(ip)
	bfd, hit, err := p.connect(b)
	if err != nil {
		b.AddFailure()
		metrics.BackendFailures.WithLabelValues(b.Address()).Inc()
		metrics.SessionsTotal.WithLabelValues("backend_error").Inc()
		if b.MarkDown() {
			metrics.BackendUp.WithLabelValues(b.Address()).Set(0)
			logger.Warn("Proxy: backend connect failed, marking DOWN", "backend", b.Address(), "error", err)
		} else {
			logger.Debug("Proxy: backend connect failed", "backend", b.Address(), "error", err)
		}
		unix.Close(cfd)
		return
	}

	s := newSession(cfd, bfd, ip, b, hit, p.now(), p.opts.Debug)
	if err := p.loop.Add(cfd, eventloop.Readable, clientRelayHandler{p, s}); err != nil {
		p.abort(s, err)
		return
	}
	if err := p.loop.Add(bfd, eventloop.Readable, backendRelayHandler{p, s}); err != nil {
		p.loop.Remove(cfd)
		p.abort(s, err)
		return
	}

	p.sessions[cfd] = s
	b.SessionStarted()
	p.accepted.Add(1)
	p.active.Add(1)
	metrics.SessionsTotal.WithLabelValues("accepted").Inc()
	metrics.SessionsActive.Inc()
	metrics.BackendActiveConnections.WithLabelValues(b.Address()).Inc()
	s.log.DebugLog("Session started", "pooled", hit)
}

func (p *Proxy) connect(b *balancer.Backend) (int, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ConnectTimeout)
	defer cancel()
	if p.pool != nil {
		return p.pool.Acquire(ctx, b.Host, b.Port)
	}
	fd, err := server.DialTCP(ctx, b.Host, b.Port, p.opts.ConnectTimeout)
	return fd, false, err
}

// abort undoes a session whose registration failed before it was tracked.
func (p *Proxy) abort(s *session, err error) {
	logger.Warn("Proxy: failed to register session", "error", err)
	unix.Close(s.clientFD)
	p.discardBackend(s.backendFD)
}

func (p *Proxy) discardBackend(fd int) {
	if p.pool != nil {
		p.pool.Invalidate(fd)
		return
	}
	unix.Close(fd)
}
