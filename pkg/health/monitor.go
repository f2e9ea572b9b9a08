// Package health probes backends with plain TCP connects and flips their
// UP/DOWN state.
package health

import (
	"context"
	"time"

	"github.com/migadu/balancer/balancer"
	"github.com/migadu/balancer/logger"
	"github.com/migadu/balancer/pkg/metrics"
	"github.com/migadu/balancer/server"
	"golang.org/x/sys/unix"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 2 * time.Second
)

// Options configures a Monitor. Zero values take the defaults.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Dialer opens a connection for a probe. The returned descriptor is closed
// immediately.
type Dialer func(ctx context.Context, host string, port int, timeout time.Duration) (int, error)

// StatusCallback is invoked on every UP/DOWN transition.
type StatusCallback func(b *balancer.Backend, up bool)

// Monitor runs connect probes against backends. Probes never use pooled
// connections. A Monitor is driven from a single goroutine.
type Monitor struct {
	interval  time.Duration
	timeout   time.Duration
	dial      Dialer
	now       func() time.Time
	callbacks []StatusCallback
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithDialer replaces server.DialTCP.
func WithDialer(d Dialer) Option {
	return func(m *Monitor) { m.dial = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(opts Options, options ...Option) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	m := &Monitor{
		interval: opts.Interval,
		timeout:  opts.Timeout,
		dial:     server.DialTCP,
		now:      time.Now,
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Interval returns the minimum time between probes of one backend.
func (m *Monitor) Interval() time.Duration { return m.interval }

// AddStatusCallback registers fn to run synchronously on transitions.
func (m *Monitor) AddStatusCallback(fn StatusCallback) {
	m.callbacks = append(m.callbacks, fn)
}

// Probe opens and closes a fresh connection to b. It does not change b's
// health.
func (m *Monitor) Probe(ctx context.Context, b *balancer.Backend) bool {
	start := m.now()
	fd, err := m.dial(ctx, b.Host, b.Port, m.timeout)
	metrics.HealthProbeDuration.WithLabelValues(b.Address()).Observe(m.now().Sub(start).Seconds())
	if err != nil {
		metrics.HealthProbes.WithLabelValues(b.Address(), "failure").Inc()
		logger.Debugf("[HEALTH] probe of %s failed: %v", b.Address(), err)
		return false
	}
	unix.Close(fd)
	metrics.HealthProbes.WithLabelValues(b.Address(), "success").Inc()
	return true
}

// Check probes b, records the probe time and applies the result.
func (m *Monitor) Check(ctx context.Context, b *balancer.Backend) bool {
	b.SetLastProbe(m.now())
	ok := m.Probe(ctx, b)
	m.apply(b, ok)
	return ok
}

// SweepAll checks every backend whose last probe is at least one interval
// old and returns the number probed. The connects are synchronous; a slow
// backend delays the caller by up to the probe timeout.
func (m *Monitor) SweepAll(ctx context.Context, backends []*balancer.Backend) int {
	now := m.now()
	probed := 0
	for _, b := range backends {
		if ctx.Err() != nil {
			break
		}
		if last := b.LastProbe(); !last.IsZero() && now.Sub(last) < m.interval {
			continue
		}
		m.Check(ctx, b)
		probed++
	}
	return probed
}

func (m *Monitor) apply(b *balancer.Backend, ok bool) {
	var changed bool
	if ok {
		changed = b.MarkUp()
		if changed {
			logger.Infof("[HEALTH] backend %s is UP", b.Address())
		}
	} else {
		changed = b.MarkDown()
		if changed {
			logger.Warnf("[HEALTH] backend %s is DOWN", b.Address())
		}
	}

	up := 0.0
	if b.Healthy() {
		up = 1
	}
	metrics.BackendUp.WithLabelValues(b.Address()).Set(up)

	if changed {
		for _, fn := range m.callbacks {
			fn(b, ok)
		}
	}
}
