// Package ratelimit applies token-bucket limits to new client connections,
// per client IP and across all clients.
package ratelimit

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/balancer/logger"
	"github.com/migadu/balancer/server"
	"golang.org/x/time/rate"
)

// Config sets the limits in connections per second. A zero rate disables
// that limit. Burst defaults to 1.
type Config struct {
	PerIP           float64
	Global          float64
	Burst           int
	TrustedNetworks []string
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Stats counts limiter decisions.
type Stats struct {
	Allowed       uint64  `json:"allowed"`
	Denied        uint64  `json:"denied"`
	DenialRate    float64 `json:"denial_rate"`
	ActiveClients int     `json:"active_clients"`
}

// Limiter decides whether a new connection may proceed. Safe for
// concurrent use.
type Limiter struct {
	perIP   rate.Limit
	burst   int
	global  *rate.Limiter
	trusted []*net.IPNet

	mu      sync.Mutex
	clients map[string]*client

	allowed atomic.Uint64
	denied  atomic.Uint64

	now func() time.Time
}

// New builds a Limiter. It fails only on malformed trusted networks.
func New(cfg Config) (*Limiter, error) {
	trusted, err := server.ParseTrustedNetworks(cfg.TrustedNetworks)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		perIP:   rate.Limit(cfg.PerIP),
		burst:   burst,
		trusted: trusted,
		clients: make(map[string]*client),
		now:     time.Now,
	}
	if cfg.Global > 0 {
		l.global = rate.NewLimiter(rate.Limit(cfg.Global), burst)
	}
	return l, nil
}

// Allow reports whether a connection from ip may be accepted now. The
// per-IP bucket is charged before the global one so a single noisy client
// cannot drain the shared budget once it is over its own limit.
func (l *Limiter) Allow(ip string) bool {
	now := l.now()
	if l.perIP > 0 && !l.isTrusted(ip) {
		if !l.clientLimiter(ip, now).AllowN(now, 1) {
			l.denied.Add(1)
			return false
		}
	}
	if l.global != nil && !l.global.AllowN(now, 1) {
		l.denied.Add(1)
		return false
	}
	l.allowed.Add(1)
	return true
}

func (l *Limiter) clientLimiter(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.perIP, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter
}

func (l *Limiter) isTrusted(ip string) bool {
	if len(l.trusted) == 0 {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range l.trusted {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// Cleanup forgets clients not seen for maxIdle and returns how many were
// removed.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		logger.Debug("Rate limiter: pruned idle clients", "removed", removed, "remaining", len(l.clients))
	}
	return removed
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	active := len(l.clients)
	l.mu.Unlock()

	s := Stats{
		Allowed:       l.allowed.Load(),
		Denied:        l.denied.Load(),
		ActiveClients: active,
	}
	if total := s.Allowed + s.Denied; total > 0 {
		s.DenialRate = float64(s.Denied) * 100 / float64(total)
	}
	return s
}
