package proxy

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/migadu/balancer/balancer"
	"github.com/migadu/balancer/pkg/metrics"
	"github.com/migadu/balancer/pkg/ratelimit"
	"github.com/migadu/balancer/pool"
)

// Stats is a point-in-time view of the proxy. It is assembled from atomics
// and locked snapshots and may be taken from any goroutine.
type Stats struct {
	Uptime            time.Duration           `json:"-"`
	UptimeSeconds     float64                 `json:"uptime_seconds"`
	Algorithm         string                  `json:"algorithm"`
	EventBackend      string                  `json:"event_backend"`
	Port              int                     `json:"port"`
	TotalConnections  uint64                  `json:"total_connections"`
	TotalRequests     uint64                  `json:"total_requests"`
	RequestsPerSecond float64                 `json:"requests_per_second"`
	Rejected          uint64                  `json:"rejected"`
	ActiveSessions    int64                   `json:"active_sessions"`
	MaxSessions       int                     `json:"max_sessions"`
	Draining          bool                    `json:"draining"`
	PoolEnabled       bool                    `json:"pool_enabled"`
	Pool              pool.Stats              `json:"pool"`
	RateLimit         *ratelimit.Stats        `json:"rate_limit,omitempty"`
	Backends          []balancer.BackendStats `json:"backends"`
}

func (p *Proxy) Stats() Stats {
	uptime := p.now().Sub(p.startedAt)
	s := Stats{
		Uptime:           uptime,
		UptimeSeconds:    uptime.Seconds(),
		Algorithm:        p.selector.Algorithm(),
		EventBackend:     p.loop.Backend().String(),
		Port:             p.port,
		TotalConnections: p.accepted.Load(),
		TotalRequests:    p.requests.Load(),
		Rejected:         p.rejected.Load(),
		ActiveSessions:   p.active.Load(),
		MaxSessions:      p.opts.MaxSessions,
		Draining:         p.Draining(),
		PoolEnabled:      p.pool != nil,
	}
	if secs := uptime.Seconds(); secs >= 1 {
		s.RequestsPerSecond = float64(s.TotalRequests) / secs
	}
	if p.pool != nil {
		s.Pool = p.pool.Stats()
	}
	if p.limiter != nil {
		rl := p.limiter.Stats()
		s.RateLimit = &rl
	}
	for _, b := range p.selector.Backends() {
		s.Backends = append(s.Backends, b.Stats())
	}
	return s
}

// MetricsSnapshot feeds the periodic metrics collector.
func (p *Proxy) MetricsSnapshot() metrics.Snapshot {
	st := p.Stats()
	snap := metrics.Snapshot{
		Uptime:      st.Uptime,
		PoolEnabled: st.PoolEnabled,
		PoolSize:    st.Pool.Size,
		PoolHitRate: st.Pool.HitRate,
	}
	for _, b := range st.Backends {
		snap.Backends = append(snap.Backends, metrics.BackendSnapshot{
			Address: b.Address,
			Up:      b.Healthy,
			Active:  b.Active,
		})
	}
	return snap
}

// PrintStats writes the human-readable statistics table.
func (p *Proxy) PrintStats(w io.Writer) {
	st := p.Stats()
	rule := strings.Repeat("=", 68)
	thin := strings.Repeat("-", 68)

	maxSessions := "unlimited"
	if st.MaxSessions > 0 {
		maxSessions = fmt.Sprint(st.MaxSessions)
	}

	fmt.Fprintf(w, "\n%s\n  LOAD BALANCER STATS\n%s\n", rule, rule)
	fmt.Fprintf(w, "  Algorithm: %-20s  Uptime: %d seconds\n", st.Algorithm, int64(st.Uptime.Seconds()))
	fmt.Fprintf(w, "  Event backend: %-16s  Draining: %t\n", st.EventBackend, st.Draining)
	fmt.Fprintf(w, "  Total Requests: %-10d  Requests/sec: %.2f\n", st.TotalRequests, st.RequestsPerSecond)
	fmt.Fprintf(w, "  Active Connections: %d / %s  Rejected: %d\n", st.ActiveSessions, maxSessions, st.Rejected)
	if st.PoolEnabled {
		fmt.Fprintf(w, "%s\n  CONNECTION POOL:\n", thin)
		fmt.Fprintf(w, "    Pool Size: %d / %d  (free %d, in use %d)\n", st.Pool.Size, st.Pool.MaxSize, st.Pool.Free, st.Pool.InUse)
		fmt.Fprintf(w, "    Pool Hits: %d  Misses: %d  Evictions: %d\n", st.Pool.Hits, st.Pool.Misses, st.Pool.Evictions)
		fmt.Fprintf(w, "    Hit Rate: %.2f%%\n", st.Pool.HitRate)
	}
	if st.RateLimit != nil {
		fmt.Fprintf(w, "%s\n  RATE LIMIT: allowed %d  denied %d (%.2f%%)  clients %d\n", thin,
			st.RateLimit.Allowed, st.RateLimit.Denied, st.RateLimit.DenialRate, st.RateLimit.ActiveClients)
	}
	fmt.Fprintf(w, "%s\n", thin)
	fmt.Fprintf(w, "  %-21s | Wgt | Status | Active | Total   | Failed  | In / Out bytes\n", "Backend")
	fmt.Fprintf(w, "%s\n", thin)
	for _, b := range st.Backends {
		status := "UP"
		if !b.Healthy {
			status = "DOWN"
		}
		fmt.Fprintf(w, "  %-21s | %-3d | %-6s | %-6d | %-7d | %-7d | %d / %d\n",
			b.Address, b.Weight, status, b.Active, b.Requests, b.Failures, b.BytesIn, b.BytesOut)
	}
	fmt.Fprintf(w, "%s\n\n", rule)
}
