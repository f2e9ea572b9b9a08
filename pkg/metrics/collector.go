package metrics

import (
	"context"
	"time"

	"github.com/migadu/balancer/logger"
)

// BackendSnapshot is the point-in-time state of one backend.
type BackendSnapshot struct {
	Address string
	Up      bool
	Active  int64
}

// Snapshot holds the gauges refreshed by the Collector.
type Snapshot struct {
	Uptime      time.Duration
	PoolEnabled bool
	PoolSize    int
	PoolHitRate float64
	Backends    []BackendSnapshot
}

// StatsProvider is implemented by the proxy. It must be safe to call from
// a goroutine other than the reactor.
type StatsProvider interface {
	MetricsSnapshot() Snapshot
}

// Collector periodically copies proxy state into Prometheus gauges.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 10 * time.Second
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start(ctx context.Context) {
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	snap := c.provider.MetricsSnapshot()

	UptimeSeconds.Set(snap.Uptime.Seconds())
	if snap.PoolEnabled {
		PoolSize.Set(float64(snap.PoolSize))
		PoolHitRate.Set(snap.PoolHitRate)
	}
	for _, b := range snap.Backends {
		up := 0.0
		if b.Up {
			up = 1
		}
		BackendUp.WithLabelValues(b.Address).Set(up)
		BackendActiveConnections.WithLabelValues(b.Address).Set(float64(b.Active))
	}

	logger.Debug("MetricsCollector: updated gauges", "backends", len(snap.Backends),
		"pool_size", snap.PoolSize)
}
