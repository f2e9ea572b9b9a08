package proxy

import (
	"time"

	"github.com/migadu/balancer/config"
	"github.com/migadu/balancer/pkg/health"
	"github.com/migadu/balancer/pkg/ratelimit"
	"github.com/migadu/balancer/pool"
)

// Options configures a Proxy.
type Options struct {
	ListenAddress  string
	Backlog        int
	Algorithm      string
	EventBackend   string
	ConnectTimeout time.Duration
	MaxSessions    int // 0 means unlimited

	PoolEnabled bool
	Pool        pool.Config

	HealthCheck health.Options
	// HealthDialer replaces the probe connect. Nil uses server.DialTCP.
	HealthDialer health.Dialer

	// RateLimit is nil when accept-time rate limiting is off.
	RateLimit *ratelimit.Config

	// Debug enables per-session debug logging.
	Debug bool
}

// OptionsFromConfig maps a validated configuration onto proxy options.
func OptionsFromConfig(cfg *config.Config) Options {
	connectTimeout := cfg.GetConnectTimeoutWithDefault()

	ttl, _ := cfg.Pool.GetTTL()
	idle, _ := cfg.Pool.GetIdleTimeout()
	interval, _ := cfg.HealthCheck.GetInterval()
	probeTimeout, _ := cfg.HealthCheck.GetTimeout()

	opts := Options{
		ListenAddress:  cfg.ListenAddress(),
		Backlog:        cfg.Backlog,
		Algorithm:      cfg.Algorithm,
		EventBackend:   cfg.EventBackend,
		ConnectTimeout: connectTimeout,
		MaxSessions:    cfg.MaxSessions,
		PoolEnabled:    cfg.Pool.Enabled,
		Pool: pool.Config{
			MaxSize:        cfg.Pool.MaxSize,
			TTL:            ttl,
			MaxRequests:    cfg.Pool.MaxRequests,
			IdleTimeout:    idle,
			ConnectTimeout: connectTimeout,
		},
		HealthCheck: health.Options{
			Interval: interval,
			Timeout:  probeTimeout,
		},
		Debug: cfg.Logging.Level == "debug",
	}
	if cfg.RateLimit.Enabled {
		opts.RateLimit = &ratelimit.Config{
			PerIP:           cfg.RateLimit.PerIP,
			Global:          cfg.RateLimit.Global,
			Burst:           cfg.RateLimit.Burst,
			TrustedNetworks: cfg.RateLimit.TrustedNetworks,
		}
	}
	return opts
}
