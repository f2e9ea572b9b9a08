package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/balancer/consts"
	"github.com/migadu/balancer/helpers"
	"gopkg.in/yaml.v3"
)

// Algorithm names accepted in configuration files and on the command line.
const (
	AlgorithmRoundRobin         = "rr"
	AlgorithmWeightedRoundRobin = "wrr"
	AlgorithmLeastConnections   = "lc"
	AlgorithmIPHash             = "iphash"
)

var algorithmAliases = map[string]string{
	"rr":                   AlgorithmRoundRobin,
	"round_robin":          AlgorithmRoundRobin,
	"roundrobin":           AlgorithmRoundRobin,
	"wrr":                  AlgorithmWeightedRoundRobin,
	"weighted":             AlgorithmWeightedRoundRobin,
	"weighted_round_robin": AlgorithmWeightedRoundRobin,
	"lc":                   AlgorithmLeastConnections,
	"least_connections":    AlgorithmLeastConnections,
	"leastconn":            AlgorithmLeastConnections,
	"iphash":               AlgorithmIPHash,
	"ip_hash":              AlgorithmIPHash,
}

// NormalizeAlgorithm maps an algorithm name or alias to its canonical short form.
func NormalizeAlgorithm(name string) (string, error) {
	if canonical, ok := algorithmAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return canonical, nil
	}
	return "", fmt.Errorf("%w: %q", consts.ErrUnknownAlgorithm, name)
}

// BackendConfig describes one upstream server.
type BackendConfig struct {
	Host           string `toml:"host" yaml:"host" json:"host"`
	Port           int    `toml:"port" yaml:"port" json:"port"`
	Weight         int    `toml:"weight" yaml:"weight" json:"weight"`                            // Relative share for wrr/lc (default: 1)
	MaxConnections int    `toml:"max_connections" yaml:"max_connections" json:"max_connections"` // Advisory, reported in stats only
}

// Address returns host:port suitable for net.Dial.
func (b BackendConfig) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// String renders the backend the way it is written on the command line.
func (b BackendConfig) String() string {
	return fmt.Sprintf("%s:%d:%d", b.Host, b.Port, b.Weight)
}

// PoolConfig holds backend connection pool settings.
type PoolConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	MaxSize     int    `toml:"max_size" yaml:"max_size" json:"max_size"`             // Maximum pooled connections across all backends
	TTL         string `toml:"ttl" yaml:"ttl" json:"ttl"`                            // Maximum connection age (e.g., "60s")
	MaxRequests int    `toml:"max_requests" yaml:"max_requests" json:"max_requests"` // Requests served before a connection is retired
	IdleTimeout string `toml:"idle_timeout" yaml:"idle_timeout" json:"idle_timeout"` // Free connections idle longer than this are swept
}

// GetTTL parses the pool TTL.
func (p *PoolConfig) GetTTL() (time.Duration, error) {
	return helpers.ParseDuration(p.TTL)
}

// GetIdleTimeout parses the pool idle timeout.
func (p *PoolConfig) GetIdleTimeout() (time.Duration, error) {
	return helpers.ParseDuration(p.IdleTimeout)
}

// HealthCheckConfig controls backend probing.
type HealthCheckConfig struct {
	Interval string `toml:"interval" yaml:"interval" json:"interval"` // Minimum time between probes of one backend
	Timeout  string `toml:"timeout" yaml:"timeout" json:"timeout"`    // Connect timeout for a probe
}

func (h *HealthCheckConfig) GetInterval() (time.Duration, error) {
	return helpers.ParseDuration(h.Interval)
}

func (h *HealthCheckConfig) GetTimeout() (time.Duration, error) {
	return helpers.ParseDuration(h.Timeout)
}

// RateLimitConfig holds accept-time rate limits. Zero disables a limit.
type RateLimitConfig struct {
	Enabled bool    `toml:"enabled" yaml:"enabled" json:"enabled"`
	PerIP   float64 `toml:"per_ip" yaml:"per_ip" json:"per_ip"` // Connections per second per client IP
	Global  float64 `toml:"global" yaml:"global" json:"global"` // Connections per second overall
	Burst   int     `toml:"burst" yaml:"burst" json:"burst"`

	TrustedNetworks []string `toml:"trusted_networks" yaml:"trusted_networks" json:"trusted_networks"` // CIDRs exempt from the per-IP limit
}

// MetricsConfig holds the stats/metrics HTTP endpoint configuration.
type MetricsConfig struct {
	Enabled         bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Addr            string `toml:"addr" yaml:"addr" json:"addr"`
	Path            string `toml:"path" yaml:"path" json:"path"`
	CollectInterval string `toml:"collect_interval" yaml:"collect_interval" json:"collect_interval"`

	APIKey       string   `toml:"api_key" yaml:"api_key" json:"api_key"`                   // Bearer token for /api/v1 (empty disables auth)
	AllowedHosts []string `toml:"allowed_hosts" yaml:"allowed_hosts" json:"allowed_hosts"` // Client IPs or CIDRs allowed to query (empty allows all)
}

func (m *MetricsConfig) GetCollectInterval() (time.Duration, error) {
	return helpers.ParseDuration(m.CollectInterval)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output" yaml:"output" json:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format" yaml:"format" json:"format"` // Log format: "json" or "console"
	Level  string `toml:"level" yaml:"level" json:"level"`    // Log level: "debug", "info", "warn", "error"
}

// Config is the top-level balancer configuration.
type Config struct {
	ListenPort     int    `toml:"listen_port" yaml:"listen_port" json:"listen_port"`
	BindAddress    string `toml:"bind_address" yaml:"bind_address" json:"bind_address"`
	Backlog        int    `toml:"backlog" yaml:"backlog" json:"backlog"`
	Algorithm      string `toml:"algorithm" yaml:"algorithm" json:"algorithm"`             // rr, wrr, lc, iphash
	EventBackend   string `toml:"event_backend" yaml:"event_backend" json:"event_backend"` // auto, epoll, kqueue, select
	ConnectTimeout string `toml:"connect_timeout" yaml:"connect_timeout" json:"connect_timeout"`
	DrainTimeout   string `toml:"drain_timeout" yaml:"drain_timeout" json:"drain_timeout"`
	MaxSessions    int    `toml:"max_sessions" yaml:"max_sessions" json:"max_sessions"`
	PIDFile        string `toml:"pid_file" yaml:"pid_file" json:"pid_file"`

	Backends    []BackendConfig   `toml:"backends" yaml:"backends" json:"backends"`
	Pool        PoolConfig        `toml:"pool" yaml:"pool" json:"pool"`
	HealthCheck HealthCheckConfig `toml:"health_check" yaml:"health_check" json:"health_check"`
	RateLimit   RateLimitConfig   `toml:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
	Metrics     MetricsConfig     `toml:"metrics" yaml:"metrics" json:"metrics"`
	Logging     LoggingConfig     `toml:"logging" yaml:"logging" json:"logging"`
}

// NewDefaultConfig returns a Config populated with default values.
func NewDefaultConfig() Config {
	return Config{
		ListenPort:     8080,
		BindAddress:    "0.0.0.0",
		Backlog:        128,
		Algorithm:      AlgorithmWeightedRoundRobin,
		EventBackend:   "auto",
		ConnectTimeout: "5s",
		DrainTimeout:   "30s",
		MaxSessions:    4096,
		Pool: PoolConfig{
			Enabled:     true,
			MaxSize:     64,
			TTL:         "60s",
			MaxRequests: 1000,
			IdleTimeout: "30s",
		},
		HealthCheck: HealthCheckConfig{
			Interval: "5s",
			Timeout:  "2s",
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			PerIP:   100,
			Global:  0,
			Burst:   10,
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			Addr:            "127.0.0.1:9090",
			Path:            "/metrics",
			CollectInterval: "10s",
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
	}
}

func (c *Config) GetConnectTimeout() (time.Duration, error) {
	return helpers.ParseDuration(c.ConnectTimeout)
}

func (c *Config) GetDrainTimeout() (time.Duration, error) {
	return helpers.ParseDuration(c.DrainTimeout)
}

// GetConnectTimeoutWithDefault returns the connect timeout, falling back to 5s.
func (c *Config) GetConnectTimeoutWithDefault() time.Duration {
	timeout, err := c.GetConnectTimeout()
	if err != nil || timeout <= 0 {
		if err != nil {
			log.Printf("WARNING: Failed to parse connect timeout: %v, using default (5s)", err)
		}
		return 5 * time.Second
	}
	return timeout
}

// GetDrainTimeoutWithDefault returns the drain deadline, falling back to 30s.
func (c *Config) GetDrainTimeoutWithDefault() time.Duration {
	timeout, err := c.GetDrainTimeout()
	if err != nil || timeout <= 0 {
		if err != nil {
			log.Printf("WARNING: Failed to parse drain timeout: %v, using default (30s)", err)
		}
		return 30 * time.Second
	}
	return timeout
}

// ListenAddress returns bind_address:listen_port.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.ListenPort)
}

// Validate checks that the configuration can be served. Backends with a zero
// weight are normalized to weight 1 and the algorithm name is canonicalized.
func (c *Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: got %d", consts.ErrInvalidListenPort, c.ListenPort)
	}
	if len(c.Backends) == 0 {
		return consts.ErrNoBackends
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Host == "" {
			return fmt.Errorf("%w: backend %d has no host", consts.ErrInvalidBackend, i)
		}
		if b.Port < 1 || b.Port > 65535 {
			return fmt.Errorf("%w: backend %s has invalid port %d", consts.ErrInvalidBackend, b.Host, b.Port)
		}
		if b.Weight < 0 {
			return fmt.Errorf("%w: backend %s has negative weight", consts.ErrInvalidBackend, b.Address())
		}
		if b.Weight == 0 {
			b.Weight = 1
		}
	}

	algo, err := NormalizeAlgorithm(c.Algorithm)
	if err != nil {
		return err
	}
	c.Algorithm = algo

	if c.Pool.Enabled && c.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool: %w", consts.ErrPoolInvalidSize)
	}
	if _, err := c.Pool.GetTTL(); err != nil {
		return fmt.Errorf("pool.ttl: %w", err)
	}
	if _, err := c.Pool.GetIdleTimeout(); err != nil {
		return fmt.Errorf("pool.idle_timeout: %w", err)
	}
	if _, err := c.HealthCheck.GetInterval(); err != nil {
		return fmt.Errorf("health_check.interval: %w", err)
	}
	if _, err := c.HealthCheck.GetTimeout(); err != nil {
		return fmt.Errorf("health_check.timeout: %w", err)
	}
	if _, err := c.GetConnectTimeout(); err != nil {
		return fmt.Errorf("connect_timeout: %w", err)
	}
	if _, err := c.GetDrainTimeout(); err != nil {
		return fmt.Errorf("drain_timeout: %w", err)
	}

	switch strings.ToLower(c.EventBackend) {
	case "", "auto", "epoll", "kqueue", "select":
	default:
		return fmt.Errorf("unknown event_backend %q", c.EventBackend)
	}
	return nil
}

// Equal reports whether two configurations would produce the same serving
// topology: listen port, algorithm and the ordered backend list
// (host, port, weight). Other fields do not warrant a process handoff.
func (c *Config) Equal(other *Config) bool {
	if other == nil {
		return false
	}
	if c.ListenPort != other.ListenPort || c.Algorithm != other.Algorithm {
		return false
	}
	if len(c.Backends) != len(other.Backends) {
		return false
	}
	for i := range c.Backends {
		a, b := c.Backends[i], other.Backends[i]
		if a.Host != b.Host || a.Port != b.Port || a.Weight != b.Weight {
			return false
		}
	}
	return true
}

// ParseBackend parses "host:port[:weight]". IPv6 hosts must be bracketed,
// e.g. "[::1]:8080:2".
func ParseBackend(spec string) (BackendConfig, error) {
	spec = strings.TrimSpace(spec)
	var host, rest string
	if strings.HasPrefix(spec, "[") {
		end := strings.Index(spec, "]")
		if end < 0 || end+1 >= len(spec) || spec[end+1] != ':' {
			return BackendConfig{}, fmt.Errorf("%w: %q", consts.ErrInvalidBackend, spec)
		}
		host, rest = spec[1:end], spec[end+2:]
	} else {
		idx := strings.Index(spec, ":")
		if idx <= 0 {
			return BackendConfig{}, fmt.Errorf("%w: %q (expected host:port[:weight])", consts.ErrInvalidBackend, spec)
		}
		host, rest = spec[:idx], spec[idx+1:]
	}

	parts := strings.Split(rest, ":")
	if len(parts) > 2 {
		return BackendConfig{}, fmt.Errorf("%w: %q (expected host:port[:weight])", consts.ErrInvalidBackend, spec)
	}
	port, err := strconv.Atoi(parts[0])
	if err != nil || port < 1 || port > 65535 {
		return BackendConfig{}, fmt.Errorf("%w: %q has invalid port", consts.ErrInvalidBackend, spec)
	}
	weight := 1
	if len(parts) == 2 {
		weight, err = strconv.Atoi(parts[1])
		if err != nil || weight < 1 {
			return BackendConfig{}, fmt.Errorf("%w: %q has invalid weight", consts.ErrInvalidBackend, spec)
		}
	}
	return BackendConfig{Host: host, Port: port, Weight: weight}, nil
}

// LoadConfigFromFile decodes the file at configPath into cfg. The format is
// chosen by extension: .yaml/.yml, .json, anything else is TOML.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML configuration: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON configuration: %w", err)
		}
	default:
		metadata, err := toml.Decode(string(content), cfg)
		if err != nil {
			return enhanceConfigError(err)
		}
		// Warn about unknown keys (might be typos or deprecated settings)
		if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
			log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
			for _, key := range undecoded {
				log.Printf("WARNING:   - %s", key)
			}
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// LoadAndValidate loads a fresh configuration from path on top of the
// defaults, applies overrides in order and validates the result.
func LoadAndValidate(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(path, &cfg); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file", err)
	}
	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: In TOML, boolean values must be exactly 'true' or 'false'", err)
	}
	if strings.Contains(errMsg, "[[backends]]") || strings.Contains(errMsg, "backends") {
		return fmt.Errorf("%w\n\nHINT: Backends are declared as [[backends]] tables with host, port and weight", err)
	}
	return fmt.Errorf("failed to parse TOML configuration: %w", err)
}

// trimStringFields recursively trims whitespace from all string fields.
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if field := v.Field(i); field.CanSet() {
				trimStringFields(field)
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
