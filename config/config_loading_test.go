package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/balancer/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	return path
}

// TestLoadConfigFromFile_UnknownKeys tests that unknown keys produce warnings but don't fail
func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	path := writeConfig(t, "unknown.toml", `
listen_port = 9000
typo_setting = 123

[[backends]]
host = "10.0.0.1"
port = 8081
another_unknown = "value"
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	assert.Equal(t, 9000, cfg.ListenPort)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "10.0.0.1", cfg.Backends[0].Host)
}

func TestLoadConfigFromFile_TOML(t *testing.T) {
	path := writeConfig(t, "lb.toml", `
listen_port = 8443
algorithm = "least_connections"
drain_timeout = "10s"

[[backends]]
host = " app1 "
port = 9001
weight = 3

[[backends]]
host = "app2"
port = 9002

[pool]
enabled = true
max_size = 16
ttl = "2m"

[logging]
level = "debug"
`)

	cfg, err := LoadAndValidate(path)
	require.NoError(t, err)
	assert.Equal(t, 8443, cfg.ListenPort)
	assert.Equal(t, AlgorithmLeastConnections, cfg.Algorithm)
	assert.Equal(t, "app1", cfg.Backends[0].Host, "string fields are trimmed")
	assert.Equal(t, 3, cfg.Backends[0].Weight)
	assert.Equal(t, 1, cfg.Backends[1].Weight, "zero weight normalized to 1")
	assert.Equal(t, 16, cfg.Pool.MaxSize)
	assert.Equal(t, 1000, cfg.Pool.MaxRequests, "defaults survive partial tables")

	ttl, err := cfg.Pool.GetTTL()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, ttl)
	assert.Equal(t, 10*time.Second, cfg.GetDrainTimeoutWithDefault())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigFromFile_YAML(t *testing.T) {
	path := writeConfig(t, "lb.yaml", `
listen_port: 8081
algorithm: iphash
backends:
  - host: 127.0.0.1
    port: 9001
    weight: 2
  - host: 127.0.0.1
    port: 9002
rate_limit:
  enabled: true
  per_ip: 5
  burst: 2
`)

	cfg, err := LoadAndValidate(path)
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.ListenPort)
	assert.Equal(t, AlgorithmIPHash, cfg.Algorithm)
	require.Len(t, cfg.Backends, 2)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 5.0, cfg.RateLimit.PerIP)
}

func TestLoadConfigFromFile_JSON(t *testing.T) {
	path := writeConfig(t, "lb.json", `{
  "listen_port": 8082,
  "algorithm": "round_robin",
  "backends": [{"host": "a", "port": 1}, {"host": "b", "port": 2, "weight": 4}]
}`)

	cfg, err := LoadAndValidate(path)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmRoundRobin, cfg.Algorithm)
	assert.Equal(t, 4, cfg.Backends[1].Weight)
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.toml"), &cfg)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadConfigFromFile_Malformed(t *testing.T) {
	path := writeConfig(t, "bad.toml", "listen_port = \n")
	cfg := NewDefaultConfig()
	assert.Error(t, LoadConfigFromFile(path, &cfg))
}

func TestLoadAndValidate_Overrides(t *testing.T) {
	path := writeConfig(t, "lb.toml", "algorithm = \"rr\"\n")

	_, err := LoadAndValidate(path)
	require.ErrorIs(t, err, consts.ErrNoBackends)

	cfg, err := LoadAndValidate(path, func(c *Config) {
		c.ListenPort = 9090
		c.Backends = []BackendConfig{{Host: "127.0.0.1", Port: 9001}}
	})
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.ListenPort)
	assert.Equal(t, AlgorithmRoundRobin, cfg.Algorithm)
}
