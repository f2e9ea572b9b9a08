package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *clock) {
	t.Helper()
	l, err := New(cfg)
	require.NoError(t, err)
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l.now = c.now
	return l, c
}

func TestPerIPBurstThenRefill(t *testing.T) {
	l, c := newTestLimiter(t, Config{PerIP: 1, Burst: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("192.0.2.1"), "burst request %d", i)
	}
	assert.False(t, l.Allow("192.0.2.1"))
	assert.True(t, l.Allow("192.0.2.2"), "other clients have their own bucket")

	c.t = c.t.Add(time.Second)
	assert.True(t, l.Allow("192.0.2.1"))
	assert.False(t, l.Allow("192.0.2.1"))

	s := l.Stats()
	assert.Equal(t, uint64(5), s.Allowed)
	assert.Equal(t, uint64(2), s.Denied)
	assert.Equal(t, 2, s.ActiveClients)
	assert.InDelta(t, 28.57, s.DenialRate, 0.01)
}

func TestGlobalLimit(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Global: 1, Burst: 2})
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("c"))
	assert.Equal(t, 0, l.Stats().ActiveClients, "no per-IP state without a per-IP rate")
}

func TestZeroRatesDisableLimits(t *testing.T) {
	l, _ := newTestLimiter(t, Config{})
	for i := 0; i < 1000; i++ {
		require.True(t, l.Allow("198.51.100.9"))
	}
}

func TestTrustedNetworksBypassPerIP(t *testing.T) {
	l, _ := newTestLimiter(t, Config{PerIP: 1, Burst: 1, TrustedNetworks: []string{"10.0.0.0/8", "127.0.0.1"}})
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("10.1.2.3"))
		assert.True(t, l.Allow("127.0.0.1"))
	}
	assert.True(t, l.Allow("203.0.113.5"))
	assert.False(t, l.Allow("203.0.113.5"))
}

func TestInvalidTrustedNetwork(t *testing.T) {
	_, err := New(Config{TrustedNetworks: []string{"not-a-network"}})
	assert.Error(t, err)
}

func TestCleanup(t *testing.T) {
	l, c := newTestLimiter(t, Config{PerIP: 10, Burst: 10})
	l.Allow("a")
	c.t = c.t.Add(time.Minute)
	l.Allow("b")

	assert.Equal(t, 1, l.Cleanup(30*time.Second))
	assert.Equal(t, 1, l.Stats().ActiveClients)
}
