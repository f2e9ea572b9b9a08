package health

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/migadu/balancer/balancer"
	"github.com/migadu/balancer/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func listenBackend(t *testing.T) (*balancer.Backend, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	host, port := server.GetHostPortFromAddr(ln.Addr())
	return balancer.NewBackend(host, port, 1), ln
}

func closedPortBackend(t *testing.T) *balancer.Backend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port := server.GetHostPortFromAddr(ln.Addr())
	ln.Close()
	return balancer.NewBackend(host, port, 1)
}

func TestProbeReachableAndRefused(t *testing.T) {
	m := NewMonitor(Options{Timeout: time.Second})
	up, _ := listenBackend(t)
	assert.True(t, m.Probe(context.Background(), up))
	assert.True(t, up.Healthy(), "probe alone does not change health")

	down := closedPortBackend(t)
	assert.False(t, m.Probe(context.Background(), down))
	assert.True(t, down.Healthy())
}

func TestCheckTransitions(t *testing.T) {
	m := NewMonitor(Options{Timeout: time.Second})

	var transitions []bool
	m.AddStatusCallback(func(_ *balancer.Backend, up bool) {
		transitions = append(transitions, up)
	})

	b := closedPortBackend(t)
	assert.False(t, m.Check(context.Background(), b))
	assert.False(t, b.Healthy())
	assert.False(t, b.LastProbe().IsZero())

	// Still down: no second transition.
	m.Check(context.Background(), b)
	assert.Equal(t, []bool{false}, transitions)
}

func TestRecoveryIsImmediatelySelectable(t *testing.T) {
	fail := true
	m := NewMonitor(Options{Interval: time.Second}, WithDialer(
		func(ctx context.Context, host string, port int, timeout time.Duration) (int, error) {
			if fail {
				return -1, errors.New("refused")
			}
			fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
			if err != nil {
				return -1, err
			}
			unix.Close(fds[1])
			return fds[0], nil
		}))

	a := balancer.NewBackend("10.0.0.1", 1, 1)
	b := balancer.NewBackend("10.0.0.2", 1, 1)
	sel, err := balancer.NewSelector("rr", []*balancer.Backend{a, b})
	require.NoError(t, err)

	m.Check(context.Background(), b)
	require.False(t, b.Healthy())
	assert.Same(t, a, sel.Next(""))
	assert.Same(t, a, sel.Next(""))

	fail = false
	m.Check(context.Background(), b)
	require.True(t, b.Healthy())
	assert.Same(t, b, sel.Next(""))
}

func TestSweepAllRespectsInterval(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	dials := 0
	m := NewMonitor(Options{Interval: 5 * time.Second},
		WithClock(func() time.Time { return now }),
		WithDialer(func(ctx context.Context, host string, port int, timeout time.Duration) (int, error) {
			dials++
			return -1, errors.New("refused")
		}))

	backends := []*balancer.Backend{
		balancer.NewBackend("10.0.0.1", 1, 1),
		balancer.NewBackend("10.0.0.2", 1, 1),
	}

	assert.Equal(t, 2, m.SweepAll(context.Background(), backends))
	assert.Equal(t, 2, dials)

	now = now.Add(2 * time.Second)
	assert.Equal(t, 0, m.SweepAll(context.Background(), backends))

	now = now.Add(3 * time.Second)
	assert.Equal(t, 2, m.SweepAll(context.Background(), backends))
	assert.Equal(t, 4, dials)
}

func TestSweepAllStopsOnCancel(t *testing.T) {
	m := NewMonitor(Options{}, WithDialer(func(ctx context.Context, host string, port int, timeout time.Duration) (int, error) {
		return -1, errors.New("unreachable")
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, m.SweepAll(ctx, []*balancer.Backend{balancer.NewBackend("h", 1, 1)}))
}

func TestDefaults(t *testing.T) {
	m := NewMonitor(Options{})
	assert.Equal(t, DefaultInterval, m.Interval())
	assert.Equal(t, DefaultTimeout, m.timeout)
}
