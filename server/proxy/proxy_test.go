package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/migadu/balancer/balancer"
	"github.com/migadu/balancer/pkg/health"
	"github.com/migadu/balancer/pkg/ratelimit"
	"github.com/migadu/balancer/pool"
	"github.com/migadu/balancer/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type backendMode int

const (
	respondKeepAlive backendMode = iota
	respondAndClose
	holdOpen
)

type seenRequest struct {
	conn int
	req  *http.Request
}

// testBackend is a tiny HTTP server that records which connection carried
// each request.
type testBackend struct {
	ln      net.Listener
	backend *balancer.Backend
	mode    backendMode

	mu       sync.Mutex
	nextConn int
	seen     []seenRequest
}

func startBackend(t *testing.T, mode backendMode) *testBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port := server.GetHostPortFromAddr(ln.Addr())
	tb := &testBackend{ln: ln, backend: balancer.NewBackend(host, port, 1), mode: mode}
	t.Cleanup(func() { ln.Close() })
	go tb.serve()
	return tb
}

func (tb *testBackend) serve() {
	for {
		c, err := tb.ln.Accept()
		if err != nil {
			return
		}
		tb.mu.Lock()
		tb.nextConn++
		id := tb.nextConn
		tb.mu.Unlock()
		go tb.handle(id, c)
	}
}

func (tb *testBackend) handle(id int, c net.Conn) {
	defer c.Close()
	if tb.mode == holdOpen {
		io.Copy(io.Discard, c)
		return
	}
	br := bufio.NewReader(c)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		tb.mu.Lock()
		tb.seen = append(tb.seen, seenRequest{conn: id, req: req})
		tb.mu.Unlock()

		resp := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n"
		if tb.mode == respondAndClose {
			resp += "Connection: close\r\n"
		}
		resp += "\r\nok"
		if _, err := io.WriteString(c, resp); err != nil {
			return
		}
		if tb.mode == respondAndClose {
			return
		}
	}
}

func (tb *testBackend) requests() []seenRequest {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return append([]seenRequest(nil), tb.seen...)
}

func startProxy(t *testing.T, opts Options, backends ...*balancer.Backend) (*Proxy, <-chan error) {
	t.Helper()
	if opts.ListenAddress == "" {
		opts.ListenAddress = "127.0.0.1:0"
	}
	if opts.Algorithm == "" {
		opts.Algorithm = "rr"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Second
	}
	p, err := New(opts, backends)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-p.Done():
		case <-time.After(5 * time.Second):
			t.Error("proxy did not stop")
		}
	})
	return p, errCh
}

func dialProxy(t *testing.T, p *Proxy) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", p.Port()), time.Second)
	require.NoError(t, err)
	c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { c.Close() })
	return c
}

func doRequest(t *testing.T, c net.Conn, raw string) string {
	t.Helper()
	_, err := io.WriteString(c, raw)
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func waitIdle(t *testing.T, p *Proxy) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().ActiveSessions == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestRelayInjectsForwardedHeaders(t *testing.T) {
	tb := startBackend(t, respondAndClose)
	p, _ := startProxy(t, Options{}, tb.backend)

	c := dialProxy(t, p)
	_, err := io.WriteString(c, "GET /hello HTTP/1.0\r\nHost: test\r\n\r\n")
	require.NoError(t, err)
	resp, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(resp, []byte("\r\n\r\nok")), "response relayed intact: %q", resp)

	reqs := tb.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/hello", reqs[0].req.URL.Path)
	assert.Equal(t, "127.0.0.1", reqs[0].req.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "127.0.0.1", reqs[0].req.Header.Get("X-Real-IP"))

	waitIdle(t, p)
	st := p.Stats()
	assert.Equal(t, uint64(1), st.TotalConnections)
	assert.Equal(t, uint64(1), st.TotalRequests)
	require.Len(t, st.Backends, 1)
	assert.Equal(t, uint64(1), st.Backends[0].Requests)
	assert.Equal(t, uint64(len(resp)), st.Backends[0].BytesIn)
	assert.Greater(t, st.Backends[0].BytesOut, uint64(len("GET /hello HTTP/1.0\r\nHost: test\r\n\r\n")))
}

func TestOnlyFirstChunkIsRewritten(t *testing.T) {
	tb := startBackend(t, respondKeepAlive)
	p, _ := startProxy(t, Options{}, tb.backend)

	c := dialProxy(t, p)
	assert.Equal(t, "ok", doRequest(t, c, "GET /a HTTP/1.1\r\nHost: t\r\n\r\n"))
	assert.Equal(t, "ok", doRequest(t, c, "GET /b HTTP/1.1\r\nHost: t\r\n\r\n"))

	reqs := tb.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "127.0.0.1", reqs[0].req.Header.Get("X-Forwarded-For"))
	assert.Empty(t, reqs[1].req.Header.Get("X-Forwarded-For"), "later requests pass through untouched")
	assert.Equal(t, uint64(1), p.Stats().TotalRequests)
}

func TestPoolReusesBackendConnection(t *testing.T) {
	tb := startBackend(t, respondKeepAlive)
	p, _ := startProxy(t, Options{PoolEnabled: true, Pool: pool.Config{MaxSize: 4}}, tb.backend)

	c1 := dialProxy(t, p)
	assert.Equal(t, "ok", doRequest(t, c1, "GET /1 HTTP/1.1\r\nHost: t\r\n\r\n"))
	c1.Close()
	waitIdle(t, p)
	require.Eventually(t, func() bool { return p.Stats().Pool.Free == 1 }, 2*time.Second, 10*time.Millisecond)

	c2 := dialProxy(t, p)
	assert.Equal(t, "ok", doRequest(t, c2, "GET /2 HTTP/1.1\r\nHost: t\r\n\r\n"))

	reqs := tb.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].conn, reqs[1].conn, "second client reused the pooled backend connection")

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Pool.Hits)
	assert.Equal(t, uint64(1), st.Pool.Misses)
}

func TestConnectionCloseIsNotPooled(t *testing.T) {
	tb := startBackend(t, respondKeepAlive)
	p, _ := startProxy(t, Options{PoolEnabled: true, Pool: pool.Config{MaxSize: 4}}, tb.backend)

	c := dialProxy(t, p)
	assert.Equal(t, "ok", doRequest(t, c, "GET / HTTP/1.1\r\nHost: t\r\nConnection: close\r\n\r\n"))
	c.Close()
	waitIdle(t, p)

	assert.Equal(t, 0, p.Stats().Pool.Size)
}

func TestConnectFailureMarksBackendDown(t *testing.T) {
	dead := startBackend(t, respondAndClose)
	live := startBackend(t, respondAndClose)
	p, _ := startProxy(t, Options{}, dead.backend, live.backend)

	// Let the startup probes finish so they cannot race the listener close.
	require.Eventually(t, func() bool { return !live.backend.LastProbe().IsZero() }, 3*time.Second, 10*time.Millisecond)
	require.True(t, dead.backend.Healthy())
	dead.ln.Close()

	c := dialProxy(t, p)
	_, err := io.ReadAll(c)
	require.NoError(t, err, "client is closed when its backend cannot be reached")

	assert.False(t, dead.backend.Healthy())
	assert.Equal(t, uint64(1), dead.backend.Failures())

	for i := 0; i < 3; i++ {
		c := dialProxy(t, p)
		_, err := io.WriteString(c, "GET / HTTP/1.0\r\n\r\n")
		require.NoError(t, err)
		resp, err := io.ReadAll(c)
		require.NoError(t, err)
		assert.Contains(t, string(resp), "ok")
	}
	assert.Len(t, live.requests(), 3)
}

func TestMaxSessionsRejectsExtraClients(t *testing.T) {
	tb := startBackend(t, holdOpen)
	p, _ := startProxy(t, Options{MaxSessions: 1}, tb.backend)

	first := dialProxy(t, p)
	_, err := io.WriteString(first, "GET / HTTP/1.1\r\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().ActiveSessions == 1 }, 2*time.Second, 10*time.Millisecond)

	second := dialProxy(t, p)
	_, err = io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Stats().Rejected)
	assert.Equal(t, int64(1), p.Stats().ActiveSessions)
}

func TestRateLimitRejects(t *testing.T) {
	tb := startBackend(t, respondAndClose)
	p, _ := startProxy(t, Options{RateLimit: &ratelimit.Config{PerIP: 0.001, Burst: 1}}, tb.backend)

	c := dialProxy(t, p)
	_, err := io.WriteString(c, "GET / HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	resp, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Contains(t, string(resp), "ok")

	c2 := dialProxy(t, p)
	resp, err = io.ReadAll(c2)
	require.NoError(t, err)
	assert.Empty(t, resp)

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Rejected)
	require.NotNil(t, st.RateLimit)
	assert.Equal(t, uint64(1), st.RateLimit.Denied)
}

func TestDrainDeadlineForcesClose(t *testing.T) {
	tb := startBackend(t, holdOpen)
	p, errCh := startProxy(t, Options{}, tb.backend)

	c := dialProxy(t, p)
	_, err := io.WriteString(c, "GET /slow HTTP/1.1\r\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().ActiveSessions == 1 }, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	p.Drain(300 * time.Millisecond)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("drain did not finish")
	}
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.True(t, p.Draining())

	_, err = io.ReadAll(c)
	assert.NoError(t, err, "client sees an orderly close")

	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", p.Port()), 500*time.Millisecond)
	assert.Error(t, err, "listener is closed after drain")
}

func TestDrainSkipsHealthProbes(t *testing.T) {
	tb := startBackend(t, holdOpen)

	var slow atomic.Bool
	var slowDials atomic.Int32
	dialer := func(ctx context.Context, host string, port int, timeout time.Duration) (int, error) {
		if slow.Load() {
			slowDials.Add(1)
			time.Sleep(time.Second)
			return -1, errors.New("unreachable")
		}
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			return -1, err
		}
		unix.Close(fds[1])
		return fds[0], nil
	}
	opts := Options{
		HealthCheck:  health.Options{Interval: 10 * time.Millisecond, Timeout: time.Second},
		HealthDialer: dialer,
	}
	p, errCh := startProxy(t, opts, tb.backend,
		balancer.NewBackend("10.0.0.1", 1, 1),
		balancer.NewBackend("10.0.0.2", 1, 1),
		balancer.NewBackend("10.0.0.3", 1, 1))

	c := dialProxy(t, p)
	_, err := io.WriteString(c, "GET /slow HTTP/1.1\r\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().ActiveSessions == 1 }, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	p.Drain(300 * time.Millisecond)
	require.Eventually(t, p.Draining, time.Second, 5*time.Millisecond)
	slow.Store(true)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("drain did not finish")
	}
	assert.Less(t, time.Since(start), time.Second, "exit follows the drain deadline")
	assert.Zero(t, slowDials.Load(), "no probes while draining")
}

func TestDrainLetsSessionsFinish(t *testing.T) {
	tb := startBackend(t, respondKeepAlive)
	p, errCh := startProxy(t, Options{}, tb.backend)

	c := dialProxy(t, p)
	assert.Equal(t, "ok", doRequest(t, c, "GET / HTTP/1.1\r\nHost: t\r\n\r\n"))

	p.Drain(10 * time.Second)
	require.Eventually(t, p.Draining, 2*time.Second, 10*time.Millisecond)

	// The in-flight session keeps working while draining.
	assert.Equal(t, "ok", doRequest(t, c, "GET /again HTTP/1.1\r\nHost: t\r\n\r\n"))
	c.Close()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("drain did not finish after last session closed")
	}
}

func TestStopClosesSessions(t *testing.T) {
	tb := startBackend(t, holdOpen)
	p, errCh := startProxy(t, Options{}, tb.backend)

	c := dialProxy(t, p)
	_, err := io.WriteString(c, "GET / HTTP/1.1\r\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().ActiveSessions == 1 }, 2*time.Second, 10*time.Millisecond)

	p.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not end Run")
	}
	_, err = io.ReadAll(c)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), tb.backend.Active())
}

func TestNewFailsWhenPortIsTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = New(Options{ListenAddress: ln.Addr().String(), Algorithm: "rr"},
		[]*balancer.Backend{balancer.NewBackend("127.0.0.1", 1, 1)})
	assert.Error(t, err)
}

func TestNewRejectsBadOptions(t *testing.T) {
	b := []*balancer.Backend{balancer.NewBackend("127.0.0.1", 1, 1)}

	_, err := New(Options{ListenAddress: "127.0.0.1:0", Algorithm: "fastest"}, b)
	assert.Error(t, err)

	_, err = New(Options{ListenAddress: "127.0.0.1:0", Algorithm: "rr", EventBackend: "iocp"}, b)
	assert.Error(t, err)

	_, err = New(Options{ListenAddress: "127.0.0.1:0", Algorithm: "rr"}, nil)
	assert.Error(t, err)
}

func TestPrintStatsAndSnapshot(t *testing.T) {
	tb := startBackend(t, respondAndClose)
	p, _ := startProxy(t, Options{PoolEnabled: true, Pool: pool.Config{MaxSize: 2}}, tb.backend)

	c := dialProxy(t, p)
	_, err := io.WriteString(c, "GET / HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	_, err = io.ReadAll(c)
	require.NoError(t, err)
	waitIdle(t, p)

	var buf bytes.Buffer
	p.PrintStats(&buf)
	out := buf.String()
	assert.Contains(t, out, "Algorithm: rr")
	assert.Contains(t, out, "CONNECTION POOL")
	assert.Contains(t, out, tb.backend.Address())
	assert.Contains(t, out, "UP")

	snap := p.MetricsSnapshot()
	assert.True(t, snap.PoolEnabled)
	require.Len(t, snap.Backends, 1)
	assert.Equal(t, tb.backend.Address(), snap.Backends[0].Address)
	assert.True(t, snap.Backends[0].Up)
}
