package proxy

import (
	"time"

	"github.com/google/uuid"
	"github.com/migadu/balancer/balancer"
	"github.com/migadu/balancer/eventloop"
	"github.com/migadu/balancer/pkg/metrics"
	"github.com/migadu/balancer/server"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

type endReason string

const (
	endClientEOF  endReason = "client_eof"
	endBackendEOF endReason = "backend_eof"
	endError      endReason = "error"
	endForced     endReason = "forced"
)

// pipe is one relay direction. Bytes that the destination would not take
// wait in pending; while anything is pending the source is not read.
type pipe struct {
	src, dst int
	upstream bool // client to backend
	pending  []byte
	bytes    prometheus.Counter
}

type session struct {
	id        string
	clientFD  int
	backendFD int
	clientIP  string
	backend   *balancer.Backend
	pooled    bool
	start     time.Time

	up   pipe
	down pipe

	requestSeen bool
	keepAlive   bool
	closed      bool

	log server.ProxySessionLogger
}

func newSession(cfd, bfd int, ip string, b *balancer.Backend, pooled bool, now time.Time, debug bool) *session {
	id := uuid.NewString()
	return &session{
		id:        id,
		clientFD:  cfd,
		backendFD: bfd,
		clientIP:  ip,
		backend:   b,
		pooled:    pooled,
		start:     now,
		up: pipe{
			src:      cfd,
			dst:      bfd,
			upstream: true,
			bytes:    metrics.BackendBytes.WithLabelValues(b.Address(), "out"),
		},
		down: pipe{
			src:   bfd,
			dst:   cfd,
			bytes: metrics.BackendBytes.WithLabelValues(b.Address(), "in"),
		},
		log: server.ProxySessionLogger{
			SessionID: id,
			ClientIP:  ip,
			Backend:   b.Address(),
			Debug:     debug,
		},
	}
}

// clientRelayHandler receives readiness for a session's client socket.
type clientRelayHandler struct {
	p *Proxy
	s *session
}

func (h clientRelayHandler) HandleEvent(_ int, ev eventloop.Events) {
	h.p.relay(h.s, &h.s.up, &h.s.down, ev)
}

// backendRelayHandler receives readiness for a session's backend socket.
type backendRelayHandler struct {
	p *Proxy
	s *session
}

func (h backendRelayHandler) HandleEvent(_ int, ev eventloop.Events) {
	h.p.relay(h.s, &h.s.down, &h.s.up, ev)
}

// relay handles readiness on one socket of s. out is the direction the
// socket feeds, in is the direction that writes into it.
func (p *Proxy) relay(s *session, out, in *pipe, ev eventloop.Events) {
	if s.closed {
		return
	}
	if ev&eventloop.Writable != 0 && len(in.pending) > 0 {
		if !p.flush(s, in) {
			return
		}
	}
	if ev&eventloop.Readable != 0 && len(out.pending) == 0 {
		if !p.pump(s, out) {
			return
		}
	}
	switch {
	case ev&eventloop.Error != 0:
		p.closeSession(s, endError)
	case ev&eventloop.HangUp != 0:
		p.closeSession(s, eofReason(out))
	}
}

func eofReason(pp *pipe) endReason {
	if pp.upstream {
		return endClientEOF
	}
	return endBackendEOF
}

// pump reads once from pp.src and forwards it. It returns false if the
// session was closed.
func (p *Proxy) pump(s *session, pp *pipe) bool {
	n, err := unix.Read(pp.src, p.readBuf)
	if err != nil {
		if server.IsTemporary(err) {
			return true
		}
		p.ioFailed(s, pp, "read", err)
		return false
	}
	if n == 0 {
		p.closeSession(s, eofReason(pp))
		return false
	}

	data := p.readBuf[:n]
	if pp.upstream && !s.requestSeen {
		s.requestSeen = true
		s.keepAlive = detectKeepAlive(data)
		data = injectForwardedHeaders(data, s.clientIP)
		s.backend.AddRequest()
		p.requests.Add(1)
		metrics.BackendRequests.WithLabelValues(s.backend.Address()).Inc()
	}
	return p.forward(s, pp, data)
}

// forward writes data to pp.dst without blocking and queues what is left.
func (p *Proxy) forward(s *session, pp *pipe, data []byte) bool {
	for len(data) > 0 {
		n, err := unix.Write(pp.dst, data)
		if n > 0 {
			p.account(s, pp, n)
			data = data[n:]
		}
		if err != nil {
			if server.IsTemporary(err) {
				break
			}
			p.ioFailed(s, pp, "write", err)
			return false
		}
		if n <= 0 {
			break
		}
	}
	if len(data) > 0 {
		pp.pending = append(pp.pending[:0], data...)
		return p.updateInterest(s)
	}
	return true
}

// flush retries pending bytes after the destination became writable.
func (p *Proxy) flush(s *session, pp *pipe) bool {
	for len(pp.pending) > 0 {
		n, err := unix.Write(pp.dst, pp.pending)
		if n > 0 {
			p.account(s, pp, n)
			pp.pending = pp.pending[n:]
		}
		if err != nil {
			if server.IsTemporary(err) {
				break
			}
			p.ioFailed(s, pp, "flush", err)
			return false
		}
		if n <= 0 {
			break
		}
	}
	if len(pp.pending) == 0 {
		pp.pending = nil
	}
	return p.updateInterest(s)
}

// ioFailed ends s after a socket error. Resets and broken pipes are routine
// and stay at debug level.
func (p *Proxy) ioFailed(s *session, pp *pipe, op string, err error) {
	if server.IsConnectionError(err) {
		s.log.DebugLog("Relay "+op+" failed", "error", err, "upstream", pp.upstream)
	} else {
		s.log.WarnLog("Relay "+op+" failed", "error", err, "upstream", pp.upstream)
	}
	p.closeSession(s, endError)
}

func (p *Proxy) account(s *session, pp *pipe, n int) {
	if pp.upstream {
		s.backend.AddBytesOut(n)
	} else {
		s.backend.AddBytesIn(n)
	}
	pp.bytes.Add(float64(n))
}

// updateInterest reads from a socket only while its outgoing direction has
// nothing queued and asks for writability while its incoming one does.
func (p *Proxy) updateInterest(s *session) bool {
	client := interestFor(&s.up, &s.down)
	backend := interestFor(&s.down, &s.up)
	if err := p.loop.Modify(s.clientFD, client); err != nil {
		s.log.WarnLog("Failed to update client interest", "error", err)
		p.closeSession(s, endError)
		return false
	}
	if err := p.loop.Modify(s.backendFD, backend); err != nil {
		s.log.WarnLog("Failed to update backend interest", "error", err)
		p.closeSession(s, endError)
		return false
	}
	return true
}

func interestFor(out, in *pipe) eventloop.Events {
	var ev eventloop.Events
	if len(out.pending) == 0 {
		ev |= eventloop.Readable
	}
	if len(in.pending) > 0 {
		ev |= eventloop.Writable
	}
	return ev
}

// closeSession deregisters both sockets before closing anything. The
// backend connection goes back to the pool only when the client ended a
// keep-alive exchange cleanly with nothing left in flight.
func (p *Proxy) closeSession(s *session, reason endReason) {
	if s.closed {
		return
	}
	s.closed = true

	p.loop.Remove(s.clientFD)
	p.loop.Remove(s.backendFD)
	unix.Close(s.clientFD)

	reuse := reason == endClientEOF && s.keepAlive &&
		len(s.up.pending) == 0 && len(s.down.pending) == 0
	switch {
	case p.pool != nil && reuse:
		p.pool.Release(s.backendFD, s.backend.Host, s.backend.Port)
	default:
		p.discardBackend(s.backendFD)
	}

	delete(p.sessions, s.clientFD)
	s.backend.SessionEnded()
	p.active.Add(-1)

	duration := p.now().Sub(s.start)
	metrics.SessionsActive.Dec()
	metrics.BackendActiveConnections.WithLabelValues(s.backend.Address()).Dec()
	metrics.SessionDuration.Observe(duration.Seconds())
	s.log.DebugLog("Session closed", "reason", string(reason), "duration", duration, "reused", reuse && p.pool != nil)
}
