// Package proxy is the single-threaded reverse proxy reactor.
//
// One goroutine owns an eventloop.Loop, the listening socket and every
// session. Each accepted client is bound to a backend chosen by a
// balancer.Selector and connected either through the connection pool or
// with a fresh dial. Bytes are relayed in both directions without blocking;
// when a destination cannot take more, the remainder waits in a per-direction
// buffer and the source is not read until it drains.
//
// # HTTP awareness
//
// The first chunk a client sends is treated as the start of an HTTP request:
//
//   - X-Forwarded-For and X-Real-IP are inserted after the request line
//   - the request's keep-alive intent is recorded
//
// Everything after that chunk is relayed untouched. When the client closes a
// keep-alive session cleanly the backend connection is returned to the pool;
// any other ending closes it.
//
// # Lifecycle
//
//	New → Run ─┬─ ctx cancelled / Stop → close sessions, return
//	           └─ Drain(timeout) → stop accepting → sessions finish or deadline → return
//
// Drain, Stop, Stats and PrintStats are safe to call from other goroutines.
// Health probes and backend connects run on the reactor goroutine, so a slow
// backend delays event dispatch by up to the relevant timeout.
package proxy
