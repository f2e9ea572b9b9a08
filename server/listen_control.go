//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package server

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// sockaddrFor resolves a TCP address into a socket family and Sockaddr.
// A wildcard host yields an IPv6 dual-stack socket.
func sockaddrFor(addr *net.TCPAddr) (family int, sa unix.Sockaddr, ipv6only int) {
	switch {
	case addr.IP == nil || addr.IP.IsUnspecified() && addr.IP.To4() == nil:
		return unix.AF_INET6, &unix.SockaddrInet6{Port: addr.Port}, 0
	case addr.IP.To4() != nil:
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], addr.IP.To4())
		return unix.AF_INET, sa4, 0
	default:
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		// Handle zone ID for link-local addresses (fe80::)
		if addr.Zone != "" {
			if iface, err := net.InterfaceByName(addr.Zone); err == nil {
				sa6.ZoneId = uint32(iface.Index)
			}
		}
		return unix.AF_INET6, sa6, 1
	}
}

// newSocket creates a close-on-exec TCP socket, holding ForkLock so a
// concurrent exec cannot inherit it.
func newSocket(family int) (int, error) {
	syscall.ForkLock.RLock()
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, fmt.Errorf("failed to create socket: %w", err)
	}
	return fd, nil
}

// ListenReusePort opens a non-blocking listening socket on address with
// SO_REUSEADDR and SO_REUSEPORT set and returns its raw descriptor.
// SO_REUSEPORT lets a successor process bind the same port while the
// current one is still serving, which is what makes handoff seamless.
func ListenReusePort(address string, backlog int) (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return -1, fmt.Errorf("failed to resolve address: %w", err)
	}
	family, sockaddr, ipv6only := sockaddrFor(addr)

	fd, err := newSocket(family)
	if err != nil {
		return -1, err
	}

	fail := func(step string, err error) (int, error) {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to %s: %w", step, err)
	}

	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, ipv6only); err != nil {
			return fail("set IPV6_V6ONLY", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("set SO_REUSEADDR", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fail("set SO_REUSEPORT", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("set nonblock", err)
	}
	if err := unix.Bind(fd, sockaddr); err != nil {
		return fail("bind socket", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}
	return fd, nil
}

// Accept accepts one pending connection on a non-blocking listener. The
// returned descriptor is non-blocking and close-on-exec. unix.EAGAIN means
// the backlog is empty.
func Accept(lfd int) (int, unix.Sockaddr, error) {
	syscall.ForkLock.RLock()
	nfd, sa, err := unix.Accept(lfd)
	if err == nil {
		unix.CloseOnExec(nfd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, nil, err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, nil, err
	}
	return nfd, sa, nil
}

// LocalPort returns the port a socket is bound to.
func LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	}
	return 0, fmt.Errorf("unexpected socket address type %T", sa)
}
