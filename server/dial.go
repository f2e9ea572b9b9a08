//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/migadu/balancer/consts"
	"golang.org/x/sys/unix"
)

// resolveHost returns an IP for host, preferring IPv4 like the listener
// default.
func resolveHost(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return addrs[0].IP, nil
}

// DialTCP connects to host:port and returns a non-blocking descriptor. The
// connect blocks the calling goroutine for at most timeout.
func DialTCP(ctx context.Context, host string, port int, timeout time.Duration) (int, error) {
	ip, err := resolveHost(ctx, host)
	if err != nil {
		return -1, err
	}
	family, sa, _ := sockaddrFor(&net.TCPAddr{IP: ip, Port: port})

	fd, err := newSocket(family)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to set nonblock: %w", err)
	}
	// Pooled connections stay idle between sessions.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	if err := connectWait(fd, sa, timeout); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", net.JoinHostPort(host, strconv.Itoa(port)), err)
	}
	return fd, nil
}

func connectWait(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS && err != unix.EINTR {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if timeout <= 0 {
			remaining = -1
		} else if remaining <= 0 {
			return consts.ErrConnectTimeout
		}

		ms := -1
		if remaining >= 0 {
			ms = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(pfd, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return consts.ErrConnectTimeout
		}
		break
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}
