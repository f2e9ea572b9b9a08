package server

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsConnectionError checks if an error is a common, non-fatal network connection error.
// These errors end the affected session; they are logged at debug level and
// counted, but never escalate beyond the backend counters.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.EPIPE, syscall.ECONNREFUSED, syscall.ECONNABORTED,
			syscall.ETIMEDOUT, syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ENOTCONN:
			return true
		}
	}

	// Handle EOF, which can occur if the client disconnects abruptly
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// IsTemporary reports whether a non-blocking socket call should simply be
// retried when the descriptor is ready again.
func IsTemporary(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EINTR)
}
