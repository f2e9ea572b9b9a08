package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectKeepAlive(t *testing.T) {
	tests := []struct {
		name string
		req  string
		want bool
	}{
		{"http11 default", "GET / HTTP/1.1\r\nHost: a\r\n\r\n", true},
		{"http11 close", "GET / HTTP/1.1\r\nHost: a\r\nConnection: close\r\n\r\n", false},
		{"http11 close lowercase", "GET / HTTP/1.1\r\nconnection: Close\r\n\r\n", false},
		{"http10 default", "GET / HTTP/1.0\r\nHost: a\r\n\r\n", false},
		{"http10 keep-alive", "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n", true},
		{"http10 Keep-Alive", "GET / HTTP/1.0\r\nConnection: Keep-Alive\r\n\r\n", true},
		{"token list", "GET / HTTP/1.1\r\nConnection: Upgrade, close\r\n\r\n", false},
		{"body mentioning close is ignored", "POST / HTTP/1.1\r\nContent-Length: 17\r\n\r\nConnection: close", true},
		{"partial request line", "GET / HT", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectKeepAlive([]byte(tt.req)))
		})
	}
}

func TestInjectForwardedHeaders(t *testing.T) {
	in := "GET /path HTTP/1.1\r\nHost: example\r\n\r\n"
	got := string(injectForwardedHeaders([]byte(in), "203.0.113.9"))
	assert.Equal(t, "GET /path HTTP/1.1\r\n"+
		"X-Forwarded-For: 203.0.113.9\r\n"+
		"X-Real-IP: 203.0.113.9\r\n"+
		"Host: example\r\n\r\n", got)
}

func TestInjectForwardedHeadersWithoutLineEnd(t *testing.T) {
	in := []byte("GET / HTTP/1.1")
	assert.Equal(t, in, injectForwardedHeaders(in, "10.0.0.1"))
}

func TestInjectForwardedHeadersKeepsBody(t *testing.T) {
	in := "POST / HTTP/1.1\r\nContent-Length: 4\r\n\r\nbody"
	got := string(injectForwardedHeaders([]byte(in), "::1"))
	assert.Contains(t, got, "\r\nX-Real-IP: ::1\r\nContent-Length: 4\r\n\r\nbody")
}
