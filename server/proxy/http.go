package proxy

import (
	"bytes"
)

var (
	crlf        = []byte("\r\n")
	headerEnd   = []byte("\r\n\r\n")
	http11      = []byte("HTTP/1.1")
	connection  = []byte("Connection")
	tokenClose  = []byte("close")
	tokenKeep   = []byte("keep-alive")
	xffPrefix   = []byte("X-Forwarded-For: ")
	xRealPrefix = []byte("X-Real-IP: ")
)

// detectKeepAlive decides from the first bytes of a request whether the
// client expects a persistent connection. HTTP/1.1 is persistent unless a
// Connection header says close; anything else is persistent only with an
// explicit keep-alive token.
func detectKeepAlive(req []byte) bool {
	head := req
	if i := bytes.Index(req, headerEnd); i >= 0 {
		head = req[:i]
	}
	lines := bytes.Split(head, crlf)
	keepAlive := bytes.HasSuffix(bytes.TrimSpace(lines[0]), http11)

	for _, line := range lines[1:] {
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok || !bytes.EqualFold(bytes.TrimSpace(name), connection) {
			continue
		}
		for _, tok := range bytes.Split(value, []byte(",")) {
			tok = bytes.TrimSpace(tok)
			switch {
			case bytes.EqualFold(tok, tokenClose):
				return false
			case bytes.EqualFold(tok, tokenKeep):
				keepAlive = true
			}
		}
	}
	return keepAlive
}

// injectForwardedHeaders inserts X-Forwarded-For and X-Real-IP directly
// after the request line. Data without a complete first line is returned
// unchanged.
func injectForwardedHeaders(data []byte, clientIP string) []byte {
	i := bytes.Index(data, crlf)
	if i < 0 {
		return data
	}
	i += len(crlf)

	out := make([]byte, 0, len(data)+len(xffPrefix)+len(xRealPrefix)+2*len(clientIP)+2*len(crlf))
	out = append(out, data[:i]...)
	out = append(out, xffPrefix...)
	out = append(out, clientIP...)
	out = append(out, crlf...)
	out = append(out, xRealPrefix...)
	out = append(out, clientIP...)
	out = append(out, crlf...)
	out = append(out, data[i:]...)
	return out
}
