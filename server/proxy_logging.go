package server

import (
	"github.com/migadu/balancer/logger"
)

type logFunc func(msg string, keysAndValues ...any)

// ProxySessionLogger attaches the identity of a proxied session to every
// log line so one session can be followed across the accept, relay and
// teardown messages.
type ProxySessionLogger struct {
	SessionID string
	ClientIP  string
	Backend   string
	Debug     bool
}

func (l *ProxySessionLogger) log(logFn logFunc, msg string, keysAndValues ...any) {
	allKeyvals := make([]any, 0, 6+len(keysAndValues))
	allKeyvals = append(allKeyvals, "session", l.SessionID, "client", l.ClientIP, "backend", l.Backend)
	allKeyvals = append(allKeyvals, keysAndValues...)
	logFn(msg, allKeyvals...)
}

// DebugLog logs at DEBUG level with session context
func (l *ProxySessionLogger) DebugLog(msg string, keysAndValues ...any) {
	if l.Debug {
		l.log(logger.Debug, msg, keysAndValues...)
	}
}

// WarnLog logs at WARN level with session context
func (l *ProxySessionLogger) WarnLog(msg string, keysAndValues ...any) {
	l.log(logger.Warn, msg, keysAndValues...)
}
