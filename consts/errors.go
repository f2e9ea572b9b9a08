package consts

import "errors"

var (
	ErrInvalidListenPort = errors.New("listen port must be between 1 and 65535")
	ErrNoBackends        = errors.New("at least one backend is required")
	ErrInvalidBackend    = errors.New("invalid backend")
	ErrUnknownAlgorithm  = errors.New("unknown load balancing algorithm")
	ErrConfigUnchanged   = errors.New("configuration unchanged")
	ErrNoConfigFile      = errors.New("no configuration file to reload from")

	ErrPoolClosed      = errors.New("connection pool closed")
	ErrPoolInvalidSize = errors.New("pool size must be positive")

	ErrLoopClosed          = errors.New("event loop closed")
	ErrNotRegistered       = errors.New("descriptor not registered")
	ErrDescriptorLimit     = errors.New("descriptor exceeds multiplexer limit")
	ErrBackendUnsupported  = errors.New("event backend not supported on this platform")
	ErrConnectTimeout      = errors.New("connect timed out")
	ErrDraining            = errors.New("proxy is draining")
	ErrReloadInProgress    = errors.New("reload already in progress")
	ErrSuccessorNotStarted = errors.New("successor process failed to start")
)
