// Package reload implements zero-downtime configuration reload. A reload
// validates the new configuration, starts a successor process that binds
// the same port with SO_REUSEPORT, and the successor asks its predecessor
// to drain with SIGUSR2.
package reload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/balancer/config"
	"github.com/migadu/balancer/consts"
	"github.com/migadu/balancer/logger"
	"github.com/migadu/balancer/pkg/metrics"
	"golang.org/x/sys/unix"
)

type State int32

const (
	Running State = iota
	ReloadRequested
	Draining
	Exited
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ReloadRequested:
		return "reload_requested"
	case Draining:
		return "draining"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Drainer stops accepting and lets sessions finish within timeout.
type Drainer interface {
	Drain(timeout time.Duration)
}

// Options configures a Coordinator.
type Options struct {
	ConfigPath string
	PIDFile    string
	Spawner    Spawner
	Drainer    Drainer
	Current    *config.Config

	// Overrides are applied to every candidate before validation, so
	// command-line values keep winning over the file.
	Overrides []func(*config.Config)

	// Predecessor is the pid of the process that spawned this one for a
	// reload, or 0. See PredecessorFromEnv.
	Predecessor int

	// Kill sends signals for the PID handoff. Nil means unix.Kill.
	Kill func(pid int, sig syscall.Signal) error
}

// Coordinator owns the reload state machine of one process.
type Coordinator struct {
	mu        sync.Mutex
	state     State
	opts      Options
	current   *config.Config
	successor int
	kill      func(pid int, sig syscall.Signal) error
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Current == nil {
		return nil, errors.New("reload: current configuration is required")
	}
	kill := opts.Kill
	if kill == nil {
		kill = unix.Kill
	}
	return &Coordinator{
		state:   Running,
		opts:    opts,
		current: opts.Current,
		kill:    kill,
	}, nil
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the configuration this process is serving.
func (c *Coordinator) Current() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Successor returns the pid of the last spawned successor, or 0.
func (c *Coordinator) Successor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successor
}

// Reload loads and validates the configuration file. An invalid candidate
// is rejected and the running configuration stays in force. An unchanged
// candidate returns consts.ErrConfigUnchanged. Otherwise a successor
// process is started and this one keeps serving until told to drain.
func (c *Coordinator) Reload(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case ReloadRequested:
		c.mu.Unlock()
		return consts.ErrReloadInProgress
	case Draining, Exited:
		c.mu.Unlock()
		return consts.ErrDraining
	}
	c.state = ReloadRequested
	current := c.current
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.state == ReloadRequested {
			c.state = Running
		}
		c.mu.Unlock()
	}()

	if c.opts.ConfigPath == "" {
		metrics.Reloads.WithLabelValues("rejected").Inc()
		logger.Warn("Reload: rejected", "error", consts.ErrNoConfigFile)
		return consts.ErrNoConfigFile
	}

	logger.Info("Reload: loading configuration", "path", c.opts.ConfigPath)
	candidate, err := config.LoadAndValidate(c.opts.ConfigPath, c.opts.Overrides...)
	if err != nil {
		metrics.Reloads.WithLabelValues("rejected").Inc()
		logger.Warn("Reload: rejected invalid configuration, keeping current", "path", c.opts.ConfigPath, "error", err)
		return fmt.Errorf("reload rejected: %w", err)
	}

	if current.Equal(candidate) {
		metrics.Reloads.WithLabelValues("unchanged").Inc()
		logger.Info("Reload: configuration unchanged", "path", c.opts.ConfigPath)
		return consts.ErrConfigUnchanged
	}

	if c.opts.Spawner == nil {
		metrics.Reloads.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: no spawner configured", consts.ErrSuccessorNotStarted)
	}
	pid, err := c.opts.Spawner.Spawn(ctx)
	if err != nil {
		metrics.Reloads.WithLabelValues("failed").Inc()
		logger.Error("Reload: failed to start successor", "error", err)
		return fmt.Errorf("%w: %v", consts.ErrSuccessorNotStarted, err)
	}

	c.mu.Lock()
	c.successor = pid
	c.mu.Unlock()
	metrics.Reloads.WithLabelValues("spawned").Inc()
	logger.Info("Reload: successor started, waiting for handoff", "pid", pid,
		"algorithm", candidate.Algorithm, "backends", len(candidate.Backends))
	return nil
}

// BeginDrain moves to Draining and asks the drainer to stop accepting.
// A second call returns consts.ErrDraining.
func (c *Coordinator) BeginDrain(timeout time.Duration) error {
	c.mu.Lock()
	if c.state == Draining || c.state == Exited {
		c.mu.Unlock()
		return consts.ErrDraining
	}
	c.state = Draining
	c.mu.Unlock()

	logger.Info("Reload: draining", "timeout", timeout)
	if c.opts.Drainer != nil {
		c.opts.Drainer.Drain(timeout)
	}
	return nil
}

// MarkExited records the end of the process and drops the PID marker if it
// still points at self.
func (c *Coordinator) MarkExited(self int) {
	c.mu.Lock()
	c.state = Exited
	c.mu.Unlock()

	if c.opts.PIDFile == "" {
		return
	}
	if err := RemovePIDFile(c.opts.PIDFile, self); err != nil {
		logger.Warn("Reload: failed to remove pid file", "path", c.opts.PIDFile, "error", err)
	}
}

// Handoff runs once the listener is bound. The predecessor is the process
// that spawned this one, falling back to the pid named in the PID marker. A
// live predecessor is sent SIGUSR2, then the marker, if configured, is
// rewritten with self. It returns the predecessor's pid, or 0 when there was
// none.
func (c *Coordinator) Handoff(self int) (int, error) {
	old := c.opts.Predecessor
	if old == self || (old > 0 && !c.alive(old)) {
		old = 0
	}
	if old == 0 && c.opts.PIDFile != "" {
		old = c.markedPredecessor(self)
	}
	if old > 0 {
		if err := c.kill(old, unix.SIGUSR2); err != nil {
			return 0, fmt.Errorf("signal predecessor %d: %w", old, err)
		}
		logger.Info("Reload: asked predecessor to drain", "pid", old)
	}

	if c.opts.PIDFile == "" {
		return old, nil
	}
	if err := WritePIDFile(c.opts.PIDFile, self); err != nil {
		return old, err
	}
	return old, nil
}

// markedPredecessor returns the live process named in the PID marker, or 0.
func (c *Coordinator) markedPredecessor(self int) int {
	old, err := ReadPIDFile(c.opts.PIDFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return 0
	case err != nil:
		logger.Warn("Reload: ignoring unreadable pid file", "path", c.opts.PIDFile, "error", err)
		return 0
	}
	if old == self || !c.alive(old) {
		return 0
	}
	return old
}

func (c *Coordinator) alive(pid int) bool {
	err := c.kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
