package reload

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/migadu/balancer/logger"
)

// PredecessorEnv carries the spawning process's pid to its successor, so
// the handoff works without a PID marker.
const PredecessorEnv = "BALANCER_PREDECESSOR_PID"

// Spawner starts the successor process.
type Spawner interface {
	Spawn(ctx context.Context) (pid int, err error)
}

// ExecSpawner re-executes a binary with fixed arguments. The child inherits
// stdio and Env, or this process's environment when Env is nil, plus
// PredecessorEnv.
type ExecSpawner struct {
	Path string
	Args []string
	Env  []string
}

// NewExecSpawner returns a spawner for the running executable and its
// original arguments.
func NewExecSpawner() (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecSpawner{Path: path, Args: append([]string(nil), os.Args[1:]...)}, nil
}

func (s *ExecSpawner) Spawn(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// Not CommandContext: the successor must outlive the reload request.
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	env := s.Env
	if env == nil {
		env = os.Environ()
	}
	// A later duplicate key wins, replacing any value we inherited.
	cmd.Env = append(env[:len(env):len(env)], PredecessorEnv+"="+strconv.Itoa(os.Getpid()))
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid

	// Reap the child if it exits while we are still alive, e.g. a failed bind.
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Warn("Reload: successor exited", "pid", pid, "error", err)
			return
		}
		logger.Info("Reload: successor exited", "pid", pid)
	}()
	return pid, nil
}

// PredecessorFromEnv returns the pid passed in PredecessorEnv and clears the
// variable. The value is honoured only when it names the parent process; a
// stale value inherited through some other launcher yields 0.
func PredecessorFromEnv() int {
	raw, ok := os.LookupEnv(PredecessorEnv)
	if !ok {
		return 0
	}
	os.Unsetenv(PredecessorEnv)
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 || pid != os.Getppid() {
		return 0
	}
	return pid
}
