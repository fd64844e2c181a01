package supervisor

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mlopslab/taxi-predictor/pkg/logging"
)

// State of a supervised child process
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateBackoff  State = "backoff"
	StateStopped  State = "stopped" // operator-requested, terminal
	StateFailed   State = "failed"  // crash loop, terminal
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	// A child that dies within crashWindow of starting counts toward the
	// crash loop; crashLoopLimit consecutive such exits give up on it.
	crashWindow    = 5 * time.Second
	crashLoopLimit = 3

	killGrace = 5 * time.Second
)

// ProcessSpec describes one auxiliary child
type ProcessSpec struct {
	Name    string
	Command string
	Args    []string
	Env     []string // appended to the parent environment
	Dir     string
}

// Process supervises a single child: start, watch, restart with
// exponential backoff, give up on crash loops. One goroutine per Process
// runs the state machine; other goroutines may read State and call Stop.
type Process struct {
	spec   ProcessSpec
	logger *logging.Logger

	// onRestart is invoked for every restart after the first start
	onRestart func(name string)

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	stopped bool
}

// NewProcess creates an unstarted supervised process. onRestart may be nil.
func NewProcess(spec ProcessSpec, logger *logging.Logger, onRestart func(name string)) *Process {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Process{
		spec:      spec,
		logger:    logger,
		onRestart: onRestart,
		state:     StateStarting,
	}
}

// State returns the current lifecycle state
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Run drives the restart loop until the context is cancelled, Stop is
// called, or the child crash-loops. Blocks; callers run it in a goroutine.
func (p *Process) Run(ctx context.Context) {
	backoff := initialBackoff
	rapidExits := 0
	restarts := 0

	for {
		p.mu.Lock()
		if p.stopped {
			p.state = StateStopped
			p.mu.Unlock()
			return
		}
		p.state = StateStarting

		cmd := exec.Command(p.spec.Command, p.spec.Args...)
		cmd.Env = append(os.Environ(), p.spec.Env...)
		cmd.Dir = p.spec.Dir
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		// Own process group so the two-phase kill reaches the child's
		// own children too
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		if err := cmd.Start(); err != nil {
			p.mu.Unlock()
			p.logger.Error("subprocess failed to start",
				"name", p.spec.Name, "command", p.spec.Command, "error", err)
			p.setState(StateFailed)
			return
		}
		p.cmd = cmd
		p.state = StateRunning
		p.mu.Unlock()

		if restarts > 0 && p.onRestart != nil {
			p.onRestart(p.spec.Name)
		}
		started := time.Now()
		p.logger.Info("subprocess running",
			"name", p.spec.Name, "pid", cmd.Process.Pid, "restarts", restarts)

		err := cmd.Wait()
		uptime := time.Since(started)
		p.setState(StateExited)

		p.mu.Lock()
		requested := p.stopped
		p.mu.Unlock()
		if requested || ctx.Err() != nil {
			p.setState(StateStopped)
			return
		}

		p.logger.Warn("subprocess exited",
			"name", p.spec.Name, "uptime", uptime.String(), "error", err)

		if uptime < crashWindow {
			rapidExits++
			if rapidExits >= crashLoopLimit {
				p.logger.Error("subprocess is crash-looping, giving up",
					"name", p.spec.Name, "consecutive_rapid_exits", rapidExits)
				p.setState(StateFailed)
				return
			}
		} else {
			rapidExits = 0
			backoff = initialBackoff
		}

		p.setState(StateBackoff)
		select {
		case <-ctx.Done():
			p.setState(StateStopped)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		restarts++
	}
}

// Stop requests shutdown: SIGTERM to the process group, then SIGKILL
// after the grace period. Safe to call at any time, including before Run.
func (p *Process) Stop() {
	p.mu.Lock()
	p.stopped = true
	cmd := p.cmd
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	p.logger.Info("stopping subprocess", "name", p.spec.Name, "pid", pid)
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for {
			// Wait is owned by Run; poll for the group's disappearance
			if syscall.Kill(-pid, 0) != nil {
				close(done)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(killGrace):
		p.logger.Warn("subprocess ignored SIGTERM, killing", "name", p.spec.Name, "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}
