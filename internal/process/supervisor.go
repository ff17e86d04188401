// Package process launches and supervises the dedicated game server.
//
// A Handle moves NotStarted -> Running -> Exited. A reap goroutine waits on
// the OS process, records the exit, releases the port lease and closes Done;
// callers learn about exits from Done rather than from callbacks.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	gops "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/agent-racer/gamehost/internal/session"
)

// ErrNoExecutable is returned when no executable path is configured.
var ErrNoExecutable = errors.New("game server executable not set")

type State int32

const (
	NotStarted State = iota
	Running
	Exited
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Exited:
		return "exited"
	}
	return "unknown"
}

// Releaser is the part of a port lease the supervisor needs.
type Releaser interface {
	Release()
}

// Spec describes a process to start.
type Spec struct {
	Path string
	Args []string
	// Env is appended to the supervisor's own environment.
	Env []string
	// Verbose logs every line the process writes to stdout and stderr.
	Verbose bool
	// Lease is released exactly once when the process exits.
	Lease Releaser
}

type Supervisor struct {
	log *zap.SugaredLogger
}

func NewSupervisor(logger *zap.SugaredLogger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Supervisor{log: logger.Named("gameserver")}
}

// Start launches spec.Path. It fails if the path is unset, missing or not
// executable; the lease is left to the caller in that case.
func (s *Supervisor) Start(spec Spec) (*Handle, error) {
	if spec.Path == "" {
		return nil, ErrNoExecutable
	}
	path, err := exec.LookPath(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("game server executable %q: %w", spec.Path, err)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)

	h := &Handle{
		cmd:   cmd,
		lease: spec.Lease,
		log:   s.log,
		done:  make(chan struct{}),
	}
	if spec.Verbose {
		h.stdout = &zapio.Writer{Log: s.log.Desugar().With(zap.String("stream", "stdout")), Level: zap.DebugLevel}
		h.stderr = &zapio.Writer{Log: s.log.Desugar().With(zap.String("stream", "stderr")), Level: zap.WarnLevel}
		cmd.Stdout = h.stdout
		cmd.Stderr = h.stderr
	}

	if err := cmd.Start(); err != nil {
		h.closeOutput()
		return nil, fmt.Errorf("starting game server process: %w", err)
	}
	h.state.Store(int32(Running))
	s.log.Debugw("game server process started", "pid", cmd.Process.Pid, "path", path, "args", spec.Args)

	go h.reap()
	return h, nil
}

// Launch adapts Start to session.Launcher.
func (s *Supervisor) Launch(_ context.Context, spec session.LaunchSpec) (session.Process, error) {
	var lease Releaser
	if spec.Lease != nil {
		lease = spec.Lease
	}
	h, err := s.Start(Spec{
		Path:    spec.Path,
		Args:    spec.Args,
		Env:     spec.Env,
		Verbose: spec.Verbose,
		Lease:   lease,
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Handle owns one running game server and its port lease.
type Handle struct {
	cmd    *exec.Cmd
	lease  Releaser
	log    *zap.SugaredLogger
	stdout *zapio.Writer
	stderr *zapio.Writer

	state       atomic.Int32
	done        chan struct{}
	err         error
	exitCode    int
	releaseOnce sync.Once
}

func (h *Handle) reap() {
	waitErr := h.cmd.Wait()
	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	h.closeOutput()
	h.err = waitErr
	h.exitCode = exitCode
	h.state.Store(int32(Exited))
	h.releaseLease()
	close(h.done)
	h.log.Infow("game server process exited", "pid", h.Pid(), "exit_code", exitCode, "error", waitErr)
}

func (h *Handle) closeOutput() {
	if h.stdout != nil {
		h.stdout.Close()
	}
	if h.stderr != nil {
		h.stderr.Close()
	}
}

func (h *Handle) releaseLease() {
	h.releaseOnce.Do(func() {
		if h.lease != nil {
			h.lease.Release()
		}
	})
}

func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *Handle) State() State {
	return State(h.state.Load())
}

// Done is closed after the process has exited and its lease is released.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the wait error. Only valid after Done is closed.
func (h *Handle) Err() error {
	return h.err
}

// ExitCode returns the exit code, -1 for abnormal termination. Only valid
// after Done is closed.
func (h *Handle) ExitCode() int {
	return h.exitCode
}

// Terminate calls graceful to ask the server to stop, waits up to timeout for
// it to exit and then kills the process and its children. If graceful fails
// the process is killed immediately. The lease is released on every path.
func (h *Handle) Terminate(ctx context.Context, graceful func() error, timeout time.Duration) error {
	defer h.releaseLease()

	if h.State() == Exited {
		return nil
	}
	if graceful != nil {
		if err := graceful(); err != nil {
			h.log.Warnw("graceful shutdown request failed", "pid", h.Pid(), "error", err)
			timeout = 0
		}
	} else {
		timeout = 0
	}

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-h.done:
			return nil
		case <-timer.C:
		case <-ctx.Done():
		}
		h.log.Errorw("failed to close game server, killing it instead; the server should exit when receiving a message on the 'gameSession.shutdown' route", "pid", h.Pid())
	}

	killErr := h.kill()
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return killErr
}

// kill terminates the process tree. Children are killed first so a wrapper
// script cannot leave the real server holding the port.
func (h *Handle) kill() error {
	pid := h.Pid()
	if p, err := gops.NewProcess(int32(pid)); err == nil {
		if children, err := p.Children(); err == nil {
			for _, c := range children {
				if err := c.Kill(); err != nil {
					h.log.Debugw("killing game server child", "pid", c.Pid, "error", err)
				}
			}
		}
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing game server %d: %w", pid, err)
	}
	return nil
}

// Alive reports whether the OS still knows the process.
func (h *Handle) Alive() bool {
	if h.State() != Running {
		return false
	}
	ok, err := gops.PidExists(int32(h.Pid()))
	return err == nil && ok
}
