// Package daemon supervises an aria2c process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultTerminateGrace = 10 * time.Second

var (
	ErrNotStarted     = errors.New("daemon: process not started")
	ErrAlreadyStarted = errors.New("daemon: process already started")
)

// Process is one aria2c child process. It is started at most once.
type Process struct {
	path   string
	args   []string
	env    []string
	stdout io.Writer
	stderr io.Writer
	grace  time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	code    int
	waitErr error
}

type Option func(*Process)

// WithStopWithProcess makes aria2c exit when the current process exits.
func WithStopWithProcess() Option {
	return func(p *Process) {
		p.args = append(p.args, "--stop-with-process="+strconv.Itoa(os.Getpid()))
	}
}

func WithOutput(stdout, stderr io.Writer) Option {
	return func(p *Process) {
		p.stdout = stdout
		p.stderr = stderr
	}
}

// WithEnv sets the child environment. The default inherits ours.
func WithEnv(env []string) Option { return func(p *Process) { p.env = env } }

// WithTerminateGrace is how long Terminate waits after SIGTERM before it
// kills the process.
func WithTerminateGrace(d time.Duration) Option {
	return func(p *Process) {
		if d > 0 {
			p.grace = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Process) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func New(path string, args []string, opts ...Option) *Process {
	p := &Process{
		path:   path,
		args:   append([]string(nil), args...),
		grace:  defaultTerminateGrace,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Args returns the command line arguments, options included.
func (p *Process) Args() []string {
	return append([]string(nil), p.args...)
}

// Start launches the process. Cancelling ctx kills it.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return ErrAlreadyStarted
	}
	cmd := exec.CommandContext(ctx, p.path, p.args...)
	cmd.Env = p.env
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemon: start %s: %w", p.path, err)
	}
	p.cmd = cmd
	p.done = make(chan struct{})
	p.logger.Info("aria2c started", zap.String("path", p.path), zap.Int("pid", cmd.Process.Pid))
	go p.reap(cmd, p.done)
	return nil
}

func (p *Process) reap(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// a non-zero status is reported through the code
		err = nil
	}
	p.mu.Lock()
	p.code = code
	p.waitErr = err
	p.mu.Unlock()
	p.logger.Info("aria2c exited", zap.Int("pid", cmd.Process.Pid), zap.Int("code", code), zap.Error(err))
	close(done)
}

func (p *Process) started() (*exec.Cmd, chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return nil, nil, ErrNotStarted
	}
	return p.cmd, p.done, nil
}

// Wait blocks until the process exits and returns its exit code, -1 when it
// was ended by a signal.
func (p *Process) Wait() (int, error) {
	_, done, err := p.started()
	if err != nil {
		return 0, err
	}
	<-done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.waitErr
}

// Terminate asks the process to stop with SIGTERM and kills it if it is
// still running after the grace period.
func (p *Process) Terminate() (int, error) {
	cmd, done, err := p.started()
	if err != nil {
		return 0, err
	}
	select {
	case <-done:
		return p.Wait()
	default:
	}
	sigErr := cmd.Process.Signal(syscall.SIGTERM)
	if sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
		p.logger.Warn("SIGTERM failed, killing aria2c", zap.Error(sigErr))
		if killErr := cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			return 0, multierr.Append(sigErr, killErr)
		}
	}
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn("aria2c ignored SIGTERM, killing", zap.Duration("grace", p.grace))
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return 0, err
		}
	}
	return p.Wait()
}

func (p *Process) Kill() (int, error) {
	cmd, _, err := p.started()
	if err != nil {
		return 0, err
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return 0, err
	}
	return p.Wait()
}

// PID is the process id, or 0 before Start.
func (p *Process) PID() int {
	cmd, _, err := p.started()
	if err != nil {
		return 0
	}
	return cmd.Process.Pid
}

func (p *Process) Running() bool {
	_, done, err := p.started()
	if err != nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}
