package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"
)

// ServerCommand describes the executable launched as the server.
type ServerCommand struct {
	// Path is the executable, resolved through PATH when it contains no separator.
	Path string
	Args []string
	// Dir is the working directory of the server. Empty means the current directory.
	Dir string
}

// ConnectionConfig is the set of environment-style key/value strings handed to the server at
// spawn time, such as API keys or index names. The client never interprets the values.
//
// Build one with NewConnectionConfig so later changes to the source map do not leak in.
type ConnectionConfig map[string]string

// ServerProcess is a running server child process together with its stdio streams. It
// implements Transport: frames are written to the server's stdin and read from its stdout.
// Standard error is diagnostic only and never parsed.
//
// A ServerProcess is owned by exactly one Session, which closes it on teardown.
type ServerProcess struct {
	cmd    *exec.Cmd
	stdio  *StdIO
	logger *slog.Logger

	gracePeriod time.Duration
	stderr      io.Writer
	stderrPipe  *io.PipeWriter

	exited     chan struct{}
	exitMu     sync.Mutex
	exitCode   int
	exitStatus bool

	closeOnce sync.Once
	closeErr  error
}

// ProcessOption represents the options for Spawn.
type ProcessOption func(*ServerProcess)

// NewConnectionConfig returns a ConnectionConfig holding a copy of vars.
func NewConnectionConfig(vars map[string]string) ConnectionConfig {
	cfg := make(ConnectionConfig, len(vars))
	for k, v := range vars {
		cfg[k] = v
	}
	return cfg
}

// Environ returns the parent process environment followed by the configured variables as
// KEY=VALUE pairs in key order. Configured variables take precedence over inherited ones.
func (c ConnectionConfig) Environ() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+c[k])
	}
	return env
}

// WithGracePeriod sets how long Close waits for the server to exit after its stdin is closed,
// and again after the termination signal, before killing it. Default is 2 seconds.
func WithGracePeriod(d time.Duration) ProcessOption {
	return func(p *ServerProcess) {
		p.gracePeriod = d
	}
}

// WithServerStderr copies the server's standard error to w instead of logging it line by line
// at debug level.
func WithServerStderr(w io.Writer) ProcessOption {
	return func(p *ServerProcess) {
		p.stderr = w
	}
}

// WithProcessLogger sets the logger for the ServerProcess.
func WithProcessLogger(logger *slog.Logger) ProcessOption {
	return func(p *ServerProcess) {
		p.logger = logger
	}
}

// Spawn starts the server described by command with config added to its environment.
//
// The returned error is a *SpawnError when the executable cannot be located or started.
func Spawn(command ServerCommand, config ConnectionConfig, options ...ProcessOption) (*ServerProcess, error) {
	p := &ServerProcess{
		logger:      slog.Default(),
		gracePeriod: 2 * time.Second,
		exited:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}

	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = config.Environ()
	// Bound Wait when a grandchild keeps the stderr pipe open after the server exited.
	cmd.WaitDelay = p.gracePeriod

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Path: command.Path, Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}

	// The stdout pipe is created by hand rather than with StdoutPipe, so Wait does not close the
	// read end while frames are still buffered in it.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, &SpawnError{Path: command.Path, Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	cmd.Stdout = stdoutW

	var stderrR *io.PipeReader
	if p.stderr != nil {
		cmd.Stderr = p.stderr
	} else {
		stderrR, p.stderrPipe = io.Pipe()
		cmd.Stderr = p.stderrPipe
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		if p.stderrPipe != nil {
			_ = p.stderrPipe.Close()
		}
		return nil, &SpawnError{Path: command.Path, Err: err}
	}

	// The child holds its own copy of the write end; ours must go so EOF is observed on exit.
	if err := stdoutW.Close(); err != nil {
		p.logger.Warn("failed to close parent copy of stdout pipe", slog.String("err", err.Error()))
	}

	p.cmd = cmd
	p.logger = p.logger.With(slog.Int("pid", cmd.Process.Pid))
	p.stdio = NewStdIO(stdoutR, stdin, WithStdIOLogger(p.logger))

	if stderrR != nil {
		go p.logStderr(stderrR)
	}
	go p.wait()

	p.logger.Debug("server started", slog.String("path", command.Path), slog.Any("args", command.Args))

	return p, nil
}

// PID returns the operating system process identifier of the server.
func (p *ServerProcess) PID() int {
	return p.cmd.Process.Pid
}

// ExitStatus returns the exit code of the server and true once it has exited. The code is -1
// when the server was terminated by a signal.
func (p *ServerProcess) ExitStatus() (int, bool) {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()

	return p.exitCode, p.exitStatus
}

// Done returns a channel that is closed when the server process has exited.
func (p *ServerProcess) Done() <-chan struct{} {
	return p.exited
}

// Write sends one frame to the server's stdin.
func (p *ServerProcess) Write(ctx context.Context, frame []byte) error {
	return p.stdio.Write(ctx, frame)
}

// Read returns the next frame written by the server to its stdout.
func (p *ServerProcess) Read() ([]byte, error) {
	return p.stdio.Read()
}

// Close shuts the server down: its stdin is closed first, then Close waits up to the grace
// period for a voluntary exit, then sends SIGTERM and waits again, and finally kills the
// process. The stdout stream is closed last, so a pending Read returns.
//
// It is safe to call Close multiple times and from multiple goroutines.
func (p *ServerProcess) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.shutdown()
	})
	return p.closeErr
}

func (p *ServerProcess) shutdown() error {
	if err := p.stdio.closeWriter(); err != nil {
		p.logger.Debug("failed to close server stdin", slog.String("err", err.Error()))
	}

	if !p.waitExit(p.gracePeriod) {
		p.logger.Warn("server did not exit after stdin was closed, terminating")
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Warn("failed to send termination signal", slog.String("err", err.Error()))
		}
		if !p.waitExit(p.gracePeriod) {
			p.logger.Warn("server did not exit after termination signal, killing")
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.logger.Error("failed to kill server", slog.String("err", err.Error()))
			}
			<-p.exited
		}
	}

	if err := p.stdio.Close(); err != nil {
		return fmt.Errorf("failed to close server streams: %w", err)
	}
	return nil
}

func (p *ServerProcess) waitExit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-p.exited:
		return true
	case <-timer.C:
		return false
	}
}

func (p *ServerProcess) wait() {
	err := p.cmd.Wait()
	if p.stderrPipe != nil {
		_ = p.stderrPipe.Close()
	}

	p.exitMu.Lock()
	p.exitCode = p.cmd.ProcessState.ExitCode()
	p.exitStatus = true
	p.exitMu.Unlock()

	close(p.exited)

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.logger.Warn("failed to wait for server", slog.String("err", err.Error()))
	}
	p.logger.Debug("server exited", slog.Int("code", p.exitCode))
}

func (p *ServerProcess) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug("server stderr", slog.String("line", scanner.Text()))
	}
	// Keep draining so the server never blocks on a full stderr pipe.
	_, _ = io.Copy(io.Discard, r)
}
