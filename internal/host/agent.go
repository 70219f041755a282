package host

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcohefti/hostipc/internal/hostapi"
	"github.com/marcohefti/hostipc/internal/ids"
	"github.com/marcohefti/hostipc/internal/transport"
)

const DefaultShutdownTimeout = 3 * time.Second

type AgentConfig struct {
	Command         []string
	Dir             string
	Env             []string
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	// ClientOptions are applied to the client talking to the agent. The id
	// prefix is fixed to "host".
	ClientOptions []hostapi.Option
}

// AgentProcess is a running agent child speaking newline-delimited JSON on
// its stdin/stdout.
type AgentProcess struct {
	cmd    *exec.Cmd
	stdio  *transport.Stdio
	client *hostapi.Client
	logger *slog.Logger
	stderr *tailBuffer

	shutdownTimeout time.Duration
	closing         atomic.Bool

	closeOnce sync.Once
	closeErr  error
	exited    chan struct{}
	waitErr   error
}

func StartAgent(ctx context.Context, cfg AgentConfig) (*AgentProcess, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, hostapi.NewError(hostapi.ErrorTransport, "agent command is empty")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	configureProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, hostapi.WrapError(hostapi.ErrorTransport, "open agent stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, hostapi.WrapError(hostapi.ErrorTransport, "open agent stdout pipe", err)
	}
	tail := newTailBuffer(stderrTailBytes)
	cmd.Stderr = tail
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return nil, hostapi.WrapError(hostapi.ErrorTransport, "start agent process", err)
	}

	a := &AgentProcess{
		cmd:             cmd,
		logger:          cfg.Logger,
		stderr:          tail,
		shutdownTimeout: cfg.ShutdownTimeout,
		exited:          make(chan struct{}),
	}
	a.stdio = transport.NewStdio(stdout, stdin, transport.WithLogger(cfg.Logger))
	opts := append([]hostapi.Option{
		hostapi.WithLogger(cfg.Logger),
		hostapi.WithHealth(nil, "agent"),
	}, cfg.ClientOptions...)
	opts = append(opts, hostapi.WithGenerator(ids.NewGenerator("host")))
	a.client = hostapi.New(a.stdio, opts...)
	a.stdio.Start()

	go func() {
		a.waitErr = cmd.Wait()
		if a.waitErr != nil && !a.closing.Load() {
			cfg.Logger.Warn("host: agent exited", "err", a.waitErr, "stderr", a.stderr.String())
		}
		// Nothing can answer outstanding requests any more.
		a.client.Close()
		close(a.exited)
	}()
	cfg.Logger.Info("host: agent started", "pid", cmd.Process.Pid, "command", cfg.Command[0])
	return a, nil
}

func (a *AgentProcess) Client() *hostapi.Client { return a.client }

func (a *AgentProcess) Pid() int { return a.cmd.Process.Pid }

// Exited is closed when the agent process has terminated.
func (a *AgentProcess) Exited() <-chan struct{} { return a.exited }

func (a *AgentProcess) Request(ctx context.Context, method string, params any, opts ...hostapi.SendOption) (hostapi.Response, error) {
	return a.client.Request(ctx, method, params, opts...)
}

func (a *AgentProcess) Notify(method string, params any) error {
	return a.client.Notify(method, params)
}

// Close rejects outstanding requests, closes the agent's stdin and waits for
// it to exit. After the shutdown timeout the whole process group is killed.
func (a *AgentProcess) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.closeErr = a.shutdown(ctx) })
	return a.closeErr
}

// StderrTail returns the last few KiB the agent wrote to stderr.
func (a *AgentProcess) StderrTail() string { return a.stderr.String() }

func (a *AgentProcess) shutdown(ctx context.Context) error {
	a.closing.Store(true)
	a.client.Close()
	_ = a.stdio.Close()

	timeout := a.shutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.exited:
		return a.exitError()
	case <-timer.C:
	case <-ctx.Done():
	}

	a.logger.Warn("host: agent did not exit, killing process group", "pid", a.Pid())
	if err := killProcessGroup(a.cmd); err != nil {
		a.logger.Warn("host: kill agent process group", "err", err)
	}
	select {
	case <-a.exited:
		return hostapi.NewError(hostapi.ErrorTimeout, "forced agent teardown on shutdown timeout")
	case <-time.After(750 * time.Millisecond):
		return hostapi.NewError(hostapi.ErrorTimeout, "agent did not exit after forced teardown")
	}
}

func (a *AgentProcess) exitError() error {
	if a.waitErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(a.waitErr, &exitErr) {
		return nil
	}
	return hostapi.WrapError(hostapi.ErrorTransport, "wait for agent shutdown", a.waitErr)
}
