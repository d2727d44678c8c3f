// SPDX-License-Identifier: Apache-2.0

// Package process launches a worker process and accepts the connection the
// worker dials back to its parent.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/workerbridge/internal/cancel"
	"github.com/loopholelabs/workerbridge/pkg/listener"
	"github.com/loopholelabs/workerbridge/pkg/rpc"
)

var (
	OptionsErr        = errors.New("invalid options")
	StartErr          = errors.New("unable to start worker process")
	AlreadyStartedErr = errors.New("worker process already started")
	NotStartedErr     = errors.New("worker process not started")
	ExitErr           = errors.New("worker process exited abnormally")
	StopTimeoutErr    = errors.New("worker process did not stop in time")

	earlyExitErr = errors.New("worker process exited")
)

const (
	stateNotStarted = iota
	stateStarting
	stateRunning
	stateStopped
)

// Exit describes how a worker process terminated.
type Exit struct {
	Code     int
	Duration time.Duration
}

// Process owns a worker subprocess and its connection.
type Process struct {
	options *Options

	cmd        *exec.Cmd
	socketDir  string
	connection *rpc.Connection
	memoryInfo atomic.Pointer[rpc.MemoryInfo]
	started    time.Time

	state   atomic.Uint32
	exited  chan struct{}
	exit    *Exit
	exitErr error

	stopMu  sync.Mutex
	stopped bool
	stopErr error

	logger logging.Logger
}

func New(options *Options) (*Process, error) {
	if !validOptions(options) {
		return nil, OptionsErr
	}
	return &Process{
		options: options.Clone(),
		logger:  options.Logger.SubLogger("process"),
	}, nil
}

func (p *Process) BaseName() string {
	return p.options.BaseName
}

// Pid returns the process ID of the running worker, or 0.
func (p *Process) Pid() int {
	if p.state.Load() == stateNotStarted || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Connection returns the connection accepted from the worker. It is nil until
// Start has succeeded.
func (p *Process) Connection() *rpc.Connection {
	if p.state.Load() == stateNotStarted {
		return nil
	}
	return p.connection
}

// MemoryInfo returns the latest memory diagnostics published by the worker.
func (p *Process) MemoryInfo() *rpc.MemoryInfo {
	return p.memoryInfo.Load()
}

// Start spawns the worker and waits until it has connected back, for at most
// the configured StartTimeout. The worker is killed if ctx ends first.
func (p *Process) Start(ctx context.Context) (err error) {
	if !p.state.CompareAndSwap(stateNotStarted, stateStarting) {
		return errors.Join(StartErr, AlreadyStartedErr)
	}
	defer func() {
		if err != nil {
			p.abort()
			p.state.Store(stateNotStarted)
			err = errors.Join(StartErr, err)
		}
	}()

	p.socketDir, err = os.MkdirTemp("", "workerbridge-")
	if err != nil {
		return err
	}
	lis, err := listener.New(&listener.Options{
		UnixPath: filepath.Join(p.socketDir, uuid.NewString()[:8]+".sock"),
		MaxConn:  1,
		Logger:   p.logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := lis.Close(); cerr != nil {
			p.logger.Warn().Err(cerr).Msg("unable to close listener")
		}
	}()

	cmd := exec.Command(p.options.Executable, p.options.arguments(lis.Path())...)
	cmd.Env = append(os.Environ(), p.options.Env...)
	cmd.Dir = p.options.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err = cmd.Start(); err != nil {
		return err
	}
	p.cmd = cmd
	p.started = time.Now()
	exited := make(chan struct{})
	p.exited = exited
	go p.wait(cmd, exited)
	p.logger.Info().Str("worker", p.options.BaseName).Int("pid", cmd.Process.Pid).Msg("worker process started, waiting for connection")

	timeoutCtx, stop := context.WithTimeout(ctx, p.options.StartTimeout)
	defer stop()
	startCtx, cancelStart := context.WithCancelCause(timeoutCtx)
	defer cancelStart(nil)
	go func() {
		select {
		case <-exited:
			cancelStart(earlyExitErr)
		case <-startCtx.Done():
		}
	}()

	watcher := cancel.Watch(startCtx, p.kill)
	conn, err := lis.AcceptContext(startCtx)
	if werr := watcher.Stop(); werr != nil {
		if conn != nil {
			_ = conn.Close()
		}
		if errors.Is(context.Cause(startCtx), earlyExitErr) {
			<-exited
			return errors.Join(fmt.Errorf("worker process %s exited before connecting", p.options.BaseName), p.exitErr)
		}
		return errors.Join(werr, context.Cause(startCtx))
	}
	if err != nil {
		return err
	}

	p.connection = rpc.NewConnection(conn, p.logger)
	if p.options.PublishMemoryInfo {
		p.connection.OnMemoryInfo(p.recordMemoryInfo)
	}
	p.state.Store(stateRunning)
	p.logger.Info().Str("worker", p.options.BaseName).Int("pid", cmd.Process.Pid).Msg("worker process connected")
	return nil
}

// WaitForStop waits for the worker to exit, killing it once StopTimeout has
// elapsed. A worker that exits with a non-zero code yields an ExitErr. The
// outcome is cached, so later calls return the same result.
func (p *Process) WaitForStop() (*Exit, error) {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	if p.stopped {
		return p.exit, p.stopErr
	}
	if p.state.Load() != stateRunning {
		return nil, NotStartedErr
	}

	timer := time.NewTimer(p.options.StopTimeout)
	defer timer.Stop()
	var timedOut bool
	select {
	case <-p.exited:
	case <-timer.C:
		timedOut = true
		p.logger.Warn().Str("worker", p.options.BaseName).Str("timeout", p.options.StopTimeout.String()).Msg("worker process did not stop, killing it")
		if err := p.kill(); err != nil {
			p.logger.Error().Err(err).Msg("unable to kill worker process")
		}
		<-p.exited
	}

	if err := p.connection.Close(); err != nil {
		p.logger.Debug().Err(err).Msg("unable to close connection")
	}
	p.removeSocketDir()

	p.stopped = true
	p.stopErr = p.exitErr
	if timedOut {
		p.stopErr = errors.Join(StopTimeoutErr, p.exitErr)
	}
	p.state.Store(stateStopped)
	return p.exit, p.stopErr
}

func (p *Process) wait(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	p.exit = &Exit{
		Code:     cmd.ProcessState.ExitCode(),
		Duration: time.Since(p.started),
	}
	if err != nil {
		p.exitErr = errors.Join(ExitErr, fmt.Errorf("worker process %s (pid %d) exited with code %d: %w", p.options.BaseName, cmd.Process.Pid, p.exit.Code, err))
		p.logger.Warn().Str("worker", p.options.BaseName).Int("code", p.exit.Code).Err(err).Msg("worker process exited abnormally")
	} else {
		p.logger.Info().Str("worker", p.options.BaseName).Int("code", p.exit.Code).Msg("worker process exited")
	}
	close(exited)
}

func (p *Process) kill() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *Process) abort() {
	if p.exited != nil {
		if err := p.kill(); err != nil {
			p.logger.Error().Err(err).Msg("unable to kill worker process")
		}
		<-p.exited
	}
	p.cmd = nil
	p.exited = nil
	p.exit = nil
	p.exitErr = nil
	p.removeSocketDir()
}

func (p *Process) removeSocketDir() {
	if p.socketDir == "" {
		return
	}
	if err := os.RemoveAll(p.socketDir); err != nil {
		p.logger.Warn().Err(err).Str("path", p.socketDir).Msg("unable to remove socket directory")
	}
	p.socketDir = ""
}

func (p *Process) recordMemoryInfo(info *rpc.MemoryInfo) {
	p.memoryInfo.Store(info)
	p.logger.Debug().Int("heap_alloc", int(info.HeapAlloc)).Int("heap_sys", int(info.HeapSys)).Msg("worker memory info")
}
