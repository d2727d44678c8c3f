// SPDX-License-Identifier: Apache-2.0

// Package worker is the entrypoint of a worker process: it dials back to the
// parent and serves requests until it is told to stop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/workerbridge/internal/loglevel"
	"github.com/loopholelabs/workerbridge/internal/vsock"
	"github.com/loopholelabs/workerbridge/pkg/rpc"
)

const (
	maxBackoff = time.Second
	minBackoff = time.Millisecond * 5
)

var (
	OptionsErr = errors.New("invalid options")
	DialErr    = errors.New("unable to connect to parent process")
)

const (
	ExitOK     = 0
	ExitFailed = 1
	ExitConfig = 2
)

// Main parses the worker command line, runs the worker and exits the process.
func Main(options *Options) {
	cfg, err := ParseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitConfig)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = Run(ctx, cfg, options)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitFailed)
	}
	os.Exit(ExitOK)
}

// Run connects to the parent and serves requests. It returns nil once the
// parent has sent a stop request.
func Run(ctx context.Context, cfg *Config, options *Options) error {
	if cfg == nil || !validOptions(options) {
		return OptionsErr
	}

	logger := options.Logger
	if logger == nil {
		level, err := loglevel.Parse(cfg.LogLevel)
		if err != nil {
			return errors.Join(ConfigErr, err)
		}
		root := logging.New(logging.Zerolog, cfg.BaseName, os.Stderr)
		root.SetLevel(level)
		logger = root
	}

	set, err := options.Registry.Materialize(cfg.Implementation)
	if err != nil {
		return err
	}

	dial := options.Dial
	if dial == nil {
		dial = dialFunc(cfg)
	}
	conn, err := connect(ctx, dial, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	w := rpc.NewWorker(options.Handlers, set, logger)
	if cfg.PublishMemoryInfo {
		w.PublishMemoryInfo(cfg.MemoryInfoInterval)
	}
	logger.Info().Str("worker", cfg.BaseName).Int("pid", os.Getpid()).Msg("serving requests")
	return w.Serve(withConfig(ctx, cfg), conn)
}

func dialFunc(cfg *Config) DialFunc {
	if cfg.Socket != "" {
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", cfg.Socket)
		}
	}
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		return vsock.DialContext(ctx, cfg.VsockCID, cfg.VsockPort)
	}
}

func connect(ctx context.Context, dial DialFunc, logger types.Logger) (io.ReadWriteCloser, error) {
	var backoff time.Duration
	for {
		conn, err := dial(ctx)
		if err == nil {
			return conn, nil
		}
		logger.Warn().Err(err).Msg("unable to connect to parent process")
		if backoff == 0 {
			backoff = minBackoff
		} else if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		logger.Debug().Msgf("retrying in %s", backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(DialErr, err, ctx.Err())
		case <-timer.C:
		}
	}
}
