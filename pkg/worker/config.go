// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"time"

	"github.com/alecthomas/kong"
)

var (
	ConfigErr = errors.New("invalid worker configuration")
)

// Config is the command line a parent process passes to its worker.
type Config struct {
	Socket    string `name:"socket" env:"WORKERBRIDGE_SOCKET" help:"Unix socket the parent process listens on."`
	VsockCID  uint32 `name:"vsock-cid" env:"WORKERBRIDGE_VSOCK_CID" help:"vsock CID of the parent, used when no socket is given."`
	VsockPort uint32 `name:"vsock-port" env:"WORKERBRIDGE_VSOCK_PORT" help:"vsock port of the parent."`

	BaseName        string   `name:"base-name" default:"worker" help:"Name used to identify the worker in logs."`
	LogLevel        string   `name:"log-level" default:"info" enum:"fatal,error,warn,info,debug,trace" help:"Worker log level."`
	Implementation  string   `name:"implementation" help:"Namespace argument types are resolved in."`
	ApplicationPath []string `name:"application-path" sep:"none" help:"Application path entries visible to the worker."`
	SharedPackages  []string `name:"shared-package" sep:"none" help:"Packages shared with the parent process."`

	PublishMemoryInfo  bool          `name:"publish-memory-info" help:"Periodically publish memory diagnostics to the parent."`
	MemoryInfoInterval time.Duration `name:"memory-info-interval" default:"5s" help:"Interval between memory diagnostics."`
}

func ParseConfig(args []string) (*Config, error) {
	cfg := new(Config)
	parser, err := kong.New(cfg,
		kong.Name("worker"),
		kong.Description("Serves requests from a parent process."),
	)
	if err != nil {
		return nil, errors.Join(ConfigErr, err)
	}
	if _, err = parser.Parse(args); err != nil {
		return nil, errors.Join(ConfigErr, err)
	}
	if cfg.Socket == "" && cfg.VsockPort == 0 {
		return nil, errors.Join(ConfigErr, errors.New("either --socket or --vsock-port is required"))
	}
	if cfg.PublishMemoryInfo && cfg.MemoryInfoInterval <= 0 {
		return nil, errors.Join(ConfigErr, errors.New("--memory-info-interval must be positive"))
	}
	return cfg, nil
}

type configKey struct{}

// ConfigFromContext returns the configuration of the worker serving the
// request that ctx belongs to, or nil.
func ConfigFromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(configKey{}).(*Config)
	return cfg
}

func withConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}
