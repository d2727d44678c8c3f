// SPDX-License-Identifier: Apache-2.0

package process

import (
	"time"

	logging "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/workerbridge/internal/loglevel"
)

const (
	DefaultStartTimeout       = time.Second * 30
	DefaultStopTimeout        = time.Second * 30
	DefaultMemoryInfoInterval = time.Second * 5
)

type Options struct {
	// BaseName identifies the worker in logs and errors.
	BaseName string

	// Executable and Args are the command used to run the worker. The worker
	// flags are appended after Args.
	Executable string
	Args       []string
	Env        []string
	Dir        string

	// Implementation is the namespace the worker resolves argument types in.
	// An empty Implementation makes the worker use the application namespace
	// only.
	Implementation  string
	ApplicationPath []string
	SharedPackages  []string
	LogLevel        logging.Level

	PublishMemoryInfo  bool
	MemoryInfoInterval time.Duration

	StartTimeout time.Duration
	StopTimeout  time.Duration

	Logger logging.Logger
}

func validOptions(options *Options) bool {
	return options != nil && options.BaseName != "" && options.Executable != "" && options.Logger != nil &&
		options.StartTimeout > 0 && options.StopTimeout > 0 &&
		(!options.PublishMemoryInfo || options.MemoryInfoInterval > 0)
}

// Clone returns a copy of options that shares no slices with the original.
func (options *Options) Clone() *Options {
	clone := *options
	clone.Args = append([]string(nil), options.Args...)
	clone.Env = append([]string(nil), options.Env...)
	clone.ApplicationPath = append([]string(nil), options.ApplicationPath...)
	clone.SharedPackages = append([]string(nil), options.SharedPackages...)
	return &clone
}

// arguments returns the command line of the worker, ending with the flags
// parsed by the worker package.
func (options *Options) arguments(socket string) []string {
	args := append([]string(nil), options.Args...)
	args = append(args,
		"--socket="+socket,
		"--base-name="+options.BaseName,
		"--log-level="+loglevel.Name(options.LogLevel),
	)
	if options.Implementation != "" {
		args = append(args, "--implementation="+options.Implementation)
	}
	for _, path := range options.ApplicationPath {
		args = append(args, "--application-path="+path)
	}
	for _, pkg := range options.SharedPackages {
		args = append(args, "--shared-package="+pkg)
	}
	if options.PublishMemoryInfo {
		args = append(args, "--publish-memory-info", "--memory-info-interval="+options.MemoryInfoInterval.String())
	}
	return args
}
