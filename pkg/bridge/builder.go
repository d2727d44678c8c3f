// SPDX-License-Identifier: Apache-2.0

// Package bridge builds typed handles that drive a worker process through
// synchronous request/response calls.
package bridge

import (
	"errors"
	"os"
	"time"

	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/workerbridge/pkg/process"
	"github.com/loopholelabs/workerbridge/pkg/serializer"
)

const (
	DefaultBaseName = "worker"
)

// Launcher creates the process a Dispatcher drives.
type Launcher func(options *process.Options) (Process, error)

// DefaultLauncher launches a worker subprocess with package process.
func DefaultLauncher(options *process.Options) (Process, error) {
	p, err := process.New(options)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Builder collects the configuration of a worker. It is not safe for
// concurrent use.
type Builder struct {
	options   process.Options
	registry  *serializer.Registry
	namespace string
	onFailure func(Process)
	launcher  Launcher
	err       error
}

// NewBuilder returns a Builder for a worker that resolves argument types in
// the implementation namespace.
func NewBuilder(implementation string) *Builder {
	return &Builder{
		options: process.Options{
			BaseName:           DefaultBaseName,
			Implementation:     implementation,
			LogLevel:           types.InfoLevel,
			MemoryInfoInterval: process.DefaultMemoryInfoInterval,
			StartTimeout:       process.DefaultStartTimeout,
			StopTimeout:        process.DefaultStopTimeout,
		},
		registry:  serializer.NewRegistry(),
		namespace: implementation,
		launcher:  DefaultLauncher,
	}
}

func (b *Builder) SetBaseName(name string) *Builder {
	b.options.BaseName = name
	return b
}

func (b *Builder) ApplicationPath(paths ...string) *Builder {
	b.options.ApplicationPath = append(b.options.ApplicationPath, paths...)
	return b
}

func (b *Builder) SharedPackages(packages ...string) *Builder {
	b.options.SharedPackages = append(b.options.SharedPackages, packages...)
	return b
}

func (b *Builder) SetLogLevel(level types.Level) *Builder {
	b.options.LogLevel = level
	return b
}

// OnProcessFailure sets the callback run with the process when a request is
// left without a response.
func (b *Builder) OnProcessFailure(callback func(Process)) *Builder {
	b.onFailure = callback
	return b
}

func (b *Builder) SetExecutable(executable string) *Builder {
	b.options.Executable = executable
	return b
}

func (b *Builder) SetArgs(args ...string) *Builder {
	b.options.Args = args
	return b
}

func (b *Builder) SetEnv(env ...string) *Builder {
	b.options.Env = env
	return b
}

func (b *Builder) SetDir(dir string) *Builder {
	b.options.Dir = dir
	return b
}

func (b *Builder) SetStartTimeout(timeout time.Duration) *Builder {
	b.options.StartTimeout = timeout
	return b
}

func (b *Builder) SetStopTimeout(timeout time.Duration) *Builder {
	b.options.StopTimeout = timeout
	return b
}

func (b *Builder) SetMemoryInfoInterval(interval time.Duration) *Builder {
	b.options.MemoryInfoInterval = interval
	return b
}

func (b *Builder) SetLogger(logger types.Logger) *Builder {
	b.options.Logger = logger
	return b
}

func (b *Builder) SetLauncher(launcher Launcher) *Builder {
	b.launcher = launcher
	return b
}

// RegisterArgumentSerializer adds provider to the serializers of the worker.
// A registration error is reported by Build.
func (b *Builder) RegisterArgumentSerializer(provider serializer.Provider) *Builder {
	if err := b.registry.Register(provider); err != nil {
		b.err = errors.Join(b.err, err)
	}
	return b
}

// UseApplicationNamespaceOnly makes argument types resolve by their bare
// names, both in the parent and in the worker.
func (b *Builder) UseApplicationNamespaceOnly() *Builder {
	b.namespace = ""
	b.options.Implementation = ""
	return b
}

func (b *Builder) BaseName() string {
	return b.options.BaseName
}

func (b *Builder) LogLevel() types.Level {
	return b.options.LogLevel
}

// Options returns a copy of the process options collected so far. The
// application path and shared packages are read from it.
func (b *Builder) Options() *process.Options {
	return b.options.Clone()
}

// Build returns the typed handle created by bind. The worker is not started.
func Build[W any](b *Builder, bind func(*Dispatcher) W) (W, error) {
	var handle W
	if b.err != nil {
		return handle, errors.Join(OptionsErr, b.err)
	}
	if b.launcher == nil || bind == nil {
		return handle, OptionsErr
	}

	options := b.options.Clone()
	options.PublishMemoryInfo = true
	if options.Logger == nil {
		root := logging.New(logging.Zerolog, options.BaseName, os.Stderr)
		root.SetLevel(options.LogLevel)
		options.Logger = root
	}

	p, err := b.launcher(options)
	if err != nil {
		return handle, errors.Join(OptionsErr, err)
	}
	d := newDispatcher(p, b.registry, b.namespace, b.onFailure, options.Logger)
	bound := bind(d)
	if d.bindErr != nil {
		return handle, errors.Join(OptionsErr, d.bindErr)
	}
	return bound, nil
}
