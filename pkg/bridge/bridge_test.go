// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/polyglot/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loopholelabs/workerbridge/pkg/process"
	"github.com/loopholelabs/workerbridge/pkg/rpc"
	"github.com/loopholelabs/workerbridge/pkg/serializer"
)

type point struct {
	X, Y int64
}

func pointProvider(set *serializer.Set) error {
	return set.Register(serializer.New("compiler.point", func(buf *polyglot.Buffer, p point) {
		polyglot.Encoder(buf).Int64(p.X).Int64(p.Y)
	}, func(data []byte) (point, error) {
		d := polyglot.Decoder(data)
		var p point
		var err error
		if p.X, err = d.Int64(); err != nil {
			return p, err
		}
		p.Y, err = d.Int64()
		return p, err
	}))
}

var crashErr = errors.New("worker crashed")

// behavior is what the fake worker does with its end of the connection.
type behavior func(t *testing.T, conn net.Conn, logger types.Logger) (*process.Exit, error)

func serve(t *testing.T, conn net.Conn, logger types.Logger) (*process.Exit, error) {
	return serveWith(nil)(t, conn, logger)
}

// serveWith serves the compiler operations plus extra.
func serveWith(extra map[string]rpc.HandleFunc) behavior {
	return func(t *testing.T, conn net.Conn, logger types.Logger) (*process.Exit, error) {
		return serveHandlers(t, conn, logger, extra)
	}
}

func serveHandlers(t *testing.T, conn net.Conn, logger types.Logger, extra map[string]rpc.HandleFunc) (*process.Exit, error) {
	registry := serializer.NewRegistry()
	require.NoError(t, registry.Register(pointProvider))
	set, err := registry.Materialize("compiler")
	require.NoError(t, err)
	handlers := map[string]rpc.HandleFunc{
		"compile": func(_ context.Context, args []any) (rpc.Result, error) {
			return rpc.Result{Type: serializer.TypeString, Value: "ok"}, nil
		},
		"f": func(context.Context, []any) (rpc.Result, error) {
			return rpc.Result{Type: serializer.TypeString, Value: "f-sentinel"}, nil
		},
		"g": func(context.Context, []any) (rpc.Result, error) {
			return rpc.Result{Type: serializer.TypeString, Value: "g-sentinel"}, nil
		},
		"move": func(_ context.Context, args []any) (rpc.Result, error) {
			p := args[0].(point)
			return rpc.Result{Type: "point", Value: point{X: p.X + args[1].(int64), Y: p.Y}}, nil
		},
		"reset": func(context.Context, []any) (rpc.Result, error) {
			return rpc.Void(), nil
		},
		"trace": func(ctx context.Context, _ []any) (rpc.Result, error) {
			return rpc.Result{Type: serializer.TypeUUID, Value: rpc.TraceFromContext(ctx)}, nil
		},
		"fail": func(context.Context, []any) (rpc.Result, error) {
			return rpc.Result{}, errors.New("file not found")
		},
		"wrong": func(context.Context, []any) (rpc.Result, error) {
			return rpc.Result{Type: serializer.TypeInt64, Value: int64(1)}, nil
		},
		"echo": func(_ context.Context, args []any) (rpc.Result, error) {
			return rpc.Result{Type: serializer.TypeString, Value: args[0]}, nil
		},
		"explode": func(context.Context, []any) (rpc.Result, error) {
			panic("compiler exploded")
		},
	}
	for name, handler := range extra {
		handlers[name] = handler
	}
	err = rpc.NewWorker(handlers, set, logger).Serve(context.Background(), conn)
	if err != nil {
		return &process.Exit{Code: 1}, errors.Join(process.ExitErr, err)
	}
	return &process.Exit{Code: 0}, nil
}

// stopUnanswered reports the first request on received, leaves it
// unanswered and exits cleanly once the stop frame arrives.
func stopUnanswered(received chan<- struct{}) behavior {
	return func(_ *testing.T, conn net.Conn, _ types.Logger) (*process.Exit, error) {
		_, _ = rpc.ReadFrame(conn)
		close(received)
		_, _ = rpc.ReadFrame(conn)
		return &process.Exit{Code: 0}, nil
	}
}

// hangUp reads one request and closes the connection without answering.
func hangUp(exitErr error) behavior {
	return func(_ *testing.T, conn net.Conn, _ types.Logger) (*process.Exit, error) {
		_, _ = rpc.ReadFrame(conn)
		if exitErr != nil {
			return &process.Exit{Code: 139}, exitErr
		}
		return &process.Exit{Code: 0}, nil
	}
}

type stopCounter struct {
	net.Conn
	stops *atomic.Int32
}

func (c *stopCounter) Write(b []byte) (int, error) {
	if len(b) > rpc.FrameHeaderSize {
		if kind, err := rpc.PeekKind(b[rpc.FrameHeaderSize:]); err == nil && kind == rpc.KindStop {
			c.stops.Add(1)
		}
	}
	return c.Conn.Write(b)
}

type fakeProcess struct {
	t        *testing.T
	options  *process.Options
	behavior behavior
	startErr error
	prewired bool

	connection *rpc.Connection
	done       chan struct{}
	exit       *process.Exit
	exitErr    error

	stops    atomic.Int32
	waits    atomic.Int32
	failures atomic.Int32
	once     sync.Once
}

func (p *fakeProcess) Start(context.Context) error {
	if p.startErr != nil {
		return p.startErr
	}
	parent, child := net.Pipe()
	p.connection = rpc.NewConnection(&stopCounter{Conn: parent, stops: &p.stops}, p.options.Logger)
	if p.prewired {
		_ = p.connection.AddIncoming(rpc.NewReceiver(p.options.Logger))
	}
	p.done = make(chan struct{})
	go func() {
		p.exit, p.exitErr = p.behavior(p.t, child, p.options.Logger)
		_ = child.Close()
		close(p.done)
	}()
	return nil
}

func (p *fakeProcess) WaitForStop() (*process.Exit, error) {
	p.waits.Add(1)
	if p.done == nil {
		return nil, process.NotStartedErr
	}
	<-p.done
	p.once.Do(func() {
		_ = p.connection.Close()
	})
	return p.exit, p.exitErr
}

func (p *fakeProcess) Connection() *rpc.Connection {
	return p.connection
}

func (p *fakeProcess) BaseName() string {
	return p.options.BaseName
}

type compiler struct {
	*Dispatcher
	compile *Method
	f       *Method
	g       *Method
	move    *Method
	reset   *Method
	trace   *Method
	fail    *Method
	wrong   *Method
	echo    *Method
	explode *Method
	hold    *Method
}

func bindCompiler(d *Dispatcher) *compiler {
	return &compiler{
		Dispatcher: d,
		compile:    d.Operation("compile", serializer.TypeString, serializer.TypeString),
		f:          d.Operation("f", serializer.TypeString),
		g:          d.Operation("g", serializer.TypeString),
		move:       d.Operation("move", "point", "point", serializer.TypeInt64),
		reset:      d.Operation("reset", ""),
		trace:      d.Operation("trace", serializer.TypeUUID),
		fail:       d.Operation("fail", serializer.TypeString, serializer.TypeString),
		wrong:      d.Operation("wrong", serializer.TypeString),
		echo:       d.Operation("echo", serializer.TypeString, serializer.TypeString),
		explode:    d.Operation("explode", ""),
		hold:       d.Operation("hold", serializer.TypeString),
	}
}

func (c *compiler) Compile(ctx context.Context, file string) (string, error) {
	return Call[string](ctx, c.compile, file)
}

func newCompiler(t *testing.T, b behavior, configure func(*Builder)) (*compiler, *fakeProcess) {
	var fake *fakeProcess
	builder := NewBuilder("compiler").
		SetBaseName("compiler-worker").
		SetExecutable("compiler").
		SetLogger(logging.Test(t, logging.Zerolog, t.Name())).
		RegisterArgumentSerializer(pointProvider).
		SetLauncher(func(options *process.Options) (Process, error) {
			fake = &fakeProcess{t: t, options: options, behavior: b}
			return fake, nil
		})
	if configure != nil {
		configure(builder)
	}
	c, err := Build(builder, bindCompiler)
	require.NoError(t, err)
	return c, fake
}

func TestBuildOptions(t *testing.T) {
	_, fake := newCompiler(t, serve, func(b *Builder) {
		b.ApplicationPath("/app").SharedPackages("shared").SetLogLevel(types.DebugLevel)
	})
	assert.True(t, fake.options.PublishMemoryInfo)
	assert.Equal(t, "compiler-worker", fake.options.BaseName)
	assert.Equal(t, "compiler", fake.options.Implementation)
	assert.Equal(t, []string{"/app"}, fake.options.ApplicationPath)
	assert.Equal(t, []string{"shared"}, fake.options.SharedPackages)
	assert.Equal(t, types.DebugLevel, fake.options.LogLevel)

	_, fake = newCompiler(t, serve, func(b *Builder) {
		b.UseApplicationNamespaceOnly()
	})
	assert.Equal(t, "", fake.options.Implementation)
}

func TestBuildInvalid(t *testing.T) {
	builder := NewBuilder("compiler").SetLogger(logging.Test(t, logging.Zerolog, t.Name()))
	_, err := Build(builder, bindCompiler)
	assert.ErrorIs(t, err, OptionsErr)
	assert.ErrorIs(t, err, process.OptionsErr)

	builder.SetExecutable("compiler").SetLauncher(func(options *process.Options) (Process, error) {
		return &fakeProcess{t: t, options: options}, nil
	})
	_, err = Build(builder, func(d *Dispatcher) *Method {
		d.Operation("twice", "")
		return d.Operation("twice", "")
	})
	assert.ErrorIs(t, err, OptionsErr)

	_, err = Build(builder, func(d *Dispatcher) *Method {
		return d.Operation("start", "")
	})
	assert.ErrorIs(t, err, OptionsErr)
}

// A configured worker answers a call with its result.
func TestCallSucceeds(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, fake := newCompiler(t, serve, nil)
	p, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "compiler-worker", p.BaseName())

	result, err := c.Compile(context.Background(), "fileX")
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	exit, err := c.Stop()
	require.NoError(t, err)
	assert.Equal(t, 0, exit.Code)
	assert.Equal(t, int32(1), fake.stops.Load())
}

// A worker that crashes before answering surfaces as lost communication.
func TestCrashWithoutResponse(t *testing.T) {
	defer goleak.VerifyNone(t)

	var failed Process
	c, fake := newCompiler(t, hangUp(crashErr), func(b *Builder) {
		b.OnProcessFailure(func(p Process) {
			failed = p
		})
	})
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	_, err = c.Compile(context.Background(), "fileX")
	assert.ErrorIs(t, err, CommunicationLostErr)
	assert.ErrorIs(t, err, RunErr)
	assert.ErrorIs(t, err, crashErr)
	assert.Contains(t, err.Error(), "compiler-worker")
	assert.Same(t, fake, failed)

	_, err = c.Compile(context.Background(), "fileX")
	assert.ErrorIs(t, err, NotRunningErr)

	exit, err := c.Stop()
	assert.ErrorIs(t, err, crashErr)
	assert.Equal(t, 139, exit.Code)
	assert.Equal(t, int32(0), fake.stops.Load())
	assert.Equal(t, int32(1), fake.waits.Load())
}

// A worker that exits cleanly without answering is a protocol violation.
func TestCleanExitWithoutResponse(t *testing.T) {
	defer goleak.VerifyNone(t)

	calls := 0
	c, _ := newCompiler(t, hangUp(nil), func(b *Builder) {
		b.OnProcessFailure(func(Process) {
			calls++
		})
	})
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	_, err = c.Compile(context.Background(), "fileX")
	assert.ErrorIs(t, err, ProtocolViolationErr)
	assert.NotErrorIs(t, err, CommunicationLostErr)
	assert.Contains(t, err.Error(), "no response was received from compiler-worker but the worker process has finished")
	assert.Equal(t, 1, calls)

	_, err = c.Stop()
	assert.NoError(t, err)
}

// Consecutive calls each receive their own result.
func TestSequentialCallsKeepOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _ := newCompiler(t, serve, nil)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		f, err := Call[string](context.Background(), c.f)
		require.NoError(t, err)
		g, err := Call[string](context.Background(), c.g)
		require.NoError(t, err)
		assert.Equal(t, "f-sentinel", f)
		assert.Equal(t, "g-sentinel", g)
	}

	_, err = c.Stop()
	require.NoError(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, fake := newCompiler(t, serve, nil)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	first, err := c.Stop()
	require.NoError(t, err)
	second, err := c.Stop()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), fake.stops.Load())
	assert.Equal(t, int32(1), fake.waits.Load())

	_, err = c.Compile(context.Background(), "fileX")
	assert.ErrorIs(t, err, NotRunningErr)
}

func TestStartFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	launchErr := errors.New("executable not found")
	c, fake := newCompiler(t, serve, nil)
	fake.startErr = launchErr

	_, err := c.Start(context.Background())
	assert.ErrorIs(t, err, StartErr)
	assert.ErrorIs(t, err, launchErr)
	assert.Contains(t, err.Error(), "compiler-worker")
	assert.Nil(t, c.sender)

	_, err = c.Compile(context.Background(), "fileX")
	assert.ErrorIs(t, err, NotRunningErr)

	_, err = c.Stop()
	assert.ErrorIs(t, err, NotRunningErr)
	assert.Equal(t, int32(0), fake.stops.Load())
}

func TestRemoteFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _ := newCompiler(t, serve, nil)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	_, err = Call[string](context.Background(), c.fail, "fileX")
	assert.ErrorIs(t, err, rpc.RemoteErr)
	assert.Contains(t, err.Error(), "file not found")

	result, err := c.Compile(context.Background(), "fileY")
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	_, err = c.Stop()
	require.NoError(t, err)
}

func TestResultTypeMismatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _ := newCompiler(t, serve, nil)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	_, err = Call[string](context.Background(), c.wrong)
	assert.ErrorIs(t, err, ProtocolViolationErr)

	_, err = Call[int64](context.Background(), c.f)
	assert.ErrorIs(t, err, ProtocolViolationErr)

	_, err = c.Stop()
	require.NoError(t, err)
}

func TestCustomSerializer(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _ := newCompiler(t, serve, nil)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	moved, err := Call[point](context.Background(), c.move, point{X: 1, Y: 2}, int64(40))
	require.NoError(t, err)
	assert.Equal(t, point{X: 41, Y: 2}, moved)

	_, err = Call[point](context.Background(), c.move, "not a point", int64(1))
	assert.ErrorIs(t, err, serializer.TypeErr)

	_, err = Call[point](context.Background(), c.move, point{})
	assert.ErrorIs(t, err, rpc.ArityErr)

	_, err = c.Stop()
	require.NoError(t, err)
}

func TestVoidAndTrace(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _ := newCompiler(t, serve, nil)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, Exec(context.Background(), c.reset))

	id := uuid.New()
	trace, err := Call[uuid.UUID](rpc.WithTrace(context.Background(), id), c.trace)
	require.NoError(t, err)
	assert.Equal(t, id, trace)

	value, err := c.Invoke(context.Background(), "compile", "fileZ")
	require.NoError(t, err)
	assert.Equal(t, "ok", value)

	_, err = c.Invoke(context.Background(), "link")
	assert.ErrorIs(t, err, UnknownOperationErr)

	exit, err := c.Invoke(context.Background(), "stop")
	require.NoError(t, err)
	assert.Equal(t, 0, exit.(*process.Exit).Code)
}

func TestAlreadyStarted(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _ := newCompiler(t, serve, nil)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	_, err = c.Start(context.Background())
	assert.ErrorIs(t, err, StartErr)
	assert.ErrorIs(t, err, process.AlreadyStartedErr)

	_, err = c.Stop()
	require.NoError(t, err)
}

func TestConcurrentCallers(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _ := newCompiler(t, serve, nil)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	const callers, calls = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, callers*calls)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(caller int) {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				want := fmt.Sprintf("caller-%d-call-%d", caller, j)
				got, err := Call[string](context.Background(), c.echo, want)
				if err != nil {
					errs <- err
					continue
				}
				if got != want {
					errs <- fmt.Errorf("expected %q, got %q", want, got)
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	_, err = c.Stop()
	require.NoError(t, err)
}

func TestStopDuringCall(t *testing.T) {
	defer goleak.VerifyNone(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	c, _ := newCompiler(t, serveWith(map[string]rpc.HandleFunc{
		"hold": func(context.Context, []any) (rpc.Result, error) {
			close(entered)
			<-release
			return rpc.Result{Type: serializer.TypeString, Value: "held"}, nil
		},
	}), nil)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		value, err := Call[string](context.Background(), c.hold)
		if err == nil && value != "held" {
			err = fmt.Errorf("unexpected result %q", value)
		}
		result <- err
	}()
	<-entered

	stopped := make(chan error, 1)
	go func() {
		_, err := c.Stop()
		stopped <- err
	}()
	close(release)

	require.NoError(t, <-result)
	require.NoError(t, <-stopped)
}

func TestStopInterruptsUnansweredCall(t *testing.T) {
	defer goleak.VerifyNone(t)

	received := make(chan struct{})
	var failures atomic.Int32
	c, _ := newCompiler(t, stopUnanswered(received), func(b *Builder) {
		b.OnProcessFailure(func(Process) {
			failures.Add(1)
		})
	})
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := c.Compile(context.Background(), "fileX")
		result <- err
	}()
	<-received

	exit, err := c.Stop()
	require.NoError(t, err)
	assert.Equal(t, 0, exit.Code)

	err = <-result
	assert.ErrorIs(t, err, NotRunningErr)
	assert.NotErrorIs(t, err, ProtocolViolationErr)
	assert.Equal(t, int32(0), failures.Load())
}

func TestHandlerPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _ := newCompiler(t, serve, nil)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	err = Exec(context.Background(), c.explode)
	assert.ErrorIs(t, err, rpc.RemoteErr)
	assert.Contains(t, err.Error(), "compiler exploded")

	result, err := c.Compile(context.Background(), "fileX")
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	_, err = c.Stop()
	require.NoError(t, err)
}

func TestConnectFailureStopsWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, fake := newCompiler(t, serve, nil)
	fake.prewired = true

	_, err := c.Start(context.Background())
	assert.ErrorIs(t, err, StartErr)
	assert.ErrorIs(t, err, rpc.StateErr)
	assert.Equal(t, int32(1), fake.waits.Load())

	_, err = c.Compile(context.Background(), "fileX")
	assert.ErrorIs(t, err, NotRunningErr)
}

func TestBuilderAccessors(t *testing.T) {
	b := NewBuilder("compiler").
		SetBaseName("compiler-worker").
		SetLogLevel(types.WarnLevel).
		ApplicationPath("/app").
		SharedPackages("shared")
	assert.Equal(t, "compiler-worker", b.BaseName())
	assert.Equal(t, types.WarnLevel, b.LogLevel())

	options := b.Options()
	assert.Equal(t, []string{"/app"}, options.ApplicationPath)
	assert.Equal(t, []string{"shared"}, options.SharedPackages)

	options.ApplicationPath[0] = "/changed"
	assert.Equal(t, []string{"/app"}, b.Options().ApplicationPath)
}

var _ Control = (*Dispatcher)(nil)
