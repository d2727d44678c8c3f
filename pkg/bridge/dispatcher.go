// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/workerbridge/pkg/process"
	"github.com/loopholelabs/workerbridge/pkg/rpc"
	"github.com/loopholelabs/workerbridge/pkg/serializer"
)

// Process is a launched worker as seen by a Dispatcher. *process.Process
// implements it.
type Process interface {
	Start(ctx context.Context) error
	WaitForStop() (*process.Exit, error)
	Connection() *rpc.Connection
	BaseName() string
}

// Control is the lifecycle part of every typed worker handle.
type Control interface {
	Start(ctx context.Context) (Process, error)
	Stop() (*process.Exit, error)
}

type Kind int

const (
	KindStart Kind = iota
	KindStop
	KindInvoke
)

const (
	methodStart = "start"
	methodStop  = "stop"
)

const (
	stateNotStarted = iota
	stateRunning
	stateStopped
)

// Method is one entry of the dispatch table of a Dispatcher.
type Method struct {
	Name       string
	Kind       Kind
	Result     string
	Parameters []string

	d *Dispatcher
}

// Invoke dispatches a call to m with args.
func (m *Method) Invoke(ctx context.Context, args ...any) (any, error) {
	switch m.Kind {
	case KindStart:
		return m.d.start(ctx)
	case KindStop:
		return m.d.stop()
	default:
		return m.d.invoke(ctx, m, args)
	}
}

// Dispatcher turns method calls on a typed worker handle into requests to
// the worker process. At most one request is outstanding at a time.
type Dispatcher struct {
	process   Process
	registry  *serializer.Registry
	namespace string
	onFailure func(Process)
	methods   map[string]*Method
	bindErr   error

	callMu sync.Mutex

	mu       sync.Mutex
	state    int
	stopping bool
	sender   *rpc.Sender
	receiver *rpc.Receiver
	stopped  bool
	exit     *process.Exit
	stopErr  error

	logger logging.Logger
}

func newDispatcher(p Process, registry *serializer.Registry, namespace string, onFailure func(Process), logger logging.Logger) *Dispatcher {
	d := &Dispatcher{
		process:   p,
		registry:  registry,
		namespace: namespace,
		onFailure: onFailure,
		methods:   make(map[string]*Method),
		logger:    logger.SubLogger("dispatcher"),
	}
	d.methods[methodStart] = &Method{Name: methodStart, Kind: KindStart, d: d}
	d.methods[methodStop] = &Method{Name: methodStop, Kind: KindStop, d: d}
	return d
}

// Operation declares a worker operation returning a value described by
// result, or nothing if result is empty, and taking arguments described by
// params. Declaring the same name twice makes Build fail.
func (d *Dispatcher) Operation(name string, result string, params ...string) *Method {
	m := &Method{
		Name:       name,
		Kind:       KindInvoke,
		Result:     result,
		Parameters: params,
		d:          d,
	}
	if _, ok := d.methods[name]; ok || name == "" {
		d.bindErr = errors.Join(d.bindErr, fmt.Errorf("operation %q declared twice or unnamed", name))
		return m
	}
	d.methods[name] = m
	return m
}

// Methods returns the dispatch table, keyed by method name.
func (d *Dispatcher) Methods() map[string]*Method {
	methods := make(map[string]*Method, len(d.methods))
	for name, m := range d.methods {
		methods[name] = m
	}
	return methods
}

// Invoke dispatches a call by method name.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	m, ok := d.methods[name]
	if !ok {
		return nil, wrap(d.process.BaseName(), UnknownOperationErr, fmt.Errorf("%q", name))
	}
	return m.Invoke(ctx, args...)
}

// Process returns the handle of the worker process.
func (d *Dispatcher) Process() Process {
	return d.process
}

func (d *Dispatcher) Start(ctx context.Context) (Process, error) {
	return d.start(ctx)
}

func (d *Dispatcher) Stop() (*process.Exit, error) {
	return d.stop()
}

func (d *Dispatcher) start(ctx context.Context) (Process, error) {
	d.callMu.Lock()
	defer d.callMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()

	baseName := d.process.BaseName()
	if d.state != stateNotStarted {
		return nil, wrap(baseName, StartErr, process.AlreadyStartedErr)
	}

	set, err := d.registry.Materialize(d.namespace)
	if err != nil {
		return nil, wrap(baseName, StartErr, err)
	}
	if err = d.process.Start(ctx); err != nil {
		d.logger.Error().Str("worker", baseName).Err(err).Msg("unable to start worker")
		return nil, wrap(baseName, StartErr, err)
	}

	receiver := rpc.NewReceiver(d.logger)
	sender, err := connect(d.process.Connection(), receiver, set)
	if err != nil {
		if connection := d.process.Connection(); connection != nil {
			_ = connection.Close()
		}
		if _, werr := d.process.WaitForStop(); werr != nil {
			d.logger.Warn().Str("worker", baseName).Err(werr).Msg("worker stopped after failed connection")
		}
		return nil, wrap(baseName, StartErr, err)
	}

	d.receiver = receiver
	d.sender = sender
	d.state = stateRunning
	d.logger.Info().Str("worker", baseName).Msg("worker started")
	return d.process, nil
}

func connect(connection *rpc.Connection, receiver *rpc.Receiver, set *serializer.Set) (*rpc.Sender, error) {
	if connection == nil {
		return nil, rpc.ConnectionErr
	}
	if err := connection.AddIncoming(receiver); err != nil {
		return nil, err
	}
	if err := connection.UseSerializers(set); err != nil {
		return nil, err
	}
	sender, err := connection.AddOutgoing()
	if err != nil {
		return nil, err
	}
	if err = connection.Connect(); err != nil {
		return nil, err
	}
	return sender, nil
}

func (d *Dispatcher) stop() (*process.Exit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	baseName := d.process.BaseName()
	if d.state == stateNotStarted {
		return nil, wrap(baseName, NotRunningErr, process.NotStartedErr)
	}

	if d.sender != nil {
		if err := d.sender.Stop(); err != nil {
			d.logger.Warn().Str("worker", baseName).Err(err).Msg("unable to send stop")
		}
		d.sender = nil
		d.stopping = true
	}
	return d.waitForStop()
}

// waitForStop waits for the worker once and caches the outcome. d.mu must be
// held.
func (d *Dispatcher) waitForStop() (*process.Exit, error) {
	if !d.stopped {
		d.stopped = true
		d.state = stateStopped
		d.exit, d.stopErr = d.process.WaitForStop()
		if d.stopErr != nil {
			d.stopErr = wrap(d.process.BaseName(), d.stopErr)
		}
	}
	return d.exit, d.stopErr
}

func (d *Dispatcher) invoke(ctx context.Context, m *Method, args []any) (any, error) {
	// The trace belongs to the caller, so it is read before anything else.
	trace := rpc.TraceFromContext(ctx)

	d.callMu.Lock()
	defer d.callMu.Unlock()

	baseName := d.process.BaseName()
	d.mu.Lock()
	sender, receiver := d.sender, d.receiver
	d.mu.Unlock()
	if sender == nil {
		return nil, wrap(baseName, NotRunningErr, fmt.Errorf("calling %s", m.Name))
	}
	if len(args) != len(m.Parameters) {
		return nil, wrap(baseName, rpc.ArityErr, fmt.Errorf("%s takes %d arguments, got %d", m.Name, len(m.Parameters), len(args)))
	}

	request := rpc.NewRequest(m.Name, m.Parameters, args, trace)
	if err := sender.Run(request); err != nil {
		if !errors.Is(err, rpc.WriteErr) && !errors.Is(err, rpc.ConnectionErr) {
			return nil, wrap(baseName, err)
		}
		d.logger.Warn().Str("worker", baseName).Str("operation", m.Name).Err(err).Msg("unable to send request")
	}

	if !receiver.AwaitNextResult() {
		return nil, d.lost(m)
	}
	response := receiver.NextResult()
	if response.UUID != request.UUID {
		return nil, wrap(baseName, ProtocolViolationErr, fmt.Errorf("response %s does not answer request %s", response.UUID, request.UUID))
	}
	if response.Error != nil {
		if errors.Is(response.Error, rpc.DecodeErr) {
			return nil, wrap(baseName, ProtocolViolationErr, response.Error)
		}
		return nil, wrap(baseName, rpc.RemoteErr, fmt.Errorf("%s: %w", m.Name, response.Error))
	}
	if response.Type != m.Result {
		return nil, wrap(baseName, ProtocolViolationErr, fmt.Errorf("%s returned %q, expected %q", m.Name, response.Type, m.Result))
	}
	return response.Value, nil
}

// lost handles a request that the worker never answered.
func (d *Dispatcher) lost(m *Method) error {
	baseName := d.process.BaseName()

	d.mu.Lock()
	stopping := d.stopping
	d.sender = nil
	d.mu.Unlock()

	if stopping {
		d.logger.Info().Str("worker", baseName).Str("operation", m.Name).Msg("worker stopped before answering")
		return wrap(baseName, NotRunningErr, fmt.Errorf("%s interrupted by stop", m.Name))
	}
	d.logger.Error().Str("worker", baseName).Str("operation", m.Name).Msg("no response received, worker connection closed")

	if d.onFailure != nil {
		d.onFailure(d.process)
	}

	d.mu.Lock()
	exit, err := d.waitForStop()
	d.mu.Unlock()

	if err != nil {
		return errors.Join(wrap(baseName, CommunicationLostErr, RunErr, fmt.Errorf("calling %s", m.Name)), err)
	}
	code := 0
	if exit != nil {
		code = exit.Code
	}
	return wrap(baseName, ProtocolViolationErr, fmt.Errorf("no response was received from %s but the worker process has finished with code %d", baseName, code))
}

// Call invokes m and returns its result as an R.
func Call[R any](ctx context.Context, m *Method, args ...any) (R, error) {
	var zero R
	value, err := m.Invoke(ctx, args...)
	if err != nil {
		return zero, err
	}
	result, ok := value.(R)
	if !ok {
		return zero, wrap(m.d.process.BaseName(), ProtocolViolationErr, fmt.Errorf("%s returned %T, expected %T", m.Name, value, zero))
	}
	return result, nil
}

// Exec invokes m and discards its result.
func Exec(ctx context.Context, m *Method, args ...any) error {
	_, err := m.Invoke(ctx, args...)
	return err
}
