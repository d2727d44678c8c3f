// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	logging "github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/polyglot/v2"
	"golang.org/x/sync/errgroup"

	"github.com/loopholelabs/workerbridge/internal/cancel"
	"github.com/loopholelabs/workerbridge/pkg/serializer"
)

// Worker serves requests inside the worker process. Each request is answered
// with exactly one response before the next request is read.
type Worker struct {
	handlers           map[string]HandleFunc
	serializers        *serializer.Set
	memoryInfoInterval time.Duration

	writeMu sync.Mutex
	logger  logging.Logger
}

func NewWorker(handlers map[string]HandleFunc, serializers *serializer.Set, logger logging.Logger) *Worker {
	return &Worker{
		handlers:    handlers,
		serializers: serializers,
		logger:      logger.SubLogger("worker"),
	}
}

// PublishMemoryInfo makes Serve send a MemoryInfo frame every interval.
func (w *Worker) PublishMemoryInfo(interval time.Duration) {
	w.memoryInfoInterval = interval
}

// Serve handles requests from conn until a stop frame is received, in which
// case it returns nil, or until the connection or ctx ends.
func (w *Worker) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	g, gctx := errgroup.WithContext(ctx)
	stopped := make(chan struct{})

	g.Go(func() error {
		defer close(stopped)
		watcher := cancel.Watch(gctx, conn.Close)
		err := w.serve(gctx, conn)
		if cerr := watcher.Stop(); cerr != nil && err == nil {
			err = cerr
		}
		return err
	})

	if w.memoryInfoInterval > 0 {
		g.Go(func() error {
			w.publish(gctx, stopped, conn)
			return nil
		})
	}

	return g.Wait()
}

func (w *Worker) serve(ctx context.Context, conn io.ReadWriteCloser) error {
	for {
		body, err := ReadFrame(conn)
		if err != nil {
			w.logger.Error().Err(err).Msg("unable to read from connection")
			return errors.Join(ConnectionErr, err)
		}
		kind, err := PeekKind(body)
		if err != nil {
			w.logger.Error().Err(err).Msg("unable to decode frame kind")
			continue
		}
		switch kind {
		case KindStop:
			w.logger.Info().Msg("received stop, shutting down request loop")
			return nil
		case KindRequest:
			request := new(Request)
			var response *Response
			if err = request.Decode(body, w.serializers); err != nil {
				w.logger.Error().Str("uuid", request.UUID.String()).Err(err).Msg("unable to decode request")
				response = Failure(request.UUID, err)
			} else {
				response = w.handle(ctx, request)
			}
			if err = w.respond(conn, response); err != nil {
				return err
			}
		default:
			w.logger.Warn().Str("kind", kind.String()).Msg("unexpected frame from parent")
		}
	}
}

func (w *Worker) handle(ctx context.Context, request *Request) (response *Response) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Str("uuid", request.UUID.String()).Str("operation", request.Operation).Msgf("handler panicked: %v", r)
			response = Failure(request.UUID, errors.Join(HandlerErr, fmt.Errorf("%s: %v", request.Operation, r)))
		}
	}()
	handler, ok := w.handlers[request.Operation]
	if !ok {
		w.logger.Warn().Str("operation", request.Operation).Msg("unknown operation")
		return Failure(request.UUID, errors.Join(UnknownOperationErr, fmt.Errorf("%q", request.Operation)))
	}
	w.logger.Debug().Str("uuid", request.UUID.String()).Str("operation", request.Operation).Str("trace", request.Trace.String()).Msg("handling request")
	result, err := handler(WithTrace(ctx, request.Trace), request.Arguments)
	if err != nil {
		return Failure(request.UUID, err)
	}
	return Success(request.UUID, result)
}

func (w *Worker) respond(conn io.Writer, response *Response) error {
	buf := polyglot.GetBuffer()
	defer polyglot.PutBuffer(buf)
	if err := response.Encode(buf, w.serializers); err != nil {
		w.logger.Error().Str("uuid", response.UUID.String()).Err(err).Msg("unable to encode response")
		buf.Reset()
		_ = Failure(response.UUID, err).Encode(buf, w.serializers)
	}
	return w.write(conn, buf.Bytes())
}

func (w *Worker) write(conn io.Writer, body []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := WriteFrame(conn, body); err != nil {
		w.logger.Error().Err(err).Msg("unable to write frame")
		return errors.Join(WriteErr, err)
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, stopped <-chan struct{}, conn io.Writer) {
	ticker := time.NewTicker(w.memoryInfoInterval)
	defer ticker.Stop()
	buf := polyglot.GetBuffer()
	defer polyglot.PutBuffer(buf)
	for {
		buf.Reset()
		ReadMemoryInfo().Encode(buf)
		if err := w.write(conn, buf.Bytes()); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-stopped:
			return
		case <-ticker.C:
		}
	}
}
