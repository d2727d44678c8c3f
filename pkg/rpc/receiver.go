// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"sync/atomic"

	logging "github.com/loopholelabs/logging/types"
)

const (
	stateReceiving = iota
	stateReceiverClosed
)

// Receiver queues the responses delivered by a Connection's read loop and
// hands them to the single caller blocked in AwaitNextResult.
type Receiver struct {
	responses chan *Response
	closed    chan struct{}
	state     atomic.Uint32
	next      *Response
	logger    logging.Logger
}

func NewReceiver(logger logging.Logger) *Receiver {
	return &Receiver{
		responses: make(chan *Response, MaximumQueueSize),
		closed:    make(chan struct{}),
		logger:    logger.SubLogger("receiver"),
	}
}

// HandleResponse is called by the delivery side for every response read.
func (r *Receiver) HandleResponse(response *Response) {
	if r.state.Load() != stateReceiving {
		r.logger.Warn().Str("uuid", response.UUID.String()).Msg("dropping response received after close")
		return
	}
	select {
	case r.responses <- response:
	case <-r.closed:
		r.logger.Warn().Str("uuid", response.UUID.String()).Msg("dropping response received after close")
	}
}

// Close marks the end of the response stream. Responses already queued can
// still be consumed.
func (r *Receiver) Close() {
	if r.state.CompareAndSwap(stateReceiving, stateReceiverClosed) {
		close(r.closed)
	}
}

// AwaitNextResult blocks until a response is available, returning true, or
// until the receiver is closed with no response queued, returning false.
func (r *Receiver) AwaitNextResult() bool {
	select {
	case response := <-r.responses:
		r.next = response
		return true
	case <-r.closed:
	}
	select {
	case response := <-r.responses:
		r.next = response
		return true
	default:
		r.next = nil
		return false
	}
}

// NextResult consumes the response made available by the last call to
// AwaitNextResult that returned true. It returns nil otherwise.
func (r *Receiver) NextResult() *Response {
	response := r.next
	r.next = nil
	return response
}
