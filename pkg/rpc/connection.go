// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	logging "github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/polyglot/v2"

	"github.com/loopholelabs/workerbridge/pkg/serializer"
)

const (
	stateNew = iota
	stateIncoming
	stateSerializers
	stateOutgoing
	stateConnected
)

// Connection is the parent side of a worker connection. It is configured by
// calling AddIncoming, UseSerializers, AddOutgoing and Connect in that order.
type Connection struct {
	conn        io.ReadWriteCloser
	incoming    IncomingHandler
	serializers *serializer.Set
	memoryInfo  func(*MemoryInfo)

	stateMu sync.Mutex
	state   int
	closed  atomic.Bool
	writeMu sync.Mutex
	done    chan struct{}

	logger logging.Logger
	wg     sync.WaitGroup
}

func NewConnection(conn io.ReadWriteCloser, logger logging.Logger) *Connection {
	return &Connection{
		conn:   conn,
		done:   make(chan struct{}),
		logger: logger.SubLogger("connection"),
	}
}

func (c *Connection) advance(from int, to int) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed.Load() {
		return errors.Join(StateErr, ConnectionErr)
	}
	if c.state != from {
		return errors.Join(StateErr, fmt.Errorf("expected state %d, found %d", from, c.state))
	}
	c.state = to
	if to == stateConnected {
		c.wg.Add(1)
		go c.read()
	}
	return nil
}

func (c *Connection) AddIncoming(handler IncomingHandler) error {
	if err := c.advance(stateNew, stateIncoming); err != nil {
		return err
	}
	c.incoming = handler
	return nil
}

func (c *Connection) UseSerializers(set *serializer.Set) error {
	if err := c.advance(stateIncoming, stateSerializers); err != nil {
		return err
	}
	c.serializers = set
	return nil
}

func (c *Connection) AddOutgoing() (*Sender, error) {
	if err := c.advance(stateSerializers, stateOutgoing); err != nil {
		return nil, err
	}
	return &Sender{c: c}, nil
}

// OnMemoryInfo sets the handler for memory diagnostics published by the
// worker. It must be called before Connect.
func (c *Connection) OnMemoryInfo(handler func(*MemoryInfo)) {
	c.memoryInfo = handler
}

func (c *Connection) Connect() error {
	return c.advance(stateOutgoing, stateConnected)
}

// Done is closed once the read loop has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close closes the underlying connection and waits for the read loop to exit.
// It is safe to call Close more than once.
func (c *Connection) Close() error {
	var err error
	c.stateMu.Lock()
	if !c.closed.Swap(true) {
		err = c.conn.Close()
		if c.state != stateConnected {
			if c.incoming != nil {
				c.incoming.Close()
			}
			close(c.done)
		}
	}
	c.stateMu.Unlock()
	c.wg.Wait()
	return err
}

func (c *Connection) write(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ConnectionErr
	}
	if err := WriteFrame(c.conn, body); err != nil {
		c.logger.Error().Err(err).Msg("unable to write frame, closing connection")
		_ = c.conn.Close()
		return errors.Join(WriteErr, err)
	}
	return nil
}

func (c *Connection) read() {
	var body []byte
	var kind Kind
	var err error
	for {
		body, err = ReadFrame(c.conn)
		if err != nil {
			if c.closed.Load() || errors.Is(err, io.EOF) {
				c.logger.Debug().Msg("response stream ended")
			} else {
				c.logger.Error().Err(err).Msg("unable to read from connection")
			}
			goto OUT
		}
		kind, err = PeekKind(body)
		if err != nil {
			c.logger.Error().Err(err).Msg("unable to decode frame kind")
			continue
		}
		switch kind {
		case KindResponse:
			response := new(Response)
			if err = response.Decode(body, c.serializers); err != nil {
				c.logger.Error().Str("uuid", response.UUID.String()).Err(err).Msg("unable to decode response")
				response.Error = err
				response.Type = ""
				response.Value = nil
			}
			c.logger.Debug().Str("uuid", response.UUID.String()).Msg("received response")
			c.incoming.HandleResponse(response)
		case KindMemoryInfo:
			info := new(MemoryInfo)
			if err = info.Decode(body); err != nil {
				c.logger.Warn().Err(err).Msg("unable to decode memory info")
				continue
			}
			if c.memoryInfo != nil {
				c.memoryInfo(info)
			}
		default:
			c.logger.Warn().Str("kind", kind.String()).Msg("unexpected frame from worker")
		}
	}
OUT:
	c.incoming.Close()
	close(c.done)
	c.wg.Done()
}

// Sender is the outgoing request channel of a Connection.
type Sender struct {
	c *Connection
}

// Run sends request. The response is delivered to the incoming handler.
func (s *Sender) Run(request *Request) error {
	buf := polyglot.GetBuffer()
	defer polyglot.PutBuffer(buf)
	if err := request.Encode(buf, s.c.serializers); err != nil {
		return err
	}
	s.c.logger.Debug().Str("uuid", request.UUID.String()).Str("operation", request.Operation).Msg("sending request")
	return s.c.write(buf.Bytes())
}

// Stop asks the worker to leave its request loop.
func (s *Sender) Stop() error {
	buf := polyglot.GetBuffer()
	defer polyglot.PutBuffer(buf)
	EncodeStop(buf)
	s.c.logger.Debug().Msg("sending stop")
	return s.c.write(buf.Bytes())
}
