// SPDX-License-Identifier: Apache-2.0

// Package listener accepts the connections that worker processes dial back
// to their parent over a private unix socket.
package listener

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	logging "github.com/loopholelabs/logging/types"
)

var (
	OptionsErr = errors.New("invalid options")
	ListenErr  = errors.New("unable to listen")
	ClosedErr  = errors.New("listener closed")
	CloseErr   = errors.New("unable to close listener")
)

const (
	network = "unix"
)

const (
	stateListening = iota
	stateClosed
)

type Listener struct {
	listener             *net.UnixListener
	path                 string
	availableConnections chan *net.UnixConn
	state                atomic.Uint32
	logger               logging.Logger
	wg                   sync.WaitGroup
}

func New(options *Options) (*Listener, error) {
	if !validOptions(options) {
		return nil, OptionsErr
	}

	unixListener, err := net.ListenUnix(network, &net.UnixAddr{
		Name: options.UnixPath,
		Net:  network,
	})
	if err != nil {
		return nil, errors.Join(ListenErr, err)
	}

	lis := &Listener{
		listener:             unixListener,
		path:                 options.UnixPath,
		availableConnections: make(chan *net.UnixConn, options.MaxConn),
		logger:               options.Logger.SubLogger("listener"),
	}

	lis.state.Store(stateListening)
	lis.wg.Add(1)
	go lis.accept()

	return lis, nil
}

func (lis *Listener) Path() string {
	return lis.path
}

// AcceptContext returns the next connection dialed by a worker, or an error
// once ctx ends or the listener is closed.
func (lis *Listener) AcceptContext(ctx context.Context) (*net.UnixConn, error) {
	if lis.state.Load() != stateListening {
		return nil, ClosedErr
	}
	select {
	case conn, ok := <-lis.availableConnections:
		if !ok {
			return nil, ClosedErr
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (lis *Listener) Close() error {
	if lis.state.CompareAndSwap(stateListening, stateClosed) {
		err := lis.listener.Close()
		if err != nil {
			return errors.Join(CloseErr, err)
		}
		lis.wg.Wait()
		for conn := range lis.availableConnections {
			lis.logger.Warn().Str("path", lis.path).Msg("closing connection that was never accepted")
			err = conn.Close()
			if err != nil {
				lis.logger.Warn().Err(err).Msg("unable to close connection")
			}
		}
	}
	return nil
}

func (lis *Listener) accept() {
	for {
		conn, err := lis.listener.AcceptUnix()
		if err != nil {
			if lis.state.Load() == stateClosed {
				lis.logger.Debug().Str("path", lis.path).Msg("listener closed")
			} else {
				lis.logger.Error().Err(err).Msg("unable to accept connection")
			}
			goto OUT
		}
		select {
		case lis.availableConnections <- conn:
			lis.logger.Debug().Str("path", lis.path).Msg("accepted worker connection")
		default:
			lis.logger.Warn().Msg("connection dropped")
			_ = conn.Close()
		}
	}
OUT:
	close(lis.availableConnections)
	lis.wg.Done()
}
