// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
)

var (
	EncodeErr           = errors.New("unable to encode frame")
	DecodeErr           = errors.New("unable to decode frame")
	FrameSizeErr        = errors.New("frame exceeds maximum size")
	KindErr             = errors.New("unexpected frame kind")
	StateErr            = errors.New("invalid connection state")
	ConnectionErr       = errors.New("connection closed")
	WriteErr            = errors.New("unable to write frame")
	RemoteErr           = errors.New("remote operation failed")
	UnknownOperationErr = errors.New("unknown operation")
	HandlerErr          = errors.New("operation handler panicked")
)

const (
	MaximumQueueSize = 1024
	MaximumFrameSize = 64 << 20
	FrameHeaderSize  = 4
)

type Kind uint32

const (
	KindRequest Kind = iota
	KindResponse
	KindStop
	KindMemoryInfo
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindStop:
		return "stop"
	case KindMemoryInfo:
		return "memory-info"
	default:
		return "unknown"
	}
}

// Result is the successful outcome of an operation. An empty Type is void.
type Result struct {
	Type  string
	Value any
}

func Void() Result {
	return Result{}
}

// HandleFunc executes one operation inside the worker process.
type HandleFunc func(ctx context.Context, args []any) (Result, error)

// IncomingHandler receives the responses read from a Connection. Close is
// called once the response stream has ended.
type IncomingHandler interface {
	HandleResponse(*Response)
	Close()
}
