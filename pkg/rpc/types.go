// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/loopholelabs/polyglot/v2"

	"github.com/loopholelabs/workerbridge/pkg/serializer"
)

var (
	ArityErr = errors.New("parameter types and arguments differ in length")
)

// Request is a single operation invocation. It is not modified once built.
type Request struct {
	UUID           uuid.UUID
	Operation      string
	ParameterTypes []string
	Arguments      []any
	Trace          uuid.UUID
}

func NewRequest(operation string, parameterTypes []string, arguments []any, trace uuid.UUID) *Request {
	return &Request{
		UUID:           uuid.New(),
		Operation:      operation,
		ParameterTypes: parameterTypes,
		Arguments:      arguments,
		Trace:          trace,
	}
}

func (r *Request) Encode(buf *polyglot.Buffer, set *serializer.Set) error {
	if len(r.ParameterTypes) != len(r.Arguments) {
		return errors.Join(EncodeErr, ArityErr)
	}
	arguments := make([][]byte, len(r.Arguments))
	for i, argument := range r.Arguments {
		data, err := set.Encode(r.ParameterTypes[i], argument)
		if err != nil {
			return errors.Join(EncodeErr, fmt.Errorf("argument %d of %s: %w", i, r.Operation, err))
		}
		arguments[i] = data
	}
	e := polyglot.Encoder(buf).Uint32(uint32(KindRequest)).Bytes(r.UUID[:]).String(r.Operation).Bytes(r.Trace[:]).Uint32(uint32(len(arguments)))
	for i, data := range arguments {
		e.String(r.ParameterTypes[i]).Bytes(data)
	}
	return nil
}

func (r *Request) Decode(buf []byte, set *serializer.Set) error {
	d := polyglot.Decoder(buf)
	kind, err := d.Uint32()
	if err != nil {
		return errors.Join(DecodeErr, err)
	}
	if Kind(kind) != KindRequest {
		return errors.Join(DecodeErr, KindErr)
	}
	if _, err = d.Bytes(r.UUID[:]); err != nil {
		return errors.Join(DecodeErr, err)
	}
	if r.Operation, err = d.String(); err != nil {
		return errors.Join(DecodeErr, err)
	}
	if _, err = d.Bytes(r.Trace[:]); err != nil {
		return errors.Join(DecodeErr, err)
	}
	size, err := d.Uint32()
	if err != nil {
		return errors.Join(DecodeErr, err)
	}
	r.ParameterTypes = make([]string, size)
	r.Arguments = make([]any, size)
	for i := range r.ParameterTypes {
		if r.ParameterTypes[i], err = d.String(); err != nil {
			return errors.Join(DecodeErr, err)
		}
		data, err := d.Bytes(nil)
		if err != nil {
			return errors.Join(DecodeErr, err)
		}
		if r.Arguments[i], err = set.Decode(r.ParameterTypes[i], data); err != nil {
			return errors.Join(DecodeErr, fmt.Errorf("argument %d of %s: %w", i, r.Operation, err))
		}
	}
	return nil
}

// Response is either a Success carrying a typed value, or a Failure carrying
// the error raised by the worker.
type Response struct {
	UUID  uuid.UUID
	Error error
	Type  string
	Value any
}

func Success(id uuid.UUID, result Result) *Response {
	return &Response{
		UUID:  id,
		Type:  result.Type,
		Value: result.Value,
	}
}

func Failure(id uuid.UUID, err error) *Response {
	return &Response{
		UUID:  id,
		Error: err,
	}
}

func (r *Response) Encode(buf *polyglot.Buffer, set *serializer.Set) error {
	if r.Error != nil {
		polyglot.Encoder(buf).Uint32(uint32(KindResponse)).Bytes(r.UUID[:]).Error(r.Error)
		return nil
	}
	var data []byte
	if r.Type != "" {
		var err error
		if data, err = set.Encode(r.Type, r.Value); err != nil {
			return errors.Join(EncodeErr, err)
		}
	}
	polyglot.Encoder(buf).Uint32(uint32(KindResponse)).Bytes(r.UUID[:]).String(r.Type).Bytes(data)
	return nil
}

func (r *Response) Decode(buf []byte, set *serializer.Set) error {
	d := polyglot.Decoder(buf)
	kind, err := d.Uint32()
	if err != nil {
		return errors.Join(DecodeErr, err)
	}
	if Kind(kind) != KindResponse {
		return errors.Join(DecodeErr, KindErr)
	}
	if _, err = d.Bytes(r.UUID[:]); err != nil {
		return errors.Join(DecodeErr, err)
	}
	if r.Error, err = d.Error(); err == nil {
		r.Type = ""
		r.Value = nil
		return nil
	}
	if r.Type, err = d.String(); err != nil {
		return errors.Join(DecodeErr, err)
	}
	data, err := d.Bytes(nil)
	if err != nil {
		return errors.Join(DecodeErr, err)
	}
	r.Error = nil
	r.Value = nil
	if r.Type != "" {
		if r.Value, err = set.Decode(r.Type, data); err != nil {
			return errors.Join(DecodeErr, err)
		}
	}
	return nil
}

// MemoryInfo is the memory diagnostics snapshot published by a worker.
type MemoryInfo struct {
	HeapAlloc  uint64
	HeapSys    uint64
	TotalAlloc uint64
	NumGC      uint32
	Timestamp  int64
}

func ReadMemoryInfo() *MemoryInfo {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return &MemoryInfo{
		HeapAlloc:  stats.HeapAlloc,
		HeapSys:    stats.HeapSys,
		TotalAlloc: stats.TotalAlloc,
		NumGC:      stats.NumGC,
		Timestamp:  time.Now().UnixNano(),
	}
}

func (m *MemoryInfo) Encode(buf *polyglot.Buffer) {
	polyglot.Encoder(buf).Uint32(uint32(KindMemoryInfo)).Uint64(m.HeapAlloc).Uint64(m.HeapSys).Uint64(m.TotalAlloc).Uint32(m.NumGC).Int64(m.Timestamp)
}

func (m *MemoryInfo) Decode(buf []byte) error {
	d := polyglot.Decoder(buf)
	kind, err := d.Uint32()
	if err != nil {
		return errors.Join(DecodeErr, err)
	}
	if Kind(kind) != KindMemoryInfo {
		return errors.Join(DecodeErr, KindErr)
	}
	if m.HeapAlloc, err = d.Uint64(); err != nil {
		return errors.Join(DecodeErr, err)
	}
	if m.HeapSys, err = d.Uint64(); err != nil {
		return errors.Join(DecodeErr, err)
	}
	if m.TotalAlloc, err = d.Uint64(); err != nil {
		return errors.Join(DecodeErr, err)
	}
	if m.NumGC, err = d.Uint32(); err != nil {
		return errors.Join(DecodeErr, err)
	}
	if m.Timestamp, err = d.Int64(); err != nil {
		return errors.Join(DecodeErr, err)
	}
	return nil
}
