// SPDX-License-Identifier: Apache-2.0

package serializer

import (
	"github.com/google/uuid"
	"github.com/loopholelabs/polyglot/v2"
)

const (
	TypeString  = "string"
	TypeBytes   = "bytes"
	TypeBool    = "bool"
	TypeInt     = "int"
	TypeInt64   = "int64"
	TypeUint32  = "uint32"
	TypeUint64  = "uint64"
	TypeFloat64 = "float64"
	TypeStrings = "strings"
	TypeUUID    = "uuid"
)

// Defaults returns the system serializers present in every Set.
func Defaults() []Serializer {
	return []Serializer{
		New(TypeString, func(buf *polyglot.Buffer, v string) {
			polyglot.Encoder(buf).String(v)
		}, func(data []byte) (string, error) {
			return polyglot.Decoder(data).String()
		}),
		New(TypeBytes, func(buf *polyglot.Buffer, v []byte) {
			polyglot.Encoder(buf).Bytes(v)
		}, func(data []byte) ([]byte, error) {
			return polyglot.Decoder(data).Bytes(nil)
		}),
		New(TypeBool, func(buf *polyglot.Buffer, v bool) {
			polyglot.Encoder(buf).Bool(v)
		}, func(data []byte) (bool, error) {
			return polyglot.Decoder(data).Bool()
		}),
		New(TypeInt, func(buf *polyglot.Buffer, v int) {
			polyglot.Encoder(buf).Int64(int64(v))
		}, func(data []byte) (int, error) {
			v, err := polyglot.Decoder(data).Int64()
			return int(v), err
		}),
		New(TypeInt64, func(buf *polyglot.Buffer, v int64) {
			polyglot.Encoder(buf).Int64(v)
		}, func(data []byte) (int64, error) {
			return polyglot.Decoder(data).Int64()
		}),
		New(TypeUint32, func(buf *polyglot.Buffer, v uint32) {
			polyglot.Encoder(buf).Uint32(v)
		}, func(data []byte) (uint32, error) {
			return polyglot.Decoder(data).Uint32()
		}),
		New(TypeUint64, func(buf *polyglot.Buffer, v uint64) {
			polyglot.Encoder(buf).Uint64(v)
		}, func(data []byte) (uint64, error) {
			return polyglot.Decoder(data).Uint64()
		}),
		New(TypeFloat64, func(buf *polyglot.Buffer, v float64) {
			polyglot.Encoder(buf).Float64(v)
		}, func(data []byte) (float64, error) {
			return polyglot.Decoder(data).Float64()
		}),
		New(TypeStrings, encodeStrings, decodeStrings),
		New(TypeUUID, func(buf *polyglot.Buffer, v uuid.UUID) {
			polyglot.Encoder(buf).Bytes(v[:])
		}, func(data []byte) (uuid.UUID, error) {
			b, err := polyglot.Decoder(data).Bytes(nil)
			if err != nil {
				return uuid.Nil, err
			}
			return uuid.FromBytes(b)
		}),
	}
}

func encodeStrings(buf *polyglot.Buffer, v []string) {
	e := polyglot.Encoder(buf).Uint32(uint32(len(v)))
	for _, s := range v {
		e.String(s)
	}
}

func decodeStrings(data []byte) ([]string, error) {
	d := polyglot.Decoder(data)
	size, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	v := make([]string, 0, size)
	for i := uint32(0); i < size; i++ {
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		v = append(v, s)
	}
	return v, nil
}
