// SPDX-License-Identifier: Apache-2.0

package serializer

import (
	"errors"
	"fmt"

	"github.com/loopholelabs/polyglot/v2"
)

var (
	TypeErr        = errors.New("value does not match type descriptor")
	UnknownTypeErr = errors.New("unknown type descriptor")
	InvalidErr     = errors.New("invalid serializer")
	DecodeErr      = errors.New("unable to decode value")
)

// Serializer encodes and decodes the values of a single type descriptor.
type Serializer interface {
	Type() string
	Encode(value any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Provider registers serializers into a Set when a Registry is materialized.
type Provider func(set *Set) error

type typed[T any] struct {
	descriptor string
	encode     func(*polyglot.Buffer, T)
	decode     func([]byte) (T, error)
}

// New returns a Serializer for values of type T registered under descriptor.
func New[T any](descriptor string, encode func(*polyglot.Buffer, T), decode func([]byte) (T, error)) Serializer {
	return &typed[T]{
		descriptor: descriptor,
		encode:     encode,
		decode:     decode,
	}
}

func (t *typed[T]) Type() string {
	return t.descriptor
}

func (t *typed[T]) Encode(value any) ([]byte, error) {
	v, ok := value.(T)
	if !ok {
		return nil, errors.Join(TypeErr, fmt.Errorf("%s cannot encode %T", t.descriptor, value))
	}
	buf := polyglot.GetBuffer()
	defer polyglot.PutBuffer(buf)
	t.encode(buf, v)
	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	return data, nil
}

func (t *typed[T]) Decode(data []byte) (any, error) {
	v, err := t.decode(data)
	if err != nil {
		return nil, errors.Join(DecodeErr, fmt.Errorf("%s: %w", t.descriptor, err))
	}
	return v, nil
}

// Set is the materialized collection of serializers used by one connection.
//
// A descriptor d resolves to the serializer registered as namespace+"."+d when
// one exists, and to the serializer registered as d otherwise. An empty
// namespace only resolves bare descriptors.
type Set struct {
	namespace   string
	serializers map[string]Serializer
}

func newSet(namespace string) *Set {
	return &Set{
		namespace:   namespace,
		serializers: make(map[string]Serializer),
	}
}

func (s *Set) Namespace() string {
	return s.namespace
}

// Register adds serializer to the set, replacing any serializer already
// registered under the same descriptor.
func (s *Set) Register(serializer Serializer) error {
	if serializer == nil || serializer.Type() == "" {
		return InvalidErr
	}
	s.serializers[serializer.Type()] = serializer
	return nil
}

func (s *Set) Lookup(descriptor string) (Serializer, error) {
	if s.namespace != "" {
		if serializer, ok := s.serializers[s.namespace+"."+descriptor]; ok {
			return serializer, nil
		}
	}
	if serializer, ok := s.serializers[descriptor]; ok {
		return serializer, nil
	}
	return nil, errors.Join(UnknownTypeErr, fmt.Errorf("%q", descriptor))
}

func (s *Set) Encode(descriptor string, value any) ([]byte, error) {
	serializer, err := s.Lookup(descriptor)
	if err != nil {
		return nil, err
	}
	return serializer.Encode(value)
}

func (s *Set) Decode(descriptor string, data []byte) (any, error) {
	serializer, err := s.Lookup(descriptor)
	if err != nil {
		return nil, err
	}
	return serializer.Decode(data)
}
