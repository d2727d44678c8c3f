// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/loopholelabs/polyglot/v2"
)

// WriteFrame writes body prefixed with its big-endian length in a single Write.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaximumFrameSize {
		return FrameSizeErr
	}
	frame := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[FrameHeaderSize:], body)
	_, err := w.Write(frame)
	return err
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaximumFrameSize {
		return nil, FrameSizeErr
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// PeekKind returns the kind of an encoded frame body.
func PeekKind(body []byte) (Kind, error) {
	kind, err := polyglot.Decoder(body).Uint32()
	if err != nil {
		return 0, errors.Join(DecodeErr, err)
	}
	return Kind(kind), nil
}

func EncodeStop(buf *polyglot.Buffer) {
	polyglot.Encoder(buf).Uint32(uint32(KindStop))
}
