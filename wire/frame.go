// Package wire implements C4: a transport-independent, length-prefixed,
// operation-typed frame stream with a bidirectional version-exchange
// handshake gating delivery of anything else (spec §4.4).
//
// The wire layout is specified abstractly (spec §9 notes the Android
// source protobuf-encodes frames, but "any equivalent encoding is
// acceptable"); this package implements the literal byte layout of
// spec §4.4 directly, the way the teacher hand-rolls its own transport
// message structs (device/send.go, device/receive.go) rather than reach
// for a serialization library — there is no wire format here beyond a
// length-prefixed struct, so a codegen/serialization dependency would add
// indirection without buying anything.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/carlinkos/securelink/internal/errs"
)

// Operation enumerates the frame kinds of spec §3.
type Operation uint8

const (
	OpVersionExchange Operation = iota + 1
	OpEncryptionHandshake
	OpClientMessage
)

func (o Operation) String() string {
	switch o {
	case OpVersionExchange:
		return "VERSION_EXCHANGE"
	case OpEncryptionHandshake:
		return "ENCRYPTION_HANDSHAKE"
	case OpClientMessage:
		return "CLIENT_MESSAGE"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(o))
	}
}

const (
	flagPayloadEncrypted = 1 << 0

	// MaxFrameBodySize bounds the length prefix to guard against a
	// malformed/hostile peer asking us to allocate unbounded memory.
	MaxFrameBodySize = 1 << 20

	headerSize    = 4 + 1 + 1 + 1 // length + operation + flags + recipient_present
	recipientSize = 16
)

// Frame is one unit of the wire protocol (spec §3/§4.4).
type Frame struct {
	Operation        Operation
	PayloadEncrypted bool
	Recipient        *uuid.UUID
	Payload          []byte
}

// body returns the serialized frame body (everything after the uint32
// length prefix).
func (f Frame) body() []byte {
	size := 3
	if f.Recipient != nil {
		size += recipientSize
	}
	size += len(f.Payload)

	buf := make([]byte, size)
	buf[0] = byte(f.Operation)
	if f.PayloadEncrypted {
		buf[1] = flagPayloadEncrypted
	}
	off := 3
	if f.Recipient != nil {
		buf[2] = 1
		recBytes, _ := f.Recipient.MarshalBinary()
		copy(buf[off:], recBytes)
		off += recipientSize
	} else {
		buf[2] = 0
	}
	copy(buf[off:], f.Payload)
	return buf
}

// Encode serializes f to the full wire representation: uint32 big-endian
// length prefix followed by the body.
func (f Frame) Encode() []byte {
	body := f.body()
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

// decodeBody parses a frame body (the bytes after the length prefix).
func decodeBody(body []byte) (Frame, error) {
	if len(body) < 3 {
		return Frame{}, errs.New(errs.FrameMalformed, "frame body shorter than header")
	}
	f := Frame{
		Operation:        Operation(body[0]),
		PayloadEncrypted: body[1]&flagPayloadEncrypted != 0,
	}
	switch f.Operation {
	case OpVersionExchange, OpEncryptionHandshake, OpClientMessage:
	default:
		return Frame{}, errs.New(errs.FrameMalformed, fmt.Sprintf("unknown operation %d", body[0]))
	}

	off := 3
	recipientPresent := body[2]
	switch recipientPresent {
	case 0:
	case 1:
		if len(body) < off+recipientSize {
			return Frame{}, errs.New(errs.FrameMalformed, "truncated recipient uuid")
		}
		id, err := uuid.FromBytes(body[off : off+recipientSize])
		if err != nil {
			return Frame{}, errs.Wrap(errs.FrameMalformed, "parse recipient uuid", err)
		}
		f.Recipient = &id
		off += recipientSize
	default:
		return Frame{}, errs.New(errs.FrameMalformed, "recipient_present must be 0 or 1")
	}

	f.Payload = append([]byte(nil), body[off:]...)
	return f, nil
}
