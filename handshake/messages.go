package handshake

import (
	"github.com/google/uuid"

	"github.com/carlinkos/securelink/internal/errs"
	"github.com/carlinkos/securelink/tai64n"
)

// msgTag identifies the handshake sub-message carried inside an
// ENCRYPTION_HANDSHAKE frame's payload. The payload is opaque to
// wire.Stream (spec §4.4/§6: "their payload bytes are whatever the
// handshake library produced; C4 only routes them by operation") — this
// file defines what those bytes actually are.
type msgTag uint8

const (
	tagClientHello msgTag = iota + 1
	tagServerHello
	tagConfirmSignal
	tagOOBConfirm
	tagReconnectHello
	tagReconnectResponse
	tagReconnectAck
)

type clientHello struct {
	deviceID     uuid.UUID // the initiator's device id, freshly generated for this association
	ephemeralPub [32]byte
}

func (m clientHello) encode() []byte {
	buf := make([]byte, 1+16+32)
	buf[0] = byte(tagClientHello)
	copy(buf[1:17], m.deviceID[:])
	copy(buf[17:], m.ephemeralPub[:])
	return buf
}

func decodeClientHello(b []byte) (clientHello, error) {
	if len(b) != 1+16+32 || msgTag(b[0]) != tagClientHello {
		return clientHello{}, errs.New(errs.InvalidMessage, "malformed client hello")
	}
	var m clientHello
	copy(m.deviceID[:], b[1:17])
	copy(m.ephemeralPub[:], b[17:])
	return m, nil
}

type serverHello struct {
	unitID       uuid.UUID
	ephemeralPub [32]byte
}

func (m serverHello) encode() []byte {
	buf := make([]byte, 1+16+32)
	buf[0] = byte(tagServerHello)
	copy(buf[1:17], m.unitID[:])
	copy(buf[17:], m.ephemeralPub[:])
	return buf
}

func decodeServerHello(b []byte) (serverHello, error) {
	if len(b) != 1+16+32 || msgTag(b[0]) != tagServerHello {
		return serverHello{}, errs.New(errs.InvalidMessage, "malformed server hello")
	}
	var m serverHello
	copy(m.unitID[:], b[1:17])
	copy(m.ephemeralPub[:], b[17:])
	return m, nil
}

// confirmSignal carries a transcript-bound XChaCha20-Poly1305 seal (see
// crypto.go's deriveTranscriptBindingKey) rather than a bare flag, so a
// signal observed in one handshake can't be replayed to short-circuit
// verification in another.
type confirmSignal struct {
	nonce      [24]byte
	ciphertext []byte
}

func (m confirmSignal) encode() []byte {
	buf := make([]byte, 1+24+len(m.ciphertext))
	buf[0] = byte(tagConfirmSignal)
	copy(buf[1:25], m.nonce[:])
	copy(buf[25:], m.ciphertext)
	return buf
}

func decodeConfirmSignal(b []byte) (confirmSignal, error) {
	if len(b) < 1+24 || msgTag(b[0]) != tagConfirmSignal {
		return confirmSignal{}, errs.New(errs.InvalidMessage, "malformed confirm signal")
	}
	var m confirmSignal
	copy(m.nonce[:], b[1:25])
	m.ciphertext = append([]byte(nil), b[25:]...)
	return m, nil
}

type oobConfirm struct {
	ciphertext []byte
}

func (m oobConfirm) encode() []byte {
	buf := make([]byte, 1+len(m.ciphertext))
	buf[0] = byte(tagOOBConfirm)
	copy(buf[1:], m.ciphertext)
	return buf
}

func decodeOOBConfirm(b []byte) (oobConfirm, error) {
	if len(b) < 1 || msgTag(b[0]) != tagOOBConfirm {
		return oobConfirm{}, errs.New(errs.InvalidMessage, "malformed oob confirm")
	}
	return oobConfirm{ciphertext: append([]byte(nil), b[1:]...)}, nil
}

type reconnectHello struct {
	deviceID     uuid.UUID
	ephemeralPub [32]byte
	timestamp    tai64n.Timestamp
}

func (m reconnectHello) encode() []byte {
	buf := make([]byte, 1+16+32+tai64n.TimestampSize)
	buf[0] = byte(tagReconnectHello)
	copy(buf[1:17], m.deviceID[:])
	copy(buf[17:49], m.ephemeralPub[:])
	copy(buf[49:], m.timestamp[:])
	return buf
}

func decodeReconnectHello(b []byte) (reconnectHello, error) {
	if len(b) != 1+16+32+tai64n.TimestampSize || msgTag(b[0]) != tagReconnectHello {
		return reconnectHello{}, errs.New(errs.InvalidMessage, "malformed reconnect hello")
	}
	var m reconnectHello
	copy(m.deviceID[:], b[1:17])
	copy(m.ephemeralPub[:], b[17:49])
	copy(m.timestamp[:], b[49:])
	return m, nil
}

type reconnectResponse struct {
	unitID       uuid.UUID
	ephemeralPub [32]byte
	authTag      [32]byte
}

func (m reconnectResponse) encode() []byte {
	buf := make([]byte, 1+16+32+32)
	buf[0] = byte(tagReconnectResponse)
	copy(buf[1:17], m.unitID[:])
	copy(buf[17:49], m.ephemeralPub[:])
	copy(buf[49:], m.authTag[:])
	return buf
}

func decodeReconnectResponse(b []byte) (reconnectResponse, error) {
	if len(b) != 1+16+32+32 || msgTag(b[0]) != tagReconnectResponse {
		return reconnectResponse{}, errs.New(errs.InvalidMessage, "malformed reconnect response")
	}
	var m reconnectResponse
	copy(m.unitID[:], b[1:17])
	copy(m.ephemeralPub[:], b[17:49])
	copy(m.authTag[:], b[49:])
	return m, nil
}

type reconnectAck struct {
	authTag [32]byte
}

func (m reconnectAck) encode() []byte {
	buf := make([]byte, 1+32)
	buf[0] = byte(tagReconnectAck)
	copy(buf[1:], m.authTag[:])
	return buf
}

func decodeReconnectAck(b []byte) (reconnectAck, error) {
	if len(b) != 1+32 || msgTag(b[0]) != tagReconnectAck {
		return reconnectAck{}, errs.New(errs.InvalidMessage, "malformed reconnect ack")
	}
	var m reconnectAck
	copy(m.authTag[:], b[1:])
	return m, nil
}

// peekTag reads the leading tag byte without fully decoding, used by the
// engine to dispatch an inbound handshake payload to the right decoder.
func peekTag(b []byte) (msgTag, error) {
	if len(b) == 0 {
		return 0, errs.New(errs.InvalidMessage, "empty handshake payload")
	}
	return msgTag(b[0]), nil
}
