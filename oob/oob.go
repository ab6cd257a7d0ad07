// Package oob implements C2 (OobChannel) and C3 (OobCipher): a one-shot
// side-channel exchange of symmetric material used to skip the
// human-read verification code during association (spec §4.2, §4.5).
//
// The cooperative cancel is grounded on the teacher's signal.go (root
// legacy code, since folded in here): Channel's cancel channel is closed
// exactly once, by the first Interrupt call.
package oob

import (
	"context"
	"crypto/rand"
	"sync"

	"github.com/carlinkos/securelink/internal/errs"
)

// Role identifies which side of the side channel we're playing.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

const (
	// NonceSize is the AES-GCM nonce length used by Cipher.
	NonceSize = 12
	// KeySize is the AES-256 key length used by Cipher.
	KeySize = 32
	// MaterialSize is the minimum number of bytes a Channel.Exchange must
	// produce: 2*NonceSize + KeySize, per spec §4.2.
	MaterialSize = 2*NonceSize + KeySize
)

// Material is the random bytes exchanged over the side channel, already
// split into the pieces Cipher needs.
type Material struct {
	Key    [KeySize]byte
	EncIV  [NonceSize]byte
	DecIV  [NonceSize]byte
}

// NewMaterial splits a raw ≥MaterialSize buffer into a Material. The two
// IVs are swapped depending on role so that what one side calls "enc" the
// other calls "dec" — encrypting with the wrong one fails decryption
// deterministically on the peer (spec §4.3).
func NewMaterial(raw []byte, role Role) (Material, error) {
	if len(raw) < MaterialSize {
		return Material{}, errs.New(errs.InvalidMessage, "oob material too short")
	}
	var m Material
	copy(m.Key[:], raw[:KeySize])
	ivA := raw[KeySize : KeySize+NonceSize]
	ivB := raw[KeySize+NonceSize : KeySize+2*NonceSize]
	if role == RoleClient {
		copy(m.EncIV[:], ivA)
		copy(m.DecIV[:], ivB)
	} else {
		copy(m.EncIV[:], ivB)
		copy(m.DecIV[:], ivA)
	}
	return m, nil
}

// RandomPayload generates MaterialSize random bytes suitable for transport
// over the side channel (e.g. encoded into a QR code or sent over RFCOMM).
func RandomPayload() ([]byte, error) {
	buf := make([]byte, MaterialSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, errs.Wrap(errs.InvalidMessage, "generate oob payload", err)
	}
	return buf, nil
}

// Channel exchanges OOB material with a peer over a side channel (RFCOMM,
// QR, NFC — the concrete transport is supplied by Exchanger). Exactly one
// Exchange call is meaningful per association; Interrupt cancels any
// in-flight call cooperatively.
type Channel struct {
	exchanger Exchanger

	mu        sync.Mutex
	cancelled bool
	cancel    chan struct{}
}

// Exchanger performs the actual bytes-over-the-wire side-channel exchange
// (RFCOMM, QR scan/display, NFC tap). The caller supplies the
// implementation; this module ships none.
type Exchanger interface {
	Exchange(ctx context.Context, peerAddr string, role Role) ([]byte, error)
}

// NewChannel wraps exchanger in the cooperative-cancel protocol C2 requires.
func NewChannel(exchanger Exchanger) *Channel {
	return &Channel{exchanger: exchanger, cancel: make(chan struct{})}
}

// Exchange performs the one-shot side-channel exchange and returns the
// split Material. Failure is surfaced, not retried — the caller (the
// handshake engine) decides whether to retry.
func (c *Channel) Exchange(ctx context.Context, peerAddr string, role Role) (Material, error) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return Material{}, errs.New(errs.Cancelled, "oob channel already interrupted")
	}
	cancelCh := c.cancel
	c.mu.Unlock()

	type result struct {
		raw []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := c.exchanger.Exchange(ctx, peerAddr, role)
		done <- result{raw, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return Material{}, errs.Wrap(errs.InvalidMessage, "oob exchange failed", r.err)
		}
		return NewMaterial(r.raw, role)
	case <-cancelCh:
		return Material{}, errs.New(errs.Cancelled, "oob exchange interrupted")
	case <-ctx.Done():
		return Material{}, errs.Wrap(errs.Timeout, "oob exchange deadline exceeded", ctx.Err())
	}
}

// Interrupt cancels any in-flight or future Exchange call until a new
// Channel is constructed.
func (c *Channel) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cancelled {
		c.cancelled = true
		close(c.cancel)
	}
}
