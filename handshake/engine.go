// Package handshake implements the association and reconnect protocol
// that brings a wire.Stream from a bare version-exchanged transport up to
// a state where application traffic can be encrypted under a shared
// session key (C5 of the secure-channel stack).
package handshake

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/carlinkos/securelink/internal/errs"
	"github.com/carlinkos/securelink/internal/log"
	"github.com/carlinkos/securelink/keystore"
	"github.com/carlinkos/securelink/oob"
	"github.com/carlinkos/securelink/tai64n"
	"github.com/carlinkos/securelink/wire"
)

// Role distinguishes which side opens the handshake. The central device
// (phone) is conventionally the Initiator; the peripheral (head unit) is
// the Responder, but either side can hold either role depending on who
// established the underlying transport connection.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// DefaultIdleTimeout bounds how long the engine waits for the next
// handshake frame before giving up and moving to Invalid.
const DefaultIdleTimeout = 30 * time.Second

// DefaultOOBDeadline bounds a single OOB exchange, separately from and
// much tighter than DefaultIdleTimeout: an out-of-band channel (NFC tap,
// QR scan) that hasn't produced shared material in this long is treated
// as failed, falling back to manual confirmation rather than eating into
// the rest of the handshake's idle budget.
const DefaultOOBDeadline = 10 * time.Second

// Confirm is called with the human-readable verification code so the
// caller can show it to a user and collect manual confirmation. It
// blocks until the user accepts or ctx is cancelled. When an Engine is
// built with an OOB channel, Confirm is only invoked as a fallback if
// OOB-accelerated confirmation is unavailable or fails to exchange.
type Confirm func(ctx context.Context, code string) (bool, error)

// Result is what a completed handshake hands back to the secure channel:
// the peer's persistent identity and the key to encrypt the session with.
type Result struct {
	DeviceID   uuid.UUID
	UnitID     uuid.UUID
	SessionKey []byte
	Resumed    bool
}

// Engine drives one handshake to Finished or Invalid. It is single-use:
// construct a new Engine per connection attempt.
type Engine struct {
	stream      *wire.Stream
	store       *keystore.Store
	oobChan     *oob.Channel
	confirm     Confirm
	idleTimeout time.Duration
	oobDeadline time.Duration
	log         log.Logger

	role     Role
	deviceID uuid.UUID // uuid.Nil requests a fresh association
	peerAddr string    // OOB exchange endpoint, only meaningful when oobChan != nil

	state State
}

// Option configures optional Engine behavior.
type Option func(*Engine)

func WithOOBChannel(ch *oob.Channel, peerAddr string) Option {
	return func(e *Engine) { e.oobChan = ch; e.peerAddr = peerAddr }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(e *Engine) { e.idleTimeout = d }
}

// WithOOBDeadline overrides DefaultOOBDeadline, the sub-deadline applied
// to a single OOB exchange within confirmViaOOB.
func WithOOBDeadline(d time.Duration) Option {
	return func(e *Engine) { e.oobDeadline = d }
}

func WithLogger(l log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine builds a handshake Engine. deviceID is uuid.Nil to request a
// fresh association (association flow) or the previously persisted
// device identity to attempt a reconnect (reconnect flow); a Responder
// ignores deviceID since it discovers the flow from the peer's opening
// message.
func NewEngine(stream *wire.Stream, store *keystore.Store, role Role, deviceID uuid.UUID, confirm Confirm, opts ...Option) *Engine {
	e := &Engine{
		stream:      stream,
		store:       store,
		role:        role,
		deviceID:    deviceID,
		confirm:     confirm,
		idleTimeout: DefaultIdleTimeout,
		oobDeadline: DefaultOOBDeadline,
		log:         log.Discard,
		state:       Unknown,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the engine's current position in the state machine.
func (e *Engine) State() State { return e.state }

// Run drives the handshake to completion. On success state is Finished
// and the Result carries the negotiated identity and key; on failure
// state is Invalid and the error explains why.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	e.state = InProgress

	var (
		res Result
		err error
	)
	switch {
	case e.role == RoleInitiator && e.deviceID == uuid.Nil:
		res, err = e.runAssociateInitiator(ctx)
	case e.role == RoleInitiator:
		res, err = e.runReconnectInitiator(ctx)
	default:
		res, err = e.runResponder(ctx)
	}

	if err != nil {
		e.state = Invalid
		return Result{}, err
	}
	e.state = Finished
	return res, nil
}

func (e *Engine) send(tag interface{ encode() []byte }) error {
	return e.stream.Send(wire.Frame{Operation: wire.OpEncryptionHandshake, Payload: tag.encode()})
}

func (e *Engine) recv(ctx context.Context) (wire.Frame, error) {
	cctx, cancel := context.WithTimeout(ctx, e.idleTimeout)
	defer cancel()
	f, err := e.stream.Recv(cctx)
	if err != nil {
		if kind, ok := errs.Of(err); ok && kind == errs.Timeout {
			return wire.Frame{}, errs.Wrap(errs.Timeout, "handshake idle timeout", err)
		}
		return wire.Frame{}, err
	}
	if f.Operation != wire.OpEncryptionHandshake {
		// A well-formed frame with the wrong operation (e.g. a
		// CLIENT_MESSAGE arriving before Finished) is a state violation,
		// not a codec failure — the bytes decoded fine, they just don't
		// belong here yet.
		return wire.Frame{}, errs.New(errs.InvalidState, "non-handshake frame received mid-handshake")
	}
	return f, nil
}

// ---- association ----

func (e *Engine) runAssociateInitiator(ctx context.Context) (Result, error) {
	kp, err := newEphemeralKeypair()
	if err != nil {
		return Result{}, err
	}
	deviceID := uuid.New()
	if err := e.send(clientHello{deviceID: deviceID, ephemeralPub: kp.public}); err != nil {
		return Result{}, err
	}

	f, err := e.recv(ctx)
	if err != nil {
		return Result{}, err
	}
	tag, err := peekTag(f.Payload)
	if err != nil {
		return Result{}, err
	}
	if tag != tagServerHello {
		return Result{}, errs.New(errs.InvalidHandshake, "expected server hello")
	}
	sh, err := decodeServerHello(f.Payload)
	if err != nil {
		return Result{}, err
	}

	secret, err := sharedSecret(kp.private, sh.ephemeralPub)
	if err != nil {
		return Result{}, err
	}

	e.state = VerificationNeeded
	if err := e.confirmVerification(ctx, secret); err != nil {
		return Result{}, err
	}

	sessionKey, err := deriveSessionKey(secret)
	if err != nil {
		return Result{}, err
	}

	if err := e.store.Save(keystore.PairedDevice{
		DeviceID:      deviceID,
		EncryptionKey: sessionKey,
		ActiveUser:    true,
	}); err != nil {
		return Result{}, errs.Wrap(errs.StorageError, "persist associated device", err)
	}

	return Result{DeviceID: deviceID, UnitID: sh.unitID, SessionKey: sessionKey}, nil
}

func (e *Engine) runAssociateResponder(ctx context.Context, ch clientHello) (Result, error) {
	if ch.deviceID == uuid.Nil {
		return Result{}, errs.New(errs.InvalidDeviceID, "client hello carries no device id")
	}
	kp, err := newEphemeralKeypair()
	if err != nil {
		return Result{}, err
	}
	unitID, err := e.store.GetUnitID()
	if err != nil {
		return Result{}, errs.Wrap(errs.StorageError, "load unit id", err)
	}
	if err := e.send(serverHello{unitID: unitID, ephemeralPub: kp.public}); err != nil {
		return Result{}, err
	}

	secret, err := sharedSecret(kp.private, ch.ephemeralPub)
	if err != nil {
		return Result{}, err
	}

	e.state = VerificationNeeded
	deviceID := ch.deviceID
	if err := e.confirmVerification(ctx, secret); err != nil {
		return Result{}, err
	}

	sessionKey, err := deriveSessionKey(secret)
	if err != nil {
		return Result{}, err
	}

	if err := e.store.Save(keystore.PairedDevice{
		DeviceID:      deviceID,
		EncryptionKey: sessionKey,
		ActiveUser:    true,
	}); err != nil {
		return Result{}, errs.Wrap(errs.StorageError, "persist associated device", err)
	}

	return Result{DeviceID: deviceID, UnitID: unitID, SessionKey: sessionKey}, nil
}

// confirmVerification brings both sides from VerificationNeeded to a
// mutually authenticated point: an OOB channel, if configured, lets the
// exchange auto-confirm by encrypting the locally derived verification
// code under OOB-exchanged material and comparing; otherwise it falls
// back to the manual Confirm callback plus an explicit ConfirmSignal
// round trip so neither side finishes before the other has also agreed.
func (e *Engine) confirmVerification(ctx context.Context, secret []byte) error {
	code, err := verificationCode(secret)
	if err != nil {
		return err
	}

	if e.oobChan != nil {
		if err := e.confirmViaOOB(ctx, code); err != nil {
			e.log.Errorf("oob-accelerated confirmation failed, falling back to manual: %v", err)
		} else {
			return e.exchangeConfirmSignal(ctx, secret)
		}
	}

	if e.confirm == nil {
		return errs.New(errs.InvalidHandshake, "no confirmation mechanism available")
	}
	ok, err := e.confirm(ctx, code)
	if err != nil {
		return errs.Wrap(errs.InvalidVerification, "confirm callback failed", err)
	}
	if !ok {
		return errs.New(errs.InvalidVerification, "verification code rejected")
	}
	return e.exchangeConfirmSignal(ctx, secret)
}

func (e *Engine) confirmViaOOB(ctx context.Context, code string) error {
	role := oob.RoleClient
	if e.role == RoleResponder {
		role = oob.RoleServer
	}
	oobCtx, cancel := context.WithTimeout(ctx, e.oobDeadline)
	material, err := e.oobChan.Exchange(oobCtx, e.peerAddr, role)
	cancel()
	if err != nil {
		return err
	}
	cipher, err := oob.NewCipher(material)
	if err != nil {
		return err
	}

	if e.role == RoleInitiator {
		ct, err := cipher.EncryptVerification([]byte(code))
		if err != nil {
			return err
		}
		if err := e.send(oobConfirm{ciphertext: ct}); err != nil {
			return err
		}
		return nil
	}

	f, err := e.recv(ctx)
	if err != nil {
		return err
	}
	tag, err := peekTag(f.Payload)
	if err != nil {
		return err
	}
	if tag != tagOOBConfirm {
		return errs.New(errs.InvalidHandshake, "expected oob confirm")
	}
	oc, err := decodeOOBConfirm(f.Payload)
	if err != nil {
		return err
	}
	plain, err := cipher.DecryptVerification(oc.ciphertext)
	if err != nil {
		return errs.Wrap(errs.InvalidVerification, "oob confirm decrypt failed", err)
	}
	if string(plain) != code {
		return errs.New(errs.InvalidVerification, "oob-confirmed code mismatch")
	}
	return nil
}

// exchangeConfirmSignal has each side send a transcript-bound ConfirmSignal
// and wait for the peer's, so verification only finishes once both
// parties agree and have each independently derived the same secret.
func (e *Engine) exchangeConfirmSignal(ctx context.Context, secret []byte) error {
	nonce, ciphertext, err := sealConfirmSignal(secret)
	if err != nil {
		return err
	}
	if err := e.send(confirmSignal{nonce: nonce, ciphertext: ciphertext}); err != nil {
		return err
	}
	f, err := e.recv(ctx)
	if err != nil {
		return err
	}
	tag, err := peekTag(f.Payload)
	if err != nil {
		return err
	}
	if tag != tagConfirmSignal {
		return errs.New(errs.InvalidHandshake, "expected confirm signal")
	}
	cs, err := decodeConfirmSignal(f.Payload)
	if err != nil {
		return err
	}
	return openConfirmSignal(secret, cs.nonce, cs.ciphertext)
}

// ---- reconnect ----

func (e *Engine) runReconnectInitiator(ctx context.Context) (Result, error) {
	dev, ok, err := e.store.Load(e.deviceID)
	if err != nil {
		return Result{}, errs.Wrap(errs.StorageError, "load paired device", err)
	}
	if !ok {
		return Result{}, errs.New(errs.InvalidDeviceID, "unknown device id for reconnect")
	}

	kp, err := newEphemeralKeypair()
	if err != nil {
		return Result{}, err
	}
	now := tai64n.Now()
	if err := e.send(reconnectHello{deviceID: e.deviceID, ephemeralPub: kp.public, timestamp: now}); err != nil {
		return Result{}, err
	}

	e.state = ResumingSession
	f, err := e.recv(ctx)
	if err != nil {
		return Result{}, err
	}
	tag, err := peekTag(f.Payload)
	if err != nil {
		return Result{}, err
	}
	if tag != tagReconnectResponse {
		return Result{}, errs.New(errs.InvalidHandshake, "expected reconnect response")
	}
	rr, err := decodeReconnectResponse(f.Payload)
	if err != nil {
		return Result{}, err
	}

	secret, err := sharedSecret(kp.private, rr.ephemeralPub)
	if err != nil {
		return Result{}, err
	}

	transcript := append(append([]byte(nil), kp.public[:]...), rr.ephemeralPub[:]...)
	wantTag := resumptionAuthTag(dev.EncryptionKey, transcript)
	if !constantTimeEqual(wantTag, rr.authTag[:]) {
		return Result{}, errs.New(errs.MacFailure, "reconnect response auth tag mismatch")
	}

	ackTag := resumptionAuthTag(dev.EncryptionKey, append(transcript, 0x01))
	if err := e.send(reconnectAck{authTag: toArray32(ackTag)}); err != nil {
		return Result{}, err
	}

	rotatedKey, err := deriveRotatedKey(dev.EncryptionKey, secret)
	if err != nil {
		return Result{}, err
	}
	dev.EncryptionKey = rotatedKey
	dev.LastHandshake = now[:]
	if err := e.store.Save(dev); err != nil {
		return Result{}, errs.Wrap(errs.StorageError, "persist rotated key", err)
	}

	return Result{DeviceID: e.deviceID, UnitID: rr.unitID, SessionKey: rotatedKey, Resumed: true}, nil
}

func (e *Engine) runReconnectResponder(ctx context.Context, rh reconnectHello) (Result, error) {
	dev, ok, err := e.store.Load(rh.deviceID)
	if err != nil {
		return Result{}, errs.Wrap(errs.StorageError, "load paired device", err)
	}
	if !ok {
		return Result{}, errs.New(errs.InvalidDeviceID, "unknown device id for reconnect")
	}
	if len(dev.LastHandshake) == tai64n.TimestampSize {
		var last tai64n.Timestamp
		copy(last[:], dev.LastHandshake)
		if !rh.timestamp.After(last) {
			return Result{}, errs.New(errs.InvalidHandshake, "reconnect hello timestamp not newer than last accepted")
		}
	}

	kp, err := newEphemeralKeypair()
	if err != nil {
		return Result{}, err
	}

	e.state = ResumingSession
	secret, err := sharedSecret(kp.private, rh.ephemeralPub)
	if err != nil {
		return Result{}, err
	}

	unitID, err := e.store.GetUnitID()
	if err != nil {
		return Result{}, errs.Wrap(errs.StorageError, "load unit id", err)
	}

	transcript := append(append([]byte(nil), rh.ephemeralPub[:]...), kp.public[:]...)
	tag := resumptionAuthTag(dev.EncryptionKey, transcript)
	if err := e.send(reconnectResponse{unitID: unitID, ephemeralPub: kp.public, authTag: toArray32(tag)}); err != nil {
		return Result{}, err
	}

	f, err := e.recv(ctx)
	if err != nil {
		return Result{}, err
	}
	atag, err := peekTag(f.Payload)
	if err != nil {
		return Result{}, err
	}
	if atag != tagReconnectAck {
		return Result{}, errs.New(errs.InvalidHandshake, "expected reconnect ack")
	}
	ack, err := decodeReconnectAck(f.Payload)
	if err != nil {
		return Result{}, err
	}
	wantAck := resumptionAuthTag(dev.EncryptionKey, append(transcript, 0x01))
	if !constantTimeEqual(wantAck, ack.authTag[:]) {
		return Result{}, errs.New(errs.MacFailure, "reconnect ack auth tag mismatch")
	}

	rotatedKey, err := deriveRotatedKey(dev.EncryptionKey, secret)
	if err != nil {
		return Result{}, err
	}
	dev.EncryptionKey = rotatedKey
	dev.LastHandshake = append([]byte(nil), rh.timestamp[:]...)
	if err := e.store.Save(dev); err != nil {
		return Result{}, errs.Wrap(errs.StorageError, "persist rotated key", err)
	}

	return Result{DeviceID: rh.deviceID, UnitID: unitID, SessionKey: rotatedKey, Resumed: true}, nil
}

// runResponder waits for the peer's opening message and dispatches to the
// association or reconnect flow accordingly, since a Responder cannot
// know in advance which one a fresh connection will bring.
func (e *Engine) runResponder(ctx context.Context) (Result, error) {
	f, err := e.recv(ctx)
	if err != nil {
		return Result{}, err
	}
	tag, err := peekTag(f.Payload)
	if err != nil {
		return Result{}, err
	}
	switch tag {
	case tagClientHello:
		ch, err := decodeClientHello(f.Payload)
		if err != nil {
			return Result{}, err
		}
		return e.runAssociateResponder(ctx, ch)
	case tagReconnectHello:
		rh, err := decodeReconnectHello(f.Payload)
		if err != nil {
			return Result{}, err
		}
		return e.runReconnectResponder(ctx, rh)
	default:
		return Result{}, errs.New(errs.InvalidHandshake, "unexpected opening handshake message")
	}
}
