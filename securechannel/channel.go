// Package securechannel implements C6: the glue between a version-
// exchanged wire.Stream, a completed handshake.Engine, and the keystore,
// turning them into an object that sends and receives encrypted
// application messages and reports its own lifecycle as events.
package securechannel

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/carlinkos/securelink/handshake"
	"github.com/carlinkos/securelink/internal/errs"
	"github.com/carlinkos/securelink/internal/log"
	"github.com/carlinkos/securelink/keystore"
	"github.com/carlinkos/securelink/replay"
	"github.com/carlinkos/securelink/wire"
)

// EventKind enumerates the lifecycle/application events a Channel emits.
type EventKind int

const (
	// ChannelEstablished fires once, after the handshake finishes and
	// before any Message event for this Channel.
	ChannelEstablished EventKind = iota
	// DeviceIDKnown fires alongside ChannelEstablished and carries the
	// peer identity, split out so callers that only care about identity
	// don't have to inspect every established-channel event the same way.
	DeviceIDKnown
	// Message carries one decrypted application payload.
	Message
	// ChannelError fires once, when the Channel can no longer make
	// progress; no further events follow it.
	ChannelError
)

// Event is what Channel.Events() delivers.
type Event struct {
	Kind      EventKind
	DeviceID  uuid.UUID
	Recipient *uuid.UUID
	Payload   []byte
	Err       error
}

// Stats mirrors the teacher's PeerStats: point-in-time counters useful for
// diagnostics, not part of the protocol itself.
type Stats struct {
	RxBytes           uint64
	TxBytes           uint64
	LastHandshakeNano int64
}

// Channel is one established secure session over a wire.Stream. It is
// safe for concurrent Send calls; events are delivered strictly in
// arrival order from a single internal read pump, matching the
// single-threaded-per-session actor model this stack follows everywhere
// else (spec §5).
type Channel struct {
	stream *wire.Stream
	store  *keystore.Store
	log    log.Logger

	deviceID uuid.UUID
	unitID   uuid.UUID

	aead        cipher.AEAD
	sendCounter uint64
	recvFilter  replay.ReplayFilter

	events chan Event
	closed chan struct{}
	once   sync.Once

	rxBytes           uint64
	txBytes           uint64
	lastHandshakeNano int64
}

// Establish runs a handshake over stream, whose version exchange
// (Stream.Start) has already completed, then returns a live Channel. The caller owns
// stream's lifetime before this call; Channel owns it after.
func Establish(ctx context.Context, stream *wire.Stream, store *keystore.Store, role handshake.Role, deviceID uuid.UUID, confirm handshake.Confirm, logger log.Logger, opts ...handshake.Option) (*Channel, error) {
	if logger == nil {
		logger = log.Discard
	}
	engine := handshake.NewEngine(stream, store, role, deviceID, confirm, opts...)
	res, err := engine.Run(ctx)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(res.SessionKey)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidEncryptionKey, "build session cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidEncryptionKey, "build session gcm", err)
	}

	c := &Channel{
		stream:   stream,
		store:    store,
		log:      logger,
		deviceID: res.DeviceID,
		unitID:   res.UnitID,
		aead:     aead,
		events:   make(chan Event, 16),
		closed:   make(chan struct{}),
	}
	c.recvFilter.Init()
	atomic.StoreInt64(&c.lastHandshakeNano, time.Now().UnixNano())

	c.events <- Event{Kind: ChannelEstablished, DeviceID: res.DeviceID}
	c.events <- Event{Kind: DeviceIDKnown, DeviceID: res.DeviceID}

	go c.readPump()
	return c, nil
}

// DeviceID returns the peer's persistent identity, stable across reconnects.
func (c *Channel) DeviceID() uuid.UUID { return c.deviceID }

// UnitID returns this head unit's own stable identity as reported during
// the handshake.
func (c *Channel) UnitID() uuid.UUID { return c.unitID }

// Events returns the channel's event stream. It is closed after a
// ChannelError event (or, if the Channel shut down cleanly, with no
// trailing event at all).
func (c *Channel) Events() <-chan Event { return c.events }

// Stats returns a snapshot of this channel's traffic counters.
func (c *Channel) Stats() Stats {
	return Stats{
		RxBytes:           atomic.LoadUint64(&c.rxBytes),
		TxBytes:           atomic.LoadUint64(&c.txBytes),
		LastHandshakeNano: atomic.LoadInt64(&c.lastHandshakeNano),
	}
}

// Send encrypts payload under the session key and writes it as a
// CLIENT_MESSAGE frame, addressed to recipient if non-nil.
func (c *Channel) Send(recipient *uuid.UUID, payload []byte) error {
	select {
	case <-c.closed:
		return errs.New(errs.NotEstablished, "channel is closed")
	default:
	}

	counter := atomic.AddUint64(&c.sendCounter, 1) - 1
	nonce := counterNonce(counter, c.aead.NonceSize())
	sealed := c.aead.Seal(nil, nonce, payload, nil)

	body := make([]byte, 8+len(sealed))
	binary.BigEndian.PutUint64(body[:8], counter)
	copy(body[8:], sealed)

	if err := c.stream.Send(frameFor(recipient, body)); err != nil {
		return err
	}
	atomic.AddUint64(&c.txBytes, uint64(len(payload)))
	return nil
}

// SendUnsecure writes payload as a CLIENT_MESSAGE frame without encrypting
// it, permitted at any point after the handshake completes even if the
// caller only needs best-effort delivery (e.g. a liveness ping) and wants
// to skip the AEAD/replay-filter cost.
func (c *Channel) SendUnsecure(recipient *uuid.UUID, payload []byte) error {
	select {
	case <-c.closed:
		return errs.New(errs.NotEstablished, "channel is closed")
	default:
	}

	if err := c.stream.Send(wire.Frame{
		Operation:        wire.OpClientMessage,
		PayloadEncrypted: false,
		Recipient:        recipient,
		Payload:          payload,
	}); err != nil {
		return err
	}
	atomic.AddUint64(&c.txBytes, uint64(len(payload)))
	return nil
}

// Close shuts down the underlying stream. Safe to call more than once
// and safe to call concurrently with Send/readPump.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.stream.Close()
	})
	return err
}

func (c *Channel) readPump() {
	defer close(c.events)
	for {
		f, err := c.stream.Recv(context.Background())
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			c.events <- Event{Kind: ChannelError, DeviceID: c.deviceID, Err: err}
			return
		}

		switch f.Operation {
		case wire.OpClientMessage:
			payload := f.Payload
			if f.PayloadEncrypted {
				var err error
				payload, err = c.decrypt(f)
				if err != nil {
					c.events <- Event{Kind: ChannelError, DeviceID: c.deviceID, Err: err}
					return
				}
			}
			atomic.AddUint64(&c.rxBytes, uint64(len(payload)))
			c.events <- Event{Kind: Message, DeviceID: c.deviceID, Recipient: f.Recipient, Payload: payload}
		default:
			// ENCRYPTION_HANDSHAKE/VERSION_EXCHANGE frames arriving after
			// Finished are a protocol violation: the peer is either
			// confused or hostile, either way the session can't continue.
			c.events <- Event{Kind: ChannelError, DeviceID: c.deviceID,
				Err: errs.New(errs.InvalidState, "handshake frame received after channel established")}
			return
		}
	}
}

func (c *Channel) decrypt(f wire.Frame) ([]byte, error) {
	if len(f.Payload) < 8 {
		return nil, errs.New(errs.FrameMalformed, "client message shorter than counter prefix")
	}
	counter := binary.BigEndian.Uint64(f.Payload[:8])
	if !c.recvFilter.ValidateCounter(counter, math.MaxUint64) {
		return nil, errs.New(errs.InvalidMessage, "replayed or out-of-window message counter")
	}
	nonce := counterNonce(counter, c.aead.NonceSize())
	plain, err := c.aead.Open(nil, nonce, f.Payload[8:], nil)
	if err != nil {
		return nil, errs.Wrap(errs.MacFailure, "client message decryption failed", err)
	}
	return plain, nil
}

func frameFor(recipient *uuid.UUID, payload []byte) wire.Frame {
	return wire.Frame{
		Operation:        wire.OpClientMessage,
		PayloadEncrypted: true,
		Recipient:        recipient,
		Payload:          payload,
	}
}

// counterNonce builds an AES-GCM nonce from a monotonic counter, the same
// zero-padded-counter construction the teacher uses for its transport
// ciphers (device/send.go): deterministic, never reused as long as the
// counter itself never repeats.
func counterNonce(counter uint64, size int) []byte {
	nonce := make([]byte, size)
	binary.LittleEndian.PutUint64(nonce[size-8:], counter)
	return nonce
}
