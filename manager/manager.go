// Package manager implements C7, DeviceConnectionManager: the public API
// surface of the secure-channel stack. It owns the per-device session
// registry, coordinates the central (BLEDialer/RFCOMMDialer) and
// peripheral (BLEListener/RFCOMMListener) roles racing to the same
// device, enforces the recipient-id uniqueness/blocklist rule, and drives
// the active-user reconnect loop.
//
// Grounded on the teacher's device.Device: a struct holding a
// mutex-guarded peer registry (peers.keyMap) plus background routines
// that come and go with Up/Down, generalized here from one statically
// configured WireGuard interface to a dynamically discovered set of
// paired phones.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carlinkos/securelink/handshake"
	"github.com/carlinkos/securelink/idgen"
	"github.com/carlinkos/securelink/internal/atomicbool"
	"github.com/carlinkos/securelink/internal/errs"
	"github.com/carlinkos/securelink/internal/log"
	"github.com/carlinkos/securelink/keystore"
	"github.com/carlinkos/securelink/oob"
	"github.com/carlinkos/securelink/ratelimiter"
	"github.com/carlinkos/securelink/securechannel"
	"github.com/carlinkos/securelink/transport"
	"github.com/carlinkos/securelink/wire"
)

type recipientKey struct {
	device    uuid.UUID
	recipient uuid.UUID
}

type deviceSession struct {
	channel       *securechannel.Channel
	establishedAt time.Time
	activeUser    bool
}

// Manager is the process-wide singleton coordinating every paired device.
// It owns the transport dialers and listeners, and hands its
// *keystore.Store to each handshake and secure channel it sets up,
// matching spec §5's "no globals aside from the singleton
// DeviceConnectionManager instance."
type Manager struct {
	store   *keystore.Store
	log     log.Logger
	confirm handshake.Confirm
	oobChan *oob.Channel

	dialers   map[string]transport.Dialer
	listeners []transport.Listener

	limiter    ratelimiter.Limiter
	backoff    *reconnectBackoff
	connecting atomicbool.Bool

	mu       sync.RWMutex
	sessions map[uuid.UUID]*deviceSession

	activeUserConns *idgen.Dispatcher[ConnectionCallback]
	allConns        *idgen.Dispatcher[ConnectionCallback]

	recipientsMu sync.Mutex
	recipients   map[recipientKey]*idgen.Dispatcher[DeviceCallback]
	blocklist    map[uuid.UUID]bool

	assocMu sync.Mutex
	assoc   *associationAttempt

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// associationAttempt tracks one caller-driven StartAssociation/
// StartOutOfBandAssociation call: its cancellation and, for the
// out-of-band variant, the human-gesture accept gate that stands in for
// a displayed verification code.
type associationAttempt struct {
	cancel  context.CancelFunc
	oobChan *oob.Channel
	accept  chan struct{}
	once    sync.Once
}

func (a *associationAttempt) notifyAccepted() {
	a.once.Do(func() { close(a.accept) })
}

// waitAccepted is threaded in as the handshake.Confirm for an
// out-of-band association: it ignores the verification code and blocks
// until NotifyOutOfBandAccepted is called instead.
func (a *associationAttempt) waitAccepted(ctx context.Context, code string) (bool, error) {
	select {
	case <-a.accept:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// New returns an idle Manager. Call RegisterDialer/RegisterListener to
// wire transports in, then Start.
func New(store *keystore.Store, confirm handshake.Confirm, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.Discard
	}
	m := &Manager{
		store:           store,
		log:             logger,
		confirm:         confirm,
		dialers:         make(map[string]transport.Dialer),
		sessions:        make(map[uuid.UUID]*deviceSession),
		activeUserConns: idgen.NewDispatcher[ConnectionCallback](),
		allConns:        idgen.NewDispatcher[ConnectionCallback](),
		recipients:      make(map[recipientKey]*idgen.Dispatcher[DeviceCallback]),
		blocklist:       make(map[uuid.UUID]bool),
		backoff:         newReconnectBackoff(),
	}
	m.limiter.Init()
	return m
}

// SetOOBChannel wires an out-of-band verification channel in, so
// subsequent handshakes prefer it over the manual confirm callback
// (handshake.Engine's OOB-first, manual-fallback order).
func (m *Manager) SetOOBChannel(ch *oob.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oobChan = ch
}

// RegisterDialer makes a central-role transport available under name (e.g.
// "ble", "rfcomm") for devices whose PairedDevice.Transport matches it.
func (m *Manager) RegisterDialer(name string, d transport.Dialer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialers[name] = d
}

// RegisterListener adds a peripheral-role transport Start must have
// already been called on; Manager only Accepts from it.
func (m *Manager) RegisterListener(l transport.Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Start begins advertising/scanning: one accept loop per registered
// listener (peripheral role) plus the active-user reconnect loop (central
// role), all running concurrently until ctx is canceled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.mu.RLock()
	listeners := append([]transport.Listener(nil), m.listeners...)
	m.mu.RUnlock()

	for _, l := range listeners {
		l := l
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.acceptLoop(runCtx, l)
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reconnectLoop(runCtx)
	}()
}

// Stop cancels both background roles and closes every open session.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.limiter.Close()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[uuid.UUID]*deviceSession)
	m.mu.Unlock()
	for _, s := range sessions {
		s.channel.Close()
	}
}

func (m *Manager) acceptLoop(ctx context.Context, l transport.Listener) {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				m.log.Errorf("peripheral accept failed: %v", err)
				continue
			}
		}
		if !m.limiter.Allow(conn.RemoteAddr()) {
			m.log.Errorf("rate limited inbound connection from %s", conn.RemoteAddr())
			conn.Close()
			continue
		}
		go m.runResponder(ctx, conn)
	}
}

func (m *Manager) runResponder(ctx context.Context, conn transport.Conn) {
	stream := wire.NewStream(conn, m.log)
	if err := stream.Start(ctx); err != nil {
		m.log.Errorf("version exchange failed for %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	var opts []handshake.Option
	if oobChan := m.oobChannel(); oobChan != nil {
		opts = append(opts, handshake.WithOOBChannel(oobChan, conn.RemoteAddr()))
	}
	ch, err := securechannel.Establish(ctx, stream, m.store, handshake.RoleResponder, uuid.Nil, m.confirm, m.log, opts...)
	if err != nil {
		m.log.Errorf("peripheral handshake failed for %s: %v", conn.RemoteAddr(), err)
		return
	}
	m.onEstablished(ch)
}

// ConnectToActiveUserDevice attempts a central-role connection to the
// first persisted active-user device, guarded by the connecting flag so
// only one such attempt runs at a time (spec §4.7). The flag clears on
// success, failure, and disconnect alike.
func (m *Manager) ConnectToActiveUserDevice(ctx context.Context) error {
	if m.connecting.Swap(true) {
		return errs.New(errs.InvalidState, "connect already in progress")
	}
	defer m.connecting.Set(false)

	devices, err := m.store.ActiveUserDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return errs.New(errs.NotEstablished, "no active-user device paired")
	}
	dev := devices[0]

	m.mu.RLock()
	dialer, ok := m.dialers[dev.Transport]
	if !ok && dev.Transport == "" {
		for _, d := range m.dialers {
			dialer, ok = d, true
			break
		}
	}
	m.mu.RUnlock()
	if !ok {
		return errs.New(errs.NotEstablished, "no transport registered for device")
	}

	conn, err := dialer.Dial(ctx, dev.Address)
	if err != nil {
		return errs.Wrap(errs.NotEstablished, "dial active-user device", err)
	}

	stream := wire.NewStream(conn, m.log)
	if err := stream.Start(ctx); err != nil {
		conn.Close()
		return err
	}

	var opts []handshake.Option
	if oobChan := m.oobChannel(); oobChan != nil {
		opts = append(opts, handshake.WithOOBChannel(oobChan, dev.Address))
	}
	ch, err := securechannel.Establish(ctx, stream, m.store, handshake.RoleInitiator, dev.DeviceID, m.confirm, m.log, opts...)
	if err != nil {
		return errs.Wrap(errs.InvalidSecurityKey, "central-role handshake failed", err)
	}
	m.onEstablished(ch)
	return nil
}

// StartAssociation dials addr over the named transport and runs the
// initiator side of a fresh association, the caller-driven entry point
// into pairing a device the manager has never seen before (spec §6's
// start_association). Only one association attempt runs at a time;
// cb is invoked once with the outcome — DeviceConnected on success,
// AssociationFailed on error — independently of the general
// RegisterConnectionCallback registry.
func (m *Manager) StartAssociation(ctx context.Context, transportName, addr string, cb ConnectionCallback) error {
	return m.startAssociation(ctx, transportName, addr, nil, cb)
}

// StartOutOfBandAssociation is StartAssociation, but verification is
// accelerated over oobChan and, should that fail, the manual confirm
// step waits on NotifyOutOfBandAccepted instead of a displayed
// verification code, since an out-of-band pairing flow never shows the
// user one.
func (m *Manager) StartOutOfBandAssociation(ctx context.Context, transportName, addr string, oobChan *oob.Channel, cb ConnectionCallback) error {
	if oobChan == nil {
		return errs.New(errs.InvalidState, "out-of-band association requires a channel")
	}
	return m.startAssociation(ctx, transportName, addr, oobChan, cb)
}

func (m *Manager) startAssociation(ctx context.Context, transportName, addr string, oobChan *oob.Channel, cb ConnectionCallback) error {
	m.mu.RLock()
	dialer, ok := m.dialers[transportName]
	m.mu.RUnlock()
	if !ok {
		return errs.New(errs.NotEstablished, "no dialer registered for transport "+transportName)
	}

	m.assocMu.Lock()
	if m.assoc != nil {
		m.assocMu.Unlock()
		return errs.New(errs.InvalidState, "association already in progress")
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	att := &associationAttempt{cancel: cancel, oobChan: oobChan, accept: make(chan struct{})}
	m.assoc = att
	m.assocMu.Unlock()

	confirm := m.confirm
	if oobChan != nil {
		confirm = att.waitAccepted
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer m.endAssociation(att)

		ch, err := m.runAssociationInitiator(attemptCtx, dialer, addr, oobChan, confirm)
		if err != nil {
			cb(ConnectionEvent{Kind: AssociationFailed, Err: err})
			return
		}
		m.onEstablished(ch)
		cb(ConnectionEvent{Kind: DeviceConnected, DeviceID: ch.DeviceID()})
	}()
	return nil
}

func (m *Manager) runAssociationInitiator(ctx context.Context, dialer transport.Dialer, addr string, oobChan *oob.Channel, confirm handshake.Confirm) (*securechannel.Channel, error) {
	conn, err := dialer.Dial(ctx, addr)
	if err != nil {
		return nil, errs.Wrap(errs.NotEstablished, "dial association peer", err)
	}
	stream := wire.NewStream(conn, m.log)
	if err := stream.Start(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	var opts []handshake.Option
	if oobChan != nil {
		opts = append(opts, handshake.WithOOBChannel(oobChan, addr))
	}
	return securechannel.Establish(ctx, stream, m.store, handshake.RoleInitiator, uuid.Nil, confirm, m.log, opts...)
}

// StopAssociation cancels any in-flight caller-initiated association,
// interrupting its OOB channel (if any) so a blocked Exchange call
// returns immediately instead of running to its own deadline.
func (m *Manager) StopAssociation() {
	m.assocMu.Lock()
	att := m.assoc
	m.assoc = nil
	m.assocMu.Unlock()
	if att == nil {
		return
	}
	att.cancel()
	if att.oobChan != nil {
		att.oobChan.Interrupt()
	}
}

// NotifyOutOfBandAccepted signals the human-gesture acceptance a
// StartOutOfBandAssociation's confirm step waits on, in place of a
// displayed verification code. A no-op if no out-of-band association is
// currently in flight.
func (m *Manager) NotifyOutOfBandAccepted() {
	m.assocMu.Lock()
	att := m.assoc
	m.assocMu.Unlock()
	if att != nil {
		att.notifyAccepted()
	}
}

func (m *Manager) endAssociation(att *associationAttempt) {
	m.assocMu.Lock()
	if m.assoc == att {
		m.assoc = nil
	}
	m.assocMu.Unlock()
}

func (m *Manager) reconnectLoop(ctx context.Context) {
	for {
		if err := m.backoff.Wait(ctx); err != nil {
			return
		}
		err := m.ConnectToActiveUserDevice(ctx)
		switch {
		case err == nil:
			m.backoff.Success()
		default:
			m.backoff.Failure()
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// onEstablished registers a newly finished session, applying the
// later-finishing tie-break when a session for the same device already
// exists (role coordination, spec §4.7).
func (m *Manager) onEstablished(ch *securechannel.Channel) {
	deviceID := ch.DeviceID()
	dev, ok, err := m.store.Load(deviceID)
	if err != nil || !ok {
		m.log.Errorf("established session for unknown device %s", deviceID)
	}

	now := time.Unix(0, ch.Stats().LastHandshakeNano)
	m.mu.Lock()
	prev, hadPrev := m.sessions[deviceID]
	if hadPrev && !now.After(prev.establishedAt) {
		// A session that finished later already won the race; this one
		// loses the tie-break and is discarded unopened to callers.
		m.mu.Unlock()
		ch.Close()
		return
	}
	m.sessions[deviceID] = &deviceSession{channel: ch, establishedAt: now, activeUser: dev.ActiveUser}
	m.mu.Unlock()

	if hadPrev {
		prev.channel.Close()
	}

	m.notifyConnection(DeviceConnected, deviceID, dev.ActiveUser, nil)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pumpEvents(deviceID, ch)
	}()
}

func (m *Manager) pumpEvents(deviceID uuid.UUID, ch *securechannel.Channel) {
	var activeUser bool
	for ev := range ch.Events() {
		switch ev.Kind {
		case securechannel.ChannelEstablished:
			dev, ok, _ := m.store.Load(deviceID)
			activeUser = ok && dev.ActiveUser
			m.notifyConnection(SecureChannelEstablished, deviceID, activeUser, nil)
		case securechannel.Message:
			m.deliverMessage(deviceID, ev)
		case securechannel.ChannelError:
			m.closeSession(deviceID, ch, ev.Err)
			return
		}
	}
}

func (m *Manager) closeSession(deviceID uuid.UUID, ch *securechannel.Channel, cause error) {
	m.mu.Lock()
	cur, ok := m.sessions[deviceID]
	stillCurrent := ok && cur.channel == ch
	if stillCurrent {
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()
	if !stillCurrent {
		return // already superseded by the tie-break; its own close already notified
	}
	m.notifyConnection(DeviceDisconnected, deviceID, cur.activeUser, cause)
}

func (m *Manager) notifyConnection(kind ConnectionEventKind, deviceID uuid.UUID, activeUser bool, err error) {
	ev := ConnectionEvent{Kind: kind, DeviceID: deviceID, Err: err}
	m.allConns.Invoke(func(cb ConnectionCallback) { cb(ev) })
	if activeUser {
		m.activeUserConns.Invoke(func(cb ConnectionCallback) { cb(ev) })
	}
}

func (m *Manager) deliverMessage(deviceID uuid.UUID, ev securechannel.Event) {
	if ev.Recipient == nil {
		m.log.Errorf("message from %s has no recipient, dropping", deviceID)
		return
	}
	key := recipientKey{device: deviceID, recipient: *ev.Recipient}

	m.recipientsMu.Lock()
	if m.blocklist[*ev.Recipient] {
		m.recipientsMu.Unlock()
		return
	}
	disp, ok := m.recipients[key]
	m.recipientsMu.Unlock()
	if !ok {
		m.log.Errorf("message for unregistered recipient %s on device %s, dropping", *ev.Recipient, deviceID)
		return
	}
	disp.Invoke(func(cb DeviceCallback) {
		cb(DeviceEvent{Kind: MessageReceived, DeviceID: deviceID, Recipient: *ev.Recipient, Payload: ev.Payload})
	})
}

// RegisterConnectionCallback subscribes cb to connection lifecycle events
// in the given scope. The returned handle encodes the scope in its low
// bit, so handles from the two scopes never collide.
func (m *Manager) RegisterConnectionCallback(scope ConnectionScope, cb ConnectionCallback, executor idgen.Executor) uint64 {
	if scope == ActiveUser {
		return m.activeUserConns.Add(cb, executor) << 1
	}
	return m.allConns.Add(cb, executor)<<1 | 1
}

// UnregisterConnectionCallback removes a handle previously returned by
// RegisterConnectionCallback from the scope it was issued in.
func (m *Manager) UnregisterConnectionCallback(handle uint64) {
	if handle&1 == 1 {
		m.allConns.Remove(handle >> 1)
		return
	}
	m.activeUserConns.Remove(handle >> 1)
}

// RegisterDeviceCallback subscribes cb to messages addressed to recipient
// on device. A second registration for the same (device, recipient) pair
// proves the recipient id has leaked: both the existing and the new
// registration are notified with InsecureRecipientIdDetected and removed,
// and the recipient id is blocklisted process-wide, never to be
// unblocklisted (spec §4.7).
func (m *Manager) RegisterDeviceCallback(device, recipient uuid.UUID, cb DeviceCallback, executor idgen.Executor) (uint64, error) {
	m.recipientsMu.Lock()
	defer m.recipientsMu.Unlock()

	if m.blocklist[recipient] {
		return 0, errs.New(errs.InsecureRecipientIDDetected, "recipient id is blocklisted")
	}

	key := recipientKey{device: device, recipient: recipient}
	disp, exists := m.recipients[key]
	if !exists {
		disp = idgen.NewDispatcher[DeviceCallback]()
		m.recipients[key] = disp
	}

	duplicate := disp.Size() > 0
	handle := disp.Add(cb, executor)
	if !duplicate {
		return handle, nil
	}

	m.blocklist[recipient] = true
	disp.Invoke(func(c DeviceCallback) {
		c(errorEvent(device, recipient, errs.InsecureRecipientIDDetected, "recipient id registered more than once"))
	})
	disp.Range(func(h uint64, _ DeviceCallback) { disp.Remove(h) })
	delete(m.recipients, key)
	return 0, errs.New(errs.InsecureRecipientIDDetected, "recipient id registered more than once; blocklisted")
}

// UnregisterDeviceCallback removes one (device, recipient) registration.
func (m *Manager) UnregisterDeviceCallback(device, recipient uuid.UUID, handle uint64) {
	key := recipientKey{device: device, recipient: recipient}
	m.recipientsMu.Lock()
	defer m.recipientsMu.Unlock()
	disp, ok := m.recipients[key]
	if !ok {
		return
	}
	disp.Remove(handle)
	if disp.Size() == 0 {
		delete(m.recipients, key)
	}
}

// SendSecure encrypts and sends payload to recipient over device's
// established session. Requires a live secure channel (spec §4.7).
func (m *Manager) SendSecure(device, recipient uuid.UUID, payload []byte) error {
	sess, ok := m.session(device)
	if !ok {
		return errs.New(errs.NotEstablished, "no secure channel for device")
	}
	return sess.channel.Send(&recipient, payload)
}

// SendUnsecure sends payload to recipient without encryption, permitted
// any time the session's version exchange has completed.
func (m *Manager) SendUnsecure(device, recipient uuid.UUID, payload []byte) error {
	sess, ok := m.session(device)
	if !ok {
		return errs.New(errs.NotEstablished, "no channel for device")
	}
	return sess.channel.SendUnsecure(&recipient, payload)
}

// DisconnectDevice closes device's session, if any.
func (m *Manager) DisconnectDevice(device uuid.UUID) error {
	m.mu.Lock()
	sess, ok := m.sessions[device]
	if ok {
		delete(m.sessions, device)
	}
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.NotEstablished, "no session for device")
	}
	err := sess.channel.Close()
	m.notifyConnection(DeviceDisconnected, device, sess.activeUser, nil)
	return err
}

// ConnectedActiveUserDevices returns the device ids of every active-user
// device with a live session right now.
func (m *Manager) ConnectedActiveUserDevices() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []uuid.UUID
	for id, s := range m.sessions {
		if s.activeUser {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) oobChannel() *oob.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.oobChan
}

func (m *Manager) session(device uuid.UUID) (*deviceSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[device]
	return s, ok
}
