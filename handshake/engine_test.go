package handshake

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/carlinkos/securelink/internal/errs"
	"github.com/carlinkos/securelink/keystore"
	"github.com/carlinkos/securelink/oob"
	"github.com/carlinkos/securelink/wire"
)

// hangingExchanger never returns until its context is cancelled, standing
// in for an OOB side channel (NFC tap, QR scan) that the peer never
// completes.
type hangingExchanger struct{}

func (hangingExchanger) Exchange(ctx context.Context, peerAddr string, role oob.Role) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestStore(t *testing.T) *keystore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := keystore.New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func startedStreams(t *testing.T) (*wire.Stream, *wire.Stream) {
	t.Helper()
	a, b := net.Pipe()
	sa, sb := wire.NewStream(a, nil), wire.NewStream(b, nil)
	errc := make(chan error, 2)
	go func() { errc <- sa.Start(context.Background()) }()
	go func() { errc <- sb.Start(context.Background()) }()
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			t.Fatalf("stream start: %v", err)
		}
	}
	return sa, sb
}

func alwaysConfirm(ctx context.Context, code string) (bool, error) { return true, nil }

func TestAssociationHappyPathManualConfirm(t *testing.T) {
	streamA, streamB := startedStreams(t)
	defer streamA.Close()
	defer streamB.Close()

	storeA := newTestStore(t)
	storeB := newTestStore(t)

	initiator := NewEngine(streamA, storeA, RoleInitiator, uuid.Nil, alwaysConfirm)
	responder := NewEngine(streamB, storeB, RoleResponder, uuid.Nil, alwaysConfirm)

	type outcome struct {
		res Result
		err error
	}
	ic, rc := make(chan outcome, 1), make(chan outcome, 1)
	go func() { r, e := initiator.Run(context.Background()); ic <- outcome{r, e} }()
	go func() { r, e := responder.Run(context.Background()); rc <- outcome{r, e} }()

	io := <-ic
	ro := <-rc
	if io.err != nil {
		t.Fatalf("initiator: %v", io.err)
	}
	if ro.err != nil {
		t.Fatalf("responder: %v", ro.err)
	}
	if len(io.res.SessionKey) != KeySize || len(ro.res.SessionKey) != KeySize {
		t.Fatalf("expected %d byte session keys", KeySize)
	}
	if string(io.res.SessionKey) != string(ro.res.SessionKey) {
		t.Fatalf("session keys diverged between initiator and responder")
	}
	if initiator.State() != Finished || responder.State() != Finished {
		t.Fatalf("expected both engines Finished, got %v / %v", initiator.State(), responder.State())
	}

	if _, ok, err := storeB.Load(io.res.DeviceID); err != nil || !ok {
		t.Fatalf("responder failed to persist device record: ok=%v err=%v", ok, err)
	}
}

func TestAssociationRejectedConfirmationGoesInvalid(t *testing.T) {
	streamA, streamB := startedStreams(t)
	defer streamA.Close()
	defer streamB.Close()

	reject := func(ctx context.Context, code string) (bool, error) { return false, nil }

	initiator := NewEngine(streamA, newTestStore(t), RoleInitiator, uuid.Nil, reject, WithIdleTimeout(200*time.Millisecond))
	responder := NewEngine(streamB, newTestStore(t), RoleResponder, uuid.Nil, alwaysConfirm, WithIdleTimeout(200*time.Millisecond))

	errc := make(chan error, 2)
	go func() { _, err := initiator.Run(context.Background()); errc <- err }()
	go func() { _, err := responder.Run(context.Background()); errc <- err }()

	first := <-errc
	second := <-errc
	if first == nil && second == nil {
		t.Fatal("expected at least one side to fail when confirmation is rejected")
	}
	if initiator.State() != Invalid {
		t.Fatalf("expected initiator Invalid, got %v", initiator.State())
	}
}

func TestReconnectHappyPathRotatesKey(t *testing.T) {
	streamA, streamB := startedStreams(t)
	defer streamA.Close()
	defer streamB.Close()

	storeA := newTestStore(t)
	storeB := newTestStore(t)

	initiator := NewEngine(streamA, storeA, RoleInitiator, uuid.Nil, alwaysConfirm)
	responder := NewEngine(streamB, storeB, RoleResponder, uuid.Nil, alwaysConfirm)

	ic, rc := make(chan Result, 1), make(chan Result, 1)
	errc := make(chan error, 2)
	go func() {
		r, err := initiator.Run(context.Background())
		if err != nil {
			errc <- err
			return
		}
		ic <- r
		errc <- nil
	}()
	go func() {
		r, err := responder.Run(context.Background())
		if err != nil {
			errc <- err
			return
		}
		rc <- r
		errc <- nil
	}()
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	assocInitiator := <-ic
	assocResponder := <-rc

	streamA.Close()
	streamB.Close()

	pa, pb := net.Pipe()
	sa, sb := wire.NewStream(pa, nil), wire.NewStream(pb, nil)
	defer sa.Close()
	defer sb.Close()
	startErrc := make(chan error, 2)
	go func() { startErrc <- sa.Start(context.Background()) }()
	go func() { startErrc <- sb.Start(context.Background()) }()
	for i := 0; i < 2; i++ {
		if err := <-startErrc; err != nil {
			t.Fatal(err)
		}
	}

	reInitiator := NewEngine(sa, storeA, RoleInitiator, assocInitiator.DeviceID, alwaysConfirm)
	reResponder := NewEngine(sb, storeB, RoleResponder, uuid.Nil, alwaysConfirm)

	reic, rerc := make(chan Result, 1), make(chan Result, 1)
	reerrc := make(chan error, 2)
	go func() {
		r, err := reInitiator.Run(context.Background())
		reerrc <- err
		reic <- r
	}()
	go func() {
		r, err := reResponder.Run(context.Background())
		reerrc <- err
		rerc <- r
	}()
	for i := 0; i < 2; i++ {
		if err := <-reerrc; err != nil {
			t.Fatalf("reconnect: %v", err)
		}
	}
	reI := <-reic
	reR := <-rerc

	if !reI.Resumed || !reR.Resumed {
		t.Fatalf("expected Resumed result on both sides")
	}
	if string(reI.SessionKey) != string(reR.SessionKey) {
		t.Fatalf("rotated session keys diverged")
	}
	if string(reI.SessionKey) == string(assocResponder.SessionKey) {
		t.Fatalf("reconnect did not rotate the session key")
	}
}

func TestReconnectUnknownDeviceIDFails(t *testing.T) {
	streamA, streamB := startedStreams(t)
	defer streamA.Close()
	defer streamB.Close()

	initiator := NewEngine(streamA, newTestStore(t), RoleInitiator, uuid.New(), alwaysConfirm, WithIdleTimeout(200*time.Millisecond))
	responder := NewEngine(streamB, newTestStore(t), RoleResponder, uuid.Nil, alwaysConfirm, WithIdleTimeout(200*time.Millisecond))

	errc := make(chan error, 2)
	go func() { _, err := initiator.Run(context.Background()); errc <- err }()
	go func() { _, err := responder.Run(context.Background()); errc <- err }()

	first := <-errc
	second := <-errc
	if first == nil && second == nil {
		t.Fatal("expected failure for unknown device id reconnect")
	}
}

func TestClientMessageBeforeFinishedGoesInvalidState(t *testing.T) {
	streamA, streamB := startedStreams(t)
	defer streamA.Close()
	defer streamB.Close()

	initiator := NewEngine(streamA, newTestStore(t), RoleInitiator, uuid.Nil, alwaysConfirm, WithIdleTimeout(time.Second))

	errc := make(chan error, 1)
	go func() { _, err := initiator.Run(context.Background()); errc <- err }()

	// Play the responder manually: read the client hello, then answer
	// with an encrypted CLIENT_MESSAGE instead of a SERVER_HELLO, the
	// boundary scenario where an application-looking frame arrives
	// before the handshake has produced a session key to decrypt it
	// under.
	if _, err := streamB.Recv(context.Background()); err != nil {
		t.Fatalf("responder recv client hello: %v", err)
	}
	if err := streamB.Send(wire.Frame{Operation: wire.OpClientMessage, PayloadEncrypted: true, Payload: []byte("too early")}); err != nil {
		t.Fatalf("responder send client message: %v", err)
	}

	err := <-errc
	if err == nil {
		t.Fatal("expected the initiator to reject a client message mid-handshake")
	}
	ierr, ok := errs.Of(err)
	if !ok || ierr != errs.InvalidState {
		t.Fatalf("expected InvalidState, got %v (%T)", err, err)
	}
	if initiator.State() != Invalid {
		t.Fatalf("expected Invalid, got %v", initiator.State())
	}
}

func TestOOBExchangeDeadlineFallsBackToManualConfirm(t *testing.T) {
	streamA, streamB := startedStreams(t)
	defer streamA.Close()
	defer streamB.Close()

	oobChan := oob.NewChannel(hangingExchanger{})
	start := time.Now()

	initiator := NewEngine(streamA, newTestStore(t), RoleInitiator, uuid.Nil, alwaysConfirm,
		WithOOBChannel(oobChan, "peer-addr"), WithOOBDeadline(50*time.Millisecond), WithIdleTimeout(5*time.Second))
	responder := NewEngine(streamB, newTestStore(t), RoleResponder, uuid.Nil, alwaysConfirm,
		WithIdleTimeout(5*time.Second))

	type outcome struct {
		res Result
		err error
	}
	ic, rc := make(chan outcome, 1), make(chan outcome, 1)
	go func() { r, e := initiator.Run(context.Background()); ic <- outcome{r, e} }()
	go func() { r, e := responder.Run(context.Background()); rc <- outcome{r, e} }()

	io := <-ic
	ro := <-rc
	elapsed := time.Since(start)

	if io.err != nil {
		t.Fatalf("initiator: %v", io.err)
	}
	if ro.err != nil {
		t.Fatalf("responder: %v", ro.err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("expected the stuck OOB exchange to time out at its own 50ms deadline, not the 5s idle timeout: took %v", elapsed)
	}
}

func TestIdleTimeoutGoesInvalid(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	stream := wire.NewStream(a, nil)
	defer stream.Close()
	peer := wire.NewStream(b, nil)
	defer peer.Close()

	errc := make(chan error, 2)
	go func() { errc <- stream.Start(context.Background()) }()
	go func() { errc <- peer.Start(context.Background()) }()
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			t.Fatal(err)
		}
	}
	// peer never sends a handshake frame after this point, so the engine's
	// idle timeout is what must end the Run call below.

	e := NewEngine(stream, newTestStore(t), RoleInitiator, uuid.Nil, alwaysConfirm, WithIdleTimeout(20*time.Millisecond))
	_, err := e.Run(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if e.State() != Invalid {
		t.Fatalf("expected Invalid, got %v", e.State())
	}
}
