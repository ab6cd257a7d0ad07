package securechannel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/carlinkos/securelink/handshake"
	"github.com/carlinkos/securelink/keystore"
	"github.com/carlinkos/securelink/wire"
)

func newStore(t *testing.T) *keystore.Store {
	t.Helper()
	s, err := keystore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func alwaysConfirm(ctx context.Context, code string) (bool, error) { return true, nil }

func establishPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b := net.Pipe()
	streamA, streamB := wire.NewStream(a, nil), wire.NewStream(b, nil)
	errc := make(chan error, 2)
	go func() { errc <- streamA.Start(context.Background()) }()
	go func() { errc <- streamB.Start(context.Background()) }()
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			t.Fatalf("stream start: %v", err)
		}
	}

	type result struct {
		ch  *Channel
		err error
	}
	rc := make(chan result, 2)
	go func() {
		ch, err := Establish(context.Background(), streamA, newStore(t), handshake.RoleInitiator, uuid.Nil, alwaysConfirm, nil)
		rc <- result{ch, err}
	}()
	go func() {
		ch, err := Establish(context.Background(), streamB, newStore(t), handshake.RoleResponder, uuid.Nil, alwaysConfirm, nil)
		rc <- result{ch, err}
	}()

	first := <-rc
	second := <-rc
	if first.err != nil {
		t.Fatalf("establish: %v", first.err)
	}
	if second.err != nil {
		t.Fatalf("establish: %v", second.err)
	}
	return first.ch, second.ch
}

func drainLifecycle(t *testing.T, ch *Channel) {
	t.Helper()
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch.Events():
			if ev.Kind != ChannelEstablished && ev.Kind != DeviceIDKnown {
				t.Fatalf("unexpected lifecycle event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for lifecycle event")
		}
	}
}

func TestEstablishAndExchangeMessages(t *testing.T) {
	chA, chB := establishPair(t)
	defer chA.Close()
	defer chB.Close()
	drainLifecycle(t, chA)
	drainLifecycle(t, chB)

	if err := chA.Send(nil, []byte("hello from a")); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-chB.Events():
		if ev.Kind != Message || string(ev.Payload) != "hello from a" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	recipient := uuid.New()
	if err := chB.Send(&recipient, []byte("reply from b")); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-chA.Events():
		if ev.Kind != Message || string(ev.Payload) != "reply from b" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Recipient == nil || *ev.Recipient != recipient {
			t.Fatalf("recipient not carried through: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestStatsTrackBytes(t *testing.T) {
	chA, chB := establishPair(t)
	defer chA.Close()
	defer chB.Close()
	drainLifecycle(t, chA)
	drainLifecycle(t, chB)

	payload := []byte("twelve bytes")
	if err := chA.Send(nil, payload); err != nil {
		t.Fatal(err)
	}
	<-chB.Events()

	if got := chA.Stats().TxBytes; got != uint64(len(payload)) {
		t.Fatalf("expected TxBytes=%d, got %d", len(payload), got)
	}
	if got := chB.Stats().RxBytes; got != uint64(len(payload)) {
		t.Fatalf("expected RxBytes=%d, got %d", len(payload), got)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	chA, chB := establishPair(t)
	defer chB.Close()
	drainLifecycle(t, chA)
	drainLifecycle(t, chB)

	chA.Close()
	if err := chA.Send(nil, []byte("x")); err == nil {
		t.Fatal("expected error sending on closed channel")
	}
}
