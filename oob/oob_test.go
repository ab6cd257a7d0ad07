package oob

import (
	"context"
	"testing"
	"time"

	"github.com/carlinkos/securelink/internal/errs"
)

type fakeExchanger struct {
	payload []byte
	err     error
	delay   time.Duration
}

func (f *fakeExchanger) Exchange(ctx context.Context, peerAddr string, role Role) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.payload, f.err
}

func TestCipherRoundTrip(t *testing.T) {
	raw, err := RandomPayload()
	if err != nil {
		t.Fatal(err)
	}

	clientMat, err := NewMaterial(raw, RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	serverMat, err := NewMaterial(raw, RoleServer)
	if err != nil {
		t.Fatal(err)
	}

	clientCipher, err := NewCipher(clientMat)
	if err != nil {
		t.Fatal(err)
	}
	serverCipher, err := NewCipher(serverMat)
	if err != nil {
		t.Fatal(err)
	}

	code := []byte("425193")
	ciphertext, err := clientCipher.EncryptVerification(code)
	if err != nil {
		t.Fatal(err)
	}

	plain, err := serverCipher.DecryptVerification(ciphertext)
	if err != nil {
		t.Fatalf("server failed to decrypt client's code: %v", err)
	}
	if string(plain) != string(code) {
		t.Fatalf("round trip mismatch: got %q want %q", plain, code)
	}
}

func TestCipherSwappedRolesFailsDecrypt(t *testing.T) {
	raw, err := RandomPayload()
	if err != nil {
		t.Fatal(err)
	}
	clientMat, _ := NewMaterial(raw, RoleClient)
	clientCipher, _ := NewCipher(clientMat)

	// A second "client"-role cipher built from the same raw material
	// represents a peer that incorrectly believes it is also the client.
	otherClientMat, _ := NewMaterial(raw, RoleClient)
	otherClientCipher, _ := NewCipher(otherClientMat)

	ciphertext, err := clientCipher.EncryptVerification([]byte("425193"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := otherClientCipher.DecryptVerification(ciphertext); err == nil {
		t.Fatal("expected decrypt to fail when both sides use the same-direction nonce")
	}
}

func TestChannelExchangeHappyPath(t *testing.T) {
	payload, _ := RandomPayload()
	ch := NewChannel(&fakeExchanger{payload: payload})

	mat, err := ch.Exchange(context.Background(), "AA:BB", RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	if mat.Key == ([KeySize]byte{}) {
		t.Fatal("expected non-zero key")
	}
}

func TestChannelInterruptCancelsInFlight(t *testing.T) {
	ch := NewChannel(&fakeExchanger{delay: time.Hour})

	errc := make(chan error, 1)
	go func() {
		_, err := ch.Exchange(context.Background(), "AA:BB", RoleClient)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	ch.Interrupt()

	select {
	case err := <-errc:
		kind, ok := errs.Of(err)
		if !ok || kind != errs.Cancelled {
			t.Fatalf("expected Cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt did not unblock exchange")
	}
}

func TestChannelExchangeDeadline(t *testing.T) {
	ch := NewChannel(&fakeExchanger{delay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ch.Exchange(ctx, "AA:BB", RoleClient)
	kind, ok := errs.Of(err)
	if !ok || kind != errs.Timeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
}
