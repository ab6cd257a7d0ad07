package keystore

import (
	"testing"

	"github.com/google/uuid"
)

func TestGetUnitIDPersistsAcrossOpens(t *testing.T) {
	dir := t.TempDir()

	s1, err := New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	id1, err := s1.GetUnitID()
	if err != nil {
		t.Fatal(err)
	}

	s2, err := New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s2.GetUnitID()
	if err != nil {
		t.Fatal(err)
	}

	if id1 != id2 {
		t.Fatalf("unit id not stable across opens: %s vs %s", id1, id2)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	dev := PairedDevice{
		DeviceID:      uuid.New(),
		Address:       "AA:BB:CC:DD:EE:FF",
		FriendlyName:  "Alice's Phone",
		EncryptionKey: []byte("0123456789abcdef0123456789abcdef"),
		ActiveUser:    true,
	}
	if err := s.Save(dev); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Load(dev.DeviceID)
	if err != nil || !ok {
		t.Fatalf("load failed: ok=%v err=%v", ok, err)
	}
	if got.FriendlyName != dev.FriendlyName || string(got.EncryptionKey) != string(dev.EncryptionKey) {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	active, err := s.ActiveUserDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].DeviceID != dev.DeviceID {
		t.Fatalf("expected exactly the active device, got %+v", active)
	}
}

func TestLoadMissingReturnsNotOK(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	_, ok, err := s.Load(uuid.New())
	if err != nil || ok {
		t.Fatalf("expected ok=false err=nil, got ok=%v err=%v", ok, err)
	}
}

func TestRotateReplacesKeyAtomically(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	k0 := []byte("k0-old-key-0123456789abcdef")
	if err := s.Save(PairedDevice{DeviceID: id, EncryptionKey: k0}); err != nil {
		t.Fatal(err)
	}

	k1 := []byte("k1-new-key-fedcba9876543210")
	if err := s.Save(PairedDevice{DeviceID: id, EncryptionKey: k1}); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Load(id)
	if err != nil || !ok {
		t.Fatalf("load failed: ok=%v err=%v", ok, err)
	}
	if string(got.EncryptionKey) != string(k1) {
		t.Fatalf("expected rotated key, got %s", got.EncryptionKey)
	}
}
