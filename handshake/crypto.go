package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/carlinkos/securelink/internal/errs"
	"github.com/carlinkos/securelink/xchacha20poly1305"
)

// confirmPlaintext is the fixed plaintext sealed into a confirm signal;
// only its successful authentication matters, not its content.
var confirmPlaintext = []byte("carlink-confirm")

// KeySize is the session key length this stack derives and persists.
const KeySize = 32

// ephemeralKeypair is a single-use X25519 keypair, grounded on the
// teacher's NoisePrivateKey/NoisePublicKey (device/noise-types.go): a
// [32]byte private scalar and its curve25519 basepoint multiple.
type ephemeralKeypair struct {
	private [32]byte
	public  [32]byte
}

func newEphemeralKeypair() (ephemeralKeypair, error) {
	var kp ephemeralKeypair
	if _, err := rand.Read(kp.private[:]); err != nil {
		return ephemeralKeypair{}, errs.Wrap(errs.InvalidHandshake, "generate ephemeral key", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return ephemeralKeypair{}, errs.Wrap(errs.InvalidHandshake, "derive ephemeral public key", err)
	}
	copy(kp.public[:], pub)
	return kp, nil
}

// sharedSecret runs X25519 between our ephemeral private key and the
// peer's ephemeral public key.
func sharedSecret(private, peerPublic [32]byte) ([]byte, error) {
	out, err := curve25519.X25519(private[:], peerPublic[:])
	if err != nil {
		return nil, errs.Wrap(errs.InvalidHandshake, "compute shared secret", err)
	}
	return out, nil
}

func newBlake2sHash() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

// hkdfExpand derives len(out) bytes from secret using HKDF over
// BLAKE2s-256, labeled by info. Grounded on the teacher's KDF usage in
// device/kdf_test.go (noise-style key derivation) rather than a bespoke
// construction.
func hkdfExpand(secret []byte, info string, out []byte) error {
	r := hkdf.New(newBlake2sHash, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return errs.Wrap(errs.InvalidHandshake, "hkdf expand", err)
	}
	return nil
}

// verificationCode derives a 6-digit human-readable code from the shared
// secret, deterministic on both sides so OOB auto-confirm can compare
// without revealing the session key itself.
func verificationCode(secret []byte) (string, error) {
	var raw [4]byte
	if err := hkdfExpand(secret, "carlink-verification-code-v1", raw[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(raw[:]) % 1000000
	return padCode(n), nil
}

func padCode(n uint32) string {
	var digits [6]byte
	for i := 5; i >= 0; i-- {
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[:])
}

// deriveSessionKey derives the final AES-GCM session key from the
// handshake's shared secret, distinct from verificationCode's derivation
// so a leaked PIN never leaks the key.
func deriveSessionKey(secret []byte) ([]byte, error) {
	out := make([]byte, KeySize)
	if err := hkdfExpand(secret, "carlink-session-key-v1", out); err != nil {
		return nil, err
	}
	return out, nil
}

// deriveRotatedKey derives the reconnect's new session key from the prior
// key and the fresh ECDH output, so each reconnect's key depends on both
// the device's history and this session's ephemeral exchange (property:
// key-rotation-on-resume, spec §8.4).
func deriveRotatedKey(oldKey, secret []byte) ([]byte, error) {
	combined := append(append([]byte(nil), oldKey...), secret...)
	out := make([]byte, KeySize)
	if err := hkdfExpand(combined, "carlink-rotate-key-v1", out); err != nil {
		return nil, err
	}
	return out, nil
}

// deriveTranscriptBindingKey derives the key used to seal the confirm
// signal under XChaCha20-Poly1305, binding session completion to this
// handshake's own shared secret so a confirm signal from one handshake
// can never be replayed into another (distinct from deriveSessionKey,
// which protects application traffic instead).
func deriveTranscriptBindingKey(secret []byte) ([32]byte, error) {
	var out [32]byte
	if err := hkdfExpand(secret, "carlink-transcript-binding-v1", out[:]); err != nil {
		return [32]byte{}, err
	}
	return out, nil
}

// sealConfirmSignal produces a fresh-nonce XChaCha20-Poly1305 seal of
// confirmPlaintext under the handshake's transcript binding key.
func sealConfirmSignal(secret []byte) (nonce [24]byte, ciphertext []byte, err error) {
	key, err := deriveTranscriptBindingKey(secret)
	if err != nil {
		return nonce, nil, err
	}
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, nil, errs.Wrap(errs.InvalidHandshake, "generate confirm nonce", err)
	}
	ciphertext = xchacha20poly1305.Encrypt(nil, &nonce, confirmPlaintext, nil, &key)
	return nonce, ciphertext, nil
}

// openConfirmSignal verifies a peer's confirm signal under the same
// transcript binding key; any failure means the peer never derived our
// shared secret, i.e. verification did not actually succeed on both ends.
func openConfirmSignal(secret []byte, nonce [24]byte, ciphertext []byte) error {
	key, err := deriveTranscriptBindingKey(secret)
	if err != nil {
		return err
	}
	plain, err := xchacha20poly1305.Decrypt(nil, &nonce, ciphertext, nil, &key)
	if err != nil {
		return errs.Wrap(errs.InvalidVerification, "confirm signal authentication failed", err)
	}
	if string(plain) != string(confirmPlaintext) {
		return errs.New(errs.InvalidVerification, "confirm signal plaintext mismatch")
	}
	return nil
}

// resumptionAuthTag authenticates a reconnect transcript under the prior
// session key: both sides must know the same old key to produce a
// matching tag, which is how resumption proves possession of the
// previous key without transmitting it.
func resumptionAuthTag(oldKey, transcript []byte) []byte {
	mac := hmac.New(newBlake2sHash, oldKey)
	mac.Write(transcript)
	return mac.Sum(nil)
}

// constantTimeEqual compares two MAC-shaped byte slices without leaking
// timing information about where they first differ.
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// toArray32 copies a 32-byte MAC into a fixed array for wire encoding.
func toArray32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}
