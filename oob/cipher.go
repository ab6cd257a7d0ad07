package oob

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/carlinkos/securelink/internal/errs"
)

// MaxVerificationCodeSize bounds the plaintext C3 ever encrypts (spec
// §4.3: "a fixed ≤ 16-byte value").
const MaxVerificationCodeSize = 16

// Cipher wraps AES-GCM with the pair of fixed nonces split from OOB
// Material: one encryption-direction nonce, one decryption-direction
// nonce, so a swapped-role peer fails to decrypt deterministically.
type Cipher struct {
	aead  cipher.AEAD
	encIV [NonceSize]byte
	decIV [NonceSize]byte
}

// NewCipher builds a Cipher from Material.
func NewCipher(m Material) (*Cipher, error) {
	block, err := aes.NewCipher(m.Key[:])
	if err != nil {
		return nil, errs.Wrap(errs.InvalidMessage, "oob cipher: new aes block", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidMessage, "oob cipher: new gcm", err)
	}
	return &Cipher{aead: aead, encIV: m.EncIV, decIV: m.DecIV}, nil
}

// EncryptVerification encrypts code (at most MaxVerificationCodeSize
// bytes) under the encryption-direction nonce. The associated data is
// empty, per spec §6.
func (c *Cipher) EncryptVerification(code []byte) ([]byte, error) {
	if len(code) == 0 || len(code) > MaxVerificationCodeSize {
		return nil, errs.New(errs.InvalidMessage, "oob cipher: verification code out of bounds")
	}
	return c.aead.Seal(nil, c.encIV[:], code, nil), nil
}

// DecryptVerification decrypts a ciphertext produced by the peer's
// EncryptVerification. Using the wrong nonce (i.e. swapped client/server
// roles) fails here with an authentication error, never silently.
func (c *Cipher) DecryptVerification(ciphertext []byte) ([]byte, error) {
	plain, err := c.aead.Open(nil, c.decIV[:], ciphertext, nil)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidVerification, "oob cipher: decrypt failed", err)
	}
	return plain, nil
}
