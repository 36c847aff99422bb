// Package stream implements the STREAM transport: authenticated, encrypted
// money-and-data packets carried end-to-end inside ILP Prepares.
package stream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	sharedSecretInfo = "ilp_stream_shared_secret"
	nonceLen         = 12
)

var ErrDecrypt = errors.New("stream: cannot decrypt packet")

// DeriveSharedSecret expands a receiver seed (optionally bound to a
// connection token) into the 32-byte shared secret.
func DeriveSharedSecret(seed []byte, token string) []byte {
	ikm := seed
	if token != "" {
		mac := hmac.New(sha256.New, seed)
		mac.Write([]byte(token))
		ikm = mac.Sum(nil)
	}
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, []byte(sharedSecretInfo)), out); err != nil {
		panic(err) // hkdf with sha256 cannot fail before 255*32 bytes
	}
	return out
}

// Encrypt seals plaintext with AES-256-GCM under the shared secret. Layout:
// 12-byte random nonce, then ciphertext with the tag appended.
func Encrypt(secret, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a sealed packet.
func Decrypt(secret, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceLen {
		return nil, ErrDecrypt
	}
	plaintext, err := gcm.Open(nil, sealed[:nonceLen], sealed[nonceLen:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Fulfillment derives the preimage for an encrypted packet. The execution
// condition of the carrying Prepare is the SHA-256 of this value, so only
// holders of the shared secret can fulfill.
func Fulfillment(secret, ciphertext []byte) [32]byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(ciphertext)
	var out [32]byte
	mac.Sum(out[:0])
	return out
}

func newGCM(secret []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
