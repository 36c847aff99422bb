package redisstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

const (
	encryptionKeyInfo = "ilp_store_encryption_key"
	tokenIndexInfo    = "ilp_auth_token_index"
)

var errCiphertext = errors.New("redisstore: bad ciphertext")

// tokenCrypto derives the at-rest keys from the node's secret seed: auth
// tokens are indexed by HMAC so the store never holds them in clear, and
// outgoing link tokens are AES-GCM encrypted.
type tokenCrypto struct {
	encKey   []byte
	indexKey []byte
}

func newTokenCrypto(secretSeed []byte) *tokenCrypto {
	return &tokenCrypto{
		encKey:   deriveKey(secretSeed, encryptionKeyInfo),
		indexKey: deriveKey(secretSeed, tokenIndexInfo),
	}
}

func deriveKey(seed []byte, info string) []byte {
	mac := hmac.New(sha256.New, seed)
	mac.Write([]byte(info))
	return mac.Sum(nil)
}

// tokenIndexKey maps an incoming auth token to its store lookup key.
func (c *tokenCrypto) tokenIndexKey(token string) string {
	mac := hmac.New(sha256.New, c.indexKey)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *tokenCrypto) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.encKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *tokenCrypto) decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(c.encKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", errCiphertext
	}
	plaintext, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return "", errCiphertext
	}
	return string(plaintext), nil
}
