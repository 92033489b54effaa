// Package secret envelopes model API keys at rest. The envelope is
// symmetric AES-GCM under a PBKDF2-derived key, serialized as
// "enc:v1:<base64(salt|nonce|ciphertext)>" so stored values are
// self-describing and plaintext rows from older databases still read back.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	envelopePrefix = "enc:v1:"
	saltSize       = 16
	keySize        = 32
	kdfIterations  = 100_000
)

var errMalformed = errors.New("malformed secret envelope")

// Keeper envelopes and opens secrets under one passphrase.
type Keeper struct {
	passphrase []byte
}

// NewKeeper creates a Keeper. The passphrase is typically machine-scoped
// (config value or env var), not per-user.
func NewKeeper(passphrase string) *Keeper {
	return &Keeper{passphrase: []byte(passphrase)}
}

// Seal envelopes a plaintext secret. Sealing an already sealed value
// returns it unchanged.
func (k *Keeper) Seal(plaintext string) (string, error) {
	if plaintext == "" || strings.HasPrefix(plaintext, envelopePrefix) {
		return plaintext, nil
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := k.aead(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	payload := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)
	return envelopePrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// Open reverses Seal. Values without the envelope prefix pass through
// unchanged, so legacy plaintext rows keep working.
func (k *Keeper) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, envelopePrefix) {
		return stored, nil
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, envelopePrefix))
	if err != nil {
		return "", errMalformed
	}
	if len(payload) < saltSize {
		return "", errMalformed
	}
	salt := payload[:saltSize]
	gcm, err := k.aead(salt)
	if err != nil {
		return "", err
	}
	rest := payload[saltSize:]
	if len(rest) < gcm.NonceSize() {
		return "", errMalformed
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open secret: %w", err)
	}
	return string(plaintext), nil
}

// IsSealed reports whether the stored value carries the envelope prefix.
func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, envelopePrefix)
}

func (k *Keeper) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(k.passphrase, salt, kdfIterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
