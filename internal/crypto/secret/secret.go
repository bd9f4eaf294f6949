// Package secret encrypts configuration secrets at rest with a passphrase.
//
// The sealed form is base64(salt || nonce || ciphertext): the key is derived
// from the passphrase with Argon2id and the payload is sealed with
// XChaCha20-Poly1305.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/and161185/dirsync/internal/errs"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Prefix marks an encrypted value inside a configuration document.
const Prefix = "enc:"

const (
	saltLen = 16
	keyLen  = chacha20poly1305.KeySize

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen)
}

// Encrypt seals plaintext with a key derived from passphrase.
func Encrypt(passphrase, plaintext string) (string, error) {
	if passphrase == "" {
		return "", fmt.Errorf("encrypt: empty passphrase")
	}
	buf := make([]byte, saltLen+chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	salt, nonce := buf[:saltLen], buf[saltLen:]
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}
	out := aead.Seal(buf, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt. Any failure, including a wrong
// passphrase, is reported as errs.ErrDecryption.
func Decrypt(passphrase, sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrDecryption, err)
	}
	if len(raw) < saltLen+chacha20poly1305.NonceSizeX {
		return "", fmt.Errorf("%w: sealed value too short", errs.ErrDecryption)
	}
	salt := raw[:saltLen]
	nonce := raw[saltLen : saltLen+chacha20poly1305.NonceSizeX]
	ct := raw[saltLen+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrDecryption, err)
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrDecryption, err)
	}
	return string(pt), nil
}

// IsSealed reports whether v carries Prefix.
func IsSealed(v string) bool { return strings.HasPrefix(v, Prefix) }

// Reveal returns v unchanged unless it carries Prefix, in which case the
// remainder is decrypted with passphrase.
func Reveal(passphrase, v string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	return Decrypt(passphrase, strings.TrimPrefix(v, Prefix))
}
