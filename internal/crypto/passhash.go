// Package crypto implements local password hashing and the Samba credential
// encodings written to directory entries.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Params are the Argon2id settings of the local credential store. Changing
// them invalidates every stored hash.
type Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
	KeyLen    uint32
	SaltLen   int
}

// LocalParams hash the pwd_hash/salt_auth pair of an account.
var LocalParams = Params{Time: 3, MemoryKiB: 64 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

func (p Params) hash(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, p.Time, p.MemoryKiB, p.Threads, p.KeyLen)
}

// HashPassword derives the stored hash of password with LocalParams.
func HashPassword(password, salt []byte) []byte {
	return LocalParams.hash(password, salt)
}

// VerifyPassword reports whether password matches the stored hash and salt.
// An account without a stored credential never verifies.
func VerifyPassword(password, salt, expected []byte) bool {
	if len(salt) == 0 || len(expected) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(HashPassword(password, salt), expected) == 1
}

// NewCredential returns the hash and a fresh salt for password.
func NewCredential(password string) (hash, salt []byte, err error) {
	salt = make([]byte, LocalParams.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, err
	}
	return HashPassword([]byte(password), salt), salt, nil
}
