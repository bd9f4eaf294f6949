package crypto

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/md4" //nolint:staticcheck // sambaNTPassword is defined as MD4
	"golang.org/x/text/encoding/unicode"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// NTHash computes MD4(UTF-16LE(password)), the value Samba stores in
// sambaNTPassword.
func NTHash(password string) ([]byte, error) {
	encoded, err := utf16le.NewEncoder().Bytes([]byte(password))
	if err != nil {
		return nil, err
	}
	h := md4.New()
	h.Write(encoded)
	return h.Sum(nil), nil
}

// NTHashHex returns NTHash as 32 upper-case hex characters.
func NTHashHex(password string) (string, error) {
	sum, err := NTHash(password)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(sum)), nil
}
