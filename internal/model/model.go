// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"time"
)

// Tokens collects issued access/refresh tokens (refresh optional).
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // access token expiry (for diagnostics)
}

// Account is a user record of the authoritative store.
type Account struct {
	ID           int64 // PK, mirrored as employeeNumber in the directory
	Username     string
	FirstName    string
	LastName     string
	Email        string
	Organization string
	Description  string

	Deactivated bool
	Restricted  bool
	LocalOnly   bool // never mirrored to the directory
	Deleted     bool // soft-delete tombstone

	LDAPValues string // serialized PosixValues, may be empty

	PwdHash  []byte // Argon2id(password, SaltAuth), empty for directory-only users
	SaltAuth []byte

	LastPasswordChange time.Time
	CreatedAt          time.Time
}

// IsRestricted reports whether the account is restricted. A deactivated
// account is never reported as restricted.
func (a *Account) IsRestricted() bool { return a.Restricted && !a.Deactivated }

// IsLive reports whether the account should exist in the directory.
func (a *Account) IsLive() bool { return !a.Deleted && !a.LocalOnly }

// HasLocalPassword reports whether a local credential is stored.
func (a *Account) HasLocalPassword() bool { return len(a.PwdHash) > 0 && len(a.SaltAuth) > 0 }

// DisplayName is "First Last", falling back to the username.
func (a *Account) DisplayName() string {
	switch {
	case a.FirstName != "" && a.LastName != "":
		return a.FirstName + " " + a.LastName
	case a.LastName != "":
		return a.LastName
	case a.FirstName != "":
		return a.FirstName
	}
	return a.Username
}

// PosixValues is the per-account blob of POSIX and Samba settings.
type PosixValues struct {
	UIDNumber                  *int   `json:"uidNumber,omitempty"`
	GIDNumber                  *int   `json:"gidNumber,omitempty"`
	HomeDirectory              string `json:"homeDirectory,omitempty"`
	LoginShell                 string `json:"loginShell,omitempty"`
	SambaSIDNumber             *int   `json:"sambaSIDNumber,omitempty"`
	SambaPrimaryGroupSIDNumber *int   `json:"sambaPrimaryGroupSIDNumber,omitempty"`
	SambaNTPassword            bool   `json:"sambaNTPassword,omitempty"`
}

// IsPosixConfigured reports whether the POSIX facet applies.
func (v PosixValues) IsPosixConfigured() bool { return v.UIDNumber != nil }

// IsSambaConfigured reports whether the Samba facet applies.
func (v PosixValues) IsSambaConfigured() bool { return v.SambaSIDNumber != nil }

// ParsePosixValues decodes an LDAPValues blob. Empty input yields zero values.
func ParsePosixValues(s string) (PosixValues, error) {
	var v PosixValues
	if s == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return PosixValues{}, err
	}
	return v, nil
}

// String serializes v for Account.LDAPValues; zero values serialize to "".
func (v PosixValues) String() string {
	if v == (PosixValues{}) {
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// Group is a group record of the authoritative store.
type Group struct {
	ID          int64
	Name        string
	Description string
	GIDNumber   *int // posixGroup facet when set
	Deleted     bool
	LocalOnly   bool
	MemberIDs   []int64
	CreatedAt   time.Time
}

// IsLive reports whether the group should exist in the directory.
func (g *Group) IsLive() bool { return !g.Deleted && !g.LocalOnly }
