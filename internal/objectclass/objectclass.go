// Package objectclass resolves the object classes of a user entry from the
// optional POSIX and Samba facets it carries.
package objectclass

// Auxiliary class names.
const (
	PosixAccount    = "posixAccount"
	SambaSamAccount = "sambaSamAccount"
)

// Shared results of Additional. Callers must not modify them.
var (
	Plain      = []string{"top", "inetOrgPerson"}
	Posix      = []string{"top", "inetOrgPerson", PosixAccount}
	Samba      = []string{"top", "inetOrgPerson", SambaSamAccount}
	PosixSamba = []string{"top", "inetOrgPerson", PosixAccount, SambaSamAccount}
)

// Superior classes of inetOrgPerson written on create so that strict schemas
// accept the entry.
var Superior = []string{"person", "organizationalPerson"}

// Facets is implemented by entries that may carry POSIX or Samba attributes.
type Facets interface {
	HasPosix() bool
	HasSamba() bool
}

// Additional returns one of the four shared slices for f. A nil f gets Plain.
func Additional(f Facets) []string {
	if f == nil {
		return Plain
	}
	posix, samba := f.HasPosix(), f.HasSamba()
	switch {
	case posix && samba:
		return PosixSamba
	case posix:
		return Posix
	case samba:
		return Samba
	default:
		return Plain
	}
}

// All returns a fresh slice with the classes of Additional plus Superior.
func All(f Facets) []string {
	extra := Additional(f)
	out := make([]string, 0, len(extra)+len(Superior))
	out = append(out, extra[0])
	out = append(out, Superior...)
	return append(out, extra[1:]...)
}
