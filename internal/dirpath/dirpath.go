// Package dirpath maps account status onto organizational units and builds
// distinguished names.
package dirpath

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Default sub-context names below the user base.
const (
	DeactivatedOU = "deactivated"
	RestrictedOU  = "restricted"
)

// Path is an ordered list of organizational unit names, innermost first.
// Path{"deactivated", "users"} renders as "ou=deactivated,ou=users".
type Path []string

// String renders p as a relative DN.
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, ou := range p {
		parts[i] = "ou=" + EscapeCommonName(ou)
	}
	return strings.Join(parts, ",")
}

// Child returns a new path with ou prepended.
func (p Path) Child(ou string) Path {
	out := make(Path, 0, len(p)+1)
	out = append(out, ou)
	return append(out, p...)
}

// Parent drops the innermost component. The parent of a single component
// path is nil.
func (p Path) Parent() Path {
	if len(p) <= 1 {
		return nil
	}
	return p[1:]
}

// Equal compares paths case-insensitively.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if !strings.EqualFold(p[i], o[i]) {
			return false
		}
	}
	return true
}

// ParsePath reads "ou=a,ou=b" or plain "a,b" into a Path.
func ParsePath(s string) Path {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if dn, err := ldap.ParseDN(s); err == nil && len(dn.RDNs) > 0 {
		var out Path
		for _, rdn := range dn.RDNs {
			for _, a := range rdn.Attributes {
				out = append(out, a.Value)
			}
		}
		return out
	}
	var out Path
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Status is the subset of an account used to choose a placement.
type Status struct {
	Deactivated bool
	Restricted  bool
}

// Policy places user entries below the configured user base.
type Policy struct {
	BaseDN    string
	UserBase  Path
	GroupBase Path
}

// OrganizationalUnitFor returns the placement for s. Deactivation wins over
// restriction.
func (p Policy) OrganizationalUnitFor(s Status) Path {
	switch {
	case s.Deactivated:
		return p.UserBase.Child(DeactivatedOU)
	case s.Restricted:
		return p.UserBase.Child(RestrictedOU)
	default:
		return append(Path(nil), p.UserBase...)
	}
}

// UserDN builds the DN of a user entry placed at path.
func (p Policy) UserDN(uid string, path Path) string {
	return DistinguishedName("uid="+EscapeCommonName(uid), path, p.BaseDN)
}

// GroupDN builds the DN of a group entry below the group base.
func (p Policy) GroupDN(name string) string {
	return DistinguishedName("cn="+EscapeCommonName(name), p.GroupBase, p.BaseDN)
}

// PathDN renders path as an absolute DN.
func (p Policy) PathDN(path Path) string {
	return DistinguishedName("", path, p.BaseDN)
}

// DistinguishedName joins an already escaped RDN, an ou path and the base DN,
// skipping empty segments.
func DistinguishedName(rdn string, path Path, baseDN string) string {
	parts := make([]string, 0, 3)
	if rdn != "" {
		parts = append(parts, rdn)
	}
	if len(path) > 0 {
		parts = append(parts, path.String())
	}
	if baseDN != "" {
		parts = append(parts, baseDN)
	}
	return strings.Join(parts, ",")
}

const specialChars = `,=+<>#;\"`

// EscapeCommonName backslash-escapes the DN special characters , = + < > # ; \ and ".
func EscapeCommonName(s string) string {
	if !strings.ContainsAny(s, specialChars) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if strings.ContainsRune(specialChars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ParseOrganizationalUnit returns the ou components of dn below its first
// RDN. It returns nil for an empty dn and fallback when dn has no ou
// components or cannot be parsed.
func ParseOrganizationalUnit(dn string, fallback Path) Path {
	if strings.TrimSpace(dn) == "" {
		return nil
	}
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) < 2 {
		return fallback
	}
	var out Path
	for _, rdn := range parsed.RDNs[1:] {
		if len(rdn.Attributes) != 1 || !strings.EqualFold(rdn.Attributes[0].Type, "ou") {
			break
		}
		out = append(out, rdn.Attributes[0].Value)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// MissingObjectClasses returns the classes from required and allRequired that
// are not present in have, in that order and without duplicates. It returns
// nil when nothing is required.
func MissingObjectClasses(have []string, required string, allRequired []string) []string {
	if required == "" && allRequired == nil {
		return nil
	}
	wanted := make([]string, 0, len(allRequired)+1)
	if required != "" {
		wanted = append(wanted, required)
	}
	wanted = append(wanted, allRequired...)

	out := []string{}
	for _, w := range wanted {
		if containsFold(have, w) || containsFold(out, w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
