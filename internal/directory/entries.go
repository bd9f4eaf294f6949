package directory

import (
	"strconv"

	"github.com/and161185/dirsync/internal/crypto"
	"github.com/and161185/dirsync/internal/dirpath"
	"github.com/go-ldap/ldap/v3"
)

// Samba account flags for enabled and disabled users.
const (
	SambaAcctFlagsEnabled  = "[U          ]"
	SambaAcctFlagsDisabled = "[UD         ]"
)

// NoMember fills the member list of a group without members, since
// groupOfUniqueNames requires at least one value.
const NoMember = "cn=none"

// Person holds the inetOrgPerson attributes shared by every person entry.
type Person struct {
	DN             string
	CommonName     string
	GivenName      string
	Surname        string
	Mail           string
	Organization   string
	Description    string
	EmployeeNumber string
	ObjectClasses  []string
}

func (p *Person) attributes() map[string][]string {
	return map[string][]string{
		"cn":             single(p.CommonName),
		"sn":             single(p.Surname),
		"givenName":      single(p.GivenName),
		"mail":           single(p.Mail),
		"o":              single(p.Organization),
		"description":    single(p.Description),
		"employeeNumber": single(p.EmployeeNumber),
	}
}

var personAttributes = []string{"cn", "sn", "givenName", "mail", "o", "description", "employeeNumber"}

func personFromEntry(e *ldap.Entry) Person {
	return Person{
		DN:             e.DN,
		CommonName:     e.GetAttributeValue("cn"),
		GivenName:      e.GetAttributeValue("givenName"),
		Surname:        e.GetAttributeValue("sn"),
		Mail:           e.GetAttributeValue("mail"),
		Organization:   e.GetAttributeValue("o"),
		Description:    e.GetAttributeValue("description"),
		EmployeeNumber: e.GetAttributeValue("employeeNumber"),
		ObjectClasses:  e.GetAttributeValues("objectClass"),
	}
}

// User is a directory user entry. Deactivated and Restricted mirror the
// organizational unit the entry lives in.
type User struct {
	Person
	UID                string
	OrganizationalUnit dirpath.Path
	Deactivated        bool
	Restricted         bool
	HasPassword        bool

	UIDNumber     *int
	GIDNumber     *int
	HomeDirectory string
	LoginShell    string

	SambaSIDNumber             *int
	SambaPrimaryGroupSIDNumber *int
	SambaNTPassword            string
	SambaAcctFlags             string
}

// HasPosix reports whether the posixAccount facet applies.
func (u *User) HasPosix() bool { return u.UIDNumber != nil }

// HasSamba reports whether the sambaSamAccount facet applies.
func (u *User) HasSamba() bool { return u.SambaSIDNumber != nil }

// Status returns the placement flags of u.
func (u *User) Status() dirpath.Status {
	return dirpath.Status{Deactivated: u.Deactivated, Restricted: u.Restricted}
}

var (
	posixAttributes = []string{"uidNumber", "gidNumber", "homeDirectory", "loginShell"}
	sambaAttributes = []string{"sambaSID", "sambaPrimaryGroupSID", "sambaAcctFlags"}
)

func (u *User) attributes(sidPrefix string) map[string][]string {
	attrs := u.Person.attributes()
	attrs["uid"] = single(u.UID)
	// cn and sn are mandatory for inetOrgPerson.
	for _, name := range []string{"cn", "sn"} {
		if len(attrs[name]) == 0 {
			attrs[name] = single(u.UID)
		}
	}
	if u.HasPosix() {
		attrs["uidNumber"] = single(itoa(u.UIDNumber))
		attrs["gidNumber"] = single(itoa(u.GIDNumber))
		attrs["homeDirectory"] = single(u.HomeDirectory)
		attrs["loginShell"] = single(u.LoginShell)
	}
	if u.HasSamba() {
		attrs["sambaSID"] = single(crypto.SambaSID(sidPrefix, u.SambaSIDNumber))
		if u.SambaPrimaryGroupSIDNumber != nil {
			attrs["sambaPrimaryGroupSID"] = single(crypto.SambaSID(sidPrefix, u.SambaPrimaryGroupSIDNumber))
		}
		flags := SambaAcctFlagsEnabled
		if u.Deactivated {
			flags = SambaAcctFlagsDisabled
		}
		attrs["sambaAcctFlags"] = single(flags)
	}
	return attrs
}

func (u *User) managedAttributes() []string {
	out := append([]string(nil), personAttributes...)
	if u.HasPosix() {
		out = append(out, posixAttributes...)
	}
	if u.HasSamba() {
		out = append(out, sambaAttributes...)
	}
	return out
}

func userFromEntry(e *ldap.Entry, policy dirpath.Policy) *User {
	u := &User{
		Person:          personFromEntry(e),
		UID:             e.GetAttributeValue("uid"),
		HasPassword:     len(e.GetAttributeValues("userPassword")) > 0,
		HomeDirectory:   e.GetAttributeValue("homeDirectory"),
		LoginShell:      e.GetAttributeValue("loginShell"),
		SambaNTPassword: e.GetAttributeValue("sambaNTPassword"),
		SambaAcctFlags:  e.GetAttributeValue("sambaAcctFlags"),
		UIDNumber:       atoi(e.GetAttributeValue("uidNumber")),
		GIDNumber:       atoi(e.GetAttributeValue("gidNumber")),
	}
	u.OrganizationalUnit = dirpath.ParseOrganizationalUnit(e.DN, policy.UserBase)
	u.Deactivated = u.OrganizationalUnit.Equal(policy.OrganizationalUnitFor(dirpath.Status{Deactivated: true}))
	u.Restricted = u.OrganizationalUnit.Equal(policy.OrganizationalUnitFor(dirpath.Status{Restricted: true}))
	if n, ok := crypto.SambaSIDNumber(e.GetAttributeValue("sambaSID")); ok {
		u.SambaSIDNumber = &n
	}
	if n, ok := crypto.SambaSIDNumber(e.GetAttributeValue("sambaPrimaryGroupSID")); ok {
		u.SambaPrimaryGroupSIDNumber = &n
	}
	return u
}

// Group is a groupOfUniqueNames entry, optionally a posixGroup.
type Group struct {
	DN            string
	Name          string
	Description   string
	GIDNumber     *int
	Members       []string // member DNs
	MemberUIDs    []string // memberUid values for posixGroup
	ObjectClasses []string
}

var groupAttributes = []string{"description", "uniqueMember"}

func (g *Group) attributes() map[string][]string {
	members := g.Members
	if len(members) == 0 {
		members = []string{NoMember}
	}
	attrs := map[string][]string{
		"cn":           single(g.Name),
		"description":  single(g.Description),
		"uniqueMember": members,
	}
	if g.GIDNumber != nil {
		attrs["gidNumber"] = single(itoa(g.GIDNumber))
		attrs["memberUid"] = g.MemberUIDs
	}
	return attrs
}

func (g *Group) managedAttributes() []string {
	if g.GIDNumber == nil {
		return groupAttributes
	}
	return append(append([]string(nil), groupAttributes...), "gidNumber", "memberUid")
}

func (g *Group) objectClasses() []string {
	if g.GIDNumber != nil {
		return []string{"top", "groupOfUniqueNames", "posixGroup"}
	}
	return []string{"top", "groupOfUniqueNames"}
}

func groupFromEntry(e *ldap.Entry) *Group {
	g := &Group{
		DN:            e.DN,
		Name:          e.GetAttributeValue("cn"),
		Description:   e.GetAttributeValue("description"),
		GIDNumber:     atoi(e.GetAttributeValue("gidNumber")),
		MemberUIDs:    e.GetAttributeValues("memberUid"),
		ObjectClasses: e.GetAttributeValues("objectClass"),
	}
	for _, m := range e.GetAttributeValues("uniqueMember") {
		if m != NoMember {
			g.Members = append(g.Members, m)
		}
	}
	return g
}

func itoa(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

func atoi(s string) *int {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}
