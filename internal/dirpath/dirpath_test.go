package dirpath

import (
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{BaseDN: "dc=acme,dc=com", UserBase: Path{"users"}, GroupBase: Path{"groups"}}
}

func TestOrganizationalUnitFor(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		name string
		in   Status
		want Path
	}{
		{"active", Status{}, Path{"users"}},
		{"restricted", Status{Restricted: true}, Path{"restricted", "users"}},
		{"deactivated", Status{Deactivated: true}, Path{"deactivated", "users"}},
		{"deactivated wins", Status{Deactivated: true, Restricted: true}, Path{"deactivated", "users"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, p.OrganizationalUnitFor(tc.in))
		})
	}
}

func TestOrganizationalUnitFor_DoesNotAliasBase(t *testing.T) {
	p := testPolicy()
	got := p.OrganizationalUnitFor(Status{})
	got[0] = "changed"
	require.Equal(t, Path{"users"}, p.UserBase)
}

func TestDistinguishedName(t *testing.T) {
	p := testPolicy()
	require.Equal(t, "uid=ada,ou=deactivated,ou=users,dc=acme,dc=com",
		p.UserDN("ada", p.OrganizationalUnitFor(Status{Deactivated: true})))
	require.Equal(t, "cn=dev\\,ops,ou=groups,dc=acme,dc=com", p.GroupDN("dev,ops"))
	require.Equal(t, "ou=users,dc=acme,dc=com", p.PathDN(p.UserBase))
	require.Equal(t, "cn=x", DistinguishedName("cn=x", nil, ""))
}

func TestEscapeCommonName(t *testing.T) {
	require.Equal(t, "", EscapeCommonName(""))
	require.Equal(t, "plain name", EscapeCommonName("plain name"))
	require.Equal(t, `\,\=\+\<\>\#\;\\\"`, EscapeCommonName(`,=+<>#;\"`))
}

func TestEscapeCommonName_RoundTripsThroughParser(t *testing.T) {
	for _, in := range []string{`Doe, John`, `a+b=c`, `<tag>`, `x#1;y`, `back\slash`, `say "hi"`} {
		dn, err := ldap.ParseDN("cn=" + EscapeCommonName(in) + ",dc=acme,dc=com")
		require.NoError(t, err, in)
		require.Equal(t, in, dn.RDNs[0].Attributes[0].Value)
	}
}

func TestParseOrganizationalUnit(t *testing.T) {
	require.Nil(t, ParseOrganizationalUnit("", Path{"users"}))
	require.Equal(t, Path{"deactivated", "users"},
		ParseOrganizationalUnit("uid=ada,ou=deactivated,ou=users,dc=acme,dc=com", nil))
	require.Equal(t, Path{"users"},
		ParseOrganizationalUnit(`uid=do\,e,ou=users,dc=acme,dc=com`, nil))
	require.Equal(t, Path{"fallback"},
		ParseOrganizationalUnit("uid=ada,dc=acme,dc=com", Path{"fallback"}))
	require.Equal(t, Path{"fallback"},
		ParseOrganizationalUnit("not a dn", Path{"fallback"}))
}

func TestParsePath(t *testing.T) {
	require.Nil(t, ParsePath(""))
	require.Equal(t, Path{"users"}, ParsePath("ou=users"))
	require.Equal(t, Path{"people", "corp"}, ParsePath("ou=people,ou=corp"))
	require.Equal(t, Path{"users"}, ParsePath("users"))
}

func TestPathHelpers(t *testing.T) {
	p := Path{"deactivated", "users"}
	require.Equal(t, "ou=deactivated,ou=users", p.String())
	require.Equal(t, Path{"users"}, p.Parent())
	require.Nil(t, Path{"users"}.Parent())
	require.True(t, p.Equal(Path{"Deactivated", "USERS"}))
	require.False(t, p.Equal(Path{"users"}))
}

func TestMissingObjectClasses(t *testing.T) {
	require.Nil(t, MissingObjectClasses([]string{"top"}, "", nil))
	require.Equal(t, []string{"posixAccount"},
		MissingObjectClasses([]string{"top", "inetOrgPerson"}, "posixAccount", nil))
	require.Equal(t, []string{"sambaSamAccount"},
		MissingObjectClasses([]string{"top", "posixaccount"}, "", []string{"posixAccount", "sambaSamAccount", "posixAccount"}))
	require.Empty(t, MissingObjectClasses([]string{"posixAccount"}, "posixAccount", []string{}))
}
