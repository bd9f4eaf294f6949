package ldaptest

import (
	"context"
	"testing"

	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/ldapclient"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"
)

const base = "dc=acme,dc=com"

func seeded(t *testing.T) *Directory {
	t.Helper()
	d := New(base)
	d.Seed("ou=users,"+base, map[string][]string{"objectClass": {"organizationalUnit"}, "ou": {"users"}})
	d.Seed("uid=ada,ou=users,"+base, map[string][]string{
		"objectClass":  {"inetOrgPerson"},
		"uid":          {"ada"},
		"cn":           {"Ada Lovelace"},
		"userPassword": {"pw"},
	})
	return d
}

func search(t *testing.T, d *Directory, baseDN string, scope int, filter string) []*ldap.Entry {
	t.Helper()
	var out []*ldap.Entry
	err := d.WithConn(context.Background(), func(c ldapclient.Conn) error {
		res, err := c.Search(ldap.NewSearchRequest(baseDN, scope, ldap.NeverDerefAliases, 0, 0, false, filter, nil, nil))
		if err != nil {
			return err
		}
		out = res.Entries
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestFilterParsing(t *testing.T) {
	e := &entry{attrs: map[string]*attr{
		"uid":         {name: "uid", vals: []string{"ada"}},
		"objectclass": {name: "objectClass", vals: []string{"top", "inetOrgPerson"}},
		"cn":          {name: "cn", vals: []string{"Ada (Countess) Lovelace"}},
	}}
	tests := map[string]bool{
		"(uid=ada)":                                   true,
		"(UID=ADA)":                                   true,
		"(uid=*)":                                     true,
		"(mail=*)":                                    false,
		"(&(objectClass=inetOrgPerson)(uid=ada))":     true,
		"(|(uid=bob)(uid=ada))":                       true,
		"(!(uid=ada))":                                false,
		"(cn=Ada*Lovelace)":                           true,
		"(cn=*countess*)":                             true,
		"(cn=" + ldap.EscapeFilter("Ada (Countess) Lovelace") + ")": true,
	}
	for in, want := range tests {
		f, err := parseFilter(in)
		require.NoError(t, err, in)
		require.Equal(t, want, f.match(e), in)
	}

	for _, bad := range []string{"uid=ada", "(uid=ada", "(&(uid=a)", "(uid>=1)"} {
		_, err := parseFilter(bad)
		require.Error(t, err, bad)
	}
}

func TestSearchScopes(t *testing.T) {
	d := seeded(t)
	d.Seed("ou=deactivated,ou=users,"+base, map[string][]string{"objectClass": {"organizationalUnit"}})
	d.Seed("uid=bob,ou=deactivated,ou=users,"+base, map[string][]string{"objectClass": {"inetOrgPerson"}, "uid": {"bob"}})

	require.Len(t, search(t, d, "ou=users,"+base, ldap.ScopeWholeSubtree, "(objectClass=inetOrgPerson)"), 2)
	one := search(t, d, "ou=users,"+base, ldap.ScopeSingleLevel, "(objectClass=inetOrgPerson)")
	require.Len(t, one, 1)
	require.Equal(t, "ada", one[0].GetAttributeValue("uid"))
	require.Len(t, search(t, d, "uid=ada,ou=users,"+base, ldap.ScopeBaseObject, "(objectClass=*)"), 1)
}

func TestAddModifyDelete(t *testing.T) {
	d := seeded(t)
	ctx := context.Background()

	err := d.WithConn(ctx, func(c ldapclient.Conn) error {
		add := ldap.NewAddRequest("uid=x,ou=missing,"+base, nil)
		add.Attribute("objectClass", []string{"inetOrgPerson"})
		return c.Add(add)
	})
	require.True(t, ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject))

	err = d.WithConn(ctx, func(c ldapclient.Conn) error {
		add := ldap.NewAddRequest("uid=ada,ou=users,"+base, nil)
		add.Attribute("objectClass", []string{"inetOrgPerson"})
		return c.Add(add)
	})
	require.True(t, ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists))

	require.NoError(t, d.WithConn(ctx, func(c ldapclient.Conn) error {
		mod := ldap.NewModifyRequest("uid=ada,ou=users,"+base, nil)
		mod.Replace("mail", []string{"ada@acme.com"})
		mod.Add("objectClass", []string{"posixAccount"})
		mod.Delete("userPassword", nil)
		return c.Modify(mod)
	}))
	got, ok := d.Get("uid=ada,ou=users," + base)
	require.True(t, ok)
	require.Equal(t, []string{"ada@acme.com"}, got["mail"])
	require.Equal(t, []string{"inetOrgPerson", "posixAccount"}, got["objectClass"])
	require.NotContains(t, got, "userPassword")

	err = d.WithConn(ctx, func(c ldapclient.Conn) error {
		return c.Del(ldap.NewDelRequest("ou=users,"+base, nil))
	})
	require.True(t, ldap.IsErrorWithCode(err, ldap.LDAPResultNotAllowedOnNonLeaf))

	require.NoError(t, d.WithConn(ctx, func(c ldapclient.Conn) error {
		return c.Del(ldap.NewDelRequest("uid=ada,ou=users,"+base, nil))
	}))
	require.False(t, d.Has("uid=ada,ou=users,"+base))
	require.Equal(t, []string{"modify uid=ada,ou=users," + base, "delete uid=ada,ou=users," + base}, d.Ops())
}

func TestModifyDN_MovesSubtreeAndRenames(t *testing.T) {
	d := seeded(t)
	d.Seed("ou=deactivated,ou=users,"+base, map[string][]string{"objectClass": {"organizationalUnit"}})

	require.NoError(t, d.WithConn(context.Background(), func(c ldapclient.Conn) error {
		return c.ModifyDN(ldap.NewModifyDNRequest("uid=ada,ou=users,"+base, "uid=countess", true, "ou=deactivated,ou=users,"+base))
	}))
	require.False(t, d.Has("uid=ada,ou=users,"+base))
	got, ok := d.Get("uid=countess,ou=deactivated,ou=users," + base)
	require.True(t, ok)
	require.Equal(t, []string{"countess"}, got["uid"])
}

func TestBindAndOutage(t *testing.T) {
	d := seeded(t)
	ctx := context.Background()

	require.NoError(t, d.Bind(ctx, "uid=ada,ou=users,"+base, "pw"))
	require.ErrorIs(t, d.Bind(ctx, "uid=ada,ou=users,"+base, "nope"), errs.ErrUnauthorized)
	require.ErrorIs(t, d.Bind(ctx, "uid=ghost,ou=users,"+base, "pw"), errs.ErrUnauthorized)

	d.SetDown(true)
	require.ErrorIs(t, d.Bind(ctx, "uid=ada,ou=users,"+base, "pw"), errs.ErrDirectoryUnavailable)
	require.ErrorIs(t, d.WithConn(ctx, func(ldapclient.Conn) error { return nil }), errs.ErrDirectoryUnavailable)
}

func TestFailOn(t *testing.T) {
	d := seeded(t)
	dn := "uid=ada,ou=users," + base
	d.FailOn("modify", dn, ErrInjected)
	err := d.WithConn(context.Background(), func(c ldapclient.Conn) error {
		mod := ldap.NewModifyRequest(dn, nil)
		mod.Replace("cn", []string{"x"})
		return c.Modify(mod)
	})
	require.ErrorIs(t, ldapclient.Classify("modify", dn, err), errs.ErrDirectory)

	d.FailOn("modify", dn, nil)
	require.NoError(t, d.WithConn(context.Background(), func(c ldapclient.Conn) error {
		mod := ldap.NewModifyRequest(dn, nil)
		mod.Replace("cn", []string{"x"})
		return c.Modify(mod)
	}))
}
