package objectclass

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type facets struct{ posix, samba bool }

func (f facets) HasPosix() bool { return f.posix }
func (f facets) HasSamba() bool { return f.samba }

func same(a, b []string) bool { return len(a) == len(b) && &a[0] == &b[0] }

func TestAdditional_DecisionTable(t *testing.T) {
	require.Equal(t, []string{"top", "inetOrgPerson"}, Additional(facets{}))
	require.Equal(t, []string{"top", "inetOrgPerson", "posixAccount"}, Additional(facets{posix: true}))
	require.Equal(t, []string{"top", "inetOrgPerson", "sambaSamAccount"}, Additional(facets{samba: true}))
	require.Equal(t, []string{"top", "inetOrgPerson", "posixAccount", "sambaSamAccount"},
		Additional(facets{posix: true, samba: true}))
}

func TestAdditional_ReturnsSharedSlices(t *testing.T) {
	require.True(t, same(Posix, Additional(facets{posix: true})))
	require.True(t, same(Samba, Additional(facets{samba: true})))
	require.True(t, same(PosixSamba, Additional(facets{posix: true, samba: true})))
	require.True(t, same(Plain, Additional(facets{})))
	require.True(t, same(Plain, Additional(nil)))
}

func TestAll(t *testing.T) {
	got := All(facets{posix: true})
	require.Equal(t, []string{"top", "person", "organizationalPerson", "inetOrgPerson", "posixAccount"}, got)
	got[0] = "changed"
	require.Equal(t, "top", Posix[0])
}
