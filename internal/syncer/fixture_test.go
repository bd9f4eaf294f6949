package syncer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/dirsync/internal/cache"
	"github.com/and161185/dirsync/internal/directory"
	"github.com/and161185/dirsync/internal/dirpath"
	"github.com/and161185/dirsync/internal/ldapclient/ldaptest"
	"github.com/and161185/dirsync/internal/model"
	"github.com/and161185/dirsync/internal/repository/memory"
)

const baseDN = "dc=acme,dc=com"

var policy = dirpath.Policy{BaseDN: baseDN, UserBase: dirpath.Path{"users"}, GroupBase: dirpath.Path{"groups"}}

func userDN(uid string, ou ...string) string {
	return policy.UserDN(uid, append(dirpath.Path(ou), policy.UserBase...))
}

type fixture struct {
	store  *memory.Store
	dir    *ldaptest.Directory
	users  *directory.UserDAO
	groups *directory.GroupDAO
	cache  *cache.UserGroupCache
	master *Master
	slave  *Slave
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	f := &fixture{store: memory.New(), dir: ldaptest.New(baseDN), cache: cache.New(nil)}
	f.users = directory.NewUserDAO(f.dir, policy, "S-1-5-21-9", log)
	f.groups = directory.NewGroupDAO(f.dir, policy, log)
	f.master = &Master{
		Accounts:  f.store.Accounts(),
		Groups:    f.store.Groups(),
		Users:     f.users,
		DirGroups: f.groups,
		OUs:       directory.NewOUDAO(f.dir, policy, log),
		Policy:    policy,
		Cache:     f.cache,
		Defaults:  Defaults{LoginShell: "/bin/sh"},
		Logger:    log,
	}
	f.slave = &Slave{
		Accounts: f.store.Accounts(),
		Groups:   f.store.Groups(),
		Users:    f.users,
		Cache:    f.cache,
		Logger:   log,
	}
	return f
}

func (f *fixture) account(t *testing.T, a model.Account) *model.Account {
	t.Helper()
	require.NoError(t, f.store.Accounts().Create(context.Background(), &a))
	return &a
}

func (f *fixture) group(t *testing.T, name string, members ...int64) *model.Group {
	t.Helper()
	g := &model.Group{Name: name, MemberIDs: members}
	require.NoError(t, f.store.Groups().Create(context.Background(), g))
	return g
}

func (f *fixture) members(t *testing.T, name string) []string {
	t.Helper()
	g, err := f.groups.FindByName(context.Background(), name)
	require.NoError(t, err)
	require.NotNil(t, g, "group %s", name)
	return g.Members
}
