// Package cache publishes immutable snapshots of the account store for
// lookups that must not touch the database or the directory.
package cache

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/and161185/dirsync/internal/metrics"
	"github.com/and161185/dirsync/internal/model"
	"github.com/and161185/dirsync/internal/repository"
)

// Snapshot is one consistent view of accounts and groups. It is never
// modified after publication.
type Snapshot struct {
	LoadedAt time.Time

	accounts []model.Account
	groups   []model.Group
	byID     map[int64]int
	byName   map[string]int

	// member IDs of live groups before filtering
	referenced map[int64]bool
}

// NewSnapshot indexes accounts and groups. Group member IDs that do not
// resolve to a non-deleted account are dropped.
func NewSnapshot(accounts []model.Account, groups []model.Group, at time.Time) *Snapshot {
	s := &Snapshot{
		LoadedAt: at,
		accounts: make([]model.Account, len(accounts)),
		groups:   make([]model.Group, 0, len(groups)),
		byID:     make(map[int64]int, len(accounts)),
		byName:   make(map[string]int, len(accounts)),

		referenced: map[int64]bool{},
	}
	copy(s.accounts, accounts)
	for i, a := range s.accounts {
		s.byID[a.ID] = i
		s.byName[strings.ToLower(a.Username)] = i
	}
	for _, g := range groups {
		if !g.Deleted {
			for _, id := range g.MemberIDs {
				s.referenced[id] = true
			}
		}
		members := make([]int64, 0, len(g.MemberIDs))
		for _, id := range g.MemberIDs {
			if i, ok := s.byID[id]; ok && !s.accounts[i].Deleted {
				members = append(members, id)
			}
		}
		g.MemberIDs = members
		s.groups = append(s.groups, g)
	}
	return s
}

// User resolves a username (case-insensitive) or a decimal account ID.
func (s *Snapshot) User(key string) (model.Account, bool) {
	if i, ok := s.byName[strings.ToLower(key)]; ok {
		return s.accounts[i], true
	}
	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		return s.UserByID(id)
	}
	return model.Account{}, false
}

// UserByID resolves an account ID.
func (s *Snapshot) UserByID(id int64) (model.Account, bool) {
	if i, ok := s.byID[id]; ok {
		return s.accounts[i], true
	}
	return model.Account{}, false
}

// Users returns a copy of every account.
func (s *Snapshot) Users() []model.Account {
	return append([]model.Account(nil), s.accounts...)
}

// Groups returns a copy of every group.
func (s *Snapshot) Groups() []model.Group {
	out := make([]model.Group, len(s.groups))
	for i, g := range s.groups {
		g.MemberIDs = append([]int64(nil), g.MemberIDs...)
		out[i] = g
	}
	return out
}

// GroupsOf returns the names of the groups listing the account.
func (s *Snapshot) GroupsOf(id int64) []string {
	var out []string
	for _, g := range s.groups {
		for _, m := range g.MemberIDs {
			if m == id {
				out = append(out, g.Name)
				break
			}
		}
	}
	return out
}

// Referenced reports whether a non-deleted group lists the account, even
// when the account itself is deleted.
func (s *Snapshot) Referenced(id int64) bool { return s.referenced[id] }

// Reloader starts reconciliation passes.
type Reloader interface {
	ForceReload()
	RefreshInProgress() bool
}

// UserGroupCache holds the latest published Snapshot.
type UserGroupCache struct {
	snap     atomic.Pointer[Snapshot]
	reloader atomic.Pointer[reloaderBox]
	metrics  *metrics.Metrics
}

type reloaderBox struct{ r Reloader }

// New returns a cache holding an empty snapshot.
func New(m *metrics.Metrics) *UserGroupCache {
	c := &UserGroupCache{metrics: m}
	c.snap.Store(NewSnapshot(nil, nil, time.Time{}))
	return c
}

// Attach sets the reloader used by ForceReload.
func (c *UserGroupCache) Attach(r Reloader) { c.reloader.Store(&reloaderBox{r: r}) }

// Snapshot returns the current snapshot.
func (c *UserGroupCache) Snapshot() *Snapshot { return c.snap.Load() }

// Publish atomically replaces the snapshot.
func (c *UserGroupCache) Publish(s *Snapshot) {
	c.snap.Store(s)
	c.metrics.Snapshot(len(s.accounts), len(s.groups))
}

// Load reads the store and publishes the result.
func (c *UserGroupCache) Load(ctx context.Context, accounts repository.AccountRepository, groups repository.GroupRepository) (*Snapshot, error) {
	as, err := accounts.List(ctx)
	if err != nil {
		return nil, err
	}
	gs, err := groups.List(ctx)
	if err != nil {
		return nil, err
	}
	s := NewSnapshot(as, gs, time.Now())
	c.Publish(s)
	return s, nil
}

// ForceReload asks the attached reloader for a pass and returns immediately.
func (c *UserGroupCache) ForceReload() {
	if b := c.reloader.Load(); b != nil {
		b.r.ForceReload()
	}
}

// IsRefreshInProgress never blocks.
func (c *UserGroupCache) IsRefreshInProgress() bool {
	if b := c.reloader.Load(); b != nil {
		return b.r.RefreshInProgress()
	}
	return false
}

// GetUser resolves a username or decimal ID in the current snapshot.
func (c *UserGroupCache) GetUser(key string) (model.Account, bool) {
	return c.snap.Load().User(key)
}

// GetAllUsers returns every account of the current snapshot.
func (c *UserGroupCache) GetAllUsers() []model.Account { return c.snap.Load().Users() }

// GetAllGroups returns every group of the current snapshot.
func (c *UserGroupCache) GetAllGroups() []model.Group { return c.snap.Load().Groups() }
