package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/dirsync/internal/cache"
	"github.com/and161185/dirsync/internal/directory"
	"github.com/and161185/dirsync/internal/dirpath"
	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/metrics"
	"github.com/and161185/dirsync/internal/model"
	"github.com/and161185/dirsync/internal/repository"
)

// Master pushes the account store into the directory.
type Master struct {
	Accounts  repository.AccountRepository
	Groups    repository.GroupRepository
	Users     *directory.UserDAO
	DirGroups *directory.GroupDAO
	OUs       *directory.OUDAO
	Policy    dirpath.Policy
	Cache     *cache.UserGroupCache
	Defaults  Defaults
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

var _ Pass = (*Master)(nil)

// Mode implements Pass.
func (m *Master) Mode() string { return "master" }

// masterRun carries the state of one pass.
type masterRun struct {
	*Master
	rep  *Report
	rc   recorder
	snap *cache.Snapshot

	dnByID  map[int64]string
	uidByID map[int64]string
	seen    map[string]bool
}

// Run implements Pass. Writes are ordered users, groups, stale users, stale
// groups so that no group references a DN before it exists.
func (m *Master) Run(ctx context.Context) (*Report, error) {
	rep := newReport(m.Mode(), time.Now())
	log := m.Logger.With(zap.String("pass", rep.ID.String()))
	r := &masterRun{
		Master:  m,
		rep:     rep,
		rc:      recorder{rep: rep, log: log, metrics: m.Metrics},
		dnByID:  map[int64]string{},
		uidByID: map[int64]string{},
		seen:    map[string]bool{},
	}
	defer func() { rep.Finished = time.Now() }()

	snap, err := m.Cache.Load(ctx, m.Accounts, m.Groups)
	if err != nil {
		return rep, fmt.Errorf("load accounts: %w", err)
	}
	r.snap = snap

	for _, p := range []dirpath.Path{
		m.Policy.UserBase,
		m.Policy.OrganizationalUnitFor(dirpath.Status{Deactivated: true}),
		m.Policy.OrganizationalUnitFor(dirpath.Status{Restricted: true}),
		m.Policy.GroupBase,
	} {
		if err := m.OUs.CreateIfNotExist(ctx, p); err != nil {
			if errors.Is(err, errs.ErrDirectoryUnavailable) {
				return rep, err
			}
			r.rc.fail("ou", p.String(), "create", m.Policy.PathDN(p), err)
		}
	}

	existing, err := m.Users.List(ctx)
	if err != nil {
		return rep, err
	}
	if err := r.users(ctx, existing); err != nil {
		return rep, err
	}
	if err := r.groups(ctx); err != nil {
		return rep, err
	}
	if err := r.staleUsers(ctx, existing); err != nil {
		return rep, err
	}
	if err := r.staleGroups(ctx); err != nil {
		return rep, err
	}
	return rep, nil
}

func key(dn string) string { return strings.ToLower(dn) }

func (r *masterRun) users(ctx context.Context, existing []*directory.User) error {
	byID := make(map[string]*directory.User, len(existing))
	for _, u := range existing {
		if u.EmployeeNumber != "" {
			byID[u.EmployeeNumber] = u
		}
	}
	for _, a := range r.snap.Users() {
		if !a.IsLive() {
			continue
		}
		id := strconv.FormatInt(a.ID, 10)
		if cur, ok := byID[id]; ok {
			// keep the old DN for groups if the write below fails
			r.dnByID[a.ID], r.uidByID[a.ID] = cur.DN, cur.UID
		}
		u, err := UserFromAccount(&a, r.Defaults)
		if err != nil {
			r.rc.fail("user", id, "render", "", err)
			continue
		}
		ch, err := r.Users.CreateOrUpdate(ctx, u)
		if err != nil {
			if errors.Is(err, errs.ErrDirectoryUnavailable) {
				return err
			}
			r.rc.fail("user", id, "save", u.DN, err)
			if cur, ok := byID[id]; ok {
				r.seen[key(cur.DN)] = true
			}
			continue
		}
		switch {
		case ch.Created:
			r.rep.UsersCreated++
		case ch.Moved:
			r.rep.UsersMoved++
		case ch.Modified:
			r.rep.UsersModified++
		}
		r.dnByID[a.ID], r.uidByID[a.ID] = ch.DN, u.UID
		r.seen[key(ch.DN)] = true
		if ch.OldDN != "" {
			r.seen[key(ch.OldDN)] = true
		}
	}
	return nil
}

func (r *masterRun) groups(ctx context.Context) error {
	for _, g := range r.snap.Groups() {
		if !g.IsLive() {
			continue
		}
		dg := &directory.Group{Name: g.Name, Description: g.Description, GIDNumber: g.GIDNumber}
		for _, id := range g.MemberIDs {
			dn, ok := r.dnByID[id]
			if !ok {
				continue
			}
			dg.Members = append(dg.Members, dn)
			dg.MemberUIDs = append(dg.MemberUIDs, r.uidByID[id])
		}
		written, err := r.DirGroups.CreateOrUpdate(ctx, dg)
		if err != nil {
			if errors.Is(err, errs.ErrDirectoryUnavailable) {
				return err
			}
			r.rc.fail("group", g.Name, "save", dg.DN, err)
			continue
		}
		if written {
			r.rep.GroupsWritten++
		}
	}
	return nil
}

// account resolves the account a directory entry belongs to.
func (r *masterRun) account(u *directory.User) (model.Account, bool, bool) {
	if id, err := strconv.ParseInt(u.EmployeeNumber, 10, 64); err == nil {
		a, ok := r.snap.UserByID(id)
		return a, ok, true
	}
	a, ok := r.snap.User(u.UID)
	return a, ok, false
}

func (r *masterRun) staleUsers(ctx context.Context, existing []*directory.User) error {
	for _, u := range existing {
		if r.seen[key(u.DN)] {
			continue
		}
		a, found, managed := r.account(u)
		var err error
		op := "delete"
		switch {
		case !managed && (!found || !a.LocalOnly):
			r.rep.UsersUnmanaged++
			r.rc.log.Debug("leaving unmanaged directory user", zap.String("dn", u.DN))
			continue
		case found && a.Deleted && !a.LocalOnly && r.snap.Referenced(a.ID):
			op = "deactivate"
			var du *directory.User
			if du, err = UserFromAccount(&a, r.Defaults); err == nil {
				du.Deactivated = true
				_, err = r.Users.CreateOrUpdate(ctx, du)
			}
			if err == nil {
				r.rep.UsersDeactivated++
			}
		default:
			// permanently removed, soft-deleted, local-only, or a duplicate
			if err = r.Users.Delete(ctx, u); err == nil {
				r.rep.UsersDeleted++
			}
		}
		if err != nil {
			if errors.Is(err, errs.ErrDirectoryUnavailable) {
				return err
			}
			r.rc.fail("user", u.EmployeeNumber, op, u.DN, err)
		}
	}
	return nil
}

func (r *masterRun) staleGroups(ctx context.Context) error {
	live := map[string]bool{}
	for _, g := range r.snap.Groups() {
		if g.IsLive() {
			live[strings.ToLower(g.Name)] = true
		}
	}
	existing, err := r.DirGroups.List(ctx)
	if err != nil {
		return err
	}
	for _, g := range existing {
		if live[strings.ToLower(g.Name)] {
			continue
		}
		if err := r.DirGroups.Delete(ctx, g.Name); err != nil {
			if errors.Is(err, errs.ErrDirectoryUnavailable) {
				return err
			}
			r.rc.fail("group", g.Name, "delete", g.DN, err)
			continue
		}
		r.rep.GroupsDeleted++
	}
	return nil
}
