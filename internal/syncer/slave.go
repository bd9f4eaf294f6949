package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/dirsync/internal/cache"
	"github.com/and161185/dirsync/internal/directory"
	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/metrics"
	"github.com/and161185/dirsync/internal/model"
	"github.com/and161185/dirsync/internal/repository"
)

// Slave pulls attribute drift from the directory into existing accounts.
type Slave struct {
	Accounts repository.AccountRepository
	Groups   repository.GroupRepository
	Users    *directory.UserDAO
	Cache    *cache.UserGroupCache
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

var _ Pass = (*Slave)(nil)

// Mode implements Pass.
func (s *Slave) Mode() string { return "slave" }

// Run implements Pass. Accounts whose entry disappeared are deactivated;
// local-only and deleted accounts are not touched.
func (s *Slave) Run(ctx context.Context) (*Report, error) {
	rep := newReport(s.Mode(), time.Now())
	rc := recorder{rep: rep, log: s.Logger.With(zap.String("pass", rep.ID.String())), metrics: s.Metrics}
	defer func() { rep.Finished = time.Now() }()

	snap, err := s.Cache.Load(ctx, s.Accounts, s.Groups)
	if err != nil {
		return rep, fmt.Errorf("load accounts: %w", err)
	}
	entries, err := s.Users.List(ctx)
	if err != nil {
		return rep, err
	}
	byUID := make(map[string]*directory.User, len(entries))
	for _, u := range entries {
		byUID[strings.ToLower(u.UID)] = u
	}

	for _, a := range snap.Users() {
		if !a.IsLive() {
			continue
		}
		u := byUID[strings.ToLower(a.Username)]
		switch {
		case u == nil && a.Deactivated:
			continue
		case u == nil:
			a.Deactivated = true
			rep.AccountsDeactivated++
		case !ApplyUser(u, &a):
			continue
		default:
			rep.AccountsUpdated++
		}
		if err := s.Accounts.Update(ctx, &a); err != nil {
			rc.fail("account", strconv.FormatInt(a.ID, 10), "update", "", err)
		}
	}

	if rep.AccountsUpdated+rep.AccountsDeactivated > 0 {
		if _, err := s.Cache.Load(ctx, s.Accounts, s.Groups); err != nil {
			return rep, fmt.Errorf("reload accounts: %w", err)
		}
	}
	return rep, nil
}

// Importer creates local accounts for directory users on first login.
// Concurrent imports of the same username share one store round trip.
type Importer struct {
	accounts repository.AccountRepository
	log      *zap.Logger
	group    singleflight.Group
}

// NewImporter constructs an importer.
func NewImporter(accounts repository.AccountRepository, log *zap.Logger) *Importer {
	return &Importer{accounts: accounts, log: log}
}

// ImportUser returns the account for u, creating it when missing. The
// boolean reports whether the account was created by this call or by a
// concurrent one it joined.
func (im *Importer) ImportUser(ctx context.Context, u *directory.User) (*model.Account, bool, error) {
	type result struct {
		a       *model.Account
		created bool
	}
	v, err, _ := im.group.Do(strings.ToLower(u.UID), func() (any, error) {
		a, err := im.accounts.GetByUsername(ctx, u.UID)
		if err == nil {
			return result{a: a}, nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
		a = AccountFromUser(u)
		switch err := im.accounts.Create(ctx, a); {
		case err == nil:
			im.log.Info("imported directory user", zap.String("username", a.Username), zap.Int64("id", a.ID))
			return result{a: a, created: true}, nil
		case errors.Is(err, errs.ErrAlreadyExists):
			a, err = im.accounts.GetByUsername(ctx, u.UID)
			if err != nil {
				return nil, err
			}
			return result{a: a}, nil
		default:
			return nil, err
		}
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(result)
	cp := *r.a
	return &cp, r.created, nil
}
