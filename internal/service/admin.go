package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/dirsync/internal/cache"
	pkgcrypto "github.com/and161185/dirsync/internal/crypto"
	"github.com/and161185/dirsync/internal/directory"
	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/model"
	"github.com/and161185/dirsync/internal/repository"
	"github.com/and161185/dirsync/internal/syncer"
)

// Refresher is the part of the sync engine the admin service drives.
type Refresher interface {
	ForceReload()
	RefreshInProgress() bool
	Wait(ctx context.Context) error
	Status() syncer.Status
}

// DirectoryAdminService defines administrative operations over accounts
// and their directory entries.
type DirectoryAdminService interface {
	// ForceReload requests a reconciliation pass.
	ForceReload(ctx context.Context) error
	// SyncStatus reports the state of the sync engine.
	SyncStatus(ctx context.Context) (syncer.Status, error)
	// WaitForSync waits up to timeout for the current refresh to settle.
	WaitForSync(ctx context.Context, timeout time.Duration) (syncer.Status, error)
	// GetUser looks an account up by username or id and returns its group names.
	GetUser(ctx context.Context, key string) (model.Account, []string, error)
	// ListUsers returns all accounts.
	ListUsers(ctx context.Context) ([]model.Account, error)
	// ListGroups returns all groups.
	ListGroups(ctx context.Context) ([]model.Group, error)
	// DeactivateUser deactivates an account and its directory entry.
	DeactivateUser(ctx context.Context, id int64) (model.Account, error)
	// ReactivateUser reverts DeactivateUser. The directory password has to be set again.
	ReactivateUser(ctx context.Context, id int64) (model.Account, error)
	// SetDirectoryPassword sets the directory and local password of an account.
	SetDirectoryPassword(ctx context.Context, id int64, password string) error
}

// WriteGate serialises directory writes made outside a reconciliation pass
// with the passes. *syncer.Engine implements it.
type WriteGate interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

var _ WriteGate = (*syncer.Engine)(nil)

// exclusive runs fn through v when v is a WriteGate and directly otherwise.
func exclusive(ctx context.Context, v any, fn func(context.Context) error) error {
	if g, ok := v.(WriteGate); ok {
		return g.Do(ctx, fn)
	}
	return fn(ctx)
}

// errDirectoryDisabled is returned by operations that need the directory
// while integration is off.
var errDirectoryDisabled = fmt.Errorf("%w: directory integration disabled", errs.ErrConfiguration)

type DirectoryAdminServiceImpl struct {
	mode      Mode
	defaults  syncer.Defaults
	accounts  repository.AccountRepository
	groups    repository.GroupRepository
	cache     *cache.UserGroupCache
	users     *directory.UserDAO
	refresher Refresher
	log       *zap.Logger
}

// NewDirectoryAdminService constructs the admin service. users and
// refresher are nil when directory integration is disabled.
func NewDirectoryAdminService(mode Mode, defaults syncer.Defaults, accounts repository.AccountRepository,
	groups repository.GroupRepository, c *cache.UserGroupCache, users *directory.UserDAO,
	refresher Refresher, log *zap.Logger) *DirectoryAdminServiceImpl {
	if users == nil {
		mode = ModeLocal
	}
	return &DirectoryAdminServiceImpl{
		mode: mode, defaults: defaults,
		accounts: accounts, groups: groups, cache: c,
		users: users, refresher: refresher, log: log,
	}
}

// ForceReload requests a pass. Without an engine the cache is reloaded from the store.
func (s *DirectoryAdminServiceImpl) ForceReload(ctx context.Context) error {
	return s.refresh(ctx)
}

// SyncStatus returns the engine status; without an engine only the cache time is known.
func (s *DirectoryAdminServiceImpl) SyncStatus(context.Context) (syncer.Status, error) {
	if s.refresher == nil {
		return syncer.Status{LastFinished: s.cache.Snapshot().LoadedAt}, nil
	}
	return s.refresher.Status(), nil
}

// WaitForSync blocks until the running refresh settles or timeout elapses.
func (s *DirectoryAdminServiceImpl) WaitForSync(ctx context.Context, timeout time.Duration) (syncer.Status, error) {
	if s.refresher == nil {
		return s.SyncStatus(ctx)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.refresher.Wait(ctx); err != nil {
		return s.refresher.Status(), err
	}
	return s.refresher.Status(), nil
}

// GetUser resolves key through the cache snapshot.
func (s *DirectoryAdminServiceImpl) GetUser(_ context.Context, key string) (model.Account, []string, error) {
	snap := s.cache.Snapshot()
	a, ok := snap.User(key)
	if !ok {
		return model.Account{}, nil, errs.ErrNotFound
	}
	return a, snap.GroupsOf(a.ID), nil
}

// ListUsers returns the cached accounts.
func (s *DirectoryAdminServiceImpl) ListUsers(context.Context) ([]model.Account, error) {
	return s.cache.GetAllUsers(), nil
}

// ListGroups returns the cached groups.
func (s *DirectoryAdminServiceImpl) ListGroups(context.Context) ([]model.Group, error) {
	return s.cache.GetAllGroups(), nil
}

// DeactivateUser marks the account deactivated, moves its directory entry
// into the deactivated unit and strips the directory password.
func (s *DirectoryAdminServiceImpl) DeactivateUser(ctx context.Context, id int64) (model.Account, error) {
	return s.setDeactivated(ctx, id, true)
}

// ReactivateUser clears the deactivated flag on the account and its entry.
func (s *DirectoryAdminServiceImpl) ReactivateUser(ctx context.Context, id int64) (model.Account, error) {
	return s.setDeactivated(ctx, id, false)
}

func (s *DirectoryAdminServiceImpl) setDeactivated(ctx context.Context, id int64, deactivated bool) (model.Account, error) {
	a, err := s.account(ctx, id)
	if err != nil {
		return model.Account{}, err
	}
	if a.Deactivated == deactivated {
		return *a, nil
	}
	a.Deactivated = deactivated

	// The entry and the stored flag change together, between passes.
	err = exclusive(ctx, s.refresher, func(ctx context.Context) error {
		if s.mode != ModeLocal && !a.LocalOnly {
			u, err := s.directoryUser(ctx, a)
			switch {
			case err != nil:
				return err
			case deactivated:
				err = s.users.Deactivate(ctx, u)
			default:
				err = s.users.Reactivate(ctx, u)
			}
			if err != nil {
				return err
			}
		}
		return s.accounts.Update(ctx, a)
	})
	if err != nil {
		return model.Account{}, err
	}
	s.log.Info("account status changed", zap.Int64("id", a.ID), zap.Bool("deactivated", deactivated))
	if err := s.refresh(ctx); err != nil {
		s.log.Warn("refresh after status change", zap.Error(err))
	}
	return *a, nil
}

// SetDirectoryPassword writes password to the directory entry of the
// account, creating the entry in master mode, and mirrors it locally.
func (s *DirectoryAdminServiceImpl) SetDirectoryPassword(ctx context.Context, id int64, password string) error {
	if password == "" {
		return errors.New("validation: empty password")
	}
	if s.mode == ModeLocal {
		return errDirectoryDisabled
	}
	a, err := s.account(ctx, id)
	if err != nil {
		return err
	}
	if a.LocalOnly {
		return fmt.Errorf("validation: account %d is local-only", id)
	}
	u, err := s.directoryUser(ctx, a)
	if err != nil {
		return err
	}
	err = exclusive(ctx, s.refresher, func(ctx context.Context) error {
		if s.mode == ModeMaster {
			if _, err := s.users.CreateOrUpdate(ctx, u); err != nil {
				return err
			}
		}
		return s.users.ChangePassword(ctx, u, password)
	})
	if err != nil {
		return err
	}
	hash, salt, err := pkgcrypto.NewCredential(password)
	if err != nil {
		return err
	}
	return s.accounts.SetPassword(ctx, a.ID, hash, salt)
}

func (s *DirectoryAdminServiceImpl) account(ctx context.Context, id int64) (*model.Account, error) {
	if id <= 0 {
		return nil, errors.New("validation: empty id")
	}
	a, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Deleted {
		return nil, errs.ErrNotFound
	}
	return a, nil
}

// directoryUser returns the entry a should have in master mode and the
// entry it has in slave mode.
func (s *DirectoryAdminServiceImpl) directoryUser(ctx context.Context, a *model.Account) (*directory.User, error) {
	if s.mode == ModeMaster {
		return syncer.UserFromAccount(a, s.defaults)
	}
	u, err := s.users.FindByUsername(ctx, a.Username, nil)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errs.ErrNotFound
	}
	return u, nil
}

func (s *DirectoryAdminServiceImpl) refresh(ctx context.Context) error {
	if s.refresher != nil {
		s.refresher.ForceReload()
		return nil
	}
	_, err := s.cache.Load(ctx, s.accounts, s.groups)
	return err
}
