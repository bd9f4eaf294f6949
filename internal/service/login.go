// Package service contains the application services for directory logins
// and directory administration.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/dirsync/internal/cache"
	pkgcrypto "github.com/and161185/dirsync/internal/crypto"
	"github.com/and161185/dirsync/internal/directory"
	"github.com/and161185/dirsync/internal/dirpath"
	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/limiter"
	"github.com/and161185/dirsync/internal/metrics"
	"github.com/and161185/dirsync/internal/model"
	"github.com/and161185/dirsync/internal/repository"
	"github.com/and161185/dirsync/internal/syncer"
)

// Mode selects who is authoritative for identities and credentials.
type Mode string

const (
	// ModeMaster treats the account store as the source of truth.
	ModeMaster Mode = "master"
	// ModeSlave treats the directory as the source of truth.
	ModeSlave Mode = "slave"
	// ModeLocal never consults the directory.
	ModeLocal Mode = "local"
)

// Provisioning selects how slave mode treats directory users without an account.
type Provisioning string

const (
	// ProvisionAll creates an account for every directory user on first login.
	ProvisionAll Provisioning = "all"
	// ProvisionUsers accepts only users that already have an account.
	ProvisionUsers Provisioning = "users"
	// ProvisionSimple accepts every directory user without storing anything.
	ProvisionSimple Provisioning = "simple"
)

// LoginStatus is the outcome of CheckLogin.
type LoginStatus int

const (
	LoginFailed LoginStatus = iota
	LoginSuccess
	LoginExpired
)

func (s LoginStatus) String() string {
	switch s {
	case LoginSuccess:
		return "SUCCESS"
	case LoginExpired:
		return "LOGIN_EXPIRED"
	default:
		return "FAILED"
	}
}

// LoginResult carries the status and, on success, the resolved account.
// In simple provisioning mode the account of a directory-only user is not
// stored and has a zero ID.
type LoginResult struct {
	Status  LoginStatus
	Account *model.Account
}

// LoginConfig wires a LoginHandler.
type LoginConfig struct {
	Mode           Mode
	Provisioning   Provisioning
	RefreshOnLogin bool
	Policy         dirpath.Policy
	Defaults       syncer.Defaults

	Accounts repository.AccountRepository
	Users    *directory.UserDAO // nil disables the directory
	Importer *syncer.Importer
	Reloader cache.Reloader // optional
	Limiter  limiter.Limiter
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// LoginHandler authenticates users against the directory and the local
// credential store. It is safe for concurrent use.
type LoginHandler struct {
	mode           Mode
	provisioning   Provisioning
	refreshOnLogin bool
	bases          []dirpath.Path
	defaults       syncer.Defaults

	accounts repository.AccountRepository
	users    *directory.UserDAO
	importer *syncer.Importer
	reloader cache.Reloader
	lim      limiter.Limiter
	log      *zap.Logger
	metrics  *metrics.Metrics

	bg sync.WaitGroup
}

// NewLoginHandler constructs a LoginHandler. Without a UserDAO the handler
// runs in local mode whatever cfg.Mode says.
func NewLoginHandler(cfg LoginConfig) *LoginHandler {
	h := &LoginHandler{
		mode:           cfg.Mode,
		provisioning:   cfg.Provisioning,
		refreshOnLogin: cfg.RefreshOnLogin,
		defaults:       cfg.Defaults,
		accounts:       cfg.Accounts,
		users:          cfg.Users,
		importer:       cfg.Importer,
		reloader:       cfg.Reloader,
		lim:            cfg.Limiter,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
	}
	if h.users == nil || h.mode == "" {
		h.mode = ModeLocal
	}
	if h.provisioning == "" {
		h.provisioning = ProvisionAll
	}
	if h.lim == nil {
		h.lim = limiter.Noop{}
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	if h.importer == nil {
		h.importer = syncer.NewImporter(cfg.Accounts, h.log)
	}
	h.bases = []dirpath.Path{
		cfg.Policy.UserBase,
		cfg.Policy.OrganizationalUnitFor(dirpath.Status{Restricted: true}),
	}
	return h
}

// Mode returns the effective mode.
func (h *LoginHandler) Mode() Mode { return h.mode }

// CheckLogin authenticates username with password. addr is the remote
// address used as the rate limiter source. Only infrastructure failures
// and rate limiting are returned as errors; a rejected login is a result.
func (h *LoginHandler) CheckLogin(ctx context.Context, username, password, addr string) (LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		h.metrics.Login(string(h.mode), LoginFailed.String())
		return LoginResult{Status: LoginFailed}, nil
	}
	key := strings.ToLower(username)
	src := limiter.HashSource(addr)

	allowed, _, err := h.lim.Allow(ctx, key, src)
	if err != nil {
		return LoginResult{}, err
	}
	if !allowed {
		h.metrics.Login(string(h.mode), "RATE_LIMITED")
		return LoginResult{}, errs.ErrRateLimited
	}

	res, err := h.check(ctx, username, password)
	if err != nil {
		return LoginResult{}, err
	}
	h.metrics.Login(string(h.mode), res.Status.String())

	switch res.Status {
	case LoginSuccess:
		_ = h.lim.Success(ctx, key, src)
	case LoginFailed:
		if blocked, _, ferr := h.lim.Failure(ctx, key, src); ferr == nil && blocked {
			return res, errs.ErrRateLimited
		}
	}
	return res, nil
}

// Wait blocks until background directory writes started by logins finish.
func (h *LoginHandler) Wait() { h.bg.Wait() }

func (h *LoginHandler) check(ctx context.Context, username, password string) (LoginResult, error) {
	a, err := h.accounts.GetByUsername(ctx, username)
	if errors.Is(err, errs.ErrNotFound) {
		a, err = nil, nil
	}
	if err != nil {
		return LoginResult{}, err
	}

	switch {
	case a != nil && a.Deleted:
		return LoginResult{Status: LoginExpired}, nil
	case h.mode == ModeLocal, a != nil && a.LocalOnly:
		return h.local(a, password), nil
	case h.mode == ModeMaster && a != nil && a.Deactivated:
		return LoginResult{Status: LoginFailed}, nil
	}

	u, err := h.authenticate(ctx, username, password)
	switch {
	case errors.Is(err, errs.ErrDirectoryUnavailable):
		h.log.Warn("directory unavailable, checking local credentials",
			zap.String("username", username), zap.Error(err))
		return h.local(a, password), nil
	case err != nil:
		h.log.Warn("directory login failed", zap.String("username", username), zap.Error(err))
		return LoginResult{Status: LoginFailed}, nil
	}

	if h.mode == ModeSlave {
		return h.slave(ctx, a, u, password)
	}
	return h.master(ctx, a, u, password)
}

// authenticate tries the user base first, then the restricted unit.
func (h *LoginHandler) authenticate(ctx context.Context, username, password string) (*directory.User, error) {
	for _, base := range h.bases {
		u, err := h.users.Authenticate(ctx, username, password, base)
		if err != nil || u != nil {
			return u, err
		}
	}
	return nil, nil
}

func (h *LoginHandler) local(a *model.Account, password string) LoginResult {
	if a == nil || a.Deactivated || !a.HasLocalPassword() ||
		!pkgcrypto.VerifyPassword([]byte(password), a.SaltAuth, a.PwdHash) {
		return LoginResult{Status: LoginFailed}
	}
	return LoginResult{Status: LoginSuccess, Account: a}
}

func (h *LoginHandler) master(ctx context.Context, a *model.Account, u *directory.User, password string) (LoginResult, error) {
	if u != nil {
		if a == nil {
			imported, _, err := h.importer.ImportUser(ctx, u)
			if err != nil {
				return LoginResult{}, err
			}
			a = imported
		}
		h.mirror(ctx, a, password)
		return LoginResult{Status: LoginSuccess, Account: a}, nil
	}

	res := h.local(a, password)
	if res.Status != LoginSuccess {
		return res, nil
	}
	// The directory rejected a password the store accepts. That is only
	// repaired when the entry is missing or carries no password yet.
	entry, err := h.users.FindByEmployeeNumber(ctx, a.ID)
	if err == nil && entry == nil {
		entry, err = h.users.FindByUsername(ctx, a.Username, nil)
	}
	if err != nil {
		h.log.Warn("directory lookup failed", zap.String("username", a.Username), zap.Error(err))
		return LoginResult{Status: LoginFailed}, nil
	}
	if entry != nil && entry.HasPassword {
		return LoginResult{Status: LoginFailed}, nil
	}
	h.async(ctx, func(ctx context.Context) { h.push(ctx, *a, password) })
	return res, nil
}

func (h *LoginHandler) slave(ctx context.Context, a *model.Account, u *directory.User, password string) (LoginResult, error) {
	if u == nil {
		return LoginResult{Status: LoginFailed}, nil
	}
	if a == nil {
		switch h.provisioning {
		case ProvisionUsers:
			h.log.Info("directory user has no account", zap.String("username", u.UID))
			return LoginResult{Status: LoginFailed}, nil
		case ProvisionSimple:
			return LoginResult{Status: LoginSuccess, Account: syncer.AccountFromUser(u)}, nil
		}
		imported, _, err := h.importer.ImportUser(ctx, u)
		if err != nil {
			return LoginResult{}, err
		}
		a = imported
	}
	h.mirror(ctx, a, password)
	if h.refreshOnLogin && h.reloader != nil {
		h.reloader.ForceReload()
	}
	return LoginResult{Status: LoginSuccess, Account: a}, nil
}

// mirror stores password as the local credential of a unless it already is,
// so that a later directory outage can fall back to it.
func (h *LoginHandler) mirror(ctx context.Context, a *model.Account, password string) {
	if a.ID == 0 || (a.HasLocalPassword() && pkgcrypto.VerifyPassword([]byte(password), a.SaltAuth, a.PwdHash)) {
		return
	}
	hash, salt, err := pkgcrypto.NewCredential(password)
	if err != nil {
		h.log.Warn("derive local credential", zap.Error(err))
		return
	}
	if err := h.accounts.SetPassword(ctx, a.ID, hash, salt); err != nil {
		h.log.Warn("store local credential", zap.Int64("id", a.ID), zap.Error(err))
		return
	}
	a.PwdHash, a.SaltAuth = hash, salt
}

// push writes the entry of a with password to the directory.
func (h *LoginHandler) push(ctx context.Context, a model.Account, password string) {
	log := h.log.With(zap.String("username", a.Username), zap.Int64("id", a.ID))
	u, err := syncer.UserFromAccount(&a, h.defaults)
	if err != nil {
		log.Warn("render directory user", zap.Error(err))
		return
	}
	err = exclusive(ctx, h.reloader, func(ctx context.Context) error {
		if _, err := h.users.CreateOrUpdate(ctx, u); err != nil {
			return fmt.Errorf("push directory user: %w", err)
		}
		if err := h.users.ChangePassword(ctx, u, password); err != nil {
			return fmt.Errorf("push directory password: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Warn("repair directory credential", zap.Error(err))
		return
	}
	log.Info("repaired directory credential", zap.String("dn", u.DN))
}

func (h *LoginHandler) async(ctx context.Context, fn func(context.Context)) {
	ctx = context.WithoutCancel(ctx)
	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		fn(ctx)
	}()
}
