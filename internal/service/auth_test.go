package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/limiter"
	"github.com/and161185/dirsync/internal/model"
)

type fakeLimiter struct {
	allowOK  bool
	allowErr error

	failBlocked bool
	failErr     error

	successErr error

	allowCalls   int
	failureCalls int
	successCalls int
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	l.allowCalls++
	return l.allowOK, 0, l.allowErr
}
func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.successCalls++
	return l.successErr
}
func (l *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.failureCalls++
	return l.failBlocked, 0, l.failErr
}

func TestAuth_Login_RateLimiterAndCreds(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	lim := &fakeLimiter{allowOK: true}
	h := e.handler(t, ModeLocal, "", func(c *LoginConfig) { c.Limiter = lim })
	e.account(t, model.Account{Username: "alice"}, "correct")
	e.account(t, model.Account{Username: "gone", Deleted: true}, "correct")
	s := NewAuthService(h, []byte("secret"), 2*time.Minute, nil)

	lim.allowErr = errors.New("lim-err")
	if _, _, err := s.Login(context.Background(), "alice", "correct", "1.2.3.4"); err == nil {
		t.Fatalf("want limiter error propagate")
	}
	lim.allowErr = nil

	lim.allowOK = false
	if _, _, err := s.Login(context.Background(), "alice", "correct", "1.2.3.4"); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
	lim.allowOK = true

	if _, _, err := s.Login(context.Background(), "nope", "x", ""); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized on missing user, got %v", err)
	}

	if _, _, err := s.Login(context.Background(), "gone", "correct", ""); !errors.Is(err, errs.ErrLoginExpired) {
		t.Fatalf("want ErrLoginExpired on deleted user, got %v", err)
	}

	lim.failBlocked = true
	if _, _, err := s.Login(context.Background(), "alice", "wrong", ""); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("want ErrRateLimited on blocked after failure, got %v", err)
	}
	lim.failBlocked = false

	tok, acc, err := s.Login(context.Background(), "alice", "correct", "127.0.0.1:123")
	if err != nil {
		t.Fatalf("Login success: %v", err)
	}
	if tok.AccessToken == "" || tok.ExpiresAt.Before(time.Now()) {
		t.Fatalf("bad token: %+v", tok)
	}
	if acc.Username != "alice" {
		t.Fatalf("bad account returned: %+v", acc)
	}
	if lim.successCalls == 0 {
		t.Fatalf("expected Success() to be called")
	}
}

func TestAuth_TokenClaims(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	h := e.handler(t, ModeLocal, "")
	e.account(t, model.Account{Username: "bob"}, "p")
	s := NewAuthService(h, []byte("k"), time.Minute, nil)

	tk, _, err := s.Login(context.Background(), "bob", "p", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tk.AccessToken, &claims, func(*jwt.Token) (any, error) { return []byte("k"), nil })
	if err != nil || !parsed.Valid {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "bob" || claims.ID == "" {
		t.Fatalf("bad claims: %+v", claims)
	}
	if time.Until(tk.ExpiresAt) <= 0 {
		t.Fatalf("token already expired: %v", tk.ExpiresAt)
	}
}

func TestAuth_AdminAllowList(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	h := e.handler(t, ModeLocal, "")
	e.account(t, model.Account{Username: "root"}, "p")
	e.account(t, model.Account{Username: "user"}, "p")
	s := NewAuthService(h, []byte("k"), time.Minute, []string{" Root ", ""})

	if _, _, err := s.Login(context.Background(), "root", "p", ""); err != nil {
		t.Fatalf("admin login: %v", err)
	}
	if _, _, err := s.Login(context.Background(), "user", "p", ""); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for non-admin, got %v", err)
	}
}
