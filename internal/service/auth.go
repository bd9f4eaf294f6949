package service

import (
	"context"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/model"
)

// AuthService authenticates administrators of the admin API.
type AuthService interface {
	// Login checks the credentials and issues an access token.
	Login(ctx context.Context, username, password, addr string) (tokens model.Tokens, account model.Account, err error)
}

type AuthServiceImpl struct {
	logins    *LoginHandler
	signKey   []byte
	accessTTL time.Duration
	admins    map[string]struct{}
}

// NewAuthService constructs AuthService. When admins is not empty only the
// listed usernames receive tokens.
func NewAuthService(logins *LoginHandler, signKey []byte, accessTTL time.Duration, admins []string) *AuthServiceImpl {
	s := &AuthServiceImpl{logins: logins, signKey: signKey, accessTTL: accessTTL, admins: map[string]struct{}{}}
	for _, a := range admins {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			s.admins[a] = struct{}{}
		}
	}
	return s
}

// Login runs CheckLogin and maps its status to errors.
func (s *AuthServiceImpl) Login(ctx context.Context, username, password, addr string) (model.Tokens, model.Account, error) {
	res, err := s.logins.CheckLogin(ctx, username, password, addr)
	if err != nil {
		return model.Tokens{}, model.Account{}, err
	}
	switch res.Status {
	case LoginExpired:
		return model.Tokens{}, model.Account{}, errs.ErrLoginExpired
	case LoginSuccess:
	default:
		return model.Tokens{}, model.Account{}, errs.ErrUnauthorized
	}
	if !s.isAdmin(res.Account.Username) {
		return model.Tokens{}, model.Account{}, errs.ErrUnauthorized
	}

	access, exp, err := s.issueAccessToken(res.Account.Username)
	if err != nil {
		return model.Tokens{}, model.Account{}, err
	}
	return model.Tokens{AccessToken: access, ExpiresAt: exp}, *res.Account, nil
}

func (s *AuthServiceImpl) isAdmin(username string) bool {
	if len(s.admins) == 0 {
		return true
	}
	_, ok := s.admins[strings.ToLower(username)]
	return ok
}

// issueAccessToken creates a signed HS256 JWT for the given subject.
func (s *AuthServiceImpl) issueAccessToken(subject string) (string, time.Time, error) {
	jti, err := uuid.NewV4()
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now()
	exp := now.Add(s.accessTTL)
	claims := jwt.RegisteredClaims{
		ID:        jti.String(),
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}
