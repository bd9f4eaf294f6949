// Package ldapclient dials the directory server, pools manager-bound
// connections and maps protocol errors onto the errs taxonomy.
package ldapclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/and161185/dirsync/internal/errs"
	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// Conn is the subset of *ldap.Conn used by the directory layer.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	ModifyDN(req *ldap.ModifyDNRequest) error
	Del(req *ldap.DelRequest) error
	Close() error
	IsClosing() bool
}

var _ Conn = (*ldap.Conn)(nil)

// Client hands out manager-bound connections and verifies user credentials.
type Client interface {
	// WithConn runs fn on a manager-bound connection.
	WithConn(ctx context.Context, fn func(Conn) error) error
	// Bind checks dn/password on a dedicated connection that is never pooled.
	Bind(ctx context.Context, dn, password string) error
}

// Config holds connection settings.
type Config struct {
	URL             string // ldap://host:389 or ldaps://host:636
	StartTLS        bool
	TLS             *tls.Config
	ManagerDN       string
	ManagerPassword string
	Timeout         time.Duration
	PoolSize        int
}

// Pool is a Client backed by a channel of idle connections.
type Pool struct {
	cfg  Config
	log  *zap.Logger
	idle chan Conn
	// connect opens an unbound connection; dial opens a manager-bound one.
	connect func() (Conn, error)
	dial    func() (Conn, error)
}

// NewPool builds a pool without dialing. Connections are created on demand.
func NewPool(cfg Config, log *zap.Logger) *Pool {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 5
	}
	p := &Pool{cfg: cfg, log: log, idle: make(chan Conn, cfg.PoolSize)}
	p.connect = func() (Conn, error) { return p.open() }
	p.dial = p.dialManager
	return p
}

func (p *Pool) open() (*ldap.Conn, error) {
	conn, err := ldap.DialURL(p.cfg.URL,
		ldap.DialWithDialer(&net.Dialer{Timeout: p.cfg.Timeout}),
		ldap.DialWithTLSConfig(p.tlsConfig()),
	)
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(p.cfg.Timeout)

	if p.cfg.StartTLS && !strings.HasPrefix(strings.ToLower(p.cfg.URL), "ldaps://") {
		if err := conn.StartTLS(p.tlsConfig()); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (p *Pool) tlsConfig() *tls.Config {
	if p.cfg.TLS != nil {
		return p.cfg.TLS
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// dialManager opens a connection bound as the manager. A rejected manager
// bind leaves the directory as unusable as a refused dial, so it is reported
// as ErrDirectoryUnavailable.
func (p *Pool) dialManager() (Conn, error) {
	conn, err := p.connect()
	if err != nil {
		return nil, err
	}
	if p.cfg.ManagerDN != "" {
		if err := conn.Bind(p.cfg.ManagerDN, p.cfg.ManagerPassword); err != nil {
			_ = conn.Close()
			p.log.Warn("manager bind failed", zap.String("dn", p.cfg.ManagerDN), zap.Error(err))
			return nil, &errs.DirectoryError{Op: "bind", DN: p.cfg.ManagerDN,
				Err: fmt.Errorf("%w: %w", errs.ErrDirectoryUnavailable, err)}
		}
	}
	return conn, nil
}

func (p *Pool) get() (Conn, error) {
	for {
		select {
		case conn := <-p.idle:
			if conn.IsClosing() {
				continue
			}
			return conn, nil
		default:
			return p.dial()
		}
	}
}

func (p *Pool) put(conn Conn) {
	if conn == nil || conn.IsClosing() {
		return
	}
	select {
	case p.idle <- conn:
	default:
		_ = conn.Close()
	}
}

// WithConn implements Client. A connection that produced a network error is
// closed instead of being returned to the pool.
func (p *Pool) WithConn(ctx context.Context, fn func(Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := p.get()
	if err != nil {
		return Classify("connect", p.cfg.URL, err)
	}
	err = fn(conn)
	if err != nil && errors.Is(Classify("", "", err), errs.ErrDirectoryUnavailable) {
		p.log.Debug("dropping broken directory connection", zap.Error(err))
		_ = conn.Close()
		return err
	}
	p.put(conn)
	return err
}

// Bind implements Client.
func (p *Pool) Bind(ctx context.Context, dn, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if password == "" {
		return Classify("bind", dn, ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("empty password")))
	}
	conn, err := p.connect()
	if err != nil {
		return Classify("connect", p.cfg.URL, err)
	}
	defer conn.Close()
	if err := conn.Bind(dn, password); err != nil {
		return Classify("bind", dn, err)
	}
	return nil
}

// Ping dials a manager connection and returns it to the pool.
func (p *Pool) Ping(ctx context.Context) error {
	return p.WithConn(ctx, func(Conn) error { return nil })
}

// Close drains and closes idle connections.
func (p *Pool) Close() error {
	for {
		select {
		case conn := <-p.idle:
			_ = conn.Close()
		default:
			return nil
		}
	}
}

// Classify wraps err in an *errs.DirectoryError whose cause is one of the
// errs sentinels. Already classified errors and nil pass through unchanged.
func Classify(op, dn string, err error) error {
	if err == nil {
		return nil
	}
	var de *errs.DirectoryError
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &errs.DirectoryError{Op: op, DN: dn, Err: fmt.Errorf("%w: %w", sentinelFor(err), err)}
}

func sentinelFor(err error) error {
	var le *ldap.Error
	if errors.As(err, &le) {
		switch le.ResultCode {
		case ldap.LDAPResultNoSuchObject:
			return errs.ErrNotFound
		case ldap.LDAPResultEntryAlreadyExists:
			return errs.ErrAlreadyExists
		case ldap.LDAPResultInvalidCredentials, ldap.LDAPResultInsufficientAccessRights:
			return errs.ErrUnauthorized
		case ldap.ErrorNetwork, ldap.LDAPResultUnavailable, ldap.LDAPResultBusy:
			return errs.ErrDirectoryUnavailable
		}
		return errs.ErrDirectory
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return errs.ErrDirectoryUnavailable
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return errs.ErrDirectoryUnavailable
	}
	return errs.ErrDirectory
}

// IsNotFound reports whether err is a classified "no such object" failure.
func IsNotFound(err error) bool { return errors.Is(err, errs.ErrNotFound) }
