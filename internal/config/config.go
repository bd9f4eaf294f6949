// Package config loads the directory integration document.
//
// Precedence, highest first: DIRSYNC_* environment variables, the
// configuration file, defaults. The manager password may be stored sealed as
// "enc:<base64>" and is opened with the passphrase in DIRSYNC_SECRET_PASSPHRASE.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/and161185/dirsync/internal/crypto/secret"
	"github.com/and161185/dirsync/internal/dirpath"
	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/ldapclient"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DIRSYNC"

// PassphraseEnv names the variable holding the secret passphrase.
const PassphraseEnv = "DIRSYNC_SECRET_PASSPHRASE"

// Mode selects the trust model of the directory integration.
type Mode string

const (
	ModeMaster Mode = "master"
	ModeSlave  Mode = "slave"
	ModeLocal  Mode = "local"
)

// Membership selects how slave mode treats unknown directory users.
type Membership string

const (
	MembershipAll    Membership = "all"
	MembershipUsers  Membership = "users"
	MembershipSimple Membership = "simple"
)

// Config is the root document.
type Config struct {
	Directory DirectoryConfig `mapstructure:"directory" yaml:"directory"`
	Login     LoginConfig     `mapstructure:"login" yaml:"login"`
}

// DirectoryConfig describes the directory server and the tree layout.
type DirectoryConfig struct {
	Enabled            bool   `mapstructure:"enabled" yaml:"enabled"`
	Server             string `mapstructure:"server" validate:"required" yaml:"server"`
	Port               int    `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
	TLS                bool   `mapstructure:"tls" yaml:"tls"`
	StartTLS           bool   `mapstructure:"start_tls" yaml:"start_tls"`
	TLSCertificate     string `mapstructure:"tls_certificate" validate:"omitempty,file" yaml:"tls_certificate,omitempty"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify,omitempty"`

	BaseDN          string `mapstructure:"base_dn" validate:"required" yaml:"base_dn"`
	UserBase        string `mapstructure:"user_base" yaml:"user_base"`
	GroupBase       string `mapstructure:"group_base" yaml:"group_base"`
	ManagerUser     string `mapstructure:"manager_user" validate:"required" yaml:"manager_user"`
	ManagerPassword string `mapstructure:"manager_password" yaml:"manager_password"`

	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0" yaml:"timeout"`
	PoolSize int           `mapstructure:"pool_size" validate:"min=1,max=64" yaml:"pool_size"`
	Mode     Mode          `mapstructure:"mode" validate:"oneof=master slave local" yaml:"mode"`

	Slave SlaveConfig `mapstructure:"slave" yaml:"slave"`
	Posix PosixConfig `mapstructure:"posix" yaml:"posix"`
	Samba SambaConfig `mapstructure:"samba" yaml:"samba"`
	Sync  SyncConfig  `mapstructure:"sync" yaml:"sync"`
}

// SlaveConfig tunes slave mode.
type SlaveConfig struct {
	Membership     Membership `mapstructure:"membership" validate:"oneof=all users simple" yaml:"membership"`
	RefreshOnLogin bool       `mapstructure:"refresh_on_login" yaml:"refresh_on_login"`
}

// PosixConfig holds defaults for POSIX accounts.
type PosixConfig struct {
	DefaultGIDNumber    int    `mapstructure:"default_gid_number" validate:"gte=0" yaml:"default_gid_number,omitempty"`
	DefaultLoginShell   string `mapstructure:"default_login_shell" yaml:"default_login_shell,omitempty"`
	HomeDirectoryPrefix string `mapstructure:"home_directory_prefix" yaml:"home_directory_prefix,omitempty"`
}

// SambaConfig holds defaults for Samba accounts.
type SambaConfig struct {
	SIDPrefix                    string `mapstructure:"sid_prefix" yaml:"sid_prefix,omitempty"`
	DefaultPrimaryGroupSIDNumber int    `mapstructure:"default_primary_group_sid_number" validate:"gte=0" yaml:"default_primary_group_sid_number,omitempty"`
}

// SyncConfig schedules reconciliation passes.
type SyncConfig struct {
	Interval          time.Duration `mapstructure:"interval" validate:"gte=0" yaml:"interval"`
	MinReloadInterval time.Duration `mapstructure:"min_reload_interval" validate:"gte=0" yaml:"min_reload_interval"`
}

// LoginConfig configures the login rate limiter.
type LoginConfig struct {
	MaxFailures int           `mapstructure:"max_failures" validate:"min=1" yaml:"max_failures"`
	Window      time.Duration `mapstructure:"window" validate:"gt=0" yaml:"window"`
	BlockFor    time.Duration `mapstructure:"block_for" validate:"gt=0" yaml:"block_for"`
}

// Default returns a document with the directory disabled and defaults applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads path, applies defaults, opens sealed secrets and validates.
// An empty path yields Default. Every failure wraps errs.ErrConfiguration.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", errs.ErrConfiguration, path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %w", errs.ErrConfiguration, err)
	}
	ApplyDefaults(&cfg)

	if err := cfg.openSecrets(os.Getenv(PassphraseEnv)); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindEnv registers the keys AutomaticEnv cannot discover on Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, k := range []string{
		"directory.enabled", "directory.server", "directory.port", "directory.base_dn",
		"directory.manager_user", "directory.manager_password", "directory.mode",
	} {
		_ = v.BindEnv(k)
	}
}

func (c *Config) openSecrets(passphrase string) error {
	if !secret.IsSealed(c.Directory.ManagerPassword) {
		return nil
	}
	if passphrase == "" {
		return fmt.Errorf("%w: manager_password is sealed but %s is not set", errs.ErrConfiguration, PassphraseEnv)
	}
	pw, err := secret.Reveal(passphrase, c.Directory.ManagerPassword)
	if err != nil {
		return fmt.Errorf("%w: manager_password: %w", errs.ErrConfiguration, err)
	}
	c.Directory.ManagerPassword = pw
	return nil
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	d := &cfg.Directory
	if d.Port == 0 {
		d.Port = 389
		if d.TLS {
			d.Port = 636
		}
	}
	if d.UserBase == "" {
		d.UserBase = "ou=users"
	}
	if d.GroupBase == "" {
		d.GroupBase = "ou=groups"
	}
	if d.Timeout == 0 {
		d.Timeout = 10 * time.Second
	}
	if d.PoolSize == 0 {
		d.PoolSize = 4
	}
	if d.Mode == "" {
		d.Mode = ModeMaster
	}
	if d.Slave.Membership == "" {
		d.Slave.Membership = MembershipAll
	}
	if d.Posix.DefaultLoginShell == "" {
		d.Posix.DefaultLoginShell = "/bin/bash"
	}
	if d.Posix.HomeDirectoryPrefix == "" {
		d.Posix.HomeDirectoryPrefix = "/home"
	}
	if d.Sync.Interval == 0 {
		d.Sync.Interval = 15 * time.Minute
	}
	if d.Sync.MinReloadInterval == 0 {
		d.Sync.MinReloadInterval = 5 * time.Second
	}

	l := &cfg.Login
	if l.MaxFailures == 0 {
		l.MaxFailures = 5
	}
	if l.Window == 0 {
		l.Window = 15 * time.Minute
	}
	if l.BlockFor == 0 {
		l.BlockFor = 15 * time.Minute
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the document. The directory section is only checked when enabled.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg.Login); err != nil {
		return fmt.Errorf("%w: login: %w", errs.ErrConfiguration, err)
	}
	if !cfg.Directory.Enabled {
		return nil
	}
	if err := validate.Struct(cfg.Directory); err != nil {
		return fmt.Errorf("%w: directory: %w", errs.ErrConfiguration, err)
	}
	return nil
}

// ValidationFields lists the failing field paths of err, if it carries any.
func ValidationFields(err error) []string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	out := make([]string, 0, len(ve))
	for _, fe := range ve {
		out = append(out, fe.Namespace())
	}
	return out
}

// EffectiveMode is Local when the directory is disabled.
func (c *Config) EffectiveMode() Mode {
	if !c.Directory.Enabled {
		return ModeLocal
	}
	return c.Directory.Mode
}

// URL renders the server address.
func (d DirectoryConfig) URL() string {
	scheme := "ldap"
	if d.TLS {
		scheme = "ldaps"
	}
	return scheme + "://" + d.Server + ":" + strconv.Itoa(d.Port)
}

// ManagerDN returns the manager user as a DN, appending the base DN when
// the configured value is a bare RDN.
func (d DirectoryConfig) ManagerDN() string {
	if d.ManagerUser == "" || strings.Contains(d.ManagerUser, ",") {
		return d.ManagerUser
	}
	return d.ManagerUser + "," + d.BaseDN
}

// Policy builds the path policy for this tree.
func (d DirectoryConfig) Policy() dirpath.Policy {
	return dirpath.Policy{
		BaseDN:    d.BaseDN,
		UserBase:  dirpath.ParsePath(d.UserBase),
		GroupBase: dirpath.ParsePath(d.GroupBase),
	}
}

// Client builds the connection pool configuration.
func (d DirectoryConfig) Client() (ldapclient.Config, error) {
	tc, err := d.tlsConfig()
	if err != nil {
		return ldapclient.Config{}, err
	}
	return ldapclient.Config{
		URL:             d.URL(),
		StartTLS:        d.StartTLS,
		TLS:             tc,
		ManagerDN:       d.ManagerDN(),
		ManagerPassword: d.ManagerPassword,
		Timeout:         d.Timeout,
		PoolSize:        d.PoolSize,
	}, nil
}

func (d DirectoryConfig) tlsConfig() (*tls.Config, error) {
	if !d.TLS && !d.StartTLS {
		return nil, nil
	}
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         d.Server,
		InsecureSkipVerify: d.InsecureSkipVerify,
	}
	if d.TLSCertificate != "" {
		pem, err := os.ReadFile(d.TLSCertificate)
		if err != nil {
			return nil, fmt.Errorf("%w: tls_certificate: %w", errs.ErrConfiguration, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: tls_certificate: no PEM certificates in %s", errs.ErrConfiguration, d.TLSCertificate)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// Sample returns a YAML document with every key populated.
func Sample() ([]byte, error) {
	cfg := Default()
	cfg.Directory.Enabled = true
	cfg.Directory.Server = "ldap.example.org"
	cfg.Directory.BaseDN = "dc=example,dc=org"
	cfg.Directory.ManagerUser = "cn=admin"
	cfg.Directory.ManagerPassword = secret.Prefix + "<output of dirctl encrypt-secret>"
	cfg.Directory.Samba.SIDPrefix = "S-1-5-21-0-0-0"
	return Marshal(cfg)
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
