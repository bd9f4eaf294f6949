package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/and161185/dirsync/internal/crypto"
	"github.com/and161185/dirsync/internal/dirpath"
	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/ldapclient"
	"github.com/and161185/dirsync/internal/objectclass"
	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// UserDAO manages user entries below the user base.
type UserDAO struct {
	store
	persons   *PersonDAO
	groups    *GroupDAO
	ous       *OUDAO
	sidPrefix string
	now       func() time.Time
}

// NewUserDAO constructs a user repository. sidPrefix is the Samba domain SID
// prefix; empty selects crypto.DefaultSambaSIDPrefix.
func NewUserDAO(client ldapclient.Client, policy dirpath.Policy, sidPrefix string, log *zap.Logger) *UserDAO {
	return &UserDAO{
		store:     store{client: client, policy: policy, log: log},
		persons:   NewPersonDAO(client, policy, log),
		groups:    NewGroupDAO(client, policy, log),
		ous:       NewOUDAO(client, policy, log),
		sidPrefix: sidPrefix,
		now:       time.Now,
	}
}

// Change describes what CreateOrUpdate did.
type Change struct {
	Created  bool
	Moved    bool
	Modified bool
	OldDN    string
	DN       string
}

// Changed reports whether any write happened.
func (c Change) Changed() bool { return c.Created || c.Moved || c.Modified }

func userFilter(attr, value string) string {
	return fmt.Sprintf("(&(objectClass=inetOrgPerson)(%s=%s))", attr, ldap.EscapeFilter(value))
}

func (d *UserDAO) findEntry(ctx context.Context, base dirpath.Path, scope int, attr, value string) (*ldap.Entry, error) {
	if base == nil {
		base = d.policy.UserBase
	}
	entries, err := d.search(ctx, d.policy.PathDN(base), scope, userFilter(attr, value))
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// locate finds the entry of u by employee number first, then by uid.
func (d *UserDAO) locate(ctx context.Context, u *User) (*ldap.Entry, error) {
	if u.EmployeeNumber != "" {
		e, err := d.findEntry(ctx, nil, ldap.ScopeWholeSubtree, "employeeNumber", u.EmployeeNumber)
		if err != nil || e != nil {
			return e, err
		}
	}
	return d.findEntry(ctx, nil, ldap.ScopeWholeSubtree, "uid", u.UID)
}

// FindByUsername searches the subtree below base (the user base when nil).
func (d *UserDAO) FindByUsername(ctx context.Context, username string, base dirpath.Path) (*User, error) {
	e, err := d.findEntry(ctx, base, ldap.ScopeWholeSubtree, "uid", username)
	if err != nil || e == nil {
		return nil, err
	}
	return userFromEntry(e, d.policy), nil
}

// FindByEmployeeNumber finds the entry carrying the given account id.
func (d *UserDAO) FindByEmployeeNumber(ctx context.Context, id int64) (*User, error) {
	e, err := d.findEntry(ctx, nil, ldap.ScopeWholeSubtree, "employeeNumber", strconv.FormatInt(id, 10))
	if err != nil || e == nil {
		return nil, err
	}
	return userFromEntry(e, d.policy), nil
}

// List returns every user entry below the user base, in all sub-units.
func (d *UserDAO) List(ctx context.Context) ([]*User, error) {
	entries, err := d.search(ctx, d.policy.PathDN(d.policy.UserBase), ldap.ScopeWholeSubtree, "(objectClass=inetOrgPerson)")
	if err != nil {
		return nil, err
	}
	out := make([]*User, 0, len(entries))
	for _, e := range entries {
		out = append(out, userFromEntry(e, d.policy))
	}
	return out, nil
}

// CreateOrUpdate writes u at the unit chosen by its status. An existing entry
// of the same identity elsewhere is renamed/moved first and the groups that
// listed the old DN are rewritten, then only the attributes that differ are
// modified. Unmanaged attributes are kept.
func (d *UserDAO) CreateOrUpdate(ctx context.Context, u *User) (Change, error) {
	if u.UID == "" {
		return Change{}, &errs.DirectoryError{Op: "save", Err: fmt.Errorf("%w: user without uid", errs.ErrDirectory)}
	}
	path := d.policy.OrganizationalUnitFor(u.Status())
	target := d.policy.UserDN(u.UID, path)
	if err := d.ous.CreateIfNotExist(ctx, path); err != nil {
		return Change{}, err
	}

	cur, err := d.locate(ctx, u)
	if err != nil {
		return Change{}, err
	}
	if cur == nil {
		attrs := u.attributes(d.sidPrefix)
		attrs["objectClass"] = objectclass.All(u)
		if err := d.add(ctx, target, attrs); err != nil {
			return Change{}, err
		}
		u.DN, u.OrganizationalUnit = target, path
		u.ObjectClasses = attrs["objectClass"]
		return Change{Created: true, DN: target}, nil
	}

	ch := Change{OldDN: cur.DN, DN: target}
	if !sameDN(cur.DN, target) {
		if _, err := d.persons.Move(ctx, cur.DN, "uid="+dirpath.EscapeCommonName(u.UID), path); err != nil {
			return Change{}, err
		}
		ch.Moved = true
		cur.DN = target
		if _, err := d.groups.RenameMember(ctx, ch.OldDN, target, cur.GetAttributeValue("uid"), u.UID); err != nil {
			return ch, err
		}
	}

	req := ldap.NewModifyRequest(target, nil)
	have := cur.GetAttributeValues("objectClass")
	if missing := dirpath.MissingObjectClasses(have, "", objectclass.All(u)); len(missing) > 0 {
		req.Add("objectClass", missing)
		have = append(have, missing...)
	}
	req.Changes = append(req.Changes, diff(cur, u.attributes(d.sidPrefix), u.managedAttributes()).Changes...)
	if u.Deactivated {
		for _, a := range []string{"userPassword", "sambaNTPassword"} {
			if len(cur.GetAttributeValues(a)) > 0 {
				req.Delete(a, nil)
			}
		}
	}
	if len(req.Changes) > 0 {
		if err := d.modify(ctx, req); err != nil {
			return ch, err
		}
		ch.Modified = true
	}
	u.DN, u.OrganizationalUnit, u.ObjectClasses = target, path, have
	if ch.Changed() {
		d.log.Debug("saved directory user", zap.String("dn", target),
			zap.Bool("moved", ch.Moved), zap.Bool("modified", ch.Modified))
	}
	return ch, nil
}

// ChangePassword replaces userPassword and, for Samba users, the NT hash.
// Deactivated users keep no password.
func (d *UserDAO) ChangePassword(ctx context.Context, u *User, password string) error {
	if u.Deactivated {
		return &errs.DirectoryError{Op: "password", DN: u.DN, Err: fmt.Errorf("%w: user is deactivated", errs.ErrDirectory)}
	}
	dn := u.DN
	samba := u.HasSamba()
	if dn == "" {
		e, err := d.locate(ctx, u)
		if err != nil {
			return err
		}
		if e == nil {
			return &errs.DirectoryError{Op: "password", DN: u.UID, Err: errs.ErrNotFound}
		}
		dn = e.DN
		samba = samba || len(dirpath.MissingObjectClasses(e.GetAttributeValues("objectClass"), objectclass.SambaSamAccount, nil)) == 0
	}

	req := ldap.NewModifyRequest(dn, nil)
	req.Replace("userPassword", []string{password})
	if samba {
		nt, err := crypto.NTHashHex(password)
		if err != nil {
			return err
		}
		req.Replace("sambaNTPassword", []string{nt})
		req.Replace("sambaPwdLastSet", []string{strconv.FormatInt(d.now().Unix(), 10)})
	}
	if err := d.modify(ctx, req); err != nil {
		return err
	}
	u.DN, u.HasPassword = dn, true
	return nil
}

// Deactivate moves u into the deactivated unit and strips its password.
func (d *UserDAO) Deactivate(ctx context.Context, u *User) error {
	u.Deactivated = true
	_, err := d.CreateOrUpdate(ctx, u)
	return err
}

// Reactivate moves u back to its active unit. A new password has to be set
// afterwards.
func (d *UserDAO) Reactivate(ctx context.Context, u *User) error {
	u.Deactivated = false
	_, err := d.CreateOrUpdate(ctx, u)
	return err
}

// Authenticate binds as username directly below base (the user base when
// nil). Entries in sub-units of base are not found. It returns nil when the
// user is unknown or the password is rejected, and an error only when the
// directory itself failed.
func (d *UserDAO) Authenticate(ctx context.Context, username, password string, base dirpath.Path) (*User, error) {
	if username == "" || password == "" {
		return nil, nil
	}
	e, err := d.findEntry(ctx, base, ldap.ScopeSingleLevel, "uid", username)
	if err != nil || e == nil {
		return nil, err
	}
	if err := d.client.Bind(ctx, e.DN, password); err != nil {
		if errors.Is(err, errs.ErrUnauthorized) {
			d.log.Debug("directory rejected credentials", zap.String("dn", e.DN))
			return nil, nil
		}
		return nil, err
	}
	return userFromEntry(e, d.policy), nil
}

// Delete removes the entry of u. Deleting a missing entry succeeds.
func (d *UserDAO) Delete(ctx context.Context, u *User) error {
	dn := u.DN
	if dn == "" {
		e, err := d.locate(ctx, u)
		if err != nil || e == nil {
			return err
		}
		dn = e.DN
	}
	return d.persons.Delete(ctx, dn)
}
