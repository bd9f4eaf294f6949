package syncer

import (
	"path"
	"strconv"
	"strings"

	"github.com/and161185/dirsync/internal/directory"
	"github.com/and161185/dirsync/internal/model"
)

// Defaults fill POSIX and Samba attributes an account leaves empty.
type Defaults struct {
	GIDNumber             int
	LoginShell            string
	HomeDirectoryPrefix   string
	PrimaryGroupSIDNumber int
}

// UserFromAccount renders the directory entry an account should have.
func UserFromAccount(a *model.Account, d Defaults) (*directory.User, error) {
	pv, err := model.ParsePosixValues(a.LDAPValues)
	if err != nil {
		return nil, err
	}
	u := &directory.User{
		Person: directory.Person{
			CommonName:     a.DisplayName(),
			GivenName:      a.FirstName,
			Surname:        a.LastName,
			Mail:           a.Email,
			Organization:   a.Organization,
			Description:    a.Description,
			EmployeeNumber: strconv.FormatInt(a.ID, 10),
		},
		UID:         a.Username,
		Deactivated: a.Deactivated,
		Restricted:  a.IsRestricted(),
	}
	if pv.IsPosixConfigured() {
		u.UIDNumber = pv.UIDNumber
		u.GIDNumber = pv.GIDNumber
		if u.GIDNumber == nil {
			gid := *pv.UIDNumber
			if d.GIDNumber > 0 {
				gid = d.GIDNumber
			}
			u.GIDNumber = &gid
		}
		u.HomeDirectory = pv.HomeDirectory
		if u.HomeDirectory == "" {
			prefix := d.HomeDirectoryPrefix
			if prefix == "" {
				prefix = "/home"
			}
			u.HomeDirectory = path.Join(prefix, a.Username)
		}
		u.LoginShell = pv.LoginShell
		if u.LoginShell == "" {
			u.LoginShell = d.LoginShell
		}
	}
	if pv.IsSambaConfigured() {
		u.SambaSIDNumber = pv.SambaSIDNumber
		u.SambaPrimaryGroupSIDNumber = pv.SambaPrimaryGroupSIDNumber
		if u.SambaPrimaryGroupSIDNumber == nil && d.PrimaryGroupSIDNumber > 0 {
			n := d.PrimaryGroupSIDNumber
			u.SambaPrimaryGroupSIDNumber = &n
		}
	}
	return u, nil
}

// AccountFromUser builds a new local account from a directory entry.
func AccountFromUser(u *directory.User) *model.Account {
	a := &model.Account{Username: u.UID}
	ApplyUser(u, a)
	return a
}

// ApplyUser copies directory attributes into a and reports whether any
// field changed. Fields the directory does not carry are left alone.
func ApplyUser(u *directory.User, a *model.Account) bool {
	changed := false
	set := func(dst *string, v string) {
		if *dst != v {
			*dst, changed = v, true
		}
	}
	first, last := u.GivenName, u.Surname
	if first == "" && last == "" && u.CommonName != "" {
		first, last = splitName(u.CommonName)
	}
	set(&a.FirstName, first)
	// sn is mandatory and falls back to the uid on write.
	if last == u.UID && a.LastName == "" {
		last = ""
	}
	set(&a.LastName, last)
	set(&a.Email, u.Mail)
	set(&a.Organization, u.Organization)
	set(&a.Description, u.Description)
	if a.Deactivated != u.Deactivated {
		a.Deactivated, changed = u.Deactivated, true
	}
	if a.Restricted != u.Restricted && !u.Deactivated {
		a.Restricted, changed = u.Restricted, true
	}

	pv, err := model.ParsePosixValues(a.LDAPValues)
	if err != nil {
		pv = model.PosixValues{}
	}
	if u.HasPosix() {
		pv.UIDNumber, pv.GIDNumber = u.UIDNumber, u.GIDNumber
		pv.HomeDirectory, pv.LoginShell = u.HomeDirectory, u.LoginShell
	}
	if u.HasSamba() {
		pv.SambaSIDNumber, pv.SambaPrimaryGroupSIDNumber = u.SambaSIDNumber, u.SambaPrimaryGroupSIDNumber
		pv.SambaNTPassword = u.SambaNTPassword != ""
	}
	set(&a.LDAPValues, pv.String())
	return changed
}

func splitName(cn string) (string, string) {
	cn = strings.TrimSpace(cn)
	if i := strings.LastIndexByte(cn, ' '); i > 0 {
		return cn[:i], cn[i+1:]
	}
	return "", cn
}
