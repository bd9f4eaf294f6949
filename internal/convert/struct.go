// Package convert maps domain values to and from the protobuf Struct
// messages carried by the admin API.
package convert

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/dirsync/internal/model"
	"github.com/and161185/dirsync/internal/syncer"
)

// --- helpers ---

func ts(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func anyStrings(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// Str returns the string field key of s, or "".
func Str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// Bool returns the boolean field key of s, or false.
func Bool(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

// Int64 returns the numeric field key of s. Numbers given as strings are
// accepted so that ids survive shells and JSON tooling.
func Int64(s *structpb.Struct, key string) (int64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
			return 0, fmt.Errorf("%s: not an integer", key)
		}
		return int64(f), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(strings.TrimSpace(k.StringValue), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%s: not a number", key)
}

// Duration reads key as a Go duration string ("5s") or a number of seconds.
// A missing field is zero.
func Duration(s *structpb.Struct, key string) (time.Duration, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return time.Duration(k.NumberValue * float64(time.Second)), nil
	case *structpb.Value_StringValue:
		d, err := time.ParseDuration(k.StringValue)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	}
	return 0, fmt.Errorf("%s: not a duration", key)
}

// --- Accounts ---

// FromAccount renders an account without its credential material.
func FromAccount(a model.Account, groups []string) (*structpb.Struct, error) {
	m := map[string]any{
		"id":                 a.ID,
		"username":           a.Username,
		"first_name":         a.FirstName,
		"last_name":          a.LastName,
		"email":              a.Email,
		"organization":       a.Organization,
		"description":        a.Description,
		"deactivated":        a.Deactivated,
		"restricted":         a.IsRestricted(),
		"local_only":         a.LocalOnly,
		"deleted":            a.Deleted,
		"has_local_password": a.HasLocalPassword(),
		"created_at":         ts(a.CreatedAt),
		"password_changed":   ts(a.LastPasswordChange),
	}
	if pv, err := model.ParsePosixValues(a.LDAPValues); err == nil && pv != (model.PosixValues{}) {
		posix := map[string]any{}
		if pv.UIDNumber != nil {
			posix["uid_number"] = *pv.UIDNumber
		}
		if pv.GIDNumber != nil {
			posix["gid_number"] = *pv.GIDNumber
		}
		if pv.HomeDirectory != "" {
			posix["home_directory"] = pv.HomeDirectory
		}
		if pv.LoginShell != "" {
			posix["login_shell"] = pv.LoginShell
		}
		if pv.SambaSIDNumber != nil {
			posix["samba_sid_number"] = *pv.SambaSIDNumber
		}
		m["posix"] = posix
	}
	if groups != nil {
		m["groups"] = anyStrings(groups)
	}
	return structpb.NewStruct(m)
}

// ToAccount reads the fields FromAccount writes. Credentials and the
// POSIX blob are not carried.
func ToAccount(s *structpb.Struct) (model.Account, error) {
	id, err := Int64(s, "id")
	if err != nil {
		return model.Account{}, err
	}
	return model.Account{
		ID:           id,
		Username:     Str(s, "username"),
		FirstName:    Str(s, "first_name"),
		LastName:     Str(s, "last_name"),
		Email:        Str(s, "email"),
		Organization: Str(s, "organization"),
		Description:  Str(s, "description"),
		Deactivated:  Bool(s, "deactivated"),
		Restricted:   Bool(s, "restricted"),
		LocalOnly:    Bool(s, "local_only"),
		Deleted:      Bool(s, "deleted"),
	}, nil
}

// FromAccounts wraps a list under "users".
func FromAccounts(as []model.Account) (*structpb.Struct, error) {
	list := make([]any, 0, len(as))
	for _, a := range as {
		s, err := FromAccount(a, nil)
		if err != nil {
			return nil, err
		}
		list = append(list, s.AsMap())
	}
	return structpb.NewStruct(map[string]any{"users": list})
}

// --- Groups ---

// FromGroup renders a group with its member ids.
func FromGroup(g model.Group) map[string]any {
	members := make([]any, len(g.MemberIDs))
	for i, id := range g.MemberIDs {
		members[i] = id
	}
	m := map[string]any{
		"id":          g.ID,
		"name":        g.Name,
		"description": g.Description,
		"deleted":     g.Deleted,
		"local_only":  g.LocalOnly,
		"members":     members,
	}
	if g.GIDNumber != nil {
		m["gid_number"] = *g.GIDNumber
	}
	return m
}

// FromGroups wraps a list under "groups".
func FromGroups(gs []model.Group) (*structpb.Struct, error) {
	list := make([]any, len(gs))
	for i, g := range gs {
		list[i] = FromGroup(g)
	}
	return structpb.NewStruct(map[string]any{"groups": list})
}

// --- Sync state ---

// FromReport renders the counters and failures of a pass.
func FromReport(r *syncer.Report) map[string]any {
	if r == nil {
		return nil
	}
	failures := make([]any, len(r.Failures))
	for i, f := range r.Failures {
		failures[i] = f.Error()
	}
	return map[string]any{
		"id":                   r.ID.String(),
		"mode":                 r.Mode,
		"started":              ts(r.Started),
		"finished":             ts(r.Finished),
		"users_created":        r.UsersCreated,
		"users_moved":          r.UsersMoved,
		"users_modified":       r.UsersModified,
		"users_deleted":        r.UsersDeleted,
		"users_deactivated":    r.UsersDeactivated,
		"users_unmanaged":      r.UsersUnmanaged,
		"groups_written":       r.GroupsWritten,
		"groups_deleted":       r.GroupsDeleted,
		"accounts_updated":     r.AccountsUpdated,
		"accounts_deactivated": r.AccountsDeactivated,
		"failures":             failures,
	}
}

// FromStatus renders the engine status.
func FromStatus(st syncer.Status) (*structpb.Struct, error) {
	m := map[string]any{
		"refresh_in_progress": st.RefreshInProgress,
		"last_finished":       ts(st.LastFinished),
	}
	if rep := FromReport(st.LastReport); rep != nil {
		m["last_report"] = rep
	}
	if st.LastErr != nil {
		m["last_error"] = st.LastErr.Error()
	}
	return structpb.NewStruct(m)
}
