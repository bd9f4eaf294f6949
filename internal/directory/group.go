package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/and161185/dirsync/internal/dirpath"
	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/ldapclient"
	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// GroupDAO manages group entries directly below the group base.
type GroupDAO struct {
	store
	ous *OUDAO
}

// NewGroupDAO constructs a group repository.
func NewGroupDAO(client ldapclient.Client, policy dirpath.Policy, log *zap.Logger) *GroupDAO {
	return &GroupDAO{
		store: store{client: client, policy: policy, log: log},
		ous:   NewOUDAO(client, policy, log),
	}
}

// FindByName returns the group called name or nil.
func (d *GroupDAO) FindByName(ctx context.Context, name string) (*Group, error) {
	e, err := d.get(ctx, d.policy.GroupDN(name))
	if err != nil || e == nil {
		return nil, err
	}
	return groupFromEntry(e), nil
}

// List returns every group below the group base.
func (d *GroupDAO) List(ctx context.Context) ([]*Group, error) {
	entries, err := d.search(ctx, d.policy.PathDN(d.policy.GroupBase), ldap.ScopeSingleLevel, "(objectClass=groupOfUniqueNames)")
	if err != nil {
		return nil, err
	}
	out := make([]*Group, 0, len(entries))
	for _, e := range entries {
		out = append(out, groupFromEntry(e))
	}
	return out, nil
}

// CreateOrUpdate writes g. The member list is compared as a set and
// rewritten with a single request when it differs. It reports whether
// anything was written.
func (d *GroupDAO) CreateOrUpdate(ctx context.Context, g *Group) (bool, error) {
	if g.Name == "" {
		return false, &errs.DirectoryError{Op: "save", Err: fmt.Errorf("%w: group without name", errs.ErrDirectory)}
	}
	if err := d.ous.CreateIfNotExist(ctx, d.policy.GroupBase); err != nil {
		return false, err
	}
	dn := d.policy.GroupDN(g.Name)
	cur, err := d.get(ctx, dn)
	if err != nil {
		return false, err
	}
	if cur == nil {
		attrs := g.attributes()
		attrs["objectClass"] = g.objectClasses()
		if err := d.add(ctx, dn, attrs); err != nil {
			return false, err
		}
		g.DN = dn
		return true, nil
	}

	req := ldap.NewModifyRequest(dn, nil)
	if missing := dirpath.MissingObjectClasses(cur.GetAttributeValues("objectClass"), "", g.objectClasses()); len(missing) > 0 {
		req.Add("objectClass", missing)
	}
	req.Changes = append(req.Changes, diff(cur, g.attributes(), g.managedAttributes()).Changes...)
	g.DN = dn
	if len(req.Changes) == 0 {
		return false, nil
	}
	if err := d.modify(ctx, req); err != nil {
		return false, err
	}
	d.log.Debug("saved directory group", zap.String("dn", dn), zap.Int("changes", len(req.Changes)))
	return true, nil
}

// Delete removes the group called name. Deleting a missing group succeeds.
func (d *GroupDAO) Delete(ctx context.Context, name string) error {
	_, err := d.remove(ctx, d.policy.GroupDN(name))
	return err
}

// RenameMember rewrites every group below the group base that lists oldDN
// (or oldUID in memberUid) so it lists newDN (newUID) instead. Each affected
// group gets one modify request. It returns the number of groups written.
func (d *GroupDAO) RenameMember(ctx context.Context, oldDN, newDN, oldUID, newUID string) (int, error) {
	uidChanged := oldUID != "" && newUID != "" && !strings.EqualFold(oldUID, newUID)
	if sameDN(oldDN, newDN) && !uidChanged {
		return 0, nil
	}
	filter := "(uniqueMember=" + ldap.EscapeFilter(oldDN) + ")"
	if uidChanged {
		filter = "(|" + filter + "(memberUid=" + ldap.EscapeFilter(oldUID) + "))"
	}
	entries, err := d.search(ctx, d.policy.PathDN(d.policy.GroupBase), ldap.ScopeSingleLevel,
		"(&(objectClass=groupOfUniqueNames)"+filter+")")
	if err != nil {
		return 0, err
	}

	written := 0
	for _, e := range entries {
		req := ldap.NewModifyRequest(e.DN, nil)
		if members, ok := swap(e.GetAttributeValues("uniqueMember"), newDN, func(v string) bool { return sameDN(v, oldDN) }); ok {
			req.Replace("uniqueMember", members)
		}
		if uidChanged {
			if uids, ok := swap(e.GetAttributeValues("memberUid"), newUID, func(v string) bool { return strings.EqualFold(v, oldUID) }); ok {
				req.Replace("memberUid", uids)
			}
		}
		if len(req.Changes) == 0 {
			continue
		}
		if err := d.modify(ctx, req); err != nil {
			return written, err
		}
		written++
		d.log.Debug("renamed group member", zap.String("group", e.DN), zap.String("from", oldDN), zap.String("to", newDN))
	}
	return written, nil
}

// swap replaces the values matching old with repl, keeping one copy of repl.
// It reports whether anything matched.
func swap(values []string, repl string, old func(string) bool) ([]string, bool) {
	out := make([]string, 0, len(values))
	matched, present := false, false
	for _, v := range values {
		switch {
		case old(v):
			matched = true
		case strings.EqualFold(v, repl):
			present = true
			out = append(out, v)
		default:
			out = append(out, v)
		}
	}
	if !matched {
		return values, false
	}
	if !present {
		out = append(out, repl)
	}
	return out, true
}
