package directory

import (
	"context"

	"github.com/and161185/dirsync/internal/dirpath"
	"github.com/and161185/dirsync/internal/ldapclient"
	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// PersonDAO reads and relocates inetOrgPerson entries of any kind.
type PersonDAO struct {
	store
	ous *OUDAO
}

// NewPersonDAO constructs a person repository.
func NewPersonDAO(client ldapclient.Client, policy dirpath.Policy, log *zap.Logger) *PersonDAO {
	return &PersonDAO{
		store: store{client: client, policy: policy, log: log},
		ous:   NewOUDAO(client, policy, log),
	}
}

// FindByDN returns the person at dn or nil.
func (d *PersonDAO) FindByDN(ctx context.Context, dn string) (*Person, error) {
	e, err := d.get(ctx, dn)
	if err != nil || e == nil {
		return nil, err
	}
	p := personFromEntry(e)
	return &p, nil
}

// List returns every person below path.
func (d *PersonDAO) List(ctx context.Context, path dirpath.Path) ([]*Person, error) {
	entries, err := d.search(ctx, d.policy.PathDN(path), ldap.ScopeWholeSubtree, "(objectClass=inetOrgPerson)")
	if err != nil {
		return nil, err
	}
	out := make([]*Person, 0, len(entries))
	for _, e := range entries {
		p := personFromEntry(e)
		out = append(out, &p)
	}
	return out, nil
}

// Move renames dn to rdn and places it below path, creating missing units.
// It returns the new DN.
func (d *PersonDAO) Move(ctx context.Context, dn, rdn string, path dirpath.Path) (string, error) {
	if err := d.ous.CreateIfNotExist(ctx, path); err != nil {
		return "", err
	}
	target := dirpath.DistinguishedName(rdn, path, d.policy.BaseDN)
	if sameDN(dn, target) {
		return dn, nil
	}
	newParent := d.policy.PathDN(path)
	if sameDN(parentDN(dn), newParent) {
		newParent = ""
	}
	if err := d.move(ctx, dn, rdn, newParent); err != nil {
		return "", err
	}
	d.log.Info("moved directory entry", zap.String("from", dn), zap.String("to", target))
	return target, nil
}

// Delete removes dn. Deleting a missing entry succeeds.
func (d *PersonDAO) Delete(ctx context.Context, dn string) error {
	_, err := d.remove(ctx, dn)
	return err
}
