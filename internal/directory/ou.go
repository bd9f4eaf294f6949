package directory

import (
	"context"
	"errors"

	"github.com/and161185/dirsync/internal/dirpath"
	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/ldapclient"
	"go.uber.org/zap"
)

// OUDAO manages organizational unit entries below the base DN.
type OUDAO struct{ store }

// NewOUDAO constructs an organizational unit repository.
func NewOUDAO(client ldapclient.Client, policy dirpath.Policy, log *zap.Logger) *OUDAO {
	return &OUDAO{store{client: client, policy: policy, log: log}}
}

// DoesExist reports whether the unit at path exists. The empty path is the
// base DN and always exists.
func (d *OUDAO) DoesExist(ctx context.Context, path dirpath.Path) (bool, error) {
	if len(path) == 0 {
		return true, nil
	}
	e, err := d.get(ctx, d.policy.PathDN(path))
	return e != nil, err
}

// CreateIfNotExist creates every missing unit of path, outermost first.
func (d *OUDAO) CreateIfNotExist(ctx context.Context, path dirpath.Path) error {
	return d.CreateIfNotExistWithDescription(ctx, path, "")
}

// CreateIfNotExistWithDescription is CreateIfNotExist that sets description on
// the innermost unit when it has to be created. Existing units are not touched.
func (d *OUDAO) CreateIfNotExistWithDescription(ctx context.Context, path dirpath.Path, description string) error {
	for i := len(path) - 1; i >= 0; i-- {
		sub := path[i:]
		ok, err := d.DoesExist(ctx, sub)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		dn := d.policy.PathDN(sub)
		attrs := map[string][]string{
			"objectClass": {"top", "organizationalUnit"},
			"ou":          {sub[0]},
		}
		if i == 0 && description != "" {
			attrs["description"] = []string{description}
		}
		err = d.add(ctx, dn, attrs)
		switch {
		case err == nil:
			d.log.Info("created organizational unit", zap.String("dn", dn))
		case !errors.Is(err, errs.ErrAlreadyExists):
			return err
		}
	}
	return nil
}

// DeleteIfExists removes the innermost unit of path. A missing unit is not an
// error; a unit that still has children is.
func (d *OUDAO) DeleteIfExists(ctx context.Context, path dirpath.Path) error {
	if len(path) == 0 {
		return nil
	}
	dn := d.policy.PathDN(path)
	removed, err := d.remove(ctx, dn)
	if err != nil {
		return err
	}
	if removed {
		d.log.Info("deleted organizational unit", zap.String("dn", dn))
	}
	return nil
}
