// Package directory implements the entry repositories (persons, users,
// groups and organizational units) on top of an ldapclient.Client.
//
// Finders return (nil, nil) when nothing matches. Every other failure leaves
// the package as an *errs.DirectoryError.
package directory

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/and161185/dirsync/internal/dirpath"
	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/ldapclient"
	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// store holds the request helpers shared by the DAOs.
type store struct {
	client ldapclient.Client
	policy dirpath.Policy
	log    *zap.Logger
}

func (s *store) search(ctx context.Context, baseDN string, scope int, filter string) ([]*ldap.Entry, error) {
	var entries []*ldap.Entry
	err := s.client.WithConn(ctx, func(c ldapclient.Conn) error {
		req := ldap.NewSearchRequest(baseDN, scope, ldap.NeverDerefAliases, 0, 0, false, filter, nil, nil)
		res, err := c.Search(req)
		if err != nil {
			return err
		}
		entries = res.Entries
		return nil
	})
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, ldapclient.Classify("search", baseDN, err)
	}
	return entries, nil
}

// get reads a single entry by DN.
func (s *store) get(ctx context.Context, dn string) (*ldap.Entry, error) {
	entries, err := s.search(ctx, dn, ldap.ScopeBaseObject, "(objectClass=*)")
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

func (s *store) add(ctx context.Context, dn string, attrs map[string][]string) error {
	req := ldap.NewAddRequest(dn, nil)
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if vals := attrs[name]; len(vals) > 0 {
			req.Attribute(name, vals)
		}
	}
	return s.do(ctx, "add", dn, func(c ldapclient.Conn) error { return c.Add(req) })
}

func (s *store) modify(ctx context.Context, req *ldap.ModifyRequest) error {
	if req == nil || len(req.Changes) == 0 {
		return nil
	}
	return s.do(ctx, "modify", req.DN, func(c ldapclient.Conn) error { return c.Modify(req) })
}

// move renames dn to newRDN below newParentDN. An empty newParentDN keeps the
// current parent.
func (s *store) move(ctx context.Context, dn, newRDN, newParentDN string) error {
	req := ldap.NewModifyDNRequest(dn, newRDN, true, newParentDN)
	return s.do(ctx, "modifydn", dn, func(c ldapclient.Conn) error { return c.ModifyDN(req) })
}

// remove deletes dn and reports whether it existed.
func (s *store) remove(ctx context.Context, dn string) (bool, error) {
	err := s.do(ctx, "delete", dn, func(c ldapclient.Conn) error { return c.Del(ldap.NewDelRequest(dn, nil)) })
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *store) do(ctx context.Context, op, dn string, fn func(ldapclient.Conn) error) error {
	return ldapclient.Classify(op, dn, s.client.WithConn(ctx, fn))
}

// diff builds a modify request that turns current into desired for the
// managed attributes. Attributes outside managed are left alone.
func diff(current *ldap.Entry, desired map[string][]string, managed []string) *ldap.ModifyRequest {
	req := ldap.NewModifyRequest(current.DN, nil)
	for _, name := range managed {
		want := desired[name]
		have := current.GetAttributeValues(name)
		switch {
		case len(want) == 0 && len(have) > 0:
			req.Delete(name, nil)
		case len(want) > 0 && !sameSet(want, have):
			req.Replace(name, want)
		}
	}
	return req
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[strings.ToLower(v)]++
	}
	for _, v := range b {
		k := strings.ToLower(v)
		if seen[k] == 0 {
			return false
		}
		seen[k]--
	}
	return true
}

func single(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}

// parentDN strips the first RDN of dn, honouring backslash escapes.
func parentDN(dn string) string {
	for i := 0; i < len(dn); i++ {
		switch dn[i] {
		case '\\':
			i++
		case ',':
			return strings.TrimSpace(dn[i+1:])
		}
	}
	return ""
}

func sameDN(a, b string) bool {
	pa, errA := ldap.ParseDN(a)
	pb, errB := ldap.ParseDN(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	return pa.EqualFold(pb)
}
