// Package ldaptest provides an in-memory directory server implementing
// ldapclient.Client for tests. It keeps a DN tree, evaluates search filters
// and answers with the same result codes as a real server.
package ldaptest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/and161185/dirsync/internal/ldapclient"
	"github.com/go-ldap/ldap/v3"
)

type attr struct {
	name string
	vals []string
}

type entry struct {
	dn    string
	rdns  []string // normalized RDNs, innermost first
	attrs map[string]*attr
}

func (e *entry) values(name string) []string {
	if a, ok := e.attrs[strings.ToLower(name)]; ok {
		return a.vals
	}
	return nil
}

func (e *entry) toLDAP(want []string) *ldap.Entry {
	out := &ldap.Entry{DN: e.dn}
	names := make([]string, 0, len(e.attrs))
	for k := range e.attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		a := e.attrs[k]
		if !wanted(want, a.name) {
			continue
		}
		out.Attributes = append(out.Attributes, ldap.NewEntryAttribute(a.name, append([]string(nil), a.vals...)))
	}
	return out
}

func wanted(list []string, name string) bool {
	if len(list) == 0 {
		return true
	}
	for _, w := range list {
		if w == "*" || strings.EqualFold(w, name) {
			return true
		}
	}
	return false
}

// Directory is a concurrency-safe in-memory DN tree.
type Directory struct {
	mu      sync.Mutex
	base    []string
	entries map[string]*entry
	down    bool
	faults  map[string]error
	ops     []string
}

var _ ldapclient.Client = (*Directory)(nil)

// New returns a directory whose root entry is baseDN.
func New(baseDN string) *Directory {
	d := &Directory{entries: map[string]*entry{}, faults: map[string]error{}}
	rdns, err := normalize(baseDN)
	if err != nil {
		panic(err)
	}
	d.base = rdns
	d.entries[key(rdns)] = &entry{dn: baseDN, rdns: rdns, attrs: map[string]*attr{
		"objectclass": {name: "objectClass", vals: []string{"top", "domain"}},
	}}
	return d
}

func normalize(dn string) ([]string, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(parsed.RDNs))
	for i, rdn := range parsed.RDNs {
		parts := make([]string, len(rdn.Attributes))
		for j, a := range rdn.Attributes {
			parts[j] = strings.ToLower(a.Type) + "=" + strings.ToLower(a.Value)
		}
		sort.Strings(parts)
		out[i] = strings.Join(parts, "+")
	}
	return out, nil
}

func key(rdns []string) string { return strings.Join(rdns, "\x00") }

func isUnder(rdns, base []string, scope int) bool {
	if len(rdns) < len(base) {
		return false
	}
	if key(rdns[len(rdns)-len(base):]) != key(base) {
		return false
	}
	switch scope {
	case ldap.ScopeBaseObject:
		return len(rdns) == len(base)
	case ldap.ScopeSingleLevel:
		return len(rdns) == len(base)+1
	default:
		return true
	}
}

func ldapErr(code uint16, format string, args ...any) error {
	return ldap.NewError(code, fmt.Errorf(format, args...))
}

// SetDown makes every request fail as if the server were unreachable.
func (d *Directory) SetDown(down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = down
}

// FailOn makes op ("add", "modify", "modifydn", "delete", "search", "bind")
// against dn fail with err until cleared with a nil err.
func (d *Directory) FailOn(op, dn string, err error) {
	rdns, perr := normalize(dn)
	if perr != nil {
		panic(perr)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	k := op + "|" + key(rdns)
	if err == nil {
		delete(d.faults, k)
		return
	}
	d.faults[k] = err
}

func (d *Directory) fault(op string, rdns []string) error {
	if d.down {
		return ldapErr(ldap.ErrorNetwork, "connection refused")
	}
	return d.faults[op+"|"+key(rdns)]
}

func (d *Directory) record(op, dn string) { d.ops = append(d.ops, op+" "+dn) }

// Ops returns the write operations performed so far as "op dn" strings.
func (d *Directory) Ops() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ops...)
}

// ResetOps clears the recorded operations.
func (d *Directory) ResetOps() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = nil
}

// Seed inserts an entry without any checks. Attribute names keep their case.
func (d *Directory) Seed(dn string, attrs map[string][]string) {
	rdns, err := normalize(dn)
	if err != nil {
		panic(err)
	}
	e := &entry{dn: dn, rdns: rdns, attrs: map[string]*attr{}}
	for name, vals := range attrs {
		e.attrs[strings.ToLower(name)] = &attr{name: name, vals: append([]string(nil), vals...)}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key(rdns)] = e
}

// Get returns a copy of the entry at dn.
func (d *Directory) Get(dn string) (map[string][]string, bool) {
	rdns, err := normalize(dn)
	if err != nil {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key(rdns)]
	if !ok {
		return nil, false
	}
	out := make(map[string][]string, len(e.attrs))
	for _, a := range e.attrs {
		out[a.name] = append([]string(nil), a.vals...)
	}
	return out, true
}

// Has reports whether dn exists.
func (d *Directory) Has(dn string) bool {
	_, ok := d.Get(dn)
	return ok
}

// DNs lists all entry DNs in sorted order.
func (d *Directory) DNs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.dn)
	}
	sort.Strings(out)
	return out
}

// WithConn implements ldapclient.Client.
func (d *Directory) WithConn(ctx context.Context, fn func(ldapclient.Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	down := d.down
	d.mu.Unlock()
	if down {
		return ldapclient.Classify("connect", "ldap://memory", ldapErr(ldap.ErrorNetwork, "connection refused"))
	}
	return fn(&conn{d: d})
}

// Bind implements ldapclient.Client. It compares userPassword verbatim.
func (d *Directory) Bind(ctx context.Context, dn, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ldapclient.Classify("bind", dn, (&conn{d: d}).Bind(dn, password))
}

type conn struct {
	d      *Directory
	closed bool
}

func (c *conn) Close() error    { c.closed = true; return nil }
func (c *conn) IsClosing() bool { return c.closed }

func (c *conn) Bind(dn, password string) error {
	rdns, err := normalize(dn)
	if err != nil {
		return ldapErr(ldap.LDAPResultInvalidDNSyntax, "%v", err)
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if err := c.d.fault("bind", rdns); err != nil {
		return err
	}
	e, ok := c.d.entries[key(rdns)]
	if !ok || password == "" {
		return ldapErr(ldap.LDAPResultInvalidCredentials, "invalid credentials")
	}
	for _, pw := range e.values("userPassword") {
		if pw == password {
			return nil
		}
	}
	return ldapErr(ldap.LDAPResultInvalidCredentials, "invalid credentials")
}

func (c *conn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	base, err := normalize(req.BaseDN)
	if err != nil {
		return nil, ldapErr(ldap.LDAPResultInvalidDNSyntax, "%v", err)
	}
	f, err := parseFilter(req.Filter)
	if err != nil {
		return nil, ldapErr(ldap.ErrorFilterCompile, "%v", err)
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if err := c.d.fault("search", base); err != nil {
		return nil, err
	}
	if _, ok := c.d.entries[key(base)]; !ok {
		return nil, ldapErr(ldap.LDAPResultNoSuchObject, "no such object: %s", req.BaseDN)
	}
	var hits []*entry
	for _, e := range c.d.entries {
		if isUnder(e.rdns, base, req.Scope) && f.match(e) {
			hits = append(hits, e)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].dn < hits[j].dn })
	res := &ldap.SearchResult{}
	for _, e := range hits {
		res.Entries = append(res.Entries, e.toLDAP(req.Attributes))
	}
	if req.SizeLimit > 0 && len(res.Entries) > req.SizeLimit {
		res.Entries = res.Entries[:req.SizeLimit]
	}
	return res, nil
}

func (c *conn) parentExists(rdns []string) bool {
	if len(rdns) <= len(c.d.base) {
		return true
	}
	_, ok := c.d.entries[key(rdns[1:])]
	return ok
}

func (c *conn) Add(req *ldap.AddRequest) error {
	rdns, err := normalize(req.DN)
	if err != nil {
		return ldapErr(ldap.LDAPResultInvalidDNSyntax, "%v", err)
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if err := c.d.fault("add", rdns); err != nil {
		return err
	}
	if _, ok := c.d.entries[key(rdns)]; ok {
		return ldapErr(ldap.LDAPResultEntryAlreadyExists, "already exists: %s", req.DN)
	}
	if !c.parentExists(rdns) {
		return ldapErr(ldap.LDAPResultNoSuchObject, "parent of %s does not exist", req.DN)
	}
	e := &entry{dn: req.DN, rdns: rdns, attrs: map[string]*attr{}}
	for _, a := range req.Attributes {
		if len(a.Vals) == 0 {
			continue
		}
		e.attrs[strings.ToLower(a.Type)] = &attr{name: a.Type, vals: append([]string(nil), a.Vals...)}
	}
	if len(e.values("objectClass")) == 0 {
		return ldapErr(ldap.LDAPResultObjectClassViolation, "no objectClass for %s", req.DN)
	}
	c.d.entries[key(rdns)] = e
	c.d.record("add", req.DN)
	return nil
}

func (c *conn) Modify(req *ldap.ModifyRequest) error {
	rdns, err := normalize(req.DN)
	if err != nil {
		return ldapErr(ldap.LDAPResultInvalidDNSyntax, "%v", err)
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if err := c.d.fault("modify", rdns); err != nil {
		return err
	}
	e, ok := c.d.entries[key(rdns)]
	if !ok {
		return ldapErr(ldap.LDAPResultNoSuchObject, "no such object: %s", req.DN)
	}
	next := make(map[string]*attr, len(e.attrs))
	for k, a := range e.attrs {
		next[k] = &attr{name: a.name, vals: append([]string(nil), a.vals...)}
	}
	for _, ch := range req.Changes {
		name := ch.Modification.Type
		k := strings.ToLower(name)
		vals := ch.Modification.Vals
		switch ch.Operation {
		case ldap.AddAttribute:
			a, ok := next[k]
			if !ok {
				a = &attr{name: name}
				next[k] = a
			}
			for _, v := range vals {
				if containsFold(a.vals, v) {
					return ldapErr(ldap.LDAPResultAttributeOrValueExists, "%s already has %q", name, v)
				}
				a.vals = append(a.vals, v)
			}
		case ldap.DeleteAttribute:
			a, ok := next[k]
			if !ok {
				return ldapErr(ldap.LDAPResultNoSuchAttribute, "no attribute %s", name)
			}
			if len(vals) == 0 {
				delete(next, k)
				continue
			}
			kept := a.vals[:0]
			for _, v := range a.vals {
				if !containsFold(vals, v) {
					kept = append(kept, v)
				}
			}
			a.vals = kept
			if len(a.vals) == 0 {
				delete(next, k)
			}
		case ldap.ReplaceAttribute:
			if len(vals) == 0 {
				delete(next, k)
				continue
			}
			next[k] = &attr{name: name, vals: append([]string(nil), vals...)}
		default:
			return ldapErr(ldap.LDAPResultUnwillingToPerform, "unsupported modify operation %d", ch.Operation)
		}
	}
	e.attrs = next
	c.d.record("modify", req.DN)
	return nil
}

func (c *conn) ModifyDN(req *ldap.ModifyDNRequest) error {
	rdns, err := normalize(req.DN)
	if err != nil {
		return ldapErr(ldap.LDAPResultInvalidDNSyntax, "%v", err)
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if err := c.d.fault("modifydn", rdns); err != nil {
		return err
	}
	e, ok := c.d.entries[key(rdns)]
	if !ok {
		return ldapErr(ldap.LDAPResultNoSuchObject, "no such object: %s", req.DN)
	}

	parentDN := req.NewSuperior
	if parentDN == "" {
		parentDN = parentOf(req.DN)
	}
	newDN := req.NewRDN + "," + parentDN
	newRDNs, err := normalize(newDN)
	if err != nil {
		return ldapErr(ldap.LDAPResultInvalidDNSyntax, "%v", err)
	}
	if _, exists := c.d.entries[key(newRDNs)]; exists {
		return ldapErr(ldap.LDAPResultEntryAlreadyExists, "already exists: %s", newDN)
	}
	if !c.parentExists(newRDNs) {
		return ldapErr(ldap.LDAPResultNoSuchObject, "new superior %s does not exist", parentDN)
	}

	oldRDN, _ := ldap.ParseDN(req.DN)
	newRDN, _ := ldap.ParseDN(req.NewRDN)
	if req.DeleteOldRDN {
		for _, a := range oldRDN.RDNs[0].Attributes {
			if ea, ok := e.attrs[strings.ToLower(a.Type)]; ok {
				ea.vals = removeFold(ea.vals, a.Value)
				if len(ea.vals) == 0 {
					delete(e.attrs, strings.ToLower(a.Type))
				}
			}
		}
	}
	for _, a := range newRDN.RDNs[0].Attributes {
		k := strings.ToLower(a.Type)
		ea, ok := e.attrs[k]
		if !ok {
			ea = &attr{name: a.Type}
			e.attrs[k] = ea
		}
		if !containsFold(ea.vals, a.Value) {
			ea.vals = append(ea.vals, a.Value)
		}
	}

	// Re-key the entry and its subtree.
	depth := len(rdns)
	var moved []*entry
	for k, child := range c.d.entries {
		if isUnder(child.rdns, rdns, ldap.ScopeWholeSubtree) {
			delete(c.d.entries, k)
			moved = append(moved, child)
		}
	}
	for _, child := range moved {
		prefix := child.rdns[:len(child.rdns)-depth]
		child.rdns = append(append([]string(nil), prefix...), newRDNs...)
		if child == e {
			child.dn = newDN
		} else {
			child.dn = child.dn[:len(child.dn)-len(req.DN)] + newDN
		}
		c.d.entries[key(child.rdns)] = child
	}
	c.d.record("modifydn", req.DN+" -> "+newDN)
	return nil
}

func (c *conn) Del(req *ldap.DelRequest) error {
	rdns, err := normalize(req.DN)
	if err != nil {
		return ldapErr(ldap.LDAPResultInvalidDNSyntax, "%v", err)
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if err := c.d.fault("delete", rdns); err != nil {
		return err
	}
	if _, ok := c.d.entries[key(rdns)]; !ok {
		return ldapErr(ldap.LDAPResultNoSuchObject, "no such object: %s", req.DN)
	}
	for _, other := range c.d.entries {
		if isUnder(other.rdns, rdns, ldap.ScopeSingleLevel) {
			return ldapErr(ldap.LDAPResultNotAllowedOnNonLeaf, "%s has children", req.DN)
		}
	}
	delete(c.d.entries, key(rdns))
	c.d.record("delete", req.DN)
	return nil
}

// parentOf strips the first RDN, honouring backslash escapes.
func parentOf(dn string) string {
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

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func removeFold(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if !strings.EqualFold(s, v) {
			out = append(out, s)
		}
	}
	return out
}

// ErrInjected is a convenient error for FailOn.
var ErrInjected = ldap.NewError(ldap.LDAPResultOther, errors.New("injected failure"))
