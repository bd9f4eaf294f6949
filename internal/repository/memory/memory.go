// Package memory implements the repositories in process memory. It backs
// development servers started without a database and tests of the layers
// above the store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/model"
	"github.com/and161185/dirsync/internal/repository"
)

// Store holds accounts and groups behind one lock.
type Store struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[int64]model.Account
	groups   map[int64]model.Group
}

// New returns an empty store.
func New() *Store {
	return &Store{accounts: map[int64]model.Account{}, groups: map[int64]model.Group{}}
}

// Accounts returns the account repository view of s.
func (s *Store) Accounts() repository.AccountRepository { return accountRepo{s} }

// Groups returns the group repository view of s.
func (s *Store) Groups() repository.GroupRepository { return groupRepo{s} }

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

type accountRepo struct{ s *Store }

func (r accountRepo) usernameTaken(name string, except int64) bool {
	for id, a := range r.s.accounts {
		if id != except && strings.EqualFold(a.Username, name) {
			return true
		}
	}
	return false
}

func (r accountRepo) Create(_ context.Context, a *model.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.usernameTaken(a.Username, 0) {
		return errs.ErrAlreadyExists
	}
	a.ID = r.s.id()
	a.CreatedAt = time.Now()
	r.s.accounts[a.ID] = clone(*a)
	return nil
}

func (r accountRepo) Update(_ context.Context, a *model.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.accounts[a.ID]
	if !ok {
		return errs.ErrNotFound
	}
	if r.usernameTaken(a.Username, a.ID) {
		return errs.ErrAlreadyExists
	}
	next := clone(*a)
	next.PwdHash, next.SaltAuth, next.LastPasswordChange = cur.PwdHash, cur.SaltAuth, cur.LastPasswordChange
	next.CreatedAt = cur.CreatedAt
	r.s.accounts[a.ID] = next
	return nil
}

func (r accountRepo) GetByID(_ context.Context, id int64) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	a = clone(a)
	return &a, nil
}

func (r accountRepo) GetByUsername(_ context.Context, username string) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if strings.EqualFold(a.Username, username) {
			a = clone(a)
			return &a, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r accountRepo) List(context.Context) ([]model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.Account, 0, len(r.s.accounts))
	for _, a := range r.s.accounts {
		out = append(out, clone(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r accountRepo) SetPassword(_ context.Context, id int64, hash, salt []byte) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return errs.ErrNotFound
	}
	a.PwdHash = append([]byte(nil), hash...)
	a.SaltAuth = append([]byte(nil), salt...)
	a.LastPasswordChange = time.Now()
	r.s.accounts[id] = a
	return nil
}

func (r accountRepo) MarkDeleted(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return errs.ErrNotFound
	}
	a.Deleted = true
	r.s.accounts[id] = a
	return nil
}

func clone(a model.Account) model.Account {
	a.PwdHash = append([]byte(nil), a.PwdHash...)
	a.SaltAuth = append([]byte(nil), a.SaltAuth...)
	return a
}

type groupRepo struct{ s *Store }

func (r groupRepo) nameTaken(name string, except int64) bool {
	for id, g := range r.s.groups {
		if id != except && strings.EqualFold(g.Name, name) {
			return true
		}
	}
	return false
}

func cloneGroup(g model.Group) model.Group {
	g.MemberIDs = append([]int64(nil), g.MemberIDs...)
	return g
}

func (r groupRepo) Create(_ context.Context, g *model.Group) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.nameTaken(g.Name, 0) {
		return errs.ErrAlreadyExists
	}
	g.ID = r.s.id()
	g.CreatedAt = time.Now()
	r.s.groups[g.ID] = cloneGroup(*g)
	return nil
}

func (r groupRepo) Update(_ context.Context, g *model.Group) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.groups[g.ID]
	if !ok {
		return errs.ErrNotFound
	}
	if r.nameTaken(g.Name, g.ID) {
		return errs.ErrAlreadyExists
	}
	next := cloneGroup(*g)
	next.CreatedAt = cur.CreatedAt
	r.s.groups[g.ID] = next
	return nil
}

func (r groupRepo) GetByName(_ context.Context, name string) (*model.Group, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, g := range r.s.groups {
		if strings.EqualFold(g.Name, name) {
			g = cloneGroup(g)
			return &g, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r groupRepo) List(context.Context) ([]model.Group, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.Group, 0, len(r.s.groups))
	for _, g := range r.s.groups {
		out = append(out, cloneGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r groupRepo) MarkDeleted(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.groups[id]
	if !ok {
		return errs.ErrNotFound
	}
	g.Deleted = true
	r.s.groups[id] = g
	return nil
}
