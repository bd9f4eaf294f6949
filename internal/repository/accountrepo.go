// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/dirsync/internal/model"
)

// AccountRepository provides access to the authoritative account records.
type AccountRepository interface {
	// Create inserts a new account and fills its ID and CreatedAt.
	Create(ctx context.Context, a *model.Account) error
	// Update overwrites the mutable fields of an existing account.
	Update(ctx context.Context, a *model.Account) error
	// GetByID loads an account by ID.
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	// GetByUsername loads an account by username, soft-deleted ones included.
	GetByUsername(ctx context.Context, username string) (*model.Account, error)
	// List returns all accounts including soft-deleted ones.
	List(ctx context.Context) ([]model.Account, error)
	// SetPassword stores a new local credential.
	SetPassword(ctx context.Context, id int64, hash, salt []byte) error
	// MarkDeleted soft-deletes an account.
	MarkDeleted(ctx context.Context, id int64) error
}
