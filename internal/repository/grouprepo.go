package repository

import (
	"context"

	"github.com/and161185/dirsync/internal/model"
)

// GroupRepository provides access to groups and their memberships.
type GroupRepository interface {
	// Create inserts a group with its members.
	Create(ctx context.Context, g *model.Group) error
	// Update overwrites a group and replaces its member set.
	Update(ctx context.Context, g *model.Group) error
	// GetByName loads a group with its member IDs.
	GetByName(ctx context.Context, name string) (*model.Group, error)
	// List returns all groups with member IDs, soft-deleted ones included.
	List(ctx context.Context) ([]model.Group, error)
	// MarkDeleted soft-deletes a group.
	MarkDeleted(ctx context.Context, id int64) error
}
