package postgres

import (
	"context"
	"errors"

	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/model"
	"github.com/jackc/pgx/v5"
)

// GroupRepo implements GroupRepository using PostgreSQL.
type GroupRepo struct{ db *DB }

// NewGroupRepo constructs a group repository.
func NewGroupRepo(db *DB) *GroupRepo { return &GroupRepo{db: db} }

const groupSelect = `
SELECT g.id, g.name, g.description, g.gid_number, g.deleted, g.local_only, g.created_at,
  COALESCE(array_agg(m.account_id ORDER BY m.account_id) FILTER (WHERE m.account_id IS NOT NULL), '{}')
FROM groups g
LEFT JOIN group_members m ON m.group_id = g.id`

func scanGroup(row pgx.Row) (*model.Group, error) {
	var (
		g   model.Group
		gid *int32
	)
	if err := row.Scan(&g.ID, &g.Name, &g.Description, &gid, &g.Deleted, &g.LocalOnly, &g.CreatedAt, &g.MemberIDs); err != nil {
		return nil, err
	}
	if gid != nil {
		n := int(*gid)
		g.GIDNumber = &n
	}
	return &g, nil
}

func gidArg(g *model.Group) *int32 {
	if g.GIDNumber == nil {
		return nil
	}
	n := int32(*g.GIDNumber)
	return &n
}

// inTx runs fn in a transaction that is committed when fn succeeds.
func (r *GroupRepo) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()
	return fn(tx)
}

func insertMembers(ctx context.Context, tx pgx.Tx, groupID int64, members []int64) error {
	if len(members) == 0 {
		return nil
	}
	const ins = `INSERT INTO group_members (group_id, account_id) SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING`
	_, err := tx.Exec(ctx, ins, groupID, members)
	return err
}

// Create inserts a group and its memberships.
func (r *GroupRepo) Create(ctx context.Context, g *model.Group) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		const ins = `
INSERT INTO groups (name, description, gid_number, local_only)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`
		err := tx.QueryRow(ctx, ins, g.Name, g.Description, gidArg(g), g.LocalOnly).Scan(&g.ID, &g.CreatedAt)
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		if err != nil {
			return err
		}
		return insertMembers(ctx, tx, g.ID, g.MemberIDs)
	})
}

// Update overwrites a group and replaces its member set.
func (r *GroupRepo) Update(ctx context.Context, g *model.Group) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		const upd = `
UPDATE groups SET name=$2, description=$3, gid_number=$4, deleted=$5, local_only=$6
WHERE id=$1`
		tag, err := tx.Exec(ctx, upd, g.ID, g.Name, g.Description, gidArg(g), g.Deleted, g.LocalOnly)
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM group_members WHERE group_id=$1`, g.ID); err != nil {
			return err
		}
		return insertMembers(ctx, tx, g.ID, g.MemberIDs)
	})
}

// GetByName selects a group by name.
func (r *GroupRepo) GetByName(ctx context.Context, name string) (*model.Group, error) {
	q := groupSelect + `
WHERE g.name=$1
GROUP BY g.id`
	g, err := scanGroup(r.db.Pool.QueryRow(ctx, q, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return g, err
}

// List returns every group ordered by ID.
func (r *GroupRepo) List(ctx context.Context) ([]model.Group, error) {
	q := groupSelect + `
GROUP BY g.id
ORDER BY g.id`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// MarkDeleted sets the tombstone flag.
func (r *GroupRepo) MarkDeleted(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE groups SET deleted=true WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
