package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/model"
	"github.com/jackc/pgx/v5"
)

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

const accountColumns = `id, username, first_name, last_name, email, organization, description,
deactivated, restricted, local_only, deleted, ldap_values, pwd_hash, salt_auth, last_password_change, created_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var (
		a          model.Account
		lastChange *time.Time
	)
	err := row.Scan(&a.ID, &a.Username, &a.FirstName, &a.LastName, &a.Email, &a.Organization, &a.Description,
		&a.Deactivated, &a.Restricted, &a.LocalOnly, &a.Deleted, &a.LDAPValues, &a.PwdHash, &a.SaltAuth,
		&lastChange, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastChange != nil {
		a.LastPasswordChange = *lastChange
	}
	return &a, nil
}

// Create inserts a new account row.
func (r *AccountRepo) Create(ctx context.Context, a *model.Account) error {
	const q = `
INSERT INTO accounts (username, first_name, last_name, email, organization, description,
  deactivated, restricted, local_only, ldap_values, pwd_hash, salt_auth)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING id, created_at`
	err := r.db.Pool.QueryRow(ctx, q, a.Username, a.FirstName, a.LastName, a.Email, a.Organization, a.Description,
		a.Deactivated, a.Restricted, a.LocalOnly, a.LDAPValues, a.PwdHash, a.SaltAuth).Scan(&a.ID, &a.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Update overwrites the mutable columns of an account.
func (r *AccountRepo) Update(ctx context.Context, a *model.Account) error {
	const q = `
UPDATE accounts
SET username=$2, first_name=$3, last_name=$4, email=$5, organization=$6, description=$7,
  deactivated=$8, restricted=$9, local_only=$10, deleted=$11, ldap_values=$12
WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, a.ID, a.Username, a.FirstName, a.LastName, a.Email, a.Organization,
		a.Description, a.Deactivated, a.Restricted, a.LocalOnly, a.Deleted, a.LDAPValues)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// GetByID selects an account by ID.
func (r *AccountRepo) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id=$1`
	a, err := scanAccount(r.db.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return a, err
}

// GetByUsername selects an account by username.
func (r *AccountRepo) GetByUsername(ctx context.Context, username string) (*model.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE username=$1`
	a, err := scanAccount(r.db.Pool.QueryRow(ctx, q, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return a, err
}

// List returns every account ordered by ID.
func (r *AccountRepo) List(ctx context.Context) ([]model.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts ORDER BY id`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SetPassword stores a new local credential and stamps the change time.
func (r *AccountRepo) SetPassword(ctx context.Context, id int64, hash, salt []byte) error {
	const q = `UPDATE accounts SET pwd_hash=$2, salt_auth=$3, last_password_change=now() WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, hash, salt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// MarkDeleted sets the tombstone flag.
func (r *AccountRepo) MarkDeleted(ctx context.Context, id int64) error {
	const q = `UPDATE accounts SET deleted=true WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
