package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

var groupCols = []string{"id", "name", "description", "gid_number", "deleted", "local_only", "created_at", "members"}

func TestGroupRepo_Create_WithMembers(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGroupRepo(db)
	gid := 5000
	g := &model.Group{Name: "devs", GIDNumber: &gid, MemberIDs: []int64{1, 2}}
	gid32 := int32(gid)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO groups`).
		WithArgs("devs", "", &gid32, false).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(11), time.Unix(5, 0)))
	mock.ExpectExec(`INSERT INTO group_members`).
		WithArgs(int64(11), []int64{1, 2}).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	require.NoError(t, r.Create(context.Background(), g))
	require.Equal(t, int64(11), g.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRepo_Create_Duplicate_RollsBack(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGroupRepo(db)
	g := &model.Group{Name: "devs"}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO groups`).
		WithArgs("devs", "", (*int32)(nil), false).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	require.ErrorIs(t, r.Create(context.Background(), g), errs.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRepo_Update_ReplacesMembers(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGroupRepo(db)
	g := &model.Group{ID: 3, Name: "ops", MemberIDs: []int64{4}}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE groups SET name=\$2`).
		WithArgs(int64(3), "ops", "", (*int32)(nil), false, false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM group_members WHERE group_id=\$1`).
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`INSERT INTO group_members`).
		WithArgs(int64(3), []int64{4}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Update(context.Background(), g))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRepo_Update_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGroupRepo(db)
	g := &model.Group{ID: 3, Name: "ops"}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE groups SET name=\$2`).
		WithArgs(int64(3), "ops", "", (*int32)(nil), false, false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	require.ErrorIs(t, r.Update(context.Background(), g), errs.ErrNotFound)
}

func TestGroupRepo_Update_BeginFails(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGroupRepo(db)

	mock.ExpectBegin().WillReturnError(errors.New("boom"))
	require.Error(t, r.Update(context.Background(), &model.Group{ID: 1}))
}

func TestGroupRepo_GetByName(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGroupRepo(db)
	gid := int32(42)

	mock.ExpectQuery(`WHERE g.name=\$1`).
		WithArgs("devs").
		WillReturnRows(pgxmock.NewRows(groupCols).
			AddRow(int64(1), "devs", "d", &gid, false, false, time.Unix(1, 0), []int64{7, 8}))
	g, err := r.GetByName(context.Background(), "devs")
	require.NoError(t, err)
	require.Equal(t, []int64{7, 8}, g.MemberIDs)
	require.NotNil(t, g.GIDNumber)
	require.Equal(t, 42, *g.GIDNumber)

	mock.ExpectQuery(`WHERE g.name=\$1`).
		WithArgs("none").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetByName(context.Background(), "none")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGroupRepo_List_MarkDeleted(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGroupRepo(db)

	mock.ExpectQuery(`ORDER BY g.id`).
		WillReturnRows(pgxmock.NewRows(groupCols).
			AddRow(int64(1), "a", "", (*int32)(nil), false, false, time.Unix(1, 0), []int64{}).
			AddRow(int64(2), "b", "", (*int32)(nil), true, false, time.Unix(1, 0), []int64{1}))
	out, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Nil(t, out[0].GIDNumber)
	require.False(t, out[1].IsLive())

	mock.ExpectExec(`UPDATE groups SET deleted=true WHERE id=\$1`).
		WithArgs(int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.MarkDeleted(context.Background(), 2))
}
