package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/model"
)

func TestAccounts_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	r := s.Accounts()

	a := &model.Account{Username: "ann"}
	require.NoError(t, r.Create(ctx, a))
	require.Equal(t, int64(1), a.ID)
	require.ErrorIs(t, r.Create(ctx, &model.Account{Username: "ANN"}), errs.ErrAlreadyExists)

	require.NoError(t, r.SetPassword(ctx, a.ID, []byte("h"), []byte("s")))
	a.FirstName = "Ann"
	require.NoError(t, r.Update(ctx, a))

	got, err := r.GetByUsername(ctx, "Ann")
	require.NoError(t, err)
	require.Equal(t, "Ann", got.FirstName)
	require.True(t, got.HasLocalPassword(), "Update must not clear the credential")

	require.NoError(t, r.MarkDeleted(ctx, a.ID))
	got, err = r.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, got.Deleted)

	_, err = r.GetByID(ctx, 99)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.ErrorIs(t, r.Update(ctx, &model.Account{ID: 99}), errs.ErrNotFound)
}

func TestGroups_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	r := s.Groups()

	g := &model.Group{Name: "devs", MemberIDs: []int64{1, 2}}
	require.NoError(t, r.Create(ctx, g))
	g.MemberIDs[0] = 9

	got, err := r.GetByName(ctx, "DEVS")
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, got.MemberIDs)

	got.MemberIDs = []int64{3}
	require.NoError(t, r.Update(ctx, got))
	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, list[0].MemberIDs)

	require.NoError(t, r.MarkDeleted(ctx, got.ID))
	require.ErrorIs(t, r.MarkDeleted(ctx, 42), errs.ErrNotFound)
}
