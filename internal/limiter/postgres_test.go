package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newLimiter(t *testing.T, p Policy) (*PG, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	l := NewPG(mock, p)
	l.now = func() time.Time { return fixedNow }
	return l, mock
}

func TestAllow_NoRow_Allows(t *testing.T) {
	l, mock := newLimiter(t, DefaultPolicy)
	defer mock.Close()
	src := HashSource("10.0.0.1")

	mock.ExpectQuery(`SELECT blocked_until FROM auth_limiter`).
		WithArgs("u", src).
		WillReturnError(pgx.ErrNoRows)

	ok, dur, err := l.Allow(context.Background(), "u", src)
	if err != nil || !ok || dur != 0 {
		t.Fatalf("Allow no-row: ok=%v dur=%v err=%v", ok, dur, err)
	}
}

func TestAllow_BlockedUntilFuture(t *testing.T) {
	l, mock := newLimiter(t, DefaultPolicy)
	defer mock.Close()

	mock.ExpectQuery(`SELECT blocked_until FROM auth_limiter`).
		WithArgs("u", []byte("h")).
		WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(fixedNow.Add(10 * time.Minute)))

	ok, dur, err := l.Allow(context.Background(), "u", []byte("h"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 10*time.Minute, dur)
}

func TestAllow_PastBlock_Allows(t *testing.T) {
	l, mock := newLimiter(t, DefaultPolicy)
	defer mock.Close()

	mock.ExpectQuery(`SELECT blocked_until FROM auth_limiter`).
		WithArgs("u", []byte("h")).
		WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(fixedNow.Add(-time.Minute)))

	ok, _, err := l.Allow(context.Background(), "u", []byte("h"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAllow_DBError_Propagates(t *testing.T) {
	l, mock := newLimiter(t, DefaultPolicy)
	defer mock.Close()

	mock.ExpectQuery(`SELECT blocked_until FROM auth_limiter`).
		WithArgs("u", []byte("h")).
		WillReturnError(errors.New("db boom"))

	ok, _, err := l.Allow(context.Background(), "u", []byte("h"))
	if err == nil || ok {
		t.Fatalf("want error propagate, got ok=%v err=%v", ok, err)
	}
}

func TestSuccess_Resets(t *testing.T) {
	l, mock := newLimiter(t, DefaultPolicy)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO auth_limiter`).
		WithArgs("u", []byte("h")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, l.Success(context.Background(), "u", []byte("h")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailure_BelowThreshold_NoBlock(t *testing.T) {
	p := Policy{Window: 5 * time.Minute, MaxFailures: 3, BlockFor: 10 * time.Minute}
	l, mock := newLimiter(t, p)
	defer mock.Close()

	mock.ExpectQuery(`RETURNING fail_count`).
		WithArgs("u", []byte("h"), p.Window).
		WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(2))

	blocked, dur, err := l.Failure(context.Background(), "u", []byte("h"))
	require.NoError(t, err)
	require.False(t, blocked)
	require.Zero(t, dur)
}

func TestFailure_BlocksAtThreshold(t *testing.T) {
	p := Policy{Window: 5 * time.Minute, MaxFailures: 3, BlockFor: 10 * time.Minute}
	l, mock := newLimiter(t, p)
	defer mock.Close()

	mock.ExpectQuery(`RETURNING fail_count`).
		WithArgs("u", []byte("h"), p.Window).
		WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(3))
	mock.ExpectExec(`UPDATE auth_limiter SET blocked_until=\$3`).
		WithArgs("u", []byte("h"), fixedNow.Add(p.BlockFor)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	blocked, dur, err := l.Failure(context.Background(), "u", []byte("h"))
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, 10*time.Minute, dur)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPG_DefaultsZeroPolicy(t *testing.T) {
	l := NewPG(nil, Policy{})
	require.Equal(t, DefaultPolicy, l.policy)
}

func TestHashSource_Determinism(t *testing.T) {
	a := HashSource("1.2.3.4:123")
	b := HashSource("1.2.3.4:123")
	c := HashSource("5.6.7.8:321")
	if string(a) != string(b) || string(a) == string(c) || len(a) != 32 {
		t.Fatalf("hash mismatch/len: %d", len(a))
	}
}

func TestNoop(t *testing.T) {
	var l Limiter = Noop{}
	ok, _, err := l.Allow(context.Background(), "u", nil)
	require.NoError(t, err)
	require.True(t, ok)
	blocked, _, err := l.Failure(context.Background(), "u", nil)
	require.NoError(t, err)
	require.False(t, blocked)
}
