package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskqd/taskqd/internal/store"
	"github.com/taskqd/taskqd/pkg/testutil"
)

func newStore(t *testing.T) (*store.Store, *testutil.MockDB) {
	mockDB := testutil.NewMockDB(t)
	t.Cleanup(func() { mockDB.Close() })
	return store.New(mockDB.DB, testutil.SilentLogger()), mockDB
}

func TestUsers_ConditionWithNamedParams(t *testing.T) {
	ctx := context.Background()
	st, mockDB := newStore(t)

	rows := sqlmock.NewRows([]string{"_id", "name", "email", "password", "permissions", "priority", "limits", "last_login"}).
		AddRow(int64(1), "root", "root@host", "hash", int64(1), int64(0), "0\n0\n0\n0\n0", nil)

	mockDB.Mock.ExpectQuery("SELECT .+ FROM users WHERE name = .+ ORDER BY _id").
		WithArgs("root").
		WillReturnRows(rows)

	got := st.Users(ctx, &store.Condition{
		Expr: "name = :name",
		Args: map[string]any{"name": "root"},
	})

	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, "root", got[0].Name)
	assert.Nil(t, got[0].LastLogin)
	mockDB.AssertExpectations(t)
}

func TestUsers_BackendErrorYieldsEmptyList(t *testing.T) {
	ctx := context.Background()
	st, mockDB := newStore(t)

	mockDB.Mock.ExpectQuery("SELECT .+ FROM users").
		WillReturnError(errors.New("connection reset"))

	got := st.Users(ctx, nil)
	assert.Empty(t, got)
}

func TestAddTask_ReturnsNewID(t *testing.T) {
	ctx := context.Background()
	st, mockDB := newStore(t)

	mockDB.ExpectQuery("INSERT INTO tasks").
		WillReturnRows(sqlmock.NewRows([]string{"_id"}).AddRow(int64(42)))

	id := st.AddTask(ctx, &store.TaskRow{
		UserID:  7,
		Command: "/usr/bin/make",
		Nice:    5,
		Limits:  "2\n0\n0\n0\n0",
	})
	assert.Equal(t, int64(42), id)
}

func TestAddTask_FailureReturnsMinusOne(t *testing.T) {
	ctx := context.Background()
	st, mockDB := newStore(t)

	mockDB.ExpectQuery("INSERT INTO tasks").
		WillReturnError(errors.New("disk full"))

	id := st.AddTask(ctx, &store.TaskRow{UserID: 7, Command: "true"})
	assert.Equal(t, int64(-1), id)
}

func TestModifyTask_DropsUnknownColumnsAndID(t *testing.T) {
	ctx := context.Background()
	st, mockDB := newStore(t)

	// only "nice" survives; "_id" and "bogus" are dropped
	mockDB.ExpectExec("UPDATE tasks SET nice = $1 WHERE _id = $2").
		WithArgs(int64(3), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok := st.ModifyTask(ctx, 9, store.Partial{
		"nice":  int64(3),
		"_id":   int64(1234),
		"bogus": "x",
	})
	assert.True(t, ok)
	mockDB.AssertExpectations(t)
}

func TestModifyTask_OnlyUnknownColumnsIsNoop(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)

	// no UPDATE expected
	ok := st.ModifyTask(ctx, 9, store.Partial{"bogus": "x"})
	assert.True(t, ok)
}

func TestModifyUser_StoreFailure(t *testing.T) {
	ctx := context.Background()
	st, mockDB := newStore(t)

	mockDB.ExpectExec("UPDATE users SET permissions = $1 WHERE _id = $2").
		WithArgs(int64(3), int64(1)).
		WillReturnError(errors.New("constraint violation"))

	ok := st.ModifyUser(ctx, 1, store.Partial{"permissions": int64(3)})
	assert.False(t, ok)
}

func TestRemoveTasksBefore(t *testing.T) {
	ctx := context.Background()
	st, mockDB := newStore(t)

	cutoff := time.Now().Add(-time.Hour)
	mockDB.ExpectExec("DELETE FROM tasks WHERE end_time IS NOT NULL AND end_time < $1").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := st.RemoveTasksBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRemoveExpiredTokens(t *testing.T) {
	ctx := context.Background()
	st, mockDB := newStore(t)

	now := time.Now()
	mockDB.ExpectExec("DELETE FROM tokens WHERE valid_until < $1").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := st.RemoveExpiredTokens(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestEnsureAdministrator_InsertsOnFirstRun(t *testing.T) {
	ctx := context.Background()
	st, mockDB := newStore(t)

	mockDB.ExpectQuery("SELECT COUNT(*) FROM users WHERE name = $1").
		WithArgs("root").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mockDB.ExpectExec("INSERT INTO users").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := st.EnsureAdministrator(ctx, "root", "hashedpw", 1)
	require.NoError(t, err)
	mockDB.AssertExpectations(t)
}

func TestEnsureAdministrator_SkipsWhenPresent(t *testing.T) {
	ctx := context.Background()
	st, mockDB := newStore(t)

	mockDB.ExpectQuery("SELECT COUNT(*) FROM users WHERE name = $1").
		WithArgs("root").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := st.EnsureAdministrator(ctx, "root", "hashedpw", 1)
	require.NoError(t, err)
	mockDB.AssertExpectations(t)
}
