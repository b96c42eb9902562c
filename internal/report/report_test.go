package report_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskqd/taskqd/internal/report"
	"github.com/taskqd/taskqd/internal/store"
	"github.com/taskqd/taskqd/internal/user"
	"github.com/taskqd/taskqd/pkg/sysinfo"
	"github.com/taskqd/taskqd/pkg/testutil"
)

var testHost = sysinfo.Host{CPUCount: 4, MemoryBytes: 8 * 1024 * 1024 * 1024}

const taskColumns = "SELECT _id, user_id, command, arguments, working_directory, uid, gid, nice, limits, start_time, end_time FROM tasks"
const userColumns = "SELECT _id, name, email, password, permissions, priority, limits, last_login FROM users"

func newReporter(t *testing.T) (*report.Reporter, *testutil.MockDB) {
	mock := testutil.NewMockDB(t)
	st := store.New(mock.DB, testutil.SilentLogger())
	return report.New(st, testHost, testutil.SilentLogger()), mock
}

func taskRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"_id", "user_id", "command", "arguments", "working_directory",
		"uid", "gid", "nice", "limits", "start_time", "end_time",
	})
}

func TestPerformance_AggregatesPerUser(t *testing.T) {
	r, mock := newReporter(t)
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	start := from.Add(time.Hour)
	end10 := start.Add(10 * time.Second)
	end20 := start.Add(20 * time.Second)

	mock.ExpectQuery(taskColumns+" WHERE (start_time > $1 OR start_time IS NULL) AND (end_time < $2 AND end_time IS NOT NULL) ORDER BY _id").
		WithArgs(from, to).
		WillReturnRows(taskRows().
			AddRow(1, 7, "a", "", "/tmp", 1, 1, 0, "2\n0\n0\n0\n0", start, end10).
			AddRow(2, 7, "b", "", "/tmp", 1, 1, 0, "0\n0\n1024\n0\n0", start, end20).
			AddRow(3, 3, "c", "", "/tmp", 1, 1, 0, "1\n0\n0\n0\n0", start, end10))

	mock.ExpectQuery(userColumns + " ORDER BY _id").
		WillReturnRows(sqlmock.NewRows([]string{"_id", "name", "email", "password", "permissions", "priority", "limits", "last_login"}).
			AddRow(3, "carol", "carol@example.com", "x", 4, 10, "0\n0\n0\n0\n0", nil).
			AddRow(7, "dave", "dave@example.com", "x", 4, 10, "0\n0\n0\n0\n0", nil))

	rows := r.Performance(context.Background(), from, to)
	require.Len(t, rows, 2)

	// sorted by user id ascending
	assert.Equal(t, int64(3), rows[0].UserID)
	assert.Equal(t, "carol", rows[0].User)
	assert.Equal(t, int64(1), rows[0].Count)
	assert.Equal(t, 10.0, rows[0].CPU) // 1 cpu x 10s

	assert.Equal(t, int64(7), rows[1].UserID)
	assert.Equal(t, "dave@example.com", rows[1].Email)
	assert.Equal(t, int64(2), rows[1].Count)
	// 2 cpus x 10s, then the zero limit claims all 4 host cpus for 20s
	assert.Equal(t, 2*10.0+4*20.0, rows[1].CPU)
	// zero memory claims the host total for 10s, then 1024 bytes for 20s
	assert.Equal(t, float64(testHost.MemoryBytes)*10+1024*20, rows[1].Memory)

	mock.AssertExpectations(t)
}

func TestPerformance_EmptyWindow(t *testing.T) {
	r, mock := newReporter(t)
	from, to := time.Now().Add(-time.Hour), time.Now()

	mock.ExpectQuery(taskColumns + " WHERE").
		WillReturnRows(taskRows())

	assert.Empty(t, r.Performance(context.Background(), from, to))
	mock.AssertExpectations(t)
}

func TestTasks_FiltersByUser(t *testing.T) {
	r, mock := newReporter(t)
	from, to := time.Unix(0, 0).UTC(), time.Now()

	mock.ExpectQuery(taskColumns+" WHERE user_id = $1 AND (start_time > $2 OR start_time IS NULL) AND (end_time < $3 OR end_time IS NULL) ORDER BY _id").
		WithArgs(int64(7), from, to).
		WillReturnRows(taskRows().
			AddRow(1, 7, "a", "", "/tmp", 1, 1, 0, "0\n0\n0\n0\n0", nil, nil))

	rows := r.Tasks(context.Background(), 7, from, to)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(7), rows[0].UserID)
	mock.AssertExpectations(t)
}

func TestUsers_PermissionAnyBitMatch(t *testing.T) {
	r, mock := newReporter(t)

	userRows := sqlmock.NewRows([]string{"_id", "name", "email", "password", "permissions", "priority", "limits", "last_login"}).
		AddRow(1, "admin", "", "x", int64(user.Admin), 0, "0\n0\n0\n0\n0", nil).
		AddRow(2, "worker", "", "x", int64(user.Job), 0, "0\n0\n0\n0\n0", nil).
		AddRow(3, "both", "", "x", int64(user.Job|user.Reports), 0, "0\n0\n0\n0\n0", nil)

	mock.ExpectQuery(userColumns + " ORDER BY _id").WillReturnRows(userRows)

	rows := r.Users(context.Background(), time.Time{}, user.Job|user.Reports)
	require.Len(t, rows, 2)
	assert.Equal(t, "worker", rows[0].Name)
	assert.Equal(t, "both", rows[1].Name)
	mock.AssertExpectations(t)
}

func TestUsers_LastLoggedWindowAndInvalidPermission(t *testing.T) {
	r, mock := newReporter(t)
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(userColumns+" WHERE last_login > $1 ORDER BY _id").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"_id", "name", "email", "password", "permissions", "priority", "limits", "last_login"}).
			AddRow(1, "admin", "", "x", int64(user.Admin), 0, "0\n0\n0\n0\n0", since.Add(time.Hour)))

	rows := r.Users(context.Background(), since, user.Invalid)
	require.Len(t, rows, 1)
	assert.Equal(t, "admin", rows[0].Name)
	mock.AssertExpectations(t)
}
