package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	tfrequire "github.com/stretchr/testify/require"
	"github.com/taskqd/taskqd/internal/settings"
	"github.com/taskqd/taskqd/internal/store"
	"github.com/taskqd/taskqd/internal/task"
	"github.com/taskqd/taskqd/internal/user"
	apperrors "github.com/taskqd/taskqd/pkg/errors"
	"github.com/taskqd/taskqd/pkg/sysinfo"
	"github.com/taskqd/taskqd/pkg/testutil"
)

const gib = int64(1024 * 1024 * 1024)

func newCore(t *testing.T) (*Core, *testutil.MockDB) {
	mock := testutil.NewMockDB(t)
	st := store.New(mock.DB, testutil.SilentLogger())

	c := New(Options{
		Store:      st,
		Host:       sysinfo.Host{CPUCount: 4, MemoryBytes: 8 * gib},
		CgroupRoot: t.TempDir(),
		Salt:       "s4lt",
		Build:      BuildInfo{Version: "test"},
		Logger:     testutil.SilentLogger(),
	})
	t.Cleanup(c.Shutdown)

	// never spawn real children in tests
	c.sched.SetLauncher(
		func(p *task.Process, _ task.OnExitAction, at time.Time) (func() error, error) {
			p.Task.StartTime = &at
			block := make(chan struct{})
			return func() error { <-block; return nil }, nil
		},
		func(p *task.Process, _ task.OnExitAction) {},
	)
	return c, mock
}

// seedUser registers a user and returns a live token for it.
func seedUser(c *Core, id int64, name string, perms user.Permission, priority int64, lim string) string {
	if lim == "" {
		lim = "0\n0\n0\n0\n0"
	}
	c.users.Add(store.UserRow{
		Name:        name,
		Password:    user.HashPassword("pw", "s4lt"),
		Permissions: int64(perms),
		Priority:    priority,
		Limits:      lim,
	}, id)
	return c.tokens.Register(name, time.Now().Add(time.Hour))
}

func TestAddTask_GateAndClamping(t *testing.T) {
	c, mock := newCore(t)
	worker := seedUser(c, 1, "worker", user.Job, 5, "2\n0\n0\n0\n0")
	reporter := seedUser(c, 2, "reporter", user.Reports, 0, "")

	// no Job permission
	_, err := c.AddTask(context.Background(), reporter, TaskRequest{Command: "true"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInsufficientPermissions))

	// Job permission on another user's behalf needs Admin
	_, err = c.AddTask(context.Background(), worker, TaskRequest{UserID: 2, Command: "true"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInsufficientPermissions))

	// nice is clamped by the owner's priority, cpu by the owner's limit
	mock.ExpectQuery("INSERT INTO tasks").
		WillReturnRows(sqlmock.NewRows([]string{"_id"}).AddRow(10))

	tk, err := c.AddTask(context.Background(), worker, TaskRequest{
		Command: "/bin/sleep",
		Nice:    20,
		Limits:  "3\n0\n1024\n0\n0",
	})
	tfrequire.NoError(t, err)
	assert.Equal(t, int64(10), tk.ID)
	assert.Equal(t, int64(5), tk.Nice)
	assert.Equal(t, int64(2), tk.Limits.CPU)
	assert.Equal(t, int64(1024), tk.Limits.Memory)

	st, found := c.sched.State(10)
	tfrequire.True(t, found)
	assert.Equal(t, task.StateRunning, st)
	mock.AssertExpectations(t)
}

func TestAddTask_StoreFailureLeavesSchedulerUntouched(t *testing.T) {
	c, mock := newCore(t)
	worker := seedUser(c, 1, "worker", user.Job, 0, "")

	mock.ExpectQuery("INSERT INTO tasks").WillReturnError(errors.New("down"))

	_, err := c.AddTask(context.Background(), worker, TaskRequest{Command: "true"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInternal))

	running, pending := c.sched.Counts()
	assert.Zero(t, running)
	assert.Zero(t, pending)
	mock.AssertExpectations(t)
}

func TestAddTask_InvalidToken(t *testing.T) {
	c, _ := newCore(t)
	_, err := c.AddTask(context.Background(), "bogus", TaskRequest{Command: "true"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidToken))
}

func TestAuth_RoundTripPersistsTokenAndLogin(t *testing.T) {
	c, mock := newCore(t)
	seedUser(c, 1, "worker", user.Job, 0, "")

	_, err := c.Auth(context.Background(), "worker", "wrong")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidPassword))

	// login timestamp first, then the token row
	mock.ExpectExec("UPDATE users SET last_login = $1 WHERE _id = $2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO tokens").
		WillReturnRows(sqlmock.NewRows([]string{"_id"}).AddRow(1))

	tok, err := c.Auth(context.Background(), "worker", "pw")
	tfrequire.NoError(t, err)
	tfrequire.NotEmpty(t, tok)

	until, err := c.Authorization(tok)
	tfrequire.NoError(t, err)
	assert.True(t, until.After(time.Now().Add(29*24*time.Hour)))

	u := c.users.ByName("worker")
	tfrequire.NotNil(t, u.LastLogin)
	mock.AssertExpectations(t)
}

func TestSetOption_RollbackOnStoreFailure(t *testing.T) {
	c, mock := newCore(t)
	admin := seedUser(c, 1, "admin", user.Admin, 0, "")

	mock.ExpectQuery("INSERT INTO settings").WillReturnError(errors.New("down"))

	err := c.SetOption(context.Background(), admin, settings.KeepTasks, "1000")
	assert.True(t, apperrors.Is(err, apperrors.ErrInternal))
	// in-memory value unchanged
	assert.Equal(t, "0", c.settings.Get(settings.KeepTasks))
	mock.AssertExpectations(t)
}

func TestSetOption_WriteThroughAndGate(t *testing.T) {
	c, mock := newCore(t)
	admin := seedUser(c, 1, "admin", user.Admin, 0, "")
	worker := seedUser(c, 2, "worker", user.Job, 0, "")

	err := c.SetOption(context.Background(), worker, settings.KeepTasks, "1")
	assert.True(t, apperrors.Is(err, apperrors.ErrInsufficientPermissions))

	mock.ExpectQuery("INSERT INTO settings").
		WillReturnRows(sqlmock.NewRows([]string{"_id"}).AddRow(3))

	tfrequire.NoError(t, c.SetOption(context.Background(), admin, settings.OnExitAction, "1"))
	assert.Equal(t, "1", c.settings.Get(settings.OnExitAction))
	assert.Equal(t, int64(3), c.settings.IDOf(settings.OnExitAction))
	mock.AssertExpectations(t)
}

func TestOption_AdminOnlyKeyGate(t *testing.T) {
	c, _ := newCore(t)
	worker := seedUser(c, 1, "worker", user.Job, 0, "")

	_, err := c.Option(worker, settings.DatabaseInterval)
	assert.True(t, apperrors.Is(err, apperrors.ErrInsufficientPermissions))

	value, err := c.Option(worker, settings.TokenExpiration)
	tfrequire.NoError(t, err)
	assert.Equal(t, "30", value)
}

func TestEditUser_SelfProjectionDropsAdminFields(t *testing.T) {
	c, mock := newCore(t)
	worker := seedUser(c, 1, "worker", user.Job, 0, "")

	// priority and permissions are projected away, email survives
	mock.ExpectExec("UPDATE users SET email = $1 WHERE _id = $2").
		WithArgs("w@example.com", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.EditUser(context.Background(), worker, 1, store.Partial{
		"email":       "w@example.com",
		"priority":    int64(99),
		"permissions": int64(user.SuperAdmin),
	})
	tfrequire.NoError(t, err)

	u := c.users.ByID(1)
	assert.Equal(t, "w@example.com", u.Email)
	assert.Zero(t, u.Priority)
	assert.Equal(t, user.Job, u.Permissions)
	mock.AssertExpectations(t)
}

func TestEditUser_OtherUserNeedsAdmin(t *testing.T) {
	c, _ := newCore(t)
	worker := seedUser(c, 1, "worker", user.Job, 0, "")
	seedUser(c, 2, "victim", user.Job, 0, "")

	err := c.EditUser(context.Background(), worker, 2, store.Partial{"email": "x@example.com"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInsufficientPermissions))
}

func TestEditUser_PasswordIsHashed(t *testing.T) {
	c, mock := newCore(t)
	worker := seedUser(c, 1, "worker", user.Job, 0, "")

	hashed := user.HashPassword("newpw", "s4lt")
	mock.ExpectExec("UPDATE users SET password = $1 WHERE _id = $2").
		WithArgs(hashed, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tfrequire.NoError(t, c.EditUser(context.Background(), worker, 1, store.Partial{"password": "newpw"}))
	assert.Equal(t, hashed, c.users.ByID(1).PasswordHash)
	mock.AssertExpectations(t)
}

func TestEditUserPermission_AddRemove(t *testing.T) {
	c, mock := newCore(t)
	admin := seedUser(c, 1, "admin", user.Admin, 0, "")
	seedUser(c, 2, "worker", user.Job, 0, "")

	mock.ExpectExec("UPDATE users SET permissions = $1 WHERE _id = $2").
		WithArgs(int64(user.Job|user.Reports), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tfrequire.NoError(t, c.EditUserPermission(context.Background(), admin, 2, user.Reports, true))
	assert.Equal(t, user.Job|user.Reports, c.users.ByID(2).Permissions)

	mock.ExpectExec("UPDATE users SET permissions = $1 WHERE _id = $2").
		WithArgs(int64(user.Reports), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tfrequire.NoError(t, c.EditUserPermission(context.Background(), admin, 2, user.Job, false))
	assert.Equal(t, user.Reports, c.users.ByID(2).Permissions)
	mock.AssertExpectations(t)
}

func TestEditUserPermission_RollbackOnStoreFailure(t *testing.T) {
	c, mock := newCore(t)
	admin := seedUser(c, 1, "admin", user.Admin, 0, "")
	seedUser(c, 2, "worker", user.Job, 0, "")

	mock.ExpectExec("UPDATE users SET permissions = $1 WHERE _id = $2").
		WithArgs(int64(user.Job|user.Reports), int64(2)).
		WillReturnError(errors.New("down"))

	err := c.EditUserPermission(context.Background(), admin, 2, user.Reports, true)
	assert.True(t, apperrors.Is(err, apperrors.ErrInternal))

	// the in-memory mask is untouched when the write fails
	assert.Equal(t, user.Job, c.users.ByID(2).Permissions)
	mock.AssertExpectations(t)
}

func TestEditTask_RunningTaskNeedsAdmin(t *testing.T) {
	c, mock := newCore(t)
	worker := seedUser(c, 1, "worker", user.Job, 10, "")
	admin := seedUser(c, 2, "admin", user.Admin|user.SuperAdmin, 0, "")

	mock.ExpectQuery("INSERT INTO tasks").
		WillReturnRows(sqlmock.NewRows([]string{"_id"}).AddRow(5))
	tk, err := c.AddTask(context.Background(), worker, TaskRequest{Command: "/bin/sleep"})
	tfrequire.NoError(t, err)
	tfrequire.Equal(t, task.StateRunning, tk.State())

	taskRow := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"_id", "user_id", "command", "arguments", "working_directory",
			"uid", "gid", "nice", "limits", "start_time", "end_time",
		}).AddRow(5, 1, "/bin/sleep", "", "/tmp", 1, 1, 0, "0\n0\n0\n0\n0", time.Now(), nil)
	}

	// the owner is rejected while the task is running
	mock.ExpectQuery("SELECT _id, user_id,").WillReturnRows(taskRow())
	err = c.EditTask(context.Background(), worker, 5, store.Partial{"nice": int64(1)})
	assert.True(t, apperrors.Is(err, apperrors.ErrInsufficientPermissions))

	// an admin is not
	mock.ExpectQuery("SELECT _id, user_id,").WillReturnRows(taskRow())
	mock.ExpectExec("UPDATE tasks SET nice = $1 WHERE _id = $2").
		WithArgs(int64(1), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	tfrequire.NoError(t, c.EditTask(context.Background(), admin, 5, store.Partial{"nice": int64(1)}))
	mock.AssertExpectations(t)
}

func TestPerformanceReport_FilteredToSelfWithoutReports(t *testing.T) {
	c, mock := newCore(t)
	worker := seedUser(c, 7, "worker", user.Job, 0, "")

	start := time.Now().Add(-time.Hour)
	end := start.Add(10 * time.Second)
	mock.ExpectQuery("SELECT _id, user_id,").
		WillReturnRows(sqlmock.NewRows([]string{
			"_id", "user_id", "command", "arguments", "working_directory",
			"uid", "gid", "nice", "limits", "start_time", "end_time",
		}).
			AddRow(1, 3, "a", "", "/tmp", 1, 1, 0, "1\n0\n0\n0\n0", start, end).
			AddRow(2, 7, "b", "", "/tmp", 1, 1, 0, "1\n0\n0\n0\n0", start, end))
	mock.ExpectQuery("SELECT _id, name,").
		WillReturnRows(sqlmock.NewRows([]string{"_id", "name", "email", "password", "permissions", "priority", "limits", "last_login"}))

	rows, err := c.PerformanceReport(context.Background(), worker, start.Add(-time.Hour), time.Now())
	tfrequire.NoError(t, err)
	tfrequire.Len(t, rows, 1)
	assert.Equal(t, int64(7), rows[0].UserID)
	mock.AssertExpectations(t)
}

func TestPluginLifecycle(t *testing.T) {
	c, mock := newCore(t)
	admin := seedUser(c, 1, "admin", user.Admin|user.SuperAdmin, 0, "")
	worker := seedUser(c, 2, "worker", user.Job, 0, "")

	assert.True(t, apperrors.Is(
		c.AddPlugin(context.Background(), worker, "mail"), apperrors.ErrInsufficientPermissions))

	mock.ExpectQuery("INSERT INTO settings").
		WillReturnRows(sqlmock.NewRows([]string{"_id"}).AddRow(1))
	tfrequire.NoError(t, c.AddPlugin(context.Background(), admin, "mail"))

	names, err := c.Plugins(worker)
	tfrequire.NoError(t, err)
	assert.Equal(t, []string{"mail"}, names)

	// loading twice is rejected before any write
	assert.True(t, apperrors.Is(
		c.AddPlugin(context.Background(), admin, "mail"), apperrors.ErrInvalidArgument))

	mock.ExpectExec("UPDATE settings SET value = $1 WHERE _id = $2").
		WithArgs("", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	tfrequire.NoError(t, c.RemovePlugin(context.Background(), admin, "mail"))

	names, _ = c.Plugins(worker)
	assert.Empty(t, names)
	mock.AssertExpectations(t)
}

func TestStatus(t *testing.T) {
	c, _ := newCore(t)
	worker := seedUser(c, 1, "worker", user.Job, 0, "")

	status, err := c.Status(worker)
	tfrequire.NoError(t, err)
	assert.Equal(t, "test", status.Build.Version)
	assert.Equal(t, 1, status.Users)

	_, err = c.Status("bogus")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidToken))
}
