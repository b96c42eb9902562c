package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqd/taskqd/internal/store"
	"github.com/taskqd/taskqd/pkg/database"
	"github.com/taskqd/taskqd/pkg/testutil"
)

// TestPostgresRoundTrip exercises the schema upgrade and the row lifecycle
// against a real PostgreSQL instance. Skipped in short mode and when no
// container runtime is available.
func TestPostgresRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	db, err := container.Connect(ctx)
	require.NoError(t, err)

	st := store.New(database.Wrap(db, testutil.SilentLogger()), testutil.SilentLogger())
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.EnsureSchema(ctx))
	// A second run is a no-op: the upgrade is additive.
	require.NoError(t, st.EnsureSchema(ctx))

	require.NoError(t, st.EnsureAdministrator(ctx, "root", "hash", 1))
	require.NoError(t, st.EnsureAdministrator(ctx, "root", "other-hash", 1))

	users := st.Users(ctx, nil)
	require.Len(t, users, 1)
	assert.Equal(t, "root", users[0].Name)
	assert.Equal(t, "hash", users[0].Password, "second bootstrap must not overwrite")

	// Settings round trip with a modify.
	settingID := st.AddSetting(ctx, &store.SettingRow{Key: "KeepTasks", Value: "0"})
	require.Positive(t, settingID)
	require.True(t, st.ModifySetting(ctx, settingID, store.Partial{"value": "1000"}))
	row := st.SettingByID(ctx, settingID)
	require.NotNil(t, row)
	assert.Equal(t, "1000", row.Value)

	// Task lifecycle: insert pending, record start and end, prune.
	taskID := st.AddTask(ctx, &store.TaskRow{
		UserID:    users[0].ID,
		Command:   "sleep",
		Arguments: "10",
		Limits:    "0\n0\n0\n0\n0",
	})
	require.Positive(t, taskID)

	unfinished := st.Tasks(ctx, &store.Condition{Expr: "end_time IS NULL"})
	require.Len(t, unfinished, 1)

	started := time.Now().Add(-2 * time.Hour).UTC()
	ended := started.Add(time.Hour)
	require.True(t, st.ModifyTask(ctx, taskID, store.Partial{"start_time": started, "end_time": ended}))

	pruned, err := st.RemoveTasksBefore(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
	assert.Empty(t, st.Tasks(ctx, nil))

	// Token expiry pruning.
	tokenID := st.AddToken(ctx, &store.TokenRow{
		Token:      "tok-1",
		UserName:   "root",
		ValidUntil: time.Now().Add(-time.Minute),
	})
	require.Positive(t, tokenID)
	removed, err := st.RemoveExpiredTokens(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
