package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omnios-bhyve/taskengine/internal/task"
)

// TestStoreLifecycle exercises Create/Get/List/Update/CancelPending/
// CountByStatus against a real PostgreSQL instance, the same
// container-per-test-run shape the host repository uses for its own
// compliance storage integration tests.
func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	container, connStr := setupTestContainer(t, ctx)
	defer container.Terminate(ctx)

	store, err := New(ctx, Config{
		ConnectionString: connStr,
		MigrationsPath:   "file://../../../migrations",
	})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.MigrateToLatest(ctx))

	id, err := store.Create(ctx, task.CreateSpec{
		Operation: "zone_start",
		Target:    "zone-a",
		Priority:  task.PriorityMedium,
		CreatedBy: "integration-test",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)
	require.Equal(t, "zone-a", got.Target)

	tasks, total, err := store.List(ctx, task.ListFilter{Target: "zone-a", IncludeCount: true, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, tasks, 1)

	claimed, ok, err := store.TryClaimNext(ctx, nil, map[string]string{"zone_start": "zone"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, claimed.ID)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Running)

	status, err := store.CancelPending(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.StatusRunning, status)
}
