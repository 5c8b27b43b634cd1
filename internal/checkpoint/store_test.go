package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_LoadMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Load(context.Background(), "acme", "run-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_SaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cp := validV2()

	require.NoError(t, store.Save(ctx, "acme", "run-1", cp, cp.CommittedRecords, cp.CommittedBytes))

	got, err := store.Load(ctx, "acme", "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cp, *got)
}

func TestSQLiteStore_SaveReplacesSnapshotWholesale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := validV2()
	require.NoError(t, store.Save(ctx, "acme", "run-1", first, first.CommittedRecords, first.CommittedBytes))

	second := first
	second.CommittedRecords = 200
	second.CommittedBytes = 9000
	second.LastSuccessfulID = "gid://shopify/Product/5"
	require.NoError(t, store.Save(ctx, "acme", "run-1", second, second.CommittedRecords, second.CommittedBytes))

	got, err := store.Load(ctx, "acme", "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second, *got)
}

func TestSQLiteStore_ProgressCountersAreMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cp := validV2()

	require.NoError(t, store.Save(ctx, "acme", "run-1", cp, 100, 4096))
	// A replayed save with lower counters must not move progress backward.
	require.NoError(t, store.Save(ctx, "acme", "run-1", cp, 40, 1000))

	runs, err := store.List(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(100), runs[0].RecordsProcessed)
	assert.Equal(t, int64(4096), runs[0].BytesProcessed)
}

func TestSQLiteStore_RunsAreIsolatedByTenantAndRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cp := validV2()

	require.NoError(t, store.Save(ctx, "acme", "run-1", cp, 1, 1))
	require.NoError(t, store.Save(ctx, "acme", "run-2", cp, 2, 2))
	require.NoError(t, store.Save(ctx, "globex", "run-1", cp, 3, 3))

	runs, err := store.List(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	got, err := store.Load(ctx, "globex", "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
}
