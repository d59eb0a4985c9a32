package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/JonMunkholm/serialcheck/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	store, err := Open(ctx, filepath.Join(t.TempDir(), "serialcheck.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestDSN(t *testing.T) {
	for _, in := range []string{"/tmp/x.db", "file:/tmp/x.db", "sqlite:///tmp/x.db", "/tmp/x.db?mode=rw"} {
		got := dsn(in)
		assert.Contains(t, got, "file:/tmp/x.db?", in)
		assert.Contains(t, got, "_txlock=immediate", in)
	}
}

func TestSQLite_ImportAndLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx, err := store.BeginImport(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Clear(ctx))
	require.NoError(t, tx.InsertRange(ctx, core.RangeEntry{
		Reference: "R1",
		StartCode: "AAA0000001",
		EndCode:   "AAA0000100",
		IssuedOn:  time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, tx.InsertBlacklist(ctx, core.BlacklistEntry{Code: "AAA0000050"}))

	err = tx.InsertBlacklist(ctx, core.BlacklistEntry{Code: "AAA0000050"})
	assert.True(t, errors.Is(err, core.ErrRowRejected), "duplicate: %v", err)
	err = tx.InsertRange(ctx, core.RangeEntry{StartCode: "B9", EndCode: "B1"})
	assert.True(t, errors.Is(err, core.ErrRowRejected), "inverted: %v", err)

	require.NoError(t, tx.InsertRange(ctx, core.RangeEntry{StartCode: "AAA0000050", EndCode: "AAA0000200"}))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.DatasetStats{Ranges: 2, Blacklist: 1}, stats)

	for code, want := range map[string]int{
		"AAA0000001": 1,
		"AAA0000100": 2,
		"AAA0000150": 1,
		"AAA0000201": 0,
		"AAA0000000": 0,
	} {
		n, err := store.CountRangesContaining(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, want, n, code)
	}

	hit, err := store.IsBlacklisted(ctx, "AAA0000050")
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = store.IsBlacklisted(ctx, "AAA0000051")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestSQLite_RollbackKeepsDataset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx, err := store.BeginImport(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertRange(ctx, core.RangeEntry{StartCode: "A1", EndCode: "A9"}))
	require.NoError(t, tx.Commit(ctx))

	tx, err = store.BeginImport(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Clear(ctx))

	// WAL readers keep seeing the committed dataset.
	n, err := store.CountRangesContaining(ctx, "A5")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, tx.Rollback(ctx))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ranges)
}

func TestSQLite_LookupsSeeOldDatasetUntilCommit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx, err := store.BeginImport(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertRange(ctx, core.RangeEntry{StartCode: "A1", EndCode: "A9"}))
	require.NoError(t, tx.InsertBlacklist(ctx, core.BlacklistEntry{Code: "A5"}))
	require.NoError(t, tx.Commit(ctx))

	tx, err = store.BeginImport(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Clear(ctx))
	require.NoError(t, tx.InsertRange(ctx, core.RangeEntry{StartCode: "B1", EndCode: "B9"}))

	n, err := store.CountRangesContaining(ctx, "A5")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.CountRangesContaining(ctx, "B5")
	require.NoError(t, err)
	assert.Zero(t, n)
	hit, err := store.IsBlacklisted(ctx, "A5")
	require.NoError(t, err)
	assert.True(t, hit)

	require.NoError(t, tx.Commit(ctx))

	n, err = store.CountRangesContaining(ctx, "A5")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = store.CountRangesContaining(ctx, "B5")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	hit, err = store.IsBlacklisted(ctx, "A5")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRetryOnBusy(t *testing.T) {
	busy := errors.New("database is locked (5) (SQLITE_BUSY)")
	ctx := context.Background()

	t.Run("recovers", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(ctx, func() error {
			calls++
			if calls < 3 {
				return busy
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(ctx, func() error {
			calls++
			return busy
		})
		assert.ErrorIs(t, err, busy)
		assert.Equal(t, busyRetryAttempts, calls)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		calls := 0
		other := errors.New("no such table: ranges")
		err := retryOnBusy(ctx, func() error {
			calls++
			return other
		})
		assert.ErrorIs(t, err, other)
		assert.Equal(t, 1, calls)
	})
}

func TestSQLite_Audit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, st := range []core.Status{core.StatusNotFound, core.StatusSuccess, core.StatusFailure} {
		require.NoError(t, store.InsertAudit(ctx, core.AuditRecord{
			Sender:       "+15550100",
			RawMessage:   "msg",
			ResponseText: "text",
			Status:       st,
			ReceivedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	recent, err := store.RecentAudit(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, core.StatusFailure, recent[0].Status)
	assert.Equal(t, core.StatusSuccess, recent[1].Status)
	assert.True(t, recent[0].ReceivedAt.Equal(base.Add(2*time.Second)))

	counts, err := store.AuditCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCounts{
		core.StatusSuccess:  1,
		core.StatusFailure:  1,
		core.StatusNotFound: 1,
	}, counts)

	err = store.InsertAudit(ctx, core.AuditRecord{Status: "bogus", ReceivedAt: base})
	assert.True(t, errors.Is(err, core.ErrRowRejected))
}

func TestSQLite_ClosedStoreIsUnavailable(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())

	_, err := store.IsBlacklisted(context.Background(), "A1")
	assert.True(t, errors.Is(err, core.ErrStoreUnavailable))
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}
