package lockmgr

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/congressops/planloom/internal/perr"
	"github.com/congressops/planloom/internal/repo"
	"github.com/stretchr/testify/require"
)

func tempManager(t *testing.T) *Manager {
	t.Helper()
	m, _ := tempManagerWithRepo(t)
	return m
}

func tempManagerWithRepo(t *testing.T) (*Manager, *repo.SQLiteRepository) {
	t.Helper()
	ctx := context.Background()
	r, err := repo.Open(ctx, filepath.Join(t.TempDir(), "lock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return New(r, 15*time.Minute, nil), r
}

func TestAcquireThenLockedByOtherFails(t *testing.T) {
	m := tempManager(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := m.Acquire(ctx, "p1", "t1", "alice", 0, now)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "p1", "t1", "bob", 0, now.Add(time.Minute))
	var conflict *perr.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, perr.ConflictLockedByOther, conflict.Kind)
}

func TestAcquireRenewsForSameHolder(t *testing.T) {
	m := tempManager(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := m.Acquire(ctx, "p1", "t1", "alice", 0, now)
	require.NoError(t, err)

	lock, err := m.Acquire(ctx, "p1", "t1", "alice", 0, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "alice", lock.Holder)
	require.Equal(t, now.Add(time.Minute), lock.AcquiredAt)
}

func TestReleaseByNonHolderFails(t *testing.T) {
	m := tempManager(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := m.Acquire(ctx, "p1", "t1", "alice", 0, now)
	require.NoError(t, err)

	err = m.Release(ctx, "p1", "t1", "bob", now)
	var conflict *perr.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, perr.ConflictNotHolder, conflict.Kind)
}

func TestExpiredLockIsLazilyCleared(t *testing.T) {
	m := tempManager(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := m.Acquire(ctx, "p1", "t1", "alice", time.Minute, now)
	require.NoError(t, err)

	_, held, err := m.Get(ctx, "p1", "t1", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, held)

	// A new holder can now acquire cleanly since expiry was lazily applied.
	lock, err := m.Acquire(ctx, "p1", "t1", "bob", 0, now.Add(3*time.Minute))
	require.NoError(t, err)
	require.Equal(t, "bob", lock.Holder)
}

func TestAcquireAndReleaseAppendAuditEntries(t *testing.T) {
	m, r := tempManagerWithRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := m.Acquire(ctx, "p1", "t1", "alice", 0, now)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "p1", "t1", "alice", now.Add(time.Minute)))

	entries, err := r.ListAuditEntries(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "AcquireLock", entries[0].Action)
	require.Equal(t, "alice", entries[0].Actor)
	require.Equal(t, "t1", entries[0].TargetID)
	require.Equal(t, "ReleaseLock", entries[1].Action)
}

func TestCheckMutationAllowedHonorsHolderAndAbsence(t *testing.T) {
	m := tempManager(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.CheckMutationAllowed(ctx, "p1", "t1", "alice", now))

	_, err := m.Acquire(ctx, "p1", "t1", "alice", 0, now)
	require.NoError(t, err)

	require.NoError(t, m.CheckMutationAllowed(ctx, "p1", "t1", "alice", now))

	err = m.CheckMutationAllowed(ctx, "p1", "t1", "bob", now)
	var conflict *perr.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, perr.ConflictLockedByOther, conflict.Kind)
}
