package neomason

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_Award(t *testing.T) {
	t.Parallel()
	store := setupTestStore(t)
	ledger := NewLedger(store)
	ctx := context.Background()

	score, err := ledger.Award(ctx, "42", "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), score)

	score, err = ledger.Award(ctx, "42", "carol", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), score)
}

func TestLedger_SelfAward(t *testing.T) {
	t.Parallel()
	store := setupTestStore(t)
	ledger := NewLedger(store)
	ctx := context.Background()

	_, err := ledger.Award(ctx, "42", "alice", "alice")
	assert.ErrorIs(t, err, ErrSelfAward)

	score, err := store.Score(ctx, "42", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), score)

	entries, err := ledger.Leaderboard(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLedger_NoTarget(t *testing.T) {
	t.Parallel()
	ledger := NewLedger(failingStore{err: errors.New("should not be called")})

	_, err := ledger.Award(context.Background(), "42", "alice", "")
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestLedger_StorageFailure(t *testing.T) {
	t.Parallel()
	ledger := NewLedger(failingStore{err: errors.New("disk full")})

	_, err := ledger.Award(context.Background(), "42", "alice", "bob")
	var se *StorageError
	assert.ErrorAs(t, err, &se)
}

func TestLedger_Leaderboard(t *testing.T) {
	t.Parallel()
	store := setupTestStore(t)
	ledger := NewLedger(store)
	ctx := context.Background()

	for _, target := range []string{"alice", "bob", "bob"} {
		_, err := ledger.Award(ctx, "42", "granter", target)
		require.NoError(t, err)
	}

	entries, err := ledger.Leaderboard(ctx, "42")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "bob", entries[0].UserID)
	assert.Equal(t, int64(2), entries[0].Score)
	assert.Equal(t, "alice", entries[1].UserID)
	assert.Equal(t, int64(1), entries[1].Score)
}
