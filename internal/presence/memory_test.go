package presence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryTabsKeepUserOnline(t *testing.T) {
	ctx := context.Background()
	store := NewMemory("solo")

	var changes []Change
	require.NoError(t, store.Subscribe(ctx, func(c Change) { changes = append(changes, c) }))

	const tabs = 3
	for i := 0; i < tabs; i++ {
		require.NoError(t, store.MarkOnline(ctx, "u1"))
	}
	for i := 0; i < tabs-1; i++ {
		still, err := store.MarkOfflineIfLast(ctx, "u1", false)
		require.NoError(t, err)
		require.True(t, still)
	}
	users, err := store.ListOnline(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, users)

	still, err := store.MarkOfflineIfLast(ctx, "u1", true)
	require.NoError(t, err)
	require.False(t, still)
	users, err = store.ListOnline(ctx)
	require.NoError(t, err)
	require.Empty(t, users)

	require.Len(t, changes, 2, "only transitions are published")
	require.True(t, changes[0].Online)
	require.Equal(t, []string{"u1"}, changes[0].Users)
	require.False(t, changes[1].Online)
	require.Empty(t, changes[1].Users)
	require.Less(t, changes[0].Seq, changes[1].Seq)
}

func TestMemoryRejectsEmptyUser(t *testing.T) {
	store := NewMemory("solo")
	require.ErrorIs(t, store.MarkOnline(context.Background(), " "), ErrInvalidUser)
}

func TestMemorySubscriptionEndsWithContext(t *testing.T) {
	store := NewMemory("solo")
	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan Change, 4)
	require.NoError(t, store.Subscribe(ctx, func(c Change) { calls <- c }))
	cancel()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.subs) == 0
	}, timeout, tick)

	require.NoError(t, store.MarkOnline(context.Background(), "u2"))
	require.Empty(t, calls)
}

func TestMemoryClosed(t *testing.T) {
	store := NewMemory("solo")
	require.NoError(t, store.Close())
	require.ErrorIs(t, store.MarkOnline(context.Background(), "u"), ErrClosed)
}
