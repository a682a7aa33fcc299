package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_GetSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestMemory_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemory().WithClock(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))

	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound, "key should expire after TTL")
}

func TestMemory_SetNX(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemory().WithClock(func() time.Time { return now })

	set, err := m.SetNX(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, set)

	set, err = m.SetNX(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, set, "second SetNX on a live key must fail")

	// After expiry the key is free again.
	now = now.Add(2 * time.Minute)
	set, err = m.SetNX(ctx, "k", "third", time.Minute)
	require.NoError(t, err)
	assert.True(t, set)
}

func TestMemory_DelIfEquals(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "k", "token-a", 0))

	deleted, err := m.DelIfEquals(ctx, "k", "token-b")
	require.NoError(t, err)
	assert.False(t, deleted, "mismatched value must not delete")

	deleted, err = m.DelIfEquals(ctx, "k", "token-a")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_SortedSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.ZAdd(ctx, "w", 3, "c"))
	require.NoError(t, m.ZAdd(ctx, "w", 1, "a"))
	require.NoError(t, m.ZAdd(ctx, "w", 2, "b"))

	n, err := m.ZCount(ctx, "w", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	members, err := m.ZRangeWithScores(ctx, "w", 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "a", members[0].Member)
	assert.Equal(t, "c", members[2].Member)

	require.NoError(t, m.ZRemRangeByScore(ctx, "w", 0, 2))
	n, err = m.ZCount(ctx, "w", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemory_SetOps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SAdd(ctx, "s", "x", "y"))

	ok, err := m.SIsMember(ctx, "s", "x")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SIsMember(ctx, "s", "z")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SRem(ctx, "s", "x"))
	members, err := m.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, members)
}

func TestMemory_List(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.LPush(ctx, "l", "first"))
	require.NoError(t, m.LPush(ctx, "l", "second"))

	entries, err := m.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "first"}, entries, "LPush prepends")
}
