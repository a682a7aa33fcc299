package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-autopilot/internal/kv"
)

var testAccount = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestManager_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := NewManager(kv.NewMemory())

	lease, err := m.Acquire(ctx, testAccount, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	_, err = m.Acquire(ctx, testAccount, time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	// A different account is unaffected.
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	otherLease, err := m.Acquire(ctx, other, time.Minute)
	require.NoError(t, err)
	otherLease.Release(ctx)

	lease.Release(ctx)

	// Released lock can be re-acquired.
	lease2, err := m.Acquire(ctx, testAccount, time.Minute)
	require.NoError(t, err)
	lease2.Release(ctx)
}

func TestManager_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	m := NewManager(kv.NewMemory())

	const callers = 16
	var wg sync.WaitGroup
	acquired := make(chan *Lease, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lease, err := m.Acquire(ctx, testAccount, time.Minute); err == nil {
				acquired <- lease
			}
		}()
	}
	wg.Wait()
	close(acquired)

	assert.Len(t, acquired, 1, "exactly one caller must win the lock")
}

func TestManager_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := kv.NewMemory().WithClock(func() time.Time { return now })
	m := NewManager(store)

	_, err := m.Acquire(ctx, testAccount, time.Minute)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, testAccount, time.Minute)
	require.ErrorIs(t, err, ErrAlreadyLocked)

	// Holder crashes; after the TTL a new acquire succeeds without release.
	now = now.Add(2 * time.Minute)
	lease, err := m.Acquire(ctx, testAccount, time.Minute)
	require.NoError(t, err)
	lease.Release(ctx)
}

func TestLease_ReleaseTokenMismatch(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := kv.NewMemory().WithClock(func() time.Time { return now })
	m := NewManager(store)

	stale, err := m.Acquire(ctx, testAccount, time.Minute)
	require.NoError(t, err)

	// Stale holder's lock expires and a newer holder takes over.
	now = now.Add(2 * time.Minute)
	fresh, err := m.Acquire(ctx, testAccount, time.Minute)
	require.NoError(t, err)

	// The expired holder's release must not touch the new holder's lock.
	stale.Release(ctx)
	_, err = m.Acquire(ctx, testAccount, time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyLocked, "new holder's lock must survive a stale release")

	fresh.Release(ctx)
}

func TestManager_WithLock(t *testing.T) {
	ctx := context.Background()
	m := NewManager(kv.NewMemory())

	ran := false
	err := m.WithLock(ctx, testAccount, time.Minute, func(ctx context.Context) error {
		ran = true
		// The lock is held inside fn.
		_, err := m.Acquire(ctx, testAccount, time.Minute)
		assert.ErrorIs(t, err, ErrAlreadyLocked)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// Released after fn returns.
	lease, err := m.Acquire(ctx, testAccount, time.Minute)
	require.NoError(t, err)
	lease.Release(ctx)
}

func TestManager_WithLockReleasesOnError(t *testing.T) {
	ctx := context.Background()
	m := NewManager(kv.NewMemory())

	boom := errors.New("boom")
	err := m.WithLock(ctx, testAccount, time.Minute, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	lease, err := m.Acquire(ctx, testAccount, time.Minute)
	require.NoError(t, err, "lock must be released after fn fails")
	lease.Release(ctx)
}

func TestManager_WithLockReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	m := NewManager(kv.NewMemory())

	func() {
		defer func() { _ = recover() }()
		_ = m.WithLock(ctx, testAccount, time.Minute, func(ctx context.Context) error {
			panic("mid-execution crash")
		})
	}()

	lease, err := m.Acquire(ctx, testAccount, time.Minute)
	require.NoError(t, err, "lock must be released even when fn panics")
	lease.Release(ctx)
}
