// Package lock provides per-account mutual exclusion across process
// instances, backed by the shared store's atomic check-and-set with TTL.
// A coordinator that dies mid-execution never wedges the account: the
// lock self-expires.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-autopilot/internal/kv"
)

// ErrAlreadyLocked signals that another holder owns the account lock.
// Callers report "already in progress" rather than an execution failure.
var ErrAlreadyLocked = errors.New("lock: account already locked")

// Manager acquires and releases account locks on the shared store.
type Manager struct {
	store kv.Store
}

// NewManager builds a lock manager on the injected store.
func NewManager(store kv.Store) *Manager {
	return &Manager{store: store}
}

// Lease is a held lock. Only the lease that acquired the lock can
// release it; a slow, expired holder cannot release a newer holder's lock.
type Lease struct {
	manager *Manager
	key     string
	token   string
}

// Token exposes the opaque holder token, mainly for diagnostics.
func (l *Lease) Token() string { return l.token }

func lockKey(account common.Address) string {
	return "lock:account:" + account.Hex()
}

// Acquire attempts to take the account lock for ttl. It never retries in
// a loop; a busy lock returns ErrAlreadyLocked immediately.
func (m *Manager) Acquire(ctx context.Context, account common.Address, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	key := lockKey(account)

	acquired, err := m.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock for %s: %w", account.Hex(), err)
	}
	if !acquired {
		return nil, ErrAlreadyLocked
	}

	logrus.WithFields(logrus.Fields{
		"account": account.Hex(),
		"ttl":     ttl,
	}).Debug("Account lock acquired")

	return &Lease{manager: m, key: key, token: token}, nil
}

// Release deletes the lock only if this lease's token still matches the
// stored one. Releasing an expired or stolen lease is a no-op.
func (l *Lease) Release(ctx context.Context) {
	released, err := l.manager.store.DelIfEquals(ctx, l.key, l.token)
	if err != nil {
		// The TTL bounds the damage if release fails; log and move on.
		logrus.Warnf("Failed to release lock %s: %v", l.key, err)
		return
	}
	if !released {
		logrus.Debugf("Lock %s already expired or held by a newer owner", l.key)
	}
}

// WithLock runs fn while holding the account lock and guarantees release
// on every exit path, including panics. A busy lock surfaces as
// ErrAlreadyLocked without invoking fn.
func (m *Manager) WithLock(ctx context.Context, account common.Address, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := m.Acquire(ctx, account, ttl)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)
	return fn(ctx)
}
