// Package cache provides short-TTL memoization of venue reads on the
// shared store, keeping read volume far below upstream rate limits, and
// a change detector that flags vaults whose yield moved against a
// rolling baseline.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/yield-autopilot/internal/kv"
)

// Cache memoizes JSON-encoded venue reads with a short TTL (minutes).
type Cache struct {
	store kv.Store
	ttl   time.Duration
}

// New builds a cache with the given entry TTL.
func New(store kv.Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

// VenueKey keys venue-wide reads by (venue, asset).
func VenueKey(venue, asset string) string {
	return fmt.Sprintf("cache:venue:%s:%s", venue, asset)
}

// AccountKey keys account-scoped reads by (account, venue).
func AccountKey(account common.Address, venue string) string {
	return fmt.Sprintf("cache:account:%s:%s", account.Hex(), venue)
}

// Get unmarshals a cached value into out, reporting whether it was found.
func (c *Cache) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, err := c.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		// A corrupted entry behaves like a miss; the caller refreshes it.
		return false, nil
	}
	return true, nil
}

// Set stores a JSON-encoded value under the cache TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return c.store.Set(ctx, key, string(raw), c.ttl)
}

// Remember returns the cached value at key or, on a miss, invokes load,
// stores its result and unmarshals it into out. Upstream unavailability
// degrades to the stale path in the caller, not a hard failure here.
func (c *Cache) Remember(ctx context.Context, key string, out interface{}, load func(ctx context.Context) (interface{}, error)) error {
	hit, err := c.Get(ctx, key, out)
	if err != nil {
		return err
	}
	if hit {
		return nil
	}

	fresh, err := load(ctx)
	if err != nil {
		return err
	}
	if err := c.Set(ctx, key, fresh); err != nil {
		return err
	}
	raw, err := json.Marshal(fresh)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Invalidate drops cached entries.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	return c.store.Del(ctx, keys...)
}
