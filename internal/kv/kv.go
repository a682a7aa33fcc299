// Package kv defines a small key-value store contract shared by the lock,
// rate limiter, cache and persistence layers. Components depend on this
// interface only and never know which backend is active.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Member is one sorted-set entry with its score.
type Member struct {
	Member string
	Score  float64
}

// Store is the backend contract. The Redis implementation is the production
// backend; the in-memory implementation mirrors its semantics for tests.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes the value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes only if the key is absent, returning whether it was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// DelIfEquals deletes the key only if its current value matches,
	// atomically. Returns whether a deletion happened.
	DelIfEquals(ctx context.Context, key, value string) (bool, error)

	// Del removes the given keys.
	Del(ctx context.Context, keys ...string) error

	// Expire refreshes the key's TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ZAdd adds a scored member to a sorted set.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRemRangeByScore removes members with scores in [min, max].
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// ZCount counts members with scores in [min, max].
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)

	// ZRangeWithScores returns members by rank, ascending by score.
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error)

	// SAdd adds members to a set.
	SAdd(ctx context.Context, key string, members ...string) error

	// SIsMember reports set membership.
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// SRem removes members from a set.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers lists all members of a set.
	SMembers(ctx context.Context, key string) ([]string, error)

	// LPush prepends a value to a list.
	LPush(ctx context.Context, key, value string) error

	// LRange returns list entries in [start, stop]; -1 means the last entry.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}
