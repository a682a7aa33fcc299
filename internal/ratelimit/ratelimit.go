// Package ratelimit implements a per-account sliding-window limiter on
// the shared store, bounding how many automated operations may run per
// rolling interval across all process instances.
//
// Failure policy on store unavailability: Check and CheckAndRecord fail
// closed (deny) because they gate financial mutations; GetUsage fails
// open (reports zero) because it is purely informational.
package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-autopilot/internal/kv"
)

// Result is the outcome of a limiter check. Denials are structured
// results with a retry hint, never errors.
type Result struct {
	// Allowed reports whether the operation may proceed
	Allowed bool `json:"allowed"`

	// Remaining is the number of operations left in the current window
	Remaining int64 `json:"remaining"`

	// RetryAfterSeconds hints when the oldest in-window entry will age
	// out; only set on denial
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`

	// Reason explains a denial in user-facing terms
	Reason string `json:"reason,omitempty"`
}

// Limiter throttles operations per account over a rolling window.
type Limiter struct {
	store   kv.Store
	max     int64
	window  time.Duration
	nowFunc func() time.Time
}

// New creates a limiter allowing max operations per window.
func New(store kv.Store, max int64, window time.Duration) *Limiter {
	return &Limiter{
		store:   store,
		max:     max,
		window:  window,
		nowFunc: time.Now,
	}
}

// WithClock overrides the limiter's clock; tests use this to roll the
// window forward without sleeping.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.nowFunc = now
	return l
}

func windowKey(account common.Address) string {
	return "ratelimit:account:" + account.Hex()
}

// effectiveMax folds a per-credential ceiling into the configured
// window maximum. A positive ceiling below the maximum tightens it; it
// can never loosen the configured bound.
func (l *Limiter) effectiveMax(ceiling int64) int64 {
	if ceiling > 0 && ceiling < l.max {
		return ceiling
	}
	return l.max
}

// Check prunes expired entries and reports whether another operation is
// allowed under the smaller of the configured maximum and the caller's
// ceiling (zero ceiling means no extra bound). It never mutates the
// window count.
func (l *Limiter) Check(ctx context.Context, account common.Address, ceiling int64) Result {
	key := windowKey(account)
	now := l.nowFunc()
	cutoff := float64(now.Add(-l.window).UnixMilli())
	max := l.effectiveMax(ceiling)

	if err := l.store.ZRemRangeByScore(ctx, key, 0, cutoff); err != nil {
		logrus.Warnf("Rate limiter prune failed for %s, failing closed: %v", account.Hex(), err)
		return Result{Allowed: false, Reason: "rate limiter unavailable, denying for safety"}
	}

	count, err := l.store.ZCount(ctx, key, cutoff, math.MaxFloat64)
	if err != nil {
		logrus.Warnf("Rate limiter count failed for %s, failing closed: %v", account.Hex(), err)
		return Result{Allowed: false, Reason: "rate limiter unavailable, denying for safety"}
	}

	if count >= max {
		return Result{
			Allowed:           false,
			Remaining:         0,
			RetryAfterSeconds: l.retryAfter(ctx, key, now),
			Reason:            "operation limit reached for the current window",
		}
	}

	return Result{Allowed: true, Remaining: max - count}
}

// Record appends a uniquely-keyed timestamped entry and refreshes the
// key's TTL so an idle account's window eventually disappears.
func (l *Limiter) Record(ctx context.Context, account common.Address) error {
	key := windowKey(account)
	now := l.nowFunc()

	if err := l.store.ZAdd(ctx, key, float64(now.UnixMilli()), uuid.NewString()); err != nil {
		return err
	}
	return l.store.Expire(ctx, key, l.window)
}

// CheckAndRecord combines Check and Record for callers that want
// check-then-record semantics in one call. The entry is recorded only
// when the check allows the operation; a failed record denies the
// operation (fail-closed).
func (l *Limiter) CheckAndRecord(ctx context.Context, account common.Address, ceiling int64) Result {
	res := l.Check(ctx, account, ceiling)
	if !res.Allowed {
		return res
	}
	if err := l.Record(ctx, account); err != nil {
		logrus.Warnf("Rate limiter record failed for %s, failing closed: %v", account.Hex(), err)
		return Result{Allowed: false, Reason: "rate limiter unavailable, denying for safety"}
	}
	res.Remaining--
	return res
}

// GetUsage reports the number of operations recorded in the current
// window. Pure read: it never prunes or mutates, and fails open to zero
// on store errors.
func (l *Limiter) GetUsage(ctx context.Context, account common.Address) int64 {
	now := l.nowFunc()
	cutoff := float64(now.Add(-l.window).UnixMilli())

	count, err := l.store.ZCount(ctx, windowKey(account), cutoff, math.MaxFloat64)
	if err != nil {
		logrus.Warnf("Rate limiter usage read failed for %s: %v", account.Hex(), err)
		return 0
	}
	return count
}

// retryAfter derives the denial hint from the oldest entry still inside
// the window.
func (l *Limiter) retryAfter(ctx context.Context, key string, now time.Time) int64 {
	members, err := l.store.ZRangeWithScores(ctx, key, 0, 0)
	if err != nil || len(members) == 0 {
		return int64(l.window.Seconds())
	}

	oldest := time.UnixMilli(int64(members[0].Score))
	wait := oldest.Add(l.window).Sub(now)
	seconds := int64(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
