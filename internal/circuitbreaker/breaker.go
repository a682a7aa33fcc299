// Package circuitbreaker guards the rebalancing pipeline against
// extreme market readings and erroneous venue data.
package circuitbreaker

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-autopilot/internal/model"
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, no new operations allowed
	StateHalfOpen              // Testing if system has recovered
)

// CircuitBreaker blocks rebalancing when venue readings look abnormal:
// implausible yields, drastic liquidity swings, or too few reporting
// venues to trust an aggregate view.
type CircuitBreaker struct {
	thresholds Thresholds

	state State

	// Timestamp of the last circuit trip
	lastTrip time.Time

	// Duration before auto-reset attempt
	resetDelay time.Duration

	mu sync.RWMutex

	// Last snapshot that passed all checks, kept as a fallback for
	// read paths while the circuit is open.
	lastGood []model.Opportunity

	// Count of consecutive successful checks in HalfOpen state
	successCount int

	// Number of successful checks required to close the circuit
	successThreshold int

	// Event callback for monitoring/alerting
	onTripCallback func(reason string, opportunities []model.Opportunity)
}

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// MaxAPY is the maximum plausible yield rate (e.g., 10.0 for 1000%)
	MaxAPY float64 `json:"max_apy"`

	// MaxLiquidityDrop is the maximum allowed relative change in total
	// reported liquidity between consecutive checks (e.g., 0.5 for 50%)
	MaxLiquidityDrop float64 `json:"max_liquidity_drop"`

	// MinAdapters is the minimum number of distinct reporting venues
	MinAdapters int `json:"min_adapters"`
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       5 * time.Minute,
		successThreshold: 3,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful checks needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a callback function that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string, opportunities []model.Opportunity)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// Check evaluates a fresh opportunity snapshot against the thresholds.
// If the circuit is open, it blocks operations and returns an error.
// If the snapshot violates thresholds, it trips the circuit and returns an error.
func (cb *CircuitBreaker) Check(opportunities []model.Opportunity) error {
	cb.mu.RLock()
	state := cb.state
	lastTripTime := cb.lastTrip
	cb.mu.RUnlock()

	// If circuit is open, check if it's time for a reset attempt
	if state == StateOpen {
		if time.Since(lastTripTime) > cb.resetDelay {
			cb.transitionToHalfOpen()
		} else {
			return errors.New("circuit breaker open: system protection engaged")
		}
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if len(opportunities) == 0 {
		return errors.New("no opportunities provided to circuit breaker")
	}

	if adapters := countProtocols(opportunities); adapters < cb.thresholds.MinAdapters {
		reason := fmt.Sprintf("insufficient venue count: got %d, need %d",
			adapters, cb.thresholds.MinAdapters)
		cb.trip(reason, opportunities)
		return errors.New(reason)
	}

	for _, opp := range opportunities {
		if opp.APY > cb.thresholds.MaxAPY {
			reason := fmt.Sprintf("yield exceeds maximum threshold: %f > %f on %s",
				opp.APY, cb.thresholds.MaxAPY, opp.Vault.Hex())
			cb.trip(reason, opportunities)
			return errors.New(reason)
		}
	}

	// Check for drastic liquidity swings against the last good snapshot
	if len(cb.lastGood) > 0 {
		lastLiquidity := totalLiquidity(cb.lastGood)
		currentLiquidity := totalLiquidity(opportunities)

		// Only check when the previous reading was substantial
		if lastLiquidity > 1.0 {
			changeRatio := math.Abs(currentLiquidity-lastLiquidity) / lastLiquidity
			if changeRatio > cb.thresholds.MaxLiquidityDrop {
				reason := fmt.Sprintf("liquidity change too drastic: %.2f%% (threshold: %.2f%%)",
					changeRatio*100, cb.thresholds.MaxLiquidityDrop*100)
				cb.trip(reason, opportunities)
				return errors.New(reason)
			}
		}
	}

	logrus.Debug("Circuit breaker checks passed")

	cb.lastGood = append(cb.lastGood[:0], opportunities...)

	// If we're in half-open state, count successes until we can close
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.Info("Circuit breaker closed: system has recovered")
		}
	}

	return nil
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.successCount = 0
	logrus.Info("Circuit breaker manually reset to closed state")
}

// LastGoodOpportunities returns the most recent snapshot that passed
// all checks, for serving stale-but-sane reads while the circuit is open.
func (cb *CircuitBreaker) LastGoodOpportunities() []model.Opportunity {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if len(cb.lastGood) == 0 {
		return nil
	}
	out := make([]model.Opportunity, len(cb.lastGood))
	copy(out, cb.lastGood)
	return out
}

// transitionToHalfOpen changes the circuit state to half-open for testing recovery
func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		cb.state = StateHalfOpen
		cb.successCount = 0
		logrus.Info("Circuit breaker half-open: testing system recovery")
	}
}

// trip sets the circuit breaker to open state with the current time
func (cb *CircuitBreaker) trip(reason string, opportunities []model.Opportunity) {
	cb.state = StateOpen
	cb.lastTrip = time.Now()
	logrus.Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(reason, opportunities)
	}
}

// countProtocols counts the distinct venues in a snapshot
func countProtocols(opportunities []model.Opportunity) int {
	seen := make(map[string]bool, len(opportunities))
	for _, opp := range opportunities {
		seen[opp.Protocol] = true
	}
	return len(seen)
}

// totalLiquidity sums the reported liquidity across a snapshot
func totalLiquidity(opportunities []model.Opportunity) float64 {
	var total float64
	for _, opp := range opportunities {
		total += opp.TotalLiquidityUSD
	}
	return total
}
