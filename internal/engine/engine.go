// Package engine decides whether an account's funds should move to a
// better venue. It is pure: identical inputs produce identical
// decisions and nothing is mutated.
package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-autopilot/internal/model"
)

// YieldSource provides the live yield rate of a vault. The adapter
// registry satisfies this.
type YieldSource interface {
	VaultAPY(ctx context.Context, protocol string, vault common.Address) (float64, error)
}

// Options carries per-evaluation hints.
type Options struct {
	// TargetedVaults marks vaults the change detector flagged as having
	// dropped. Positions in these vaults rebalance under the lower gate.
	TargetedVaults map[common.Address]bool
}

// Engine evaluates rebalance opportunities against improvement gates.
type Engine struct {
	yields YieldSource

	// minImprovement is the standard gate; targetedMinImprovement is
	// the reduced gate for vaults flagged by the change detector and
	// must never exceed the standard one.
	minImprovement         float64
	targetedMinImprovement float64
	minLiquidityUSD        float64
}

// New creates an engine. targetedGate is clamped to standardGate so a
// misconfigured pair can never make the targeted path stricter.
func New(yields YieldSource, standardGate, targetedGate, minLiquidityUSD float64) *Engine {
	if targetedGate > standardGate {
		logrus.Warnf("Targeted gate %.4f exceeds standard gate %.4f, clamping", targetedGate, standardGate)
		targetedGate = standardGate
	}
	return &Engine{
		yields:                 yields,
		minImprovement:         standardGate,
		targetedMinImprovement: targetedGate,
		minLiquidityUSD:        minLiquidityUSD,
	}
}

// Evaluate picks the account's largest position and decides whether
// moving it to the best eligible opportunity clears the improvement
// gate. Opportunities must arrive sorted descending by yield; the
// engine does not re-sort.
func (e *Engine) Evaluate(ctx context.Context, account common.Address, opportunities []model.Opportunity, positions []model.Position, opts Options) model.RebalanceDecision {
	if len(positions) == 0 {
		return noRebalance("no active positions")
	}

	candidate := largestPosition(positions)

	currentAPY, err := e.yields.VaultAPY(ctx, candidate.Protocol, candidate.Vault)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"account":  account.Hex(),
			"protocol": candidate.Protocol,
			"vault":    candidate.Vault.Hex(),
		}).Warnf("Live yield unavailable: %v", err)
		return noRebalance(fmt.Sprintf("current yield for vault %s unavailable: %v", candidate.Vault.Hex(), err))
	}

	target, ok := e.bestEligible(opportunities, candidate.Vault)
	if !ok {
		return noRebalance(fmt.Sprintf("no eligible target venue with liquidity >= %.0f USD", e.minLiquidityUSD))
	}

	improvement := target.APY - currentAPY
	gain := candidate.ValueUSD * improvement

	gate := e.minImprovement
	targeted := opts.TargetedVaults[candidate.Vault]
	if targeted {
		gate = e.targetedMinImprovement
	}

	decision := model.RebalanceDecision{
		From:                candidate,
		To:                  &target,
		Improvement:         improvement,
		EstimatedAnnualGain: gain,
	}

	if improvement < gate {
		decision.Reason = fmt.Sprintf("improvement %.2f%% below gate %.2f%% (current %.2f%%, best %.2f%%)",
			improvement*100, gate*100, currentAPY*100, target.APY*100)
		return decision
	}

	decision.ShouldRebalance = true
	decision.Reason = fmt.Sprintf("move %s -> %s: %.2f%% -> %.2f%% (+%.2f%%, ~%.2f USD/yr)",
		candidate.Protocol, target.Protocol, currentAPY*100, target.APY*100, improvement*100, gain)
	if targeted {
		decision.Reason += " [yield drop detected]"
	}
	return decision
}

// largestPosition returns the position holding the most USD value.
func largestPosition(positions []model.Position) *model.Position {
	best := &positions[0]
	for i := range positions[1:] {
		if positions[i+1].ValueUSD > best.ValueUSD {
			best = &positions[i+1]
		}
	}
	return best
}

// bestEligible returns the first opportunity (the list is pre-sorted
// descending by yield) with sufficient liquidity and a different vault.
func (e *Engine) bestEligible(opportunities []model.Opportunity, current common.Address) (model.Opportunity, bool) {
	for _, opp := range opportunities {
		if opp.Vault == current {
			continue
		}
		if opp.TotalLiquidityUSD < e.minLiquidityUSD {
			continue
		}
		return opp, true
	}
	return model.Opportunity{}, false
}

func noRebalance(reason string) model.RebalanceDecision {
	return model.RebalanceDecision{ShouldRebalance: false, Reason: reason}
}
