package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-autopilot/internal/model"
)

// stubYields answers VaultAPY from a fixed map.
type stubYields struct {
	apys map[common.Address]float64
	err  error
}

func (s *stubYields) VaultAPY(_ context.Context, _ string, vault common.Address) (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	apy, ok := s.apys[vault]
	if !ok {
		return 0, errors.New("vault not reported")
	}
	return apy, nil
}

var (
	vaultA  = common.HexToAddress("0xA0")
	vaultB  = common.HexToAddress("0xB0")
	vaultC  = common.HexToAddress("0xC0")
	account = common.HexToAddress("0xEE")
)

func position(vault common.Address, valueUSD float64) model.Position {
	return model.Position{
		Protocol: "aave-v3",
		Vault:    vault,
		Shares:   big.NewInt(1_000_000_000),
		Amount:   big.NewInt(1_000_000_000),
		ValueUSD: valueUSD,
	}
}

func opportunity(vault common.Address, apy, liquidity float64) model.Opportunity {
	return model.Opportunity{Protocol: "yearn", Asset: "USDC", Vault: vault, APY: apy, TotalLiquidityUSD: liquidity}
}

func TestEvaluate_NoPositions(t *testing.T) {
	e := New(&stubYields{}, 0.005, 0.002, 100_000)

	decision := e.Evaluate(context.Background(), account, nil, nil, Options{})
	assert.False(t, decision.ShouldRebalance)
	assert.Equal(t, "no active positions", decision.Reason)
}

func TestEvaluate_YieldSourceUnavailable(t *testing.T) {
	e := New(&stubYields{err: errors.New("venue down")}, 0.005, 0.002, 100_000)

	decision := e.Evaluate(context.Background(), account,
		[]model.Opportunity{opportunity(vaultB, 0.06, 1_000_000)},
		[]model.Position{position(vaultA, 1000)}, Options{})

	assert.False(t, decision.ShouldRebalance)
	assert.Contains(t, decision.Reason, "unavailable")
	assert.Contains(t, decision.Reason, vaultA.Hex())
}

func TestEvaluate_RebalancesAtAnchorScenario(t *testing.T) {
	// 1,000 USDC at 4%; 6% available elsewhere; gate 0.5%.
	yields := &stubYields{apys: map[common.Address]float64{vaultA: 0.04}}
	e := New(yields, 0.005, 0.002, 100_000)

	decision := e.Evaluate(context.Background(), account,
		[]model.Opportunity{opportunity(vaultB, 0.06, 5_000_000)},
		[]model.Position{position(vaultA, 1000)}, Options{})

	require.True(t, decision.ShouldRebalance)
	assert.InDelta(t, 0.02, decision.Improvement, 1e-12)
	assert.InDelta(t, 20.0, decision.EstimatedAnnualGain, 1e-9)
	require.NotNil(t, decision.To)
	assert.Equal(t, vaultB, decision.To.Vault)
	require.NotNil(t, decision.From)
	assert.Equal(t, vaultA, decision.From.Vault)
	// Percentages must surface in the reason for observability.
	assert.Contains(t, decision.Reason, "4.00%")
	assert.Contains(t, decision.Reason, "6.00%")
}

func TestEvaluate_BelowGate(t *testing.T) {
	yields := &stubYields{apys: map[common.Address]float64{vaultA: 0.040}}
	e := New(yields, 0.005, 0.002, 100_000)

	decision := e.Evaluate(context.Background(), account,
		[]model.Opportunity{opportunity(vaultB, 0.043, 5_000_000)},
		[]model.Position{position(vaultA, 1000)}, Options{})

	assert.False(t, decision.ShouldRebalance)
	assert.Contains(t, decision.Reason, "below gate")
	// The economics are still reported even when gated.
	assert.InDelta(t, 0.003, decision.Improvement, 1e-12)
}

func TestEvaluate_TargetedVaultUsesLowerGate(t *testing.T) {
	yields := &stubYields{apys: map[common.Address]float64{vaultA: 0.040}}
	e := New(yields, 0.005, 0.002, 100_000)

	opps := []model.Opportunity{opportunity(vaultB, 0.043, 5_000_000)}
	positions := []model.Position{position(vaultA, 1000)}

	// 0.3% improvement fails the standard 0.5% gate...
	plain := e.Evaluate(context.Background(), account, opps, positions, Options{})
	assert.False(t, plain.ShouldRebalance)

	// ...but clears the 0.2% gate once the vault is flagged as dropped.
	targeted := e.Evaluate(context.Background(), account, opps, positions, Options{
		TargetedVaults: map[common.Address]bool{vaultA: true},
	})
	assert.True(t, targeted.ShouldRebalance)
	assert.Contains(t, targeted.Reason, "yield drop detected")
}

func TestEvaluate_SkipsCurrentVaultAndThinLiquidity(t *testing.T) {
	yields := &stubYields{apys: map[common.Address]float64{vaultA: 0.04}}
	e := New(yields, 0.005, 0.002, 100_000)

	opps := []model.Opportunity{
		opportunity(vaultA, 0.09, 5_000_000), // same vault, never a target
		opportunity(vaultC, 0.08, 50_000),    // too thin
		opportunity(vaultB, 0.06, 5_000_000),
	}
	decision := e.Evaluate(context.Background(), account, opps,
		[]model.Position{position(vaultA, 1000)}, Options{})

	require.True(t, decision.ShouldRebalance)
	assert.Equal(t, vaultB, decision.To.Vault)
}

func TestEvaluate_NoEligibleTarget(t *testing.T) {
	yields := &stubYields{apys: map[common.Address]float64{vaultA: 0.04}}
	e := New(yields, 0.005, 0.002, 100_000)

	opps := []model.Opportunity{
		opportunity(vaultA, 0.09, 5_000_000),
		opportunity(vaultB, 0.08, 10_000),
	}
	decision := e.Evaluate(context.Background(), account, opps,
		[]model.Position{position(vaultA, 1000)}, Options{})

	assert.False(t, decision.ShouldRebalance)
	assert.Contains(t, decision.Reason, "no eligible target")
}

func TestEvaluate_PicksLargestPosition(t *testing.T) {
	yields := &stubYields{apys: map[common.Address]float64{vaultA: 0.04, vaultC: 0.05}}
	e := New(yields, 0.005, 0.002, 100_000)

	positions := []model.Position{
		position(vaultC, 300),
		position(vaultA, 9000), // largest, becomes the candidate
	}
	decision := e.Evaluate(context.Background(), account,
		[]model.Opportunity{opportunity(vaultB, 0.06, 5_000_000)},
		positions, Options{})

	require.True(t, decision.ShouldRebalance)
	assert.Equal(t, vaultA, decision.From.Vault)
	assert.InDelta(t, 9000*0.02, decision.EstimatedAnnualGain, 1e-9)
}

func TestEvaluate_TakesFirstEligibleWithoutResorting(t *testing.T) {
	yields := &stubYields{apys: map[common.Address]float64{vaultA: 0.01}}
	e := New(yields, 0.005, 0.002, 100_000)

	// Caller contract: list arrives sorted descending. The engine takes
	// the first eligible entry even if a later one claims more yield.
	opps := []model.Opportunity{
		opportunity(vaultB, 0.05, 5_000_000),
		opportunity(vaultC, 0.07, 5_000_000),
	}
	decision := e.Evaluate(context.Background(), account, opps,
		[]model.Position{position(vaultA, 1000)}, Options{})

	require.True(t, decision.ShouldRebalance)
	assert.Equal(t, vaultB, decision.To.Vault)
}

func TestNew_ClampsTargetedGate(t *testing.T) {
	e := New(&stubYields{}, 0.005, 0.05, 100_000)
	assert.Equal(t, 0.005, e.targetedMinImprovement)
}

func TestEvaluate_Idempotent(t *testing.T) {
	yields := &stubYields{apys: map[common.Address]float64{vaultA: 0.04}}
	e := New(yields, 0.005, 0.002, 100_000)

	opps := []model.Opportunity{opportunity(vaultB, 0.06, 5_000_000)}
	positions := []model.Position{position(vaultA, 1000)}

	first := e.Evaluate(context.Background(), account, opps, positions, Options{})
	second := e.Evaluate(context.Background(), account, opps, positions, Options{})
	assert.Equal(t, first, second)
}
