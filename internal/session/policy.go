package session

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/yield-autopilot/internal/adapters"
	"github.com/yourorg/yield-autopilot/internal/model"
)

// noAmountBound marks a rule whose call carries no bounded amount.
const noAmountBound = -1

// Rule allows one (target, function) pair, optionally bounding one
// calldata word as an amount ceiling.
type Rule struct {
	// Target restricts the call's destination; the zero address allows
	// any target (used for token approvals, whose destination is the
	// asset contract rather than a known vault).
	Target common.Address `json:"target"`

	// Selector is the allowed 4-byte function selector, hex encoded.
	Selector string `json:"selector"`

	// AmountWordIndex locates the bounded amount inside the calldata
	// (32-byte word index after the selector), or noAmountBound.
	AmountWordIndex int `json:"amountWordIndex"`

	// MaxAmount is the inclusive ceiling for the bounded word.
	MaxAmount *big.Int `json:"maxAmount,omitempty"`

	// MaxValue is the inclusive ceiling for native value attached to
	// the call. Nil means no native value is permitted at all; every
	// vault operation the templates allow moves tokens, never native
	// currency.
	MaxValue *big.Int `json:"maxValue,omitempty"`
}

// Policy is the allow-list a session credential operates under. The
// coordinator consults it before every submission; any enforcement in
// the execution substrate is an independent second check, never the
// only one.
type Policy struct {
	Rules       []Rule    `json:"rules"`
	GasCeiling  uint64    `json:"gasCeiling"`
	CallsPerDay int       `json:"callsPerDay"`
	ValidFrom   time.Time `json:"validFrom"`
	ValidUntil  time.Time `json:"validUntil"`
}

// buildPolicy instantiates the fixed policy template for a set of
// approved vaults. Redeem and withdraw are unconditional (funds only
// ever return to the owner), deposits and approvals are bounded per
// call.
func buildPolicy(approvedVaults []common.Address, maxPerCall *big.Int, gasCeiling uint64, callsPerDay int, validity time.Duration, now time.Time) Policy {
	rules := make([]Rule, 0, 3*len(approvedVaults)+3)
	for _, vault := range approvedVaults {
		rules = append(rules,
			Rule{Target: vault, Selector: hex.EncodeToString(adapters.SelectorRedeem), AmountWordIndex: noAmountBound},
			Rule{Target: vault, Selector: hex.EncodeToString(adapters.SelectorWithdraw), AmountWordIndex: noAmountBound},
			Rule{Target: vault, Selector: hex.EncodeToString(adapters.SelectorDeposit), AmountWordIndex: 0, MaxAmount: new(big.Int).Set(maxPerCall)},
		)
	}
	rules = append(rules,
		Rule{Selector: hex.EncodeToString(adapters.SelectorApprove), AmountWordIndex: 1, MaxAmount: new(big.Int).Set(maxPerCall)},
		Rule{Selector: hex.EncodeToString(adapters.SelectorAaveSupply), AmountWordIndex: 1, MaxAmount: new(big.Int).Set(maxPerCall)},
		Rule{Selector: hex.EncodeToString(adapters.SelectorAaveWithdraw), AmountWordIndex: noAmountBound},
	)
	return Policy{
		Rules:       rules,
		GasCeiling:  gasCeiling,
		CallsPerDay: callsPerDay,
		ValidFrom:   now,
		ValidUntil:  now.Add(validity),
	}
}

// buildTransferPolicy instantiates the transfer-only template: the
// withdrawal-family functions on the approved vaults and nothing else.
// Redeemed funds can only land back with the owner, so the rules carry
// no amount bound.
func buildTransferPolicy(approvedVaults []common.Address, gasCeiling uint64, callsPerDay int, validity time.Duration, now time.Time) Policy {
	rules := make([]Rule, 0, 2*len(approvedVaults)+1)
	for _, vault := range approvedVaults {
		rules = append(rules,
			Rule{Target: vault, Selector: hex.EncodeToString(adapters.SelectorRedeem), AmountWordIndex: noAmountBound},
			Rule{Target: vault, Selector: hex.EncodeToString(adapters.SelectorWithdraw), AmountWordIndex: noAmountBound},
		)
	}
	rules = append(rules,
		Rule{Selector: hex.EncodeToString(adapters.SelectorAaveWithdraw), AmountWordIndex: noAmountBound},
	)
	return Policy{
		Rules:       rules,
		GasCeiling:  gasCeiling,
		CallsPerDay: callsPerDay,
		ValidFrom:   now,
		ValidUntil:  now.Add(validity),
	}
}

// Permits checks a call against the allow-list. A nil error means the
// call may be submitted under this policy.
func (p Policy) Permits(call model.Call) error {
	selector := call.Selector()
	if selector == nil {
		return fmt.Errorf("call payload too short for a function selector")
	}
	selectorHex := hex.EncodeToString(selector)

	for _, rule := range p.Rules {
		if rule.Selector != selectorHex {
			continue
		}
		if rule.Target != (common.Address{}) && rule.Target != call.Target {
			continue
		}
		if err := rule.permitsValue(call.Value); err != nil {
			return fmt.Errorf("selector 0x%s: %w", selectorHex, err)
		}
		if rule.AmountWordIndex == noAmountBound || rule.MaxAmount == nil {
			return nil
		}
		amount, err := calldataWord(call.Payload, rule.AmountWordIndex)
		if err != nil {
			return fmt.Errorf("selector 0x%s: %w", selectorHex, err)
		}
		if amount.Cmp(rule.MaxAmount) > 0 {
			return fmt.Errorf("selector 0x%s: amount %s exceeds per-call ceiling %s", selectorHex, amount, rule.MaxAmount)
		}
		return nil
	}
	return fmt.Errorf("no policy rule allows selector 0x%s on %s", selectorHex, call.Target.Hex())
}

// permitsValue bounds the native value a matched call may carry. The
// calldata amount check alone does not cover this: value rides outside
// the payload and would otherwise pass straight through to submission.
func (r Rule) permitsValue(value *big.Int) error {
	if value == nil || value.Sign() == 0 {
		return nil
	}
	if r.MaxValue == nil || value.Cmp(r.MaxValue) > 0 {
		bound := r.MaxValue
		if bound == nil {
			bound = big.NewInt(0)
		}
		return fmt.Errorf("native value %s exceeds bound %s", value, bound)
	}
	return nil
}

// calldataWord reads the i-th 32-byte argument word after the selector.
func calldataWord(payload []byte, index int) (*big.Int, error) {
	start := 4 + 32*index
	end := start + 32
	if len(payload) < end {
		return nil, fmt.Errorf("calldata too short for argument word %d", index)
	}
	return new(big.Int).SetBytes(payload[start:end]), nil
}
