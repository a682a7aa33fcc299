// Package model defines the core data structures for the yield-autopilot service.
package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Opportunity is an immutable snapshot of a yield venue at read time.
// Snapshots are refreshed on each cache miss and never mutated in place.
type Opportunity struct {
	// Protocol is the unique identifier of the venue adapter that produced this snapshot
	Protocol string `json:"protocol"`

	// Asset is the symbol of the underlying asset (e.g. "USDC")
	Asset string `json:"asset"`

	// AssetAddress is the on-chain address of the underlying asset
	AssetAddress common.Address `json:"asset_address"`

	// Vault is the on-chain address of the vault or market holding deposits
	Vault common.Address `json:"vault"`

	// APY is the current yield rate expressed as a decimal fraction
	// e.g., 0.05 for 5% APY
	APY float64 `json:"apy"`

	// TotalLiquidityUSD is the total liquidity available in the venue
	TotalLiquidityUSD float64 `json:"total_liquidity_usd"`

	// RiskScore rates the venue in [0,1]; higher is riskier
	RiskScore float64 `json:"risk_score"`

	// Warnings carries venue-reported advisories; severe ones exclude the venue
	Warnings []string `json:"warnings,omitempty"`

	// AccessRestricted marks venues that gate deposits (allow-lists, KYC)
	AccessRestricted bool `json:"access_restricted,omitempty"`

	// Metadata holds arbitrary venue-specific details
	Metadata map[string]string `json:"metadata,omitempty"`

	// CollectedAt is the Unix timestamp when this snapshot was taken
	CollectedAt int64 `json:"collected_at"`
}

// Position represents an account's holding in a single vault.
// An account holds at most one Position per vault.
type Position struct {
	// Protocol is the venue adapter identifier
	Protocol string `json:"protocol"`

	// Vault is the vault or market address the shares belong to
	Vault common.Address `json:"vault"`

	// Shares is the share balance held; never negative
	Shares *big.Int `json:"shares"`

	// Amount is the underlying-asset amount in base units
	Amount *big.Int `json:"amount"`

	// ValueUSD is the USD value of the underlying amount at read time
	ValueUSD float64 `json:"value_usd"`

	// APY is the yield rate observed when the position was read
	APY float64 `json:"apy"`

	// EnteredAt is when the position was first opened
	EnteredAt time.Time `json:"entered_at"`
}

// Valid reports whether the position is structurally sound.
func (p Position) Valid() bool {
	return p.Shares != nil && p.Shares.Sign() >= 0 &&
		p.Amount != nil && p.Amount.Sign() >= 0 &&
		p.Vault != (common.Address{})
}

// Call is an opaque, venue-specific contract instruction. The core never
// inspects the payload beyond its leading selector for policy matching.
type Call struct {
	// Target is the contract the call is addressed to
	Target common.Address `json:"target"`

	// Payload is the ABI-encoded calldata, selector first
	Payload []byte `json:"payload"`

	// Value is the native-token value attached to the call
	Value *big.Int `json:"value"`
}

// Selector returns the 4-byte function selector of the call payload,
// or nil if the payload is shorter than a selector.
func (c Call) Selector() []byte {
	if len(c.Payload) < 4 {
		return nil
	}
	return c.Payload[:4]
}

// RebalanceDecision is the output of the decision engine. It is derived,
// never persisted, and recomputed on demand for identical inputs.
type RebalanceDecision struct {
	// ShouldRebalance is true when moving funds clears the improvement gate.
	// When true, To is always non-nil.
	ShouldRebalance bool `json:"should_rebalance"`

	// From is the position selected to move, when any
	From *Position `json:"from,omitempty"`

	// To is the target opportunity, set whenever ShouldRebalance is true
	To *Opportunity `json:"to,omitempty"`

	// Improvement is the absolute yield improvement (target APY - current APY)
	Improvement float64 `json:"improvement"`

	// EstimatedAnnualGain is ValueUSD * Improvement
	EstimatedAnnualGain float64 `json:"estimated_annual_gain"`

	// Reason is a human-readable explanation embedding the percentage values
	Reason string `json:"reason"`
}

// ExecutionStep identifies one stage of the coordinator's state machine.
type ExecutionStep string

// Steps of a rebalance execution, in order.
const (
	StepRedeem  ExecutionStep = "redeem"
	StepApprove ExecutionStep = "approve"
	StepDeposit ExecutionStep = "deposit"
)

// Execution outcome statuses.
const (
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInProgress  = "in_progress"
	StatusRateLimited = "rate_limited"
	StatusRejected    = "rejected"
)

// StepRecord captures the outcome of a single step in an execution, so
// partial-failure state is inspectable after the fact.
type StepRecord struct {
	Step   ExecutionStep `json:"step"`
	Status string        `json:"status"`
	At     time.Time     `json:"at"`
}

// ExecutionResult reports the outcome of one coordinator run.
type ExecutionResult struct {
	// Account is the owner wallet the rebalance ran for
	Account common.Address `json:"account"`

	// Status is one of the execution outcome statuses above
	Status string `json:"status"`

	// FromProtocol and ToProtocol identify the venues funds moved between
	FromProtocol string `json:"from_protocol,omitempty"`
	ToProtocol   string `json:"to_protocol,omitempty"`

	// Amount is the exact underlying amount moved, in base units
	Amount *big.Int `json:"amount,omitempty"`

	// TxRef references the submitted batch on success
	TxRef string `json:"tx_ref,omitempty"`

	// Reason explains denials and failures in user-facing terms
	Reason string `json:"reason,omitempty"`

	// RetryAfterSeconds is set when the rate limiter denied the run
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`

	// Steps traces the step-indexed state machine for this run
	Steps []StepRecord `json:"steps,omitempty"`
}

// Agent action types recorded in the audit log.
const (
	ActionRebalance = "rebalance"
	ActionRegister  = "register"
	ActionRevoke    = "revoke"
)

// AgentAction is one append-only audit log entry for an automated action.
type AgentAction struct {
	Account      common.Address    `json:"account"`
	Type         string            `json:"type"`
	Status       string            `json:"status"`
	FromProtocol string            `json:"from_protocol,omitempty"`
	ToProtocol   string            `json:"to_protocol,omitempty"`
	Amount       string            `json:"amount,omitempty"`
	TxRef        string            `json:"tx_ref,omitempty"`
	Error        string            `json:"error,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}
