// Package executor coordinates a rebalance end to end: lock, rate
// limit, batch construction, policy checks and submission. It is
// stateless across requests; all cross-instance safety lives in the
// shared store behind the lock manager and rate limiter.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-autopilot/internal/adapters"
	"github.com/yourorg/yield-autopilot/internal/errs"
	"github.com/yourorg/yield-autopilot/internal/lock"
	"github.com/yourorg/yield-autopilot/internal/model"
	"github.com/yourorg/yield-autopilot/internal/ratelimit"
	"github.com/yourorg/yield-autopilot/internal/session"
	"github.com/yourorg/yield-autopilot/internal/store"
)

// Venues resolves a protocol name to its adapter. The adapter registry
// satisfies this.
type Venues interface {
	ByName(name string) (adapters.Adapter, bool)
}

// Sessions is the credential surface the coordinator needs.
type Sessions interface {
	Validate(ctx context.Context, cred *session.Credential) bool
	IsRevoked(ctx context.Context, sessionAddress common.Address) bool
	SigningKey(cred *session.Credential) (common.Address, []byte, error)
}

// Submitter sends a call batch as a single atomic unit under the
// session's signing authority and waits for confirmation.
type Submitter interface {
	Submit(ctx context.Context, from common.Address, signingKey []byte, calls []model.Call, gasLimit uint64) (string, error)
}

// Coordinator runs rebalance executions.
type Coordinator struct {
	locks     *lock.Manager
	limiter   *ratelimit.Limiter
	venues    Venues
	sessions  Sessions
	submitter Submitter
	actions   *store.Store
	reporter  *errs.Reporter

	lockTTL       time.Duration
	submitTimeout time.Duration
}

// New creates a coordinator.
func New(locks *lock.Manager, limiter *ratelimit.Limiter, venues Venues, sessions Sessions, submitter Submitter, actions *store.Store, reporter *errs.Reporter, lockTTL, submitTimeout time.Duration) *Coordinator {
	return &Coordinator{
		locks:         locks,
		limiter:       limiter,
		venues:        venues,
		sessions:      sessions,
		submitter:     submitter,
		actions:       actions,
		reporter:      reporter,
		lockTTL:       lockTTL,
		submitTimeout: submitTimeout,
	}
}

// Execute runs one rebalance for the account. Denials and failures come
// back as structured results; an error return means the result itself
// could not be produced.
func (c *Coordinator) Execute(ctx context.Context, account common.Address, decision model.RebalanceDecision, cred *session.Credential) *model.ExecutionResult {
	result := &model.ExecutionResult{Account: account}

	if !decision.ShouldRebalance {
		result.Status = model.StatusRejected
		result.Reason = "decision does not call for a rebalance: " + decision.Reason
		return result
	}
	if decision.From == nil || decision.To == nil {
		result.Status = model.StatusRejected
		result.Reason = "decision is missing source or target venue"
		return result
	}
	result.FromProtocol = decision.From.Protocol
	result.ToProtocol = decision.To.Protocol

	if !c.sessions.Validate(ctx, cred) {
		agentErr := errs.New(errs.CategoryAuthorization, account, errors.New("session credential invalid, expired or revoked"))
		c.reporter.Report(ctx, agentErr)
		result.Status = model.StatusRejected
		result.Reason = agentErr.Remediation
		return result
	}

	lease, err := c.locks.Acquire(ctx, account, c.lockTTL)
	if errors.Is(err, lock.ErrAlreadyLocked) {
		// Another instance is already working this account. Not a failure.
		result.Status = model.StatusInProgress
		result.Reason = "rebalance already in progress"
		return result
	}
	if err != nil {
		agentErr := errs.New(errs.CategoryStorage, account, err)
		c.reporter.Report(ctx, agentErr)
		result.Status = model.StatusFailed
		result.Reason = agentErr.Remediation
		return result
	}
	defer lease.Release(ctx)

	// The credential's own daily allowance tightens the service-wide
	// limit; a policy issued with a smaller CallsPerDay must bind here.
	rate := c.limiter.CheckAndRecord(ctx, account, int64(cred.Policy.CallsPerDay))
	if !rate.Allowed {
		result.Status = model.StatusRateLimited
		result.Reason = rate.Reason
		result.RetryAfterSeconds = rate.RetryAfterSeconds
		c.logAction(ctx, result, decision, nil)
		return result
	}

	return c.run(ctx, account, decision, cred, result)
}

// run builds, checks and submits the batch while the lock is held.
func (c *Coordinator) run(ctx context.Context, account common.Address, decision model.RebalanceDecision, cred *session.Credential, result *model.ExecutionResult) *model.ExecutionResult {
	fromAdapter, ok := c.venues.ByName(decision.From.Protocol)
	if !ok {
		return c.fail(ctx, result, decision, nil, errs.New(errs.CategorySimulation, account,
			fmt.Errorf("no adapter for source protocol %q", decision.From.Protocol)))
	}
	toAdapter, ok := c.venues.ByName(decision.To.Protocol)
	if !ok {
		return c.fail(ctx, result, decision, nil, errs.New(errs.CategorySimulation, account,
			fmt.Errorf("no adapter for target protocol %q", decision.To.Protocol)))
	}

	steps := newStepTrace()

	withdrawCalls, err := fromAdapter.BuildWithdraw(ctx, account, decision.From.Vault, decision.From.Shares)
	if err != nil {
		steps.mark(model.StepRedeem, model.StatusFailed)
		return c.fail(ctx, result, decision, steps, errs.New(errs.CategorySimulation, account, fmt.Errorf("building redeem: %w", err)))
	}

	// Re-derive the exact redeemable amount. The deposit side must get
	// a precise figure, never a balance assumption or an unbounded
	// sentinel: an unlimited approval under a leaked session key is a
	// full-custody loss.
	exact, err := fromAdapter.PreviewRedeem(ctx, decision.From.Vault, decision.From.Shares)
	if err != nil {
		steps.mark(model.StepApprove, model.StatusFailed)
		return c.fail(ctx, result, decision, steps, errs.New(errs.CategorySimulation, account, fmt.Errorf("previewing redemption: %w", err)))
	}
	if exact == nil || exact.Sign() <= 0 {
		steps.mark(model.StepApprove, model.StatusFailed)
		return c.fail(ctx, result, decision, steps, errs.New(errs.CategorySimulation, account,
			fmt.Errorf("previewed redemption amount %v is not positive", exact)))
	}

	depositCalls, err := toAdapter.BuildDeposit(ctx, exact, account, decision.To.Vault)
	if err != nil {
		steps.mark(model.StepDeposit, model.StatusFailed)
		return c.fail(ctx, result, decision, steps, errs.New(errs.CategorySimulation, account, fmt.Errorf("building deposit: %w", err)))
	}

	calls := append(withdrawCalls, depositCalls...)
	if len(calls) != 3 {
		return c.fail(ctx, result, decision, steps, errs.New(errs.CategorySimulation, account,
			fmt.Errorf("expected a redeem/approve/deposit batch, got %d calls", len(calls))))
	}

	// Policy is the source of truth before submission; any enforcement
	// in the execution substrate is an independent second check.
	for _, call := range calls {
		if err := cred.Policy.Permits(call); err != nil {
			c.reporter.Report(ctx, errs.New(errs.CategoryAuthorization, account, err))
			result.Status = model.StatusRejected
			result.Reason = fmt.Sprintf("policy rejected call to %s: %v", call.Target.Hex(), err)
			result.Steps = steps.records()
			c.logAction(ctx, result, decision, exact)
			return result
		}
	}

	// Last revocation check before any value moves.
	if c.sessions.IsRevoked(ctx, cred.SessionAddress) {
		result.Status = model.StatusRejected
		result.Reason = "session credential was revoked"
		result.Steps = steps.records()
		c.logAction(ctx, result, decision, exact)
		return result
	}

	sessionAddress, signingKey, err := c.sessions.SigningKey(cred)
	if err != nil {
		return c.fail(ctx, result, decision, steps, errs.New(errs.CategoryAuthorization, account, err))
	}

	steps.mark(model.StepRedeem, model.StatusInProgress)
	steps.mark(model.StepApprove, model.StatusInProgress)
	steps.mark(model.StepDeposit, model.StatusInProgress)

	submitCtx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	txRef, err := c.submitter.Submit(submitCtx, sessionAddress, signingKey, calls, cred.Policy.GasCeiling)
	if err != nil {
		steps.markAll(model.StatusFailed)
		return c.fail(ctx, result, decision, steps, errs.New(errs.CategoryExecution, account, err).
			WithMetadata("from", decision.From.Protocol).
			WithMetadata("to", decision.To.Protocol))
	}
	steps.markAll(model.StatusCompleted)

	result.Status = model.StatusCompleted
	result.Amount = exact
	result.TxRef = txRef
	result.Steps = steps.records()
	c.logAction(ctx, result, decision, exact)

	logrus.WithFields(logrus.Fields{
		"account": account.Hex(),
		"from":    decision.From.Protocol,
		"to":      decision.To.Protocol,
		"amount":  exact.String(),
		"tx":      txRef,
	}).Info("Rebalance completed")
	return result
}

// fail reports the error, finalizes the result and writes the audit entry.
func (c *Coordinator) fail(ctx context.Context, result *model.ExecutionResult, decision model.RebalanceDecision, steps *stepTrace, agentErr *errs.AgentError) *model.ExecutionResult {
	c.reporter.Report(ctx, agentErr)
	result.Status = model.StatusFailed
	result.Reason = agentErr.Remediation
	if steps != nil {
		result.Steps = steps.records()
	}
	c.logAction(ctx, result, decision, nil)
	return result
}

// logAction writes the audit log entry for a finished run. Logging
// failures must never mask the execution outcome.
func (c *Coordinator) logAction(ctx context.Context, result *model.ExecutionResult, decision model.RebalanceDecision, amount *big.Int) {
	action := model.AgentAction{
		Account:      result.Account,
		Type:         model.ActionRebalance,
		Status:       result.Status,
		FromProtocol: decision.From.Protocol,
		ToProtocol:   decision.To.Protocol,
		TxRef:        result.TxRef,
		Metadata:     map[string]string{"reason": decision.Reason},
	}
	if amount != nil {
		action.Amount = amount.String()
	}
	if result.Status != model.StatusCompleted {
		action.Error = result.Reason
	}
	if err := c.actions.LogAction(ctx, action); err != nil {
		logrus.Errorf("Failed to record agent action for %s: %v", result.Account.Hex(), err)
	}
}

// stepTrace tracks the step-indexed state machine of one execution.
type stepTrace struct {
	order  []model.ExecutionStep
	status map[model.ExecutionStep]string
	at     map[model.ExecutionStep]time.Time
}

func newStepTrace() *stepTrace {
	return &stepTrace{
		order:  []model.ExecutionStep{model.StepRedeem, model.StepApprove, model.StepDeposit},
		status: make(map[model.ExecutionStep]string),
		at:     make(map[model.ExecutionStep]time.Time),
	}
}

func (s *stepTrace) mark(step model.ExecutionStep, status string) {
	s.status[step] = status
	s.at[step] = time.Now()
}

func (s *stepTrace) markAll(status string) {
	for _, step := range s.order {
		s.mark(step, status)
	}
}

func (s *stepTrace) records() []model.StepRecord {
	out := make([]model.StepRecord, 0, len(s.order))
	for _, step := range s.order {
		status, ok := s.status[step]
		if !ok {
			continue
		}
		out = append(out, model.StepRecord{Step: step, Status: status, At: s.at[step]})
	}
	return out
}
