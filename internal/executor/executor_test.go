package executor

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-autopilot/internal/adapters"
	"github.com/yourorg/yield-autopilot/internal/errs"
	"github.com/yourorg/yield-autopilot/internal/kv"
	"github.com/yourorg/yield-autopilot/internal/lock"
	"github.com/yourorg/yield-autopilot/internal/model"
	"github.com/yourorg/yield-autopilot/internal/ratelimit"
	"github.com/yourorg/yield-autopilot/internal/security"
	"github.com/yourorg/yield-autopilot/internal/session"
	"github.com/yourorg/yield-autopilot/internal/store"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var (
	authority = common.HexToAddress("0x000000004F43C49e93C970E84001853a70923B03")
	owner     = common.HexToAddress("0xEE")
	vaultA    = common.HexToAddress("0xA0")
	vaultB    = common.HexToAddress("0xB0")
	usdc      = common.HexToAddress("0x5555")
)

// vaultVenue is an in-memory ERC-4626-style venue for coordinator tests.
type vaultVenue struct {
	name         string
	redeemAmount *big.Int
	buildErr     error
	previewErr   error
}

func (v *vaultVenue) Name() string  { return v.name }
func (v *vaultVenue) Enabled() bool { return true }

func (v *vaultVenue) Opportunities(context.Context) ([]model.Opportunity, error) { return nil, nil }

func (v *vaultVenue) Positions(context.Context, common.Address) ([]model.Position, error) {
	return nil, nil
}

func (v *vaultVenue) BuildDeposit(_ context.Context, amount *big.Int, account, vault common.Address) ([]model.Call, error) {
	if v.buildErr != nil {
		return nil, v.buildErr
	}
	return []model.Call{
		adapters.ApproveCall(usdc, vault, amount),
		adapters.VaultDepositCall(vault, amount, account),
	}, nil
}

func (v *vaultVenue) BuildWithdraw(_ context.Context, account, vault common.Address, shares *big.Int) ([]model.Call, error) {
	if v.buildErr != nil {
		return nil, v.buildErr
	}
	return []model.Call{adapters.VaultRedeemCall(vault, shares, account, account)}, nil
}

func (v *vaultVenue) PreviewRedeem(context.Context, common.Address, *big.Int) (*big.Int, error) {
	if v.previewErr != nil {
		return nil, v.previewErr
	}
	return new(big.Int).Set(v.redeemAmount), nil
}

// recordingSubmitter captures submitted batches.
type recordingSubmitter struct {
	calls    []model.Call
	gasLimit uint64
	submits  int
	err      error
}

func (r *recordingSubmitter) Submit(_ context.Context, _ common.Address, _ []byte, calls []model.Call, gasLimit uint64) (string, error) {
	r.submits++
	if r.err != nil {
		return "", r.err
	}
	r.calls = calls
	r.gasLimit = gasLimit
	return "0xdeadbeef", nil
}

type fixture struct {
	coordinator *Coordinator
	locks       *lock.Manager
	limiter     *ratelimit.Limiter
	sessions    *session.Manager
	submitter   *recordingSubmitter
	actions     *store.Store
	reporter    *errs.Reporter
	cred        *session.Credential
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := kv.NewMemory()
	enc, err := security.NewEncryptor(testKey)
	require.NoError(t, err)

	accounts := store.New(backend)
	sessions := session.NewManager(backend, accounts, enc, session.Config{
		MaxDepositPerCall: big.NewInt(10_000_000_000),
		GasCeiling:        2_000_000,
		DailyCallLimit:    30,
		Validity:          7 * 24 * time.Hour,
		AuthorityContract: authority,
		RevocationTTL:     24 * time.Hour,
	})
	_, err = sessions.Issue(context.Background(), owner, []common.Address{vaultA, vaultB}, session.DelegationProof{
		Target:    authority,
		ExpiresAt: time.Now().Add(time.Hour),
		Payload:   []byte{0x01},
	})
	require.NoError(t, err)
	cred, err := sessions.Load(context.Background(), owner)
	require.NoError(t, err)

	venue := &vaultVenue{name: "yearn", redeemAmount: big.NewInt(1_000_000_000)}
	registry := adapters.NewRegistry(venue)

	f := &fixture{
		locks:     lock.NewManager(backend),
		limiter:   ratelimit.New(backend, 10, 24*time.Hour),
		sessions:  sessions,
		submitter: &recordingSubmitter{},
		actions:   accounts,
		reporter:  errs.NewReporter(backend),
		cred:      cred,
	}
	f.coordinator = New(f.locks, f.limiter, registry, sessions, f.submitter, f.actions, f.reporter, 2*time.Minute, 90*time.Second)
	return f
}

func decision() model.RebalanceDecision {
	return model.RebalanceDecision{
		ShouldRebalance: true,
		From: &model.Position{
			Protocol: "yearn",
			Vault:    vaultA,
			Shares:   big.NewInt(1_000_000_000),
			Amount:   big.NewInt(1_000_000_000),
			ValueUSD: 1000,
		},
		To:                  &model.Opportunity{Protocol: "yearn", Vault: vaultB, APY: 0.06, TotalLiquidityUSD: 5_000_000},
		Improvement:         0.02,
		EstimatedAnnualGain: 20.0,
		Reason:              "move yearn -> yearn: 4.00% -> 6.00%",
	}
}

// maxUint256 is the unbounded-approval sentinel that must never appear
// in any payload.
var maxUint256 = bytes.Repeat([]byte{0xff}, 32)

func TestExecute_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result := f.coordinator.Execute(ctx, owner, decision(), f.cred)

	require.Equal(t, model.StatusCompleted, result.Status, "reason: %s", result.Reason)
	assert.Equal(t, "0xdeadbeef", result.TxRef)
	assert.Equal(t, big.NewInt(1_000_000_000), result.Amount)

	// Exactly redeem, approve-exact, deposit-exact.
	require.Len(t, f.submitter.calls, 3)
	assert.Equal(t, adapters.SelectorRedeem, f.submitter.calls[0].Selector())
	assert.Equal(t, adapters.SelectorApprove, f.submitter.calls[1].Selector())
	assert.Equal(t, adapters.SelectorDeposit, f.submitter.calls[2].Selector())
	for _, call := range f.submitter.calls {
		assert.False(t, bytes.Contains(call.Payload, maxUint256), "no unbounded sentinel anywhere")
	}
	// Approve and deposit both carry the previewed exact amount.
	assert.Equal(t, big.NewInt(1_000_000_000), new(big.Int).SetBytes(f.submitter.calls[1].Payload[36:68]))
	assert.Equal(t, big.NewInt(1_000_000_000), new(big.Int).SetBytes(f.submitter.calls[2].Payload[4:36]))
	assert.Equal(t, uint64(2_000_000), f.submitter.gasLimit)

	// Step machine fully confirmed.
	require.Len(t, result.Steps, 3)
	for _, step := range result.Steps {
		assert.Equal(t, model.StatusCompleted, step.Status)
	}

	// Audit entry written.
	actions, err := f.actions.RecentActions(ctx, owner)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, model.ActionRebalance, actions[0].Type)
	assert.Equal(t, model.StatusCompleted, actions[0].Status)
	assert.Equal(t, "1000000000", actions[0].Amount)
	assert.Equal(t, "0xdeadbeef", actions[0].TxRef)
}

func TestExecute_DuplicateObservesInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lease, err := f.locks.Acquire(ctx, owner, time.Minute)
	require.NoError(t, err)
	defer lease.Release(ctx)

	result := f.coordinator.Execute(ctx, owner, decision(), f.cred)

	assert.Equal(t, model.StatusInProgress, result.Status)
	assert.Zero(t, f.submitter.submits, "a duplicate run must perform zero calls")
}

func TestExecute_LockReleasedAfterCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.coordinator.Execute(ctx, owner, decision(), f.cred)
	require.Equal(t, model.StatusCompleted, first.Status)

	second := f.coordinator.Execute(ctx, owner, decision(), f.cred)
	assert.NotEqual(t, model.StatusInProgress, second.Status, "lock must be released after a run")
}

func TestExecute_RateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, f.limiter.Record(ctx, owner))
	}

	result := f.coordinator.Execute(ctx, owner, decision(), f.cred)

	assert.Equal(t, model.StatusRateLimited, result.Status)
	assert.Greater(t, result.RetryAfterSeconds, int64(0))
	assert.Zero(t, f.submitter.submits)
}

func TestExecute_CredentialCallCeilingBinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The credential's daily allowance is tighter than the service-wide
	// limit of 10; it must gate execution on its own.
	f.cred.Policy.CallsPerDay = 1

	first := f.coordinator.Execute(ctx, owner, decision(), f.cred)
	require.Equal(t, model.StatusCompleted, first.Status, "reason: %s", first.Reason)

	second := f.coordinator.Execute(ctx, owner, decision(), f.cred)
	assert.Equal(t, model.StatusRateLimited, second.Status)
	assert.Greater(t, second.RetryAfterSeconds, int64(0))
	assert.Equal(t, 1, f.submitter.submits)
}

func TestExecute_RejectsNonRebalanceDecision(t *testing.T) {
	f := newFixture(t)

	d := decision()
	d.ShouldRebalance = false
	result := f.coordinator.Execute(context.Background(), owner, d, f.cred)

	assert.Equal(t, model.StatusRejected, result.Status)
	assert.Zero(t, f.submitter.submits)
}

func TestExecute_RejectsInvalidCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sessions.Revoke(ctx, owner))
	revoked, err := f.sessions.Load(ctx, owner)
	require.NoError(t, err)

	result := f.coordinator.Execute(ctx, owner, decision(), revoked)

	assert.Equal(t, model.StatusRejected, result.Status)
	assert.Contains(t, result.Reason, "Re-register", "user-facing remediation hint")
	assert.Zero(t, f.submitter.submits)
}

func TestExecute_PolicyRejectsUnapprovedVault(t *testing.T) {
	f := newFixture(t)

	d := decision()
	d.To = &model.Opportunity{Protocol: "yearn", Vault: common.HexToAddress("0xBAD"), APY: 0.09, TotalLiquidityUSD: 5_000_000}
	result := f.coordinator.Execute(context.Background(), owner, d, f.cred)

	assert.Equal(t, model.StatusRejected, result.Status)
	assert.Contains(t, result.Reason, "policy rejected")
	assert.Zero(t, f.submitter.submits, "no submission on a policy violation")
}

func TestExecute_SubmitFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitter.err = errors.New("nonce too low")

	result := f.coordinator.Execute(ctx, owner, decision(), f.cred)

	require.Equal(t, model.StatusFailed, result.Status)
	require.Len(t, result.Steps, 3)
	for _, step := range result.Steps {
		assert.Equal(t, model.StatusFailed, step.Status)
	}

	// Execution failures are durably persisted for audit.
	durable, err := f.reporter.Durable(ctx, 10)
	require.NoError(t, err)
	require.Len(t, durable, 1)
	assert.Equal(t, errs.CategoryExecution, durable[0].Category)

	// And the lock is still released.
	lease, err := f.locks.Acquire(ctx, owner, time.Minute)
	require.NoError(t, err)
	lease.Release(ctx)
}

func TestExecute_PreviewFailureMarksApproveStep(t *testing.T) {
	backend := kv.NewMemory()
	enc, err := security.NewEncryptor(testKey)
	require.NoError(t, err)
	sessions := session.NewManager(backend, store.New(backend), enc, session.Config{
		MaxDepositPerCall: big.NewInt(10_000_000_000),
		GasCeiling:        2_000_000,
		DailyCallLimit:    30,
		Validity:          7 * 24 * time.Hour,
		AuthorityContract: authority,
		RevocationTTL:     24 * time.Hour,
	})
	_, err = sessions.Issue(context.Background(), owner, []common.Address{vaultA, vaultB}, session.DelegationProof{
		Target: authority, ExpiresAt: time.Now().Add(time.Hour), Payload: []byte{0x01},
	})
	require.NoError(t, err)
	cred, err := sessions.Load(context.Background(), owner)
	require.NoError(t, err)

	venue := &vaultVenue{name: "yearn", previewErr: errors.New("vault paused")}
	submitter := &recordingSubmitter{}
	coordinator := New(lock.NewManager(backend), ratelimit.New(backend, 10, 24*time.Hour),
		adapters.NewRegistry(venue), sessions, submitter, store.New(backend), errs.NewReporter(backend),
		2*time.Minute, 90*time.Second)

	result := coordinator.Execute(context.Background(), owner, decision(), cred)

	require.Equal(t, model.StatusFailed, result.Status)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, model.StepApprove, result.Steps[0].Step)
	assert.Equal(t, model.StatusFailed, result.Steps[0].Status)
	assert.Zero(t, submitter.submits)
}
