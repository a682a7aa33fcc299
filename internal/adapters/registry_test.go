package adapters

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

// fakeAdapter is a minimal in-memory Adapter for registry tests.
type fakeAdapter struct {
	name      string
	enabled   bool
	opps      []model.Opportunity
	positions []model.Position
	err       error
}

func (f *fakeAdapter) Name() string  { return f.name }
func (f *fakeAdapter) Enabled() bool { return f.enabled }

func (f *fakeAdapter) Opportunities(ctx context.Context) ([]model.Opportunity, error) {
	return f.opps, f.err
}

func (f *fakeAdapter) Positions(ctx context.Context, account common.Address) ([]model.Position, error) {
	return f.positions, f.err
}

func (f *fakeAdapter) BuildDeposit(ctx context.Context, amount *big.Int, account, vault common.Address) ([]model.Call, error) {
	return nil, nil
}

func (f *fakeAdapter) BuildWithdraw(ctx context.Context, account, vault common.Address, shares *big.Int) ([]model.Call, error) {
	return nil, nil
}

func (f *fakeAdapter) PreviewRedeem(ctx context.Context, vault common.Address, shares *big.Int) (*big.Int, error) {
	return new(big.Int).Set(shares), nil
}

func opp(protocol, vault string, apy float64) model.Opportunity {
	return model.Opportunity{Protocol: protocol, Vault: common.HexToAddress(vault), APY: apy}
}

func TestRegistry_FlattensAndSortsDescending(t *testing.T) {
	r := NewRegistry(
		&fakeAdapter{name: "a", enabled: true, opps: []model.Opportunity{opp("a", "0x01", 0.03), opp("a", "0x02", 0.07)}},
		&fakeAdapter{name: "b", enabled: true, opps: []model.Opportunity{opp("b", "0x03", 0.05)}},
	)

	opps, err := r.Opportunities(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 3)
	assert.Equal(t, 0.07, opps[0].APY)
	assert.Equal(t, 0.05, opps[1].APY)
	assert.Equal(t, 0.03, opps[2].APY)
}

func TestRegistry_SkipsDisabledAdapters(t *testing.T) {
	r := NewRegistry(
		&fakeAdapter{name: "a", enabled: true, opps: []model.Opportunity{opp("a", "0x01", 0.03)}},
		&fakeAdapter{name: "b", enabled: false, opps: []model.Opportunity{opp("b", "0x02", 0.09)}},
	)

	opps, err := r.Opportunities(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Equal(t, "a", opps[0].Protocol)
}

func TestRegistry_ToleratesPartialFailure(t *testing.T) {
	failures := 0
	r := NewRegistry(
		&fakeAdapter{name: "a", enabled: true, opps: []model.Opportunity{opp("a", "0x01", 0.03)}},
		&fakeAdapter{name: "b", enabled: true, err: errors.New("venue down")},
	).WithErrorHook(func(adapter string, err error) { failures++ })

	opps, err := r.Opportunities(context.Background())
	require.NoError(t, err, "one healthy adapter is enough")
	assert.Len(t, opps, 1)
	assert.Equal(t, 1, failures)
}

func TestRegistry_AllAdaptersFailed(t *testing.T) {
	r := NewRegistry(
		&fakeAdapter{name: "a", enabled: true, err: errors.New("down")},
		&fakeAdapter{name: "b", enabled: true, err: errors.New("also down")},
	)

	_, err := r.Opportunities(context.Background())
	assert.Error(t, err)
}

func TestRegistry_VaultAPY(t *testing.T) {
	r := NewRegistry(
		&fakeAdapter{name: "a", enabled: true, opps: []model.Opportunity{opp("a", "0x01", 0.04)}},
	)

	apy, err := r.VaultAPY(context.Background(), "a", common.HexToAddress("0x01"))
	require.NoError(t, err)
	assert.Equal(t, 0.04, apy)

	_, err = r.VaultAPY(context.Background(), "a", common.HexToAddress("0x99"))
	assert.Error(t, err, "unreported vault must be an error")

	_, err = r.VaultAPY(context.Background(), "nope", common.HexToAddress("0x01"))
	assert.Error(t, err, "unknown protocol must be an error")
}

func TestRegistry_Positions(t *testing.T) {
	pos := model.Position{Protocol: "a", Vault: common.HexToAddress("0x01"), Shares: big.NewInt(10), Amount: big.NewInt(10)}
	r := NewRegistry(
		&fakeAdapter{name: "a", enabled: true, positions: []model.Position{pos}},
		&fakeAdapter{name: "b", enabled: true, err: errors.New("down")},
	)

	positions, err := r.Positions(context.Background(), common.HexToAddress("0xaa"))
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "a", positions[0].Protocol)
}
