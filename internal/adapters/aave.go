package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-autopilot/internal/model"
)

// AaveAdapter reads an Aave-V3-style lending market. Deposits are
// supplied to a single Pool contract; positions are held as 1:1
// interest-bearing aTokens, so share and asset amounts coincide.
type AaveAdapter struct {
	baseURL    string
	httpClient *http.Client
	pool       common.Address
	enabled    bool

	mu     sync.RWMutex
	assets map[common.Address]common.Address // aToken -> underlying asset
}

// NewAaveAdapter creates an adapter for the given market API and Pool contract.
func NewAaveAdapter(baseURL string, pool common.Address) *AaveAdapter {
	return &AaveAdapter{
		baseURL:    baseURL,
		httpClient: StandardClient(newRetryClient()),
		pool:       pool,
		enabled:    true,
		assets:     make(map[common.Address]common.Address),
	}
}

// Name implements Adapter.
func (a *AaveAdapter) Name() string { return "aave-v3" }

// Enabled implements Adapter.
func (a *AaveAdapter) Enabled() bool { return a.enabled }

// SetEnabled toggles the adapter's participation in registry fan-out.
func (a *AaveAdapter) SetEnabled(enabled bool) { a.enabled = enabled }

// aaveReserve matches the venue collaborator's read endpoint shape.
type aaveReserve struct {
	Address           string   `json:"address"`
	ATokenAddress     string   `json:"aTokenAddress"`
	Name              string   `json:"name"`
	Symbol            string   `json:"symbol"`
	YieldRate         float64  `json:"yieldRate"`
	TotalLiquidityUSD float64  `json:"totalLiquidityUSD"`
	RiskScore         float64  `json:"riskScore"`
	Warnings          []string `json:"warnings"`
	AccessRestricted  bool     `json:"accessRestricted"`
}

// Opportunities implements Adapter.
func (a *AaveAdapter) Opportunities(ctx context.Context) ([]model.Opportunity, error) {
	var response struct {
		Reserves []aaveReserve `json:"reserves"`
	}
	if err := a.getJSON(ctx, a.baseURL+"/v1/markets", &response); err != nil {
		return nil, fmt.Errorf("fetching aave markets: %w", err)
	}

	opps := make([]model.Opportunity, 0, len(response.Reserves))
	a.mu.Lock()
	for _, r := range response.Reserves {
		aToken := common.HexToAddress(r.ATokenAddress)
		asset := common.HexToAddress(r.Address)
		a.assets[aToken] = asset

		opps = append(opps, model.Opportunity{
			Protocol:          a.Name(),
			Asset:             r.Symbol,
			AssetAddress:      asset,
			Vault:             aToken,
			APY:               r.YieldRate,
			TotalLiquidityUSD: r.TotalLiquidityUSD,
			RiskScore:         r.RiskScore,
			Warnings:          r.Warnings,
			AccessRestricted:  r.AccessRestricted,
			Metadata:          map[string]string{"name": r.Name, "pool": a.pool.Hex()},
			CollectedAt:       time.Now().Unix(),
		})
	}
	a.mu.Unlock()

	logrus.Debugf("Aave adapter reported %d reserves", len(opps))
	return opps, nil
}

// Positions implements Adapter.
func (a *AaveAdapter) Positions(ctx context.Context, account common.Address) ([]model.Position, error) {
	var response struct {
		Positions []struct {
			ATokenAddress string  `json:"aTokenAddress"`
			Balance       string  `json:"balance"`
			BalanceUSD    float64 `json:"balanceUSD"`
			YieldRate     float64 `json:"yieldRate"`
			EnteredAt     int64   `json:"enteredAt"`
		} `json:"positions"`
	}
	url := fmt.Sprintf("%s/v1/positions/%s", a.baseURL, account.Hex())
	if err := a.getJSON(ctx, url, &response); err != nil {
		return nil, fmt.Errorf("fetching aave positions: %w", err)
	}

	positions := make([]model.Position, 0, len(response.Positions))
	for _, p := range response.Positions {
		balance, ok := new(big.Int).SetString(p.Balance, 10)
		if !ok || balance.Sign() < 0 {
			logrus.Warnf("Skipping aave position with invalid balance %q", p.Balance)
			continue
		}
		positions = append(positions, model.Position{
			Protocol: a.Name(),
			Vault:    common.HexToAddress(p.ATokenAddress),
			// aTokens redeem 1:1, so shares and underlying coincide.
			Shares:    balance,
			Amount:    new(big.Int).Set(balance),
			ValueUSD:  p.BalanceUSD,
			APY:       p.YieldRate,
			EnteredAt: time.Unix(p.EnteredAt, 0),
		})
	}
	return positions, nil
}

// BuildDeposit implements Adapter: approve the Pool for the exact
// amount, then supply it on behalf of the account.
func (a *AaveAdapter) BuildDeposit(_ context.Context, amount *big.Int, account, vault common.Address) ([]model.Call, error) {
	asset, err := a.assetOf(vault)
	if err != nil {
		return nil, err
	}
	return []model.Call{
		ApproveCall(asset, a.pool, amount),
		AaveSupplyCall(a.pool, asset, amount, account),
	}, nil
}

// BuildWithdraw implements Adapter: withdraw the exact aToken balance
// back to the account.
func (a *AaveAdapter) BuildWithdraw(_ context.Context, account, vault common.Address, shares *big.Int) ([]model.Call, error) {
	asset, err := a.assetOf(vault)
	if err != nil {
		return nil, err
	}
	return []model.Call{
		AaveWithdrawCall(a.pool, asset, shares, account),
	}, nil
}

// PreviewRedeem implements Adapter. aTokens redeem 1:1 with the
// underlying, so the redeemable amount equals the share balance.
func (a *AaveAdapter) PreviewRedeem(_ context.Context, _ common.Address, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() < 0 {
		return nil, fmt.Errorf("invalid share amount")
	}
	return new(big.Int).Set(shares), nil
}

func (a *AaveAdapter) assetOf(vault common.Address) (common.Address, error) {
	a.mu.RLock()
	asset, ok := a.assets[vault]
	a.mu.RUnlock()
	if !ok {
		return common.Address{}, fmt.Errorf("unknown aave vault %s: markets not yet read", vault.Hex())
	}
	return asset, nil
}

func (a *AaveAdapter) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error fetching data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("aave API error: status %d, body: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
