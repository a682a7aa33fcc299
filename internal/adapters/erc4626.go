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

// VaultAdapter reads a family of ERC-4626 vaults (Yearn-style). Shares
// are vault tokens whose redemption rate against the underlying moves
// over time, so the exact redeemable amount must be previewed on-chain.
type VaultAdapter struct {
	name       string
	baseURL    string
	httpClient *http.Client
	rpc        *RPCClient
	enabled    bool

	mu     sync.RWMutex
	assets map[common.Address]common.Address // vault -> underlying asset
}

// NewVaultAdapter creates an adapter for an ERC-4626 vault registry API
// with on-chain previews through the given RPC client.
func NewVaultAdapter(name, baseURL string, rpc *RPCClient) *VaultAdapter {
	return &VaultAdapter{
		name:       name,
		baseURL:    baseURL,
		httpClient: StandardClient(newRetryClient()),
		rpc:        rpc,
		enabled:    true,
		assets:     make(map[common.Address]common.Address),
	}
}

// Name implements Adapter.
func (v *VaultAdapter) Name() string { return v.name }

// Enabled implements Adapter.
func (v *VaultAdapter) Enabled() bool { return v.enabled }

// SetEnabled toggles the adapter's participation in registry fan-out.
func (v *VaultAdapter) SetEnabled(enabled bool) { v.enabled = enabled }

// vaultInfo matches the venue collaborator's read endpoint shape.
type vaultInfo struct {
	Address           string   `json:"address"`
	AssetAddress      string   `json:"assetAddress"`
	Name              string   `json:"name"`
	Symbol            string   `json:"symbol"`
	YieldRate         float64  `json:"yieldRate"`
	TotalLiquidityUSD float64  `json:"totalLiquidityUSD"`
	RiskScore         float64  `json:"riskScore"`
	Warnings          []string `json:"warnings"`
	AccessRestricted  bool     `json:"accessRestricted"`
}

// Opportunities implements Adapter.
func (v *VaultAdapter) Opportunities(ctx context.Context) ([]model.Opportunity, error) {
	var vaults []vaultInfo
	if err := v.getJSON(ctx, v.baseURL+"/v1/vaults", &vaults); err != nil {
		return nil, fmt.Errorf("fetching vaults: %w", err)
	}

	opps := make([]model.Opportunity, 0, len(vaults))
	v.mu.Lock()
	for _, info := range vaults {
		vault := common.HexToAddress(info.Address)
		asset := common.HexToAddress(info.AssetAddress)
		v.assets[vault] = asset

		opps = append(opps, model.Opportunity{
			Protocol:          v.name,
			Asset:             info.Symbol,
			AssetAddress:      asset,
			Vault:             vault,
			APY:               info.YieldRate,
			TotalLiquidityUSD: info.TotalLiquidityUSD,
			RiskScore:         info.RiskScore,
			Warnings:          info.Warnings,
			AccessRestricted:  info.AccessRestricted,
			Metadata:          map[string]string{"name": info.Name},
			CollectedAt:       time.Now().Unix(),
		})
	}
	v.mu.Unlock()

	logrus.Debugf("Vault adapter %s reported %d vaults", v.name, len(opps))
	return opps, nil
}

// Positions implements Adapter.
func (v *VaultAdapter) Positions(ctx context.Context, account common.Address) ([]model.Position, error) {
	var response struct {
		Positions []struct {
			Vault     string  `json:"vault"`
			Shares    string  `json:"shares"`
			Assets    string  `json:"assets"`
			ValueUSD  float64 `json:"valueUSD"`
			YieldRate float64 `json:"yieldRate"`
			EnteredAt int64   `json:"enteredAt"`
		} `json:"positions"`
	}
	url := fmt.Sprintf("%s/v1/positions/%s", v.baseURL, account.Hex())
	if err := v.getJSON(ctx, url, &response); err != nil {
		return nil, fmt.Errorf("fetching vault positions: %w", err)
	}

	positions := make([]model.Position, 0, len(response.Positions))
	for _, p := range response.Positions {
		shares, sharesOK := new(big.Int).SetString(p.Shares, 10)
		assets, assetsOK := new(big.Int).SetString(p.Assets, 10)
		if !sharesOK || !assetsOK || shares.Sign() < 0 {
			logrus.Warnf("Skipping vault position with invalid amounts %q/%q", p.Shares, p.Assets)
			continue
		}
		positions = append(positions, model.Position{
			Protocol:  v.name,
			Vault:     common.HexToAddress(p.Vault),
			Shares:    shares,
			Amount:    assets,
			ValueUSD:  p.ValueUSD,
			APY:       p.YieldRate,
			EnteredAt: time.Unix(p.EnteredAt, 0),
		})
	}
	return positions, nil
}

// BuildDeposit implements Adapter: approve the vault for the exact
// amount, then deposit it with the account as receiver.
func (v *VaultAdapter) BuildDeposit(ctx context.Context, amount *big.Int, account, vault common.Address) ([]model.Call, error) {
	asset, err := v.assetOf(ctx, vault)
	if err != nil {
		return nil, err
	}
	return []model.Call{
		ApproveCall(asset, vault, amount),
		VaultDepositCall(vault, amount, account),
	}, nil
}

// BuildWithdraw implements Adapter: redeem the exact share balance with
// the account as both receiver and owner.
func (v *VaultAdapter) BuildWithdraw(_ context.Context, account, vault common.Address, shares *big.Int) ([]model.Call, error) {
	return []model.Call{
		VaultRedeemCall(vault, shares, account, account),
	}, nil
}

// PreviewRedeem implements Adapter via an on-chain previewRedeem read.
func (v *VaultAdapter) PreviewRedeem(ctx context.Context, vault common.Address, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() < 0 {
		return nil, fmt.Errorf("invalid share amount")
	}
	raw, err := v.rpc.EthCall(ctx, vault, PreviewRedeemData(shares))
	if err != nil {
		return nil, fmt.Errorf("previewRedeem on %s: %w", vault.Hex(), err)
	}
	return decodeUint256(raw)
}

// assetOf resolves a vault's underlying asset, falling back to an
// on-chain asset() read when the API listing has not been seen yet.
func (v *VaultAdapter) assetOf(ctx context.Context, vault common.Address) (common.Address, error) {
	v.mu.RLock()
	asset, ok := v.assets[vault]
	v.mu.RUnlock()
	if ok {
		return asset, nil
	}

	raw, err := v.rpc.EthCall(ctx, vault, AssetData())
	if err != nil {
		return common.Address{}, fmt.Errorf("resolving asset of %s: %w", vault.Hex(), err)
	}
	if len(raw) < 32 {
		return common.Address{}, fmt.Errorf("short asset() response from %s", vault.Hex())
	}
	asset = common.BytesToAddress(raw[12:32])

	v.mu.Lock()
	v.assets[vault] = asset
	v.mu.Unlock()
	return asset, nil
}

func (v *VaultAdapter) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error fetching data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vault API error: status %d, body: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
