package validation

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/yourorg/yield-autopilot/internal/model"
)

func freshOpportunity(vault string, apy, liquidity float64) model.Opportunity {
	return model.Opportunity{
		Protocol:          "aave-v3",
		Asset:             "USDC",
		Vault:             common.HexToAddress(vault),
		APY:               apy,
		TotalLiquidityUSD: liquidity,
		RiskScore:         0.2,
		CollectedAt:       time.Now().Unix(),
	}
}

func TestFilterEligible_BasicCriteria(t *testing.T) {
	opts := DefaultValidationOptions()
	opts.EnableOutlierDetection = false

	tests := []struct {
		name   string
		mutate func(*model.Opportunity)
		kept   bool
	}{
		{"healthy venue", func(o *model.Opportunity) {}, true},
		{"restricted access", func(o *model.Opportunity) { o.AccessRestricted = true }, false},
		{"severe warning", func(o *model.Opportunity) { o.Warnings = []string{"severe: oracle failure"} }, false},
		{"exploit warning", func(o *model.Opportunity) { o.Warnings = []string{"Exploit reported upstream"} }, false},
		{"mild warning kept", func(o *model.Opportunity) { o.Warnings = []string{"high utilization"} }, true},
		{"negative yield", func(o *model.Opportunity) { o.APY = -0.01 }, false},
		{"implausible yield", func(o *model.Opportunity) { o.APY = 20.0 }, false},
		{"thin liquidity", func(o *model.Opportunity) { o.TotalLiquidityUSD = 50_000 }, false},
		{"too risky", func(o *model.Opportunity) { o.RiskScore = 0.95 }, false},
		{"stale snapshot", func(o *model.Opportunity) { o.CollectedAt = time.Now().Add(-2 * time.Hour).Unix() }, false},
		{"missing protocol", func(o *model.Opportunity) { o.Protocol = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opp := freshOpportunity("0x01", 0.05, 1_000_000)
			tt.mutate(&opp)
			kept := FilterEligibleWithOptions([]model.Opportunity{opp}, opts)
			if tt.kept {
				assert.Len(t, kept, 1)
			} else {
				assert.Empty(t, kept)
			}
		})
	}
}

func TestFilterEligible_OutlierDetection(t *testing.T) {
	opts := DefaultValidationOptions()
	opts.EnableOutlierDetection = true

	opps := []model.Opportunity{
		freshOpportunity("0x01", 0.040, 1_000_000),
		freshOpportunity("0x02", 0.045, 1_000_000),
		freshOpportunity("0x03", 0.050, 1_000_000),
		freshOpportunity("0x04", 0.055, 1_000_000),
		freshOpportunity("0x05", 5.0, 1_000_000), // wildly off-consensus
	}

	kept := FilterEligibleWithOptions(opps, opts)
	for _, opp := range kept {
		assert.NotEqual(t, common.HexToAddress("0x05"), opp.Vault, "outlier must be removed")
	}
	assert.GreaterOrEqual(t, len(kept), 4)
}

func TestFilterEligible_SmallSetsSkipOutlierDetection(t *testing.T) {
	opps := []model.Opportunity{
		freshOpportunity("0x01", 0.04, 1_000_000),
		freshOpportunity("0x02", 0.06, 1_000_000),
	}
	kept := FilterEligible(opps)
	assert.Len(t, kept, 2)
}

func TestHasSevereWarning(t *testing.T) {
	opp := freshOpportunity("0x01", 0.05, 1_000_000)
	assert.False(t, HasSevereWarning(opp))

	opp.Warnings = []string{"vault PAUSED by guardian"}
	assert.True(t, HasSevereWarning(opp))

	opp.Warnings = []string{"utilization above 90%"}
	assert.False(t, HasSevereWarning(opp))
}
