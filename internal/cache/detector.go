package cache

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-autopilot/internal/kv"
	"github.com/yourorg/yield-autopilot/internal/model"
)

// ChangeEvent reports one vault whose yield moved beyond the threshold
// relative to its rolling baseline.
type ChangeEvent struct {
	Protocol string         `json:"protocol"`
	Vault    common.Address `json:"vault"`
	Previous float64        `json:"previous"`
	Current  float64        `json:"current"`
	Delta    float64        `json:"delta"`
}

// ChangeReport splits change events by direction. Dropped vaults are
// rebalance-out candidates fed into the decision engine's targeted set.
type ChangeReport struct {
	Dropped  []ChangeEvent `json:"dropped"`
	Improved []ChangeEvent `json:"improved"`
}

// DroppedVaults returns the set of vault addresses whose yield fell.
func (r ChangeReport) DroppedVaults() map[common.Address]bool {
	set := make(map[common.Address]bool, len(r.Dropped))
	for _, ev := range r.Dropped {
		set[ev.Vault] = true
	}
	return set
}

// ChangeDetector keeps a ~24h baseline yield per vault and diffs each
// poll against it.
type ChangeDetector struct {
	store       kv.Store
	baselineTTL time.Duration
	threshold   float64
}

// NewChangeDetector builds a detector emitting events when |delta|
// meets or exceeds threshold.
func NewChangeDetector(store kv.Store, baselineTTL time.Duration, threshold float64) *ChangeDetector {
	return &ChangeDetector{store: store, baselineTTL: baselineTTL, threshold: threshold}
}

func baselineKey(vault common.Address) string {
	return "yield:baseline:" + vault.Hex()
}

// Observe diffs the current readings against stored baselines and emits
// change events. Baselines are always refreshed to the latest reading,
// whether or not an event fired; a vault seen for the first time only
// seeds its baseline.
func (d *ChangeDetector) Observe(ctx context.Context, opportunities []model.Opportunity) (ChangeReport, error) {
	var report ChangeReport

	for _, opp := range opportunities {
		key := baselineKey(opp.Vault)

		raw, err := d.store.Get(ctx, key)
		switch {
		case err == kv.ErrNotFound:
			// First sighting: seed only.
		case err != nil:
			return report, fmt.Errorf("reading baseline for %s: %w", opp.Vault.Hex(), err)
		default:
			baseline, parseErr := strconv.ParseFloat(raw, 64)
			if parseErr == nil {
				delta := opp.APY - baseline
				if math.Abs(delta) >= d.threshold {
					ev := ChangeEvent{
						Protocol: opp.Protocol,
						Vault:    opp.Vault,
						Previous: baseline,
						Current:  opp.APY,
						Delta:    delta,
					}
					if delta < 0 {
						report.Dropped = append(report.Dropped, ev)
					} else {
						report.Improved = append(report.Improved, ev)
					}
					logrus.WithFields(logrus.Fields{
						"protocol": opp.Protocol,
						"vault":    opp.Vault.Hex(),
						"previous": fmt.Sprintf("%.4f", baseline),
						"current":  fmt.Sprintf("%.4f", opp.APY),
					}).Info("Vault yield change detected")
				}
			}
		}

		if err := d.store.Set(ctx, key, strconv.FormatFloat(opp.APY, 'f', -1, 64), d.baselineTTL); err != nil {
			return report, fmt.Errorf("refreshing baseline for %s: %w", opp.Vault.Hex(), err)
		}
	}

	return report, nil
}
