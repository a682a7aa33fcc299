// Package validation provides filtering and validation mechanisms for
// venue opportunities before they reach the decision engine.
package validation

import (
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-autopilot/internal/model"
)

// ValidationOptions holds configuration for the filtering process
type ValidationOptions struct {
	// MaxAge defines how recent snapshots must be to be considered valid
	MaxAge time.Duration

	// MinLiquidityUSD is the liquidity floor below which a venue is skipped
	MinLiquidityUSD float64

	// MaxAPY defines the maximum plausible yield rate (decimal fraction)
	MaxAPY float64

	// MaxRiskScore excludes venues above this risk rating
	MaxRiskScore float64

	// EnableOutlierDetection enables statistical outlier detection
	EnableOutlierDetection bool

	// OutlierIQRMultiplier defines sensitivity for outlier detection (1.5 is standard)
	OutlierIQRMultiplier float64
}

// DefaultValidationOptions returns sensible defaults for filtering
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MaxAge:                 time.Hour,
		MinLiquidityUSD:        100_000,
		MaxAPY:                 10.0, // 1000% as decimal
		MaxRiskScore:           0.8,
		EnableOutlierDetection: true,
		OutlierIQRMultiplier:   1.5,
	}
}

// severeWarningMarkers identify venue advisories that make a venue
// ineligible regardless of its yield.
var severeWarningMarkers = []string{
	"severe",
	"exploit",
	"paused",
	"emergency",
	"deprecated",
}

// FilterEligible removes opportunities that must never reach the
// decision engine: severe warnings, restricted access, implausible or
// stale data, insufficient liquidity.
func FilterEligible(opportunities []model.Opportunity) []model.Opportunity {
	return FilterEligibleWithOptions(opportunities, DefaultValidationOptions())
}

// FilterEligibleWithOptions removes ineligible opportunities with custom options.
func FilterEligibleWithOptions(opportunities []model.Opportunity, opts ValidationOptions) []model.Opportunity {
	valid := filterBasicCriteria(opportunities, opts)

	if opts.EnableOutlierDetection && len(valid) > 3 {
		return filterOutliers(valid, opts.OutlierIQRMultiplier)
	}
	return valid
}

// filterBasicCriteria applies the fundamental eligibility rules to each opportunity
func filterBasicCriteria(opportunities []model.Opportunity, opts ValidationOptions) []model.Opportunity {
	valid := make([]model.Opportunity, 0, len(opportunities))
	for _, opp := range opportunities {
		if isEligible(opp, opts) {
			valid = append(valid, opp)
		} else {
			logrus.WithFields(logrus.Fields{
				"protocol":  opp.Protocol,
				"vault":     opp.Vault.Hex(),
				"apy":       opp.APY,
				"liquidity": opp.TotalLiquidityUSD,
			}).Debug("Filtered ineligible opportunity")
		}
	}
	return valid
}

// isEligible checks if a single opportunity meets all eligibility criteria
func isEligible(opp model.Opportunity, opts ValidationOptions) bool {
	// Restricted venues can swallow deposits we cannot withdraw
	if opp.AccessRestricted {
		return false
	}

	if HasSevereWarning(opp) {
		return false
	}

	// Negative yields don't make sense
	if opp.APY < 0 {
		return false
	}

	// Unreasonably high APY is a data error or a trap
	if opp.APY > opts.MaxAPY {
		return false
	}

	// Sufficient liquidity protects against manipulation of thin pools
	if opp.TotalLiquidityUSD < opts.MinLiquidityUSD {
		return false
	}

	if opp.RiskScore > opts.MaxRiskScore {
		return false
	}

	// Check if the snapshot is recent enough
	collectedAt := time.Unix(opp.CollectedAt, 0)
	if time.Since(collectedAt) > opts.MaxAge {
		return false
	}

	// Check for valid protocol identifier
	if opp.Protocol == "" {
		return false
	}

	return true
}

// HasSevereWarning reports whether any venue advisory matches a severe marker.
func HasSevereWarning(opp model.Opportunity) bool {
	for _, warning := range opp.Warnings {
		lowered := strings.ToLower(warning)
		for _, marker := range severeWarningMarkers {
			if strings.Contains(lowered, marker) {
				return true
			}
		}
	}
	return false
}

// filterOutliers removes statistical outliers using the IQR method
func filterOutliers(opportunities []model.Opportunity, iqrMultiplier float64) []model.Opportunity {
	if len(opportunities) <= 3 {
		return opportunities // Need at least 4 points for meaningful outlier detection
	}

	// Extract APY values
	apys := make([]float64, len(opportunities))
	for i, opp := range opportunities {
		apys[i] = opp.APY
	}

	// Calculate Q1, Q3, and IQR
	sort.Float64s(apys)
	q1Idx := len(apys) / 4
	q3Idx := len(apys) * 3 / 4
	q1 := apys[q1Idx]
	q3 := apys[q3Idx]
	iqr := q3 - q1

	// Calculate bounds
	lowerBound := q1 - iqrMultiplier*iqr
	upperBound := q3 + iqrMultiplier*iqr

	// If bounds are too strict, adjust them to ensure we don't filter too aggressively
	if upperBound-lowerBound < 0.005 { // Very small range
		mean := calculateMean(apys)
		lowerBound = mean * 0.5 // Allow down to 50% of mean
		upperBound = mean * 2.0 // Allow up to 200% of mean
	}

	// Filter outliers
	valid := make([]model.Opportunity, 0, len(opportunities))
	for _, opp := range opportunities {
		if opp.APY >= lowerBound && opp.APY <= upperBound {
			valid = append(valid, opp)
		} else {
			logrus.WithFields(logrus.Fields{
				"protocol": opp.Protocol,
				"vault":    opp.Vault.Hex(),
				"apy":      opp.APY,
				"bounds":   []float64{lowerBound, upperBound},
			}).Info("Filtered outlier opportunity")
		}
	}

	logrus.WithFields(logrus.Fields{
		"total":    len(opportunities),
		"filtered": len(opportunities) - len(valid),
		"bounds":   []float64{lowerBound, upperBound},
	}).Debug("Outlier filtering complete")

	return valid
}

// calculateMean computes the arithmetic mean of a slice of float64
func calculateMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
