package schedconfig

import (
	"fmt"
	"math"
)

// weightTolerance is the floating tolerance when checking that the four
// scoring weights sum to 1.0.
const weightTolerance = 1e-6

// Validate checks a candidate configuration and returns the first violation
// found as a single fatal error. A nil return means the candidate is safe to
// persist. Validate also normalizes the memory overcommit ratio: memory is
// never overcommitted, so an unset (zero) ratio becomes 1.0 and anything
// else is rejected.
func (c *SchedulingConfig) Validate() error {
	if c.BaselineBenchmark <= 0 {
		return fmt.Errorf("baselineBenchmark must be positive, got %.2f", c.BaselineBenchmark)
	}
	if c.MaxPerformanceMultiplier <= 0 {
		return fmt.Errorf("maxPerformanceMultiplier must be positive, got %.2f", c.MaxPerformanceMultiplier)
	}

	if len(c.Tiers) == 0 {
		return fmt.Errorf("tier map is empty")
	}
	if _, ok := c.Tiers[TierBurstable]; !ok {
		return fmt.Errorf("tier map is missing the %s tier", TierBurstable)
	}
	for tier, tc := range c.Tiers {
		if tc.MinimumBenchmark <= 0 {
			return fmt.Errorf("tier %s: minimumBenchmark must be positive, got %.2f", tier, tc.MinimumBenchmark)
		}
		if tc.CpuOvercommitRatio <= 0 {
			return fmt.Errorf("tier %s: cpuOvercommitRatio must be positive, got %.2f", tier, tc.CpuOvercommitRatio)
		}
		if tc.StorageOvercommitRatio <= 0 {
			return fmt.Errorf("tier %s: storageOvercommitRatio must be positive, got %.2f", tier, tc.StorageOvercommitRatio)
		}
		if tc.PriceMultiplier < 0 {
			return fmt.Errorf("tier %s: priceMultiplier must not be negative, got %.2f", tier, tc.PriceMultiplier)
		}
		switch tc.MemoryOvercommitRatio {
		case 0:
			tc.MemoryOvercommitRatio = 1.0
			c.Tiers[tier] = tc
		case 1.0:
		default:
			return fmt.Errorf("tier %s: memory overcommit is fixed at 1.0, got %.2f", tier, tc.MemoryOvercommitRatio)
		}
	}

	if c.Limits.MaxUtilizationPercent <= 0 || c.Limits.MaxUtilizationPercent > 100 {
		return fmt.Errorf("maxUtilizationPercent must be in (0, 100], got %.2f", c.Limits.MaxUtilizationPercent)
	}
	if c.Limits.MinFreeMemoryMb < 0 {
		return fmt.Errorf("minFreeMemoryMb must not be negative, got %d", c.Limits.MinFreeMemoryMb)
	}
	if c.Limits.MaxLoadAverage <= 0 {
		return fmt.Errorf("maxLoadAverage must be positive, got %.2f", c.Limits.MaxLoadAverage)
	}

	w := c.Weights
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"capacity", w.Capacity},
		{"load", w.Load},
		{"reputation", w.Reputation},
		{"locality", w.Locality},
	} {
		if v.value < 0 {
			return fmt.Errorf("weight %s must not be negative, got %.3f", v.name, v.value)
		}
	}
	sum := w.Capacity + w.Load + w.Reputation + w.Locality
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("scoring weights must sum to 1.0, got %.4f", sum)
	}

	return nil
}
