package schedconfig

import "time"

// DefaultConfig returns the canonical bootstrap configuration written on
// first-ever load when no persisted row exists.
func DefaultConfig() *SchedulingConfig {
	now := time.Now().UTC()
	return &SchedulingConfig{
		Version:                  1,
		BaselineBenchmark:        1000,
		MaxPerformanceMultiplier: 20.0,
		Tiers: map[QualityTier]TierConfiguration{
			TierBurstable: {
				MinimumBenchmark:       1000,
				CpuOvercommitRatio:     4.0,
				MemoryOvercommitRatio:  1.0,
				StorageOvercommitRatio: 2.5,
				PriceMultiplier:        0.5,
				Description:            "Best-effort capacity with aggressive overcommit",
				TargetUseCase:          "Dev environments, batch jobs, CI runners",
			},
			TierBalanced: {
				MinimumBenchmark:       1500,
				CpuOvercommitRatio:     2.7,
				MemoryOvercommitRatio:  1.0,
				StorageOvercommitRatio: 2.0,
				PriceMultiplier:        0.7,
				Description:            "Moderate overcommit for steady workloads",
				TargetUseCase:          "Web services, small databases",
			},
			TierStandard: {
				MinimumBenchmark:       2500,
				CpuOvercommitRatio:     1.6,
				MemoryOvercommitRatio:  1.0,
				StorageOvercommitRatio: 1.5,
				PriceMultiplier:        1.0,
				Description:            "Light overcommit with predictable performance",
				TargetUseCase:          "Production services, databases",
			},
			TierGuaranteed: {
				MinimumBenchmark:       4000,
				CpuOvercommitRatio:     1.0,
				MemoryOvercommitRatio:  1.0,
				StorageOvercommitRatio: 1.0,
				PriceMultiplier:        1.8,
				Description:            "Dedicated capacity, no overcommit",
				TargetUseCase:          "Latency-sensitive and licensed workloads",
			},
		},
		Limits: SchedulingLimits{
			MaxUtilizationPercent: 90.0,
			MinFreeMemoryMb:       512,
			MaxLoadAverage:        8.0,
			PreferLocalRegion:     true,
		},
		Weights: ScoringWeights{
			Capacity:   0.40,
			Load:       0.25,
			Reputation: 0.20,
			Locality:   0.15,
		},
		CreatedAt: now,
		UpdatedAt: now,
		UpdatedBy: "system",
	}
}
