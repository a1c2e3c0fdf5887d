// Package schedconfig holds the scheduling configuration record that every
// capacity and placement decision reads, plus the service that caches,
// validates, versions, and persists it.
package schedconfig

import "time"

// QualityTier is a contract level trading performance guarantees against
// price and overcommit. Tiers are strictly ordered by increasing guarantee:
// Burstable < Balanced < Standard < Guaranteed.
type QualityTier string

const (
	TierBurstable  QualityTier = "Burstable"
	TierBalanced   QualityTier = "Balanced"
	TierStandard   QualityTier = "Standard"
	TierGuaranteed QualityTier = "Guaranteed"
)

// tierRank orders tiers by performance guarantee. Unknown tiers rank below
// everything.
var tierRank = map[QualityTier]int{
	TierBurstable:  1,
	TierBalanced:   2,
	TierStandard:   3,
	TierGuaranteed: 4,
}

// Rank returns the ordering rank of the tier, 0 for unknown tiers.
func (t QualityTier) Rank() int {
	return tierRank[t]
}

// AllTiers lists the known tiers in ascending guarantee order.
func AllTiers() []QualityTier {
	return []QualityTier{TierBurstable, TierBalanced, TierStandard, TierGuaranteed}
}

// TierConfiguration describes the admission and pricing parameters of one
// quality tier.
type TierConfiguration struct {
	MinimumBenchmark       float64 `json:"minimumBenchmark"`
	CpuOvercommitRatio     float64 `json:"cpuOvercommitRatio"`
	MemoryOvercommitRatio  float64 `json:"memoryOvercommitRatio"` // pinned to 1.0, see Validate
	StorageOvercommitRatio float64 `json:"storageOvercommitRatio"`
	PriceMultiplier        float64 `json:"priceMultiplier"`
	Description            string  `json:"description,omitempty"`
	TargetUseCase          string  `json:"targetUseCase,omitempty"`
}

// SchedulingLimits bounds node admission during placement.
type SchedulingLimits struct {
	MaxUtilizationPercent float64 `json:"maxUtilizationPercent"`
	MinFreeMemoryMb       int64   `json:"minFreeMemoryMb"`
	MaxLoadAverage        float64 `json:"maxLoadAverage"`
	PreferLocalRegion     bool    `json:"preferLocalRegion"`
}

// ScoringWeights weighs the placement score components. The four weights
// must sum to 1.0.
type ScoringWeights struct {
	Capacity   float64 `json:"capacity"`
	Load       float64 `json:"load"`
	Reputation float64 `json:"reputation"`
	Locality   float64 `json:"locality"`
}

// SchedulingConfig is the versioned, globally shared configuration record.
// Exactly one live row exists; every successful update archives the prior
// row as immutable history and bumps Version by one.
type SchedulingConfig struct {
	Version                  int64                             `json:"version"`
	BaselineBenchmark        float64                           `json:"baselineBenchmark"`
	MaxPerformanceMultiplier float64                           `json:"maxPerformanceMultiplier"`
	Tiers                    map[QualityTier]TierConfiguration `json:"tiers"`
	Limits                   SchedulingLimits                  `json:"limits"`
	Weights                  ScoringWeights                    `json:"weights"`
	CreatedAt                time.Time                         `json:"createdAt"`
	UpdatedAt                time.Time                         `json:"updatedAt"`
	UpdatedBy                string                            `json:"updatedBy,omitempty"`
}

// Clone returns a deep copy so callers can never mutate the cached record.
func (c *SchedulingConfig) Clone() *SchedulingConfig {
	cp := *c
	cp.Tiers = make(map[QualityTier]TierConfiguration, len(c.Tiers))
	for k, v := range c.Tiers {
		cp.Tiers[k] = v
	}
	return &cp
}
