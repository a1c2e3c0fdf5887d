// Package capacity turns raw hardware inventory, a benchmark evaluation,
// and the scheduling config into overcommitted capacity figures. The
// calculator is pure: it mutates nothing and reports missing data as
// negative-result records instead of errors.
package capacity

import (
	"context"
	"math"

	"github.com/vmgrid/vmgrid/internal/schedconfig"
	"github.com/vmgrid/vmgrid/internal/state"
)

const noEvaluationReason = "No performance evaluation"

// NodeTotalCapacity is the maximum-overcommit envelope of a node, computed
// against the Burstable tier.
type NodeTotalCapacity struct {
	IsAcceptable       bool   `json:"isAcceptable"`
	RejectionReason    string `json:"rejectionReason,omitempty"`
	TotalComputePoints int64  `json:"totalComputePoints"`
	TotalMemoryBytes   int64  `json:"totalMemoryBytes"`
	TotalStorageBytes  int64  `json:"totalStorageBytes"`
}

// TierSpecificCapacity is a node's capacity under one quality tier's
// overcommit ratios.
type TierSpecificCapacity struct {
	Tier                schedconfig.QualityTier `json:"tier"`
	IsEligible          bool                    `json:"isEligible"`
	IneligibilityReason string                  `json:"ineligibilityReason,omitempty"`
	TierComputePoints   int64                   `json:"tierComputePoints"`
	TierMemoryBytes     int64                   `json:"tierMemoryBytes"`
	TierStorageBytes    int64                   `json:"tierStorageBytes"`
}

// Calculator computes capacity figures. Each call reads a fresh config
// snapshot through the config service; the service already caches, so the
// calculator never holds config across calls.
type Calculator struct {
	config *schedconfig.Service
}

// NewCalculator creates a calculator reading config through svc.
func NewCalculator(svc *schedconfig.Service) *Calculator {
	return &Calculator{config: svc}
}

// ComputeTotalCapacity returns the node's total capacity envelope. Nodes
// without an acceptable evaluation contribute zero capacity with the
// rejection reason populated.
func (c *Calculator) ComputeTotalCapacity(ctx context.Context, node *state.Node) (NodeTotalCapacity, error) {
	eval := node.Evaluation
	if eval == nil {
		return NodeTotalCapacity{RejectionReason: noEvaluationReason}, nil
	}
	if !eval.IsAcceptable {
		reason := eval.RejectionReason
		if reason == "" {
			reason = noEvaluationReason
		}
		return NodeTotalCapacity{RejectionReason: reason}, nil
	}

	cfg, err := c.config.GetConfig(ctx)
	if err != nil {
		return NodeTotalCapacity{}, err
	}
	// Burstable is the maximum-overcommit envelope; validation guarantees
	// the tier exists.
	tier := cfg.Tiers[schedconfig.TierBurstable]

	return NodeTotalCapacity{
		IsAcceptable:       true,
		TotalComputePoints: computePoints(node, eval, tier.CpuOvercommitRatio),
		TotalMemoryBytes:   node.Inventory.Memory.AllocatableBytes,
		TotalStorageBytes:  storageBytes(node, tier.StorageOvercommitRatio),
	}, nil
}

// ComputeTierCapacity returns the node's capacity under the given tier, or
// an ineligible record when the evaluation does not list the tier.
func (c *Calculator) ComputeTierCapacity(ctx context.Context, node *state.Node, tier schedconfig.QualityTier) (TierSpecificCapacity, error) {
	out := TierSpecificCapacity{Tier: tier}

	eval := node.Evaluation
	if eval == nil || !eval.IsAcceptable {
		out.IneligibilityReason = "Node not evaluated"
		return out, nil
	}
	if !eval.IsEligibleFor(tier) {
		reason := eval.TierCapabilities[tier].IneligibilityReason
		if reason == "" {
			reason = "Node not evaluated"
		}
		out.IneligibilityReason = reason
		return out, nil
	}

	cfg, err := c.config.GetConfig(ctx)
	if err != nil {
		return TierSpecificCapacity{Tier: tier}, err
	}
	tc, ok := cfg.Tiers[tier]
	if !ok {
		out.IneligibilityReason = "Tier not configured"
		return out, nil
	}

	out.IsEligible = true
	out.TierComputePoints = computePoints(node, eval, tc.CpuOvercommitRatio)
	out.TierMemoryBytes = node.Inventory.Memory.AllocatableBytes // never overcommitted
	out.TierStorageBytes = storageBytes(node, tc.StorageOvercommitRatio)
	return out, nil
}

func computePoints(node *state.Node, eval *state.PerformanceEvaluation, cpuRatio float64) int64 {
	cores := float64(node.Inventory.CPU.PhysicalCores)
	return int64(math.Floor(cores * eval.PointsPerCore * cpuRatio))
}

func storageBytes(node *state.Node, storageRatio float64) int64 {
	return int64(math.Floor(float64(node.Inventory.TotalStorageBytes()) * storageRatio))
}
