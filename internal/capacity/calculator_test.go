package capacity

import (
	"context"
	"testing"

	"github.com/vmgrid/vmgrid/internal/schedconfig"
	"github.com/vmgrid/vmgrid/internal/state"
)

func testCalculator() *Calculator {
	// A nil-DB config service serves the canonical defaults.
	return NewCalculator(schedconfig.NewService(nil, 0))
}

func evaluatedNode() *state.Node {
	return &state.Node{
		ID: "node-1",
		Inventory: state.HardwareInventory{
			CPU:    state.CPUInfo{PhysicalCores: 8},
			Memory: state.MemoryInfo{AllocatableBytes: 34359738368}, // 32 GiB
			Storage: []state.StorageDevice{
				{Device: "/dev/nvme0n1", TotalBytes: 1099511627776}, // 1 TiB
			},
			Architecture: "x86_64",
		},
		Evaluation: &state.PerformanceEvaluation{
			IsAcceptable:          true,
			PointsPerCore:         1000,
			PerformanceMultiplier: 1.0,
			EligibleTiers: []schedconfig.QualityTier{
				schedconfig.TierBurstable, schedconfig.TierBalanced,
			},
			TierCapabilities: map[schedconfig.QualityTier]state.TierCapability{
				schedconfig.TierBurstable: {Eligible: true},
				schedconfig.TierBalanced:  {Eligible: true},
				schedconfig.TierStandard:  {IneligibilityReason: "Benchmark below tier minimum"},
			},
		},
	}
}

func TestComputeTotalCapacity(t *testing.T) {
	calc := testCalculator()

	got, err := calc.ComputeTotalCapacity(context.Background(), evaluatedNode())
	if err != nil {
		t.Fatalf("ComputeTotalCapacity() error = %v", err)
	}
	if !got.IsAcceptable {
		t.Fatalf("IsAcceptable = false, reason %q", got.RejectionReason)
	}
	// 8 cores x 1000 points/core x 4.0 Burstable overcommit.
	if got.TotalComputePoints != 32000 {
		t.Errorf("TotalComputePoints = %d, want 32000", got.TotalComputePoints)
	}
	// Memory is never overcommitted.
	if got.TotalMemoryBytes != 34359738368 {
		t.Errorf("TotalMemoryBytes = %d, want 34359738368", got.TotalMemoryBytes)
	}
	// floor(1 TiB x 2.5 Burstable storage overcommit).
	if got.TotalStorageBytes != 2748779069440 {
		t.Errorf("TotalStorageBytes = %d, want 2748779069440", got.TotalStorageBytes)
	}
}

func TestComputeTotalCapacity_NoEvaluation(t *testing.T) {
	calc := testCalculator()
	n := evaluatedNode()
	n.Evaluation = nil

	got, err := calc.ComputeTotalCapacity(context.Background(), n)
	if err != nil {
		t.Fatalf("ComputeTotalCapacity() error = %v", err)
	}
	if got.IsAcceptable {
		t.Error("IsAcceptable = true for unevaluated node, want false")
	}
	if got.RejectionReason != "No performance evaluation" {
		t.Errorf("RejectionReason = %q, want %q", got.RejectionReason, "No performance evaluation")
	}
	if got.TotalComputePoints != 0 || got.TotalMemoryBytes != 0 || got.TotalStorageBytes != 0 {
		t.Errorf("capacity = (%d, %d, %d), want all zero",
			got.TotalComputePoints, got.TotalMemoryBytes, got.TotalStorageBytes)
	}
}

func TestComputeTotalCapacity_UnacceptableEvaluation(t *testing.T) {
	calc := testCalculator()
	n := evaluatedNode()
	n.Evaluation.IsAcceptable = false
	n.Evaluation.RejectionReason = "Benchmark score below baseline"

	got, err := calc.ComputeTotalCapacity(context.Background(), n)
	if err != nil {
		t.Fatalf("ComputeTotalCapacity() error = %v", err)
	}
	if got.IsAcceptable {
		t.Error("IsAcceptable = true, want false")
	}
	if got.RejectionReason != "Benchmark score below baseline" {
		t.Errorf("RejectionReason = %q, want evaluation's reason", got.RejectionReason)
	}
}

func TestComputeTierCapacity(t *testing.T) {
	calc := testCalculator()
	ctx := context.Background()

	tests := []struct {
		tier        schedconfig.QualityTier
		wantPoints  int64
		wantStorage int64
	}{
		// 8 x 1000 x ratio; floor(1 TiB x storage ratio).
		{schedconfig.TierBurstable, 32000, 2748779069440},
		{schedconfig.TierBalanced, 21600, 2199023255552},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			got, err := calc.ComputeTierCapacity(ctx, evaluatedNode(), tt.tier)
			if err != nil {
				t.Fatalf("ComputeTierCapacity() error = %v", err)
			}
			if !got.IsEligible {
				t.Fatalf("IsEligible = false, reason %q", got.IneligibilityReason)
			}
			if got.TierComputePoints != tt.wantPoints {
				t.Errorf("TierComputePoints = %d, want %d", got.TierComputePoints, tt.wantPoints)
			}
			if got.TierMemoryBytes != 34359738368 {
				t.Errorf("TierMemoryBytes = %d, want 34359738368", got.TierMemoryBytes)
			}
			if got.TierStorageBytes != tt.wantStorage {
				t.Errorf("TierStorageBytes = %d, want %d", got.TierStorageBytes, tt.wantStorage)
			}
		})
	}
}

func TestComputeTierCapacity_IneligibleTier(t *testing.T) {
	calc := testCalculator()

	got, err := calc.ComputeTierCapacity(context.Background(), evaluatedNode(), schedconfig.TierStandard)
	if err != nil {
		t.Fatalf("ComputeTierCapacity() error = %v", err)
	}
	if got.IsEligible {
		t.Error("IsEligible = true for tier outside EligibleTiers, want false")
	}
	if got.IneligibilityReason != "Benchmark below tier minimum" {
		t.Errorf("IneligibilityReason = %q, want capability's reason", got.IneligibilityReason)
	}
	if got.TierComputePoints != 0 {
		t.Errorf("TierComputePoints = %d for ineligible tier, want 0", got.TierComputePoints)
	}
}

func TestComputeTierCapacity_UnevaluatedNode(t *testing.T) {
	calc := testCalculator()
	n := evaluatedNode()
	n.Evaluation = nil

	got, err := calc.ComputeTierCapacity(context.Background(), n, schedconfig.TierBurstable)
	if err != nil {
		t.Fatalf("ComputeTierCapacity() error = %v", err)
	}
	if got.IsEligible {
		t.Error("IsEligible = true for unevaluated node, want false")
	}
	if got.IneligibilityReason != "Node not evaluated" {
		t.Errorf("IneligibilityReason = %q, want %q", got.IneligibilityReason, "Node not evaluated")
	}
}

func TestComputeTierCapacity_PointsAreFloored(t *testing.T) {
	calc := testCalculator()
	n := evaluatedNode()
	n.Inventory.CPU.PhysicalCores = 3
	n.Evaluation.PointsPerCore = 1033.5

	got, err := calc.ComputeTierCapacity(context.Background(), n, schedconfig.TierBalanced)
	if err != nil {
		t.Fatalf("ComputeTierCapacity() error = %v", err)
	}
	// floor(3 x 1033.5 x 2.7) = floor(8371.35)
	if got.TierComputePoints != 8371 {
		t.Errorf("TierComputePoints = %d, want floored 8371", got.TierComputePoints)
	}
}
