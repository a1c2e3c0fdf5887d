// Package state holds the in-memory model of the worker fleet: node
// records, their hardware inventory and performance evaluation, plus the
// synchronization primitives controllers use to mutate them safely.
package state

import (
	"time"

	"github.com/vmgrid/vmgrid/internal/schedconfig"
)

// GpuSetupStatus tracks the GPU-setup state machine for a node (and, per
// device, for each GPU). Success paths move monotonically
// Pending -> InProgress -> (Completed | RebootRequired | Failed); only a
// delivery failure resets InProgress back to Pending.
type GpuSetupStatus string

const (
	GpuSetupNotNeeded      GpuSetupStatus = "NotNeeded"
	GpuSetupPending        GpuSetupStatus = "Pending"
	GpuSetupInProgress     GpuSetupStatus = "InProgress"
	GpuSetupRebootRequired GpuSetupStatus = "RebootRequired"
	GpuSetupCompleted      GpuSetupStatus = "Completed"
	GpuSetupFailed         GpuSetupStatus = "Failed"
)

// GPUDevice is one GPU in a node's inventory.
type GPUDevice struct {
	Vendor                         string         `json:"vendor"`
	Model                          string         `json:"model"`
	PciAddress                     string         `json:"pciAddress"`
	MemoryBytes                    int64          `json:"memoryBytes"`
	DriverVersion                  string         `json:"driverVersion,omitempty"`
	IsIommuEnabled                 bool           `json:"isIommuEnabled"`
	IsAvailableForPassthrough      bool           `json:"isAvailableForPassthrough"`
	IsAvailableForContainerSharing bool           `json:"isAvailableForContainerSharing"`
	SetupStatus                    GpuSetupStatus `json:"setupStatus,omitempty"`
}

// StorageDevice is one disk in a node's inventory.
type StorageDevice struct {
	Device     string `json:"device"`
	TotalBytes int64  `json:"totalBytes"`
}

// CPUInfo describes the node's processor inventory.
type CPUInfo struct {
	PhysicalCores int `json:"physicalCores"`
}

// MemoryInfo describes the node's memory inventory.
type MemoryInfo struct {
	AllocatableBytes int64 `json:"allocatableBytes"`
}

// HardwareInventory is the raw hardware a node agent reports.
type HardwareInventory struct {
	CPU                   CPUInfo         `json:"cpu"`
	Memory                MemoryInfo      `json:"memory"`
	Storage               []StorageDevice `json:"storage"`
	GPUs                  []GPUDevice     `json:"gpus"`
	ContainerRuntimes     []string        `json:"containerRuntimes,omitempty"`
	Architecture          string          `json:"architecture"`
	SupportsGpu           bool            `json:"supportsGpu"`
	SupportsGpuContainers bool            `json:"supportsGpuContainers"`
}

// TotalStorageBytes sums all storage devices.
func (h *HardwareInventory) TotalStorageBytes() int64 {
	var total int64
	for _, d := range h.Storage {
		total += d.TotalBytes
	}
	return total
}

// TierCapability records per-tier eligibility from the evaluation run.
type TierCapability struct {
	Eligible            bool   `json:"eligible"`
	IneligibilityReason string `json:"ineligibilityReason,omitempty"`
}

// PerformanceEvaluation is the outcome of benchmarking a node. A node with
// no evaluation, or one that is not acceptable, contributes zero capacity.
type PerformanceEvaluation struct {
	IsAcceptable          bool                                       `json:"isAcceptable"`
	PointsPerCore         float64                                    `json:"pointsPerCore"`
	PerformanceMultiplier float64                                    `json:"performanceMultiplier"`
	EligibleTiers         []schedconfig.QualityTier                  `json:"eligibleTiers,omitempty"`
	TierCapabilities      map[schedconfig.QualityTier]TierCapability `json:"tierCapabilities,omitempty"`
	RejectionReason       string                                     `json:"rejectionReason,omitempty"`
}

// IsEligibleFor reports whether the evaluation lists the tier as eligible.
func (e *PerformanceEvaluation) IsEligibleFor(tier schedconfig.QualityTier) bool {
	for _, t := range e.EligibleTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// UtilizationSample is the rolling load picture from the latest heartbeat,
// consumed by placement limit checks.
type UtilizationSample struct {
	UtilizationPercent float64   `json:"utilizationPercent"`
	FreeMemoryMb       int64     `json:"freeMemoryMb"`
	LoadAverage        float64   `json:"loadAverage"`
	SampledAt          time.Time `json:"sampledAt"`
}

// Node is one worker in the fleet. Instances are mutated only while holding
// the per-node lock in the Registry.
type Node struct {
	ID             string                 `json:"id"`
	Region         string                 `json:"region,omitempty"`
	Inventory      HardwareInventory      `json:"inventory"`
	Evaluation     *PerformanceEvaluation `json:"evaluation,omitempty"`
	GpuSetupStatus GpuSetupStatus         `json:"gpuSetupStatus,omitempty"`
	Reputation     float64                `json:"reputation"` // 0..1
	Utilization    UtilizationSample      `json:"utilization"`
	RegisteredAt   time.Time              `json:"registeredAt"`
	LastSeen       time.Time              `json:"lastSeen"`
}

// HasGPUs reports whether the inventory lists any GPU.
func (n *Node) HasGPUs() bool {
	return len(n.Inventory.GPUs) > 0
}

// GpuAlreadyUsable reports whether at least one GPU is usable right now:
// passthrough-ready on a passthrough-capable node, or sharing-ready on a
// container-GPU-capable node.
func (n *Node) GpuAlreadyUsable() bool {
	if n.Inventory.SupportsGpu {
		for _, g := range n.Inventory.GPUs {
			if g.IsAvailableForPassthrough {
				return true
			}
		}
	}
	if n.Inventory.SupportsGpuContainers {
		for _, g := range n.Inventory.GPUs {
			if g.IsAvailableForContainerSharing {
				return true
			}
		}
	}
	return false
}

// SetGpuSetupStatus sets the node-level status and mirrors it onto every
// GPU in inventory so consumers can distinguish node-wide from partial
// failures.
func (n *Node) SetGpuSetupStatus(status GpuSetupStatus) {
	n.GpuSetupStatus = status
	for i := range n.Inventory.GPUs {
		n.Inventory.GPUs[i].SetupStatus = status
	}
}
