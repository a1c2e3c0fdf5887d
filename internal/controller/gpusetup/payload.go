package gpusetup

import (
	"encoding/json"

	"github.com/vmgrid/vmgrid/internal/state"
)

// SetupMode selects how the agent makes GPUs usable.
type SetupMode string

const (
	// ModeAuto takes the container-toolkit path: immediate, no reboot.
	ModeAuto SetupMode = "Auto"
	// ModeVfioPassthrough dedicates GPUs to VMs via VFIO; requires IOMMU.
	ModeVfioPassthrough SetupMode = "VfioPassthrough"
)

// GpuSpec is the per-GPU projection sent to the agent.
type GpuSpec struct {
	Vendor         string `json:"Vendor"`
	Model          string `json:"Model"`
	PciAddress     string `json:"PciAddress"`
	MemoryBytes    int64  `json:"MemoryBytes"`
	IsIommuEnabled bool   `json:"IsIommuEnabled"`
}

// ConfigureGpuPayload is the wire shape of a ConfigureGpu command.
type ConfigureGpuPayload struct {
	Mode              string    `json:"Mode"`
	Gpus              []GpuSpec `json:"Gpus"`
	ContainerRuntimes []string  `json:"ContainerRuntimes"`
}

// GpuSetupAckData is the structured data an agent attaches to a successful
// ConfigureGpu acknowledgment. Field names are case-insensitive on decode.
type GpuSetupAckData struct {
	ContainerSharingReady bool   `json:"ContainerSharingReady"`
	VfioPassthroughReady  bool   `json:"VfioPassthroughReady"`
	IommuEnabled          bool   `json:"IommuEnabled"`
	RebootRequired        bool   `json:"RebootRequired"`
	DriverVersion         string `json:"DriverVersion,omitempty"`
	ErrorMessage          string `json:"ErrorMessage,omitempty"`
}

// DetermineSetupMode picks VFIO passthrough when any GPU already has IOMMU
// enabled (no reboot needed), otherwise the container-toolkit path.
func DetermineSetupMode(n *state.Node) SetupMode {
	for _, g := range n.Inventory.GPUs {
		if g.IsIommuEnabled {
			return ModeVfioPassthrough
		}
	}
	return ModeAuto
}

func buildPayload(n *state.Node, mode SetupMode) (json.RawMessage, error) {
	p := ConfigureGpuPayload{
		Mode:              string(mode),
		Gpus:              make([]GpuSpec, 0, len(n.Inventory.GPUs)),
		ContainerRuntimes: n.Inventory.ContainerRuntimes,
	}
	for _, g := range n.Inventory.GPUs {
		p.Gpus = append(p.Gpus, GpuSpec{
			Vendor:         g.Vendor,
			Model:          g.Model,
			PciAddress:     g.PciAddress,
			MemoryBytes:    g.MemoryBytes,
			IsIommuEnabled: g.IsIommuEnabled,
		})
	}
	return json.Marshal(p)
}
