// Package command implements asynchronous, acknowledged command dispatch to
// node agents: a durable outstanding-command registry, a delivery seam, and
// ack routing back to the issuing controller.
package command

import (
	"context"
	"encoding/json"
	"time"
)

// Type identifies what a command asks the node agent to do.
type Type string

const (
	TypeConfigureGpu     Type = "ConfigureGpu"
	TypeRunBenchmark     Type = "RunBenchmark"
	TypeCollectInventory Type = "CollectInventory"
)

// TimeoutErrorMessage is the synthetic error carried by reaper-generated
// acknowledgments.
const TimeoutErrorMessage = "timeout"

// AckTimeout is how long an outstanding command of this type may wait for
// an acknowledgment before the reaper retires it with a synthetic failure.
func (t Type) AckTimeout() time.Duration {
	switch t {
	case TypeConfigureGpu:
		return 30 * time.Minute
	case TypeRunBenchmark:
		return 10 * time.Minute
	case TypeCollectInventory:
		return 2 * time.Minute
	default:
		return 10 * time.Minute
	}
}

// NodeCommand is the unit of work sent to a node agent. TargetResourceId is
// the node id for node-scoped commands and the VM id for VM-scoped ones.
type NodeCommand struct {
	CommandId        string          `json:"commandId"`
	Type             Type            `json:"type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	RequiresAck      bool            `json:"requiresAck"`
	TargetResourceId string          `json:"targetResourceId"`
}

// Acknowledgment is the agent's delayed reply to a command.
type Acknowledgment struct {
	CommandId    string          `json:"commandId"`
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Outstanding is a registered command awaiting acknowledgment.
type Outstanding struct {
	CommandId        string    `json:"commandId"`
	NodeId           string    `json:"nodeId"`
	TargetResourceId string    `json:"targetResourceId"`
	Type             Type      `json:"type"`
	IssuedAt         time.Time `json:"issuedAt"`
}

// DeliveryResult reports a delivery attempt.
type DeliveryResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Handler processes acknowledgments for one command type. A non-nil error
// means the ack could not be applied; the registry keeps the entry
// outstanding so a redelivered ack or the timeout reaper can finish the job.
type Handler func(ctx context.Context, cmd Outstanding, ack Acknowledgment) error
