// Package orchestrator bundles the control-plane services behind the
// operations a transport layer calls: node registration, heartbeats, agent
// acknowledgments, placement, capacity queries, reviews.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/vmgrid/vmgrid/internal/capacity"
	"github.com/vmgrid/vmgrid/internal/command"
	"github.com/vmgrid/vmgrid/internal/controller/gpusetup"
	"github.com/vmgrid/vmgrid/internal/events"
	"github.com/vmgrid/vmgrid/internal/reviews"
	"github.com/vmgrid/vmgrid/internal/schedconfig"
	"github.com/vmgrid/vmgrid/internal/scheduler"
	"github.com/vmgrid/vmgrid/internal/state"
)

// Core is the assembled control plane.
type Core struct {
	Config    *schedconfig.Service
	Capacity  *capacity.Calculator
	Nodes     *state.Registry
	Commands  *command.Registry
	GpuSetup  *gpusetup.Controller
	Scheduler *scheduler.Scheduler
	Events    *events.Sink
	Reviews   *reviews.Service // nil without a database
}

// RegisterNode admits a node (or refreshes a re-registering one), records a
// NodeRegistered event, and kicks off GPU setup evaluation.
func (c *Core) RegisterNode(ctx context.Context, n *state.Node) (*state.Node, error) {
	stored := c.Nodes.Upsert(n)
	c.Events.Append(events.Event{
		Type:         events.TypeNodeRegistered,
		ResourceType: "node",
		ResourceId:   stored.ID,
		NodeId:       stored.ID,
		Payload: map[string]any{
			"event":  "node_registered",
			"region": stored.Region,
			"gpus":   len(stored.Inventory.GPUs),
		},
	})

	if err := c.GpuSetup.EvaluateAndQueueSetup(ctx, stored.ID); err != nil {
		slog.Error("orchestrator: gpu setup evaluation on register", "node", stored.ID, "error", err)
	}
	return stored, nil
}

// Heartbeat refreshes a node's utilization and liveness, then re-evaluates
// GPU setup so Pending nodes retry.
func (c *Core) Heartbeat(ctx context.Context, nodeID string, sample state.UtilizationSample) error {
	err := c.Nodes.Locked(nodeID, "heartbeat", func(n *state.Node) error {
		n.Utilization = sample
		n.LastSeen = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	return c.GpuSetup.EvaluateAndQueueSetup(ctx, nodeID)
}

// Acknowledge routes a node agent's command reply.
func (c *Core) Acknowledge(ctx context.Context, ack command.Acknowledgment) {
	c.Commands.ProcessAcknowledgment(ctx, ack)
}

// RankNodes returns the registered nodes that can host the request, ordered
// best-first.
func (c *Core) RankNodes(ctx context.Context, req scheduler.Request) ([]scheduler.Candidate, error) {
	return c.Scheduler.Rank(ctx, req, c.Nodes.List())
}

// NodeCapacity reports a node's total nominal capacity.
func (c *Core) NodeCapacity(ctx context.Context, nodeID string) (capacity.NodeTotalCapacity, error) {
	n, err := c.Nodes.Get(nodeID)
	if err != nil {
		return capacity.NodeTotalCapacity{}, err
	}
	return c.Capacity.ComputeTotalCapacity(ctx, n)
}

// NodeTierCapacity reports what a node offers at one quality tier.
func (c *Core) NodeTierCapacity(ctx context.Context, nodeID string, tier schedconfig.QualityTier) (capacity.TierSpecificCapacity, error) {
	n, err := c.Nodes.Get(nodeID)
	if err != nil {
		return capacity.TierSpecificCapacity{}, err
	}
	return c.Capacity.ComputeTierCapacity(ctx, n, tier)
}
