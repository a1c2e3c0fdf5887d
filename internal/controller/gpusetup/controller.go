// Package gpusetup drives the per-node state machine that makes GPU
// hardware usable: detect, queue a ConfigureGpu command, await the agent's
// acknowledgment, record the outcome.
package gpusetup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vmgrid/vmgrid/internal/command"
	"github.com/vmgrid/vmgrid/internal/events"
	"github.com/vmgrid/vmgrid/internal/metrics"
	"github.com/vmgrid/vmgrid/internal/state"
)

// owner is the NodeLock owner name for this controller.
const owner = "gpu-setup"

// Controller owns GPU-setup decisions for the fleet. Node mutations happen
// under the per-node lock; the InProgress check and command registration
// share one critical section so concurrent evaluations of the same node
// collapse to at most one outstanding command.
type Controller struct {
	nodes    *state.Registry
	commands *command.Registry
	sink     *events.Sink
}

// NewController wires the controller and registers it as the ack handler
// for ConfigureGpu commands.
func NewController(nodes *state.Registry, commands *command.Registry, sink *events.Sink) *Controller {
	c := &Controller{nodes: nodes, commands: commands, sink: sink}
	commands.RegisterHandler(command.TypeConfigureGpu, c.handleAck)
	return c
}

// EvaluateAndQueueSetup inspects a node's reported hardware and, when its
// GPUs need setup, queues a ConfigureGpu command. Re-evaluation of a node
// that is already InProgress or Completed is a no-op. Called on
// registration and heartbeat.
func (c *Controller) EvaluateAndQueueSetup(ctx context.Context, nodeID string) error {
	return c.nodes.Locked(nodeID, owner, func(n *state.Node) error {
		return c.evaluateLocked(ctx, n, "")
	})
}

// TriggerSetup is the manual path: it refuses unknown nodes, nodes without
// GPUs, and nodes with setup already in progress; otherwise it queues setup
// with the requested mode (empty mode selects automatically).
func (c *Controller) TriggerSetup(ctx context.Context, nodeID string, mode SetupMode) (bool, string) {
	var ok bool
	var reason string
	err := c.nodes.Locked(nodeID, owner, func(n *state.Node) error {
		switch {
		case !n.HasGPUs():
			reason = fmt.Sprintf("node %s has no GPUs", nodeID)
		case n.GpuSetupStatus == state.GpuSetupInProgress:
			reason = fmt.Sprintf("GPU setup already in progress for node %s", nodeID)
		default:
			ok = true
			return c.queueSetupLocked(ctx, n, mode)
		}
		return nil
	})
	if err != nil {
		return false, err.Error()
	}
	return ok, reason
}

// evaluateLocked runs the detection half of the state machine. Caller holds
// the node lock.
func (c *Controller) evaluateLocked(ctx context.Context, n *state.Node, mode SetupMode) error {
	if !n.HasGPUs() {
		if n.GpuSetupStatus != state.GpuSetupNotNeeded {
			n.SetGpuSetupStatus(state.GpuSetupNotNeeded)
			metrics.GpuSetups.WithLabelValues("not_needed").Inc()
		}
		return nil
	}

	if n.GpuAlreadyUsable() {
		if n.GpuSetupStatus != state.GpuSetupCompleted {
			n.SetGpuSetupStatus(state.GpuSetupCompleted)
			metrics.GpuSetups.WithLabelValues("completed").Inc()
		}
		return nil
	}

	switch n.GpuSetupStatus {
	case state.GpuSetupInProgress:
		return nil
	case state.GpuSetupCompleted:
		slog.Info("gpusetup: node already completed setup", "node", n.ID)
		return nil
	case state.GpuSetupFailed:
		// Terminal until an operator retries through TriggerSetup; a
		// heartbeat must not restart a setup the agent reported broken.
		slog.Info("gpusetup: node failed setup, awaiting manual retry", "node", n.ID)
		return nil
	}

	return c.queueSetupLocked(ctx, n, mode)
}

// queueSetupLocked registers and delivers a ConfigureGpu command. Caller
// holds the node lock. Registration precedes delivery; a failed delivery
// resets the node to Pending so the next heartbeat re-queues, while the
// outstanding entry is left for the reaper.
func (c *Controller) queueSetupLocked(ctx context.Context, n *state.Node, mode SetupMode) error {
	if mode == "" {
		mode = DetermineSetupMode(n)
	}
	payload, err := buildPayload(n, mode)
	if err != nil {
		return fmt.Errorf("building ConfigureGpu payload for node %s: %w", n.ID, err)
	}

	commandID := uuid.NewString()
	if err := c.commands.RegisterCommand(ctx, commandID, n.ID, n.ID, command.TypeConfigureGpu); err != nil {
		return err
	}
	n.SetGpuSetupStatus(state.GpuSetupInProgress)
	metrics.GpuSetupsInProgress.Inc()

	res := c.commands.DeliverCommand(ctx, n.ID, command.NodeCommand{
		CommandId:        commandID,
		Type:             command.TypeConfigureGpu,
		Payload:          payload,
		RequiresAck:      true,
		TargetResourceId: n.ID,
	})
	if !res.Success {
		// Soft failure: back to Pending so registration/heartbeat retries.
		n.SetGpuSetupStatus(state.GpuSetupPending)
		metrics.GpuSetupsInProgress.Dec()
		slog.Warn("gpusetup: delivery failed, node reset to pending",
			"node", n.ID, "commandId", commandID, "message", res.Message)
		return nil
	}

	slog.Info("gpusetup: setup command dispatched",
		"node", n.ID, "commandId", commandID, "mode", mode)
	return nil
}

// handleAck is the registered ack handler for ConfigureGpu. Returning an
// error keeps the outstanding entry alive so a contended node lock cannot
// swallow the agent's reply; a redelivered ack or the reaper finishes it.
func (c *Controller) handleAck(ctx context.Context, cmd command.Outstanding, ack command.Acknowledgment) error {
	err := c.nodes.Locked(cmd.NodeId, owner, func(n *state.Node) error {
		c.applyAckLocked(n, ack)
		return nil
	})
	if errors.Is(err, state.ErrNodeNotFound) {
		// Node was removed while the command was in flight; nothing left to
		// update, so let the entry retire.
		slog.Info("gpusetup: dropping ack for removed node", "node", cmd.NodeId, "commandId", ack.CommandId)
		return nil
	}
	if err != nil {
		slog.Warn("gpusetup: ack not applied", "node", cmd.NodeId, "commandId", ack.CommandId, "error", err)
		return err
	}
	return nil
}

// applyAckLocked advances the state machine from the agent's reply. Caller
// holds the node lock; the event is emitted after the node is mutated so
// observers never see an event newer than the state it describes.
func (c *Controller) applyAckLocked(n *state.Node, ack command.Acknowledgment) {
	if n.GpuSetupStatus == state.GpuSetupInProgress {
		metrics.GpuSetupsInProgress.Dec()
	}

	if !ack.Success {
		n.SetGpuSetupStatus(state.GpuSetupFailed)
		metrics.GpuSetups.WithLabelValues("failed").Inc()
		c.sink.Append(events.Event{
			Type:         events.TypeVmError,
			ResourceType: "node",
			ResourceId:   n.ID,
			NodeId:       n.ID,
			Payload: map[string]any{
				"event": "gpu_setup_failed",
				"error": ack.ErrorMessage,
			},
		})
		slog.Warn("gpusetup: setup failed", "node", n.ID, "error", ack.ErrorMessage)
		return
	}

	var data GpuSetupAckData
	parsed := len(ack.Data) > 0 && json.Unmarshal(ack.Data, &data) == nil
	if !parsed {
		// Most successful setups end with container sharing ready; without
		// parseable data assume that and leave the other flags untouched.
		data = GpuSetupAckData{ContainerSharingReady: true}
	}

	if data.RebootRequired {
		n.SetGpuSetupStatus(state.GpuSetupRebootRequired)
		metrics.GpuSetups.WithLabelValues("reboot_required").Inc()
		c.emitCompleted(n, data, true)
		slog.Info("gpusetup: setup complete, reboot required", "node", n.ID)
		return
	}

	n.SetGpuSetupStatus(state.GpuSetupCompleted)
	for i := range n.Inventory.GPUs {
		g := &n.Inventory.GPUs[i]
		if parsed {
			g.IsAvailableForContainerSharing = data.ContainerSharingReady
			g.IsAvailableForPassthrough = data.VfioPassthroughReady
			g.IsIommuEnabled = data.IommuEnabled
			if data.DriverVersion != "" {
				g.DriverVersion = data.DriverVersion
			}
		} else {
			g.IsAvailableForContainerSharing = true
		}
	}

	// Container-GPU capability follows from the per-device flags.
	supportsContainers := false
	for _, g := range n.Inventory.GPUs {
		if g.IsAvailableForContainerSharing {
			supportsContainers = true
			break
		}
	}
	n.Inventory.SupportsGpuContainers = supportsContainers

	metrics.GpuSetups.WithLabelValues("completed").Inc()
	c.emitCompleted(n, data, false)
	slog.Info("gpusetup: setup completed", "node", n.ID,
		"containerSharing", data.ContainerSharingReady,
		"passthrough", data.VfioPassthroughReady)
}

// emitCompleted records setup completion. Completions ride the
// NodeRegistered event type: they signal a node capability change and no
// dedicated kind exists yet.
func (c *Controller) emitCompleted(n *state.Node, data GpuSetupAckData, reboot bool) {
	c.sink.Append(events.Event{
		Type:         events.TypeNodeRegistered,
		ResourceType: "node",
		ResourceId:   n.ID,
		NodeId:       n.ID,
		Payload: map[string]any{
			"event":            "gpu_setup_completed",
			"containerSharing": data.ContainerSharingReady,
			"passthrough":      data.VfioPassthroughReady,
			"rebootRequired":   reboot,
		},
	})
}
