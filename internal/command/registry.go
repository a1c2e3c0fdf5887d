package command

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vmgrid/vmgrid/internal/metrics"
	"github.com/vmgrid/vmgrid/internal/state"
)

// Registry tracks outstanding commands and routes acknowledgments back to
// the controller that issued them. Registration happens before delivery so
// an ack can never arrive for a command the registry has not seen; entries
// whose ack never arrives are reaped with a synthetic timeout failure so
// state machines advance.
type Registry struct {
	db        *sql.DB // durable outstanding entries; nil-safe
	messenger Messenger
	breaker   *state.DeliveryBreaker

	mu          sync.Mutex
	outstanding map[string]Outstanding
	handlers    map[Type]Handler
	nodeMu      map[string]*sync.Mutex // per-node ack serialization
}

// NewRegistry creates a command registry. db may be nil (entries are then
// in-memory only); breaker may be nil to disable fail-fast delivery.
func NewRegistry(db *sql.DB, messenger Messenger, breaker *state.DeliveryBreaker) *Registry {
	return &Registry{
		db:          db,
		messenger:   messenger,
		breaker:     breaker,
		outstanding: make(map[string]Outstanding),
		handlers:    make(map[Type]Handler),
		nodeMu:      make(map[string]*sync.Mutex),
	}
}

// RegisterHandler installs the ack handler for a command type. Later
// registrations replace earlier ones.
func (r *Registry) RegisterHandler(t Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Restore loads outstanding entries persisted by a previous run so the
// reaper can retire commands whose acks were lost across a restart.
func (r *Registry) Restore(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT command_id, node_id, target_resource_id, type, issued_at FROM outstanding_commands")
	if err != nil {
		return fmt.Errorf("loading outstanding commands: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var oc Outstanding
		var issuedAt string
		if err := rows.Scan(&oc.CommandId, &oc.NodeId, &oc.TargetResourceId, &oc.Type, &issuedAt); err != nil {
			return fmt.Errorf("scanning outstanding command: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, issuedAt)
		if err != nil {
			slog.Warn("command: skipping entry with bad timestamp", "commandId", oc.CommandId, "issuedAt", issuedAt)
			continue
		}
		oc.IssuedAt = ts
		r.outstanding[oc.CommandId] = oc
	}
	metrics.CommandsOutstanding.Set(float64(len(r.outstanding)))
	return rows.Err()
}

// RegisterCommand records an outstanding entry. Must be called before
// DeliverCommand so acknowledgments always find a registration.
func (r *Registry) RegisterCommand(ctx context.Context, commandID, nodeID, targetResourceID string, t Type) error {
	oc := Outstanding{
		CommandId:        commandID,
		NodeId:           nodeID,
		TargetResourceId: targetResourceID,
		Type:             t,
		IssuedAt:         time.Now().UTC(),
	}

	// Durable first: a crash between the insert and delivery leaves an
	// entry the reaper reclaims, never an ack without a registration.
	if r.db != nil {
		if _, err := r.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO outstanding_commands (command_id, node_id, target_resource_id, type, issued_at) VALUES (?, ?, ?, ?, ?)",
			oc.CommandId, oc.NodeId, oc.TargetResourceId, string(oc.Type), oc.IssuedAt.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("persisting outstanding command %s: %w", commandID, err)
		}
	}

	r.mu.Lock()
	r.outstanding[commandID] = oc
	count := len(r.outstanding)
	r.mu.Unlock()
	metrics.CommandsOutstanding.Set(float64(count))
	return nil
}

// DeliverCommand attempts to hand the command to the addressed node agent.
// A tripped delivery breaker fails fast without touching the messenger.
func (r *Registry) DeliverCommand(ctx context.Context, nodeID string, cmd NodeCommand) DeliveryResult {
	if r.breaker != nil && r.breaker.IsTripped(nodeID) {
		metrics.CommandsDispatched.WithLabelValues(string(cmd.Type), "failed").Inc()
		return DeliveryResult{Message: fmt.Sprintf("delivery breaker open for node %s", nodeID)}
	}

	res := r.messenger.Send(ctx, nodeID, cmd)
	if r.breaker != nil {
		if res.Success {
			r.breaker.RecordSuccess(nodeID)
		} else {
			r.breaker.RecordFailure(nodeID)
		}
	}
	if res.Success {
		metrics.CommandsDispatched.WithLabelValues(string(cmd.Type), "delivered").Inc()
	} else {
		metrics.CommandsDispatched.WithLabelValues(string(cmd.Type), "failed").Inc()
		slog.Warn("command: delivery failed",
			"commandId", cmd.CommandId, "node", nodeID, "type", cmd.Type, "message", res.Message)
	}
	return res
}

// ProcessAcknowledgment routes an agent's reply to the handler registered
// for the command's type and retires the entry. Acks for unknown or
// already-retired commands are logged and dropped; acks for one node are
// processed in arrival order while different nodes proceed concurrently.
func (r *Registry) ProcessAcknowledgment(ctx context.Context, ack Acknowledgment) {
	r.mu.Lock()
	oc, ok := r.outstanding[ack.CommandId]
	if !ok {
		r.mu.Unlock()
		metrics.AcksProcessed.WithLabelValues("unknown", "unknown").Inc()
		slog.Info("command: dropping ack for unknown command", "commandId", ack.CommandId)
		return
	}
	nodeLock := r.nodeMuLocked(oc.NodeId)
	r.mu.Unlock()

	nodeLock.Lock()
	defer nodeLock.Unlock()

	// Re-check under the node lock: a duplicate delivery may have retired
	// the entry while we waited.
	r.mu.Lock()
	oc, ok = r.outstanding[ack.CommandId]
	if !ok {
		r.mu.Unlock()
		metrics.AcksProcessed.WithLabelValues("unknown", "duplicate").Inc()
		slog.Info("command: dropping duplicate ack", "commandId", ack.CommandId)
		return
	}
	handler := r.handlers[oc.Type]
	r.mu.Unlock()

	if handler != nil {
		// Retire only after the handler applied the ack: a handler that
		// cannot act (for example the node is held by another controller)
		// leaves the entry outstanding for redelivery or the reaper.
		if err := handler(ctx, oc, ack); err != nil {
			metrics.AcksProcessed.WithLabelValues(string(oc.Type), "deferred").Inc()
			slog.Warn("command: ack not applied, entry kept outstanding",
				"commandId", ack.CommandId, "node", oc.NodeId, "type", oc.Type, "error", err)
			return
		}
	} else {
		slog.Warn("command: no handler registered", "type", oc.Type, "commandId", ack.CommandId)
	}

	result := "failure"
	if ack.Success {
		result = "success"
	}
	if ack.ErrorMessage == TimeoutErrorMessage && !ack.Success {
		result = "timeout"
	}
	metrics.AcksProcessed.WithLabelValues(string(oc.Type), result).Inc()
	r.retire(ctx, ack.CommandId)
}

// ReapExpired retires outstanding commands past their per-type ack timeout,
// synthesizing a failed acknowledgment so issuing state machines advance.
// Returns the number of commands reaped.
func (r *Registry) ReapExpired(ctx context.Context) int {
	now := time.Now()
	r.mu.Lock()
	var expired []Outstanding
	for _, oc := range r.outstanding {
		if now.Sub(oc.IssuedAt) > oc.Type.AckTimeout() {
			expired = append(expired, oc)
		}
	}
	r.mu.Unlock()

	for _, oc := range expired {
		slog.Warn("command: reaping expired command",
			"commandId", oc.CommandId, "node", oc.NodeId, "type", oc.Type,
			"age", now.Sub(oc.IssuedAt).Round(time.Second))
		r.ProcessAcknowledgment(ctx, Acknowledgment{
			CommandId:    oc.CommandId,
			Success:      false,
			ErrorMessage: TimeoutErrorMessage,
		})
	}
	return len(expired)
}

// Run reaps expired commands on the given interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := r.ReapExpired(ctx); n > 0 {
				slog.Info("command: reaped expired commands", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// OutstandingCount returns the number of commands awaiting acknowledgment.
func (r *Registry) OutstandingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outstanding)
}

// Lookup returns the outstanding entry for a command id.
func (r *Registry) Lookup(commandID string) (Outstanding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	oc, ok := r.outstanding[commandID]
	return oc, ok
}

func (r *Registry) retire(ctx context.Context, commandID string) {
	r.mu.Lock()
	delete(r.outstanding, commandID)
	count := len(r.outstanding)
	r.mu.Unlock()
	metrics.CommandsOutstanding.Set(float64(count))

	if r.db != nil {
		if _, err := r.db.ExecContext(ctx,
			"DELETE FROM outstanding_commands WHERE command_id = ?", commandID); err != nil {
			slog.Error("command: retire entry", "commandId", commandID, "error", err)
		}
	}
}

// nodeMuLocked returns the per-node serialization mutex. Caller holds r.mu.
func (r *Registry) nodeMuLocked(nodeID string) *sync.Mutex {
	m, ok := r.nodeMu[nodeID]
	if !ok {
		m = &sync.Mutex{}
		r.nodeMu[nodeID] = m
	}
	return m
}
