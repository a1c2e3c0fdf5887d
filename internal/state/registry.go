package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vmgrid/vmgrid/internal/arch"
	"github.com/vmgrid/vmgrid/internal/metrics"
	"github.com/vmgrid/vmgrid/internal/store"
)

// ErrNodeNotFound is returned for lookups of unregistered nodes.
var ErrNodeNotFound = errors.New("node not found")

// Registry is the authoritative in-memory view of the fleet, with node
// snapshots persisted to SQLite through the async writer. All access to a
// Node's mutable fields goes through Locked so per-node mutations are
// serialized; the Lock field is shared with controllers that need to hold a
// node across an asynchronous round trip (command issue to ack).
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	nodeMu map[string]*sync.Mutex // serializes Locked per node, any owner

	// Lock is the cross-controller ownership lock for long-running,
	// per-node operations.
	Lock *NodeLock

	db     *sql.DB
	writer *store.Writer
}

// NewRegistry creates a registry. db and writer may be nil; persistence is
// then skipped.
func NewRegistry(db *sql.DB, writer *store.Writer) *Registry {
	return &Registry{
		nodes:  make(map[string]*Node),
		nodeMu: make(map[string]*sync.Mutex),
		Lock:   NewNodeLock(),
		db:     db,
		writer: writer,
	}
}

// Restore loads persisted node snapshots into memory. Called once at
// startup before any controller runs.
func (r *Registry) Restore(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	rows, err := r.db.QueryContext(ctx, "SELECT id, snapshot FROM nodes")
	if err != nil {
		return fmt.Errorf("loading node snapshots: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var id, snapshot string
		if err := rows.Scan(&id, &snapshot); err != nil {
			return fmt.Errorf("scanning node row: %w", err)
		}
		n := &Node{}
		if err := json.Unmarshal([]byte(snapshot), n); err != nil {
			slog.Warn("state: skipping undecodable node snapshot", "node", id, "error", err)
			continue
		}
		r.nodes[n.ID] = n
	}
	metrics.NodesRegistered.Set(float64(len(r.nodes)))
	return rows.Err()
}

// Upsert registers a node or replaces its record (registration and
// heartbeat both land here). The architecture string is normalized on the
// way in. Returns the stored node.
func (r *Registry) Upsert(n *Node) *Node {
	n.Inventory.Architecture = arch.Normalize(n.Inventory.Architecture)
	now := time.Now().UTC()
	n.LastSeen = now

	r.mu.Lock()
	if existing, ok := r.nodes[n.ID]; ok {
		n.RegisteredAt = existing.RegisteredAt
	} else {
		n.RegisteredAt = now
	}
	r.nodes[n.ID] = n
	count := len(r.nodes)
	r.mu.Unlock()

	metrics.NodesRegistered.Set(float64(count))
	r.persist(n)
	return n
}

// Get returns the node or ErrNodeNotFound.
func (r *Registry) Get(nodeID string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return n, nil
}

// List returns all registered nodes. The slice is fresh; the pointed-to
// nodes are shared, so mutations still require Locked.
func (r *Registry) List() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// Remove deletes a node (administrative removal).
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	delete(r.nodes, nodeID)
	count := len(r.nodes)
	r.mu.Unlock()
	metrics.NodesRegistered.Set(float64(count))

	if r.writer != nil {
		r.writer.DeleteNodeSnapshot(nodeID)
	}
}

// Locked runs fn on the node and persists the (possibly mutated) record.
// All Locked callers for one node are serialized on a per-node mutex, the
// same owner included, so fn is a genuine critical section. On top of that
// the ownership lock is acquired with TryLock: a different owner holding
// the node across an asynchronous round trip makes Locked return that
// error without running fn.
func (r *Registry) Locked(nodeID, owner string, fn func(n *Node) error) error {
	n, err := r.Get(nodeID)
	if err != nil {
		return err
	}

	mu := r.nodeMutex(nodeID)
	mu.Lock()
	defer mu.Unlock()

	if err := r.Lock.TryLock(nodeID, owner); err != nil {
		return err
	}
	defer r.Lock.Unlock(nodeID, owner)

	if err := fn(n); err != nil {
		return err
	}
	r.persist(n)
	return nil
}

func (r *Registry) nodeMutex(nodeID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.nodeMu[nodeID]
	if !ok {
		m = &sync.Mutex{}
		r.nodeMu[nodeID] = m
	}
	return m
}

// Persist writes the node's current snapshot through the async writer.
// Exposed for controllers that mutate a node while already holding its lock.
func (r *Registry) Persist(n *Node) {
	r.persist(n)
}

func (r *Registry) persist(n *Node) {
	if r.writer == nil {
		return
	}
	snapshot, err := json.Marshal(n)
	if err != nil {
		slog.Error("state: encode node snapshot", "node", n.ID, "error", err)
		return
	}
	r.writer.SaveNodeSnapshot(n.ID, string(snapshot))
}
