package state

import (
	"fmt"
	"sync"
	"time"
)

// NodeLock tracks which controller currently owns a node so two controllers
// never mutate the same node record concurrently (e.g. the GPU-setup
// controller and an inventory refresh racing on one node).
type NodeLock struct {
	mu    sync.Mutex
	locks map[string]lockEntry
}

type lockEntry struct {
	Owner      string
	AcquiredAt time.Time
}

// NewNodeLock creates a new NodeLock.
func NewNodeLock() *NodeLock {
	return &NodeLock{
		locks: make(map[string]lockEntry),
	}
}

// TryLock attempts to acquire the lock for the given node on behalf of the
// named owner. Returns nil on success, an error if the node is already
// locked by someone else. Re-acquisition by the same owner is idempotent.
func (nl *NodeLock) TryLock(nodeID, owner string) error {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	if entry, ok := nl.locks[nodeID]; ok {
		if entry.Owner == owner {
			return nil
		}
		return fmt.Errorf("node %s is locked by %s since %s",
			nodeID, entry.Owner, entry.AcquiredAt.Format(time.RFC3339))
	}

	nl.locks[nodeID] = lockEntry{
		Owner:      owner,
		AcquiredAt: time.Now(),
	}
	return nil
}

// Unlock releases the lock for the given node. Only the owner can release
// it; other callers are silently ignored.
func (nl *NodeLock) Unlock(nodeID, owner string) {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	if entry, ok := nl.locks[nodeID]; ok && entry.Owner == owner {
		delete(nl.locks, nodeID)
	}
}

// IsLocked returns true if the node is currently locked, along with the
// owner name.
func (nl *NodeLock) IsLocked(nodeID string) (bool, string) {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	if entry, ok := nl.locks[nodeID]; ok {
		return true, entry.Owner
	}
	return false, ""
}

// ExpireStale removes locks older than the given duration so a crashed
// controller cannot strand a node.
func (nl *NodeLock) ExpireStale(maxAge time.Duration) {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for node, entry := range nl.locks {
		if entry.AcquiredAt.Before(cutoff) {
			delete(nl.locks, node)
		}
	}
}
