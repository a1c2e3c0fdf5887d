package state

import (
	"fmt"
	"sync"
	"time"
)

// DeliveryBreaker tracks command-delivery error rates per node agent with a
// sliding window and trips when a node's agent keeps failing deliveries.
// While tripped, the dispatcher fails fast instead of queueing more work at
// a dead agent. Supports half-open: after a cooldown one probe delivery is
// allowed through; success resets the breaker, failure re-trips it.
type DeliveryBreaker struct {
	mu        sync.RWMutex
	threshold float64       // error rate (0.0-1.0) to trip
	window    time.Duration // sliding window duration
	cooldown  time.Duration // cooldown before half-open (default = window)
	nodes     map[string]*agentState
}

type agentState struct {
	successes []time.Time
	failures  []time.Time
	tripped   bool
	trippedAt time.Time
	halfOpen  bool
}

// NewDeliveryBreaker creates a breaker that trips a node once its delivery
// error rate over the window exceeds threshold.
func NewDeliveryBreaker(threshold float64, window time.Duration) *DeliveryBreaker {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &DeliveryBreaker{
		threshold: threshold,
		window:    window,
		cooldown:  window,
		nodes:     make(map[string]*agentState),
	}
}

func (b *DeliveryBreaker) getOrCreate(nodeID string) *agentState {
	s, ok := b.nodes[nodeID]
	if !ok {
		s = &agentState{}
		b.nodes[nodeID] = s
	}
	return s
}

// RecordSuccess records a successful delivery to the node. In half-open
// state a success closes the breaker.
func (b *DeliveryBreaker) RecordSuccess(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getOrCreate(nodeID)
	s.successes = append(s.successes, time.Now())
	b.pruneLocked(s)
	if s.halfOpen {
		s.tripped = false
		s.halfOpen = false
		s.successes = nil
		s.failures = nil
	}
}

// RecordFailure records a failed delivery. The breaker trips once the error
// rate over the window exceeds the threshold; in half-open state a failure
// re-trips immediately.
func (b *DeliveryBreaker) RecordFailure(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getOrCreate(nodeID)
	s.failures = append(s.failures, time.Now())

	if s.halfOpen {
		s.halfOpen = false
		s.tripped = true
		s.trippedAt = time.Now()
		return
	}

	b.pruneLocked(s)
	total := len(s.successes) + len(s.failures)
	if total >= 5 { // require a few data points before tripping
		errorRate := float64(len(s.failures)) / float64(total)
		if errorRate >= b.threshold && !s.tripped {
			s.tripped = true
			s.trippedAt = time.Now()
		}
	}
}

// IsTripped returns true while deliveries to the node should fail fast.
// After the cooldown the breaker goes half-open and lets one probe through.
func (b *DeliveryBreaker) IsTripped(nodeID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.nodes[nodeID]
	if !ok || !s.tripped {
		return false
	}
	if !s.halfOpen && time.Since(s.trippedAt) >= b.cooldown {
		s.halfOpen = true
		return false // allow one probe through
	}
	if s.halfOpen {
		return false
	}
	return true
}

// Reset clears breaker state for the node, e.g. after the agent reconnects.
func (b *DeliveryBreaker) Reset(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, nodeID)
}

// Status returns a human-readable breaker status for the node.
func (b *DeliveryBreaker) Status(nodeID string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.nodes[nodeID]
	if !ok {
		return "closed"
	}
	if s.halfOpen {
		return fmt.Sprintf("half-open (since %s)", s.trippedAt.Format(time.RFC3339))
	}
	if s.tripped {
		return fmt.Sprintf("tripped (since %s)", s.trippedAt.Format(time.RFC3339))
	}
	return "closed"
}

// pruneLocked drops entries outside the sliding window. Caller holds mu.
func (b *DeliveryBreaker) pruneLocked(s *agentState) {
	cutoff := time.Now().Add(-b.window)
	s.successes = pruneOlderThan(s.successes, cutoff)
	s.failures = pruneOlderThan(s.failures, cutoff)
}

func pruneOlderThan(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for _, t := range times {
		if t.After(cutoff) {
			times[idx] = t
			idx++
		}
	}
	return times[:idx]
}
