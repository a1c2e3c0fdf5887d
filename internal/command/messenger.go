package command

import (
	"context"
	"fmt"
	"sync"
)

// Messenger hands a command to the addressed node agent. Transport is out
// of the core's scope; implementations typically bridge to the agent's
// long-poll or push connection.
type Messenger interface {
	Send(ctx context.Context, nodeID string, cmd NodeCommand) DeliveryResult
}

// QueueMessenger is the in-process Messenger: a bounded outbound queue per
// node, drained by whatever transport serves the agent. A full queue is a
// delivery failure, not a blocked caller.
type QueueMessenger struct {
	mu     sync.Mutex
	queues map[string]chan NodeCommand
	buf    int
}

// NewQueueMessenger creates a messenger whose per-node queues hold up to
// buf commands.
func NewQueueMessenger(buf int) *QueueMessenger {
	if buf <= 0 {
		buf = 64
	}
	return &QueueMessenger{
		queues: make(map[string]chan NodeCommand),
		buf:    buf,
	}
}

func (m *QueueMessenger) queue(nodeID string) chan NodeCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[nodeID]
	if !ok {
		q = make(chan NodeCommand, m.buf)
		m.queues[nodeID] = q
	}
	return q
}

// Send enqueues the command for the node. It fails when the node's queue is
// full or the context is already cancelled.
func (m *QueueMessenger) Send(ctx context.Context, nodeID string, cmd NodeCommand) DeliveryResult {
	if err := ctx.Err(); err != nil {
		return DeliveryResult{Message: fmt.Sprintf("delivery cancelled: %v", err)}
	}
	select {
	case m.queue(nodeID) <- cmd:
		return DeliveryResult{Success: true}
	default:
		return DeliveryResult{Message: fmt.Sprintf("outbound queue full for node %s", nodeID)}
	}
}

// Outbox returns the node's outbound queue for the transport layer to
// drain.
func (m *QueueMessenger) Outbox(nodeID string) <-chan NodeCommand {
	return m.queue(nodeID)
}
