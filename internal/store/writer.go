package store

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// writeOp is one queued statement. kind names the write in logs.
type writeOp struct {
	kind  string
	query string
	args  []any
}

// Writer serializes control-plane persistence through a single goroutine,
// respecting SQLite's one-writer rule without blocking hot paths: node
// snapshot upserts and event appends are queued, and a full queue drops the
// write rather than stalling an ack handler or a registration. The durable
// tables are caches of in-memory state, so a dropped write costs a stale
// row, not correctness.
type Writer struct {
	db      *sql.DB
	ch      chan writeOp
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// NewWriter creates an async writer with the given buffer size.
// Call Run() to start processing and Drain() before closing the DB.
func NewWriter(db *sql.DB, bufSize int) *Writer {
	if bufSize <= 0 {
		bufSize = 4096
	}
	return &Writer{
		db: db,
		ch: make(chan writeOp, bufSize),
	}
}

// Run processes queued writes until ctx is cancelled. After cancellation it
// drains whatever is already buffered before returning.
func (w *Writer) Run(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case op, ok := <-w.ch:
				if !ok {
					return
				}
				w.exec(op)
			case <-ctx.Done():
				for {
					select {
					case op, ok := <-w.ch:
						if !ok {
							return
						}
						w.exec(op)
					default:
						return
					}
				}
			}
		}
	}()
}

// SaveNodeSnapshot upserts a node's JSON snapshot.
func (w *Writer) SaveNodeSnapshot(nodeID, snapshot string) {
	w.enqueue(writeOp{
		kind:  "node_snapshot",
		query: "INSERT OR REPLACE INTO nodes (id, snapshot, updated_at) VALUES (?, ?, ?)",
		args:  []any{nodeID, snapshot, time.Now().UTC().Format(time.RFC3339Nano)},
	})
}

// DeleteNodeSnapshot removes a node's snapshot after administrative removal.
func (w *Writer) DeleteNodeSnapshot(nodeID string) {
	w.enqueue(writeOp{
		kind:  "node_delete",
		query: "DELETE FROM nodes WHERE id = ?",
		args:  []any{nodeID},
	})
}

// AppendEvent inserts one event row. payload is the already-encoded JSON
// body.
func (w *Writer) AppendEvent(id string, timestamp time.Time, eventType, resourceType, resourceID, nodeID, payload string) {
	w.enqueue(writeOp{
		kind:  "event",
		query: "INSERT INTO events (id, timestamp, type, resource_type, resource_id, node_id, payload) VALUES (?, ?, ?, ?, ?, ?, ?)",
		args:  []any{id, timestamp.Format(time.RFC3339Nano), eventType, resourceType, resourceID, nodeID, payload},
	})
}

func (w *Writer) enqueue(op writeOp) {
	select {
	case w.ch <- op:
	default:
		count := w.dropped.Add(1)
		// Log at powers of 2 to avoid spamming under sustained backpressure.
		if count&(count-1) == 0 {
			slog.Warn("store: async writer dropping writes",
				"kind", op.kind, "totalDropped", count, "queueCap", cap(w.ch))
		}
	}
}

func (w *Writer) exec(op writeOp) {
	if _, err := w.db.Exec(op.query, op.args...); err != nil {
		slog.Error("store: async write failed", "kind", op.kind, "error", err)
	}
}

// DroppedCount returns the number of writes dropped due to backpressure.
func (w *Writer) DroppedCount() uint64 {
	return w.dropped.Load()
}

// Drain waits for all queued writes to be processed. Call this before
// closing the database.
func (w *Writer) Drain() {
	close(w.ch)
	w.wg.Wait()
}
