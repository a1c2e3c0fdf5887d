package events

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/vmgrid/vmgrid/internal/store"
)

func TestAppend_AssignsIdentityAndTimestamp(t *testing.T) {
	s := NewSink(10, nil)

	before := time.Now().UTC()
	got := s.Append(Event{Type: TypeNodeRegistered, ResourceType: "node", ResourceId: "node-1"})

	if got.Id == "" {
		t.Error("Id = empty, want generated")
	}
	if got.Timestamp.Before(before.Add(-time.Second)) {
		t.Errorf("Timestamp = %v, want recent", got.Timestamp)
	}
}

func TestAppend_KeepsCallerIdentity(t *testing.T) {
	s := NewSink(10, nil)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got := s.Append(Event{Id: "evt-1", Timestamp: ts, Type: TypeVmError})

	if got.Id != "evt-1" {
		t.Errorf("Id = %q, want evt-1", got.Id)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want caller's %v", got.Timestamp, ts)
	}
}

func TestRecent_OrderFilterLimit(t *testing.T) {
	s := NewSink(100, nil)
	for i := 0; i < 5; i++ {
		typ := TypeNodeRegistered
		if i%2 == 1 {
			typ = TypeVmError
		}
		s.Append(Event{Id: fmt.Sprintf("evt-%d", i), Type: typ})
	}

	all := s.Recent(10, "")
	if len(all) != 5 {
		t.Fatalf("Recent(10) = %d events, want 5", len(all))
	}
	if all[0].Id != "evt-4" || all[4].Id != "evt-0" {
		t.Errorf("Recent order = %s..%s, want evt-4..evt-0", all[0].Id, all[4].Id)
	}

	errs := s.Recent(10, TypeVmError)
	if len(errs) != 2 {
		t.Fatalf("Recent(VmError) = %d events, want 2", len(errs))
	}
	if errs[0].Id != "evt-3" || errs[1].Id != "evt-1" {
		t.Errorf("filtered order = %s,%s, want evt-3,evt-1", errs[0].Id, errs[1].Id)
	}

	if got := s.Recent(2, ""); len(got) != 2 {
		t.Errorf("Recent(2) = %d events, want 2", len(got))
	}
}

func TestAppend_RingEvictsOldest(t *testing.T) {
	s := NewSink(3, nil)
	for i := 0; i < 5; i++ {
		s.Append(Event{Id: fmt.Sprintf("evt-%d", i), Type: TypeNodeRegistered})
	}

	got := s.Recent(10, "")
	if len(got) != 3 {
		t.Fatalf("Recent = %d events at cap 3, want 3", len(got))
	}
	if got[0].Id != "evt-4" || got[2].Id != "evt-2" {
		t.Errorf("retained = %s..%s, want evt-4..evt-2", got[0].Id, got[2].Id)
	}
}

func TestAppend_PersistsThroughWriter(t *testing.T) {
	db, err := store.Open(store.Config{
		Path:          filepath.Join(t.TempDir(), "test.db"),
		RetentionDays: 30,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	defer db.Close()

	w := store.NewWriter(db.RawDB(), 64)
	w.Run(context.Background())

	s := NewSink(10, w)
	s.Append(Event{
		Type:         TypeVmError,
		ResourceType: "node",
		ResourceId:   "node-1",
		NodeId:       "node-1",
		Payload:      map[string]any{"event": "gpu_setup_failed"},
	})
	s.Flush()

	var n int
	var payload string
	if err := db.RawDB().QueryRow(
		"SELECT COUNT(*), COALESCE(MAX(payload), '') FROM events WHERE type = ?",
		string(TypeVmError)).Scan(&n, &payload); err != nil {
		t.Fatalf("querying events: %v", err)
	}
	if n != 1 {
		t.Fatalf("persisted events = %d, want 1", n)
	}
	if payload != `{"event":"gpu_setup_failed"}` {
		t.Errorf("payload = %s, want the JSON-encoded map", payload)
	}
}
