package schedconfig

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vmgrid/vmgrid/internal/metrics"
	"github.com/vmgrid/vmgrid/internal/store"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(store.Config{
		Path:          filepath.Join(t.TempDir(), "test.db"),
		RetentionDays: 30,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db.RawDB()
}

func TestGetConfig_BootstrapsDefaults(t *testing.T) {
	svc := NewService(testDB(t), time.Minute)

	cfg, err := svc.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1", cfg.Version)
	}
	if cfg.BaselineBenchmark != 1000 {
		t.Errorf("BaselineBenchmark = %v, want 1000", cfg.BaselineBenchmark)
	}
	if cfg.UpdatedBy != "system" {
		t.Errorf("UpdatedBy = %q, want %q", cfg.UpdatedBy, "system")
	}
	if len(cfg.Tiers) != 4 {
		t.Errorf("len(Tiers) = %d, want 4", len(cfg.Tiers))
	}
}

func TestGetConfig_ServesFromCacheUntilReload(t *testing.T) {
	db := testDB(t)
	svc := NewService(db, time.Hour)
	ctx := context.Background()

	if _, err := svc.GetConfig(ctx); err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}

	// Mutate the row behind the cache's back.
	if _, err := db.Exec("UPDATE sched_config SET version = 42 WHERE id = 1"); err != nil {
		t.Fatalf("updating row: %v", err)
	}

	cfg, err := svc.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("Version = %d before reload, want cached 1", cfg.Version)
	}

	svc.ReloadConfig()
	cfg, err = svc.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig() after reload error = %v", err)
	}
	if cfg.Version != 42 {
		t.Errorf("Version = %d after reload, want 42", cfg.Version)
	}
}

func TestGetConfig_ReturnsClone(t *testing.T) {
	svc := NewService(testDB(t), time.Minute)
	ctx := context.Background()

	first, err := svc.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	tc := first.Tiers[TierBurstable]
	tc.CpuOvercommitRatio = 99
	first.Tiers[TierBurstable] = tc
	first.BaselineBenchmark = 0

	second, err := svc.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if second.Tiers[TierBurstable].CpuOvercommitRatio != 4.0 {
		t.Errorf("cached CpuOvercommitRatio = %v, want 4.0 untouched by caller mutation",
			second.Tiers[TierBurstable].CpuOvercommitRatio)
	}
	if second.BaselineBenchmark != 1000 {
		t.Errorf("cached BaselineBenchmark = %v, want 1000", second.BaselineBenchmark)
	}
}

func TestUpdateConfig_BumpsVersionAndArchivesHistory(t *testing.T) {
	svc := NewService(testDB(t), time.Minute)
	ctx := context.Background()

	current, err := svc.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}

	candidate := current.Clone()
	candidate.BaselineBenchmark = 1200
	before := time.Now()

	updated, err := svc.UpdateConfig(ctx, candidate, "alice")
	if err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	if updated.Version != current.Version+1 {
		t.Errorf("Version = %d, want %d", updated.Version, current.Version+1)
	}
	if updated.UpdatedBy != "alice" {
		t.Errorf("UpdatedBy = %q, want %q", updated.UpdatedBy, "alice")
	}
	if updated.UpdatedAt.Before(before.Add(-time.Second)) {
		t.Errorf("UpdatedAt = %v, want recent", updated.UpdatedAt)
	}

	history, err := svc.GetConfigHistory(ctx, 1)
	if err != nil {
		t.Fatalf("GetConfigHistory() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("len(history) = %d, want 1", len(history))
	}
	if history[0].Version != current.Version {
		t.Errorf("history Version = %d, want %d", history[0].Version, current.Version)
	}

	// The writer's next read observes its own write without a reload.
	after, err := svc.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if after.BaselineBenchmark != 1200 {
		t.Errorf("BaselineBenchmark = %v after update, want 1200", after.BaselineBenchmark)
	}
}

func TestUpdateConfig_RejectsInvalidCandidate(t *testing.T) {
	svc := NewService(testDB(t), time.Minute)
	ctx := context.Background()

	current, err := svc.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}

	candidate := current.Clone()
	candidate.Weights = ScoringWeights{Capacity: 0.40, Load: 0.25, Reputation: 0.20, Locality: 0.05}

	if _, err := svc.UpdateConfig(ctx, candidate, "mallory"); err == nil {
		t.Fatal("UpdateConfig() = nil error, want validation rejection")
	}

	after, err := svc.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if after.Version != current.Version {
		t.Errorf("Version = %d after rejected update, want unchanged %d", after.Version, current.Version)
	}
	history, err := svc.GetConfigHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetConfigHistory() error = %v", err)
	}
	if len(history) != 0 {
		t.Errorf("len(history) = %d after rejected update, want 0", len(history))
	}
}

func TestUpdateConfig_SequentialVersionChain(t *testing.T) {
	svc := NewService(testDB(t), time.Minute)
	ctx := context.Background()

	cfg, err := svc.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		cfg.BaselineBenchmark += 100
		cfg, err = svc.UpdateConfig(ctx, cfg, "ops")
		if err != nil {
			t.Fatalf("UpdateConfig() #%d error = %v", i, err)
		}
	}
	if cfg.Version != 4 {
		t.Errorf("Version = %d after 3 updates, want 4", cfg.Version)
	}

	history, err := svc.GetConfigHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetConfigHistory() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	// Most recent first.
	for i, want := range []int64{3, 2, 1} {
		if history[i].Version != want {
			t.Errorf("history[%d].Version = %d, want %d", i, history[i].Version, want)
		}
	}
}

func TestService_DegradedWithoutDatabase(t *testing.T) {
	svc := NewService(nil, time.Minute)
	ctx := context.Background()

	cfg, err := svc.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1", cfg.Version)
	}

	cfg.BaselineBenchmark = 2000
	updated, err := svc.UpdateConfig(ctx, cfg, "ops")
	if err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}

	history, err := svc.GetConfigHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetConfigHistory() error = %v", err)
	}
	if history != nil {
		t.Errorf("history = %v without database, want nil", history)
	}
}

func TestGetConfig_ColdCacheLoadsOnce(t *testing.T) {
	svc := NewService(testDB(t), time.Hour)
	ctx := context.Background()

	// Bootstrap, then invalidate so the next read is a cold cache over an
	// existing row.
	if _, err := svc.GetConfig(ctx); err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	svc.ReloadConfig()

	dbLoads := func() float64 {
		return testutil.ToFloat64(metrics.ConfigLoads.WithLabelValues("db"))
	}
	before := dbLoads()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.GetConfig(ctx); err != nil {
				t.Errorf("GetConfig() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := dbLoads() - before; got != 1 {
		t.Errorf("database loads = %v for 16 concurrent cold-cache readers, want exactly 1", got)
	}
}

func TestGetConfig_ConcurrentReadersAgree(t *testing.T) {
	svc := NewService(testDB(t), time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	versions := make([]int64, 16)
	for i := range versions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg, err := svc.GetConfig(ctx)
			if err != nil {
				t.Errorf("GetConfig() error = %v", err)
				return
			}
			versions[i] = cfg.Version
		}(i)
	}
	wg.Wait()

	for i, v := range versions {
		if v != 1 {
			t.Errorf("reader %d saw version %d, want 1", i, v)
		}
	}
}
