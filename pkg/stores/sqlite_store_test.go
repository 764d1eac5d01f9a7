package stores

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openstrato/openstrato/pkg/engine"
)

func newTestStore(t *testing.T, cfg Config) *SQLiteStore {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "strato.db")
	}
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRecord(module, resource string) *engine.StateRecord {
	return &engine.StateRecord{
		Module:         module,
		Resource:       resource,
		Kind:           engine.KindRelationalDB,
		Backend:        engine.BackendAWS,
		DescriptorHash: "0b7e5f1c4d9a2e8b0b7e5f1c4d9a2e8b0b7e5f1c4d9a2e8b0b7e5f1c4d9a2e8b",
		Properties: map[string]interface{}{
			"engine":  "postgres",
			"version": "16.1",
			"size_gb": 50,
		},
		ResourceIDs: map[string]string{
			"db_instance":  "sim-aws_db_instance-1a2b3c4d",
			"subnet_group": "sim-aws_db_subnet_group-5e6f7a8b",
		},
		Outputs: engine.OutputSet{
			"database_url":  engine.NewSensitiveOutput("postgres://strato:hunter2@db:5432/app"),
			"database_host": engine.NewOutput("db.internal"),
			"database_port": engine.NewOutput(5432),
		},
		AppliedAt: time.Now().UTC().Truncate(time.Millisecond),
		RunID:     "run-1",
	}
}

func TestSQLiteStore_RecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{})

	rec := sampleRecord("database", "primary")
	if err := store.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	got, err := store.GetRecord(ctx, rec.Key())
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got == nil {
		t.Fatal("record not found after save")
	}
	if got.DescriptorHash != rec.DescriptorHash {
		t.Errorf("hash = %q, want %q", got.DescriptorHash, rec.DescriptorHash)
	}
	if got.ResourceIDs["db_instance"] != rec.ResourceIDs["db_instance"] {
		t.Errorf("resource IDs not preserved: %v", got.ResourceIDs)
	}
	if !got.AppliedAt.Equal(rec.AppliedAt) {
		t.Errorf("applied_at = %v, want %v", got.AppliedAt, rec.AppliedAt)
	}

	// Sensitivity survives persistence: the URL still redacts, the host
	// still reads in the clear.
	if !got.Outputs["database_url"].Sensitive() {
		t.Error("database_url lost its sensitive flag")
	}
	if got.Outputs["database_url"].Display() != engine.RedactedPlaceholder {
		t.Errorf("redacted display = %v", got.Outputs["database_url"].Display())
	}
	if got.Outputs["database_url"].Unwrap() != "postgres://strato:hunter2@db:5432/app" {
		t.Error("Unwrap must return the raw value")
	}
	if got.Outputs["database_host"].Display() != "db.internal" {
		t.Errorf("database_host = %v", got.Outputs["database_host"].Display())
	}
}

func TestSQLiteStore_GetRecordMissingReturnsNil(t *testing.T) {
	store := newTestStore(t, Config{})
	got, err := store.GetRecord(context.Background(), "nope.missing")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil for a missing key", got)
	}
}

func TestSQLiteStore_SaveRecordUpserts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{})

	rec := sampleRecord("database", "primary")
	if err := store.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}
	rec.DescriptorHash = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	rec.RunID = "run-2"
	if err := store.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("second SaveRecord failed: %v", err)
	}

	records, err := store.ListRecords(ctx)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1 after upsert", len(records))
	}
	if records[0].RunID != "run-2" {
		t.Errorf("run ID = %q, want run-2", records[0].RunID)
	}
}

func TestSQLiteStore_ListRecordsSortedByKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{})

	for _, key := range [][2]string{{"storage", "assets"}, {"networking", "vpc"}, {"database", "primary"}} {
		if err := store.SaveRecord(ctx, sampleRecord(key[0], key[1])); err != nil {
			t.Fatalf("SaveRecord(%s.%s) failed: %v", key[0], key[1], err)
		}
	}

	records, err := store.ListRecords(ctx)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	want := []string{"database.primary", "networking.vpc", "storage.assets"}
	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d", len(records), len(want))
	}
	for i, rec := range records {
		if rec.Key() != want[i] {
			t.Errorf("records[%d] = %q, want %q", i, rec.Key(), want[i])
		}
	}
}

func TestSQLiteStore_DeleteRecord(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{})

	rec := sampleRecord("database", "primary")
	if err := store.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}
	if err := store.DeleteRecord(ctx, rec.Key()); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	got, err := store.GetRecord(ctx, rec.Key())
	if err != nil || got != nil {
		t.Errorf("record still present after delete: %v, %v", got, err)
	}

	if err := store.DeleteRecord(ctx, rec.Key()); err != nil {
		t.Errorf("deleting an absent record must succeed: %v", err)
	}
}

func TestSQLiteStore_LockLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{})

	if err := store.AcquireLock(ctx, "run-1", "alice@host 100"); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	err := store.AcquireLock(ctx, "run-2", "bob@host 200")
	if !engine.HasCode(err, engine.ErrCodeLockContention) {
		t.Fatalf("contended acquire = %v, want %s", err, engine.ErrCodeLockContention)
	}

	info, err := store.LockInfo(ctx)
	if err != nil {
		t.Fatalf("LockInfo failed: %v", err)
	}
	if info == nil || info.RunID != "run-1" || info.Holder != "alice@host 100" {
		t.Fatalf("lock info = %+v", info)
	}

	before := info.HeartbeatAt
	time.Sleep(5 * time.Millisecond)
	if err := store.Heartbeat(ctx, "run-1"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	info, err = store.LockInfo(ctx)
	if err != nil {
		t.Fatalf("LockInfo failed: %v", err)
	}
	if !info.HeartbeatAt.After(before) {
		t.Error("heartbeat did not advance")
	}

	// Releasing with the wrong run must not drop the lock.
	if err := store.ReleaseLock(ctx, "run-2"); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if info, _ := store.LockInfo(ctx); info == nil {
		t.Fatal("lock dropped by a non-holder release")
	}

	if err := store.ReleaseLock(ctx, "run-1"); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if info, _ := store.LockInfo(ctx); info != nil {
		t.Errorf("lock still held after release: %+v", info)
	}
	if err := store.Heartbeat(ctx, "run-1"); err == nil {
		t.Error("Heartbeat after release must fail")
	}
}

func TestSQLiteStore_ConcurrentLockSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{})

	const racers = 8
	errs := make([]error, racers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = store.AcquireLock(ctx,
				fmt.Sprintf("run-%d", i), fmt.Sprintf("racer@host %d", i))
		}(i)
	}
	close(start)
	wg.Wait()

	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			if winner >= 0 {
				t.Fatalf("both run-%d and run-%d acquired the lock", winner, i)
			}
			winner = i
		case !engine.HasCode(err, engine.ErrCodeLockContention):
			t.Errorf("racer %d: got %v, want %s", i, err, engine.ErrCodeLockContention)
		}
	}
	if winner < 0 {
		t.Fatal("no racer acquired the lock")
	}

	info, err := store.LockInfo(ctx)
	if err != nil {
		t.Fatalf("LockInfo failed: %v", err)
	}
	if info == nil || info.RunID != fmt.Sprintf("run-%d", winner) {
		t.Errorf("lock info = %+v, want holder run-%d", info, winner)
	}
}

func TestSQLiteStore_StaleLockStillBlocks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{StaleLockThreshold: 10 * time.Millisecond})

	if err := store.AcquireLock(ctx, "run-crashed", "ghost@host 1"); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// A crashed run's lock is never taken over automatically; the error
	// tells the operator staleness was detected.
	err := store.AcquireLock(ctx, "run-2", "alice@host 100")
	if !engine.HasCode(err, engine.ErrCodeLockContention) {
		t.Fatalf("stale acquire = %v, want %s", err, engine.ErrCodeLockContention)
	}
	if !strings.Contains(err.Error(), "stale") {
		t.Errorf("contention error does not flag staleness: %v", err)
	}

	// Only an explicit operator force-unlock frees it.
	if err := store.ForceUnlock(ctx, "operator@host 1"); err != nil {
		t.Fatalf("ForceUnlock failed: %v", err)
	}
	if err := store.AcquireLock(ctx, "run-2", "alice@host 100"); err != nil {
		t.Fatalf("acquire after force-unlock failed: %v", err)
	}
	info, err := store.LockInfo(ctx)
	if err != nil {
		t.Fatalf("LockInfo failed: %v", err)
	}
	if info.RunID != "run-2" {
		t.Errorf("lock held by %q, want run-2", info.RunID)
	}
}

func TestSQLiteStore_ForceUnlock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{})

	// Force-unlocking an unheld lock is a no-op.
	if err := store.ForceUnlock(ctx, "operator@host 1"); err != nil {
		t.Fatalf("ForceUnlock on unheld lock failed: %v", err)
	}

	if err := store.AcquireLock(ctx, "run-1", "alice@host 100"); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if err := store.ForceUnlock(ctx, "operator@host 1"); err != nil {
		t.Fatalf("ForceUnlock failed: %v", err)
	}
	if info, _ := store.LockInfo(ctx); info != nil {
		t.Fatalf("lock still held after force-unlock: %+v", info)
	}

	entries, err := store.ListAuditEntries(ctx, 10)
	if err != nil {
		t.Fatalf("ListAuditEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d audit entries, want 1", len(entries))
	}
	if entries[0].Action != "force_unlock" || entries[0].Actor != "operator@host 1" {
		t.Errorf("audit entry = %+v", entries[0])
	}
}

func TestSQLiteStore_EventsScopedToRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Config{})

	events := []*engine.EventRecord{
		{RunID: "run-1", EventType: "run_started", Message: "3 steps", CreatedAt: time.Now().UTC()},
		{RunID: "run-1", Module: "networking", Resource: "vpc", Action: engine.ActionCreate,
			EventType: "resource_applied", Details: map[string]interface{}{"attempts": 1},
			CreatedAt: time.Now().UTC()},
		{RunID: "run-2", EventType: "run_started", CreatedAt: time.Now().UTC()},
	}
	for _, ev := range events {
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		if ev.ID == 0 {
			t.Error("AppendEvent did not set the event ID")
		}
	}

	got, err := store.ListEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events for run-1, want 2", len(got))
	}
	if got[0].EventType != "run_started" || got[1].EventType != "resource_applied" {
		t.Errorf("event order = [%s %s]", got[0].EventType, got[1].EventType)
	}
	if got[1].Details["attempts"] != float64(1) {
		t.Errorf("event details = %v", got[1].Details)
	}
	if got[1].Action != engine.ActionCreate {
		t.Errorf("event action = %q, want create", got[1].Action)
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "strato.db")

	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := store.SaveRecord(ctx, sampleRecord("database", "primary")); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := newTestStore(t, Config{Path: path})
	rec, err := reopened.GetRecord(ctx, "database.primary")
	if err != nil {
		t.Fatalf("GetRecord after reopen failed: %v", err)
	}
	if rec == nil || !rec.Outputs["database_url"].Sensitive() {
		t.Fatalf("record did not survive reopen intact: %+v", rec)
	}
	if err := reopened.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}
