package sessions

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"qadeck/server/internal/db"
	"qadeck/server/internal/global"
	"qadeck/server/internal/portpool"
	"qadeck/server/internal/state"
)

func testBackend() global.BackendConfig {
	return global.BackendConfig{
		ID:         "default",
		Host:       "http://127.0.0.1",
		Capacity:   4,
		NeedsPorts: true,
		Ports: []global.PortPairConfig{
			{Control: 8882, Display: 10000},
			{Control: 8883, Display: 10001},
			{Control: 8884, Display: 10002},
			{Control: 8885, Display: 10003},
		},
	}
}

func newTestRegistry(t *testing.T, backend global.BackendConfig) (*Registry, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "qadeck.db")
	return openRegistry(t, dbPath, backend), dbPath
}

func openRegistry(t *testing.T, dbPath string, backend global.BackendConfig) *Registry {
	t.Helper()
	sqlDB, err := db.OpenSQLiteWithMigrations(dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	cfg := global.BackendsConfig{Backends: []global.BackendConfig{backend}}
	reg, err := NewRegistry(state.NewStore(sqlDB), portpool.New(cfg.PoolInventory()), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestCreate_AllocatesDistinctPairsUpToPoolSize(t *testing.T) {
	backend := testBackend()
	reg, _ := newTestRegistry(t, backend)

	seen := map[portpool.PortPair]struct{}{}
	for i := 0; i < 4; i++ {
		sess, err := reg.Create(backend)
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		if sess.Ports == nil {
			t.Fatalf("session %d has no ports", i)
		}
		if _, dup := seen[*sess.Ports]; dup {
			t.Fatalf("pair %+v allocated twice", *sess.Ports)
		}
		seen[*sess.Ports] = struct{}{}
	}
}

func TestCreate_CapacityExceededOnLimitPlusOne(t *testing.T) {
	backend := testBackend()
	backend.Capacity = 2
	reg, _ := newTestRegistry(t, backend)

	for i := 0; i < 2; i++ {
		if _, err := reg.Create(backend); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	_, err := reg.Create(backend)
	var capErr *CapacityExceededError
	if !errors.As(err, &capErr) {
		t.Fatalf("err = %v, want CapacityExceededError", err)
	}
	if capErr.Active != 2 || capErr.Limit != 2 {
		t.Fatalf("counts = %d/%d, want 2/2", capErr.Active, capErr.Limit)
	}
}

func TestCreate_NoPortsAvailableWhenPoolExhausted(t *testing.T) {
	backend := testBackend()
	backend.Capacity = 8 // more slots than port pairs
	reg, _ := newTestRegistry(t, backend)

	for i := 0; i < 4; i++ {
		if _, err := reg.Create(backend); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	_, err := reg.Create(backend)
	var portErr *NoPortsAvailableError
	if !errors.As(err, &portErr) {
		t.Fatalf("err = %v, want NoPortsAvailableError", err)
	}
	if got := len(reg.List(backend.ID)); got != 4 {
		t.Fatalf("failed create must not leave a session behind, active = %d", got)
	}
}

func TestRelease_ReturnsPairAndIsIdempotent(t *testing.T) {
	backend := testBackend()
	reg, _ := newTestRegistry(t, backend)

	first, err := reg.Create(backend)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	firstPair := *first.Ports

	if err := reg.Release(backend.ID, first.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := reg.Release(backend.ID, first.ID); err != nil {
		t.Fatalf("second Release should be a no-op: %v", err)
	}

	// The released pair is first in inventory order again.
	next, err := reg.Create(backend)
	if err != nil {
		t.Fatalf("Create after release: %v", err)
	}
	if *next.Ports != firstPair {
		t.Fatalf("reallocated pair = %+v, want %+v", *next.Ports, firstPair)
	}
}

func TestNewRegistry_ReconstructsPortOwnershipAfterRestart(t *testing.T) {
	backend := testBackend()
	dbPath := filepath.Join(t.TempDir(), "qadeck.db")

	reg := openRegistry(t, dbPath, backend)
	first, err := reg.Create(backend)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	heldPair := *first.Ports

	// Simulated restart: a fresh registry over the same file must not hand
	// out the persisted session's pair.
	reg2 := openRegistry(t, dbPath, backend)
	sess, err := reg2.Create(backend)
	if err != nil {
		t.Fatalf("Create after restart: %v", err)
	}
	if *sess.Ports == heldPair {
		t.Fatalf("pair %+v double-allocated after restart", heldPair)
	}
	if got := len(reg2.List(backend.ID)); got != 2 {
		t.Fatalf("active sessions after restart = %d, want 2", got)
	}
}

func TestCreate_WithoutPortsUsesTaskURL(t *testing.T) {
	backend := global.BackendConfig{ID: "plain", TaskURL: "http://runner.local/run", Capacity: 1}
	reg, _ := newTestRegistry(t, backend)

	sess, err := reg.Create(backend)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Ports != nil {
		t.Fatalf("expected no ports, got %+v", sess.Ports)
	}
	if sess.ServerURL != "http://runner.local/run" {
		t.Fatalf("ServerURL = %q", sess.ServerURL)
	}
}

func TestTouchAndMarkTaskRun(t *testing.T) {
	backend := testBackend()
	reg, _ := newTestRegistry(t, backend)

	sess, err := reg.Create(backend)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.Touch(backend.ID, sess.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := reg.MarkTaskRun(sess.ID); err != nil {
		t.Fatalf("MarkTaskRun: %v", err)
	}
	got, ok := reg.Get(sess.ID)
	if !ok || !got.HasRunTask {
		t.Fatalf("session after MarkTaskRun: %+v ok=%v", got, ok)
	}
}

func TestList_IsOrderedByCreation(t *testing.T) {
	backend := testBackend()
	reg, _ := newTestRegistry(t, backend)

	ids := []string{}
	for i := 0; i < 3; i++ {
		sess, err := reg.Create(backend)
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		ids = append(ids, sess.ID)
	}
	listed := reg.List(backend.ID)
	if len(listed) != 3 {
		t.Fatalf("listed %d sessions, want 3", len(listed))
	}
	byID := map[string]bool{}
	for _, sess := range listed {
		byID[sess.ID] = true
	}
	for _, id := range ids {
		if !byID[id] {
			t.Fatalf("session %s missing from list %s", id, fmt.Sprint(listed))
		}
	}
	for i := 1; i < len(listed); i++ {
		if listed[i].CreatedAt.Before(listed[i-1].CreatedAt) {
			t.Fatalf("list not ordered by creation time")
		}
	}
}
