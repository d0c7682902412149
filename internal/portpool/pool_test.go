package portpool

import (
	"sync"
	"testing"
)

func referenceInventory() map[string][]PortPair {
	return map[string][]PortPair{
		"default": {
			{ControlPort: 8882, DisplayPort: 10000},
			{ControlPort: 8883, DisplayPort: 10001},
			{ControlPort: 8884, DisplayPort: 10002},
			{ControlPort: 8885, DisplayPort: 10003},
		},
	}
}

func TestAllocate_InventoryOrderIsDeterministic(t *testing.T) {
	pool := New(referenceInventory())

	first, ok := pool.Allocate("default", nil)
	if !ok {
		t.Fatal("expected a pair")
	}
	if first.ControlPort != 8882 || first.DisplayPort != 10000 {
		t.Fatalf("first pair = %+v, want 8882/10000", first)
	}

	second, ok := pool.Allocate("default", []PortPair{first})
	if !ok {
		t.Fatal("expected a second pair")
	}
	if second.ControlPort != 8883 {
		t.Fatalf("second pair = %+v, want control 8883", second)
	}
}

func TestAllocate_SkipsHeldAndReusesReleased(t *testing.T) {
	pool := New(referenceInventory())
	inv := pool.Inventory("default")

	// Hold everything except the third pair.
	held := []PortPair{inv[0], inv[1], inv[3]}
	pair, ok := pool.Allocate("default", held)
	if !ok {
		t.Fatal("expected the remaining pair")
	}
	if pair != inv[2] {
		t.Fatalf("pair = %+v, want %+v", pair, inv[2])
	}

	// Releasing the first pair means it is simply absent from inUse.
	pair, ok = pool.Allocate("default", []PortPair{inv[1], inv[2], inv[3]})
	if !ok || pair != inv[0] {
		t.Fatalf("pair = %+v ok=%v, want %+v", pair, ok, inv[0])
	}
}

func TestAllocate_ExhaustedIsUnavailableNotError(t *testing.T) {
	pool := New(referenceInventory())
	if _, ok := pool.Allocate("default", pool.Inventory("default")); ok {
		t.Fatal("expected exhaustion")
	}
	if _, ok := pool.Allocate("unknown-backend", nil); ok {
		t.Fatal("unknown backend should have no inventory")
	}
}

func TestAllocate_NoDuplicatePairsUnderBoundedSequences(t *testing.T) {
	pool := New(referenceInventory())
	held := []PortPair{}
	seen := map[PortPair]struct{}{}

	for i := 0; i < pool.Size("default"); i++ {
		pair, ok := pool.Allocate("default", held)
		if !ok {
			t.Fatalf("allocation %d failed before exhaustion", i)
		}
		if _, dup := seen[pair]; dup {
			t.Fatalf("pair %+v handed out twice", pair)
		}
		seen[pair] = struct{}{}
		held = append(held, pair)
	}
	if _, ok := pool.Allocate("default", held); ok {
		t.Fatal("expected unavailable after N allocations")
	}
}

func TestAllocate_ConcurrentCallsDoNotPanic(t *testing.T) {
	pool := New(referenceInventory())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Allocate("default", nil)
			pool.Contains("default", PortPair{ControlPort: 8882, DisplayPort: 10000})
		}()
	}
	wg.Wait()
}
