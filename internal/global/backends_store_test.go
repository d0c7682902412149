package global

import (
	"os"
	"path/filepath"
	"testing"

	"qadeck/server/internal/portpool"
)

func TestLoadOrInit_WritesDefaultInventory(t *testing.T) {
	dir := t.TempDir()
	store := NewBackendsStore(dir)

	cfg, err := store.LoadOrInit()
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}
	if len(cfg.Backends) != 1 {
		t.Fatalf("backends = %d, want 1", len(cfg.Backends))
	}
	b := cfg.Backends[0]
	if b.ID != "default" || !b.NeedsPorts || b.Capacity != 4 {
		t.Fatalf("unexpected default backend: %+v", b)
	}
	if len(b.Ports) != 4 {
		t.Fatalf("ports = %d, want 4", len(b.Ports))
	}
	if _, err := os.Stat(filepath.Join(dir, "backends.toml")); err != nil {
		t.Fatalf("backends.toml not written: %v", err)
	}
}

func TestLoadOrInit_RoundTripsSavedConfig(t *testing.T) {
	dir := t.TempDir()
	store := NewBackendsStore(dir)

	saved := BackendsConfig{Backends: []BackendConfig{
		{ID: "plain", TaskURL: "http://10.0.0.5:9100/run", Capacity: 2, NeedsPorts: false},
	}}
	if err := store.Save(saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg, err := store.LoadOrInit()
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}
	b, ok := cfg.Lookup("plain")
	if !ok {
		t.Fatal("backend plain missing after reload")
	}
	if b.TaskURL != "http://10.0.0.5:9100/run" || b.Capacity != 2 || b.NeedsPorts {
		t.Fatalf("unexpected backend after reload: %+v", b)
	}
}

func TestEndpoints_BuildFromHostAndPair(t *testing.T) {
	b := BackendConfig{
		Host:  "http://10.160.13.110/",
		Ports: []PortPairConfig{{Control: 8882, Display: 10000}},
	}
	server, display := b.Endpoints(b.PortInventory()[0])
	if server != "http://10.160.13.110:8882/sse" {
		t.Fatalf("server = %q", server)
	}
	if display != "http://10.160.13.110:10000" {
		t.Fatalf("display = %q", display)
	}
}

func TestEndpoints_FallsBackToTaskURLWithoutHost(t *testing.T) {
	b := BackendConfig{TaskURL: "http://runner.local/run"}
	server, display := b.Endpoints(portpool.PortPair{})
	if server != "http://runner.local/run" || display != "" {
		t.Fatalf("server = %q display = %q", server, display)
	}
}
