package global

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"qadeck/server/internal/portpool"
)

const backendsTOMLFileName = "backends.toml"

// PortPairConfig mirrors portpool.PortPair in the TOML file.
type PortPairConfig struct {
	Control int `json:"control" toml:"control"`
	Display int `json:"display" toml:"display"`
}

// BackendConfig describes one remote execution target: its session capacity
// and, when it dedicates ports to sessions, the fixed pair inventory.
type BackendConfig struct {
	ID         string           `json:"id" toml:"id"`
	Host       string           `json:"host" toml:"host"`
	TaskURL    string           `json:"task_url,omitempty" toml:"task_url,omitempty"`
	Capacity   int              `json:"capacity" toml:"capacity"`
	NeedsPorts bool             `json:"needs_ports" toml:"needs_ports"`
	Ports      []PortPairConfig `json:"ports,omitempty" toml:"ports,omitempty"`
}

type BackendsConfig struct {
	Backends []BackendConfig `json:"backends" toml:"backends"`
}

// Endpoints builds the session server/display URLs for an allocated pair.
func (b BackendConfig) Endpoints(pair portpool.PortPair) (serverURL, displayURL string) {
	host := strings.TrimRight(strings.TrimSpace(b.Host), "/")
	if host == "" {
		return b.TaskURL, ""
	}
	return fmt.Sprintf("%s:%d/sse", host, pair.ControlPort), fmt.Sprintf("%s:%d", host, pair.DisplayPort)
}

// PortInventory converts the TOML pair list to the pool's type.
func (b BackendConfig) PortInventory() []portpool.PortPair {
	out := make([]portpool.PortPair, 0, len(b.Ports))
	for _, p := range b.Ports {
		out = append(out, portpool.PortPair{ControlPort: p.Control, DisplayPort: p.Display})
	}
	return out
}

func (c BackendsConfig) Lookup(backendID string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.ID == backendID {
			return b, true
		}
	}
	return BackendConfig{}, false
}

// PoolInventory collects per-backend pair inventories for portpool.New.
func (c BackendsConfig) PoolInventory() map[string][]portpool.PortPair {
	out := map[string][]portpool.PortPair{}
	for _, b := range c.Backends {
		if b.NeedsPorts {
			out[b.ID] = b.PortInventory()
		}
	}
	return out
}

type BackendsStore struct {
	dir string
}

func NewBackendsStore(dir string) *BackendsStore {
	return &BackendsStore{dir: dir}
}

func (s *BackendsStore) LoadOrInit() (BackendsConfig, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return BackendsConfig{}, err
	}

	path := filepath.Join(s.dir, backendsTOMLFileName)
	if b, err := os.ReadFile(path); err == nil {
		var cfg BackendsConfig
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return BackendsConfig{}, err
		}
		return normalizeBackends(cfg), nil
	} else if !os.IsNotExist(err) {
		return BackendsConfig{}, err
	}

	cfg := normalizeBackends(BackendsConfig{})
	if err := writeTOMLAtomically(path, cfg); err != nil {
		return BackendsConfig{}, err
	}
	return cfg, nil
}

func (s *BackendsStore) Save(cfg BackendsConfig) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeTOMLAtomically(filepath.Join(s.dir, backendsTOMLFileName), normalizeBackends(cfg))
}

func normalizeBackends(cfg BackendsConfig) BackendsConfig {
	if len(cfg.Backends) == 0 {
		cfg.Backends = []BackendConfig{defaultBackend()}
	}
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		b.ID = strings.TrimSpace(b.ID)
		if b.ID == "" {
			b.ID = "default"
		}
		if b.Capacity <= 0 {
			b.Capacity = 4
		}
		if b.NeedsPorts && len(b.Ports) == 0 {
			b.Ports = defaultBackend().Ports
		}
	}
	return cfg
}

func defaultBackend() BackendConfig {
	return BackendConfig{
		ID:         "default",
		Host:       "http://127.0.0.1",
		Capacity:   4,
		NeedsPorts: true,
		Ports: []PortPairConfig{
			{Control: 8882, Display: 10000},
			{Control: 8883, Display: 10001},
			{Control: 8884, Display: 10002},
			{Control: 8885, Display: 10003},
		},
	}
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
