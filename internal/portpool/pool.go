// Package portpool holds the fixed inventory of (control port, display port)
// pairs each backend may hand out to sessions. The pool never records which
// pairs are taken: availability is derived by subtracting the pairs currently
// held by active sessions, which the caller supplies.
package portpool

import "sync"

type PortPair struct {
	ControlPort int `json:"controlPort"`
	DisplayPort int `json:"displayPort"`
}

type Pool struct {
	mu        sync.Mutex
	inventory map[string][]PortPair
}

func New(inventory map[string][]PortPair) *Pool {
	inv := make(map[string][]PortPair, len(inventory))
	for backendID, pairs := range inventory {
		cp := make([]PortPair, len(pairs))
		copy(cp, pairs)
		inv[backendID] = cp
	}
	return &Pool{inventory: inv}
}

// Allocate returns the first pair in inventory order that is not in inUse.
// Inventory order is fixed so allocation is deterministic. The second return
// is false when the backend's inventory is exhausted or unknown; that is a
// normal outcome, not an error.
func (p *Pool) Allocate(backendID string, inUse []PortPair) (PortPair, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	held := make(map[PortPair]struct{}, len(inUse))
	for _, pair := range inUse {
		held[pair] = struct{}{}
	}
	for _, pair := range p.inventory[backendID] {
		if _, taken := held[pair]; !taken {
			return pair, true
		}
	}
	return PortPair{}, false
}

// Contains reports whether the pair belongs to the backend's inventory.
func (p *Pool) Contains(backendID string, pair PortPair) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, candidate := range p.inventory[backendID] {
		if candidate == pair {
			return true
		}
	}
	return false
}

// Inventory returns a copy of the backend's full pair list.
func (p *Pool) Inventory(backendID string) []PortPair {
	p.mu.Lock()
	defer p.mu.Unlock()
	pairs := p.inventory[backendID]
	out := make([]PortPair, len(pairs))
	copy(out, pairs)
	return out
}

func (p *Pool) Size(backendID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inventory[backendID])
}
