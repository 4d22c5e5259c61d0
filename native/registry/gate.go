package registry

import (
	"sync"

	"credline/crypto"
)

// Gate is the capability allow-list of principals permitted to write loan,
// collateral and liquidation events into the ledger. Authorization is a flat
// set of writer addresses checked per call.
type Gate struct {
	mu      sync.RWMutex
	allowed map[[crypto.AddressLength]byte]bool
}

// NewGate builds a gate pre-populated with the supplied writers.
func NewGate(writers ...crypto.Address) *Gate {
	g := &Gate{allowed: make(map[[crypto.AddressLength]byte]bool)}
	for _, w := range writers {
		g.allowed[w.Raw()] = true
	}
	return g
}

// Authorize adds the address to the allow-list.
func (g *Gate) Authorize(addr crypto.Address) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed[addr.Raw()] = true
}

// Revoke removes the address from the allow-list.
func (g *Gate) Revoke(addr crypto.Address) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.allowed, addr.Raw())
}

// Allowed reports whether the address may write ledger events.
func (g *Gate) Allowed(addr crypto.Address) bool {
	if g == nil {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.allowed[addr.Raw()]
}

func (g *Gate) check(addr crypto.Address) error {
	if !g.Allowed(addr) {
		return ErrUnauthorized
	}
	return nil
}
