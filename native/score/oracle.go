package score

import (
	"sync"

	"credline/crypto"
)

// StaticOracle is a fixed external-score table, fed out of band by the
// cross-tier aggregator integration. Subjects without an entry fall back to
// the neutral external factor.
type StaticOracle struct {
	mu     sync.RWMutex
	scores map[[crypto.AddressLength]byte]uint64
}

// NewStaticOracle builds an empty oracle table.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{scores: make(map[[crypto.AddressLength]byte]uint64)}
}

// SetScore records the external aggregate value for a subject.
func (o *StaticOracle) SetScore(subject crypto.Address, value uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scores[subject.Raw()] = value
}

// ExternalScore implements Oracle.
func (o *StaticOracle) ExternalScore(subject crypto.Address) (uint64, bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	value, ok := o.scores[subject.Raw()]
	return value, ok, nil
}
