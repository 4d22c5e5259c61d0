package lending

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"credline/crypto"
)

// ErrTransferDenied surfaces failures from the underlying value-transfer
// primitive (insufficient balance or allowance).
var ErrTransferDenied = errors.New("lending: transfer denied")

// Transfer is the external value-movement primitive. Pull follows
// approve-then-pull semantics from the holder's balance; Push credits the
// recipient. Failures propagate as transfer errors and abort the enclosing
// transition before any ledger write.
type Transfer interface {
	Pull(from crypto.Address, asset string, amount *big.Int) error
	Push(to crypto.Address, asset string, amount *big.Int) error
}

// BalanceBook is an in-process Transfer backed by per-address asset
// balances. It stands in for the settlement rail in single-node deployments
// and tests.
type BalanceBook struct {
	mu       sync.Mutex
	balances map[string]*big.Int
}

// NewBalanceBook builds an empty book.
func NewBalanceBook() *BalanceBook {
	return &BalanceBook{balances: make(map[string]*big.Int)}
}

func bookKey(addr crypto.Address, asset string) string {
	return fmt.Sprintf("%x/%s", addr.Raw(), normalizeAsset(asset))
}

// Mint credits an address directly, seeding test and genesis balances.
func (b *BalanceBook) Mint(to crypto.Address, asset string, amount *big.Int) {
	if b == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(to, asset, amount)
}

// Balance reads the current holding.
func (b *BalanceBook) Balance(addr crypto.Address, asset string) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[bookKey(addr, asset)]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Pull implements Transfer.
func (b *BalanceBook) Pull(from crypto.Address, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := bookKey(from, asset)
	bal, ok := b.balances[key]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrTransferDenied
	}
	b.balances[key] = new(big.Int).Sub(bal, amount)
	return nil
}

// Push implements Transfer.
func (b *BalanceBook) Push(to crypto.Address, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(to, asset, amount)
	return nil
}

func (b *BalanceBook) credit(to crypto.Address, asset string, amount *big.Int) {
	key := bookKey(to, asset)
	if bal, ok := b.balances[key]; ok {
		b.balances[key] = new(big.Int).Add(bal, amount)
		return
	}
	b.balances[key] = new(big.Int).Set(amount)
}
