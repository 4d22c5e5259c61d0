package fund

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"credline/events"
)

// storage abstracts the subset of state manager functionality the fund
// needs.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	stateKey      = []byte("fund/state")
	defaultPrefix = []byte("fund/default/")
)

func defaultKey(loanID uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", defaultPrefix, loanID))
}

var (
	errStoreNotConfigured = errors.New("fund: storage unavailable")
	// ErrInvalidAmount marks nil or non-positive amounts.
	ErrInvalidAmount = errors.New("fund: amount must be positive")
)

// State is the fund's durable accounting.
type State struct {
	Balance      *big.Int
	CoveredTotal *big.Int
	DefaultCount uint64
}

// Clone returns a deep copy of the fund state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Balance != nil {
		clone.Balance = new(big.Int).Set(s.Balance)
	}
	if s.CoveredTotal != nil {
		clone.CoveredTotal = new(big.Int).Set(s.CoveredTotal)
	}
	return &clone
}

func (s *State) ensureDefaults() {
	if s.Balance == nil {
		s.Balance = big.NewInt(0)
	}
	if s.CoveredTotal == nil {
		s.CoveredTotal = big.NewInt(0)
	}
}

// DefaultRecord is the audit entry written for every covered default.
type DefaultRecord struct {
	LoanID    uint64
	Principal *big.Int
	Loss      *big.Int
	Covered   *big.Int
	At        uint64
}

// Clone returns a deep copy of the record.
func (d *DefaultRecord) Clone() *DefaultRecord {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Principal != nil {
		clone.Principal = new(big.Int).Set(d.Principal)
	}
	if d.Loss != nil {
		clone.Loss = new(big.Int).Set(d.Loss)
	}
	if d.Covered != nil {
		clone.Covered = new(big.Int).Set(d.Covered)
	}
	return &clone
}

// Config parameterises the loss-absorption fund.
type Config struct {
	// MaxCoverageBps caps the payout on a single default as a fraction of
	// the loan's original principal.
	MaxCoverageBps uint64 `toml:"MaxCoverageBps"`
	// RevenueShareBps is the slice of each interest payment the fund keeps.
	RevenueShareBps uint64 `toml:"RevenueShareBps"`
}

// DefaultConfig returns the canonical fund parameterisation.
func DefaultConfig() Config {
	return Config{
		MaxCoverageBps:  2_500,
		RevenueShareBps: 500,
	}
}

// Engine is the loss-absorption fund. It accumulates a slice of interest
// revenue and pays out on liquidation shortfalls. A payout is always the
// smallest of the loss, the per-loan coverage cap and the current balance;
// an empty fund covers nothing and that is not an error.
type Engine struct {
	mu      sync.Mutex
	store   storage
	cfg     Config
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine constructs a fund bound to the provided storage backend.
func NewEngine(store storage, cfg Config) *Engine {
	return &Engine{
		store:   store,
		cfg:     cfg,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the wall clock, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// Deposit adds directly to the fund balance, e.g. a treasury top-up.
func (e *Engine) Deposit(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.state()
	if err != nil {
		return err
	}
	state.Balance = new(big.Int).Add(state.Balance, amount)
	if err := e.putState(state); err != nil {
		return err
	}
	e.emit(EventTypeDeposit, map[string]string{"amount": amount.String()})
	return nil
}

// AllocateRevenue offers interest revenue to the fund. The fund keeps its
// configured share and returns the amount kept; the caller retains the rest.
func (e *Engine) AllocateRevenue(amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	skim := new(big.Int).Mul(amount, new(big.Int).SetUint64(e.cfg.RevenueShareBps))
	skim.Quo(skim, big.NewInt(10_000))
	if skim.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	state, err := e.state()
	if err != nil {
		return nil, err
	}
	state.Balance = new(big.Int).Add(state.Balance, skim)
	if err := e.putState(state); err != nil {
		return nil, err
	}
	e.emit(EventTypeRevenueAllocated, map[string]string{
		"offered": amount.String(),
		"kept":    skim.String(),
	})
	return skim, nil
}

// CoverLoss pays out against a default. The payout is
// min(loss, principal*MaxCoverageBps/10000, balance) and a shortfall against
// the loss is expected operation, never an error. Each covered loan gets a
// durable default record for audit.
func (e *Engine) CoverLoss(loanID uint64, principal, loss *big.Int) (*big.Int, error) {
	if loss == nil || loss.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.state()
	if err != nil {
		return nil, err
	}
	coverageCap := big.NewInt(0)
	if principal != nil && principal.Sign() > 0 {
		coverageCap = new(big.Int).Mul(principal, new(big.Int).SetUint64(e.cfg.MaxCoverageBps))
		coverageCap.Quo(coverageCap, big.NewInt(10_000))
	}
	covered := new(big.Int).Set(loss)
	if covered.Cmp(coverageCap) > 0 {
		covered.Set(coverageCap)
	}
	if covered.Cmp(state.Balance) > 0 {
		covered.Set(state.Balance)
	}
	state.Balance = new(big.Int).Sub(state.Balance, covered)
	state.CoveredTotal = new(big.Int).Add(state.CoveredTotal, covered)
	state.DefaultCount++
	if err := e.putState(state); err != nil {
		return nil, err
	}
	record := &DefaultRecord{
		LoanID:    loanID,
		Principal: new(big.Int).Set(valueOrZero(principal)),
		Loss:      new(big.Int).Set(loss),
		Covered:   new(big.Int).Set(covered),
		At:        uint64(e.now()),
	}
	if err := e.store.KVPut(defaultKey(loanID), record); err != nil {
		return nil, err
	}
	e.emit(EventTypeLossCovered, map[string]string{
		"loanId":  strconv.FormatUint(loanID, 10),
		"loss":    loss.String(),
		"covered": covered.String(),
	})
	return covered, nil
}

// State returns a copy of the fund accounting.
func (e *Engine) State() (*State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.state()
	if err != nil {
		return nil, err
	}
	return state.Clone(), nil
}

// Default returns the audit record for a covered loan, if any.
func (e *Engine) Default(loanID uint64) (*DefaultRecord, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil, false, errStoreNotConfigured
	}
	record := new(DefaultRecord)
	ok, err := e.store.KVGet(defaultKey(loanID), record)
	if err != nil || !ok {
		return nil, false, err
	}
	return record.Clone(), true, nil
}

func (e *Engine) state() (*State, error) {
	if e.store == nil {
		return nil, errStoreNotConfigured
	}
	state := new(State)
	if _, err := e.store.KVGet(stateKey, state); err != nil {
		return nil, err
	}
	state.ensureDefaults()
	return state, nil
}

func (e *Engine) putState(state *State) error {
	state.ensureDefaults()
	return e.store.KVPut(stateKey, state)
}

func (e *Engine) emit(eventType string, attrs map[string]string) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(&events.Event{Type: eventType, Attributes: attrs})
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

const (
	// EventTypeDeposit is emitted on direct balance top-ups.
	EventTypeDeposit = "fund.deposit"
	// EventTypeRevenueAllocated is emitted when interest revenue is kept.
	EventTypeRevenueAllocated = "fund.revenueAllocated"
	// EventTypeLossCovered is emitted when a default payout settles.
	EventTypeLossCovered = "fund.lossCovered"
)
