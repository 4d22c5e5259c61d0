package lending

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"credline/crypto"
	"credline/events"
	"credline/native/common"
	"credline/native/health"
	"credline/native/registry"
	"credline/native/score"
)

const moduleName = "lending"

const secondsPerYear = 31_536_000

// storage abstracts the subset of state manager functionality the engine
// needs.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Scorer answers the credit question at origination time. The scoring engine
// satisfies this directly.
type Scorer interface {
	ComputeScore(subject crypto.Address) (*score.Breakdown, error)
}

// FundSink is the loss-absorption fund hook. AllocateRevenue offers a slice
// of interest revenue and returns the amount the fund kept; CoverLoss asks
// the fund to absorb a liquidation shortfall and returns the amount covered.
type FundSink interface {
	AllocateRevenue(amount *big.Int) (*big.Int, error)
	CoverLoss(loanID uint64, principal, loss *big.Int) (*big.Int, error)
}

var (
	poolStateKey   = []byte("lending/pool")
	positionPrefix = []byte("lending/position/")
)

func positionKey(loanID uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", positionPrefix, loanID))
}

var (
	errStoreNotConfigured = errors.New("lending: storage unavailable")
	// ErrUnauthorized rejects settlement calls from anyone but the wired
	// auctioneer.
	ErrUnauthorized = errors.New("lending: caller not authorized")
)

// SettlementResult summarises how liquidation proceeds were distributed.
type SettlementResult struct {
	Recovered *big.Int
	Surplus   *big.Int
	Shortfall *big.Int
	Covered   *big.Int
}

// Engine drives the collateralized lending pool. All state transitions are
// serialized under a single mutex; reads take the same lock because debts are
// evaluated lazily against the clock.
type Engine struct {
	mu         sync.Mutex
	store      storage
	ledger     *registry.Ledger
	scorer     Scorer
	feed       PriceFeed
	transfer   Transfer
	fund       FundSink
	model      *InterestModel
	cfg        Config
	writer     crypto.Address
	poolAddr   crypto.Address
	auctioneer crypto.Address
	pauses     common.PauseView
	emitter    events.Emitter
	nowFn      func() int64
}

// NewEngine constructs a lending engine. The writer address must be
// authorized on the registry gate; poolAddr is the custody account backing
// pool liquidity and collateral.
func NewEngine(store storage, ledger *registry.Ledger, scorer Scorer, feed PriceFeed, transfer Transfer, cfg Config, writer, poolAddr crypto.Address) *Engine {
	return &Engine{
		store:    store,
		ledger:   ledger,
		scorer:   scorer,
		feed:     feed,
		transfer: transfer,
		model: NewInterestModelBps(
			cfg.Interest.BaseRateBps,
			cfg.Interest.Slope1Bps,
			cfg.Interest.Slope2Bps,
			cfg.Interest.OptimalBps,
		),
		cfg:      cfg,
		writer:   writer,
		poolAddr: poolAddr,
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
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

// SetPauses wires the module pause view consulted before every mutation.
func (e *Engine) SetPauses(p common.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetFund wires the loss-absorption fund.
func (e *Engine) SetFund(fund FundSink) {
	if e == nil {
		return
	}
	e.fund = fund
}

// SetAuctioneer registers the only address allowed to settle liquidations.
func (e *Engine) SetAuctioneer(addr crypto.Address) {
	if e == nil {
		return
	}
	e.auctioneer = addr
}

// Config returns the engine's runtime configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// Supply deposits pool liquidity from the given account.
func (e *Engine) Supply(from crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if e.store == nil {
		return errStoreNotConfigured
	}
	if err := e.transfer.Pull(from, AssetUSD, amount); err != nil {
		return err
	}
	pool, err := e.poolState()
	if err != nil {
		return err
	}
	pool.TotalSupplied = new(big.Int).Add(pool.TotalSupplied, amount)
	if err := e.putPoolState(pool); err != nil {
		return err
	}
	e.emit(newLiquiditySuppliedEvent(from, amount))
	return nil
}

// Withdraw removes idle pool liquidity to the given account. Liquidity
// backing outstanding loans cannot be withdrawn.
func (e *Engine) Withdraw(to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if e.store == nil {
		return errStoreNotConfigured
	}
	pool, err := e.poolState()
	if err != nil {
		return err
	}
	if amount.Cmp(pool.Available()) > 0 {
		return ErrInsufficientLiquidity
	}
	if err := e.transfer.Push(to, AssetUSD, amount); err != nil {
		return err
	}
	pool.TotalSupplied = new(big.Int).Sub(pool.TotalSupplied, amount)
	if err := e.putPoolState(pool); err != nil {
		return err
	}
	e.emit(newLiquidityWithdrawnEvent(to, amount))
	return nil
}

// Borrow opens a collateralized loan for the subject. The collateral amount
// is valued exactly once against a fresh price snapshot; the requested
// principal must fit under the subject tier's maximum LTV, and the pool must
// hold enough idle liquidity. The borrow rate is fixed at origination from
// pool utilization measured before the draw, scaled by the tier multiplier.
func (e *Engine) Borrow(subject crypto.Address, collateralAsset string, collateralAmount, principal *big.Int) (uint64, error) {
	if collateralAmount == nil || collateralAmount.Sign() <= 0 || principal == nil || principal.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return 0, err
	}
	if e.store == nil {
		return 0, errStoreNotConfigured
	}
	breakdown, err := e.scorer.ComputeScore(subject)
	if err != nil {
		return 0, err
	}
	quote, err := e.freshQuote(collateralAsset)
	if err != nil {
		return 0, err
	}
	collateralValue := quote.Value(collateralAmount)
	if collateralValue.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	maxPrincipal := new(big.Int).Mul(collateralValue, new(big.Int).SetUint64(breakdown.TierParams.MaxLTVBps))
	maxPrincipal.Quo(maxPrincipal, big.NewInt(10_000))
	if principal.Cmp(maxPrincipal) > 0 {
		return 0, ErrExceedsAllowedLTV
	}
	pool, err := e.poolState()
	if err != nil {
		return 0, err
	}
	if principal.Cmp(pool.Available()) > 0 {
		return 0, ErrInsufficientLiquidity
	}
	rate := e.model.BorrowAPR(pool.TotalBorrowed, pool.TotalSupplied)
	rateBps := RateBps(rate, breakdown.TierParams.RateMultiplierBps)
	if err := e.transfer.Pull(subject, collateralAsset, collateralAmount); err != nil {
		return 0, err
	}
	if err := e.transfer.Push(subject, AssetUSD, principal); err != nil {
		// Hand the collateral back; the loan never existed.
		_ = e.transfer.Push(subject, collateralAsset, collateralAmount)
		return 0, err
	}
	atMax := principal.Cmp(maxPrincipal) == 0
	loanID, err := e.ledger.RegisterLoan(e.writer, subject, e.poolAddr, principal, rateBps, atMax)
	if err != nil {
		return 0, err
	}
	if err := e.ledger.RecordCollateral(e.writer, loanID, collateralAsset, collateralValue, breakdown.Banded); err != nil {
		return 0, err
	}
	position := &Position{
		LoanID:           loanID,
		Subject:          subject.Raw(),
		CollateralAsset:  normalizeAsset(collateralAsset),
		CollateralAmount: new(big.Int).Set(collateralAmount),
		InterestPaid:     big.NewInt(0),
	}
	if err := e.putPosition(position); err != nil {
		return 0, err
	}
	pool.TotalBorrowed = new(big.Int).Add(pool.TotalBorrowed, principal)
	if err := e.putPoolState(pool); err != nil {
		return 0, err
	}
	e.emit(newLoanOpenedEvent(loanID, subject, principal, rateBps, breakdown.TierName))
	return loanID, nil
}

// Repay applies a payment against the loan, interest first, then principal.
// Overpayment beyond the outstanding total is left untouched in the caller's
// account. Collateral is released in proportion to the principal retired; a
// full settlement releases everything still held.
func (e *Engine) Repay(caller crypto.Address, loanID uint64, amount *big.Int) (*RepayResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.store == nil {
		return nil, errStoreNotConfigured
	}
	loan, err := e.ledger.Loan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != registry.LoanActive {
		return nil, registry.ErrLoanNotActive
	}
	if caller.Raw() != loan.Subject {
		return nil, ErrNotBorrower
	}
	position, err := e.position(loanID)
	if err != nil {
		return nil, err
	}
	remaining := loan.Remaining()
	interestOwed := e.accruedInterest(loan, position)
	interestPaid := new(big.Int).Set(amount)
	if interestPaid.Cmp(interestOwed) > 0 {
		interestPaid.Set(interestOwed)
	}
	principalPaid := new(big.Int).Sub(amount, interestPaid)
	if principalPaid.Cmp(remaining) > 0 {
		principalPaid.Set(remaining)
	}
	pulled := new(big.Int).Add(interestPaid, principalPaid)
	if pulled.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := e.transfer.Pull(caller, AssetUSD, pulled); err != nil {
		return nil, err
	}
	settled := false
	if principalPaid.Sign() > 0 {
		_, didSettle, err := e.ledger.RegisterRepayment(e.writer, loanID, principalPaid)
		if err != nil {
			return nil, err
		}
		settled = didSettle
	}
	released := big.NewInt(0)
	if settled {
		released = new(big.Int).Set(position.CollateralAmount)
	} else if principalPaid.Sign() > 0 && remaining.Sign() > 0 {
		released = new(big.Int).Mul(position.CollateralAmount, principalPaid)
		released.Quo(released, remaining)
	}
	if released.Sign() > 0 {
		if err := e.transfer.Push(caller, position.CollateralAsset, released); err != nil {
			return nil, err
		}
		position.CollateralAmount = new(big.Int).Sub(position.CollateralAmount, released)
	}
	position.InterestPaid = new(big.Int).Add(position.InterestPaid, interestPaid)
	if err := e.putPosition(position); err != nil {
		return nil, err
	}
	pool, err := e.poolState()
	if err != nil {
		return nil, err
	}
	if interestPaid.Sign() > 0 {
		retained := new(big.Int).Set(interestPaid)
		if e.fund != nil {
			skim, err := e.fund.AllocateRevenue(interestPaid)
			if err != nil {
				return nil, err
			}
			retained.Sub(retained, skim)
		}
		pool.TotalSupplied = new(big.Int).Add(pool.TotalSupplied, retained)
	}
	if principalPaid.Sign() > 0 {
		pool.TotalBorrowed = new(big.Int).Sub(pool.TotalBorrowed, principalPaid)
		if pool.TotalBorrowed.Sign() < 0 {
			pool.TotalBorrowed = big.NewInt(0)
		}
	}
	if err := e.putPoolState(pool); err != nil {
		return nil, err
	}
	result := &RepayResult{
		InterestPaid:       interestPaid,
		PrincipalPaid:      principalPaid,
		CollateralReleased: released,
		Settled:            settled,
	}
	e.emit(newLoanRepaidEvent(loanID, caller, result))
	return result, nil
}

// SettleLiquidation finalizes a liquidation sale: the executor pays the sale
// price, receives the seized collateral, and any proceeds beyond the debt
// flow back to the borrower. Shortfalls are offered to the loss-absorption
// fund; whatever the fund cannot cover is socialized against pool supply.
// The interest slice of the recovery is credited to suppliers net of the
// fund's revenue skim, as on a regular repayment.
// Only the wired auctioneer may call this.
func (e *Engine) SettleLiquidation(caller crypto.Address, loanID uint64, executor crypto.Address, salePrice *big.Int) (*SettlementResult, error) {
	if salePrice == nil || salePrice.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.store == nil {
		return nil, errStoreNotConfigured
	}
	if e.auctioneer.IsZero() || !caller.Equal(e.auctioneer) {
		return nil, ErrUnauthorized
	}
	loan, err := e.ledger.Loan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != registry.LoanActive {
		return nil, registry.ErrLoanNotActive
	}
	position, err := e.position(loanID)
	if err != nil {
		return nil, err
	}
	remaining := loan.Remaining()
	interestOwed := e.accruedInterest(loan, position)
	debtTotal := new(big.Int).Add(remaining, interestOwed)
	if err := e.transfer.Pull(executor, AssetUSD, salePrice); err != nil {
		return nil, err
	}
	if position.CollateralAmount.Sign() > 0 {
		if err := e.transfer.Push(executor, position.CollateralAsset, position.CollateralAmount); err != nil {
			return nil, err
		}
	}
	recovered := new(big.Int).Set(salePrice)
	surplus := big.NewInt(0)
	shortfall := big.NewInt(0)
	if salePrice.Cmp(debtTotal) > 0 {
		surplus = new(big.Int).Sub(salePrice, debtTotal)
		recovered = new(big.Int).Set(debtTotal)
		borrower := crypto.MustNewAddress(crypto.SubjectPrefix, loan.Subject[:])
		if err := e.transfer.Push(borrower, AssetUSD, surplus); err != nil {
			return nil, err
		}
	} else {
		shortfall = new(big.Int).Sub(debtTotal, salePrice)
	}
	interestRecovered := new(big.Int).Set(recovered)
	if interestRecovered.Cmp(interestOwed) > 0 {
		interestRecovered.Set(interestOwed)
	}
	covered := big.NewInt(0)
	if shortfall.Sign() > 0 && e.fund != nil {
		covered, err = e.fund.CoverLoss(loanID, loan.Principal, shortfall)
		if err != nil {
			return nil, err
		}
	}
	if err := e.ledger.RegisterLiquidation(e.writer, loanID); err != nil {
		return nil, err
	}
	position.CollateralAmount = big.NewInt(0)
	position.InterestPaid = new(big.Int).Add(position.InterestPaid, interestRecovered)
	if err := e.putPosition(position); err != nil {
		return nil, err
	}
	pool, err := e.poolState()
	if err != nil {
		return nil, err
	}
	pool.TotalBorrowed = new(big.Int).Sub(pool.TotalBorrowed, remaining)
	if pool.TotalBorrowed.Sign() < 0 {
		pool.TotalBorrowed = big.NewInt(0)
	}
	pool.TotalSupplied = new(big.Int).Add(pool.TotalSupplied, covered)
	if interestRecovered.Sign() > 0 {
		retained := new(big.Int).Set(interestRecovered)
		if e.fund != nil {
			skim, err := e.fund.AllocateRevenue(interestRecovered)
			if err != nil {
				return nil, err
			}
			retained.Sub(retained, skim)
		}
		pool.TotalSupplied.Add(pool.TotalSupplied, retained)
	}
	uncovered := new(big.Int).Sub(shortfall, covered)
	if uncovered.Sign() > 0 {
		pool.TotalSupplied.Sub(pool.TotalSupplied, uncovered)
		if pool.TotalSupplied.Sign() < 0 {
			pool.TotalSupplied = big.NewInt(0)
		}
	}
	if err := e.putPoolState(pool); err != nil {
		return nil, err
	}
	result := &SettlementResult{
		Recovered: recovered,
		Surplus:   surplus,
		Shortfall: shortfall,
		Covered:   covered,
	}
	e.emit(newLiquidationSettledEvent(loanID, executor, result))
	return result, nil
}

// CalculateDebt reports the outstanding principal and lazily accrued interest
// on the loan as of now. Settled loans report zero across the board.
func (e *Engine) CalculateDebt(loanID uint64) (*DebtInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil, errStoreNotConfigured
	}
	loan, err := e.ledger.Loan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != registry.LoanActive {
		return &DebtInfo{Principal: big.NewInt(0), AccruedInterest: big.NewInt(0), Total: big.NewInt(0)}, nil
	}
	position, err := e.position(loanID)
	if err != nil {
		return nil, err
	}
	principal := loan.Remaining()
	interest := e.accruedInterest(loan, position)
	return &DebtInfo{
		Principal:       principal,
		AccruedInterest: interest,
		Total:           new(big.Int).Add(principal, interest),
	}, nil
}

// QuoteAPR answers the rate a subject would pay on a loan opened right now,
// in basis points, without mutating anything.
func (e *Engine) QuoteAPR(subject crypto.Address) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return 0, errStoreNotConfigured
	}
	breakdown, err := e.scorer.ComputeScore(subject)
	if err != nil {
		return 0, err
	}
	pool, err := e.poolState()
	if err != nil {
		return 0, err
	}
	rate := e.model.BorrowAPR(pool.TotalBorrowed, pool.TotalSupplied)
	return RateBps(rate, breakdown.TierParams.RateMultiplierBps), nil
}

// CalculateHealthFactor revalues the loan's collateral at the current price
// and assesses it against total outstanding debt. Price failures propagate;
// a health check never runs on a stale valuation.
func (e *Engine) CalculateHealthFactor(loanID uint64) (health.Assessment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return health.Assessment{}, errStoreNotConfigured
	}
	loan, err := e.ledger.Loan(loanID)
	if err != nil {
		return health.Assessment{}, err
	}
	if loan.Status != registry.LoanActive {
		return health.Assessment{}, registry.ErrLoanNotActive
	}
	position, err := e.position(loanID)
	if err != nil {
		return health.Assessment{}, err
	}
	quote, err := e.freshQuote(position.CollateralAsset)
	if err != nil {
		return health.Assessment{}, err
	}
	collateralValue := quote.Value(position.CollateralAmount)
	debt := new(big.Int).Add(loan.Remaining(), e.accruedInterest(loan, position))
	return health.Assess(collateralValue, debt, e.cfg.LiquidationThresholdBps), nil
}

// Pool returns a copy of the pool accounting.
func (e *Engine) Pool() (*PoolState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil, errStoreNotConfigured
	}
	pool, err := e.poolState()
	if err != nil {
		return nil, err
	}
	return &PoolState{
		TotalSupplied: new(big.Int).Set(pool.TotalSupplied),
		TotalBorrowed: new(big.Int).Set(pool.TotalBorrowed),
	}, nil
}

// Position returns a copy of the collateral side table entry for the loan.
func (e *Engine) Position(loanID uint64) (*Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil, errStoreNotConfigured
	}
	position, err := e.position(loanID)
	if err != nil {
		return nil, err
	}
	return position.Clone(), nil
}

// accruedInterest computes simple interest on the remaining principal since
// origination and nets out interest already collected.
func (e *Engine) accruedInterest(loan *registry.LoanRecord, position *Position) *big.Int {
	remaining := loan.Remaining()
	if remaining.Sign() <= 0 {
		return big.NewInt(0)
	}
	elapsed := e.now() - int64(loan.OpenedAt)
	if elapsed <= 0 {
		return big.NewInt(0)
	}
	accrued := new(big.Int).Mul(remaining, new(big.Int).SetUint64(loan.RateBps))
	accrued.Mul(accrued, big.NewInt(elapsed))
	accrued.Quo(accrued, big.NewInt(10_000*secondsPerYear))
	if position != nil && position.InterestPaid != nil {
		accrued.Sub(accrued, position.InterestPaid)
	}
	if accrued.Sign() < 0 {
		return big.NewInt(0)
	}
	return accrued
}

// FreshQuote returns the latest price for the asset, rejecting quotes older
// than the configured maximum age with ErrPriceStale.
func (e *Engine) FreshQuote(asset string) (PriceQuote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.freshQuote(asset)
}

func (e *Engine) freshQuote(asset string) (PriceQuote, error) {
	quote, err := e.feed.LatestPrice(asset)
	if err != nil {
		return PriceQuote{}, err
	}
	if e.cfg.MaxPriceAgeSecs > 0 {
		age := e.now() - quote.UpdatedAt
		if age > int64(e.cfg.MaxPriceAgeSecs) {
			return PriceQuote{}, ErrPriceStale
		}
	}
	return quote, nil
}

func (e *Engine) poolState() (*PoolState, error) {
	pool := new(PoolState)
	if _, err := e.store.KVGet(poolStateKey, pool); err != nil {
		return nil, err
	}
	pool.ensureDefaults()
	return pool, nil
}

func (e *Engine) putPoolState(pool *PoolState) error {
	pool.ensureDefaults()
	return e.store.KVPut(poolStateKey, pool)
}

func (e *Engine) position(loanID uint64) (*Position, error) {
	position := new(Position)
	ok, err := e.store.KVGet(positionKey(loanID), position)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPositionNotFound
	}
	position.ensureDefaults()
	return position, nil
}

func (e *Engine) putPosition(position *Position) error {
	position.ensureDefaults()
	return e.store.KVPut(positionKey(position.LoanID), position)
}

func (e *Engine) emit(evt *events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}
