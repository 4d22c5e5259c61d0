package liquidation

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"credline/crypto"
	"credline/events"
	"credline/native/common"
	"credline/native/lending"
)

const moduleName = "liquidation"

// storage abstracts the subset of state manager functionality the auctioneer
// needs.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	auctionPrefix = []byte("liquidation/auction/")
	byLoanPrefix  = []byte("liquidation/byloan/")
)

func auctionKey(id string) []byte {
	return []byte(fmt.Sprintf("%s%s", auctionPrefix, id))
}

func byLoanKey(loanID uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", byLoanPrefix, loanID))
}

var errStoreNotConfigured = errors.New("liquidation: storage unavailable")

// Auctioneer runs grace-then-discount liquidation auctions against the
// lending engine. Anyone may start an auction on an unhealthy loan or execute
// one past its grace period; only the admin may cancel.
type Auctioneer struct {
	mu      sync.Mutex
	store   storage
	engine  *lending.Engine
	scorer  lending.Scorer
	cfg     Config
	self    crypto.Address
	admin   crypto.Address
	pauses  common.PauseView
	emitter events.Emitter
	nowFn   func() int64
}

// NewAuctioneer constructs an auctioneer. self must match the auctioneer
// address wired into the lending engine; admin is the only address allowed
// to cancel open auctions.
func NewAuctioneer(store storage, engine *lending.Engine, scorer lending.Scorer, cfg Config, self, admin crypto.Address) *Auctioneer {
	return &Auctioneer{
		store:   store,
		engine:  engine,
		scorer:  scorer,
		cfg:     cfg,
		self:    self,
		admin:   admin,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (a *Auctioneer) SetEmitter(emitter events.Emitter) {
	if a == nil {
		return
	}
	if emitter == nil {
		a.emitter = events.NoopEmitter{}
		return
	}
	a.emitter = emitter
}

// SetNowFunc overrides the wall clock, primarily for deterministic tests.
func (a *Auctioneer) SetNowFunc(now func() int64) {
	if a == nil {
		return
	}
	if now == nil {
		a.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	a.nowFn = now
}

// SetPauses wires the module pause view consulted before every mutation.
func (a *Auctioneer) SetPauses(p common.PauseView) {
	if a == nil {
		return
	}
	a.pauses = p
}

func (a *Auctioneer) now() int64 {
	if a == nil || a.nowFn == nil {
		return time.Now().Unix()
	}
	return a.nowFn()
}

// Now reports the auctioneer's current clock reading. Callers rendering
// auction state should use this rather than the wall clock so overridden
// clocks stay authoritative.
func (a *Auctioneer) Now() int64 {
	return a.now()
}

// Start opens an auction against an unhealthy loan. Any caller may trigger
// it; the health check is authoritative, not the caller's claim. The grace
// period is taken from the borrower's current tier, so better borrowers get
// longer to cure.
func (a *Auctioneer) Start(loanID uint64) (*Auction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := common.Guard(a.pauses, moduleName); err != nil {
		return nil, err
	}
	if a.store == nil {
		return nil, errStoreNotConfigured
	}
	if existing, ok, err := a.auctionByLoan(loanID); err != nil {
		return nil, err
	} else if ok && !existing.Executed && !existing.Cancelled {
		return nil, ErrAuctionExists
	}
	assessment, err := a.engine.CalculateHealthFactor(loanID)
	if err != nil {
		return nil, err
	}
	if !assessment.Liquidatable {
		return nil, ErrNotLiquidatable
	}
	debt, err := a.engine.CalculateDebt(loanID)
	if err != nil {
		return nil, err
	}
	position, err := a.engine.Position(loanID)
	if err != nil {
		return nil, err
	}
	subject := crypto.MustNewAddress(crypto.SubjectPrefix, position.Subject[:])
	breakdown, err := a.scorer.ComputeScore(subject)
	if err != nil {
		return nil, err
	}
	now := a.now()
	auction := &Auction{
		ID:               uuid.NewString(),
		LoanID:           loanID,
		Subject:          position.Subject,
		DebtAtStart:      debt.Total,
		CollateralAsset:  position.CollateralAsset,
		CollateralAmount: position.CollateralAmount,
		StartedAt:        uint64(now),
		GraceEnd:         uint64(now) + breakdown.TierParams.GracePeriodSecs,
		SalePrice:        big.NewInt(0),
	}
	if err := a.putAuction(auction); err != nil {
		return nil, err
	}
	a.emit(newAuctionStartedEvent(auction))
	return auction.Clone(), nil
}

// DiscountBps returns the haircut in force at the given instant: zero during
// grace, a linear ramp across the window, then pinned at the maximum.
func (a *Auctioneer) DiscountBps(auction *Auction, now int64) uint64 {
	if auction == nil || now <= int64(auction.GraceEnd) {
		return 0
	}
	elapsed := uint64(now - int64(auction.GraceEnd))
	if a.cfg.WindowSecs == 0 || elapsed >= a.cfg.WindowSecs {
		return a.cfg.MaxDiscountBps
	}
	return a.cfg.MaxDiscountBps * elapsed / a.cfg.WindowSecs
}

// Quote reports the price an executor would pay right now: the collateral's
// current market value less the time-based discount. Grace-period auctions
// quote at full value.
func (a *Auctioneer) Quote(auctionID string) (*big.Int, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	auction, err := a.auction(auctionID)
	if err != nil {
		return nil, 0, err
	}
	price, discount, _, err := a.salePrice(auction, a.now())
	if err != nil {
		return nil, 0, err
	}
	return price, discount, nil
}

// Execute sells the collateral to the executor at the current discounted
// price and settles the loan through the lending engine. Execution before
// the grace period ends fails; a settled or cancelled auction never executes
// again.
func (a *Auctioneer) Execute(executor crypto.Address, auctionID string) (*Auction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := common.Guard(a.pauses, moduleName); err != nil {
		return nil, err
	}
	if a.store == nil {
		return nil, errStoreNotConfigured
	}
	auction, err := a.auction(auctionID)
	if err != nil {
		return nil, err
	}
	now := a.now()
	switch auction.StateAt(now) {
	case StateExecuted:
		return nil, ErrAuctionExecuted
	case StateCancelled:
		return nil, ErrAuctionCancelled
	case StateGracePending:
		return nil, ErrGracePeriodActive
	}
	price, _, position, err := a.salePrice(auction, now)
	if err != nil {
		return nil, err
	}
	if price.Sign() <= 0 {
		return nil, lending.ErrInvalidAmount
	}
	if _, err := a.engine.SettleLiquidation(a.self, auction.LoanID, executor, price); err != nil {
		return nil, err
	}
	auction.CollateralAmount = position.CollateralAmount
	auction.Executed = true
	auction.Executor = executor.Raw()
	auction.ExecutedAt = uint64(now)
	auction.SalePrice = price
	if err := a.putAuction(auction); err != nil {
		return nil, err
	}
	a.emit(newAuctionExecutedEvent(auction))
	return auction.Clone(), nil
}

// Cancel withdraws an open auction, typically after the borrower cured the
// position during grace. Admin only.
func (a *Auctioneer) Cancel(caller crypto.Address, auctionID, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store == nil {
		return errStoreNotConfigured
	}
	if a.admin.IsZero() || !caller.Equal(a.admin) {
		return ErrUnauthorized
	}
	auction, err := a.auction(auctionID)
	if err != nil {
		return err
	}
	if auction.Executed {
		return ErrAuctionExecuted
	}
	if auction.Cancelled {
		return ErrAuctionCancelled
	}
	auction.Cancelled = true
	auction.CancelReason = reason
	if err := a.putAuction(auction); err != nil {
		return err
	}
	a.emit(newAuctionCancelledEvent(auction))
	return nil
}

// Auction returns a copy of the auction record.
func (a *Auctioneer) Auction(auctionID string) (*Auction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	auction, err := a.auction(auctionID)
	if err != nil {
		return nil, err
	}
	return auction.Clone(), nil
}

// AuctionByLoan returns the auction attached to a loan, if any.
func (a *Auctioneer) AuctionByLoan(loanID uint64) (*Auction, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	auction, ok, err := a.auctionByLoan(loanID)
	if err != nil || !ok {
		return nil, ok, err
	}
	return auction.Clone(), true, nil
}

// salePrice values the loan's live position at a fresh price and applies the
// time-based discount. The Start snapshot of the collateral is not used:
// grace-period repayments shrink the position, and only what is still held
// gets sold. Stale quotes fail the call.
func (a *Auctioneer) salePrice(auction *Auction, now int64) (*big.Int, uint64, *lending.Position, error) {
	position, err := a.engine.Position(auction.LoanID)
	if err != nil {
		return nil, 0, nil, err
	}
	quote, err := a.engine.FreshQuote(position.CollateralAsset)
	if err != nil {
		return nil, 0, nil, err
	}
	value := quote.Value(position.CollateralAmount)
	discount := a.DiscountBps(auction, now)
	price := new(big.Int).Mul(value, new(big.Int).SetUint64(10_000-discount))
	price.Quo(price, big.NewInt(10_000))
	return price, discount, position, nil
}

func (a *Auctioneer) auction(id string) (*Auction, error) {
	if a.store == nil {
		return nil, errStoreNotConfigured
	}
	auction := new(Auction)
	ok, err := a.store.KVGet(auctionKey(id), auction)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAuctionNotFound
	}
	auction.ensureDefaults()
	return auction, nil
}

func (a *Auctioneer) auctionByLoan(loanID uint64) (*Auction, bool, error) {
	if a.store == nil {
		return nil, false, errStoreNotConfigured
	}
	var id string
	ok, err := a.store.KVGet(byLoanKey(loanID), &id)
	if err != nil || !ok {
		return nil, false, err
	}
	auction, err := a.auction(id)
	if err != nil {
		if errors.Is(err, ErrAuctionNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return auction, true, nil
}

func (a *Auctioneer) putAuction(auction *Auction) error {
	auction.ensureDefaults()
	if err := a.store.KVPut(auctionKey(auction.ID), auction); err != nil {
		return err
	}
	return a.store.KVPut(byLoanKey(auction.LoanID), auction.ID)
}

func (a *Auctioneer) emit(evt *events.Event) {
	if a == nil || a.emitter == nil || evt == nil {
		return
	}
	a.emitter.Emit(evt)
}
