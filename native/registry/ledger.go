package registry

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"credline/crypto"
	"credline/events"
)

// storage abstracts the subset of state manager functionality the ledger
// needs.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	loanPrefix        = []byte("registry/loan/")
	collateralPrefix  = []byte("registry/collateral/")
	aggregatesPrefix  = []byte("registry/aggregates/")
	subjectLoanPrefix = []byte("registry/subjectloans/")
	loanSeqKey        = []byte("registry/loanseq")
)

func loanKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", loanPrefix, id))
}

func collateralKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", collateralPrefix, id))
}

func aggregatesKey(subject [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", aggregatesPrefix, subject))
}

func subjectLoansKey(subject [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", subjectLoanPrefix, subject))
}

// Ledger is the durable store for loan, collateral and aggregate records. It
// is the single write path into subject financial history: every mutation
// passes the authorization gate and updates the per-subject counters inside
// the same serialized transition.
type Ledger struct {
	mu      sync.Mutex
	store   storage
	gate    *Gate
	emitter events.Emitter
	nowFn   func() int64
}

// NewLedger constructs a ledger bound to the provided storage backend and
// authorization gate.
func NewLedger(store storage, gate *Gate) *Ledger {
	return &Ledger{
		store:   store,
		gate:    gate,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if l == nil {
		return
	}
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetNowFunc overrides the wall clock, primarily for deterministic tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	if l == nil {
		return
	}
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

func (l *Ledger) now() int64 {
	if l == nil || l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}

// Gate exposes the authorization gate, e.g. for admin wiring.
func (l *Ledger) Gate() *Gate { return l.gate }

var errStoreNotConfigured = errors.New("registry: storage unavailable")

// RegisterLoan appends a new loan record for the subject and bumps the
// aggregate counters in the same transition. The assigned loan id is
// returned. atMaxLeverage marks loans opened at the subject tier's maximum
// allowed LTV so the scoring engine can penalize habitual max-leverage
// borrowing without rescanning history.
func (l *Ledger) RegisterLoan(caller crypto.Address, subject, counterparty crypto.Address, principal *big.Int, rateBps uint64, atMaxLeverage bool) (uint64, error) {
	if l == nil || l.store == nil {
		return 0, errStoreNotConfigured
	}
	if err := l.gate.check(caller); err != nil {
		return 0, err
	}
	if principal == nil || principal.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id, err := l.nextLoanID()
	if err != nil {
		return 0, err
	}

	record := &LoanRecord{
		ID:           id,
		Subject:      subject.Raw(),
		Counterparty: counterparty.Raw(),
		Principal:    new(big.Int).Set(principal),
		Repaid:       big.NewInt(0),
		OpenedAt:     uint64(l.now()),
		RateBps:      rateBps,
		Status:       LoanActive,
	}

	agg, err := l.aggregates(subject.Raw())
	if err != nil {
		return 0, err
	}
	agg.TotalLoans++
	agg.ActiveLoans++
	agg.TotalBorrowedValue = new(big.Int).Add(agg.TotalBorrowedValue, principal)
	if atMaxLeverage {
		agg.MaxLeverageLoans++
	}

	if err := l.store.KVPut(loanKey(id), record); err != nil {
		return 0, err
	}
	if err := l.putAggregates(subject.Raw(), agg); err != nil {
		return 0, err
	}
	if err := l.appendSubjectLoan(subject.Raw(), id); err != nil {
		return 0, err
	}

	l.emit(newLoanRegisteredEvent(record))
	return id, nil
}

// RecordCollateral stores the write-once collateral snapshot for a loan and
// folds the collateral value and asset diversity into the subject aggregates.
func (l *Ledger) RecordCollateral(caller crypto.Address, loanID uint64, asset string, value *big.Int, scoreAtOrigination uint64) error {
	if l == nil || l.store == nil {
		return errStoreNotConfigured
	}
	if err := l.gate.check(caller); err != nil {
		return err
	}
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return errors.New("registry: collateral asset required")
	}
	if value == nil || value.Sign() <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	loan, err := l.loan(loanID)
	if err != nil {
		return err
	}
	exists, err := l.store.KVGet(collateralKey(loanID), nil)
	if err != nil {
		return err
	}
	if exists {
		return ErrCollateralExists
	}

	record := &CollateralRecord{
		LoanID:             loanID,
		Asset:              asset,
		Value:              new(big.Int).Set(value),
		ScoreAtOrigination: scoreAtOrigination,
	}

	agg, err := l.aggregates(loan.Subject)
	if err != nil {
		return err
	}
	agg.TotalCollateralValue = new(big.Int).Add(agg.TotalCollateralValue, value)
	if !agg.HasAsset(asset) {
		agg.CollateralAssets = append(agg.CollateralAssets, asset)
	}

	if err := l.store.KVPut(collateralKey(loanID), record); err != nil {
		return err
	}
	if err := l.putAggregates(loan.Subject, agg); err != nil {
		return err
	}

	l.emit(newCollateralRecordedEvent(loan, record))
	return nil
}

// RegisterRepayment applies a repayment against an active loan. Amounts above
// the remaining principal are accepted but only the remaining principal moves
// the counters; the overshoot fully settles the loan. The applied amount and
// whether the loan settled are returned.
func (l *Ledger) RegisterRepayment(caller crypto.Address, loanID uint64, amount *big.Int) (*big.Int, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, errStoreNotConfigured
	}
	if err := l.gate.check(caller); err != nil {
		return nil, false, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, false, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	loan, err := l.loan(loanID)
	if err != nil {
		return nil, false, err
	}
	if loan.Status != LoanActive {
		return nil, false, ErrLoanNotActive
	}

	applied := new(big.Int).Set(amount)
	remaining := loan.Remaining()
	if applied.Cmp(remaining) > 0 {
		applied = remaining
	}
	loan.Repaid = new(big.Int).Add(loan.Repaid, applied)
	settled := loan.Repaid.Cmp(loan.Principal) >= 0

	agg, err := l.aggregates(loan.Subject)
	if err != nil {
		return nil, false, err
	}
	if settled {
		loan.Status = LoanRepaid
		agg.RepaidLoans++
		agg.ActiveLoans--
	}

	if err := l.store.KVPut(loanKey(loanID), loan); err != nil {
		return nil, false, err
	}
	if err := l.putAggregates(loan.Subject, agg); err != nil {
		return nil, false, err
	}

	l.emit(newLoanRepaidEvent(loan, applied, settled))
	return applied, settled, nil
}

// RegisterLiquidation moves an active loan to liquidated and updates the
// aggregate counters accordingly.
func (l *Ledger) RegisterLiquidation(caller crypto.Address, loanID uint64) error {
	if l == nil || l.store == nil {
		return errStoreNotConfigured
	}
	if err := l.gate.check(caller); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	loan, err := l.loan(loanID)
	if err != nil {
		return err
	}
	if loan.Status != LoanActive {
		return ErrLoanNotActive
	}
	loan.Status = LoanLiquidated

	agg, err := l.aggregates(loan.Subject)
	if err != nil {
		return err
	}
	agg.LiquidatedLoans++
	agg.ActiveLoans--

	if err := l.store.KVPut(loanKey(loanID), loan); err != nil {
		return err
	}
	if err := l.putAggregates(loan.Subject, agg); err != nil {
		return err
	}

	l.emit(newLoanLiquidatedEvent(loan))
	return nil
}

// Loan fetches a loan record by id.
func (l *Ledger) Loan(loanID uint64) (*LoanRecord, error) {
	if l == nil || l.store == nil {
		return nil, errStoreNotConfigured
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	loan, err := l.loan(loanID)
	if err != nil {
		return nil, err
	}
	return loan.Clone(), nil
}

// Collateral fetches the collateral snapshot for a loan, if recorded.
func (l *Ledger) Collateral(loanID uint64) (*CollateralRecord, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, errStoreNotConfigured
	}
	var record CollateralRecord
	ok, err := l.store.KVGet(collateralKey(loanID), &record)
	if err != nil || !ok {
		return nil, false, err
	}
	return record.Clone(), true, nil
}

// Aggregates returns the running counters for a subject. Subjects without
// history get zeroed counters, not an error.
func (l *Ledger) Aggregates(subject crypto.Address) (*AggregateCounters, error) {
	if l == nil || l.store == nil {
		return nil, errStoreNotConfigured
	}
	agg, err := l.aggregates(subject.Raw())
	if err != nil {
		return nil, err
	}
	return agg.Clone(), nil
}

// SubjectLoans lists the loan ids ever opened by the subject, oldest first.
// Serving reads only; the scoring path never touches this index.
func (l *Ledger) SubjectLoans(subject crypto.Address) ([]uint64, error) {
	if l == nil || l.store == nil {
		return nil, errStoreNotConfigured
	}
	var ids []uint64
	if _, err := l.store.KVGet(subjectLoansKey(subject.Raw()), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (l *Ledger) loan(loanID uint64) (*LoanRecord, error) {
	var loan LoanRecord
	ok, err := l.store.KVGet(loanKey(loanID), &loan)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLoanNotFound
	}
	return &loan, nil
}

func (l *Ledger) aggregates(subject [20]byte) (*AggregateCounters, error) {
	var agg AggregateCounters
	if _, err := l.store.KVGet(aggregatesKey(subject), &agg); err != nil {
		return nil, err
	}
	agg.ensureDefaults()
	return &agg, nil
}

func (l *Ledger) putAggregates(subject [20]byte, agg *AggregateCounters) error {
	if !agg.Consistent() {
		return fmt.Errorf("registry: aggregate invariant violated for subject %x", subject)
	}
	return l.store.KVPut(aggregatesKey(subject), agg)
}

func (l *Ledger) appendSubjectLoan(subject [20]byte, id uint64) error {
	var ids []uint64
	if _, err := l.store.KVGet(subjectLoansKey(subject), &ids); err != nil {
		return err
	}
	ids = append(ids, id)
	return l.store.KVPut(subjectLoansKey(subject), ids)
}

func (l *Ledger) nextLoanID() (uint64, error) {
	var seq uint64
	if _, err := l.store.KVGet(loanSeqKey, &seq); err != nil {
		return 0, err
	}
	seq++
	if err := l.store.KVPut(loanSeqKey, seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (l *Ledger) emit(evt *events.Event) {
	if l == nil || l.emitter == nil || evt == nil {
		return
	}
	l.emitter.Emit(evt)
}
