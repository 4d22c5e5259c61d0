package lending

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"

	"credline/crypto"
	"credline/native/health"
	"credline/native/registry"
	"credline/native/score"
)

const testNow = int64(1_700_000_000)

type memoryStore struct {
	data map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string][]byte)}
}

func (m *memoryStore) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.data[string(key)] = encoded
	return nil
}

func (m *memoryStore) KVGet(key []byte, out interface{}) (bool, error) {
	encoded, ok := m.data[string(key)]
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(encoded, out); err != nil {
		return false, err
	}
	return true, nil
}

type stubScorer struct {
	banded uint64
	name   string
	tier   score.TierParams
}

func (s *stubScorer) ComputeScore(crypto.Address) (*score.Breakdown, error) {
	return &score.Breakdown{
		Banded:     s.banded,
		TierName:   s.name,
		TierParams: s.tier,
	}, nil
}

type stubFund struct {
	skimBps    uint64
	coverLimit *big.Int

	lossLoanID    uint64
	lossPrincipal *big.Int
	lossAmount    *big.Int
}

func (f *stubFund) AllocateRevenue(amount *big.Int) (*big.Int, error) {
	skim := new(big.Int).Mul(amount, new(big.Int).SetUint64(f.skimBps))
	return skim.Quo(skim, big.NewInt(10_000)), nil
}

func (f *stubFund) CoverLoss(loanID uint64, principal, loss *big.Int) (*big.Int, error) {
	f.lossLoanID = loanID
	f.lossPrincipal = new(big.Int).Set(principal)
	f.lossAmount = new(big.Int).Set(loss)
	covered := new(big.Int).Set(loss)
	if f.coverLimit != nil && covered.Cmp(f.coverLimit) > 0 {
		covered.Set(f.coverLimit)
	}
	return covered, nil
}

type testEnv struct {
	engine     *Engine
	ledger     *registry.Ledger
	book       *BalanceBook
	feed       *StaticFeed
	now        int64
	subject    crypto.Address
	supplier   crypto.Address
	auctioneer crypto.Address
}

func testAddr(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	for i := range raw {
		raw[i] = b
	}
	return crypto.MustNewAddress(crypto.SubjectPrefix, raw)
}

func usd(dollars int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(dollars), big.NewInt(1_000_000))
}

// newTestEnv wires an engine against in-memory rails: a silver-tier stub
// scorer (65% LTV, 1.2x rate), ETH quoted at $2000 with 6 decimals, and a
// funded supplier.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		now:        testNow,
		subject:    testAddr(0x01),
		supplier:   testAddr(0x02),
		auctioneer: testAddr(0x03),
	}
	clock := func() int64 { return env.now }

	writer := testAddr(0x0F)
	poolAddr := crypto.MustNewAddress(crypto.VaultPrefix, bytesOf(0xEE))
	env.ledger = registry.NewLedger(newMemoryStore(), registry.NewGate(writer))
	env.ledger.SetNowFunc(clock)

	scorer := &stubScorer{
		banded: 650,
		name:   "silver",
		tier:   score.TierParams{MaxLTVBps: 6_500, RateMultiplierBps: 12_000, GracePeriodSecs: 36 * 3600},
	}

	env.feed = NewStaticFeed()
	env.feed.SetNowFunc(clock)
	env.feed.Publish("ETH", usd(2_000), 6)

	env.book = NewBalanceBook()
	env.book.Mint(env.subject, "ETH", big.NewInt(10_000_000))
	env.book.Mint(env.supplier, AssetUSD, usd(100_000))

	env.engine = NewEngine(newMemoryStore(), env.ledger, scorer, env.feed, env.book, DefaultConfig(), writer, poolAddr)
	env.engine.SetNowFunc(clock)
	env.engine.SetAuctioneer(env.auctioneer)
	return env
}

func bytesOf(b byte) []byte {
	raw := make([]byte, crypto.AddressLength)
	for i := range raw {
		raw[i] = b
	}
	return raw
}

func (env *testEnv) supply(t *testing.T, dollars int64) {
	t.Helper()
	if err := env.engine.Supply(env.supplier, usd(dollars)); err != nil {
		t.Fatalf("supply: %v", err)
	}
}

func (env *testEnv) borrow(t *testing.T, collateralUnits, principal *big.Int) uint64 {
	t.Helper()
	loanID, err := env.engine.Borrow(env.subject, "ETH", collateralUnits, principal)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	return loanID
}

func TestSupplyAndWithdraw(t *testing.T) {
	env := newTestEnv(t)
	env.supply(t, 10_000)

	pool, err := env.engine.Pool()
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.TotalSupplied.Cmp(usd(10_000)) != 0 {
		t.Fatalf("expected supplied 10000, got %s", pool.TotalSupplied)
	}
	if env.book.Balance(env.supplier, AssetUSD).Cmp(usd(90_000)) != 0 {
		t.Fatalf("supplier balance not debited")
	}

	if err := env.engine.Withdraw(env.supplier, usd(10_001)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	if err := env.engine.Withdraw(env.supplier, usd(4_000)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if env.book.Balance(env.supplier, AssetUSD).Cmp(usd(94_000)) != 0 {
		t.Fatalf("withdrawal not credited")
	}
}

func TestBorrowEnforcesTierLTV(t *testing.T) {
	env := newTestEnv(t)
	env.supply(t, 10_000)

	// 1 ETH of collateral is worth $2000; silver caps principal at 65%.
	collateral := big.NewInt(1_000_000)
	if _, err := env.engine.Borrow(env.subject, "ETH", collateral, usd(1_301)); !errors.Is(err, ErrExceedsAllowedLTV) {
		t.Fatalf("expected LTV rejection, got %v", err)
	}

	loanID := env.borrow(t, collateral, usd(1_300))
	if loanID != 1 {
		t.Fatalf("expected first loan id 1, got %d", loanID)
	}
	if env.book.Balance(env.subject, AssetUSD).Cmp(usd(1_300)) != 0 {
		t.Fatalf("principal not disbursed")
	}
	if env.book.Balance(env.subject, "ETH").Cmp(big.NewInt(9_000_000)) != 0 {
		t.Fatalf("collateral not escrowed")
	}

	loan, err := env.ledger.Loan(loanID)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	// Utilization is measured before the draw: base 200 bps times the
	// silver 1.2x multiplier.
	if loan.RateBps != 240 {
		t.Fatalf("expected origination rate 240 bps, got %d", loan.RateBps)
	}

	agg, err := env.ledger.Aggregates(env.subject)
	if err != nil {
		t.Fatalf("aggregates: %v", err)
	}
	if agg.MaxLeverageLoans != 1 {
		t.Fatalf("borrow at the cap must count as max leverage")
	}

	pool, err := env.engine.Pool()
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.TotalBorrowed.Cmp(usd(1_300)) != 0 {
		t.Fatalf("expected borrowed 1300, got %s", pool.TotalBorrowed)
	}

	position, err := env.engine.Position(loanID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position.CollateralAsset != "ETH" || position.CollateralAmount.Cmp(collateral) != 0 {
		t.Fatalf("unexpected position %+v", position)
	}
}

func TestBorrowRequiresIdleLiquidity(t *testing.T) {
	env := newTestEnv(t)
	env.supply(t, 1_000)
	if _, err := env.engine.Borrow(env.subject, "ETH", big.NewInt(1_000_000), usd(1_200)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
}

func TestBorrowRejectsStaleQuote(t *testing.T) {
	env := newTestEnv(t)
	env.supply(t, 10_000)
	env.now += int64(DefaultConfig().MaxPriceAgeSecs) + 1
	if _, err := env.engine.Borrow(env.subject, "ETH", big.NewInt(1_000_000), usd(500)); !errors.Is(err, ErrPriceStale) {
		t.Fatalf("expected stale price, got %v", err)
	}
	// Republishing at the current clock clears the failure.
	env.feed.Publish("ETH", usd(2_000), 6)
	if _, err := env.engine.Borrow(env.subject, "ETH", big.NewInt(1_000_000), usd(500)); err != nil {
		t.Fatalf("borrow after refresh: %v", err)
	}
}

func TestRepayInterestFirstThenPrincipal(t *testing.T) {
	env := newTestEnv(t)
	env.supply(t, 10_000)
	loanID := env.borrow(t, big.NewInt(1_000_000), usd(1_000))

	// Half a year at 240 bps accrues $12 on a $1000 principal.
	env.now += secondsPerYear / 2

	debt, err := env.engine.CalculateDebt(loanID)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if debt.AccruedInterest.Cmp(usd(12)) != 0 {
		t.Fatalf("expected accrued interest 12, got %s", debt.AccruedInterest)
	}
	if debt.Total.Cmp(usd(1_012)) != 0 {
		t.Fatalf("expected total debt 1012, got %s", debt.Total)
	}

	result, err := env.engine.Repay(env.subject, loanID, usd(512))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if result.InterestPaid.Cmp(usd(12)) != 0 {
		t.Fatalf("expected interest portion 12, got %s", result.InterestPaid)
	}
	if result.PrincipalPaid.Cmp(usd(500)) != 0 {
		t.Fatalf("expected principal portion 500, got %s", result.PrincipalPaid)
	}
	if result.Settled {
		t.Fatalf("partial repayment must not settle")
	}
	// Half the principal retired releases half the escrowed collateral.
	if result.CollateralReleased.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("expected 500000 units released, got %s", result.CollateralReleased)
	}
	if env.book.Balance(env.subject, "ETH").Cmp(big.NewInt(9_500_000)) != 0 {
		t.Fatalf("released collateral not credited")
	}

	pool, err := env.engine.Pool()
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.TotalBorrowed.Cmp(usd(500)) != 0 {
		t.Fatalf("expected borrowed 500, got %s", pool.TotalBorrowed)
	}
	// Without a fund wired, the whole interest payment stays in the pool.
	if pool.TotalSupplied.Cmp(usd(10_012)) != 0 {
		t.Fatalf("expected supplied 10012, got %s", pool.TotalSupplied)
	}
}

func TestRepaySettlesAndClampsOverpayment(t *testing.T) {
	env := newTestEnv(t)
	env.supply(t, 10_000)
	loanID := env.borrow(t, big.NewInt(1_000_000), usd(1_000))
	env.book.Mint(env.subject, AssetUSD, usd(1_000))

	before := env.book.Balance(env.subject, AssetUSD)
	result, err := env.engine.Repay(env.subject, loanID, usd(1_500))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if !result.Settled {
		t.Fatalf("full repayment must settle")
	}
	if result.PrincipalPaid.Cmp(usd(1_000)) != 0 {
		t.Fatalf("expected principal 1000, got %s", result.PrincipalPaid)
	}
	if result.CollateralReleased.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("settlement must release all collateral")
	}
	// Only the outstanding total is pulled; the overpayment never leaves.
	pulled := new(big.Int).Sub(before, env.book.Balance(env.subject, AssetUSD))
	if pulled.Cmp(usd(1_000)) != 0 {
		t.Fatalf("expected 1000 pulled, got %s", pulled)
	}

	loan, err := env.ledger.Loan(loanID)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if loan.Status != registry.LoanRepaid {
		t.Fatalf("expected repaid status, got %d", loan.Status)
	}
	if _, err := env.engine.Repay(env.subject, loanID, usd(1)); !errors.Is(err, registry.ErrLoanNotActive) {
		t.Fatalf("expected loan not active, got %v", err)
	}
}

func TestRepayRejectsNonBorrower(t *testing.T) {
	env := newTestEnv(t)
	env.supply(t, 10_000)
	loanID := env.borrow(t, big.NewInt(1_000_000), usd(1_000))
	if _, err := env.engine.Repay(env.supplier, loanID, usd(100)); !errors.Is(err, ErrNotBorrower) {
		t.Fatalf("expected not-borrower rejection, got %v", err)
	}
}

func TestRepaySkimsRevenueToFund(t *testing.T) {
	env := newTestEnv(t)
	env.engine.SetFund(&stubFund{skimBps: 500})
	env.supply(t, 10_000)
	loanID := env.borrow(t, big.NewInt(1_000_000), usd(1_000))
	env.now += secondsPerYear / 2

	if _, err := env.engine.Repay(env.subject, loanID, usd(512)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	pool, err := env.engine.Pool()
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	// The fund skims 5% of the $12 interest; the pool keeps $11.40.
	want := new(big.Int).Add(usd(10_000), big.NewInt(11_400_000))
	if pool.TotalSupplied.Cmp(want) != 0 {
		t.Fatalf("expected supplied %s, got %s", want, pool.TotalSupplied)
	}
}

func TestSettleLiquidationCreditsInterest(t *testing.T) {
	env := newTestEnv(t)
	env.engine.SetFund(&stubFund{skimBps: 500})
	env.supply(t, 10_000)
	loanID := env.borrow(t, big.NewInt(1_000_000), usd(1_000))

	// Half a year at 240 bps accrues $12, so the sale must recover $1012
	// before any surplus flows back to the borrower.
	env.now += secondsPerYear / 2

	executor := testAddr(0x04)
	env.book.Mint(executor, AssetUSD, usd(5_000))

	result, err := env.engine.SettleLiquidation(env.auctioneer, loanID, executor, usd(1_100))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if result.Recovered.Cmp(usd(1_012)) != 0 {
		t.Fatalf("expected recovered 1012, got %s", result.Recovered)
	}
	if result.Surplus.Cmp(usd(88)) != 0 {
		t.Fatalf("expected surplus 88, got %s", result.Surplus)
	}

	position, err := env.engine.Position(loanID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position.InterestPaid.Cmp(usd(12)) != 0 {
		t.Fatalf("expected interest 12 recorded, got %s", position.InterestPaid)
	}

	// The interest slice is treated like a repayment: the fund skims 5% of
	// the $12 and the pool keeps $11.40.
	pool, err := env.engine.Pool()
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	want := new(big.Int).Add(usd(10_000), big.NewInt(11_400_000))
	if pool.TotalSupplied.Cmp(want) != 0 {
		t.Fatalf("expected supplied %s, got %s", want, pool.TotalSupplied)
	}
}

func TestCalculateHealthFactorTracksPrice(t *testing.T) {
	env := newTestEnv(t)
	env.supply(t, 10_000)
	loanID := env.borrow(t, big.NewInt(1_000_000), usd(1_300))

	// $2000 collateral at the 65% threshold exactly covers a $1300 debt.
	assessment, err := env.engine.CalculateHealthFactor(loanID)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if assessment.Factor.Cmp(big.NewRat(1, 1)) != 0 {
		t.Fatalf("expected factor 1.0, got %s", assessment.Factor.FloatString(4))
	}
	if assessment.Level != health.RiskDanger || assessment.Liquidatable {
		t.Fatalf("expected danger without liquidation, got %+v", assessment)
	}

	env.feed.Publish("ETH", usd(1_800), 6)
	assessment, err = env.engine.CalculateHealthFactor(loanID)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !assessment.Liquidatable {
		t.Fatalf("expected liquidatable after price drop, got %+v", assessment)
	}
}

func TestQuoteAPRFollowsUtilization(t *testing.T) {
	env := newTestEnv(t)
	env.supply(t, 10_000)
	apr, err := env.engine.QuoteAPR(env.subject)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if apr != 240 {
		t.Fatalf("expected 240 bps on an idle pool, got %d", apr)
	}

	env.borrow(t, big.NewInt(4_000_000), usd(4_000))
	apr, err = env.engine.QuoteAPR(env.subject)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	// 40% utilization: (200 + 750) bps times 1.2.
	if apr != 1_140 {
		t.Fatalf("expected 1140 bps at 40%% utilization, got %d", apr)
	}
}

func TestSettleLiquidationSurplus(t *testing.T) {
	env := newTestEnv(t)
	env.supply(t, 10_000)
	loanID := env.borrow(t, big.NewInt(1_000_000), usd(1_300))

	executor := testAddr(0x04)
	env.book.Mint(executor, AssetUSD, usd(5_000))

	if _, err := env.engine.SettleLiquidation(executor, loanID, executor, usd(1_500)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized caller rejection, got %v", err)
	}

	borrowerBefore := env.book.Balance(env.subject, AssetUSD)
	result, err := env.engine.SettleLiquidation(env.auctioneer, loanID, executor, usd(1_500))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if result.Recovered.Cmp(usd(1_300)) != 0 || result.Surplus.Cmp(usd(200)) != 0 {
		t.Fatalf("unexpected settlement %+v", result)
	}
	if result.Shortfall.Sign() != 0 {
		t.Fatalf("surplus sale must carry no shortfall")
	}

	if env.book.Balance(executor, "ETH").Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("executor did not receive the collateral")
	}
	surplus := new(big.Int).Sub(env.book.Balance(env.subject, AssetUSD), borrowerBefore)
	if surplus.Cmp(usd(200)) != 0 {
		t.Fatalf("expected surplus 200 to the borrower, got %s", surplus)
	}

	loan, err := env.ledger.Loan(loanID)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if loan.Status != registry.LoanLiquidated {
		t.Fatalf("expected liquidated status, got %d", loan.Status)
	}
	pool, err := env.engine.Pool()
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.TotalBorrowed.Sign() != 0 {
		t.Fatalf("expected zero borrowed after settlement, got %s", pool.TotalBorrowed)
	}
}

func TestSettleLiquidationShortfall(t *testing.T) {
	env := newTestEnv(t)
	fund := &stubFund{coverLimit: usd(100)}
	env.engine.SetFund(fund)
	env.supply(t, 10_000)
	loanID := env.borrow(t, big.NewInt(1_000_000), usd(1_300))

	executor := testAddr(0x04)
	env.book.Mint(executor, AssetUSD, usd(5_000))

	result, err := env.engine.SettleLiquidation(env.auctioneer, loanID, executor, usd(1_000))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if result.Shortfall.Cmp(usd(300)) != 0 {
		t.Fatalf("expected shortfall 300, got %s", result.Shortfall)
	}
	if result.Covered.Cmp(usd(100)) != 0 {
		t.Fatalf("expected fund coverage 100, got %s", result.Covered)
	}
	if fund.lossLoanID != loanID || fund.lossPrincipal.Cmp(usd(1_300)) != 0 || fund.lossAmount.Cmp(usd(300)) != 0 {
		t.Fatalf("fund saw wrong loss: loan %d principal %s loss %s", fund.lossLoanID, fund.lossPrincipal, fund.lossAmount)
	}

	// $100 of coverage comes back in; the uncovered $200 is socialized.
	pool, err := env.engine.Pool()
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.TotalSupplied.Cmp(usd(9_900)) != 0 {
		t.Fatalf("expected supplied 9900, got %s", pool.TotalSupplied)
	}
}
