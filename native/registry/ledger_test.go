package registry

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"

	"credline/crypto"
	"credline/events"
)

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

func testAddr(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	for i := range raw {
		raw[i] = b
	}
	return crypto.MustNewAddress(crypto.SubjectPrefix, raw)
}

func newTestLedger(t *testing.T, writer crypto.Address) *Ledger {
	t.Helper()
	ledger := NewLedger(newMemoryStore(), NewGate(writer))
	ledger.SetNowFunc(func() int64 { return 1_700_000_000 })
	return ledger
}

func TestRegisterLoanUpdatesAggregates(t *testing.T) {
	writer := testAddr(0x01)
	subject := testAddr(0x02)
	pool := testAddr(0x03)
	ledger := newTestLedger(t, writer)

	id, err := ledger.RegisterLoan(writer, subject, pool, big.NewInt(1_000), 950, false)
	if err != nil {
		t.Fatalf("register loan: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first loan id 1, got %d", id)
	}
	if err := ledger.RecordCollateral(writer, id, "eth", big.NewInt(2_000), 650); err != nil {
		t.Fatalf("record collateral: %v", err)
	}

	id2, err := ledger.RegisterLoan(writer, subject, pool, big.NewInt(500), 1_100, true)
	if err != nil {
		t.Fatalf("register second loan: %v", err)
	}
	if err := ledger.RecordCollateral(writer, id2, "BTC", big.NewInt(900), 650); err != nil {
		t.Fatalf("record second collateral: %v", err)
	}

	agg, err := ledger.Aggregates(subject)
	if err != nil {
		t.Fatalf("aggregates: %v", err)
	}
	if agg.TotalLoans != 2 || agg.ActiveLoans != 2 {
		t.Fatalf("expected 2 total/active loans, got %d/%d", agg.TotalLoans, agg.ActiveLoans)
	}
	if agg.MaxLeverageLoans != 1 {
		t.Fatalf("expected 1 max-leverage loan, got %d", agg.MaxLeverageLoans)
	}
	if agg.TotalBorrowedValue.Cmp(big.NewInt(1_500)) != 0 {
		t.Fatalf("expected borrowed 1500, got %s", agg.TotalBorrowedValue)
	}
	if agg.TotalCollateralValue.Cmp(big.NewInt(2_900)) != 0 {
		t.Fatalf("expected collateral 2900, got %s", agg.TotalCollateralValue)
	}
	if len(agg.CollateralAssets) != 2 || !agg.HasAsset("ETH") || !agg.HasAsset("BTC") {
		t.Fatalf("expected normalized asset list [ETH BTC], got %v", agg.CollateralAssets)
	}
	if !agg.Consistent() {
		t.Fatalf("aggregates inconsistent: %+v", agg)
	}

	ids, err := ledger.SubjectLoans(subject)
	if err != nil {
		t.Fatalf("subject loans: %v", err)
	}
	if len(ids) != 2 || ids[0] != id || ids[1] != id2 {
		t.Fatalf("unexpected loan index %v", ids)
	}
}

func TestRegisterRepaymentClampsAndSettles(t *testing.T) {
	writer := testAddr(0x01)
	subject := testAddr(0x02)
	ledger := newTestLedger(t, writer)

	id, err := ledger.RegisterLoan(writer, subject, testAddr(0x03), big.NewInt(1_000), 800, false)
	if err != nil {
		t.Fatalf("register loan: %v", err)
	}

	applied, settled, err := ledger.RegisterRepayment(writer, id, big.NewInt(400))
	if err != nil {
		t.Fatalf("first repayment: %v", err)
	}
	if applied.Cmp(big.NewInt(400)) != 0 || settled {
		t.Fatalf("expected 400 applied unsettled, got %s settled=%v", applied, settled)
	}

	// Overpayment clamps to the remaining principal and settles the loan.
	applied, settled, err = ledger.RegisterRepayment(writer, id, big.NewInt(700))
	if err != nil {
		t.Fatalf("second repayment: %v", err)
	}
	if applied.Cmp(big.NewInt(600)) != 0 || !settled {
		t.Fatalf("expected 600 applied settled, got %s settled=%v", applied, settled)
	}

	loan, err := ledger.Loan(id)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if loan.Status != LoanRepaid {
		t.Fatalf("expected repaid status, got %s", loan.Status)
	}
	if loan.Remaining().Sign() != 0 {
		t.Fatalf("expected zero remaining, got %s", loan.Remaining())
	}

	agg, err := ledger.Aggregates(subject)
	if err != nil {
		t.Fatalf("aggregates: %v", err)
	}
	if agg.RepaidLoans != 1 || agg.ActiveLoans != 0 {
		t.Fatalf("expected 1 repaid / 0 active, got %d/%d", agg.RepaidLoans, agg.ActiveLoans)
	}

	if _, _, err := ledger.RegisterRepayment(writer, id, big.NewInt(1)); !errors.Is(err, ErrLoanNotActive) {
		t.Fatalf("expected ErrLoanNotActive on settled loan, got %v", err)
	}
}

func TestRegisterLiquidationMovesCounters(t *testing.T) {
	writer := testAddr(0x01)
	subject := testAddr(0x02)
	ledger := newTestLedger(t, writer)

	id, err := ledger.RegisterLoan(writer, subject, testAddr(0x03), big.NewInt(1_000), 800, false)
	if err != nil {
		t.Fatalf("register loan: %v", err)
	}
	if err := ledger.RegisterLiquidation(writer, id); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	loan, err := ledger.Loan(id)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if loan.Status != LoanLiquidated {
		t.Fatalf("expected liquidated status, got %s", loan.Status)
	}

	agg, err := ledger.Aggregates(subject)
	if err != nil {
		t.Fatalf("aggregates: %v", err)
	}
	if agg.LiquidatedLoans != 1 || agg.ActiveLoans != 0 {
		t.Fatalf("expected 1 liquidated / 0 active, got %d/%d", agg.LiquidatedLoans, agg.ActiveLoans)
	}
	if !agg.Consistent() {
		t.Fatalf("aggregates inconsistent: %+v", agg)
	}

	if err := ledger.RegisterLiquidation(writer, id); !errors.Is(err, ErrLoanNotActive) {
		t.Fatalf("expected ErrLoanNotActive on repeat, got %v", err)
	}
}

func TestGateRejectsUnknownWriter(t *testing.T) {
	writer := testAddr(0x01)
	stranger := testAddr(0x09)
	ledger := newTestLedger(t, writer)

	if _, err := ledger.RegisterLoan(stranger, testAddr(0x02), testAddr(0x03), big.NewInt(100), 500, false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	ledger.Gate().Authorize(stranger)
	if _, err := ledger.RegisterLoan(stranger, testAddr(0x02), testAddr(0x03), big.NewInt(100), 500, false); err != nil {
		t.Fatalf("expected authorized writer to pass, got %v", err)
	}

	ledger.Gate().Revoke(stranger)
	if _, err := ledger.RegisterLoan(stranger, testAddr(0x02), testAddr(0x03), big.NewInt(100), 500, false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after revoke, got %v", err)
	}
}

func TestCollateralIsWriteOnce(t *testing.T) {
	writer := testAddr(0x01)
	ledger := newTestLedger(t, writer)

	id, err := ledger.RegisterLoan(writer, testAddr(0x02), testAddr(0x03), big.NewInt(100), 500, false)
	if err != nil {
		t.Fatalf("register loan: %v", err)
	}
	if err := ledger.RecordCollateral(writer, id, "ETH", big.NewInt(200), 500); err != nil {
		t.Fatalf("record collateral: %v", err)
	}
	if err := ledger.RecordCollateral(writer, id, "ETH", big.NewInt(200), 500); !errors.Is(err, ErrCollateralExists) {
		t.Fatalf("expected ErrCollateralExists, got %v", err)
	}
}

func TestLedgerEmitsLifecycleEvents(t *testing.T) {
	writer := testAddr(0x01)
	subject := testAddr(0x02)
	ledger := newTestLedger(t, writer)
	recorder := &events.Recorder{}
	ledger.SetEmitter(recorder)

	id, err := ledger.RegisterLoan(writer, subject, testAddr(0x03), big.NewInt(1_000), 950, false)
	if err != nil {
		t.Fatalf("register loan: %v", err)
	}
	if err := ledger.RecordCollateral(writer, id, "ETH", big.NewInt(2_000), 650); err != nil {
		t.Fatalf("record collateral: %v", err)
	}
	if _, _, err := ledger.RegisterRepayment(writer, id, big.NewInt(1_000)); err != nil {
		t.Fatalf("repayment: %v", err)
	}

	want := []string{EventTypeLoanRegistered, EventTypeCollateralRecorded, EventTypeLoanRepaid}
	if len(recorder.Events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(recorder.Events))
	}
	for i, evt := range recorder.Events {
		if evt.Type != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], evt.Type)
		}
		if evt.Attributes["loanId"] != "1" {
			t.Fatalf("event %d: unexpected loanId %q", i, evt.Attributes["loanId"])
		}
	}
	if recorder.Events[0].Attributes["principal"] != "1000" {
		t.Fatalf("unexpected principal attribute %q", recorder.Events[0].Attributes["principal"])
	}
	if recorder.Events[2].Attributes["settled"] != "true" {
		t.Fatalf("expected settled repayment event, got %q", recorder.Events[2].Attributes["settled"])
	}
}
