package fund

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
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

func usd(dollars int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(dollars), big.NewInt(1_000_000))
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine := NewEngine(newMemoryStore(), DefaultConfig())
	engine.SetNowFunc(func() int64 { return testNow })
	return engine
}

func TestDepositAccumulates(t *testing.T) {
	engine := newTestEngine(t)
	if err := engine.Deposit(usd(5_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Deposit(usd(5_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Deposit(big.NewInt(0)); err != ErrInvalidAmount {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	state, err := engine.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Balance.Cmp(usd(10_000)) != 0 {
		t.Fatalf("expected balance 10000, got %s", state.Balance)
	}
}

func TestAllocateRevenueKeepsConfiguredShare(t *testing.T) {
	engine := newTestEngine(t)
	// 5% of a $200 interest payment.
	kept, err := engine.AllocateRevenue(usd(200))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if kept.Cmp(usd(10)) != 0 {
		t.Fatalf("expected skim 10, got %s", kept)
	}
	state, err := engine.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Balance.Cmp(usd(10)) != 0 {
		t.Fatalf("skim not banked, balance %s", state.Balance)
	}

	// Offers too small to produce a skim leave the fund untouched.
	kept, err = engine.AllocateRevenue(big.NewInt(10))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if kept.Sign() != 0 {
		t.Fatalf("expected zero skim, got %s", kept)
	}
}

func TestCoverLossBoundedByCapAndBalance(t *testing.T) {
	cases := []struct {
		name    string
		balance int64
		loss    int64
		want    int64
	}{
		// Cap on a $100k principal at 2500 bps is $25k.
		{"loss under every bound", 50_000, 5_000, 5_000},
		{"capped by coverage limit", 50_000, 40_000, 25_000},
		{"capped by balance", 10_000, 40_000, 10_000},
		{"empty fund covers nothing", 0, 5_000, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := newTestEngine(t)
			if tc.balance > 0 {
				if err := engine.Deposit(usd(tc.balance)); err != nil {
					t.Fatalf("deposit: %v", err)
				}
			}
			covered, err := engine.CoverLoss(7, usd(100_000), usd(tc.loss))
			if err != nil {
				t.Fatalf("cover loss: %v", err)
			}
			if covered.Cmp(usd(tc.want)) != 0 {
				t.Fatalf("expected covered %d, got %s", tc.want, covered)
			}
			state, err := engine.State()
			if err != nil {
				t.Fatalf("state: %v", err)
			}
			if state.Balance.Cmp(usd(tc.balance-tc.want)) != 0 {
				t.Fatalf("balance not debited, got %s", state.Balance)
			}
			if state.CoveredTotal.Cmp(usd(tc.want)) != 0 || state.DefaultCount != 1 {
				t.Fatalf("accounting wrong: %+v", state)
			}
		})
	}
}

func TestCoverLossWritesAuditRecord(t *testing.T) {
	engine := newTestEngine(t)
	if err := engine.Deposit(usd(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.CoverLoss(42, usd(100_000), usd(5_000)); err != nil {
		t.Fatalf("cover loss: %v", err)
	}

	record, ok, err := engine.Default(42)
	if err != nil || !ok {
		t.Fatalf("default record: %v %v", ok, err)
	}
	if record.LoanID != 42 || record.At != uint64(testNow) {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.Loss.Cmp(usd(5_000)) != 0 || record.Covered.Cmp(usd(5_000)) != 0 {
		t.Fatalf("unexpected amounts %+v", record)
	}
	if _, ok, err := engine.Default(43); err != nil || ok {
		t.Fatalf("unknown loan must have no record")
	}
}
