package lending

import (
	"math/big"
	"strconv"

	"credline/crypto"
	"credline/events"
)

const (
	// EventTypeLoanOpened is emitted when a borrow completes.
	EventTypeLoanOpened = "lending.loanOpened"
	// EventTypeLoanRepaid is emitted after every repayment application.
	EventTypeLoanRepaid = "lending.loanRepaid"
	// EventTypeLiquiditySupplied is emitted on pool deposits.
	EventTypeLiquiditySupplied = "lending.liquiditySupplied"
	// EventTypeLiquidityWithdrawn is emitted on pool withdrawals.
	EventTypeLiquidityWithdrawn = "lending.liquidityWithdrawn"
	// EventTypeLiquidationSettled is emitted when auction proceeds clear.
	EventTypeLiquidationSettled = "lending.liquidationSettled"
)

func newLoanOpenedEvent(loanID uint64, subject crypto.Address, principal *big.Int, rateBps uint64, tier string) *events.Event {
	return &events.Event{Type: EventTypeLoanOpened, Attributes: map[string]string{
		"loanId":    strconv.FormatUint(loanID, 10),
		"subject":   subject.String(),
		"principal": principal.String(),
		"rateBps":   strconv.FormatUint(rateBps, 10),
		"tier":      tier,
	}}
}

func newLoanRepaidEvent(loanID uint64, caller crypto.Address, result *RepayResult) *events.Event {
	attrs := map[string]string{
		"loanId":  strconv.FormatUint(loanID, 10),
		"subject": caller.String(),
	}
	if result != nil {
		attrs["interestPaid"] = result.InterestPaid.String()
		attrs["principalPaid"] = result.PrincipalPaid.String()
		attrs["collateralReleased"] = result.CollateralReleased.String()
		attrs["settled"] = strconv.FormatBool(result.Settled)
	}
	return &events.Event{Type: EventTypeLoanRepaid, Attributes: attrs}
}

func newLiquiditySuppliedEvent(from crypto.Address, amount *big.Int) *events.Event {
	return &events.Event{Type: EventTypeLiquiditySupplied, Attributes: map[string]string{
		"supplier": from.String(),
		"amount":   amount.String(),
	}}
}

func newLiquidityWithdrawnEvent(to crypto.Address, amount *big.Int) *events.Event {
	return &events.Event{Type: EventTypeLiquidityWithdrawn, Attributes: map[string]string{
		"recipient": to.String(),
		"amount":    amount.String(),
	}}
}

func newLiquidationSettledEvent(loanID uint64, executor crypto.Address, result *SettlementResult) *events.Event {
	attrs := map[string]string{
		"loanId":   strconv.FormatUint(loanID, 10),
		"executor": executor.String(),
	}
	if result != nil {
		attrs["recovered"] = result.Recovered.String()
		attrs["surplus"] = result.Surplus.String()
		attrs["shortfall"] = result.Shortfall.String()
		attrs["covered"] = result.Covered.String()
	}
	return &events.Event{Type: EventTypeLiquidationSettled, Attributes: attrs}
}
