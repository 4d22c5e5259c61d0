package registry

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"credline/events"
)

const (
	// EventTypeLoanRegistered is emitted when a new loan is written.
	EventTypeLoanRegistered = "registry.loanRegistered"
	// EventTypeLoanRepaid is emitted on every repayment application.
	EventTypeLoanRepaid = "registry.loanRepaid"
	// EventTypeLoanLiquidated is emitted when a loan settles by liquidation.
	EventTypeLoanLiquidated = "registry.loanLiquidated"
	// EventTypeCollateralRecorded is emitted for the origination snapshot.
	EventTypeCollateralRecorded = "registry.collateralRecorded"
)

func newLoanRegisteredEvent(loan *LoanRecord) *events.Event {
	attrs := make(map[string]string)
	if loan != nil {
		attrs["loanId"] = strconv.FormatUint(loan.ID, 10)
		attrs["subject"] = hex.EncodeToString(loan.Subject[:])
		attrs["principal"] = loan.Principal.String()
		attrs["rateBps"] = strconv.FormatUint(loan.RateBps, 10)
		attrs["openedAt"] = strconv.FormatUint(loan.OpenedAt, 10)
	}
	return &events.Event{Type: EventTypeLoanRegistered, Attributes: attrs}
}

func newLoanRepaidEvent(loan *LoanRecord, applied *big.Int, settled bool) *events.Event {
	attrs := make(map[string]string)
	if loan != nil {
		attrs["loanId"] = strconv.FormatUint(loan.ID, 10)
		attrs["subject"] = hex.EncodeToString(loan.Subject[:])
		attrs["applied"] = applied.String()
		attrs["settled"] = strconv.FormatBool(settled)
	}
	return &events.Event{Type: EventTypeLoanRepaid, Attributes: attrs}
}

func newLoanLiquidatedEvent(loan *LoanRecord) *events.Event {
	attrs := make(map[string]string)
	if loan != nil {
		attrs["loanId"] = strconv.FormatUint(loan.ID, 10)
		attrs["subject"] = hex.EncodeToString(loan.Subject[:])
	}
	return &events.Event{Type: EventTypeLoanLiquidated, Attributes: attrs}
}

func newCollateralRecordedEvent(loan *LoanRecord, record *CollateralRecord) *events.Event {
	attrs := make(map[string]string)
	if loan != nil && record != nil {
		attrs["loanId"] = strconv.FormatUint(record.LoanID, 10)
		attrs["subject"] = hex.EncodeToString(loan.Subject[:])
		attrs["asset"] = record.Asset
		attrs["value"] = record.Value.String()
		attrs["scoreAtOrigination"] = strconv.FormatUint(record.ScoreAtOrigination, 10)
	}
	return &events.Event{Type: EventTypeCollateralRecorded, Attributes: attrs}
}
