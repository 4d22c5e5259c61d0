package liquidation

import (
	"encoding/hex"
	"strconv"

	"credline/events"
)

const (
	// EventTypeAuctionStarted is emitted when a loan enters liquidation.
	EventTypeAuctionStarted = "liquidation.auctionStarted"
	// EventTypeAuctionExecuted is emitted when collateral is sold.
	EventTypeAuctionExecuted = "liquidation.auctionExecuted"
	// EventTypeAuctionCancelled is emitted when an admin withdraws an auction.
	EventTypeAuctionCancelled = "liquidation.auctionCancelled"
)

func newAuctionStartedEvent(auction *Auction) *events.Event {
	attrs := make(map[string]string)
	if auction != nil {
		attrs["auctionId"] = auction.ID
		attrs["loanId"] = strconv.FormatUint(auction.LoanID, 10)
		attrs["subject"] = hex.EncodeToString(auction.Subject[:])
		attrs["debt"] = auction.DebtAtStart.String()
		attrs["graceEnd"] = strconv.FormatUint(auction.GraceEnd, 10)
	}
	return &events.Event{Type: EventTypeAuctionStarted, Attributes: attrs}
}

func newAuctionExecutedEvent(auction *Auction) *events.Event {
	attrs := make(map[string]string)
	if auction != nil {
		attrs["auctionId"] = auction.ID
		attrs["loanId"] = strconv.FormatUint(auction.LoanID, 10)
		attrs["executor"] = hex.EncodeToString(auction.Executor[:])
		attrs["salePrice"] = auction.SalePrice.String()
	}
	return &events.Event{Type: EventTypeAuctionExecuted, Attributes: attrs}
}

func newAuctionCancelledEvent(auction *Auction) *events.Event {
	attrs := make(map[string]string)
	if auction != nil {
		attrs["auctionId"] = auction.ID
		attrs["loanId"] = strconv.FormatUint(auction.LoanID, 10)
		attrs["reason"] = auction.CancelReason
	}
	return &events.Event{Type: EventTypeAuctionCancelled, Attributes: attrs}
}
