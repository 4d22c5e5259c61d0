package rpc

import (
	"encoding/hex"
	"net/http"

	"credline/crypto"
	"credline/native/liquidation"
)

type startLiquidationParams struct {
	LoanID uint64 `json:"loanId"`
}

type auctionParams struct {
	AuctionID string `json:"auctionId"`
}

type cancelLiquidationParams struct {
	AuctionID string `json:"auctionId"`
	Reason    string `json:"reason,omitempty"`
}

type auctionResult struct {
	ID               string `json:"id"`
	LoanID           uint64 `json:"loanId"`
	Subject          string `json:"subject"`
	DebtAtStart      string `json:"debtAtStart"`
	CollateralAsset  string `json:"collateralAsset"`
	CollateralAmount string `json:"collateralAmount"`
	StartedAt        uint64 `json:"startedAt"`
	GraceEnd         uint64 `json:"graceEnd"`
	State            string `json:"state"`
	DiscountBps      uint64 `json:"discountBps"`
	CurrentPrice     string `json:"currentPrice,omitempty"`
	Executor         string `json:"executor,omitempty"`
	SalePrice        string `json:"salePrice,omitempty"`
	CancelReason     string `json:"cancelReason,omitempty"`
}

func (s *Server) auctionToResult(auction *liquidation.Auction) auctionResult {
	subject := crypto.MustNewAddress(crypto.SubjectPrefix, auction.Subject[:])
	result := auctionResult{
		ID:               auction.ID,
		LoanID:           auction.LoanID,
		Subject:          subject.String(),
		DebtAtStart:      auction.DebtAtStart.String(),
		CollateralAsset:  auction.CollateralAsset,
		CollateralAmount: auction.CollateralAmount.String(),
		StartedAt:        auction.StartedAt,
		GraceEnd:         auction.GraceEnd,
		State:            auction.StateAt(s.auctioneer.Now()).String(),
		CancelReason:     auction.CancelReason,
	}
	if auction.Executed {
		result.Executor = hex.EncodeToString(auction.Executor[:])
		result.SalePrice = auction.SalePrice.String()
	} else if !auction.Cancelled {
		if price, discount, err := s.auctioneer.Quote(auction.ID); err == nil {
			result.DiscountBps = discount
			result.CurrentPrice = price.String()
		}
	}
	return result
}

func (s *Server) handleStartLiquidation(w http.ResponseWriter, req *RPCRequest) int {
	var params startLiquidationParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return http.StatusBadRequest
	}
	auction, err := s.auctioneer.Start(params.LoanID)
	if err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	writeResult(w, req.ID, s.auctionToResult(auction))
	return http.StatusOK
}

func (s *Server) handleGetAuction(w http.ResponseWriter, req *RPCRequest) int {
	var params auctionParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return http.StatusBadRequest
	}
	auction, err := s.auctioneer.Auction(params.AuctionID)
	if err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	writeResult(w, req.ID, s.auctionToResult(auction))
	return http.StatusOK
}

func (s *Server) handleExecuteLiquidation(w http.ResponseWriter, req *RPCRequest, executor crypto.Address) int {
	var params auctionParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return http.StatusBadRequest
	}
	auction, err := s.auctioneer.Execute(executor, params.AuctionID)
	if err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	s.metrics.LiquidationSettled()
	s.observeUtilization()
	writeResult(w, req.ID, s.auctionToResult(auction))
	return http.StatusOK
}

func (s *Server) handleCancelLiquidation(w http.ResponseWriter, req *RPCRequest, caller crypto.Address) int {
	var params cancelLiquidationParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return http.StatusBadRequest
	}
	if err := s.auctioneer.Cancel(caller, params.AuctionID, params.Reason); err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return http.StatusOK
}
