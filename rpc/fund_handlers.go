package rpc

import (
	"math/big"
	"net/http"

	"credline/crypto"
)

type fundDepositParams struct {
	Amount string `json:"amount"`
}

type fundResult struct {
	Balance      string `json:"balance"`
	CoveredTotal string `json:"coveredTotal"`
	DefaultCount uint64 `json:"defaultCount"`
}

func (s *Server) handleGetFund(w http.ResponseWriter, req *RPCRequest) int {
	state, err := s.fund.State()
	if err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	writeResult(w, req.ID, fundResult{
		Balance:      state.Balance.String(),
		CoveredTotal: state.CoveredTotal.String(),
		DefaultCount: state.DefaultCount,
	})
	return http.StatusOK
}

func (s *Server) handleFundDeposit(w http.ResponseWriter, req *RPCRequest, caller crypto.Address) int {
	if s.admin.IsZero() || !caller.Equal(s.admin) {
		writeError(w, http.StatusForbidden, req.ID, codeUnauthorized, "admin only", nil)
		return http.StatusForbidden
	}
	var params fundDepositParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return http.StatusBadRequest
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return http.StatusBadRequest
	}
	if err := s.fund.Deposit(amount); err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	state, err := s.fund.State()
	if err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	balance, _ := new(big.Float).SetInt(state.Balance).Float64()
	s.metrics.SetFundBalance(balance)
	writeResult(w, req.ID, fundResult{
		Balance:      state.Balance.String(),
		CoveredTotal: state.CoveredTotal.String(),
		DefaultCount: state.DefaultCount,
	})
	return http.StatusOK
}
