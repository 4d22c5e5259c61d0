package rpc

import (
	"math/big"
	"net/http"

	"credline/crypto"
	"credline/native/registry"
)

type loanParams struct {
	LoanID uint64 `json:"loanId"`
}

type loansParams struct {
	Subject string `json:"subject"`
}

type supplyParams struct {
	Amount string `json:"amount"`
}

type borrowParams struct {
	CollateralAsset  string `json:"collateralAsset"`
	CollateralAmount string `json:"collateralAmount"`
	Principal        string `json:"principal"`
}

type repayParams struct {
	LoanID uint64 `json:"loanId"`
	Amount string `json:"amount"`
}

type poolResult struct {
	TotalSupplied string `json:"totalSupplied"`
	TotalBorrowed string `json:"totalBorrowed"`
	Available     string `json:"available"`
}

type loanResult struct {
	ID        uint64 `json:"id"`
	Subject   string `json:"subject"`
	Principal string `json:"principal"`
	Repaid    string `json:"repaid"`
	Remaining string `json:"remaining"`
	OpenedAt  uint64 `json:"openedAt"`
	RateBps   uint64 `json:"rateBps"`
	Status    string `json:"status"`
}

type borrowResult struct {
	LoanID uint64 `json:"loanId"`
}

type repayResult struct {
	InterestPaid       string `json:"interestPaid"`
	PrincipalPaid      string `json:"principalPaid"`
	CollateralReleased string `json:"collateralReleased"`
	Settled            bool   `json:"settled"`
}

type healthResult struct {
	LoanID       uint64 `json:"loanId"`
	Factor       string `json:"factor"`
	Infinite     bool   `json:"infinite"`
	Level        string `json:"level"`
	Liquidatable bool   `json:"liquidatable"`
}

func loanToResult(loan *registry.LoanRecord) loanResult {
	subject := crypto.MustNewAddress(crypto.SubjectPrefix, loan.Subject[:])
	return loanResult{
		ID:        loan.ID,
		Subject:   subject.String(),
		Principal: loan.Principal.String(),
		Repaid:    loan.Repaid.String(),
		Remaining: loan.Remaining().String(),
		OpenedAt:  loan.OpenedAt,
		RateBps:   loan.RateBps,
		Status:    loan.Status.String(),
	}
}

// observeUtilization refreshes the pool utilization gauge after a mutation
// that moves pool balances. Failures are swallowed; gauges never fail a call.
func (s *Server) observeUtilization() {
	pool, err := s.lending.Pool()
	if err != nil {
		return
	}
	if pool.TotalSupplied.Sign() <= 0 {
		s.metrics.SetUtilization(0)
		return
	}
	ratio, _ := new(big.Rat).SetFrac(pool.TotalBorrowed, pool.TotalSupplied).Float64()
	s.metrics.SetUtilization(ratio)
}

func (s *Server) handleGetPool(w http.ResponseWriter, req *RPCRequest) int {
	pool, err := s.lending.Pool()
	if err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	writeResult(w, req.ID, poolResult{
		TotalSupplied: pool.TotalSupplied.String(),
		TotalBorrowed: pool.TotalBorrowed.String(),
		Available:     pool.Available().String(),
	})
	return http.StatusOK
}

func (s *Server) handleGetLoan(w http.ResponseWriter, req *RPCRequest) int {
	var params loanParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return http.StatusBadRequest
	}
	loan, err := s.ledger.Loan(params.LoanID)
	if err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	writeResult(w, req.ID, loanToResult(loan))
	return http.StatusOK
}

func (s *Server) handleGetLoans(w http.ResponseWriter, req *RPCRequest) int {
	var params loansParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return http.StatusBadRequest
	}
	subject, err := parseAddressParam("subject", params.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return http.StatusBadRequest
	}
	ids, err := s.ledger.SubjectLoans(subject)
	if err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	loans := make([]loanResult, 0, len(ids))
	for _, id := range ids {
		loan, err := s.ledger.Loan(id)
		if err != nil {
			return s.writeModuleError(w, req.ID, err)
		}
		loans = append(loans, loanToResult(loan))
	}
	writeResult(w, req.ID, loans)
	return http.StatusOK
}

func (s *Server) handleGetHealthFactor(w http.ResponseWriter, req *RPCRequest) int {
	var params loanParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return http.StatusBadRequest
	}
	assessment, err := s.lending.CalculateHealthFactor(params.LoanID)
	if err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	result := healthResult{
		LoanID:       params.LoanID,
		Infinite:     assessment.Infinite,
		Level:        assessment.Level.String(),
		Liquidatable: assessment.Liquidatable,
	}
	if assessment.Factor != nil {
		result.Factor = assessment.Factor.FloatString(4)
	}
	writeResult(w, req.ID, result)
	return http.StatusOK
}

func (s *Server) handleSupply(w http.ResponseWriter, req *RPCRequest, subject crypto.Address) int {
	var params supplyParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return http.StatusBadRequest
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return http.StatusBadRequest
	}
	if err := s.lending.Supply(subject, amount); err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	s.observeUtilization()
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return http.StatusOK
}

func (s *Server) handleBorrow(w http.ResponseWriter, req *RPCRequest, subject crypto.Address) int {
	var params borrowParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return http.StatusBadRequest
	}
	collateral, err := parseAmount("collateralAmount", params.CollateralAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return http.StatusBadRequest
	}
	principal, err := parseAmount("principal", params.Principal)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return http.StatusBadRequest
	}
	loanID, err := s.lending.Borrow(subject, params.CollateralAsset, collateral, principal)
	if err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	s.metrics.LoanOpened()
	s.observeUtilization()
	writeResult(w, req.ID, borrowResult{LoanID: loanID})
	return http.StatusOK
}

func (s *Server) handleRepay(w http.ResponseWriter, req *RPCRequest, subject crypto.Address) int {
	var params repayParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return http.StatusBadRequest
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return http.StatusBadRequest
	}
	result, err := s.lending.Repay(subject, params.LoanID, amount)
	if err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	s.metrics.RepaymentApplied()
	s.observeUtilization()
	writeResult(w, req.ID, repayResult{
		InterestPaid:       result.InterestPaid.String(),
		PrincipalPaid:      result.PrincipalPaid.String(),
		CollateralReleased: result.CollateralReleased.String(),
		Settled:            result.Settled,
	})
	return http.StatusOK
}
