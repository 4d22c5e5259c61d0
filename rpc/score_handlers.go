package rpc

import (
	"fmt"
	"math/big"
	"net/http"
	"strings"
)

type scoreParams struct {
	Subject string `json:"subject"`
}

type aprResult struct {
	Subject string `json:"subject"`
	RateBps uint64 `json:"rateBps"`
}

func (s *Server) handleGetScore(w http.ResponseWriter, req *RPCRequest) int {
	var params scoreParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return http.StatusBadRequest
	}
	subject, err := parseAddressParam("subject", params.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return http.StatusBadRequest
	}
	breakdown, err := s.score.ComputeScore(subject)
	if err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	writeResult(w, req.ID, breakdown)
	return http.StatusOK
}

func (s *Server) handleGetAPR(w http.ResponseWriter, req *RPCRequest) int {
	var params scoreParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return http.StatusBadRequest
	}
	subject, err := parseAddressParam("subject", params.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return http.StatusBadRequest
	}
	rateBps, err := s.lending.QuoteAPR(subject)
	if err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	writeResult(w, req.ID, aprResult{Subject: subject.String(), RateBps: rateBps})
	return http.StatusOK
}

func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s must be a base-10 integer", field)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%s must be positive", field)
	}
	return amount, nil
}
