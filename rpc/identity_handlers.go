package rpc

import (
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"credline/crypto"
)

type stakeParams struct {
	Amount   string `json:"amount"`
	LockDays uint64 `json:"lockDays,omitempty"`
}

type unstakeParams struct {
	Amount string `json:"amount"`
}

type submitProofParams struct {
	Commitment string `json:"commitment"`
	ExpiresAt  int64  `json:"expiresAt"`
	Signature  string `json:"signature"`
}

type stakeResult struct {
	Amount    string `json:"amount"`
	LockUntil uint64 `json:"lockUntil"`
}

type proofResult struct {
	Commitment string `json:"commitment"`
	VerifiedAt uint64 `json:"verifiedAt"`
	ExpiresAt  uint64 `json:"expiresAt"`
}

func (s *Server) handleStake(w http.ResponseWriter, req *RPCRequest, subject crypto.Address) int {
	var params stakeParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return http.StatusBadRequest
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return http.StatusBadRequest
	}
	lock := time.Duration(params.LockDays) * 24 * time.Hour
	commitment, err := s.identity.Stake(subject, amount, lock)
	if err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	writeResult(w, req.ID, stakeResult{Amount: commitment.Amount.String(), LockUntil: commitment.LockUntil})
	return http.StatusOK
}

func (s *Server) handleUnstake(w http.ResponseWriter, req *RPCRequest, subject crypto.Address) int {
	var params unstakeParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return http.StatusBadRequest
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return http.StatusBadRequest
	}
	commitment, err := s.identity.Unstake(subject, amount)
	if err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	writeResult(w, req.ID, stakeResult{Amount: commitment.Amount.String(), LockUntil: commitment.LockUntil})
	return http.StatusOK
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, req *RPCRequest, subject crypto.Address) int {
	var params submitProofParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return http.StatusBadRequest
	}
	commitmentBytes, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(params.Commitment), "0x"))
	if err != nil || len(commitmentBytes) != 32 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "commitment must be 32 hex bytes", nil)
		return http.StatusBadRequest
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(params.Signature), "0x"))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "signature must be hex", nil)
		return http.StatusBadRequest
	}
	var commitment [32]byte
	copy(commitment[:], commitmentBytes)
	proof, err := s.identity.SubmitProof(subject, commitment, params.ExpiresAt, signature)
	if err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	writeResult(w, req.ID, proofResult{
		Commitment: hex.EncodeToString(proof.Commitment[:]),
		VerifiedAt: proof.VerifiedAt,
		ExpiresAt:  proof.ExpiresAt,
	})
	return http.StatusOK
}

func (s *Server) handleRecordVote(w http.ResponseWriter, req *RPCRequest, subject crypto.Address) int {
	if err := s.identity.RecordVote(subject); err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return http.StatusOK
}

func (s *Server) handleRecordProposal(w http.ResponseWriter, req *RPCRequest, subject crypto.Address) int {
	if err := s.identity.RecordProposal(subject); err != nil {
		return s.writeModuleError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return http.StatusOK
}
