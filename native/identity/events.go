package identity

import (
	"encoding/hex"
	"strconv"

	"credline/crypto"
	"credline/events"
)

const (
	// EventTypeProofVerified is emitted when an issuer-signed proof lands.
	EventTypeProofVerified = "identity.proofVerified"
	// EventTypeStakeChanged is emitted on stake and unstake operations.
	EventTypeStakeChanged = "identity.stakeChanged"
)

func newProofVerifiedEvent(subject crypto.Address, proof *Proof) *events.Event {
	attrs := make(map[string]string)
	if proof != nil {
		attrs["subject"] = subject.String()
		attrs["commitment"] = hex.EncodeToString(proof.Commitment[:])
		attrs["verifiedAt"] = strconv.FormatUint(proof.VerifiedAt, 10)
		attrs["expiresAt"] = strconv.FormatUint(proof.ExpiresAt, 10)
	}
	return &events.Event{Type: EventTypeProofVerified, Attributes: attrs}
}

func newStakeChangedEvent(subject crypto.Address, commitment *StakeCommitment, op string) *events.Event {
	attrs := make(map[string]string)
	if commitment != nil {
		attrs["subject"] = subject.String()
		attrs["amount"] = commitment.Amount.String()
		attrs["lockUntil"] = strconv.FormatUint(commitment.LockUntil, 10)
		attrs["op"] = op
	}
	return &events.Event{Type: EventTypeStakeChanged, Attributes: attrs}
}
