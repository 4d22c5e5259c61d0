package identity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"credline/crypto"
	"credline/events"
)

// proofDomain separates identity proof digests from any other signed payload
// accepted by the ledger.
const proofDomain = "credline/identity/proof/v1"

// storage abstracts the subset of state manager functionality the module
// needs.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	proofPrefix    = []byte("identity/proof/")
	stakePrefix    = []byte("identity/stake/")
	activityPrefix = []byte("identity/activity/")
)

func proofKey(subject [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", proofPrefix, subject))
}

func stakeKey(subject [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", stakePrefix, subject))
}

func activityKey(subject [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", activityPrefix, subject))
}

// Module verifies signed identity proofs against the configured trusted
// issuer and keeps stake commitments and activity counters per subject.
type Module struct {
	mu      sync.Mutex
	store   storage
	issuer  crypto.Address
	emitter events.Emitter
	nowFn   func() int64
}

// NewModule constructs the identity module. issuer is the only principal
// whose proof signatures are accepted.
func NewModule(store storage, issuer crypto.Address) *Module {
	return &Module{
		store:   store,
		issuer:  issuer,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (m *Module) SetEmitter(emitter events.Emitter) {
	if m == nil {
		return
	}
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// SetNowFunc overrides the wall clock used for expiry and lock checks.
func (m *Module) SetNowFunc(now func() int64) {
	if m == nil {
		return
	}
	if now == nil {
		m.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	m.nowFn = now
}

func (m *Module) now() int64 {
	if m == nil || m.nowFn == nil {
		return time.Now().Unix()
	}
	return m.nowFn()
}

var errStoreNotConfigured = errors.New("identity: storage unavailable")

// ProofDigest computes the digest the trusted issuer signs over when
// attesting a subject's commitment.
func ProofDigest(subject crypto.Address, commitment [32]byte, expiresAt int64) []byte {
	var expiry [8]byte
	binary.BigEndian.PutUint64(expiry[:], uint64(expiresAt))
	return ethcrypto.Keccak256([]byte(proofDomain), subject.Bytes(), commitment[:], expiry[:])
}

// SubmitProof verifies the issuer signature over (subject, commitment,
// expiresAt) and stores the proof, replacing any prior one.
func (m *Module) SubmitProof(subject crypto.Address, commitment [32]byte, expiresAt int64, signature []byte) (*Proof, error) {
	if m == nil || m.store == nil {
		return nil, errStoreNotConfigured
	}
	now := m.now()
	if expiresAt <= now {
		return nil, ErrProofExpired
	}
	digest := ProofDigest(subject, commitment, expiresAt)
	signer, err := crypto.RecoverAddress(digest, signature)
	if err != nil {
		return nil, ErrInvalidProof
	}
	if !signer.Equal(m.issuer) {
		return nil, ErrInvalidProof
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	proof := &Proof{
		Commitment: commitment,
		VerifiedAt: uint64(now),
		ExpiresAt:  uint64(expiresAt),
	}
	if err := m.store.KVPut(proofKey(subject.Raw()), proof); err != nil {
		return nil, err
	}
	if err := m.touch(subject.Raw(), now); err != nil {
		return nil, err
	}
	m.emit(newProofVerifiedEvent(subject, proof))
	return proof, nil
}

// Proof returns the live proof for the subject. Expired proofs are filtered
// here rather than deleted, matching the lazy expiry model.
func (m *Module) Proof(subject crypto.Address) (*Proof, bool, error) {
	if m == nil || m.store == nil {
		return nil, false, errStoreNotConfigured
	}
	var proof Proof
	ok, err := m.store.KVGet(proofKey(subject.Raw()), &proof)
	if err != nil || !ok {
		return nil, false, err
	}
	if !proof.Live(m.now()) {
		return nil, false, nil
	}
	return &proof, true, nil
}

// Stake increases the subject's commitment and extends the lock to
// now+lockDuration when that is later than the current lock. Locks never
// shorten.
func (m *Module) Stake(subject crypto.Address, amount *big.Int, lockDuration time.Duration) (*StakeCommitment, error) {
	if m == nil || m.store == nil {
		return nil, errStoreNotConfigured
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	commitment, err := m.stake(subject.Raw())
	if err != nil {
		return nil, err
	}
	commitment.Amount = new(big.Int).Add(commitment.Amount, amount)
	if until := uint64(now + int64(lockDuration/time.Second)); until > commitment.LockUntil {
		commitment.LockUntil = until
	}
	if err := m.store.KVPut(stakeKey(subject.Raw()), commitment); err != nil {
		return nil, err
	}
	if err := m.touch(subject.Raw(), now); err != nil {
		return nil, err
	}
	m.emit(newStakeChangedEvent(subject, commitment, "stake"))
	return commitment.Clone(), nil
}

// Unstake withdraws from the commitment once the lock has elapsed.
func (m *Module) Unstake(subject crypto.Address, amount *big.Int) (*StakeCommitment, error) {
	if m == nil || m.store == nil {
		return nil, errStoreNotConfigured
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	commitment, err := m.stake(subject.Raw())
	if err != nil {
		return nil, err
	}
	if int64(commitment.LockUntil) > m.now() {
		return nil, ErrLockActive
	}
	if commitment.Amount.Cmp(amount) < 0 {
		return nil, ErrInsufficientBond
	}
	commitment.Amount = new(big.Int).Sub(commitment.Amount, amount)
	if err := m.store.KVPut(stakeKey(subject.Raw()), commitment); err != nil {
		return nil, err
	}
	m.emit(newStakeChangedEvent(subject, commitment, "unstake"))
	return commitment.Clone(), nil
}

// Stake commitment read path.
func (m *Module) Commitment(subject crypto.Address) (*StakeCommitment, error) {
	if m == nil || m.store == nil {
		return nil, errStoreNotConfigured
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	commitment, err := m.stake(subject.Raw())
	if err != nil {
		return nil, err
	}
	return commitment.Clone(), nil
}

// RecordVote bumps the subject's vote counter.
func (m *Module) RecordVote(subject crypto.Address) error {
	return m.bumpActivity(subject, func(a *ActivityCounters) { a.Votes++ })
}

// RecordProposal bumps the subject's proposal counter.
func (m *Module) RecordProposal(subject crypto.Address) error {
	return m.bumpActivity(subject, func(a *ActivityCounters) { a.Proposals++ })
}

// Touch stamps the subject's first-seen time if not already set.
func (m *Module) Touch(subject crypto.Address) error {
	if m == nil || m.store == nil {
		return errStoreNotConfigured
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touch(subject.Raw(), m.now())
}

// Activity returns the governance participation counters for the subject.
func (m *Module) Activity(subject crypto.Address) (*ActivityCounters, error) {
	if m == nil || m.store == nil {
		return nil, errStoreNotConfigured
	}
	var counters ActivityCounters
	if _, err := m.store.KVGet(activityKey(subject.Raw()), &counters); err != nil {
		return nil, err
	}
	return &counters, nil
}

func (m *Module) bumpActivity(subject crypto.Address, apply func(*ActivityCounters)) error {
	if m == nil || m.store == nil {
		return errStoreNotConfigured
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var counters ActivityCounters
	if _, err := m.store.KVGet(activityKey(subject.Raw()), &counters); err != nil {
		return err
	}
	if counters.FirstSeen == 0 {
		counters.FirstSeen = uint64(m.now())
	}
	apply(&counters)
	return m.store.KVPut(activityKey(subject.Raw()), &counters)
}

func (m *Module) touch(subject [20]byte, now int64) error {
	var counters ActivityCounters
	if _, err := m.store.KVGet(activityKey(subject), &counters); err != nil {
		return err
	}
	if counters.FirstSeen != 0 {
		return nil
	}
	counters.FirstSeen = uint64(now)
	return m.store.KVPut(activityKey(subject), &counters)
}

func (m *Module) stake(subject [20]byte) (*StakeCommitment, error) {
	var commitment StakeCommitment
	if _, err := m.store.KVGet(stakeKey(subject), &commitment); err != nil {
		return nil, err
	}
	if commitment.Amount == nil {
		commitment.Amount = big.NewInt(0)
	}
	return &commitment, nil
}

func (m *Module) emit(evt *events.Event) {
	if m == nil || m.emitter == nil || evt == nil {
		return
	}
	m.emitter.Emit(evt)
}
