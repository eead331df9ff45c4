package types

import (
	"strings"
	"time"
)

// PayloadStatus is the lifecycle state of a payload record.
// Valid transitions: PENDING -> SUBMITTED -> CONFIRMED, or -> FAILED
// (from PENDING via expiry, from SUBMITTED via revert or exhausted
// retries). No transition skips a state.
type PayloadStatus string

const (
	StatusPending   PayloadStatus = "PENDING"
	StatusSubmitted PayloadStatus = "SUBMITTED"
	StatusConfirmed PayloadStatus = "CONFIRMED"
	StatusFailed    PayloadStatus = "FAILED"
)

func (s PayloadStatus) String() string {
	return string(s)
}

// Terminal reports whether no further transitions are allowed from s.
func (s PayloadStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanTransitionTo reports whether next is a legal transition from s.
func (s PayloadStatus) CanTransitionTo(next PayloadStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusSubmitted || next == StatusFailed
	case StatusSubmitted:
		return next == StatusConfirmed || next == StatusFailed
	default:
		return false
	}
}

// PayloadType is one of the closed set of domain categories a payload
// can carry.
type PayloadType string

const (
	TypeOracleUpdate PayloadType = "oracle_update"
	TypeAgentResult  PayloadType = "agent_result"
	TypePriceFeed    PayloadType = "price_feed"
	TypeComputeProof PayloadType = "compute_proof"
)

// AllPayloadTypes lists every accepted payload type.
var AllPayloadTypes = []PayloadType{
	TypeOracleUpdate,
	TypeAgentResult,
	TypePriceFeed,
	TypeComputeProof,
}

func (t PayloadType) String() string {
	return string(t)
}

// Valid reports whether t is a member of the closed type set.
func (t PayloadType) Valid() bool {
	for _, known := range AllPayloadTypes {
		if t == known {
			return true
		}
	}
	return false
}

// NormalizeSignerID case-folds a signer identifier. Signer identifiers
// are Ethereum addresses; all comparisons and storage keys use the
// lower-cased form.
func NormalizeSignerID(signerID string) string {
	return strings.ToLower(strings.TrimSpace(signerID))
}

// PayloadRecord is one submission attempt: a structured body bound to a
// per-signer nonce, hashed into its canonical signing form, signed
// off-chain and anchored on-chain.
//
// Immutable after creation: PayloadType, SignerID, Nonce, Body,
// PayloadHash, StructuredHash. Signature is nil until signed and
// immutable once set. Only the coordinator writes status transitions.
type PayloadRecord struct {
	ID          string         `json:"id"`
	PayloadType PayloadType    `json:"payloadType"`
	SignerID    string         `json:"signerId"`
	Nonce       uint64         `json:"nonce"`
	Body        map[string]any `json:"body"`

	// PayloadHash is the keccak256 of the canonicalized body (content
	// identity, globally unique). StructuredHash is the EIP-712 digest
	// of the full signing envelope (what is actually signed).
	PayloadHash    string `json:"payloadHash"`
	StructuredHash string `json:"structuredHash"`

	Signature []byte    `json:"signature,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`

	Status   PayloadStatus `json:"status"`
	TxRef    string        `json:"txRef,omitempty"`
	BlockRef uint64        `json:"blockRef,omitempty"`

	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// Signed reports whether the record carries a signature.
func (r *PayloadRecord) Signed() bool {
	return len(r.Signature) > 0
}

// Expired reports whether the record's signing/submission deadline has
// passed at the given instant.
func (r *PayloadRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// ReadyForSubmission reports whether the record can be handed to the
// ledger submitter right now: pending, signed, and not expired.
func (r *PayloadRecord) ReadyForSubmission(now time.Time) bool {
	return r.Status == StatusPending && r.Signed() && !r.Expired(now)
}

// Clone returns a deep copy so stores can hand out records without
// exposing internal state to mutation.
func (r *PayloadRecord) Clone() *PayloadRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Body != nil {
		cp.Body = make(map[string]any, len(r.Body))
		for k, v := range r.Body {
			cp.Body[k] = v
		}
	}
	if r.Signature != nil {
		cp.Signature = append([]byte(nil), r.Signature...)
	}
	if r.SubmittedAt != nil {
		t := *r.SubmittedAt
		cp.SubmittedAt = &t
	}
	if r.ConfirmedAt != nil {
		t := *r.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

// SequenceRecord tracks the current nonce for one signer. Created
// lazily on first allocation; Nonce is monotonically non-decreasing.
type SequenceRecord struct {
	SignerID   string    `json:"signerId"`
	Nonce      uint64    `json:"nonce"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// StoreStats aggregates counts for the public statistics endpoint.
type StoreStats struct {
	CountsByStatus map[PayloadStatus]int64 `json:"countsByStatus"`
	TotalAttempts  int64                   `json:"totalAttempts"`
	NoncesBySigner map[string]uint64       `json:"noncesBySigner"`
}
