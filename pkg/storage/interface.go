package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Layr-Labs/payload-relay-go/pkg/types"
)

// Sentinel errors shared by all store implementations. Callers map them
// to the coded error taxonomy; implementations wrap their backend's
// constraint failures into these.
var (
	// ErrDuplicatePayloadHash: a record with the same content hash
	// already exists (payload_hash is globally unique).
	ErrDuplicatePayloadHash = errors.New("payload hash already exists")

	// ErrDuplicateNonce: the (signerId, nonce) pair is already taken.
	ErrDuplicateNonce = errors.New("signer/nonce pair already exists")

	// ErrStatusConflict: a guarded update found the record in a status
	// other than the one the caller expected.
	ErrStatusConflict = errors.New("record not in expected status")

	// ErrClosed: the store has been shut down.
	ErrClosed = errors.New("store is closed")
)

// IPayloadStore defines durable storage for payload records.
// All implementations must be safe for concurrent use; correctness must
// hold across multiple process instances sharing one backing store, so
// guarded updates rely on the backend's transactional locking, never on
// in-process mutexes alone.
type IPayloadStore interface {
	// CreatePayload persists a new record. Returns
	// ErrDuplicatePayloadHash or ErrDuplicateNonce on uniqueness
	// violations.
	CreatePayload(ctx context.Context, record *types.PayloadRecord) error

	// GetPayload retrieves a record by id.
	// Returns nil if the record doesn't exist, error only on storage failure.
	GetPayload(ctx context.Context, id string) (*types.PayloadRecord, error)

	// UpdatePayload applies a guarded mutation: the record is read under
	// a row lock, its status compared against expected
	// (ErrStatusConflict on mismatch), apply is invoked on the locked
	// copy, and the result is written back in the same transaction.
	// UpdatedAt is bumped by the store. Returns the updated record.
	UpdatePayload(ctx context.Context, id string, expected types.PayloadStatus, apply func(*types.PayloadRecord) error) (*types.PayloadRecord, error)

	// ListForSigner returns all records for a signer, newest first.
	ListForSigner(ctx context.Context, signerID string) ([]*types.PayloadRecord, error)

	// ListReady returns records eligible for submission right now:
	// status PENDING, signature set, expiresAt after now.
	ListReady(ctx context.Context, now time.Time) ([]*types.PayloadRecord, error)

	// ListExpired returns PENDING records whose deadline has passed,
	// for the expiry sweep.
	ListExpired(ctx context.Context, now time.Time) ([]*types.PayloadRecord, error)

	// ListByStatus returns all records in the given status.
	ListByStatus(ctx context.Context, status types.PayloadStatus) ([]*types.PayloadRecord, error)

	// Stats aggregates counts per status, total submission attempts and
	// per-signer nonce totals.
	Stats(ctx context.Context) (*types.StoreStats, error)

	// HealthCheck verifies the store is operational.
	HealthCheck() error

	// Close cleanly shuts down the store. Idempotent.
	Close() error
}

// ISequenceStore defines the per-signer sequence rows backing nonce
// allocation. AllocateNext is the only operation in the system that
// requires true mutual exclusion; every implementation performs it as
// an atomic read-modify-write (row lock, serializable transaction, or
// single-process mutex for the test store).
type ISequenceStore interface {
	// CurrentNonce returns the signer's current value, 0 if the signer
	// has never allocated.
	CurrentNonce(ctx context.Context, signerID string) (uint64, error)

	// AllocateNext atomically persists current+1 and returns the
	// pre-increment value. No nonce is consumed unless the transaction
	// committed. Two concurrent callers for the same signer never
	// receive the same value.
	AllocateNext(ctx context.Context, signerID string) (uint64, error)

	// SetNonce overwrites the signer's current value, bypassing the
	// allocation discipline. Privileged maintenance only.
	SetNonce(ctx context.Context, signerID string, nonce uint64) error

	// SweepInactive deletes sequence rows for signers that never
	// allocated and have been idle since before cutoff. Returns the
	// number of rows removed.
	SweepInactive(ctx context.Context, cutoff time.Time) (int, error)

	// HealthCheck verifies the store is operational.
	HealthCheck() error

	// Close cleanly shuts down the store. Idempotent.
	Close() error
}
