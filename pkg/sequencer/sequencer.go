// Package sequencer hands out strictly increasing per-signer sequence
// numbers. Allocation is the only operation in the system that requires
// true mutual exclusion; the store's row-locked read-modify-write
// provides it, never an in-process mutex, because multiple instances
// may share one backing store.
package sequencer

import (
	"context"

	"github.com/Layr-Labs/payload-relay-go/pkg/storage"
	"github.com/Layr-Labs/payload-relay-go/pkg/types"
	"go.uber.org/zap"
)

// ISequenceAllocator is the nonce allocation contract used by the
// coordinator.
type ISequenceAllocator interface {
	// CurrentNonce returns the signer's current value (advisory read,
	// may be served from the cache). 0 for unknown signers.
	CurrentNonce(ctx context.Context, signerID string) (uint64, error)

	// AllocateNext atomically consumes and returns the next nonce (the
	// pre-increment value). Never consults the cache; invalidates it.
	AllocateNext(ctx context.Context, signerID string) (uint64, error)

	// Validate reports whether nonce equals the signer's current value,
	// from an authoritative store read.
	Validate(ctx context.Context, signerID string, nonce uint64) (bool, error)

	// SetNonce overwrites the signer's value. Privileged maintenance
	// operation, logged; never part of the normal lifecycle.
	SetNonce(ctx context.Context, signerID string, nonce uint64) error
}

// SequenceAllocator implements ISequenceAllocator over an
// ISequenceStore plus an advisory TTL cache.
type SequenceAllocator struct {
	store  storage.ISequenceStore
	cache  INonceCache
	logger *zap.Logger
}

var _ ISequenceAllocator = (*SequenceAllocator)(nil)

// NewSequenceAllocator builds an allocator. cache may be nil to disable
// advisory caching.
func NewSequenceAllocator(store storage.ISequenceStore, cache INonceCache, logger *zap.Logger) *SequenceAllocator {
	return &SequenceAllocator{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// CurrentNonce serves advisory reads, cache first.
func (a *SequenceAllocator) CurrentNonce(ctx context.Context, signerID string) (uint64, error) {
	signerID = types.NormalizeSignerID(signerID)

	if a.cache != nil {
		if nonce, hit := a.cache.Get(ctx, signerID); hit {
			return nonce, nil
		}
	}

	nonce, err := a.store.CurrentNonce(ctx, signerID)
	if err != nil {
		return 0, types.StoreError(err, "failed to read current nonce for %s", signerID)
	}

	if a.cache != nil {
		a.cache.Set(ctx, signerID, nonce)
	}
	return nonce, nil
}

// AllocateNext consumes the next nonce through the store's locked
// read-modify-write. The cache entry is dropped after the commit so a
// stale advisory read cannot outlive the allocation.
func (a *SequenceAllocator) AllocateNext(ctx context.Context, signerID string) (uint64, error) {
	signerID = types.NormalizeSignerID(signerID)

	nonce, err := a.store.AllocateNext(ctx, signerID)
	if err != nil {
		// Nothing was consumed unless the transaction committed; the
		// caller may retry.
		return 0, types.StoreError(err, "failed to allocate nonce for %s", signerID)
	}

	if a.cache != nil {
		a.cache.Invalidate(ctx, signerID)
	}

	a.logger.Sugar().Debugw("Allocated nonce", "signer", signerID, "nonce", nonce)
	return nonce, nil
}

// Validate checks an externally-constructed nonce against the store
// directly; the advisory cache is not good enough to accept or reject a
// submission.
func (a *SequenceAllocator) Validate(ctx context.Context, signerID string, nonce uint64) (bool, error) {
	signerID = types.NormalizeSignerID(signerID)

	current, err := a.store.CurrentNonce(ctx, signerID)
	if err != nil {
		return false, types.StoreError(err, "failed to validate nonce for %s", signerID)
	}
	return nonce == current, nil
}

// SetNonce bypasses the allocation discipline. Privileged.
func (a *SequenceAllocator) SetNonce(ctx context.Context, signerID string, nonce uint64) error {
	signerID = types.NormalizeSignerID(signerID)

	a.logger.Sugar().Warnw("Privileged nonce override", "signer", signerID, "nonce", nonce)

	if err := a.store.SetNonce(ctx, signerID, nonce); err != nil {
		return types.StoreError(err, "failed to set nonce for %s", signerID)
	}
	if a.cache != nil {
		a.cache.Invalidate(ctx, signerID)
	}
	return nil
}
