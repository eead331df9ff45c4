package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Layr-Labs/payload-relay-go/pkg/storage"
	"github.com/Layr-Labs/payload-relay-go/pkg/types"
)

// MemoryStore is an in-memory implementation of IPayloadStore and
// ISequenceStore. This implementation is intended for TESTING ONLY.
//
// All data is lost when the process exits, and the locking discipline is
// a single process-wide mutex, which is only correct when exactly one
// instance runs. Deep copies are handed out to prevent external mutation.
type MemoryStore struct {
	mu sync.Mutex

	// Payload storage: id -> record, plus uniqueness indexes.
	payloads map[string]*types.PayloadRecord
	byHash   map[string]string // payloadHash -> id
	byNonce  map[string]string // signerID/nonce -> id

	// Sequence storage: signerID -> record.
	sequences map[string]*types.SequenceRecord

	closed bool
}

var (
	_ storage.IPayloadStore  = (*MemoryStore)(nil)
	_ storage.ISequenceStore = (*MemoryStore)(nil)
)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payloads:  make(map[string]*types.PayloadRecord),
		byHash:    make(map[string]string),
		byNonce:   make(map[string]string),
		sequences: make(map[string]*types.SequenceRecord),
	}
}

func nonceKey(signerID string, nonce uint64) string {
	return fmt.Sprintf("%s/%d", signerID, nonce)
}

// CreatePayload persists a new record, enforcing both uniqueness
// constraints.
func (m *MemoryStore) CreatePayload(ctx context.Context, record *types.PayloadRecord) error {
	if record == nil {
		return fmt.Errorf("cannot save nil PayloadRecord")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return storage.ErrClosed
	}

	if _, exists := m.byHash[record.PayloadHash]; exists {
		return storage.ErrDuplicatePayloadHash
	}
	nk := nonceKey(record.SignerID, record.Nonce)
	if _, exists := m.byNonce[nk]; exists {
		return storage.ErrDuplicateNonce
	}

	m.payloads[record.ID] = record.Clone()
	m.byHash[record.PayloadHash] = record.ID
	m.byNonce[nk] = record.ID

	return nil
}

// GetPayload retrieves a record by id. Returns nil if not found.
func (m *MemoryStore) GetPayload(ctx context.Context, id string) (*types.PayloadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, storage.ErrClosed
	}

	record, exists := m.payloads[id]
	if !exists {
		return nil, nil // Not found is not an error
	}

	return record.Clone(), nil
}

// UpdatePayload applies a guarded mutation under the store mutex.
func (m *MemoryStore) UpdatePayload(ctx context.Context, id string, expected types.PayloadStatus, apply func(*types.PayloadRecord) error) (*types.PayloadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, storage.ErrClosed
	}

	record, exists := m.payloads[id]
	if !exists {
		return nil, nil
	}
	if record.Status != expected {
		return nil, storage.ErrStatusConflict
	}

	updated := record.Clone()
	if err := apply(updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now().UTC()

	m.payloads[id] = updated
	return updated.Clone(), nil
}

// ListForSigner returns the signer's records, newest first.
func (m *MemoryStore) ListForSigner(ctx context.Context, signerID string) ([]*types.PayloadRecord, error) {
	return m.list(func(r *types.PayloadRecord) bool {
		return r.SignerID == signerID
	})
}

// ListReady returns records eligible for submission at the given instant.
func (m *MemoryStore) ListReady(ctx context.Context, now time.Time) ([]*types.PayloadRecord, error) {
	return m.list(func(r *types.PayloadRecord) bool {
		return r.ReadyForSubmission(now)
	})
}

// ListExpired returns PENDING records whose deadline has passed.
func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]*types.PayloadRecord, error) {
	return m.list(func(r *types.PayloadRecord) bool {
		return r.Status == types.StatusPending && r.Expired(now)
	})
}

// ListByStatus returns all records in the given status.
func (m *MemoryStore) ListByStatus(ctx context.Context, status types.PayloadStatus) ([]*types.PayloadRecord, error) {
	return m.list(func(r *types.PayloadRecord) bool {
		return r.Status == status
	})
}

func (m *MemoryStore) list(match func(*types.PayloadRecord) bool) ([]*types.PayloadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, storage.ErrClosed
	}

	result := make([]*types.PayloadRecord, 0)
	for _, record := range m.payloads {
		if match(record) {
			result = append(result, record.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return result, nil
}

// Stats aggregates counts across all records and sequences.
func (m *MemoryStore) Stats(ctx context.Context) (*types.StoreStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, storage.ErrClosed
	}

	stats := &types.StoreStats{
		CountsByStatus: make(map[types.PayloadStatus]int64),
		NoncesBySigner: make(map[string]uint64),
	}
	for _, record := range m.payloads {
		stats.CountsByStatus[record.Status]++
		stats.TotalAttempts += int64(record.Attempts)
	}
	for signerID, seq := range m.sequences {
		stats.NoncesBySigner[signerID] = seq.Nonce
	}

	return stats, nil
}

// CurrentNonce returns the signer's current value, 0 for unknown signers.
func (m *MemoryStore) CurrentNonce(ctx context.Context, signerID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, storage.ErrClosed
	}

	seq, exists := m.sequences[signerID]
	if !exists {
		return 0, nil
	}
	return seq.Nonce, nil
}

// AllocateNext atomically increments the signer's sequence and returns
// the pre-increment value. The store mutex serializes all allocations.
func (m *MemoryStore) AllocateNext(ctx context.Context, signerID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, storage.ErrClosed
	}

	seq, exists := m.sequences[signerID]
	if !exists {
		seq = &types.SequenceRecord{SignerID: signerID}
		m.sequences[signerID] = seq
	}

	current := seq.Nonce
	seq.Nonce = current + 1
	seq.LastUsedAt = time.Now().UTC()

	return current, nil
}

// SetNonce overwrites the signer's sequence value.
func (m *MemoryStore) SetNonce(ctx context.Context, signerID string, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return storage.ErrClosed
	}

	m.sequences[signerID] = &types.SequenceRecord{
		SignerID:   signerID,
		Nonce:      nonce,
		LastUsedAt: time.Now().UTC(),
	}
	return nil
}

// SweepInactive removes never-used sequence rows idle since before cutoff.
func (m *MemoryStore) SweepInactive(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, storage.ErrClosed
	}

	removed := 0
	for signerID, seq := range m.sequences {
		if seq.Nonce == 0 && seq.LastUsedAt.Before(cutoff) {
			delete(m.sequences, signerID)
			removed++
		}
	}
	return removed, nil
}

// HealthCheck verifies the store is operational.
func (m *MemoryStore) HealthCheck() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return storage.ErrClosed
	}
	return nil
}

// Close shuts down the store. Idempotent.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
