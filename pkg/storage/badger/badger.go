package badger

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Layr-Labs/payload-relay-go/pkg/storage"
	"github.com/Layr-Labs/payload-relay-go/pkg/types"
	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// Key prefixes for namespacing
const (
	keyPrefixPayload  = "payload:"
	keyPrefixHash     = "payloadhash:"
	keyPrefixNonceIdx = "payloadnonce:"
	keyPrefixSequence = "sequence:"
	keySchemaVersion  = "metadata:schema_version"
	currentSchema     = "v1"
)

// BadgerStore is a durable embedded implementation of IPayloadStore and
// ISequenceStore for single-node deployments. Badger transactions give
// atomicity; the store mutex serializes allocation and guarded updates,
// which is sufficient because exactly one process owns the data
// directory.
type BadgerStore struct {
	db     *badgerdb.DB
	logger *zap.Logger

	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

var (
	_ storage.IPayloadStore  = (*BadgerStore)(nil)
	_ storage.ISequenceStore = (*BadgerStore)(nil)
)

// NewBadgerStore opens the database at dataPath with SyncWrites enabled
// for durability and starts the background garbage collector.
func NewBadgerStore(dataPath string, logger *zap.Logger) (*BadgerStore, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", absPath, err)
	}

	bs := &BadgerStore{db: db, logger: logger}

	if err := bs.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bs.gcCancel = cancel
	bs.gcWg.Add(1)
	go bs.runGC(ctx)

	logger.Sugar().Infow("Badger store initialized", "path", absPath)
	return bs, nil
}

func (b *BadgerStore) initSchema() error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchema))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		var existing string
		if err := item.Value(func(val []byte) error {
			existing = string(val)
			return nil
		}); err != nil {
			return fmt.Errorf("failed to read schema version value: %w", err)
		}
		if existing != currentSchema {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existing, currentSchema)
		}
		return nil
	})
}

// runGC runs periodic value log garbage collection.
func (b *BadgerStore) runGC(ctx context.Context) {
	defer b.gcWg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && err != badgerdb.ErrNoRewrite {
				b.logger.Sugar().Warnw("Badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func payloadKey(id string) []byte {
	return []byte(keyPrefixPayload + id)
}

func hashKey(payloadHash string) []byte {
	return []byte(keyPrefixHash + payloadHash)
}

func nonceIdxKey(signerID string, nonce uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%d", keyPrefixNonceIdx, signerID, nonce))
}

func sequenceKey(signerID string) []byte {
	return []byte(keyPrefixSequence + signerID)
}

func keyExists(txn *badgerdb.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if err == badgerdb.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreatePayload persists a record and its two uniqueness index entries
// in one transaction.
func (b *BadgerStore) CreatePayload(ctx context.Context, record *types.PayloadRecord) error {
	if record == nil {
		return fmt.Errorf("cannot save nil PayloadRecord")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return storage.ErrClosed
	}

	data, err := storage.MarshalPayloadRecord(record)
	if err != nil {
		return fmt.Errorf("failed to marshal PayloadRecord: %w", err)
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		if exists, err := keyExists(txn, hashKey(record.PayloadHash)); err != nil {
			return err
		} else if exists {
			return storage.ErrDuplicatePayloadHash
		}
		if exists, err := keyExists(txn, nonceIdxKey(record.SignerID, record.Nonce)); err != nil {
			return err
		} else if exists {
			return storage.ErrDuplicateNonce
		}

		if err := txn.Set(payloadKey(record.ID), data); err != nil {
			return err
		}
		if err := txn.Set(hashKey(record.PayloadHash), []byte(record.ID)); err != nil {
			return err
		}
		return txn.Set(nonceIdxKey(record.SignerID, record.Nonce), []byte(record.ID))
	})
}

// GetPayload retrieves a record by id. Returns nil if not found.
func (b *BadgerStore) GetPayload(ctx context.Context, id string) (*types.PayloadRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, storage.ErrClosed
	}
	return b.getPayloadLocked(id)
}

func (b *BadgerStore) getPayloadLocked(id string) (*types.PayloadRecord, error) {
	var data []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(payloadKey(id))
		if err == badgerdb.ErrKeyNotFound {
			return nil // Not found is not an error
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load PayloadRecord: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return storage.UnmarshalPayloadRecord(data)
}

// UpdatePayload applies a guarded mutation. The store mutex serializes
// updaters; the badger transaction makes the write atomic.
func (b *BadgerStore) UpdatePayload(ctx context.Context, id string, expected types.PayloadStatus, apply func(*types.PayloadRecord) error) (*types.PayloadRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, storage.ErrClosed
	}

	record, err := b.getPayloadLocked(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	if record.Status != expected {
		return nil, storage.ErrStatusConflict
	}

	if err := apply(record); err != nil {
		return nil, err
	}
	record.UpdatedAt = time.Now().UTC()

	data, err := storage.MarshalPayloadRecord(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal PayloadRecord: %w", err)
	}
	if err := b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(payloadKey(id), data)
	}); err != nil {
		return nil, fmt.Errorf("failed to save PayloadRecord: %w", err)
	}
	return record, nil
}

// ListForSigner returns the signer's records, newest first.
func (b *BadgerStore) ListForSigner(ctx context.Context, signerID string) ([]*types.PayloadRecord, error) {
	return b.list(func(r *types.PayloadRecord) bool {
		return r.SignerID == signerID
	})
}

// ListReady returns records eligible for submission at the given instant.
func (b *BadgerStore) ListReady(ctx context.Context, now time.Time) ([]*types.PayloadRecord, error) {
	return b.list(func(r *types.PayloadRecord) bool {
		return r.ReadyForSubmission(now)
	})
}

// ListExpired returns PENDING records whose deadline has passed.
func (b *BadgerStore) ListExpired(ctx context.Context, now time.Time) ([]*types.PayloadRecord, error) {
	return b.list(func(r *types.PayloadRecord) bool {
		return r.Status == types.StatusPending && r.Expired(now)
	})
}

// ListByStatus returns all records in the given status.
func (b *BadgerStore) ListByStatus(ctx context.Context, status types.PayloadStatus) ([]*types.PayloadRecord, error) {
	return b.list(func(r *types.PayloadRecord) bool {
		return r.Status == status
	})
}

func (b *BadgerStore) list(match func(*types.PayloadRecord) bool) ([]*types.PayloadRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, storage.ErrClosed
	}

	result := make([]*types.PayloadRecord, 0)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixPayload)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var record *types.PayloadRecord
			err := it.Item().Value(func(val []byte) error {
				var err error
				record, err = storage.UnmarshalPayloadRecord(val)
				return err
			})
			if err != nil {
				b.logger.Sugar().Warnw("Failed to unmarshal PayloadRecord, skipping",
					"key", string(it.Item().Key()), "error", err)
				continue
			}
			if match(record) {
				result = append(result, record)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Stats aggregates counts across all records and sequences.
func (b *BadgerStore) Stats(ctx context.Context) (*types.StoreStats, error) {
	records, err := b.list(func(*types.PayloadRecord) bool { return true })
	if err != nil {
		return nil, err
	}

	stats := &types.StoreStats{
		CountsByStatus: make(map[types.PayloadStatus]int64),
		NoncesBySigner: make(map[string]uint64),
	}
	for _, record := range records {
		stats.CountsByStatus[record.Status]++
		stats.TotalAttempts += int64(record.Attempts)
	}

	sequences, err := b.listSequences()
	if err != nil {
		return nil, err
	}
	for _, seq := range sequences {
		stats.NoncesBySigner[seq.SignerID] = seq.Nonce
	}
	return stats, nil
}

// CurrentNonce returns the signer's current value, 0 for unknown signers.
func (b *BadgerStore) CurrentNonce(ctx context.Context, signerID string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, storage.ErrClosed
	}

	seq, err := b.getSequenceLocked(signerID)
	if err != nil {
		return 0, err
	}
	if seq == nil {
		return 0, nil
	}
	return seq.Nonce, nil
}

// AllocateNext atomically advances the signer's sequence. The store
// mutex is the lock; the badger transaction makes the write durable
// before the nonce is considered consumed.
func (b *BadgerStore) AllocateNext(ctx context.Context, signerID string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, storage.ErrClosed
	}

	seq, err := b.getSequenceLocked(signerID)
	if err != nil {
		return 0, err
	}
	if seq == nil {
		seq = &types.SequenceRecord{SignerID: signerID}
	}

	current := seq.Nonce
	seq.Nonce = current + 1
	seq.LastUsedAt = time.Now().UTC()

	if err := b.putSequenceLocked(seq); err != nil {
		return 0, err
	}
	return current, nil
}

// SetNonce overwrites the signer's sequence value.
func (b *BadgerStore) SetNonce(ctx context.Context, signerID string, nonce uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return storage.ErrClosed
	}

	return b.putSequenceLocked(&types.SequenceRecord{
		SignerID:   signerID,
		Nonce:      nonce,
		LastUsedAt: time.Now().UTC(),
	})
}

// SweepInactive removes never-used sequence rows idle since before cutoff.
func (b *BadgerStore) SweepInactive(ctx context.Context, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, storage.ErrClosed
	}

	sequences, err := b.listSequencesLocked()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, seq := range sequences {
		if seq.Nonce == 0 && seq.LastUsedAt.Before(cutoff) {
			if err := b.db.Update(func(txn *badgerdb.Txn) error {
				return txn.Delete(sequenceKey(seq.SignerID))
			}); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (b *BadgerStore) getSequenceLocked(signerID string) (*types.SequenceRecord, error) {
	var data []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(sequenceKey(signerID))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load SequenceRecord: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return storage.UnmarshalSequenceRecord(data)
}

func (b *BadgerStore) putSequenceLocked(seq *types.SequenceRecord) error {
	data, err := storage.MarshalSequenceRecord(seq)
	if err != nil {
		return fmt.Errorf("failed to marshal SequenceRecord: %w", err)
	}
	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(sequenceKey(seq.SignerID), data)
	})
}

func (b *BadgerStore) listSequences() ([]*types.SequenceRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, storage.ErrClosed
	}
	return b.listSequencesLocked()
}

func (b *BadgerStore) listSequencesLocked() ([]*types.SequenceRecord, error) {
	result := make([]*types.SequenceRecord, 0)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixSequence)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var seq *types.SequenceRecord
			err := it.Item().Value(func(val []byte) error {
				var err error
				seq, err = storage.UnmarshalSequenceRecord(val)
				return err
			})
			if err != nil {
				b.logger.Sugar().Warnw("Failed to unmarshal SequenceRecord, skipping",
					"key", string(it.Item().Key()), "error", err)
				continue
			}
			result = append(result, seq)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HealthCheck verifies the database is open and writable.
func (b *BadgerStore) HealthCheck() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return storage.ErrClosed
	}
	if b.db.IsClosed() {
		return fmt.Errorf("badger database is closed")
	}
	return nil
}

// Close stops the GC goroutine and shuts down the database. Idempotent.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.gcCancel()
	b.gcWg.Wait()

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}
	b.logger.Sugar().Info("Badger store closed")
	return nil
}
