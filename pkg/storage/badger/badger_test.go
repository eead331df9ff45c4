package badger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Layr-Labs/payload-relay-go/pkg/storage"
	"github.com/Layr-Labs/payload-relay-go/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSigner = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestRecord(id string, nonce uint64) *types.PayloadRecord {
	now := time.Now().UTC()
	return &types.PayloadRecord{
		ID:             id,
		PayloadType:    types.TypeOracleUpdate,
		SignerID:       testSigner,
		Nonce:          nonce,
		Body:           map[string]any{"round": fmt.Sprintf("%s/%d", id, nonce)},
		PayloadHash:    "0xhash-" + id,
		StructuredHash: "0xstructured-" + id,
		ExpiresAt:      now.Add(time.Minute),
		Status:         types.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func Test_PayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	record := newTestRecord("rec-1", 0)
	require.NoError(t, store.CreatePayload(ctx, record))

	loaded, err := store.GetPayload(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, record.PayloadHash, loaded.PayloadHash)
	assert.Equal(t, record.Nonce, loaded.Nonce)
	assert.Equal(t, "rec-1/0", loaded.Body["round"])

	missing, err := store.GetPayload(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func Test_UniquenessIndexes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreatePayload(ctx, newTestRecord("rec-1", 0)))

	dupHash := newTestRecord("rec-2", 1)
	dupHash.PayloadHash = "0xhash-rec-1"
	assert.ErrorIs(t, store.CreatePayload(ctx, dupHash), storage.ErrDuplicatePayloadHash)

	dupNonce := newTestRecord("rec-3", 0)
	assert.ErrorIs(t, store.CreatePayload(ctx, dupNonce), storage.ErrDuplicateNonce)
}

func Test_GuardedStatusTransition(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreatePayload(ctx, newTestRecord("rec-1", 0)))

	updated, err := store.UpdatePayload(ctx, "rec-1", types.StatusPending, func(r *types.PayloadRecord) error {
		r.Status = types.StatusSubmitted
		r.TxRef = "0xtx"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, updated.Status)

	_, err = store.UpdatePayload(ctx, "rec-1", types.StatusPending, func(r *types.PayloadRecord) error {
		r.Status = types.StatusFailed
		return nil
	})
	assert.ErrorIs(t, err, storage.ErrStatusConflict)
}

func Test_NonceAllocation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for want := uint64(0); want < 3; want++ {
		nonce, err := store.AllocateNext(ctx, testSigner)
		require.NoError(t, err)
		assert.Equal(t, want, nonce)
	}

	current, err := store.CurrentNonce(ctx, testSigner)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), current)

	require.NoError(t, store.SetNonce(ctx, testSigner, 10))
	nonce, err := store.AllocateNext(ctx, testSigner)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), nonce)
}

func Test_ListingsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewBadgerStore(dir, zap.NewNop())
	require.NoError(t, err)

	signed := newTestRecord("signed", 0)
	signed.Signature = []byte{0x01}
	require.NoError(t, store.CreatePayload(ctx, signed))
	require.NoError(t, store.CreatePayload(ctx, newTestRecord("unsigned", 1)))
	require.NoError(t, store.Close())

	reopened, err := NewBadgerStore(dir, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	ready, err := reopened.ListReady(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "signed", ready[0].ID)

	all, err := reopened.ListForSigner(ctx, testSigner)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
