package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/Layr-Labs/payload-relay-go/pkg/config"
	"github.com/Layr-Labs/payload-relay-go/pkg/sequencer"
	"github.com/Layr-Labs/payload-relay-go/pkg/signer"
	"github.com/Layr-Labs/payload-relay-go/pkg/storage/memory"
	"github.com/Layr-Labs/payload-relay-go/pkg/submitter"
	"github.com/Layr-Labs/payload-relay-go/pkg/testutil"
	"github.com/Layr-Labs/payload-relay-go/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHarness struct {
	coordinator *Coordinator
	store       *memory.MemoryStore
	submitter   *submitter.LedgerSubmitter
	client      *testutil.MockLedgerClient
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	cfg := testutil.NewTestConfig()
	store := memory.NewMemoryStore()
	client := &testutil.MockLedgerClient{}
	logger := testutil.NewTestLogger()

	ledgerSubmitter, err := submitter.NewLedgerSubmitter(cfg, client, store, logger)
	require.NoError(t, err)

	allocator := sequencer.NewSequenceAllocator(store, nil, logger)
	structuredSigner := signer.NewStructuredSigner(config.DomainName, config.DomainVersion, uint64(cfg.ChainID), cfg.VerifyingContract)

	return &testHarness{
		coordinator: NewCoordinator(store, allocator, structuredSigner, ledgerSubmitter, cfg, logger),
		store:       store,
		submitter:   ledgerSubmitter,
		client:      client,
	}
}

func testBody(price string) map[string]any {
	return map[string]any{"pair": "ETH/USD", "price": price}
}

func Test_CreatePayload(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	record, err := h.coordinator.CreatePayload(ctx, testutil.AnvilAddress1, types.TypePriceFeed, testBody("2500.12"), 0)
	require.NoError(t, err)

	assert.NotEmpty(t, record.ID)
	assert.Equal(t, types.StatusPending, record.Status)
	assert.Equal(t, uint64(0), record.Nonce)
	assert.Equal(t, testutil.AnvilAddress1, record.SignerID)
	assert.NotEmpty(t, record.PayloadHash)
	assert.NotEmpty(t, record.StructuredHash)
	assert.False(t, record.Signed())
	assert.True(t, record.ExpiresAt.After(time.Now()))

	t.Run("NoncesAreSequential", func(t *testing.T) {
		second, err := h.coordinator.CreatePayload(ctx, testutil.AnvilAddress1, types.TypePriceFeed, testBody("2501"), 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), second.Nonce)
	})

	t.Run("SignerIsCaseFolded", func(t *testing.T) {
		third, err := h.coordinator.CreatePayload(ctx, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", types.TypePriceFeed, testBody("2502"), 0)
		require.NoError(t, err)
		assert.Equal(t, testutil.AnvilAddress1, third.SignerID)
		assert.Equal(t, uint64(2), third.Nonce)
	})
}

func Test_CreatePayloadValidation(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	cases := []struct {
		name   string
		signer string
		ptype  types.PayloadType
		body   map[string]any
	}{
		{"UnknownType", testutil.AnvilAddress1, "governance_vote", testBody("1")},
		{"EmptyBody", testutil.AnvilAddress1, types.TypePriceFeed, nil},
		{"BadSignerAddress", "not-an-address", types.TypePriceFeed, testBody("1")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.coordinator.CreatePayload(ctx, tc.signer, tc.ptype, tc.body, 0)
			assert.Equal(t, types.CodeValidation, types.CodeOf(err))
		})
	}

	t.Run("DuplicateCanonicalBody", func(t *testing.T) {
		_, err := h.coordinator.CreatePayload(ctx, testutil.AnvilAddress1, types.TypePriceFeed, testBody("9000"), 0)
		require.NoError(t, err)

		// Same content, different key order: same canonical hash.
		_, err = h.coordinator.CreatePayload(ctx, testutil.AnvilAddress1, types.TypePriceFeed,
			map[string]any{"price": "9000", "pair": "ETH/USD"}, 0)
		assert.Equal(t, types.CodeConflict, types.CodeOf(err))
	})
}

func Test_SignPayload(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	record, err := h.coordinator.CreatePayload(ctx, testutil.AnvilAddress1, types.TypePriceFeed, testBody("2500"), 0)
	require.NoError(t, err)

	t.Run("KeyMismatch", func(t *testing.T) {
		_, err := h.coordinator.SignPayload(ctx, record.ID, testutil.AnvilKey2)
		assert.Equal(t, types.CodeSignature, types.CodeOf(err))

		loaded, err := h.coordinator.GetPayload(ctx, record.ID)
		require.NoError(t, err)
		assert.False(t, loaded.Signed(), "failed signing must leave the record unsigned")
	})

	t.Run("Success", func(t *testing.T) {
		signed, err := h.coordinator.SignPayload(ctx, record.ID, testutil.AnvilKey1)
		require.NoError(t, err)
		assert.True(t, signed.Signed())
		assert.Len(t, signed.Signature, 65)

		valid, err := h.coordinator.VerifySignature(ctx, record.ID, testutil.AnvilAddress1)
		require.NoError(t, err)
		assert.True(t, valid)

		valid, err = h.coordinator.VerifySignature(ctx, record.ID, testutil.AnvilAddress2)
		require.NoError(t, err)
		assert.False(t, valid)
	})

	t.Run("DoubleSignRejected", func(t *testing.T) {
		_, err := h.coordinator.SignPayload(ctx, record.ID, testutil.AnvilKey1)
		assert.Equal(t, types.CodeConflict, types.CodeOf(err))
	})

	t.Run("UnknownRecord", func(t *testing.T) {
		_, err := h.coordinator.SignPayload(ctx, "nope", testutil.AnvilKey1)
		assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
	})
}

func Test_SignExpiredPayload(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	record, err := h.coordinator.CreatePayload(ctx, testutil.AnvilAddress1, types.TypePriceFeed, testBody("2500"), 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(25 * time.Millisecond)

	_, err = h.coordinator.SignPayload(ctx, record.ID, testutil.AnvilKey1)
	assert.Equal(t, types.CodeExpired, types.CodeOf(err))

	// The expired record is failed in passing, not left dangling.
	loaded, err := h.coordinator.GetPayload(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, loaded.Status)
	assert.Equal(t, "expired", loaded.LastError)
}

func Test_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	record, err := h.coordinator.CreatePayload(ctx, testutil.AnvilAddress1, types.TypeOracleUpdate,
		map[string]any{"round": float64(42), "value": "1234.5"}, 0)
	require.NoError(t, err)

	_, err = h.coordinator.SignPayload(ctx, record.ID, testutil.AnvilKey1)
	require.NoError(t, err)

	txRef, submitted, err := h.coordinator.SubmitPayload(ctx, record.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, txRef)
	// The fast-polling monitor may confirm before we re-read.
	assert.Contains(t, []types.PayloadStatus{types.StatusSubmitted, types.StatusConfirmed}, submitted.Status)
	assert.Equal(t, 1, submitted.Attempts)

	// The monitor drives SUBMITTED -> CONFIRMED in the background.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		loaded, err := h.coordinator.GetPayload(ctx, record.ID)
		require.NoError(t, err)
		if loaded.Status == types.StatusConfirmed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.submitter.WaitForMonitors()

	confirmed, err := h.coordinator.GetPayload(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, confirmed.Status)
	assert.NotZero(t, confirmed.BlockRef)

	// The persisted signature still verifies after confirmation.
	valid, err := h.coordinator.VerifySignature(ctx, record.ID, testutil.AnvilAddress1)
	require.NoError(t, err)
	assert.True(t, valid)
}

func Test_SubmitUnsignedRejected(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	record, err := h.coordinator.CreatePayload(ctx, testutil.AnvilAddress1, types.TypePriceFeed, testBody("2500"), 0)
	require.NoError(t, err)

	_, _, err = h.coordinator.SubmitPayload(ctx, record.ID)
	assert.Equal(t, types.CodeConflict, types.CodeOf(err))
	assert.Equal(t, 0, h.client.SendCalls)
}

func Test_ListPendingFiltersReadiness(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	ready, err := h.coordinator.CreatePayload(ctx, testutil.AnvilAddress1, types.TypePriceFeed, testBody("1"), 0)
	require.NoError(t, err)
	_, err = h.coordinator.SignPayload(ctx, ready.ID, testutil.AnvilKey1)
	require.NoError(t, err)

	// Unsigned record: excluded.
	_, err = h.coordinator.CreatePayload(ctx, testutil.AnvilAddress1, types.TypePriceFeed, testBody("2"), 0)
	require.NoError(t, err)

	// Signed but expired: excluded even before the sweep runs.
	expiring, err := h.coordinator.CreatePayload(ctx, testutil.AnvilAddress1, types.TypePriceFeed, testBody("3"), 20*time.Millisecond)
	require.NoError(t, err)
	_, err = h.coordinator.SignPayload(ctx, expiring.ID, testutil.AnvilKey1)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	pending, err := h.coordinator.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ready.ID, pending[0].ID)
}

func Test_SweepExpired(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	expiring, err := h.coordinator.CreatePayload(ctx, testutil.AnvilAddress1, types.TypePriceFeed, testBody("1"), 10*time.Millisecond)
	require.NoError(t, err)

	alive, err := h.coordinator.CreatePayload(ctx, testutil.AnvilAddress1, types.TypePriceFeed, testBody("2"), time.Hour)
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	swept, err := h.coordinator.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	failed, err := h.coordinator.GetPayload(ctx, expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, failed.Status)
	assert.Equal(t, "expired", failed.LastError)

	untouched, err := h.coordinator.GetPayload(ctx, alive.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, untouched.Status)

	t.Run("Idempotent", func(t *testing.T) {
		swept, err := h.coordinator.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, swept)
	})
}

func Test_StatsAndNonce(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	_, err := h.coordinator.CreatePayload(ctx, testutil.AnvilAddress1, types.TypePriceFeed, testBody("1"), 0)
	require.NoError(t, err)
	_, err = h.coordinator.CreatePayload(ctx, testutil.AnvilAddress1, types.TypePriceFeed, testBody("2"), 0)
	require.NoError(t, err)

	nonce, err := h.coordinator.CurrentNonce(ctx, testutil.AnvilAddress1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), nonce)

	stats, err := h.coordinator.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.CountsByStatus[types.StatusPending])
	assert.Equal(t, uint64(2), stats.NoncesBySigner[testutil.AnvilAddress1])
}

func Test_VerifySignatureUnsigned(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	record, err := h.coordinator.CreatePayload(ctx, testutil.AnvilAddress1, types.TypePriceFeed, testBody("1"), 0)
	require.NoError(t, err)

	valid, err := h.coordinator.VerifySignature(ctx, record.ID, testutil.AnvilAddress1)
	require.NoError(t, err)
	assert.False(t, valid, "unsigned records verify as false, not as an error")
}
