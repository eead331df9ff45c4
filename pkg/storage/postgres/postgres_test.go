package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/Layr-Labs/payload-relay-go/pkg/storage"
	"github.com/Layr-Labs/payload-relay-go/pkg/types"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSigner = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreWithDB(db, zap.NewNop()), mock
}

func payloadRows(record *types.PayloadRecord) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "payload_type", "signer_id", "nonce", "body", "payload_hash", "structured_hash",
		"signature", "expires_at", "status", "tx_ref", "block_ref", "attempts", "last_error",
		"created_at", "updated_at", "submitted_at", "confirmed_at",
	}).AddRow(
		record.ID, record.PayloadType.String(), record.SignerID, int64(record.Nonce),
		[]byte(`{"pair":"ETH/USD"}`), record.PayloadHash, record.StructuredHash,
		record.Signature, record.ExpiresAt, record.Status.String(),
		nil, int64(record.BlockRef), record.Attempts, nil,
		record.CreatedAt, record.UpdatedAt, nil, nil,
	)
}

func newTestRecord() *types.PayloadRecord {
	now := time.Now().UTC()
	return &types.PayloadRecord{
		ID:             "rec-1",
		PayloadType:    types.TypePriceFeed,
		SignerID:       testSigner,
		Nonce:          3,
		Body:           map[string]any{"pair": "ETH/USD"},
		PayloadHash:    "0xhash",
		StructuredHash: "0xstructured",
		ExpiresAt:      now.Add(time.Minute),
		Status:         types.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func Test_CreatePayload(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO payloads").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.CreatePayload(ctx, newTestRecord()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DuplicateHashConstraint", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO payloads").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "payloads_payload_hash_key"})

		err := store.CreatePayload(ctx, newTestRecord())
		assert.ErrorIs(t, err, storage.ErrDuplicatePayloadHash)
	})

	t.Run("DuplicateNonceConstraint", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO payloads").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "payloads_signer_nonce_key"})

		err := store.CreatePayload(ctx, newTestRecord())
		assert.ErrorIs(t, err, storage.ErrDuplicateNonce)
	})

	t.Run("OtherErrorsPassThrough", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO payloads").
			WillReturnError(assert.AnError)

		err := store.CreatePayload(ctx, newTestRecord())
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func Test_GetPayload(t *testing.T) {
	ctx := context.Background()

	t.Run("Found", func(t *testing.T) {
		store, mock := newMockStore(t)
		record := newTestRecord()
		mock.ExpectQuery("SELECT (.+) FROM payloads WHERE id").
			WithArgs("rec-1").
			WillReturnRows(payloadRows(record))

		loaded, err := store.GetPayload(ctx, "rec-1")
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, record.ID, loaded.ID)
		assert.Equal(t, record.Nonce, loaded.Nonce)
		assert.Equal(t, "ETH/USD", loaded.Body["pair"])
		assert.Equal(t, types.StatusPending, loaded.Status)
	})

	t.Run("NotFoundIsNil", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT (.+) FROM payloads WHERE id").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		loaded, err := store.GetPayload(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})
}

func Test_UpdatePayloadGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("StatusConflictRollsBack", func(t *testing.T) {
		store, mock := newMockStore(t)
		record := newTestRecord()
		record.Status = types.StatusSubmitted

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM payloads WHERE id (.+) FOR UPDATE").
			WithArgs("rec-1").
			WillReturnRows(payloadRows(record))
		mock.ExpectRollback()

		_, err := store.UpdatePayload(ctx, "rec-1", types.StatusPending, func(r *types.PayloadRecord) error {
			r.Status = types.StatusFailed
			return nil
		})
		assert.ErrorIs(t, err, storage.ErrStatusConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("SuccessCommits", func(t *testing.T) {
		store, mock := newMockStore(t)
		record := newTestRecord()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM payloads WHERE id (.+) FOR UPDATE").
			WithArgs("rec-1").
			WillReturnRows(payloadRows(record))
		mock.ExpectExec("UPDATE payloads").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		updated, err := store.UpdatePayload(ctx, "rec-1", types.StatusPending, func(r *types.PayloadRecord) error {
			r.Status = types.StatusSubmitted
			r.TxRef = "0xtx"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, types.StatusSubmitted, updated.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func Test_AllocateNextTransaction(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sequences").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT nonce FROM sequences (.+) FOR UPDATE").
		WithArgs(testSigner).
		WillReturnRows(sqlmock.NewRows([]string{"nonce"}).AddRow(int64(5)))
	mock.ExpectExec("UPDATE sequences SET nonce").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	nonce, err := store.AllocateNext(ctx, testSigner)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), nonce, "returns the pre-increment value")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_AllocateNextAbortsWithoutConsuming(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sequences").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT nonce FROM sequences (.+) FOR UPDATE").
		WithArgs(testSigner).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := store.AllocateNext(ctx, testSigner)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_CurrentNonceUnknownSigner(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT nonce FROM sequences").
		WithArgs(testSigner).
		WillReturnError(sql.ErrNoRows)

	nonce, err := store.CurrentNonce(ctx, testSigner)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonce)
}

func Test_SweepInactiveCountsRows(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM sequences WHERE nonce = 0").
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := store.SweepInactive(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
}
