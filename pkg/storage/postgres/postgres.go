package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Layr-Labs/payload-relay-go/pkg/storage"
	"github.com/Layr-Labs/payload-relay-go/pkg/types"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresStore is the production implementation of IPayloadStore and
// ISequenceStore. Nonce allocation and guarded status transitions take a
// row-level pessimistic lock (SELECT ... FOR UPDATE) for the duration of
// a single transaction, so correctness holds across multiple deployed
// instances sharing one database.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

var (
	_ storage.IPayloadStore  = (*PostgresStore)(nil)
	_ storage.ISequenceStore = (*PostgresStore)(nil)
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS payloads (
	id TEXT PRIMARY KEY,
	payload_type TEXT NOT NULL,
	signer_id TEXT NOT NULL,
	nonce BIGINT NOT NULL,
	body JSONB NOT NULL,
	payload_hash TEXT NOT NULL,
	structured_hash TEXT NOT NULL,
	signature BYTEA,
	expires_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	tx_ref TEXT,
	block_ref BIGINT,
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	submitted_at TIMESTAMPTZ,
	confirmed_at TIMESTAMPTZ,
	CONSTRAINT payloads_payload_hash_key UNIQUE (payload_hash),
	CONSTRAINT payloads_signer_nonce_key UNIQUE (signer_id, nonce)
);

CREATE INDEX IF NOT EXISTS payloads_signer_idx ON payloads (signer_id, created_at DESC);
CREATE INDEX IF NOT EXISTS payloads_status_idx ON payloads (status, expires_at);

CREATE TABLE IF NOT EXISTS sequences (
	signer_id TEXT PRIMARY KEY,
	nonce BIGINT NOT NULL DEFAULT 0,
	last_used_at TIMESTAMPTZ NOT NULL
);
`

const payloadColumns = `id, payload_type, signer_id, nonce, body, payload_hash, structured_hash,
	signature, expires_at, status, tx_ref, block_ref, attempts, last_error,
	created_at, updated_at, submitted_at, confirmed_at`

// NewPostgresStore connects to Postgres and ensures the schema exists.
func NewPostgresStore(dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN cannot be empty")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	ps := &PostgresStore{db: db, logger: logger}
	if err := ps.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Sugar().Infow("Postgres store initialized")
	return ps, nil
}

// NewPostgresStoreWithDB wraps an existing connection. The schema is not
// created; used by tests driving a mocked *sql.DB.
func NewPostgresStoreWithDB(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (p *PostgresStore) initSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

// mapConstraintError translates pq unique-violation errors into the
// storage sentinels by constraint name.
func mapConstraintError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		switch pqErr.Constraint {
		case "payloads_payload_hash_key":
			return storage.ErrDuplicatePayloadHash
		case "payloads_signer_nonce_key":
			return storage.ErrDuplicateNonce
		}
	}
	return err
}

// CreatePayload persists a new record. Uniqueness of payload_hash and
// (signer_id, nonce) is enforced by the table constraints.
func (p *PostgresStore) CreatePayload(ctx context.Context, record *types.PayloadRecord) error {
	if record == nil {
		return fmt.Errorf("cannot save nil PayloadRecord")
	}

	bodyJSON, err := json.Marshal(record.Body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}

	query := `
		INSERT INTO payloads (` + payloadColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = p.db.ExecContext(ctx, query,
		record.ID, record.PayloadType.String(), record.SignerID, int64(record.Nonce),
		bodyJSON, record.PayloadHash, record.StructuredHash,
		record.Signature, record.ExpiresAt, record.Status.String(),
		nullString(record.TxRef), int64(record.BlockRef), record.Attempts, nullString(record.LastError),
		record.CreatedAt, record.UpdatedAt, record.SubmittedAt, record.ConfirmedAt,
	)
	if err != nil {
		return mapConstraintError(err)
	}
	return nil
}

// GetPayload retrieves a record by id. Returns nil if not found.
func (p *PostgresStore) GetPayload(ctx context.Context, id string) (*types.PayloadRecord, error) {
	query := `SELECT ` + payloadColumns + ` FROM payloads WHERE id = $1`
	record, err := scanPayload(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found is not an error
	}
	return record, err
}

// UpdatePayload reads the record under FOR UPDATE, checks the expected
// status, applies the mutation and writes back, all in one transaction.
func (p *PostgresStore) UpdatePayload(ctx context.Context, id string, expected types.PayloadStatus, apply func(*types.PayloadRecord) error) (*types.PayloadRecord, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // No-op once committed

	query := `SELECT ` + payloadColumns + ` FROM payloads WHERE id = $1 FOR UPDATE`
	record, err := scanPayload(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if record.Status != expected {
		return nil, storage.ErrStatusConflict
	}

	if err := apply(record); err != nil {
		return nil, err
	}
	record.UpdatedAt = time.Now().UTC()

	update := `
		UPDATE payloads
		SET signature = $1, status = $2, tx_ref = $3, block_ref = $4, attempts = $5,
			last_error = $6, updated_at = $7, submitted_at = $8, confirmed_at = $9
		WHERE id = $10
	`
	if _, err := tx.ExecContext(ctx, update,
		record.Signature, record.Status.String(), nullString(record.TxRef), int64(record.BlockRef),
		record.Attempts, nullString(record.LastError), record.UpdatedAt,
		record.SubmittedAt, record.ConfirmedAt, id,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return record, nil
}

// ListForSigner returns the signer's records, newest first.
func (p *PostgresStore) ListForSigner(ctx context.Context, signerID string) ([]*types.PayloadRecord, error) {
	query := `SELECT ` + payloadColumns + ` FROM payloads WHERE signer_id = $1 ORDER BY created_at DESC`
	return p.queryPayloads(ctx, query, signerID)
}

// ListReady returns records eligible for submission right now.
func (p *PostgresStore) ListReady(ctx context.Context, now time.Time) ([]*types.PayloadRecord, error) {
	query := `SELECT ` + payloadColumns + ` FROM payloads
		WHERE status = 'PENDING' AND signature IS NOT NULL AND expires_at > $1
		ORDER BY created_at DESC`
	return p.queryPayloads(ctx, query, now)
}

// ListExpired returns PENDING records past their deadline.
func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]*types.PayloadRecord, error) {
	query := `SELECT ` + payloadColumns + ` FROM payloads
		WHERE status = 'PENDING' AND expires_at <= $1
		ORDER BY created_at DESC`
	return p.queryPayloads(ctx, query, now)
}

// ListByStatus returns all records in the given status.
func (p *PostgresStore) ListByStatus(ctx context.Context, status types.PayloadStatus) ([]*types.PayloadRecord, error) {
	query := `SELECT ` + payloadColumns + ` FROM payloads WHERE status = $1 ORDER BY created_at DESC`
	return p.queryPayloads(ctx, query, status.String())
}

func (p *PostgresStore) queryPayloads(ctx context.Context, query string, args ...any) ([]*types.PayloadRecord, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*types.PayloadRecord, 0)
	for rows.Next() {
		record, err := scanPayload(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Stats aggregates status counts, attempt totals and per-signer nonces.
func (p *PostgresStore) Stats(ctx context.Context) (*types.StoreStats, error) {
	stats := &types.StoreStats{
		CountsByStatus: make(map[types.PayloadStatus]int64),
		NoncesBySigner: make(map[string]uint64),
	}

	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*), COALESCE(SUM(attempts), 0) FROM payloads GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var count, attempts int64
		if err := rows.Scan(&status, &count, &attempts); err != nil {
			return nil, err
		}
		stats.CountsByStatus[types.PayloadStatus(status)] = count
		stats.TotalAttempts += attempts
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	seqRows, err := p.db.QueryContext(ctx, `SELECT signer_id, nonce FROM sequences`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = seqRows.Close() }()
	for seqRows.Next() {
		var signerID string
		var nonce int64
		if err := seqRows.Scan(&signerID, &nonce); err != nil {
			return nil, err
		}
		stats.NoncesBySigner[signerID] = uint64(nonce)
	}
	return stats, seqRows.Err()
}

// CurrentNonce returns the signer's current value, 0 for unknown signers.
func (p *PostgresStore) CurrentNonce(ctx context.Context, signerID string) (uint64, error) {
	var nonce int64
	err := p.db.QueryRowContext(ctx, `SELECT nonce FROM sequences WHERE signer_id = $1`, signerID).Scan(&nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read current nonce: %w", err)
	}
	return uint64(nonce), nil
}

// AllocateNext performs the locked read-modify-write that makes nonce
// allocation race-free across instances: insert the row if missing,
// lock it, persist current+1, return the pre-increment value. No nonce
// is consumed unless the transaction commits.
func (p *PostgresStore) AllocateNext(ctx context.Context, signerID string) (uint64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sequences (signer_id, nonce, last_used_at) VALUES ($1, 0, $2) ON CONFLICT (signer_id) DO NOTHING`,
		signerID, now,
	); err != nil {
		return 0, fmt.Errorf("failed to ensure sequence row: %w", err)
	}

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT nonce FROM sequences WHERE signer_id = $1 FOR UPDATE`,
		signerID,
	).Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to lock sequence row: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sequences SET nonce = $1, last_used_at = $2 WHERE signer_id = $3`,
		current+1, now, signerID,
	); err != nil {
		return 0, fmt.Errorf("failed to advance nonce: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit allocation: %w", err)
	}
	return uint64(current), nil
}

// SetNonce overwrites the signer's sequence value.
func (p *PostgresStore) SetNonce(ctx context.Context, signerID string, nonce uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sequences (signer_id, nonce, last_used_at) VALUES ($1, $2, $3)
		ON CONFLICT (signer_id) DO UPDATE SET nonce = $2, last_used_at = $3
	`, signerID, int64(nonce), time.Now().UTC())
	return err
}

// SweepInactive removes never-used sequence rows idle since before cutoff.
func (p *PostgresStore) SweepInactive(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM sequences WHERE nonce = 0 AND last_used_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(affected), nil
}

// HealthCheck pings the database.
func (p *PostgresStore) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayload(row rowScanner) (*types.PayloadRecord, error) {
	var (
		record              types.PayloadRecord
		payloadType, status string
		nonce, blockRef     int64
		bodyJSON            []byte
		txRef, lastError    sql.NullString
		submittedAt         sql.NullTime
		confirmedAt         sql.NullTime
	)

	err := row.Scan(
		&record.ID, &payloadType, &record.SignerID, &nonce, &bodyJSON,
		&record.PayloadHash, &record.StructuredHash, &record.Signature,
		&record.ExpiresAt, &status, &txRef, &blockRef, &record.Attempts,
		&lastError, &record.CreatedAt, &record.UpdatedAt, &submittedAt, &confirmedAt,
	)
	if err != nil {
		return nil, err
	}

	record.PayloadType = types.PayloadType(payloadType)
	record.Status = types.PayloadStatus(status)
	record.Nonce = uint64(nonce)
	record.BlockRef = uint64(blockRef)
	record.TxRef = txRef.String
	record.LastError = lastError.String
	if submittedAt.Valid {
		t := submittedAt.Time
		record.SubmittedAt = &t
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		record.ConfirmedAt = &t
	}
	if len(bodyJSON) > 0 {
		if err := json.Unmarshal(bodyJSON, &record.Body); err != nil {
			return nil, fmt.Errorf("corrupt payload body: %w", err)
		}
	}
	return &record, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
