// Package coordinator owns the payload lifecycle: creation binds a body
// to a nonce and its hashes, signing attaches the off-chain signature,
// submission hands the record to the ledger submitter, and the expiry
// sweep fails overdue records. The coordinator is the only writer of
// payload status transitions.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/Layr-Labs/payload-relay-go/pkg/config"
	"github.com/Layr-Labs/payload-relay-go/pkg/sequencer"
	"github.com/Layr-Labs/payload-relay-go/pkg/signer"
	"github.com/Layr-Labs/payload-relay-go/pkg/storage"
	"github.com/Layr-Labs/payload-relay-go/pkg/submitter"
	"github.com/Layr-Labs/payload-relay-go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Coordinator composes the sequence allocator, structured signer,
// ledger submitter and payload store into the lifecycle operations the
// HTTP layer exposes.
type Coordinator struct {
	store     storage.IPayloadStore
	allocator sequencer.ISequenceAllocator
	signer    signer.IStructuredSigner
	submitter submitter.ILedgerSubmitter
	cfg       *config.RelayConfig
	logger    *zap.Logger
}

func NewCoordinator(
	store storage.IPayloadStore,
	allocator sequencer.ISequenceAllocator,
	structuredSigner signer.IStructuredSigner,
	ledgerSubmitter submitter.ILedgerSubmitter,
	cfg *config.RelayConfig,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		store:     store,
		allocator: allocator,
		signer:    structuredSigner,
		submitter: ledgerSubmitter,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreatePayload allocates the signer's next nonce, computes both
// hashes, and persists the record as PENDING. expiresIn of zero uses
// the configured default TTL.
func (c *Coordinator) CreatePayload(ctx context.Context, signerID string, payloadType types.PayloadType, body map[string]any, expiresIn time.Duration) (*types.PayloadRecord, error) {
	if !payloadType.Valid() {
		return nil, types.ValidationError("unknown payload type %q", payloadType)
	}
	if len(body) == 0 {
		return nil, types.ValidationError("payload body cannot be empty")
	}
	if !common.IsHexAddress(signerID) {
		return nil, types.ValidationError("signer id %q is not a valid address", signerID)
	}
	if expiresIn < 0 {
		return nil, types.ValidationError("expiry duration cannot be negative")
	}
	if expiresIn == 0 {
		expiresIn = c.cfg.ExpiryTTL
	}

	signerID = types.NormalizeSignerID(signerID)

	payloadHash, err := c.signer.HashPayload(body)
	if err != nil {
		return nil, types.ValidationError("cannot hash payload body: %v", err)
	}

	nonce, err := c.allocator.AllocateNext(ctx, signerID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)

	envelope, err := c.signer.BuildEnvelope(payloadType, payloadHash, nonce, expiresAt.Unix(), body)
	if err != nil {
		return nil, types.ValidationError("cannot build signing envelope: %v", err)
	}
	structuredHash, err := c.signer.StructuredHash(envelope)
	if err != nil {
		return nil, types.ValidationError("cannot compute structured hash: %v", err)
	}

	record := &types.PayloadRecord{
		ID:             uuid.New().String(),
		PayloadType:    payloadType,
		SignerID:       signerID,
		Nonce:          nonce,
		Body:           body,
		PayloadHash:    payloadHash,
		StructuredHash: signer.StructuredHashHex(structuredHash),
		ExpiresAt:      expiresAt,
		Status:         types.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := c.store.CreatePayload(ctx, record); err != nil {
		switch {
		case errors.Is(err, storage.ErrDuplicatePayloadHash):
			return nil, types.ConflictError("payload with identical canonical body already exists").WithRecord(record.ID)
		case errors.Is(err, storage.ErrDuplicateNonce):
			return nil, types.ConflictError("nonce %d already used for signer %s", nonce, signerID).WithRecord(record.ID)
		default:
			return nil, types.StoreError(err, "failed to persist payload").WithRecord(record.ID)
		}
	}

	c.logger.Sugar().Infow("Payload created",
		"record", record.ID, "signer", signerID, "type", payloadType, "nonce", nonce)
	return record, nil
}

// SignPayload attaches the off-chain signature. The private key is a
// value supplied for this call only; it is checked against the record's
// signer and then discarded.
func (c *Coordinator) SignPayload(ctx context.Context, id string, privateKeyHex string) (*types.PayloadRecord, error) {
	record, err := c.getRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	if record.Signed() {
		return nil, types.ConflictError("record is already signed").WithRecord(id)
	}
	if record.Status != types.StatusPending {
		return nil, types.ConflictError("record is %s, only PENDING records can be signed", record.Status).WithRecord(id)
	}
	if record.Expired(time.Now().UTC()) {
		c.expireRecord(ctx, id)
		return nil, types.ExpiryError("record expired at %s", record.ExpiresAt.Format(time.RFC3339)).WithRecord(id)
	}

	keyAddress, err := signer.AddressOf(privateKeyHex)
	if err != nil {
		return nil, err
	}
	if keyAddress != record.SignerID {
		return nil, types.SignatureError(nil, "key address %s does not match record signer %s", keyAddress, record.SignerID).WithRecord(id)
	}

	envelope, err := c.envelopeFor(record)
	if err != nil {
		return nil, err
	}

	signature, _, err := c.signer.Sign(privateKeyHex, envelope)
	if err != nil {
		return nil, err
	}

	updated, err := c.store.UpdatePayload(ctx, id, types.StatusPending, func(r *types.PayloadRecord) error {
		if r.Signed() {
			return types.ConflictError("record is already signed").WithRecord(id)
		}
		r.Signature = signature
		return nil
	})
	if err != nil {
		return nil, c.mapUpdateError(err, id)
	}
	if updated == nil {
		return nil, types.NotFoundError("payload %s not found", id)
	}

	c.logger.Sugar().Infow("Payload signed", "record", id, "signer", record.SignerID)
	return updated, nil
}

// SubmitPayload hands a ready record to the ledger submitter and
// returns the txRef with the updated record.
func (c *Coordinator) SubmitPayload(ctx context.Context, id string) (string, *types.PayloadRecord, error) {
	record, err := c.getRecord(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if record.Status == types.StatusPending && record.Expired(time.Now().UTC()) {
		c.expireRecord(ctx, id)
		return "", nil, types.ExpiryError("record expired at %s", record.ExpiresAt.Format(time.RFC3339)).WithRecord(id)
	}

	txRef, err := c.submitter.Submit(ctx, record)
	if err != nil {
		return "", nil, err
	}

	updated, err := c.getRecord(ctx, id)
	if err != nil {
		return txRef, nil, err
	}
	return txRef, updated, nil
}

// RetrySubmission re-submits a record whose previous attempt failed.
// The identical signed content is reused; the nonce is never
// re-allocated.
func (c *Coordinator) RetrySubmission(ctx context.Context, id string) (string, *types.PayloadRecord, error) {
	record, err := c.getRecord(ctx, id)
	if err != nil {
		return "", nil, err
	}

	txRef, err := c.submitter.Retry(ctx, record)
	if err != nil {
		return "", nil, err
	}

	updated, err := c.getRecord(ctx, id)
	if err != nil {
		return txRef, nil, err
	}
	return txRef, updated, nil
}

// VerifySignature checks the persisted signature against an expected
// signer, reconstructing the envelope from persisted fields only
// (nonce and expiry are never re-derived from current time).
func (c *Coordinator) VerifySignature(ctx context.Context, id string, expectedSigner string) (bool, error) {
	record, err := c.getRecord(ctx, id)
	if err != nil {
		return false, err
	}
	if !record.Signed() {
		return false, nil
	}

	envelope, err := c.envelopeFor(record)
	if err != nil {
		return false, err
	}
	return c.signer.Verify(record.Signature, envelope, expectedSigner), nil
}

// VerifyOnChain cross-validates the signature through the verifying
// contract.
func (c *Coordinator) VerifyOnChain(ctx context.Context, id string, expectedSigner string) (bool, error) {
	record, err := c.getRecord(ctx, id)
	if err != nil {
		return false, err
	}
	if !record.Signed() {
		return false, nil
	}
	return c.submitter.VerifyOnChain(ctx, record, expectedSigner)
}

// GetPayload returns a record by id.
func (c *Coordinator) GetPayload(ctx context.Context, id string) (*types.PayloadRecord, error) {
	return c.getRecord(ctx, id)
}

// ListForSigner returns all records for a signer, newest first.
func (c *Coordinator) ListForSigner(ctx context.Context, signerID string) ([]*types.PayloadRecord, error) {
	records, err := c.store.ListForSigner(ctx, types.NormalizeSignerID(signerID))
	if err != nil {
		return nil, types.StoreError(err, "failed to list payloads for %s", signerID)
	}
	return records, nil
}

// ListPending returns records ready for submission: PENDING, signed,
// and unexpired at query time. Expired-but-not-yet-swept records are
// excluded by the expiry filter, not just by status.
func (c *Coordinator) ListPending(ctx context.Context) ([]*types.PayloadRecord, error) {
	records, err := c.store.ListReady(ctx, time.Now().UTC())
	if err != nil {
		return nil, types.StoreError(err, "failed to list pending payloads")
	}
	return records, nil
}

// CurrentNonce returns the signer's current sequence value.
func (c *Coordinator) CurrentNonce(ctx context.Context, signerID string) (uint64, error) {
	return c.allocator.CurrentNonce(ctx, signerID)
}

// SetNonce overwrites a signer's sequence value. Privileged
// maintenance operation for operator use after off-system recovery.
func (c *Coordinator) SetNonce(ctx context.Context, signerID string, nonce uint64) error {
	return c.allocator.SetNonce(ctx, signerID, nonce)
}

// Stats returns aggregate counts for the public statistics endpoint.
func (c *Coordinator) Stats(ctx context.Context) (*types.StoreStats, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, types.StoreError(err, "failed to aggregate stats")
	}
	return stats, nil
}

// HealthCheck reports whether the backing store is reachable.
func (c *Coordinator) HealthCheck(ctx context.Context) error {
	if err := c.store.HealthCheck(); err != nil {
		return types.StoreError(err, "store health check failed")
	}
	return nil
}

// SweepExpired fails every PENDING record past its deadline. Idempotent
// and safe to run repeatedly, including concurrently with another
// instance's sweep: records already swept by a peer are skipped.
func (c *Coordinator) SweepExpired(ctx context.Context) (int, error) {
	expired, err := c.store.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, types.StoreError(err, "failed to list expired payloads")
	}

	swept := 0
	for _, record := range expired {
		if c.expireRecord(ctx, record.ID) {
			swept++
		}
	}
	if swept > 0 {
		c.logger.Sugar().Infow("Expiry sweep complete", "swept", swept)
	}
	return swept, nil
}

// expireRecord moves one PENDING record to FAILED("expired"). Returns
// false when a concurrent sweep got there first.
func (c *Coordinator) expireRecord(ctx context.Context, id string) bool {
	_, err := c.store.UpdatePayload(ctx, id, types.StatusPending, func(r *types.PayloadRecord) error {
		r.Status = types.StatusFailed
		r.LastError = "expired"
		return nil
	})
	if err != nil {
		if !errors.Is(err, storage.ErrStatusConflict) {
			c.logger.Sugar().Warnw("Failed to expire record", "record", id, "error", err)
		}
		return false
	}
	return true
}

// envelopeFor rebuilds the signing envelope from persisted record
// fields.
func (c *Coordinator) envelopeFor(record *types.PayloadRecord) (*signer.Envelope, error) {
	envelope, err := c.signer.BuildEnvelope(record.PayloadType, record.PayloadHash, record.Nonce, record.ExpiresAt.Unix(), record.Body)
	if err != nil {
		return nil, types.ValidationError("cannot rebuild signing envelope: %v", err).WithRecord(record.ID)
	}
	return envelope, nil
}

func (c *Coordinator) getRecord(ctx context.Context, id string) (*types.PayloadRecord, error) {
	record, err := c.store.GetPayload(ctx, id)
	if err != nil {
		return nil, types.StoreError(err, "failed to load payload").WithRecord(id)
	}
	if record == nil {
		return nil, types.NotFoundError("payload %s not found", id)
	}
	return record, nil
}

func (c *Coordinator) mapUpdateError(err error, id string) error {
	var coded *types.Error
	switch {
	case errors.As(err, &coded):
		return err
	case errors.Is(err, storage.ErrStatusConflict):
		return types.ConflictError("record not in expected state for this transition").WithRecord(id)
	default:
		return types.StoreError(err, "failed to update payload").WithRecord(id)
	}
}
