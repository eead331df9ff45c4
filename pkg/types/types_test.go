package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_StatusTransitions(t *testing.T) {
	t.Run("LegalPath", func(t *testing.T) {
		assert.True(t, StatusPending.CanTransitionTo(StatusSubmitted))
		assert.True(t, StatusPending.CanTransitionTo(StatusFailed))
		assert.True(t, StatusSubmitted.CanTransitionTo(StatusConfirmed))
		assert.True(t, StatusSubmitted.CanTransitionTo(StatusFailed))
	})

	t.Run("NoSkipping", func(t *testing.T) {
		assert.False(t, StatusPending.CanTransitionTo(StatusConfirmed))
		assert.False(t, StatusPending.CanTransitionTo(StatusPending))
		assert.False(t, StatusSubmitted.CanTransitionTo(StatusPending))
	})

	t.Run("TerminalStatesAreDead", func(t *testing.T) {
		for _, terminal := range []PayloadStatus{StatusConfirmed, StatusFailed} {
			assert.True(t, terminal.Terminal())
			for _, next := range []PayloadStatus{StatusPending, StatusSubmitted, StatusConfirmed, StatusFailed} {
				assert.False(t, terminal.CanTransitionTo(next), "%s -> %s must be illegal", terminal, next)
			}
		}
	})
}

func Test_PayloadTypeValidation(t *testing.T) {
	for _, pt := range AllPayloadTypes {
		assert.True(t, pt.Valid())
	}
	assert.False(t, PayloadType("").Valid())
	assert.False(t, PayloadType("ORACLE_UPDATE").Valid())
	assert.False(t, PayloadType("governance_vote").Valid())
}

func Test_NormalizeSignerID(t *testing.T) {
	assert.Equal(t, "0xabcdef", NormalizeSignerID("  0xABCdef "))
	assert.Equal(t, "0xabcdef", NormalizeSignerID("0xabcdef"))
}

func Test_ReadyForSubmission(t *testing.T) {
	now := time.Now().UTC()
	record := &PayloadRecord{
		Status:    StatusPending,
		Signature: []byte{0x01},
		ExpiresAt: now.Add(time.Minute),
	}
	assert.True(t, record.ReadyForSubmission(now))

	t.Run("UnsignedIsNotReady", func(t *testing.T) {
		r := record.Clone()
		r.Signature = nil
		assert.False(t, r.ReadyForSubmission(now))
	})

	t.Run("ExpiredIsNotReady", func(t *testing.T) {
		r := record.Clone()
		r.ExpiresAt = now.Add(-time.Second)
		assert.False(t, r.ReadyForSubmission(now))
	})

	t.Run("NonPendingIsNotReady", func(t *testing.T) {
		for _, status := range []PayloadStatus{StatusSubmitted, StatusConfirmed, StatusFailed} {
			r := record.Clone()
			r.Status = status
			assert.False(t, r.ReadyForSubmission(now))
		}
	})
}

func Test_CloneIsDeep(t *testing.T) {
	submittedAt := time.Now().UTC()
	record := &PayloadRecord{
		ID:          "rec-1",
		Body:        map[string]any{"price": "42"},
		Signature:   []byte{0x01, 0x02},
		SubmittedAt: &submittedAt,
	}

	cp := record.Clone()
	require.NotNil(t, cp)

	cp.Body["price"] = "43"
	cp.Signature[0] = 0xff
	*cp.SubmittedAt = submittedAt.Add(time.Hour)

	assert.Equal(t, "42", record.Body["price"])
	assert.Equal(t, byte(0x01), record.Signature[0])
	assert.Equal(t, submittedAt, *record.SubmittedAt)
}

func Test_ErrorTaxonomy(t *testing.T) {
	t.Run("CodeOf", func(t *testing.T) {
		assert.Equal(t, CodeValidation, CodeOf(ValidationError("bad input")))
		assert.Equal(t, CodeExpired, CodeOf(ExpiryError("too late")))
		assert.Equal(t, ErrorCode(""), CodeOf(assert.AnError))
	})

	t.Run("Retryable", func(t *testing.T) {
		assert.True(t, Retryable(LedgerRetryableError(assert.AnError, "rpc timeout")))
		assert.True(t, Retryable(StoreError(assert.AnError, "db down")))
		assert.False(t, Retryable(LedgerTerminalError(nil, "reverted")))
		assert.False(t, Retryable(ValidationError("bad input")))
		assert.False(t, Retryable(ConflictError("already signed")))
	})

	t.Run("WithRecordDoesNotMutate", func(t *testing.T) {
		base := NotFoundError("missing")
		annotated := base.WithRecord("rec-9")
		assert.Empty(t, base.RecordID)
		assert.Equal(t, "rec-9", annotated.RecordID)
		assert.Contains(t, annotated.Error(), "rec-9")
	})

	t.Run("UnwrapReachesCause", func(t *testing.T) {
		wrapped := SignatureError(assert.AnError, "recovery failed")
		assert.ErrorIs(t, wrapped, assert.AnError)
	})
}
