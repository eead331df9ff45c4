package signer

import (
	"testing"

	"github.com/Layr-Labs/payload-relay-go/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known anvil devnet account 0.
const (
	testKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"

	otherKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

func newTestSigner() *StructuredSigner {
	return NewStructuredSigner("PayloadRelay", "1", 31337, "0x5FbDB2315678afecb367f032d93F642f64180aa3")
}

func buildTestEnvelope(t *testing.T, s *StructuredSigner, body map[string]any) *Envelope {
	t.Helper()
	hash, err := s.HashPayload(body)
	require.NoError(t, err)
	envelope, err := s.BuildEnvelope(types.TypePriceFeed, hash, 7, 1900000000, body)
	require.NoError(t, err)
	return envelope
}

func Test_SignVerifyRoundTrip(t *testing.T) {
	s := newTestSigner()
	envelope := buildTestEnvelope(t, s, map[string]any{"pair": "ETH/USD", "price": "2500.12"})

	signature, signerAddress, err := s.Sign(testKey, envelope)
	require.NoError(t, err)
	assert.Len(t, signature, 65)
	assert.Equal(t, testAddress, signerAddress)

	assert.True(t, s.Verify(signature, envelope, testAddress))
	assert.True(t, s.Verify(signature, envelope, "0xF39fd6E51AAD88f6f4CE6Ab8827279CFFfB92266"), "comparison must be case-insensitive")
}

func Test_VerifyRejectsTamperedEnvelope(t *testing.T) {
	s := newTestSigner()
	envelope := buildTestEnvelope(t, s, map[string]any{"pair": "ETH/USD", "price": "2500.12"})

	signature, _, err := s.Sign(testKey, envelope)
	require.NoError(t, err)

	t.Run("FlippedNonce", func(t *testing.T) {
		tampered := *envelope
		tampered.Nonce = envelope.Nonce + 1
		assert.False(t, s.Verify(signature, &tampered, testAddress))
	})

	t.Run("FlippedExpiry", func(t *testing.T) {
		tampered := *envelope
		tampered.ExpiresAt = envelope.ExpiresAt + 1
		assert.False(t, s.Verify(signature, &tampered, testAddress))
	})

	t.Run("FlippedBody", func(t *testing.T) {
		tampered := buildTestEnvelope(t, s, map[string]any{"pair": "ETH/USD", "price": "2500.13"})
		assert.False(t, s.Verify(signature, tampered, testAddress))
	})

	t.Run("WrongExpectedSigner", func(t *testing.T) {
		assert.False(t, s.Verify(signature, envelope, "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"))
	})
}

func Test_VerifyRejectsMalformedInput(t *testing.T) {
	s := newTestSigner()
	envelope := buildTestEnvelope(t, s, map[string]any{"k": "v"})

	signature, _, err := s.Sign(testKey, envelope)
	require.NoError(t, err)

	assert.False(t, s.Verify(nil, envelope, testAddress))
	assert.False(t, s.Verify(signature[:64], envelope, testAddress))
	assert.False(t, s.Verify(signature, nil, testAddress))
	assert.False(t, s.Verify(signature, envelope, ""))

	garbage := append([]byte(nil), signature...)
	garbage[64] = 99
	assert.False(t, s.Verify(garbage, envelope, testAddress))
}

func Test_DomainSeparation(t *testing.T) {
	body := map[string]any{"pair": "ETH/USD", "price": "2500.12"}

	mainnetSigner := NewStructuredSigner("PayloadRelay", "1", 1, "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	devnetSigner := newTestSigner()

	envelope := buildTestEnvelope(t, devnetSigner, body)
	signature, _, err := devnetSigner.Sign(testKey, envelope)
	require.NoError(t, err)

	// Same envelope, different domain: the signature must not carry over.
	assert.False(t, mainnetSigner.Verify(signature, envelope, testAddress))
}

func Test_StructuredHashIsDeterministic(t *testing.T) {
	s := newTestSigner()
	envelope := buildTestEnvelope(t, s, map[string]any{"pair": "ETH/USD", "price": "2500.12"})

	h1, err := s.StructuredHash(envelope)
	require.NoError(t, err)
	h2, err := s.StructuredHash(envelope)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	other := buildTestEnvelope(t, s, map[string]any{"pair": "ETH/USD", "price": "9999"})
	h3, err := s.StructuredHash(other)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func Test_AddressOf(t *testing.T) {
	addr, err := AddressOf(testKey)
	require.NoError(t, err)
	assert.Equal(t, testAddress, addr)

	addr, err = AddressOf("0x" + testKey)
	require.NoError(t, err)
	assert.Equal(t, testAddress, addr)

	_, err = AddressOf("not-a-key")
	assert.Error(t, err)
	assert.Equal(t, types.CodeSignature, types.CodeOf(err))
}

func Test_SignWithMalformedKey(t *testing.T) {
	s := newTestSigner()
	envelope := buildTestEnvelope(t, s, map[string]any{"k": "v"})

	_, _, err := s.Sign("zzzz", envelope)
	require.Error(t, err)
	assert.Equal(t, types.CodeSignature, types.CodeOf(err))
}
