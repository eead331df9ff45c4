// Package signer computes and verifies structured-data (EIP-712)
// signatures over payload envelopes. The envelope hash produced here is
// exactly what the verifying contract recomputes on-chain, so a
// verifier can reconstruct the signed bytes from persisted record
// fields alone.
package signer

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/Layr-Labs/payload-relay-go/pkg/canonical"
	"github.com/Layr-Labs/payload-relay-go/pkg/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Envelope is the fixed-shape signing envelope: five fields, fixed
// order, fixed types. Everything in it comes from the persisted record,
// never from current time.
type Envelope struct {
	PayloadType string `json:"payloadType"`
	PayloadHash string `json:"payloadHash"` // 0x-prefixed keccak of the canonical body
	Nonce       uint64 `json:"nonce"`
	ExpiresAt   int64  `json:"expiresAt"` // unix seconds
	Body        string `json:"body"`      // canonical JSON
}

// IStructuredSigner is the signing contract used by the coordinator and
// the ledger submitter.
type IStructuredSigner interface {
	// HashPayload returns the content hash of a body (canonicalized
	// first; key order does not matter).
	HashPayload(body map[string]any) (string, error)

	// BuildEnvelope assembles the signing envelope from persisted
	// record fields.
	BuildEnvelope(payloadType types.PayloadType, payloadHash string, nonce uint64, expiresAtUnix int64, body map[string]any) (*Envelope, error)

	// StructuredHash returns the EIP-712 digest of envelope+domain, the
	// value an on-chain verifier independently reproduces.
	StructuredHash(envelope *Envelope) ([32]byte, error)

	// Sign produces a signature over the structured hash and returns it
	// with the signer's address (lower-cased hex).
	Sign(privateKeyHex string, envelope *Envelope) (signature []byte, signerAddress string, err error)

	// Verify recovers the signer from (envelope, domain, signature) and
	// compares case-insensitively against expectedSigner. Returns false,
	// never an error, on any malformed input.
	Verify(signature []byte, envelope *Envelope, expectedSigner string) bool
}

// StructuredSigner implements IStructuredSigner for one deployment's
// signing domain.
type StructuredSigner struct {
	domain apitypes.TypedDataDomain
}

var _ IStructuredSigner = (*StructuredSigner)(nil)

// NewStructuredSigner builds a signer scoped to one deployment: the
// domain separator (name, version, chain id, verifying contract) is
// mixed into every hash, so signatures cannot be replayed against
// another chain or contract.
func NewStructuredSigner(name, version string, chainID uint64, verifyingContract string) *StructuredSigner {
	return &StructuredSigner{
		domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           math.NewHexOrDecimal256(int64(chainID)),
			VerifyingContract: verifyingContract,
		},
	}
}

var payloadTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Payload": {
		{Name: "payloadType", Type: "string"},
		{Name: "payloadHash", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
		{Name: "expiresAt", Type: "uint256"},
		{Name: "body", Type: "string"},
	},
}

// HashPayload returns the content hash of a body.
func (s *StructuredSigner) HashPayload(body map[string]any) (string, error) {
	return canonical.HashPayloadHex(body)
}

// BuildEnvelope assembles the fixed-shape envelope. The body is
// canonicalized here so the envelope's body string is byte-identical no
// matter how the caller ordered the map.
func (s *StructuredSigner) BuildEnvelope(payloadType types.PayloadType, payloadHash string, nonce uint64, expiresAtUnix int64, body map[string]any) (*Envelope, error) {
	canonicalBody, err := canonical.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize envelope body: %w", err)
	}

	return &Envelope{
		PayloadType: payloadType.String(),
		PayloadHash: payloadHash,
		Nonce:       nonce,
		ExpiresAt:   expiresAtUnix,
		Body:        string(canonicalBody),
	}, nil
}

func (s *StructuredSigner) typedData(envelope *Envelope) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       payloadTypes,
		PrimaryType: "Payload",
		Domain:      s.domain,
		Message: apitypes.TypedDataMessage{
			"payloadType": envelope.PayloadType,
			"payloadHash": envelope.PayloadHash,
			"nonce":       (*math.HexOrDecimal256)(new(big.Int).SetUint64(envelope.Nonce)),
			"expiresAt":   (*math.HexOrDecimal256)(big.NewInt(envelope.ExpiresAt)),
			"body":        envelope.Body,
		},
	}
}

// StructuredHash returns the EIP-712 digest of the envelope.
func (s *StructuredSigner) StructuredHash(envelope *Envelope) ([32]byte, error) {
	var digest [32]byte
	if envelope == nil {
		return digest, fmt.Errorf("cannot hash nil envelope")
	}

	hash, _, err := apitypes.TypedDataAndHash(s.typedData(envelope))
	if err != nil {
		return digest, fmt.Errorf("failed to hash typed data: %w", err)
	}

	copy(digest[:], hash)
	return digest, nil
}

// Sign signs the structured hash with the supplied key. The key is used
// at the moment of signing only and never stored.
func (s *StructuredSigner) Sign(privateKeyHex string, envelope *Envelope) ([]byte, string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, "", types.SignatureError(err, "malformed private key")
	}

	digest, err := s.StructuredHash(envelope)
	if err != nil {
		return nil, "", types.SignatureError(err, "failed to compute structured hash")
	}

	signature, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, "", types.SignatureError(err, "failed to sign structured hash")
	}
	// Shift recovery id to the Ethereum convention (27/28) so on-chain
	// ecrecover accepts the signature as-is.
	signature[64] += 27

	signerAddress := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	return signature, signerAddress, nil
}

// Verify recovers the signer and compares against expectedSigner.
// Malformed signatures yield false, never an error.
func (s *StructuredSigner) Verify(signature []byte, envelope *Envelope, expectedSigner string) bool {
	if len(signature) != 65 || envelope == nil || expectedSigner == "" {
		return false
	}

	sig := append([]byte(nil), signature...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return false
	}

	digest, err := s.StructuredHash(envelope)
	if err != nil {
		return false
	}

	pubKey, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return false
	}

	recovered := crypto.PubkeyToAddress(*pubKey).Hex()
	return strings.EqualFold(recovered, expectedSigner)
}

// AddressOf derives the lower-cased address for a private key. Used by
// callers that need to check key/signer agreement before signing.
func AddressOf(privateKeyHex string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return "", types.SignatureError(err, "malformed private key")
	}
	return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()), nil
}

// StructuredHashHex is a convenience for persisting the digest.
func StructuredHashHex(digest [32]byte) string {
	return hexutil.Encode(digest[:])
}
