// Package canonical is the single place payload bodies are serialized
// for hashing. Both the off-chain signer and any later verifier must go
// through it, or signatures become unverifiable.
package canonical

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/sha3"
)

// Marshal serializes a payload body into its RFC 8785 (JCS) canonical
// JSON form: keys sorted recursively, deterministic number formatting.
// Two bodies that differ only in key order canonicalize identically.
func Marshal(body map[string]any) ([]byte, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("cannot canonicalize empty body")
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize body: %w", err)
	}

	return canonical, nil
}

// HashPayload returns the keccak256 of the canonicalized body. This is
// the record's content identity and is enforced globally unique.
func HashPayload(body map[string]any) ([32]byte, error) {
	var digest [32]byte

	canonical, err := Marshal(body)
	if err != nil {
		return digest, err
	}

	h := sha3.NewLegacyKeccak256()
	h.Write(canonical)
	copy(digest[:], h.Sum(nil))

	return digest, nil
}

// HashPayloadHex returns the content hash as a 0x-prefixed hex string,
// the form persisted on the record.
func HashPayloadHex(body map[string]any) (string, error) {
	digest, err := HashPayload(body)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(digest[:]), nil
}
