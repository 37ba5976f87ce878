package merkle

import (
	"crypto/sha256"
	"encoding/hex"
)

// ProofStep is one link of a sibling path: the 32-byte hex sibling hash and
// whether the sibling is the left element of its pair.
type ProofStep struct {
	SiblingHash string `json:"sibling_hash"`
	IsLeft      bool   `json:"is_left"`
}

// Verify recomputes the root from a raw leaf and its sibling path.
// Starting from SHA-256(leaf), each step hashes the concatenation of
// sibling and current in pair order.
func Verify(leaf []byte, proof []ProofStep, expectedRoot string) bool {
	current := sha256.Sum256(leaf)
	currentHex := hex.EncodeToString(current[:])
	return VerifyFromLeafHash(currentHex, proof, expectedRoot)
}

// VerifyFromLeafHash is Verify for callers that already hold the leaf hash.
func VerifyFromLeafHash(leafHash string, proof []ProofStep, expectedRoot string) bool {
	current := leafHash
	for _, step := range proof {
		var combined []byte
		if step.IsLeft {
			combined = append(combined, hexToBytes(step.SiblingHash)...)
			combined = append(combined, hexToBytes(current)...)
		} else {
			combined = append(combined, hexToBytes(current)...)
			combined = append(combined, hexToBytes(step.SiblingHash)...)
		}
		h := sha256.Sum256(combined)
		current = hex.EncodeToString(h[:])
	}
	return current == expectedRoot
}
