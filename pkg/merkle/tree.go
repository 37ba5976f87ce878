// Package merkle builds SHA-256 Merkle trees over ordered leaves and issues
// inclusion proofs. Node hashing is plain concatenation so proofs are
// verifiable from any language.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrEmptyTree indicates a tree was requested over zero leaves.
var ErrEmptyTree = errors.New("merkle: no leaves")

// ErrIndexOutOfRange indicates a proof was requested for a missing leaf.
var ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")

// Tree is a full binary Merkle tree. At each level an unpaired node is
// duplicated to form a pair, so odd counts are always supported.
type Tree struct {
	LeafHashes []string   // SHA-256 hex of each leaf, submission order
	Root       string     // root hash, hex
	levels     [][]string // levels[0] = leaf hashes, last level = [root]
}

// Build constructs a tree over the given leaves. A single leaf yields
// root == SHA-256(leaf) with an empty proof.
func Build(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	leafHashes := make([]string, len(leaves))
	for i, leaf := range leaves {
		leafHashes[i] = hashHex(leaf)
	}

	levels := [][]string{leafHashes}
	current := leafHashes
	for len(current) > 1 {
		current = nextLevel(current)
		levels = append(levels, current)
	}

	return &Tree{
		LeafHashes: leafHashes,
		Root:       current[0],
		levels:     levels,
	}, nil
}

// Proof returns the sibling path for the leaf at index. Each step carries
// the sibling hash and whether the sibling sits left of the pair.
func (t *Tree) Proof(index int) ([]ProofStep, error) {
	if index < 0 || index >= len(t.LeafHashes) {
		return nil, ErrIndexOutOfRange
	}

	proof := make([]ProofStep, 0, len(t.levels)-1)
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		var sibling string
		var siblingLeft bool
		if pos%2 == 0 {
			// Current is left; sibling is right, or self when unpaired.
			if pos+1 < len(level) {
				sibling = level[pos+1]
			} else {
				sibling = level[pos]
			}
			siblingLeft = false
		} else {
			sibling = level[pos-1]
			siblingLeft = true
		}
		proof = append(proof, ProofStep{SiblingHash: sibling, IsLeft: siblingLeft})
		pos /= 2
	}
	return proof, nil
}

func nextLevel(hashes []string) []string {
	n := len(hashes)
	if n%2 != 0 {
		hashes = append(hashes, hashes[n-1])
		n++
	}
	next := make([]string, n/2)
	for i := 0; i < n; i += 2 {
		next[i/2] = combine(hashes[i], hashes[i+1])
	}
	return next
}

func combine(left, right string) string {
	buf := make([]byte, 0, 64)
	buf = append(buf, hexToBytes(left)...)
	buf = append(buf, hexToBytes(right)...)
	return hashHex(buf)
}

func hashHex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
