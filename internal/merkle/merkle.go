// Package merkle verifies inclusion proofs for scan records against a
// published tree root, and provides the reference tree construction the
// authority side uses to generate those proofs.
package merkle

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	apperrors "github.com/toole-brendan/handreceipt-custody/internal/errors"
)

// Side tells the verifier which side of the pair a sibling hash sits on.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// ProofStep is one level of an inclusion proof: the sibling hash and the
// side it occupies relative to the running hash.
type ProofStep struct {
	Sibling string `json:"sibling"`
	Side    Side   `json:"side"`
}

// DefaultMaxDepth bounds accepted proofs. A depth of 32 covers trees with
// four billion leaves; anything longer is malformed or hostile.
const DefaultMaxDepth = 32

// HashLeaf hashes raw leaf bytes into the tree's hex leaf form.
func HashLeaf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hashPair combines two node hashes. The pairing rule hashes the
// concatenation of the hex strings themselves, matching the authority's
// tree construction.
func hashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// VerifyInclusion recomputes the root from leafHash by folding in each
// sibling in proof order, then compares against expectedRoot in constant
// time. An empty proof is valid only for a single-leaf tree where the leaf
// is the root. Proofs longer than maxDepth are rejected outright.
func VerifyInclusion(leafHash string, proof []ProofStep, expectedRoot string, maxDepth int) (bool, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if len(proof) > maxDepth {
		return false, apperrors.Newf(apperrors.ErrInvalidProof,
			"proof depth %d exceeds maximum %d", len(proof), maxDepth)
	}
	if leafHash == "" || expectedRoot == "" {
		return false, apperrors.New(apperrors.ErrInvalidProof, "empty leaf or root hash")
	}

	current := leafHash
	for i, step := range proof {
		switch step.Side {
		case SideLeft:
			current = hashPair(step.Sibling, current)
		case SideRight:
			current = hashPair(current, step.Sibling)
		default:
			return false, apperrors.Newf(apperrors.ErrInvalidProof,
				"proof step %d has unknown side %q", i, step.Side)
		}
	}

	if subtle.ConstantTimeCompare([]byte(current), []byte(expectedRoot)) != 1 {
		return false, nil
	}
	return true, nil
}

// Tree is the reference Merkle tree construction. The engine itself only
// verifies proofs; the tree exists for tests and for tooling that mirrors
// the authority's ledger.
type Tree struct {
	levels [][]string
}

// NewTree builds a tree over the given leaf hashes, bottom level first.
// A level with an odd node promotes it by pairing it with itself.
func NewTree(leafHashes []string) (*Tree, error) {
	if len(leafHashes) == 0 {
		return nil, fmt.Errorf("merkle tree requires at least one leaf")
	}

	levels := [][]string{append([]string(nil), leafHashes...)}
	for len(levels[len(levels)-1]) > 1 {
		prev := levels[len(levels)-1]
		next := make([]string, 0, (len(prev)+1)/2)
		for i := 0; i < len(prev); i += 2 {
			if i+1 < len(prev) {
				next = append(next, hashPair(prev[i], prev[i+1]))
			} else {
				next = append(next, hashPair(prev[i], prev[i]))
			}
		}
		levels = append(levels, next)
	}
	return &Tree{levels: levels}, nil
}

// Root returns the tree's root hash.
func (t *Tree) Root() string {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// GenerateProof produces the inclusion proof for a leaf hash present in the
// tree.
func (t *Tree) GenerateProof(leafHash string) ([]ProofStep, error) {
	current := leafHash
	var proof []ProofStep

	for _, level := range t.levels[:len(t.levels)-1] {
		pos := -1
		for i, h := range level {
			if h == current {
				pos = i
				break
			}
		}
		if pos == -1 {
			return nil, fmt.Errorf("hash %s not found in tree", leafHash)
		}

		if pos%2 == 0 {
			if pos+1 < len(level) {
				proof = append(proof, ProofStep{Sibling: level[pos+1], Side: SideRight})
				current = hashPair(current, level[pos+1])
			} else {
				// Odd node: paired with itself.
				proof = append(proof, ProofStep{Sibling: current, Side: SideRight})
				current = hashPair(current, current)
			}
		} else {
			proof = append(proof, ProofStep{Sibling: level[pos-1], Side: SideLeft})
			current = hashPair(level[pos-1], current)
		}
	}

	return proof, nil
}
