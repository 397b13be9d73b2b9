// Package merkle verifies membership proofs against batch Merkle roots.
//
// Proofs are produced by the upstream recording pipeline and shipped inside
// batch contents; this package only checks them. Verification fails closed:
// malformed input is a verification failure, never a panic.
package merkle

import (
	"fmt"

	"github.com/etrap-labs/etrap-go/pkg/digest"
)

// Side says which side of the running digest a sibling sits on.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Step is one level of a proof path: the sibling digest and its side.
type Step struct {
	Sibling digest.Digest `json:"sibling"`
	Side    Side          `json:"side"`
}

// Proof is an ordered leaf-to-root path. A proof is meaningful only for the
// one (leaf digest, batch root) pair it was derived from.
type Proof struct {
	LeafIndex int    `json:"leaf_index"`
	Path      []Step `json:"path"`
}

// Combine hashes two child digests into their parent node.
func Combine(left, right digest.Digest) digest.Digest {
	var buf [2 * digest.Size]byte
	copy(buf[:digest.Size], left[:])
	copy(buf[digest.Size:], right[:])
	return digest.Sum(buf[:])
}

// Verify walks the proof from leaf to root and compares the result to root
// in constant time. It returns false on any structural defect: negative or
// out-of-range leaf index, empty path for a multi-leaf position, zero
// digests, or an unknown side label.
func (p Proof) Verify(leaf, root digest.Digest) bool {
	if leaf.IsZero() || root.IsZero() {
		return false
	}
	if p.LeafIndex < 0 {
		return false
	}
	// A tree of depth d holds at most 2^d leaves.
	if len(p.Path) < 63 && p.LeafIndex >= 1<<uint(len(p.Path)) {
		return false
	}

	cur := leaf
	for _, step := range p.Path {
		if step.Sibling.IsZero() {
			return false
		}
		switch step.Side {
		case SideLeft:
			cur = Combine(step.Sibling, cur)
		case SideRight:
			cur = Combine(cur, step.Sibling)
		default:
			return false
		}
	}
	return cur.Equal(root)
}

// StepsFromHex builds a proof path from parallel slices of hex sibling
// digests and side labels, the layout batch contents use on the wire.
func StepsFromHex(siblings, sides []string) ([]Step, error) {
	if len(siblings) != len(sides) {
		return nil, fmt.Errorf("proof path has %d siblings but %d side labels", len(siblings), len(sides))
	}
	steps := make([]Step, len(siblings))
	for i, s := range siblings {
		d, err := digest.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("proof step %d: %w", i, err)
		}
		side := Side(sides[i])
		if side != SideLeft && side != SideRight {
			return nil, fmt.Errorf("proof step %d: unknown side %q", i, sides[i])
		}
		steps[i] = Step{Sibling: d, Side: side}
	}
	return steps, nil
}
