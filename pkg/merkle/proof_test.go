package merkle_test

import (
	"testing"

	"github.com/etrap-labs/etrap-go/pkg/digest"
	"github.com/etrap-labs/etrap-go/pkg/merkle"
)

// fourLeafTree builds the canonical four-leaf test tree and returns its
// leaves, interior nodes and root.
func fourLeafTree() (leaves [4]digest.Digest, n01, n23, root digest.Digest) {
	for i := range leaves {
		leaves[i] = digest.Sum([]byte{byte('a' + i)})
	}
	n01 = merkle.Combine(leaves[0], leaves[1])
	n23 = merkle.Combine(leaves[2], leaves[3])
	root = merkle.Combine(n01, n23)
	return
}

func TestVerify_honestProof(t *testing.T) {
	leaves, n01, n23, root := fourLeafTree()

	cases := []struct {
		name  string
		leaf  digest.Digest
		proof merkle.Proof
	}{
		{
			"leaf 0",
			leaves[0],
			merkle.Proof{LeafIndex: 0, Path: []merkle.Step{
				{Sibling: leaves[1], Side: merkle.SideRight},
				{Sibling: n23, Side: merkle.SideRight},
			}},
		},
		{
			"leaf 2",
			leaves[2],
			merkle.Proof{LeafIndex: 2, Path: []merkle.Step{
				{Sibling: leaves[3], Side: merkle.SideRight},
				{Sibling: n01, Side: merkle.SideLeft},
			}},
		},
		{
			"leaf 3",
			leaves[3],
			merkle.Proof{LeafIndex: 3, Path: []merkle.Step{
				{Sibling: leaves[2], Side: merkle.SideLeft},
				{Sibling: n01, Side: merkle.SideLeft},
			}},
		},
	}
	for _, tc := range cases {
		if !tc.proof.Verify(tc.leaf, root) {
			t.Errorf("%s: honest proof rejected", tc.name)
		}
	}
}

func TestVerify_bitFlips(t *testing.T) {
	leaves, n01, _, root := fourLeafTree()
	proof := merkle.Proof{LeafIndex: 2, Path: []merkle.Step{
		{Sibling: leaves[3], Side: merkle.SideRight},
		{Sibling: n01, Side: merkle.SideLeft},
	}}

	flippedLeaf := leaves[2]
	flippedLeaf[0] ^= 0x01
	if proof.Verify(flippedLeaf, root) {
		t.Error("accepted proof after flipping a leaf bit")
	}

	flippedRoot := root
	flippedRoot[digest.Size-1] ^= 0x80
	if proof.Verify(leaves[2], flippedRoot) {
		t.Error("accepted proof after flipping a root bit")
	}

	tampered := proof
	tampered.Path = append([]merkle.Step(nil), proof.Path...)
	tampered.Path[0].Sibling[5] ^= 0x10
	if tampered.Verify(leaves[2], root) {
		t.Error("accepted proof after flipping a sibling bit")
	}
}

func TestVerify_wrongRoot(t *testing.T) {
	// A proof valid under one root must fail closed under any other.
	leaves, n01, _, root := fourLeafTree()
	proof := merkle.Proof{LeafIndex: 2, Path: []merkle.Step{
		{Sibling: leaves[3], Side: merkle.SideRight},
		{Sibling: n01, Side: merkle.SideLeft},
	}}
	if !proof.Verify(leaves[2], root) {
		t.Fatal("honest proof rejected")
	}
	otherRoot := digest.Sum([]byte("some other batch"))
	if proof.Verify(leaves[2], otherRoot) {
		t.Error("proof accepted against a different root")
	}
}

func TestVerify_singleLeafBatch(t *testing.T) {
	leaf := digest.Sum([]byte("only"))

	if !(merkle.Proof{LeafIndex: 0}).Verify(leaf, leaf) {
		t.Error("single-leaf batch: empty proof at index 0 rejected")
	}
	if (merkle.Proof{LeafIndex: 1}).Verify(leaf, leaf) {
		t.Error("empty proof accepted for nonzero leaf index")
	}
	if (merkle.Proof{LeafIndex: 0}).Verify(leaf, digest.Sum([]byte("other"))) {
		t.Error("single-leaf batch: wrong root accepted")
	}
}

func TestVerify_oddTreeDuplicatedLeaf(t *testing.T) {
	// Three leaves: the odd last leaf pairs with itself.
	l0 := digest.Sum([]byte("x"))
	l1 := digest.Sum([]byte("y"))
	l2 := digest.Sum([]byte("z"))
	n01 := merkle.Combine(l0, l1)
	n22 := merkle.Combine(l2, l2)
	root := merkle.Combine(n01, n22)

	proof := merkle.Proof{LeafIndex: 2, Path: []merkle.Step{
		{Sibling: l2, Side: merkle.SideRight},
		{Sibling: n01, Side: merkle.SideLeft},
	}}
	if !proof.Verify(l2, root) {
		t.Error("duplicated-leaf proof rejected")
	}
}

func TestVerify_malformed(t *testing.T) {
	leaves, n01, _, root := fourLeafTree()
	good := []merkle.Step{
		{Sibling: leaves[3], Side: merkle.SideRight},
		{Sibling: n01, Side: merkle.SideLeft},
	}

	cases := []struct {
		name  string
		leaf  digest.Digest
		root  digest.Digest
		proof merkle.Proof
	}{
		{"negative index", leaves[2], root, merkle.Proof{LeafIndex: -1, Path: good}},
		{"index beyond tree", leaves[2], root, merkle.Proof{LeafIndex: 4, Path: good}},
		{"zero leaf", digest.Digest{}, root, merkle.Proof{LeafIndex: 2, Path: good}},
		{"zero root", leaves[2], digest.Digest{}, merkle.Proof{LeafIndex: 2, Path: good}},
		{"zero sibling", leaves[2], root, merkle.Proof{LeafIndex: 2, Path: []merkle.Step{
			{Sibling: digest.Digest{}, Side: merkle.SideRight},
			{Sibling: n01, Side: merkle.SideLeft},
		}}},
		{"unknown side", leaves[2], root, merkle.Proof{LeafIndex: 2, Path: []merkle.Step{
			{Sibling: leaves[3], Side: "up"},
			{Sibling: n01, Side: merkle.SideLeft},
		}}},
		{"truncated path", leaves[2], root, merkle.Proof{LeafIndex: 2, Path: good[:1]}},
	}
	for _, tc := range cases {
		if tc.proof.Verify(tc.leaf, tc.root) {
			t.Errorf("%s: malformed proof accepted", tc.name)
		}
	}
}

func TestStepsFromHex(t *testing.T) {
	a := digest.Sum([]byte("a"))
	b := digest.Sum([]byte("b"))

	steps, err := merkle.StepsFromHex(
		[]string{a.Hex(), b.Hex()},
		[]string{"right", "left"},
	)
	if err != nil {
		t.Fatalf("StepsFromHex: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps: got %d, want 2", len(steps))
	}
	if !steps[0].Sibling.Equal(a) || steps[0].Side != merkle.SideRight {
		t.Errorf("step 0: got (%s, %s)", steps[0].Sibling, steps[0].Side)
	}
	if !steps[1].Sibling.Equal(b) || steps[1].Side != merkle.SideLeft {
		t.Errorf("step 1: got (%s, %s)", steps[1].Sibling, steps[1].Side)
	}

	if _, err := merkle.StepsFromHex([]string{a.Hex()}, []string{"right", "left"}); err == nil {
		t.Error("mismatched slice lengths accepted")
	}
	if _, err := merkle.StepsFromHex([]string{"zz"}, []string{"right"}); err == nil {
		t.Error("invalid hex accepted")
	}
	if _, err := merkle.StepsFromHex([]string{a.Hex()}, []string{"sideways"}); err == nil {
		t.Error("unknown side label accepted")
	}
}
