package merkle

import (
	"bytes"
	"testing"
)

func leaf(b byte) []byte {
	h := make([]byte, 32)
	h[0] = b
	return h
}

func TestBranchFoldMatchesFullRoot(t *testing.T) {
	cases := [][][]byte{
		{leaf(1)},                                         // coinbase only
		{leaf(1), leaf(2)},                                // even
		{leaf(1), leaf(2), leaf(3)},                       // odd, needs duplication
		{leaf(1), leaf(2), leaf(3), leaf(4), leaf(5)},     // odd at multiple levels
		{leaf(1), leaf(2), leaf(3), leaf(4), leaf(5), leaf(6), leaf(7)},
	}

	for i, txids := range cases {
		branch := Branch(txids)
		got := Fold(txids[0], branch)
		want := FullRoot(txids)
		if !bytes.Equal(got, want) {
			t.Errorf("case %d: Fold(Branch(...)) = %x, want %x", i, got, want)
		}
	}
}

func TestBranchLength(t *testing.T) {
	txids := make([][]byte, 8)
	for i := range txids {
		txids[i] = leaf(byte(i + 1))
	}
	branch := Branch(txids)
	if len(branch) != 3 {
		t.Errorf("expected branch length 3 for 8 txids (ceil(log2(8))), got %d", len(branch))
	}
}

func TestBranchSingleCoinbase(t *testing.T) {
	txids := [][]byte{leaf(1)}
	branch := Branch(txids)
	if len(branch) != 0 {
		t.Errorf("expected empty branch for coinbase-only block, got %d entries", len(branch))
	}
	root := Fold(txids[0], branch)
	if !bytes.Equal(root, txids[0]) {
		t.Error("single-tx block root should equal the coinbase hash itself")
	}
}
