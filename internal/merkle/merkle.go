// Package merkle computes Bitcoin-style merkle branches and folds them back
// into a root, the way a Stratum session reconstructs the block's merkle
// root from a job's precomputed branch plus the coinbase hash a miner's
// extranonce choice determines.
package merkle

import (
	"github.com/kumako/public-pool/internal/bitcoinhash"
)

// Branch computes the sibling-hash path from the coinbase leaf (txids[0])
// to the merkle root, given the ordered list of transaction ids (internal
// byte order, coinbase first). The result has length ceil(log2(n)) and is
// independent of the actual coinbase hash — the coinbase leaf is only a
// placeholder position until Fold is called with the real hash.
func Branch(txids [][]byte) [][]byte {
	if len(txids) <= 1 {
		return nil
	}

	// The coinbase (txids[0]) is not itself part of the branch: the branch
	// is the sibling path starting from the coinbase's pair partner.
	hashes := make([][]byte, len(txids)-1)
	copy(hashes, txids[1:])

	var branch [][]byte
	for len(hashes) > 0 {
		branch = append(branch, hashes[0])
		if len(hashes) == 1 {
			break
		}

		remaining := hashes[1:]
		var next [][]byte
		for i := 0; i < len(remaining); i += 2 {
			left := remaining[i]
			right := left
			if i+1 < len(remaining) {
				right = remaining[i+1]
			}
			next = append(next, fold(left, right))
		}
		hashes = next
	}

	return branch
}

// Fold reconstructs the merkle root by repeatedly double-SHA256-hashing the
// running hash against each sibling in branch, coinbase hash first.
func Fold(coinbaseHash []byte, branch [][]byte) []byte {
	current := make([]byte, len(coinbaseHash))
	copy(current, coinbaseHash)

	for _, sibling := range branch {
		current = fold(current, sibling)
	}
	return current
}

func fold(left, right []byte) []byte {
	combined := make([]byte, 0, len(left)+len(right))
	combined = append(combined, left...)
	combined = append(combined, right...)
	return bitcoinhash.Sha256D(combined)
}

// FullRoot independently computes the merkle root over the complete list of
// txids (coinbase included), without using a precomputed branch, as an
// independent cross-check of Branch and Fold.
func FullRoot(txids [][]byte) []byte {
	if len(txids) == 0 {
		return nil
	}

	level := make([][]byte, len(txids))
	copy(level, txids)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = fold(level[i], level[i+1])
		}
		level = next
	}
	return level[0]
}
