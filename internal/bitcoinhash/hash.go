// Package bitcoinhash implements the exact 256-bit integer arithmetic used
// to turn a block header hash into a difficulty figure and a compact nBits
// value into a target. Comparisons against network difficulty must stay
// integer-exact; floating point is only used once a figure is ready to be
// reported.
package bitcoinhash

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/kumako/public-pool/pkg/bitcoinutil"
)

// DIFF1 is the pool-difficulty-1 target expressed as an integer: the
// divisor used by DifficultyFromHash. It is part of the protocol contract
// and must not be derived from floating point.
var DIFF1 = mustBig("26959535291011309493156476344723991336010898738574164086137773096960")

func mustBig(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bitcoinhash: invalid DIFF1 constant")
	}
	return n
}

// Sha256D computes SHA256(SHA256(data)).
func Sha256D(data []byte) []byte {
	return bitcoinutil.DoubleSHA256(data)
}

// LE256 interprets a 32-byte hash as an unsigned 256-bit integer in
// little-endian order, the convention block header hashes use on the wire.
func LE256(hash []byte) *big.Int {
	be := bitcoinutil.ReverseBytes(hash)
	return new(big.Int).SetBytes(be)
}

// DifficultyFromHash returns DIFF1 / le256(hash) as a floating point ratio.
// The division is performed over exact big.Int values and only converted to
// float64 for the final ratio, so the reported figure is as precise as a
// float64 mantissa allows, never budget-limited by an earlier lossy cast.
func DifficultyFromHash(hash []byte) float64 {
	n := LE256(hash)
	if n.Sign() == 0 {
		return 0
	}
	ratio := new(big.Rat).SetFrac(DIFF1, n)
	f, _ := ratio.Float64()
	return f
}

// CompactToTarget decodes a Bitcoin "compact" nBits encoding (first byte is
// the exponent, remaining three bytes are the mantissa) into an unsigned
// 256-bit target.
func CompactToTarget(nbits uint32) *big.Int {
	return blockchain.CompactToBig(nbits)
}

// TargetToCompact encodes an unsigned target back into the compact nBits
// representation.
func TargetToCompact(target *big.Int) uint32 {
	return blockchain.BigToCompact(target)
}

// HashMeetsTarget reports whether a hash (natural byte order, as produced by
// Sha256D) is numerically less than or equal to target when both are read
// little-endian, i.e. whether the hash represents a valid proof of work for
// that target.
func HashMeetsTarget(hash []byte, target *big.Int) bool {
	return LE256(hash).Cmp(target) <= 0
}

// DifficultyFromTarget converts a target into a difficulty figure relative
// to DIFF1, used for reporting network difficulty derived from nBits.
func DifficultyFromTarget(target *big.Int) float64 {
	if target.Sign() == 0 {
		return 0
	}
	ratio := new(big.Rat).SetFrac(DIFF1, target)
	f, _ := ratio.Float64()
	return f
}
