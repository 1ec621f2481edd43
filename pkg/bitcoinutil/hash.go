// Package bitcoinutil provides small byte-level helpers shared by the
// block-construction and difficulty-accounting packages.
package bitcoinutil

import (
	"crypto/sha256"
)

// DoubleSHA256 computes SHA256(SHA256(data)), the hash Bitcoin uses for
// transaction ids and block headers.
func DoubleSHA256(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

// ReverseBytes returns a reversed copy of data; it does not modify its input.
func ReverseBytes(data []byte) []byte {
	result := make([]byte, len(data))
	for i := range data {
		result[i] = data[len(data)-1-i]
	}
	return result
}
