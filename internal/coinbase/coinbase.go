// Package coinbase assembles the pool's coinbase transaction and splits it
// into the two halves Stratum sends a miner, with the extranonce region
// sitting exactly between them.
package coinbase

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ExtranonceWidth is the fixed size of the extranonce1||extranonce2 region
// the builder leaves room for between coinb1 and coinb2.
const ExtranonceWidth = 8

// subsidyHalvingInterval is the number of blocks between subsidy halvings.
const subsidyHalvingInterval = 210_000

// initialSubsidy is the block subsidy in satoshis at height 0.
const initialSubsidy = 5_000_000_000

// Payout is one recipient of the coinbase value, expressed as a percentage
// of the total reward. Payouts must sum to 100.
type Payout struct {
	Address string
	Percent float64
}

// Subsidy returns the block subsidy in satoshis at the given height,
// halving every subsidyHalvingInterval blocks and going to zero once the
// shift distance exhausts the 64-bit value.
func Subsidy(height int64) int64 {
	halvings := height / subsidyHalvingInterval
	if halvings >= 64 {
		return 0
	}
	return initialSubsidy >> uint(halvings)
}

// Result is the output of Build: the two coinbase halves that sandwich
// extranonce1||extranonce2.
type Result struct {
	Coinb1 []byte
	Coinb2 []byte
}

// Build constructs a standard coinbase transaction paying totalReward
// satoshis to payouts, with a BIP34 height push and an opaque pool tag in
// the scriptSig, followed by ExtranonceWidth zero bytes reserved for
// extranonce1||extranonce2. It returns the transaction split at the
// boundary of that reserved region.
//
// version=1, a single input with a null previous output and
// sequence=0xffffffff, locktime=0, one standard output per payout.
func Build(height int64, payouts []Payout, totalReward int64, params *chaincfg.Params) (*Result, error) {
	if len(payouts) == 0 {
		return nil, fmt.Errorf("coinbase: at least one payout is required")
	}

	scriptSig, extranonceOffset := buildScriptSig(height)

	var buf bytes.Buffer

	writeUint32LE(&buf, 1) // version

	mustWriteVarInt(&buf, 1) // input count

	buf.Write(make([]byte, 32))     // prevout hash: null
	writeUint32LE(&buf, 0xffffffff) // prevout index: null marker

	mustWriteVarInt(&buf, uint64(len(scriptSig)))
	headEnd := buf.Len()
	buf.Write(scriptSig)

	writeUint32LE(&buf, 0xffffffff) // sequence

	outputs, err := buildOutputs(payouts, totalReward, params)
	if err != nil {
		return nil, err
	}
	mustWriteVarInt(&buf, uint64(len(outputs)))
	for _, out := range outputs {
		binary.Write(&buf, binary.LittleEndian, uint64(out.value))
		mustWriteVarInt(&buf, uint64(len(out.script)))
		buf.Write(out.script)
	}

	writeUint32LE(&buf, 0) // locktime

	full := buf.Bytes()
	splitAt := headEnd + extranonceOffset

	coinb1 := make([]byte, splitAt)
	copy(coinb1, full[:splitAt])
	coinb2 := make([]byte, len(full)-splitAt-ExtranonceWidth)
	copy(coinb2, full[splitAt+ExtranonceWidth:])

	return &Result{Coinb1: coinb1, Coinb2: coinb2}, nil
}

// buildScriptSig returns the coinbase scriptSig (BIP34 height push, pool
// tag, and ExtranonceWidth zero bytes) and the byte offset within it where
// the extranonce region begins.
func buildScriptSig(height int64) (script []byte, extranonceOffset int) {
	heightPush := bip34HeightPush(height)
	tag := []byte("/public-pool/")

	var buf bytes.Buffer
	buf.Write(heightPush)
	buf.Write(tag)
	offset := buf.Len()
	buf.Write(make([]byte, ExtranonceWidth))

	return buf.Bytes(), offset
}

// bip34HeightPush encodes height as a minimal-length little-endian push,
// including its own push-length prefix byte, per BIP34.
func bip34HeightPush(height int64) []byte {
	if height == 0 {
		return []byte{0x01, 0x00}
	}

	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], uint64(height))

	length := 8
	for length > 0 && raw[length-1] == 0 {
		length--
	}
	// BIP34: if the high bit of the last byte would be set, the encoding is
	// ambiguous with a negative number, so append a zero byte.
	if raw[length-1]&0x80 != 0 {
		return append([]byte{byte(length + 1)}, append(raw[:length], 0x00)...)
	}
	return append([]byte{byte(length)}, raw[:length]...)
}

type output struct {
	value  int64
	script []byte
}

// buildOutputs splits totalReward across payouts by percentage, with
// rounding residue assigned to the last output, and builds a standard
// pay-to-address script for each recipient.
func buildOutputs(payouts []Payout, totalReward int64, params *chaincfg.Params) ([]output, error) {
	outputs := make([]output, len(payouts))
	var distributed int64

	for i, p := range payouts {
		addr, err := btcutil.DecodeAddress(p.Address, params)
		if err != nil {
			return nil, fmt.Errorf("coinbase: decode payout address %q: %w", p.Address, err)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("coinbase: build script for %q: %w", p.Address, err)
		}

		value := int64(float64(totalReward) * p.Percent / 100.0)
		if i < len(payouts)-1 {
			distributed += value
			outputs[i] = output{value: value, script: script}
		} else {
			// Last output absorbs the rounding residue (P7).
			outputs[i] = output{value: totalReward - distributed, script: script}
		}
	}

	return outputs, nil
}

func writeUint32LE(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// mustWriteVarInt writes a Bitcoin varint to an in-memory buffer; bytes.Buffer
// never returns a write error, so the error from wire.WriteVarInt is
// discarded rather than propagated.
func mustWriteVarInt(buf *bytes.Buffer, v uint64) {
	_ = wire.WriteVarInt(buf, 0, v)
}
