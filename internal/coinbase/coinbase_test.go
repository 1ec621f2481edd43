package coinbase

import (
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
)

func TestSubsidySchedule(t *testing.T) {
	// P8: heights 0, 209_999, 210_000, 420_000, 13_440_000.
	cases := []struct {
		height int64
		want   int64
	}{
		{0, 50_0000_0000},
		{209_999, 50_0000_0000},
		{210_000, 25_0000_0000},
		{420_000, 12_5000_0000},
		{13_440_000, 0},
	}
	for _, c := range cases {
		if got := Subsidy(c.height); got != c.want {
			t.Errorf("Subsidy(%d) = %d, want %d", c.height, got, c.want)
		}
	}
}

func TestBuildSplitsAtExtranonceRegion(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	addr := regtestP2PKHAddress(t)

	result, err := Build(100, []Payout{{Address: addr, Percent: 100}}, 5_000_000_000, params)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e1 := []byte{0x01, 0x02, 0x03, 0x04}
	e2 := []byte{0x05, 0x06, 0x07, 0x08}
	full := append(append(append([]byte{}, result.Coinb1...), e1...), e2...)
	full = append(full, result.Coinb2...)

	if full[0] != 0x01 || full[1] != 0x00 || full[2] != 0x00 || full[3] != 0x00 {
		t.Fatalf("expected version=1 little-endian prefix, got %x", full[:4])
	}

	// The extranonce region is the last ExtranonceWidth bytes of the
	// scriptSig, whose length byte follows version(4), input count(1) and
	// the null prevout(36).
	scriptLen := int(full[41])
	if got, want := len(result.Coinb1), 42+scriptLen-ExtranonceWidth; got != want {
		t.Errorf("coinb1 length = %d, want %d (split at the start of the extranonce region)", got, want)
	}
}

func TestBuildPayoutSplitSumsExactly(t *testing.T) {
	// P7: output satoshi sum equals total reward exactly.
	params := &chaincfg.RegressionNetParams
	addr1 := regtestP2PKHAddress(t)
	addr2 := regtestP2PKHAddress(t)

	total := int64(5_000_000_037) // deliberately not evenly divisible
	result, err := Build(100, []Payout{
		{Address: addr1, Percent: 98.5},
		{Address: addr2, Percent: 1.5},
	}, total, params)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	sum := sumOutputValues(t, result)
	if sum != total {
		t.Errorf("output sum = %d, want %d", sum, total)
	}
}

func sumOutputValues(t *testing.T, r *Result) int64 {
	t.Helper()
	e1e2 := make([]byte, ExtranonceWidth)
	full := append(append(append([]byte{}, r.Coinb1...), e1e2...), r.Coinb2...)

	// Skip version(4) + input-count varint(1, <0xfd) + prevout(36) + scriptlen.
	pos := 4 + 1 + 36
	scriptLen := int(full[pos])
	pos += 1 + scriptLen + 4 // script + sequence

	outCount := int(full[pos])
	pos++

	var sum int64
	for i := 0; i < outCount; i++ {
		value := int64(binary.LittleEndian.Uint64(full[pos : pos+8]))
		sum += value
		pos += 8
		outScriptLen := int(full[pos])
		pos += 1 + outScriptLen
	}
	return sum
}

func regtestP2PKHAddress(t *testing.T) string {
	t.Helper()
	// A well-known valid testnet/regtest P2PKH address (shares
	// PubKeyHashAddrID 0x6f with RegressionNetParams), used only to exercise
	// script construction.
	return "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn"
}
