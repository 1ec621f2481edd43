package mining

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/kumako/public-pool/internal/coinbase"
)

func testJob(t *testing.T) *Job {
	t.Helper()
	tmpl := &Template{Height: 800000, CoinbaseValue: 625000000}
	payouts := []coinbase.Payout{{Address: "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", Percent: 100}}
	built, err := coinbase.Build(tmpl.Height, payouts, tmpl.CoinbaseValue, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("coinbase.Build: %v", err)
	}
	return &Job{
		ID:           "1",
		Coinb1:       built.Coinb1,
		Coinb2:       built.Coinb2,
		MerkleBranch: nil,
		Version:      0x20000000,
		NBits:        0x1d00ffff,
		NTime:        1700000000,
		TemplateRef:  tmpl,
	}
}

func TestBuildCoinbaseForProducesDifferentSplit(t *testing.T) {
	j := testJob(t)

	devPayouts := []coinbase.Payout{
		{Address: "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", Percent: 1.5},
		{Address: "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", Percent: 98.5},
	}
	coinb1, coinb2, err := j.BuildCoinbaseFor(devPayouts, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("BuildCoinbaseFor: %v", err)
	}

	// Two outputs instead of one changes coinb2 (which holds the output
	// list and locktime); coinb1 (scriptSig prefix) is unaffected by the
	// payout split.
	if bytes.Equal(coinb2, j.Coinb2) {
		t.Error("expected dev-fee split coinb2 to differ from the default single-payout coinb2")
	}
	if !bytes.Equal(coinb1, j.Coinb1) {
		t.Error("expected coinb1 to be unaffected by payout split (same height, same scriptSig)")
	}
}

func TestRebuildHeaderUsesProvidedCoinbaseSplit(t *testing.T) {
	j := testJob(t)
	e1 := []byte{0x01, 0x02, 0x03, 0x04}
	e2 := []byte{0x05, 0x06, 0x07, 0x08}

	headerA, coinbaseA := j.RebuildHeader(j.Coinb1, j.Coinb2, 0, e1, e2, j.NTime, 0, 0)

	altPayouts := []coinbase.Payout{{Address: "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", Percent: 100}}
	altCoinb1, altCoinb2, err := j.BuildCoinbaseFor(altPayouts, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("BuildCoinbaseFor: %v", err)
	}
	headerB, coinbaseB := j.RebuildHeader(altCoinb1, altCoinb2, 0, e1, e2, j.NTime, 0, 0)

	// Same split, same inputs: rebuilding must be deterministic.
	if !bytes.Equal(coinbaseA, coinbaseB) {
		t.Error("expected identical coinbase bytes for identical payout split and extranonces")
	}
	if !bytes.Equal(headerA, headerB) {
		t.Error("expected identical headers for identical payout split and extranonces")
	}

	// A different split must change the header: RebuildHeader hashes the
	// coinb1/coinb2 it is given, not the job's default halves.
	devPayouts := []coinbase.Payout{
		{Address: "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", Percent: 1.5},
		{Address: "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", Percent: 98.5},
	}
	devCoinb1, devCoinb2, err := j.BuildCoinbaseFor(devPayouts, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("BuildCoinbaseFor: %v", err)
	}
	headerC, _ := j.RebuildHeader(devCoinb1, devCoinb2, 0, e1, e2, j.NTime, 0, 0)
	if bytes.Equal(headerA, headerC) {
		t.Error("expected a different payout split to change the rebuilt header")
	}
}
