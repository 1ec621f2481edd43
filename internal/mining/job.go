// Package mining holds the immutable mining job type and the process-wide
// registry that builds jobs from upstream templates and fans them out to
// every live session.
package mining

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/kumako/public-pool/internal/bitcoinhash"
	"github.com/kumako/public-pool/internal/coinbase"
	"github.com/kumako/public-pool/internal/merkle"
)

// Job holds the frozen parameters of a mining job. Once constructed it
// never changes; a share submission only supplies the variable fields
// (version-rolling bits, ntime, nonce, extranonce2) needed to rebuild the
// 80-byte header.
//
// Coinb1/Coinb2 hold the registry's default coinbase split: 100% to the
// pool's primary address, with no dev fee. MerkleBranch does not depend
// on coinbase content (only on the other transactions' txids), so it is
// valid for any coinbase paying the same total reward; SessionFSM uses
// BuildCoinbaseFor to produce a session-specific split (the dev-fee
// policy of spec.md §6) without needing the registry to rebuild the job.
type Job struct {
	ID            string
	PrevHash      [32]byte // natural byte order, as published by the node
	Coinb1        []byte
	Coinb2        []byte
	MerkleBranch  [][]byte // sibling hashes, coinbase-to-root order
	Version       int32
	NBits         uint32
	NTime         uint32
	CleanJobs     bool
	TemplateRef   *Template
	Extranonce1   []byte
	Extranonce2Sz int
	CreatedAt     time.Time
}

// BuildCoinbaseFor rebuilds coinb1/coinb2 for this job's height and total
// reward under an alternate payout split, for sessions whose dev-fee
// eligibility differs from the registry's default. The merkle branch is
// unaffected and need not be recomputed.
func (j *Job) BuildCoinbaseFor(payouts []coinbase.Payout, params *chaincfg.Params) ([]byte, []byte, error) {
	result, err := coinbase.Build(j.TemplateRef.Height, payouts, j.TemplateRef.CoinbaseValue, params)
	if err != nil {
		return nil, nil, err
	}
	return result.Coinb1, result.Coinb2, nil
}

// Coinbase assembles the full coinbase transaction from a coinb1/coinb2
// split and a session's extranonce1||extranonce2. coinb1/coinb2 are
// passed explicitly (rather than always read from the job) because a
// session's resolved payout split may override the job's default.
func (j *Job) Coinbase(coinb1, coinb2, extranonce1, extranonce2 []byte) []byte {
	out := make([]byte, 0, len(coinb1)+len(extranonce1)+len(extranonce2)+len(coinb2))
	out = append(out, coinb1...)
	out = append(out, extranonce1...)
	out = append(out, extranonce2...)
	out = append(out, coinb2...)
	return out
}

// RebuildHeader reconstructs the 80-byte block header for a submitted
// share, against the given coinb1/coinb2 split (the same one last sent
// to this session in mining.notify):
//  1. version' = (job.version & ~mask) | (submittedVersionBits & mask)
//  2. coinbase = coinb1 || extranonce1 || extranonce2 || coinb2
//  3. root = fold(sha256d(coinbase), merkle_branch)
//  4. header = version'(4 LE) || prev_hash(32) || root(32) || ntime(4 LE) || nbits(4 LE) || nonce(4 LE)
func (j *Job) RebuildHeader(coinb1, coinb2 []byte, versionMask uint32, extranonce1, extranonce2 []byte, ntime, nonce uint32, submittedVersionBits uint32) ([]byte, []byte) {
	version := (uint32(j.Version) &^ versionMask) | (submittedVersionBits & versionMask)

	coinbase := j.Coinbase(coinb1, coinb2, extranonce1, extranonce2)
	coinbaseHash := bitcoinhash.Sha256D(coinbase)
	root := merkle.Fold(coinbaseHash, j.MerkleBranch)

	header := make([]byte, 80)
	binary.LittleEndian.PutUint32(header[0:4], version)
	copy(header[4:36], j.PrevHash[:])
	copy(header[36:68], root)
	binary.LittleEndian.PutUint32(header[68:72], ntime)
	binary.LittleEndian.PutUint32(header[72:76], j.NBits)
	binary.LittleEndian.PutUint32(header[76:80], nonce)

	return header, coinbase
}

// NotifyParams returns the ordered parameter list for a mining.notify
// message, using the job's default (no dev fee) coinbase split:
// [job_id, prev_hash_hex, coinb1_hex, coinb2_hex, merkle_branch_hex[],
// version_hex, nbits_hex, ntime_hex, clean_jobs].
func (j *Job) NotifyParams() []interface{} {
	return j.NotifyParamsWithCoinbase(j.Coinb1, j.Coinb2)
}

// NotifyParamsWithCoinbase is NotifyParams with the coinbase halves
// overridden, for a session whose resolved payout split differs from the
// registry's default (spec.md §6 payout policy).
func (j *Job) NotifyParamsWithCoinbase(coinb1, coinb2 []byte) []interface{} {
	return j.notifyParams(coinb1, coinb2, j.CleanJobs)
}

// NotifyParamsForceClean is NotifyParamsWithCoinbase with clean_jobs
// forced to true, used to re-push the current job after a vardiff
// retarget so the miner discards any work done at the old difficulty.
func (j *Job) NotifyParamsForceClean(coinb1, coinb2 []byte) []interface{} {
	return j.notifyParams(coinb1, coinb2, true)
}

func (j *Job) notifyParams(coinb1, coinb2 []byte, cleanJobs bool) []interface{} {
	branch := make([]string, len(j.MerkleBranch))
	for i, b := range j.MerkleBranch {
		branch[i] = hex.EncodeToString(b)
	}

	return []interface{}{
		j.ID,
		hex.EncodeToString(j.PrevHash[:]),
		hex.EncodeToString(coinb1),
		hex.EncodeToString(coinb2),
		branch,
		fmt.Sprintf("%08x", uint32(j.Version)),
		fmt.Sprintf("%08x", j.NBits),
		fmt.Sprintf("%08x", j.NTime),
		cleanJobs,
	}
}
