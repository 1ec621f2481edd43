// Package collab declares the external collaborators the session engine is
// built against but does not itself implement: persistence, statistics,
// and the Bitcoin node RPC adapter. Concrete implementations live in
// internal/storage and internal/bitcoinrpc.
package collab

import (
	"context"
	"time"

	"github.com/kumako/public-pool/internal/mining"
)

// ClientRecord describes a session at the moment it completes its
// handshake, for ClientStore.Insert.
type ClientRecord struct {
	SessionID      string
	WorkerName     string
	PayoutAddress  string
	UserAgent      string
	ConnectedAt    time.Time
	SessionDiffIn  float64
}

// ClientStore persists connected sessions and tracks their best difficulty.
type ClientStore interface {
	Insert(ctx context.Context, c ClientRecord) error
	UpdateBestDifficulty(ctx context.Context, sessionID string, difficulty float64) error
}

// SubmissionRecord is one accepted share, forwarded for statistics.
type SubmissionRecord struct {
	Address    string
	WorkerName string
	SessionID  string
	Hash       string
	Difficulty float64
	SubmittedAt time.Time
}

// StatisticsStore records accepted submissions and reports hashrate.
type StatisticsStore interface {
	AddSubmission(ctx context.Context, s SubmissionRecord) error
	GetHashRate(ctx context.Context, address string) (float64, error)
}

// BlockRecord describes a found block for BlockStore.Save.
type BlockRecord struct {
	Hash       string
	Height     int64
	Address    string
	WorkerName string
	Difficulty float64
	FoundAt    time.Time
}

// BlockStore persists blocks found by the pool.
type BlockStore interface {
	Save(ctx context.Context, b BlockRecord) error
}

// AddressSettings holds per-address configuration and running best-share
// state used by the payout policy.
type AddressSettings struct {
	Address        string
	BestDifficulty float64
}

// AddressSettingsStore manages per-address settings and best-share resets
// (reset after a block is found and credited).
type AddressSettingsStore interface {
	GetSettings(ctx context.Context, address string) (AddressSettings, error)
	UpdateBestDifficulty(ctx context.Context, address string, difficulty float64) error
	ResetBestDifficultyAndShares(ctx context.Context, address string) error
}

// BitcoinRpc is the Bitcoin node adapter: template retrieval and block
// submission. SubmitBlock returns an empty string on acceptance and a
// rejection reason otherwise. GetBlockTemplate is used by the upstream
// template poller, not by SessionFSM directly.
type BitcoinRpc interface {
	GetBlockTemplate(ctx context.Context) (*mining.Template, error)
	SubmitBlock(ctx context.Context, blockHex string) (rejectReason string, err error)
}
