// Package shares implements per-session share bookkeeping: exact-tuple
// deduplication, best-difficulty tracking, and forwarding of accepted
// shares to the statistics store.
package shares

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kumako/public-pool/internal/collab"
)

// Verdict is the result of a submission, per the spec's tri-state
// contract: Accepted, Duplicate (exact tuple repeat), or Stale (job is not
// the one most recently pushed to the session).
type Verdict int

const (
	Accepted Verdict = iota
	Duplicate
	Stale
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// key identifies one submission attempt uniquely within a session.
type key struct {
	jobID       string
	extranonce2 string
	ntime       uint32
	nonce       uint32
}

// Accounting tracks one session's submission history. It is not safe for
// concurrent use from multiple goroutines; SessionFSM processes inbound
// messages for a single session strictly in order.
type Accounting struct {
	logger *zap.Logger
	stats  collab.StatisticsStore

	address    string
	workerName string
	sessionID  string

	seen           map[key]struct{}
	bestDifficulty float64
}

// New creates an Accounting for one session. address and workerName are
// filled in once mining.authorize completes.
func New(logger *zap.Logger, stats collab.StatisticsStore, sessionID string) *Accounting {
	return &Accounting{
		logger:    logger,
		stats:     stats,
		sessionID: sessionID,
		seen:      make(map[key]struct{}),
	}
}

// SetIdentity records the address/worker a share submission should be
// attributed to, once mining.authorize has been processed.
func (a *Accounting) SetIdentity(address, workerName string) {
	a.address = address
	a.workerName = workerName
}

// BestDifficulty returns the highest difficulty accepted so far.
func (a *Accounting) BestDifficulty() float64 {
	return a.bestDifficulty
}

// Submit records one submission attempt. current reports whether jobID is
// the job most recently pushed to this session; when it is false the
// submission is Stale and nothing is recorded. Jobs the registry has
// already evicted never reach Submit: the caller answers those with
// JobNotFound. diff and hash are the already-computed share difficulty and
// block header hash.
func (a *Accounting) Submit(ctx context.Context, jobID, extranonce2 string, ntime, nonce uint32, current bool, diff float64, hash string) Verdict {
	if !current {
		return Stale
	}

	k := key{jobID: jobID, extranonce2: extranonce2, ntime: ntime, nonce: nonce}
	if _, ok := a.seen[k]; ok {
		return Duplicate
	}
	a.seen[k] = struct{}{}

	if diff > a.bestDifficulty {
		a.bestDifficulty = diff
	}

	if a.stats != nil {
		rec := collab.SubmissionRecord{
			Address:     a.address,
			WorkerName:  a.workerName,
			SessionID:   a.sessionID,
			Hash:        hash,
			Difficulty:  diff,
			SubmittedAt: time.Now(),
		}
		if err := a.stats.AddSubmission(ctx, rec); err != nil && a.logger != nil {
			a.logger.Warn("record submission failed",
				zap.String("session_id", a.sessionID),
				zap.Error(err))
		}
	}

	return Accepted
}

// Stats returns a human-readable summary, used for logging at session
// close.
func (a *Accounting) Stats() string {
	return fmt.Sprintf("session=%s shares=%d best_difficulty=%.2f", a.sessionID, len(a.seen), a.bestDifficulty)
}
