// Package session implements the Stratum V1 per-connection state machine:
// handshake, job push, and share submission.
package session

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kumako/public-pool/internal/bitcoinhash"
	"github.com/kumako/public-pool/internal/coinbase"
	"github.com/kumako/public-pool/internal/collab"
	"github.com/kumako/public-pool/internal/config"
	"github.com/kumako/public-pool/internal/mining"
	"github.com/kumako/public-pool/internal/protocol"
	"github.com/kumako/public-pool/internal/shares"
	"github.com/kumako/public-pool/internal/vardiff"
)

// State is the session's position in the handshake/submission lifecycle.
type State int32

const (
	StateGreeting State = iota
	StateHandshaking
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultSessionDifficulty = 16384
	vardiffTickInterval      = 60 * time.Second
	cpuminerInitialDiff      = 0.1
	submitRateLimit          = 20  // shares per second, sustained
	submitBurst              = 40
)

var (
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_sessions_active",
		Help: "Number of active Stratum sessions",
	})

	sharesByStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratum_shares_total",
		Help: "Submitted shares by outcome",
	}, []string{"status"})

	blocksFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_blocks_found_total",
		Help: "Blocks successfully submitted to the node",
	})
)

func init() {
	prometheus.MustRegister(sessionsActive, sharesByStatus, blocksFound)
}

// Collaborators bundles the external stores and adapters a session needs,
// injected once by PoolOrchestrator.
type Collaborators struct {
	ClientStore  collab.ClientStore
	Stats        collab.StatisticsStore
	BlockStore   collab.BlockStore
	AddressStore collab.AddressSettingsStore
	Rpc          collab.BitcoinRpc
}

// jobSplit remembers which coinbase halves were actually sent to this
// session for a given job id, so a later submission rebuilds the header
// against the same bytes the miner was told to mine on.
type jobSplit struct {
	coinb1, coinb2 []byte
}

// Session is one Stratum V1 TCP connection.
type Session struct {
	id     string
	conn   net.Conn
	logger *zap.Logger

	payoutCfg config.PayoutConfig
	srvCfg    config.ServerConfig

	registry *mining.Registry
	collab   Collaborators

	accounting *shares.Accounting
	vardiff    *vardiff.Controller
	limiter    *rate.Limiter

	state State

	extranonce1     []byte
	extranonce2Size int
	versionMask     uint32

	subscribed   bool
	configured   bool
	authorized   bool
	suggestedSet bool

	userAgent         string
	workerName        string
	payoutAddress     string
	sessionDifficulty float64

	writeMu sync.Mutex
	lastSeen atomic.Value // time.Time

	jobSub       <-chan *mining.Job
	currentJob   *mining.Job
	splitByJobID map[string]jobSplit

	startedAt time.Time
}

// New constructs a Session for a freshly accepted connection.
func New(conn net.Conn, logger *zap.Logger, payoutCfg config.PayoutConfig, srvCfg config.ServerConfig, registry *mining.Registry, collaborators Collaborators) *Session {
	u := uuid.New()
	id := hex.EncodeToString(u[:4])
	s := &Session{
		id:                id,
		conn:              conn,
		logger:            logger.Named("session").With(zap.String("session_id", id)),
		payoutCfg:         payoutCfg,
		srvCfg:            srvCfg,
		registry:          registry,
		collab:            collaborators,
		vardiff:           vardiff.New(defaultSessionDifficulty),
		limiter:           rate.NewLimiter(rate.Limit(submitRateLimit), submitBurst),
		state:             StateGreeting,
		extranonce1:       append([]byte(nil), u[4:8]...),
		extranonce2Size:   registry.Extranonce2Size(),
		sessionDifficulty: defaultSessionDifficulty,
		splitByJobID:      make(map[string]jobSplit),
		startedAt:         time.Now(),
	}
	s.accounting = shares.New(logger, collaborators.Stats, id)
	s.lastSeen.Store(time.Now())
	return s
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.state }

// IdleSince reports how long it has been since the last inbound message.
func (s *Session) IdleSince() time.Duration {
	last, _ := s.lastSeen.Load().(time.Time)
	return time.Since(last)
}

// Run drives the session's event loop until the connection closes, the
// context is cancelled, or the idle watchdog fires. It serializes inbound
// line processing, job pushes, and vardiff ticks onto one goroutine so
// socket writes are never interleaved and messages are handled in strict
// arrival order.
func (s *Session) Run(ctx context.Context) error {
	defer s.close()
	sessionsActive.Inc()
	defer sessionsActive.Dec()

	lines := make(chan string, 1)
	readErrs := make(chan error, 1)
	go s.readLoop(lines, readErrs)

	ticker := time.NewTicker(vardiffTickInterval)
	defer ticker.Stop()

	idleCheck := time.NewTicker(s.srvCfg.IdleTimeout / 2)
	defer idleCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrs:
			if err == io.EOF {
				return nil
			}
			return err

		case line := <-lines:
			s.lastSeen.Store(time.Now())
			if err := s.handleLine(ctx, line); err != nil {
				s.logger.Warn("message handling failed", zap.Error(err))
			}

		case job, ok := <-s.jobSub:
			if !ok {
				s.jobSub = nil
				continue
			}
			if err := s.pushJob(ctx, job); err != nil {
				return fmt.Errorf("push job: %w", err)
			}

		case <-ticker.C:
			if s.state == StateActive {
				if err := s.retargetIfDue(); err != nil {
					return err
				}
			}

		case <-idleCheck.C:
			if s.IdleSince() > s.srvCfg.IdleTimeout {
				s.logger.Info("closing idle session", zap.Duration("idle", s.IdleSince()))
				return nil
			}
		}
	}
}

func (s *Session) readLoop(lines chan<- string, errs chan<- error) {
	reader := bufio.NewReader(s.conn)
	for {
		if s.srvCfg.ReadTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.srvCfg.ReadTimeout))
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				errs <- io.EOF
				return
			}
			errs <- err
			return
		}
		lines <- line
	}
}

// handleLine parses one JSON-RPC line and dispatches it by method.
func (s *Session) handleLine(ctx context.Context, line string) error {
	var req protocol.Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return s.sendError(nil, protocol.ErrParseError, "parse error")
	}

	switch req.Method {
	case "mining.configure":
		return s.handleConfigure(req)
	case "mining.subscribe":
		return s.handleSubscribe(ctx, req)
	case "mining.authorize":
		return s.handleAuthorize(ctx, req)
	case "mining.suggest_difficulty":
		return s.handleSuggestDifficulty(req)
	case "mining.submit":
		return s.handleSubmit(ctx, req)
	default:
		// Unrecognized methods are dropped rather than answered with an
		// error: a miner firmware sending a method we don't implement
		// shouldn't be kicked off the session over it.
		return nil
	}
}

func (s *Session) handleConfigure(req protocol.Request) error {
	if s.state == StateActive {
		return s.sendError(req.ID, protocol.ErrOtherUnknown, "already active")
	}

	extensions, options, err := protocol.ParseConfigureParams(req.Params)
	if err != nil {
		return s.sendError(req.ID, protocol.ErrInvalidParams, "invalid params")
	}

	result := protocol.ConfigureResult{}
	for _, ext := range extensions {
		if ext != "version-rolling" {
			continue
		}
		mask := uint32(0x1fffe000)
		if raw, ok := options["version-rolling.mask"].(string); ok {
			if parsed, err := strconv.ParseUint(raw, 16, 32); err == nil {
				mask = uint32(parsed)
			}
		}
		s.versionMask = mask
		result["version-rolling"] = true
		result["version-rolling.mask"] = fmt.Sprintf("%08x", mask)
	}

	s.configured = true
	return s.sendResult(req.ID, result)
}

func (s *Session) handleSubscribe(ctx context.Context, req protocol.Request) error {
	params, err := protocol.ParseSubscribeParams(req.Params)
	if err == nil && params.UserAgent != "" {
		s.userAgent = params.UserAgent
	}

	s.subscribed = true
	s.state = StateHandshaking

	subscriptions := [][]interface{}{
		{"mining.set_difficulty", s.id},
		{"mining.notify", s.id},
	}
	result := []interface{}{
		subscriptions,
		hex.EncodeToString(s.extranonce1),
		s.extranonce2Size,
	}

	if err := s.sendResult(req.ID, result); err != nil {
		return err
	}
	return s.maybeCompleteHandshake(ctx)
}

func (s *Session) handleAuthorize(ctx context.Context, req protocol.Request) error {
	params, err := protocol.ParseAuthorizeParams(req.Params)
	if err != nil {
		return s.sendError(req.ID, protocol.ErrInvalidParams, "invalid params")
	}

	address, worker := splitWorkerLogin(params.Username)
	s.payoutAddress = address
	s.workerName = worker
	s.authorized = true
	s.accounting.SetIdentity(address, worker)
	s.state = StateHandshaking

	if err := s.sendResult(req.ID, true); err != nil {
		return err
	}
	return s.maybeCompleteHandshake(ctx)
}

func (s *Session) handleSuggestDifficulty(req protocol.Request) error {
	if s.suggestedSet {
		// One-shot latch: later calls are silently ignored (P6).
		return s.sendResult(req.ID, true)
	}

	diff, err := protocol.ParseSuggestDifficultyParams(req.Params)
	if err != nil || diff <= 0 {
		return s.sendError(req.ID, protocol.ErrInvalidParams, "invalid params")
	}

	s.sessionDifficulty = diff
	s.vardiff = vardiff.New(diff)
	s.suggestedSet = true

	if err := s.sendResult(req.ID, true); err != nil {
		return err
	}
	return s.sendDifficulty()
}

// maybeCompleteHandshake applies the handshake-completion rule once both
// subscription and authorization slots are filled.
func (s *Session) maybeCompleteHandshake(ctx context.Context) error {
	if !s.subscribed || !s.authorized || s.state == StateActive {
		return nil
	}

	if s.userAgent == "cpuminer" {
		s.sessionDifficulty = cpuminerInitialDiff
		s.vardiff = vardiff.New(cpuminerInitialDiff)
	}
	if !s.suggestedSet {
		if err := s.sendDifficulty(); err != nil {
			return err
		}
	}

	if s.collab.ClientStore != nil {
		rec := collab.ClientRecord{
			SessionID:     s.id,
			WorkerName:    s.workerName,
			PayoutAddress: s.payoutAddress,
			UserAgent:     s.userAgent,
			ConnectedAt:   s.startedAt,
			SessionDiffIn: s.sessionDifficulty,
		}
		if err := s.collab.ClientStore.Insert(ctx, rec); err != nil {
			s.logger.Warn("client insert failed", zap.Error(err))
		}
	}

	s.jobSub = s.registry.Subscribe()
	s.state = StateActive

	if job := s.registry.CurrentJob(); job != nil {
		if err := s.pushJob(ctx, job); err != nil {
			return err
		}
	}

	s.logger.Info("session active",
		zap.String("worker", s.workerName),
		zap.String("address", s.payoutAddress),
		zap.Float64("difficulty", s.sessionDifficulty),
		zap.Int("vardiff_samples", vardiff.Samples),
		zap.Duration("vardiff_target_interval", vardiff.TargetInterval),
		zap.Float64("vardiff_ceiling", vardiff.Ceiling),
	)
	return nil
}

// pushJob resolves this session's payout split for job and writes the
// mining.notify line.
func (s *Session) pushJob(ctx context.Context, job *mining.Job) error {
	payouts, err := s.resolvePayout(ctx)
	if err != nil {
		s.logger.Warn("payout resolution failed, using default split", zap.Error(err))
		payouts = []coinbase.Payout{{Address: s.payoutAddress, Percent: 100}}
	}

	coinb1, coinb2, err := job.BuildCoinbaseFor(payouts, s.payoutCfg.ChainParams())
	if err != nil {
		return fmt.Errorf("build coinbase for session: %w", err)
	}

	if job.CleanJobs {
		s.splitByJobID = make(map[string]jobSplit)
	}
	s.splitByJobID[job.ID] = jobSplit{coinb1: coinb1, coinb2: coinb2}
	s.currentJob = job

	return s.sendNotification("mining.notify", job.NotifyParamsWithCoinbase(coinb1, coinb2))
}

// resolvePayout applies the payout policy from spec.md §6.
func (s *Session) resolvePayout(ctx context.Context) ([]coinbase.Payout, error) {
	single := []coinbase.Payout{{Address: s.payoutAddress, Percent: 100}}
	if s.payoutCfg.DevFeeAddress == "" || s.collab.Stats == nil {
		return single, nil
	}

	hashrate, err := s.collab.Stats.GetHashRate(ctx, s.payoutAddress)
	if err != nil {
		return single, err
	}

	thresholdHashes := s.payoutCfg.DevFeeThresholdTHs * 1e12
	if hashrate < thresholdHashes {
		return single, nil
	}

	return []coinbase.Payout{
		{Address: s.payoutCfg.DevFeeAddress, Percent: s.payoutCfg.DevFeePercent},
		{Address: s.payoutAddress, Percent: 100 - s.payoutCfg.DevFeePercent},
	}, nil
}

// retargetIfDue asks the vardiff controller for a new difficulty and, if
// one is proposed, sends set_difficulty followed by a forced clean_jobs
// notify of the current job (spec.md §8 scenario 7).
func (s *Session) retargetIfDue() error {
	newDiff, ok := s.vardiff.Suggest(s.sessionDifficulty)
	if !ok {
		return nil
	}
	s.sessionDifficulty = newDiff

	if err := s.sendDifficulty(); err != nil {
		return err
	}

	if s.currentJob == nil {
		return nil
	}
	split := s.splitByJobID[s.currentJob.ID]
	return s.sendNotification("mining.notify", s.currentJob.NotifyParamsForceClean(split.coinb1, split.coinb2))
}

// handleSubmit processes a mining.submit request per spec.md §4.8.
func (s *Session) handleSubmit(ctx context.Context, req protocol.Request) error {
	if s.state != StateActive {
		if !s.subscribed {
			return s.sendError(req.ID, protocol.ErrNotSubscribed, "not subscribed")
		}
		return s.sendError(req.ID, protocol.ErrUnauthorized, "unauthorized")
	}
	if !s.limiter.Allow() {
		return s.sendError(req.ID, protocol.ErrOtherUnknown, "rate limited")
	}

	params, err := protocol.ParseSubmitParams(req.Params)
	if err != nil {
		return s.sendError(req.ID, protocol.ErrInvalidParams, "invalid params")
	}

	// 1. Job lookup.
	job := s.registry.GetJob(params.JobID)
	if job == nil {
		sharesByStatus.WithLabelValues("job_not_found").Inc()
		return s.sendError(req.ID, protocol.ErrJobNotFound, "job not found")
	}
	split, ok := s.splitByJobID[params.JobID]
	if !ok {
		split = jobSplit{coinb1: job.Coinb1, coinb2: job.Coinb2}
	}

	extranonce2, err := hex.DecodeString(params.Extranonce2)
	if err != nil || len(extranonce2) != s.extranonce2Size {
		return s.sendError(req.ID, protocol.ErrInvalidParams, "invalid extranonce2")
	}
	ntime64, err := strconv.ParseUint(params.NTime, 16, 32)
	if err != nil {
		return s.sendError(req.ID, protocol.ErrInvalidParams, "invalid ntime")
	}
	nonce64, err := strconv.ParseUint(params.Nonce, 16, 32)
	if err != nil {
		return s.sendError(req.ID, protocol.ErrInvalidParams, "invalid nonce")
	}
	var versionBits uint64
	if params.VersionBits != "" {
		versionBits, _ = strconv.ParseUint(params.VersionBits, 16, 32)
	}

	// 2. Rebuild header and compute difficulty.
	header, coinbaseBytes := job.RebuildHeader(split.coinb1, split.coinb2, s.versionMask, s.extranonce1, extranonce2, uint32(ntime64), uint32(nonce64), uint32(versionBits))
	hash := bitcoinhash.Sha256D(header)
	diff := bitcoinhash.DifficultyFromHash(hash)

	// 3. Low-difficulty share: not counted.
	if diff < s.sessionDifficulty {
		sharesByStatus.WithLabelValues("low_difficulty").Inc()
		return s.sendError(req.ID, protocol.ErrLowDifficultyShare, "low difficulty share")
	}

	// 4. Dedup / accounting.
	current := s.currentJob != nil && params.JobID == s.currentJob.ID
	prevBest := s.accounting.BestDifficulty()
	verdict := s.accounting.Submit(ctx, params.JobID, params.Extranonce2, uint32(ntime64), uint32(nonce64), current, diff, hex.EncodeToString(hash))
	switch verdict {
	case shares.Duplicate:
		sharesByStatus.WithLabelValues("duplicate").Inc()
		return s.sendError(req.ID, protocol.ErrDuplicateShare, "duplicate share")
	case shares.Stale:
		sharesByStatus.WithLabelValues("stale").Inc()
		return s.sendError(req.ID, protocol.ErrJobNotFound, "stale job")
	}
	sharesByStatus.WithLabelValues("accepted").Inc()
	s.vardiff.RecordShare(time.Now())

	// 5. Block-found handling: integer-exact check of the hash against the
	// job's compact target.
	if job.TemplateRef != nil && bitcoinhash.HashMeetsTarget(hash, bitcoinhash.CompactToTarget(job.NBits)) {
		s.handleBlockFound(ctx, header, coinbaseBytes, job, hash, diff)
	}

	// 6. Positive acknowledgement.
	if err := s.sendResult(req.ID, true); err != nil {
		return err
	}

	// 7. Propagate a new best-difficulty upstream.
	if diff > prevBest {
		if s.collab.ClientStore != nil {
			if err := s.collab.ClientStore.UpdateBestDifficulty(ctx, s.id, diff); err != nil {
				s.logger.Warn("client best-difficulty update failed", zap.Error(err))
			}
		}
		if s.collab.AddressStore != nil {
			if err := s.collab.AddressStore.UpdateBestDifficulty(ctx, s.payoutAddress, diff); err != nil {
				s.logger.Warn("address best-difficulty update failed", zap.Error(err))
			}
		}
	}

	return nil
}

func (s *Session) handleBlockFound(ctx context.Context, header, coinbaseBytes []byte, job *mining.Job, hash []byte, diff float64) {
	blockHex, err := mining.AssembleBlock(header, coinbaseBytes, job.TemplateRef)
	if err != nil {
		s.logger.Error("assemble block failed", zap.Error(err))
		return
	}

	rejectReason := ""
	if s.collab.Rpc != nil {
		rejectReason, err = s.collab.Rpc.SubmitBlock(ctx, blockHex)
		if err != nil {
			s.logger.Error("submit block failed", zap.Error(err))
			return
		}
	}
	if rejectReason != "" {
		s.logger.Warn("block rejected by node", zap.String("reason", rejectReason))
		return
	}

	blocksFound.Inc()
	s.logger.Info("block found",
		zap.String("hash", hex.EncodeToString(reverse(hash))),
		zap.Int64("height", job.TemplateRef.Height),
	)

	if s.collab.BlockStore != nil {
		rec := collab.BlockRecord{
			Hash:       hex.EncodeToString(reverse(hash)),
			Height:     job.TemplateRef.Height,
			Address:    s.payoutAddress,
			WorkerName: s.workerName,
			Difficulty: diff,
			FoundAt:    time.Now(),
		}
		if err := s.collab.BlockStore.Save(ctx, rec); err != nil {
			s.logger.Error("block persist failed", zap.Error(err))
		}
	}
	if s.collab.AddressStore != nil {
		if err := s.collab.AddressStore.ResetBestDifficultyAndShares(ctx, s.payoutAddress); err != nil {
			s.logger.Warn("address reset failed", zap.Error(err))
		}
	}
}

func (s *Session) sendDifficulty() error {
	return s.sendNotification("mining.set_difficulty", []interface{}{s.sessionDifficulty})
}

func (s *Session) sendResult(id interface{}, result interface{}) error {
	return s.send(protocol.Response{ID: id, Result: result})
}

func (s *Session) sendError(id interface{}, code int, message string) error {
	return s.send(protocol.Response{ID: id, Error: []interface{}{code, message, nil}})
}

func (s *Session) sendNotification(method string, params interface{}) error {
	return s.send(protocol.Notification{Method: method, Params: params})
}

func (s *Session) send(msg interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	if s.srvCfg.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.srvCfg.WriteTimeout))
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (s *Session) close() {
	s.state = StateClosed
	if s.jobSub != nil {
		s.registry.Unsubscribe(s.jobSub)
	}
	s.conn.Close()
	s.logger.Info("session closed", zap.String("stats", s.accounting.Stats()))
}

// splitWorkerLogin parses the mining.authorize username into an address
// and worker name, accepting both "address" and "address.worker" forms.
func splitWorkerLogin(username string) (address, worker string) {
	for i := 0; i < len(username); i++ {
		if username[i] == '.' {
			return username[:i], username[i+1:]
		}
	}
	return username, ""
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}
