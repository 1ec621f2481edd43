package mining

import (
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/kumako/public-pool/internal/coinbase"
	"github.com/kumako/public-pool/internal/merkle"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	jobsGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_jobs_generated_total",
		Help: "Total number of jobs generated",
	})

	currentBlockHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_current_block_height",
		Help: "Current block height",
	})
)

func init() {
	prometheus.MustRegister(jobsGenerated)
	prometheus.MustRegister(currentBlockHeight)
}

// maxLiveJobs bounds the registry's job map; a template with clean_jobs
// set also prunes every job from the prior template, so this bound only
// guards against an unbounded accumulation of jobs from templates that
// never set clean_jobs.
const maxLiveJobs = 256

// broadcastBufferSize is the per-subscriber channel depth. A subscriber
// slower than this many jobs behind loses the intermediate jobs and sees
// only the latest one (latest-wins, per spec §4.5/§5).
const broadcastBufferSize = 1

// Registry is the process-wide, thread-safe owner of the current template
// and all live jobs. It is the only coupling point between the upstream
// template source and every SessionFSM.
type Registry struct {
	logger *zap.Logger

	mu            sync.Mutex
	currentHeight int64
	current       atomic.Value // *Job

	jobsMu sync.RWMutex
	jobs   map[string]*Job

	nextID uint64

	subsMu sync.Mutex
	subs   []chan *Job

	extranonce2Size int
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *zap.Logger, extranonce2Size int) *Registry {
	return &Registry{
		logger:          logger.Named("registry"),
		jobs:            make(map[string]*Job),
		extranonce2Size: extranonce2Size,
	}
}

// Extranonce2Size reports the size every session should use for its
// extranonce2, announced during mining.subscribe.
func (r *Registry) Extranonce2Size() int {
	return r.extranonce2Size
}

// OnNewTemplate builds a new Job from an upstream template and a resolved
// payout schedule, stores it, evicts superseded jobs when the template
// represents a new tip, and publishes the job to every subscriber.
func (r *Registry) OnNewTemplate(tmpl *Template, payouts []coinbase.Payout, params *chaincfg.Params) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleanJobs := tmpl.ClearJobs || tmpl.Height != r.currentHeight
	r.currentHeight = tmpl.Height

	txids := make([][]byte, len(tmpl.Transactions)+1)
	txids[0] = make([]byte, 32) // coinbase placeholder; value is irrelevant to the branch
	for i, tx := range tmpl.Transactions {
		raw, err := hex.DecodeString(tx.TxID)
		if err != nil {
			return nil, fmt.Errorf("registry: decode txid %q: %w", tx.TxID, err)
		}
		txids[i+1] = reverseBytes(raw) // getblocktemplate txids are display order
	}
	branch := merkle.Branch(txids)

	reward := coinbase.Subsidy(tmpl.Height) + totalFees(tmpl.Transactions)
	built, err := coinbase.Build(tmpl.Height, payouts, reward, params)
	if err != nil {
		return nil, fmt.Errorf("registry: build coinbase: %w", err)
	}

	prevHashBytes, err := hex.DecodeString(tmpl.PrevBlockHash)
	if err != nil {
		return nil, fmt.Errorf("registry: decode prev hash: %w", err)
	}
	var prevHash [32]byte
	copy(prevHash[:], prevHashBytes)

	id := r.nextJobID()
	job := &Job{
		ID:            id,
		PrevHash:      prevHash,
		Coinb1:        built.Coinb1,
		Coinb2:        built.Coinb2,
		MerkleBranch:  branch,
		Version:       tmpl.Version,
		NBits:         tmpl.NBits,
		NTime:         tmpl.CurTime,
		CleanJobs:     cleanJobs,
		TemplateRef:   tmpl,
		Extranonce2Sz: r.extranonce2Size,
		CreatedAt:     time.Now(),
	}

	r.jobsMu.Lock()
	if cleanJobs {
		for k := range r.jobs {
			delete(r.jobs, k)
		}
	}
	r.jobs[id] = job
	if len(r.jobs) > maxLiveJobs {
		r.evictOldestLocked()
	}
	r.jobsMu.Unlock()

	r.current.Store(job)
	jobsGenerated.Inc()
	currentBlockHeight.Set(float64(tmpl.Height))

	r.logger.Info("new job",
		zap.String("job_id", id),
		zap.Int64("height", tmpl.Height),
		zap.Bool("clean_jobs", cleanJobs),
	)

	r.publish(job)
	return job, nil
}

// evictOldestLocked drops the oldest job once the bound is exceeded.
// jobsMu must be held by the caller.
func (r *Registry) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, j := range r.jobs {
		if oldestID == "" || j.CreatedAt.Before(oldestAt) {
			oldestID, oldestAt = id, j.CreatedAt
		}
	}
	if oldestID != "" {
		delete(r.jobs, oldestID)
	}
}

// nextJobID allocates a fresh, monotonic job id.
func (r *Registry) nextJobID() string {
	id := atomic.AddUint64(&r.nextID, 1)
	return fmt.Sprintf("%x", id)
}

// GetJob looks up a job by id. Returns nil if the job was never created or
// has since been evicted by a clean_jobs eviction (P5).
func (r *Registry) GetJob(id string) *Job {
	r.jobsMu.RLock()
	defer r.jobsMu.RUnlock()
	return r.jobs[id]
}

// CurrentJob returns the most recently published job, or nil if none yet.
func (r *Registry) CurrentJob() *Job {
	if j := r.current.Load(); j != nil {
		return j.(*Job)
	}
	return nil
}

// Subscribe returns a receive handle that yields every subsequent job. A
// slow subscriber observes only the latest job: the channel is buffered to
// broadcastBufferSize and a full channel is drained of its stale entry
// before the new one is pushed, so the subscriber never falls behind by
// more than one superseded job and never sees an older job after a newer
// one.
func (r *Registry) Subscribe() <-chan *Job {
	ch := make(chan *Job, broadcastBufferSize)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription previously returned by Subscribe.
// Sessions call this on close to release their channel.
func (r *Registry) Unsubscribe(ch <-chan *Job) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for i, c := range r.subs {
		if c == ch {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			close(c)
			return
		}
	}
}

func (r *Registry) publish(job *Job) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	for _, ch := range r.subs {
		select {
		case ch <- job:
		default:
			// Drop the stale job and force the latest one through.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- job:
			default:
			}
		}
	}
}

func totalFees(txs []TxEntry) int64 {
	var total int64
	for _, tx := range txs {
		total += tx.Fee
	}
	return total
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}
