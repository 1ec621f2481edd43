package mining

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"

	"github.com/kumako/public-pool/internal/coinbase"
)

// TemplateSource is the upstream supplier of candidate block templates,
// satisfied by internal/bitcoinrpc.Client.
type TemplateSource interface {
	GetBlockTemplate(ctx context.Context) (*Template, error)
}

// Poller periodically fetches a fresh template from TemplateSource and
// feeds it into a Registry, building each job's default coinbase split
// from a single pool-wide payout (the registry's default; SessionFSM
// overrides it per session via Job.BuildCoinbaseFor).
type Poller struct {
	logger   *zap.Logger
	source   TemplateSource
	registry *Registry
	interval time.Duration
	payouts  []coinbase.Payout
	params   *chaincfg.Params
}

// NewPoller constructs a Poller. poolAddress receives 100% of the reward
// in the registry's default job; params selects the chain the address
// decodes against.
func NewPoller(logger *zap.Logger, source TemplateSource, registry *Registry, interval time.Duration, poolAddress string, params *chaincfg.Params) *Poller {
	return &Poller{
		logger:   logger.Named("poller"),
		source:   source,
		registry: registry,
		interval: interval,
		payouts:  []coinbase.Payout{{Address: poolAddress, Percent: 100}},
		params:   params,
	}
}

// Run polls on Poller's interval until ctx is cancelled. The first
// template is fetched immediately rather than waiting out the first tick.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.pollOnce(ctx); err != nil {
		p.logger.Error("initial template fetch failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				p.logger.Warn("template fetch failed", zap.Error(err))
			}
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	tmpl, err := p.source.GetBlockTemplate(ctx)
	if err != nil {
		return err
	}
	_, err = p.registry.OnNewTemplate(tmpl, p.payouts, p.params)
	return err
}
