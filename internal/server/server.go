// Package server implements the TCP orchestrator that accepts Stratum V1
// connections and hands each one to its own session.Session.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kumako/public-pool/internal/config"
	"github.com/kumako/public-pool/internal/mining"
	"github.com/kumako/public-pool/internal/session"
)

var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_active_connections",
		Help: "Number of active connections",
	})
	totalConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_total_connections",
		Help: "Total number of connections accepted",
	})
	rejectedConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_rejected_connections_total",
		Help: "Connections rejected because max_sessions was reached",
	})
	connectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_connection_errors_total",
		Help: "Listener accept errors",
	})
)

func init() {
	prometheus.MustRegister(activeConnections, totalConnections, rejectedConnections, connectionErrors)
}

// Orchestrator owns the TCP listener, the job registry, and the bounded
// set of live sessions. It is the top-level component wiring the pool's
// collaborators into every accepted connection.
type Orchestrator struct {
	cfg      config.ServerConfig
	payout   config.PayoutConfig
	logger   *zap.Logger
	registry *mining.Registry
	collab   session.Collaborators

	listener      net.Listener
	metricsServer *http.Server

	sessions  sync.Map // map[string]*session.Session
	connCount int64
	stopping  int32
	wg        sync.WaitGroup
}

// New constructs an Orchestrator. The registry and collaborators are
// shared across every session it accepts.
func New(cfg config.ServerConfig, payout config.PayoutConfig, logger *zap.Logger, registry *mining.Registry, collaborators session.Collaborators) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		payout:   payout,
		logger:   logger.Named("orchestrator"),
		registry: registry,
		collab:   collaborators,
	}
}

// Run listens for connections and runs each accepted session until ctx is
// cancelled, at which point it stops the listener, waits for every live
// session to close, and shuts down the metrics server.
func (o *Orchestrator) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", o.cfg.Host, o.cfg.Port)

	var listener net.Listener
	var err error
	if o.cfg.TLS.Enabled {
		listener, err = o.createTLSListener(addr)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	o.listener = listener

	o.logger.Info("orchestrator started",
		zap.String("address", addr),
		zap.Bool("tls", o.cfg.TLS.Enabled),
		zap.Int("max_sessions", o.cfg.MaxSessions),
	)

	group, groupCtx := errgroup.WithContext(ctx)

	if o.cfg.Metrics.Enabled {
		group.Go(func() error {
			return o.runMetricsServer()
		})
	}

	group.Go(func() error {
		return o.acceptLoop(groupCtx)
	})

	group.Go(func() error {
		<-groupCtx.Done()
		return o.shutdown()
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (o *Orchestrator) acceptLoop(ctx context.Context) error {
	for {
		conn, err := o.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&o.stopping) == 1 {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			connectionErrors.Inc()
			o.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		if atomic.LoadInt64(&o.connCount) >= int64(o.cfg.MaxSessions) {
			rejectedConnections.Inc()
			o.logger.Warn("max sessions reached, rejecting connection",
				zap.String("remote_addr", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		totalConnections.Inc()
		o.wg.Add(1)
		go o.runSession(ctx, conn)
	}
}

func (o *Orchestrator) runSession(ctx context.Context, conn net.Conn) {
	defer o.wg.Done()
	atomic.AddInt64(&o.connCount, 1)
	activeConnections.Inc()
	defer func() {
		atomic.AddInt64(&o.connCount, -1)
		activeConnections.Dec()
	}()

	sess := session.New(conn, o.logger, o.payout, o.cfg, o.registry, o.collab)
	o.sessions.Store(sess.ID(), sess)
	defer o.sessions.Delete(sess.ID())

	o.logger.Debug("connection accepted",
		zap.String("session_id", sess.ID()),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)

	if err := sess.Run(ctx); err != nil && err != context.Canceled {
		o.logger.Debug("session ended", zap.String("session_id", sess.ID()), zap.Error(err))
	}
}

func (o *Orchestrator) createTLSListener(addr string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(o.cfg.TLS.CertFile, o.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS cert: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return tls.Listen("tcp", addr, tlsConfig)
}

func (o *Orchestrator) runMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	o.metricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", o.cfg.Metrics.Port),
		Handler: mux,
	}
	o.logger.Info("metrics server started", zap.Int("port", o.cfg.Metrics.Port))

	if err := o.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// shutdown stops the listener, which unblocks acceptLoop, and waits for
// every live session to observe its ctx.Done() case in Run and exit.
func (o *Orchestrator) shutdown() error {
	atomic.StoreInt32(&o.stopping, 1)
	if o.listener != nil {
		o.listener.Close()
	}
	if o.metricsServer != nil {
		o.metricsServer.Close()
	}

	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
	return nil
}

// SessionCount returns the number of currently live sessions.
func (o *Orchestrator) SessionCount() int64 {
	return atomic.LoadInt64(&o.connCount)
}

// Session looks up a live session by id, for admin/debug tooling.
func (o *Orchestrator) Session(id string) (*session.Session, bool) {
	v, ok := o.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*session.Session), true
}
