package server

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kumako/public-pool/internal/config"
	"github.com/kumako/public-pool/internal/mining"
	"github.com/kumako/public-pool/internal/session"
)

func testOrchestrator(t *testing.T) (*Orchestrator, config.ServerConfig) {
	t.Helper()
	cfg := config.ServerConfig{
		Host:         "127.0.0.1",
		Port:         0,
		MaxSessions:  1,
		IdleTimeout:  time.Minute,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
	registry := mining.NewRegistry(zap.NewNop(), 4)
	o := New(cfg, config.PayoutConfig{Network: "testnet", PrimaryAddressType: "p2wpkh"}, zap.NewNop(), registry, session.Collaborators{})
	return o, cfg
}

func TestOrchestratorRejectsOverMaxSessions(t *testing.T) {
	o, _ := testOrchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx) }()

	// Give the listener time to bind before dialing.
	var addr string
	for i := 0; i < 100 && o.listener == nil; i++ {
		time.Sleep(time.Millisecond)
	}
	if o.listener == nil {
		t.Fatal("listener never bound")
	}
	addr = o.listener.Addr().String()

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	time.Sleep(20 * time.Millisecond)

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()

	// The orchestrator should close the second connection immediately
	// since MaxSessions is 1.
	second.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, readErr := second.Read(buf)
	if readErr == nil {
		t.Error("expected second connection to be closed by the orchestrator")
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Error("orchestrator did not shut down promptly")
	}
}
