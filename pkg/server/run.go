package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}

	// An unclean shutdown leaves online flags behind; nobody is
	// connected yet, so clear them all.
	if err := s.store.NonTx().ResetOnline(); err != nil {
		return fmt.Errorf("server: reset online flags: %w", err)
	}

	if err := s.StartControl(); err != nil {
		return err
	}
	if err := s.StartWS(); err != nil {
		return err
	}

	slog.Info("GoRelay server running",
		"listen", s.cfg.ListenAddr,
		"ws", s.cfg.WSAddr,
	)

	// Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()

	// Periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown gracefully stops the server: no new connections are
// accepted and every live connection is closed, which drives each
// handler through its normal close path.
func (s *Server) Shutdown() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.wsServer != nil {
		_ = s.wsServer.Close()
	}
	for _, c := range s.sessions.Snapshot() {
		c.Close()
	}
}
