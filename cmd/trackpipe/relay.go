package main

import (
	"context"
	"fmt"
	"log/slog"

	httpx "github.com/shortontech/trackpipe/internal/http"
	"github.com/shortontech/trackpipe/internal/metrics"
	"github.com/shortontech/trackpipe/internal/transport"
	"github.com/shortontech/trackpipe/pkg/analytics"
	"github.com/shortontech/trackpipe/pkg/config"
)

// startRelay resolves the forward transport and starts the relay server.
// The caller shuts down the server and closes the sender.
func startRelay(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (*httpx.Server, transport.Sender, error) {
	if err := cfg.Relay.Validate(); err != nil {
		return nil, nil, err
	}

	s, err := transport.NewResolver(
		transport.WithMetrics(m),
		transport.WithLogger(logger),
	).Resolve(ctx, analytics.TransportConfig(cfg.Transport))
	if err != nil {
		return nil, nil, err
	}
	fwd, ok := s.(transport.EnvelopeSender)
	if !ok {
		_ = s.Close()
		return nil, nil, fmt.Errorf("transport %s cannot forward envelopes", s.Name())
	}

	srv := httpx.NewServer(httpx.Env{
		Cfg:      cfg.Relay,
		Forward:  fwd,
		Verifier: httpx.NewVerifier(cfg.Relay.Secret, cfg.Relay.RequireHMAC, logger),
		Metrics:  m,
		Logger:   logger,
	})
	if err := srv.Start(ctx); err != nil {
		_ = s.Close()
		return nil, nil, fmt.Errorf("start relay: %w", err)
	}
	return srv, s, nil
}
