package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Kind names a transport.
type Kind string

const (
	KindHTTP     Kind = "http"
	KindBeacon   Kind = "beacon"
	KindProxy    Kind = "proxy"
	KindKafka    Kind = "kafka"
	KindPostgres Kind = "postgres"
	KindLog      Kind = "log"
)

// Config selects and configures a transport.
type Config struct {
	Kind          Kind
	Endpoint      string
	ProxyEndpoint string
	PublicKey     string
	Timeout       time.Duration

	// ReachTimeout bounds the reachability check of Endpoint. Zero skips
	// the check.
	ReachTimeout time.Duration

	Kafka    KafkaConfig
	Postgres PGConfig
	LogPath  string
}

// Resolver turns a Config into a started Sender.
type Resolver struct {
	opts []Option
}

// NewResolver returns a resolver whose senders are built with opts.
func NewResolver(opts ...Option) *Resolver {
	return &Resolver{opts: opts}
}

// Resolve builds and starts the configured sender. For HTTP transports,
// when a proxy endpoint is configured and the direct endpoint fails its
// check (typically because a content blocker drops it), the proxy is used.
func (r *Resolver) Resolve(ctx context.Context, cfg Config) (Sender, error) {
	s, err := r.build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, fmt.Errorf("start %s transport: %w", s.Name(), err)
	}
	return s, nil
}

func (r *Resolver) build(ctx context.Context, cfg Config) (Sender, error) {
	logger := buildOptions(r.opts).logger

	switch cfg.Kind {
	case "", KindHTTP, KindBeacon:
		mode := ModeFetch
		if cfg.Kind == KindBeacon {
			mode = ModeBeacon
		}
		direct := NewHTTPSender(HTTPConfig{
			Endpoint:  cfg.Endpoint,
			Mode:      mode,
			PublicKey: cfg.PublicKey,
			Timeout:   cfg.Timeout,
		}, r.opts...)
		if cfg.ProxyEndpoint == "" || cfg.ReachTimeout <= 0 {
			return direct, nil
		}
		pctx, cancel := context.WithTimeout(ctx, cfg.ReachTimeout)
		defer cancel()
		if err := direct.Reach(pctx); err != nil {
			logger.Info("collector unreachable, using proxy",
				slog.String("endpoint", cfg.Endpoint),
				slog.String("proxy", cfg.ProxyEndpoint),
				slog.Any("error", err),
			)
			return r.proxy(cfg), nil
		}
		return direct, nil
	case KindProxy:
		return r.proxy(cfg), nil
	case KindKafka:
		return NewKafkaSender(cfg.Kafka, r.opts...), nil
	case KindPostgres:
		pg := cfg.Postgres
		if pg.Table == "" {
			pg.Table = "events_json"
		}
		return &PGSender{config: pg, opts: buildOptions(r.opts)}, nil
	case KindLog:
		path := cfg.LogPath
		if path == "" {
			path = "stdout"
		}
		return NewLogSenderTo(path, r.opts...), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Kind)
	}
}

func (r *Resolver) proxy(cfg Config) *HTTPSender {
	endpoint := cfg.ProxyEndpoint
	if endpoint == "" {
		endpoint = cfg.Endpoint
	}
	return NewHTTPSender(HTTPConfig{
		Endpoint:  endpoint,
		Mode:      ModeProxy,
		PublicKey: cfg.PublicKey,
		Timeout:   cfg.Timeout,
	}, r.opts...)
}
