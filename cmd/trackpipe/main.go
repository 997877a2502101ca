package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shortontech/trackpipe/internal/errs"
	"github.com/shortontech/trackpipe/internal/event"
	"github.com/shortontech/trackpipe/internal/metrics"
	"github.com/shortontech/trackpipe/internal/policy"
	"github.com/shortontech/trackpipe/pkg/analytics"
	"github.com/shortontech/trackpipe/pkg/config"
)

var testEventGap = 200 * time.Millisecond

type flags struct {
	configPath string
	testMode   bool
	relay      bool
	grant      bool
	host       string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("trackpipe", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "YAML or JSON config file; environment variables are used when empty")
	fs.BoolVar(&f.testMode, "test", false, "emit sample events instead of reading stdin")
	fs.BoolVar(&f.relay, "relay", false, "serve the relay endpoint and forward batches through the transport")
	fs.BoolVar(&f.grant, "grant", true, "grant analytics consent at startup")
	fs.StringVar(&f.host, "host", "", "hostname reported to the policy gate")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Load(), nil
	}
	return config.FromFile(path)
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

func logReportedError(e *errs.Error) {
	log.Printf("trackpipe: %v", e)
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.Default()
	metricsSrv := metrics.NewServer(metrics.LoadConfig(), m.Gatherer())
	if err := metricsSrv.Start(ctx); err != nil {
		log.Printf("metrics: failed to start: %v", err)
	}

	logger := newLogger(os.Getenv("LOG_LEVEL"), os.Stderr)

	if f.relay {
		srv, sender, err := startRelay(ctx, cfg, m, logger)
		if err != nil {
			log.Fatalf("relay error: %v", err)
		}
		<-ctx.Done()
		shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		_ = srv.Shutdown(shutdownCtx)
		if err := sender.Close(); err != nil {
			log.Printf("relay: close transport: %v", err)
		}
		_ = metricsSrv.Shutdown(shutdownCtx)
		return
	}

	tracker, err := analytics.New(cfg,
		analytics.WithLogger(logger),
		analytics.WithMetrics(m),
		analytics.WithErrorHandler(logReportedError),
		analytics.WithEnvironment(policy.StaticEnvironment{IsCapable: true, Host: f.host}),
	)
	if err != nil {
		log.Fatalf("tracker error: %v", err)
	}

	runErr := run(ctx, tracker, f, os.Stdin)

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := tracker.Shutdown(shutdownCtx); err != nil {
		log.Printf("trackpipe: shutdown incomplete: %v", err)
	}
	_ = metricsSrv.Shutdown(shutdownCtx)

	if runErr != nil {
		log.Fatalf("trackpipe: %v", runErr)
	}
}

// run initializes the tracker and feeds it either the sample events or
// NDJSON events from in. An init failure is logged, not fatal: events keep
// queueing and are dropped at shutdown.
func run(ctx context.Context, tracker *analytics.Tracker, f flags, in io.Reader) error {
	if err := tracker.Init(ctx); err != nil {
		log.Printf("trackpipe: provider not ready, events will queue: %v", err)
	}
	if f.grant {
		tracker.Grant()
	}

	if f.testMode {
		runTestMode(tracker.Submit, testEventGap)
		return nil
	}

	// Unblock the scanner on shutdown.
	if c, ok := in.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}
	log.Printf("trackpipe: reading events from stdin")
	n, err := pipeEvents(ctx, in, tracker.Submit)
	log.Printf("trackpipe: %d events read", n)
	return err
}

// pipeEvents submits one JSON event per line until EOF or ctx ends. Blank
// lines are skipped; malformed lines are logged and skipped.
func pipeEvents(ctx context.Context, r io.Reader, submit func(event.Event) analytics.Outcome) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	n, line := 0, 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return n, nil
		}
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var e event.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			log.Printf("trackpipe: line %d: invalid event: %v", line, err)
			continue
		}
		if e.ID == "" {
			fresh := event.New(e.Payload, e.Category, e.Page)
			if !e.Timestamp.IsZero() {
				fresh.Timestamp = e.Timestamp
			}
			e = fresh
		}
		submit(e)
		n++
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return n, nil
		}
		return n, fmt.Errorf("read events: %w", err)
	}
	return n, nil
}
