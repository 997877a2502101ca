package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/shortontech/trackpipe/internal/dispatch"
	"github.com/shortontech/trackpipe/internal/event"
)

// LogSender appends envelopes as NDJSON to a file, or to stdout when the
// destination is "stdout".
type LogSender struct {
	dst  string
	mu   sync.Mutex
	f    *os.File
	w    io.Writer
	opts options
}

// NewLogSender creates a LogSender writing to LOG_PATH (default ndjson.log).
func NewLogSender(opts ...Option) *LogSender {
	return NewLogSenderTo(getEnvOr("LOG_PATH", "ndjson.log"), opts...)
}

// NewLogSenderTo creates a LogSender writing to dst.
func NewLogSenderTo(dst string, opts ...Option) *LogSender {
	return &LogSender{dst: dst, opts: buildOptions(opts)}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dst == "stdout" {
		s.w = os.Stdout
		return nil
	}
	f, err := os.OpenFile(s.dst, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.dst, err)
	}
	s.f = f
	s.w = f
	return nil
}

func (s *LogSender) Send(ctx context.Context, b *dispatch.Batch) error {
	envs, err := envelopes(b, s.opts.shape)
	if err != nil {
		return err
	}
	return s.SendEnvelopes(ctx, envs)
}

// SendEnvelopes writes one JSON line per envelope.
func (s *LogSender) SendEnvelopes(ctx context.Context, envs []event.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return fmt.Errorf("log sender not started")
	}
	enc := json.NewEncoder(s.w)
	for _, env := range envs {
		if err := enc.Encode(env); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	return nil
}

func (s *LogSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = nil
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
