// Package transport delivers dispatch batches to a collector, a broker, a
// database or a log, and picks which one to use.
package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shortontech/trackpipe/internal/dispatch"
	"github.com/shortontech/trackpipe/internal/event"
	"github.com/shortontech/trackpipe/internal/provider"
)

// Sender is a dispatch.Sender with a lifecycle.
type Sender interface {
	dispatch.Sender
	Start(ctx context.Context) error
	Close() error
	Name() string // Returns the sender name for metrics and logging
}

// EnvelopeSender writes events that were already shaped, as a relay
// receives them.
type EnvelopeSender interface {
	SendEnvelopes(ctx context.Context, envs []event.Envelope) error
}

var (
	_ EnvelopeSender = (*HTTPSender)(nil)
	_ EnvelopeSender = (*KafkaSender)(nil)
	_ EnvelopeSender = (*PGSender)(nil)
	_ EnvelopeSender = (*LogSender)(nil)
)

// ShapeFunc turns an event into its wire envelope.
type ShapeFunc func(event.Event) (event.Envelope, error)

// DefaultShape builds the plain envelope with no provider stamping.
func DefaultShape(e event.Event) (event.Envelope, error) {
	return e.Envelope(), nil
}

// AdapterShape shapes through a provider adapter.
func AdapterShape(a provider.Adapter) ShapeFunc {
	return func(e event.Event) (event.Envelope, error) {
		return provider.Shape(a, e)
	}
}

// envelopes shapes every event in b, keeping order. Events the provider
// discards are left out.
func envelopes(b *dispatch.Batch, shape ShapeFunc) ([]event.Envelope, error) {
	if shape == nil {
		shape = DefaultShape
	}
	out := make([]event.Envelope, 0, b.Len())
	for _, e := range b.Events {
		env, err := shape(e)
		if errors.Is(err, provider.ErrDiscard) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("shape event %s: %w", e.ID, err)
		}
		out = append(out, env)
	}
	return out, nil
}

// Helper functions
func getEnvOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
