package dispatch

import (
	"github.com/google/uuid"

	"github.com/shortontech/trackpipe/internal/event"
)

// Status is the delivery status of a batch.
type Status int

const (
	StatusPending Status = iota
	StatusSending
	StatusSent
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Batch is a group of events delivered in one sender call. Events keep
// insertion order. Senders must treat a batch as read-only.
type Batch struct {
	ID        string
	Events    []event.Event
	SizeBytes int
	Attempts  int
	Status    Status
}

func newBatch() *Batch {
	return &Batch{ID: uuid.NewString(), Status: StatusPending}
}

func (b *Batch) add(e event.Event, size int) {
	b.Events = append(b.Events, e)
	b.SizeBytes += size
}

// Len returns the number of events in the batch.
func (b *Batch) Len() int { return len(b.Events) }
