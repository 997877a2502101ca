package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names the shape of an event's payload.
type Kind string

const (
	KindTrack    Kind = "track"
	KindPageview Kind = "pageview"
	KindIdentify Kind = "identify"
)

// Category is the consent category an event is gated under.
type Category string

const (
	CategoryEssential   Category = "essential"
	CategoryAnalytics   Category = "analytics"
	CategoryMarketing   Category = "marketing"
	CategoryPreferences Category = "preferences"
	CategoryFunctional  Category = "functional"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryEssential, CategoryAnalytics, CategoryMarketing, CategoryPreferences, CategoryFunctional:
		return true
	}
	return false
}

// Payload is the kind-specific part of an event. It is implemented only by
// Track, Pageview and Identify.
type Payload interface {
	Kind() Kind
	Accept(v Visitor) error
	isPayload()
}

// Visitor dispatches over the payload variants. Implementations must handle
// every kind, so adding a variant breaks every visitor at compile time.
type Visitor interface {
	VisitTrack(Track) error
	VisitPageview(Pageview) error
	VisitIdentify(Identify) error
}

// Track is a custom named event.
type Track struct {
	Name  string         `json:"name"`
	Props map[string]any `json:"props,omitempty"`
}

func (Track) Kind() Kind               { return KindTrack }
func (t Track) Accept(v Visitor) error { return v.VisitTrack(t) }
func (Track) isPayload()               {}

// Pageview records a page being shown.
type Pageview struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Referrer string `json:"referrer,omitempty"`
}

func (Pageview) Kind() Kind               { return KindPageview }
func (p Pageview) Accept(v Visitor) error { return v.VisitPageview(p) }
func (Pageview) isPayload()               {}

// Identify associates the session with a user.
type Identify struct {
	UserID string         `json:"user_id"`
	Traits map[string]any `json:"traits,omitempty"`
}

func (Identify) Kind() Kind               { return KindIdentify }
func (i Identify) Accept(v Visitor) error { return v.VisitIdentify(i) }
func (Identify) isPayload()               {}

// Event is a single analytics call captured at call time. Events are treated
// as immutable once created.
type Event struct {
	ID        string
	Payload   Payload
	Category  Category
	Page      *PageContext
	Timestamp time.Time
}

// New creates an event with a fresh time-ordered ID. An empty category
// defaults to analytics.
func New(p Payload, category Category, page *PageContext) Event {
	if category == "" {
		category = CategoryAnalytics
	}
	return Event{
		ID:        newID(),
		Payload:   p,
		Category:  category,
		Page:      page,
		Timestamp: time.Now().UTC(),
	}
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Kind returns the payload kind, or "" for an event without payload.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Essential reports whether the event is in the essential category.
func (e Event) Essential() bool { return e.Category == CategoryEssential }

// URL returns the page URL relevant for policy checks: the pageview target for
// pageviews, otherwise the page the event was captured on.
func (e Event) URL() string {
	if pv, ok := e.Payload.(Pageview); ok && pv.URL != "" {
		return pv.URL
	}
	if e.Page != nil {
		return e.Page.URL
	}
	return ""
}

// Size estimates the serialized size of the event in bytes.
func (e Event) Size() int {
	b, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(b)
}

type wireEvent struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Category  Category        `json:"category"`
	Args      json.RawMessage `json:"args"`
	Page      *PageContext    `json:"page,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	args, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		ID:        e.ID,
		Kind:      e.Kind(),
		Category:  e.Category,
		Args:      args,
		Page:      e.Page,
		Timestamp: e.Timestamp,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var p Payload
	switch w.Kind {
	case KindTrack:
		var t Track
		if err := unmarshalArgs(w.Args, &t); err != nil {
			return err
		}
		p = t
	case KindPageview:
		var pv Pageview
		if err := unmarshalArgs(w.Args, &pv); err != nil {
			return err
		}
		p = pv
	case KindIdentify:
		var id Identify
		if err := unmarshalArgs(w.Args, &id); err != nil {
			return err
		}
		p = id
	default:
		return fmt.Errorf("unknown event kind %q", w.Kind)
	}
	*e = Event{
		ID:        w.ID,
		Payload:   p,
		Category:  w.Category,
		Page:      w.Page,
		Timestamp: w.Timestamp,
	}
	if e.Category == "" {
		e.Category = CategoryAnalytics
	}
	return nil
}

func unmarshalArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode event args: %w", err)
	}
	return nil
}
