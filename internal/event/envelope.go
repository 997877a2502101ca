package event

import "time"

// Envelope is the collector wire format: the JSON object a gotrack-style
// /collect endpoint accepts. Optional fields are omitted when empty.
type Envelope struct {
	EventID  string   `json:"event_id,omitempty"`
	TS       string   `json:"ts,omitempty"`   // ISO8601
	Type     string   `json:"type,omitempty"` // "pageview", "track", "identify"
	Category Category `json:"category,omitempty"`

	Name   string         `json:"name,omitempty"`
	Props  map[string]any `json:"props,omitempty"`
	UserID string         `json:"user_id,omitempty"`
	Traits map[string]any `json:"traits,omitempty"`

	URL     URLInfo     `json:"url,omitempty"`
	Route   RouteInfo   `json:"route,omitempty"`
	Session SessionInfo `json:"session,omitempty"`
	Consent ConsentInfo `json:"consent,omitempty"`
}

// --- Session / Event meta ---

type SessionInfo struct {
	VisitorID    string `json:"visitor_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	SessionStart string `json:"session_start_ts,omitempty"`
	SessionSeq   int    `json:"session_seq,omitempty"`
}

// --- Consent ---

type ConsentInfo struct {
	ConsentMode string `json:"consent_mode,omitempty"` // e.g., "analytics=granted"
}

// Envelope builds the base envelope for e; kind-specific fields are filled in
// by the payload.
func (e Event) Envelope() Envelope {
	env := Envelope{
		EventID:  e.ID,
		TS:       e.Timestamp.UTC().Format(time.RFC3339Nano),
		Type:     string(e.Kind()),
		Category: e.Category,
	}
	if e.Page != nil {
		env.URL = e.Page.Attribution
		env.Route = e.Page.Route
	}
	switch p := e.Payload.(type) {
	case Track:
		env.Name = p.Name
		env.Props = p.Props
	case Pageview:
		if e.Page == nil && p.Referrer != "" {
			env.URL.Referrer = p.Referrer
		}
		if p.Title != "" {
			env.Route.Title = p.Title
		}
	case Identify:
		env.UserID = p.UserID
		env.Traits = p.Traits
	}
	return env
}
