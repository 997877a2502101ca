package main

import (
	"testing"

	"github.com/shortontech/trackpipe/internal/event"
	"github.com/shortontech/trackpipe/pkg/analytics"
)

func TestGenerateTestEvents(t *testing.T) {
	events := generateTestEvents()

	t.Run("generates correct number of events", func(t *testing.T) {
		if len(events) != 5 {
			t.Fatalf("expected 5 test events, got %d", len(events))
		}
	})

	t.Run("all events have required fields", func(t *testing.T) {
		for i, e := range events {
			if e.ID == "" {
				t.Errorf("event %d: ID should not be empty", i)
			}
			if e.Timestamp.IsZero() {
				t.Errorf("event %d: Timestamp should not be zero", i)
			}
			if e.Page == nil {
				t.Errorf("event %d: Page should be set", i)
			}
		}
	})

	t.Run("events have correct kinds", func(t *testing.T) {
		expected := []event.Kind{event.KindPageview, event.KindTrack, event.KindTrack, event.KindPageview, event.KindIdentify}
		for i, k := range expected {
			if events[i].Kind() != k {
				t.Errorf("event %d: expected kind %s, got %s", i, k, events[i].Kind())
			}
		}
	})

	t.Run("first event carries google attribution", func(t *testing.T) {
		a := events[0].Page.Attribution
		if a.ReferrerHostname != "google.com" {
			t.Errorf("referrer hostname incorrect: %s", a.ReferrerHostname)
		}
		if a.UTM.Source != "google" || a.UTM.Medium != "organic" || a.UTM.Campaign != "search" {
			t.Errorf("UTM incorrect: %+v", a.UTM)
		}
		if events[0].Page.Route.Path != "/home" {
			t.Errorf("path incorrect: %s", events[0].Page.Route.Path)
		}
	})

	t.Run("third event is an essential conversion", func(t *testing.T) {
		tr, ok := events[2].Payload.(event.Track)
		if !ok || tr.Name != "conversion" {
			t.Fatalf("expected conversion track, got %#v", events[2].Payload)
		}
		if !events[2].Essential() {
			t.Error("conversion should be essential")
		}
	})

	t.Run("fourth event has Facebook data", func(t *testing.T) {
		a := events[3].Page.Attribution
		if a.Meta.FBCLID != "IwAR0test123" {
			t.Errorf("FBCLID incorrect: %s", a.Meta.FBCLID)
		}
		if a.UTM.Source != "facebook" {
			t.Errorf("UTM source incorrect: %s", a.UTM.Source)
		}
	})

	t.Run("fifth event identifies a user", func(t *testing.T) {
		id, ok := events[4].Payload.(event.Identify)
		if !ok || id.UserID != "user-test-001" {
			t.Errorf("expected identify for user-test-001, got %#v", events[4].Payload)
		}
	})
}

func TestGenerateTestEvents_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for _, e := range append(generateTestEvents(), generateTestEvents()...) {
		if seen[e.ID] {
			t.Errorf("duplicate event ID: %s", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestRunTestMode(t *testing.T) {
	var submitted []event.Event
	runTestMode(func(e event.Event) analytics.Outcome {
		submitted = append(submitted, e)
		return analytics.Queued
	}, 0)

	if len(submitted) != 5 {
		t.Fatalf("expected 5 submitted events, got %d", len(submitted))
	}
	for i := 1; i < len(submitted); i++ {
		if submitted[i].Timestamp.Before(submitted[i-1].Timestamp) {
			t.Errorf("event %d submitted out of order", i)
		}
	}
}
