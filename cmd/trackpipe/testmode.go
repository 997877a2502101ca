package main

import (
	"log"
	"time"

	"github.com/shortontech/trackpipe/internal/event"
	"github.com/shortontech/trackpipe/pkg/analytics"
)

// generateTestEvents creates sample events for exercising a transport
func generateTestEvents() []event.Event {
	page := func(rawURL, referrer, title string) *event.PageContext {
		pc, err := event.NewPageContext(rawURL, referrer, title)
		if err != nil {
			log.Printf("test mode: bad sample url %q: %v", rawURL, err)
			return nil
		}
		return pc
	}

	home := page("https://example.com/home?utm_source=google&utm_medium=organic&utm_campaign=search",
		"https://google.com", "Home Page")
	pricing := page("https://example.com/pricing", "https://example.com/home", "Pricing")
	landing := page("https://example.com/landing?fbclid=IwAR0test123&utm_source=facebook&utm_medium=paid",
		"https://facebook.com", "Landing")

	return []event.Event{
		event.New(event.Pageview{
			URL:      home.URL,
			Title:    "Home Page",
			Referrer: "https://google.com",
		}, event.CategoryAnalytics, home),
		event.New(event.Track{
			Name:  "click",
			Props: map[string]any{"target": "signup-button", "x": 640, "y": 420},
		}, event.CategoryAnalytics, pricing),
		event.New(event.Track{
			Name:  "conversion",
			Props: map[string]any{"plan": "pro", "value": 49.0, "currency": "USD"},
		}, event.CategoryEssential, pricing),
		event.New(event.Pageview{
			URL:      landing.URL,
			Title:    "Landing",
			Referrer: "https://facebook.com",
		}, event.CategoryAnalytics, landing),
		event.New(event.Identify{
			UserID: "user-test-001",
			Traits: map[string]any{"plan": "pro"},
		}, event.CategoryAnalytics, pricing),
	}
}

// runTestMode submits the sample events with gap between each.
func runTestMode(submit func(event.Event) analytics.Outcome, gap time.Duration) {
	log.Println("🧪 TEST MODE: Generating test events...")

	events := generateTestEvents()
	for i, e := range events {
		outcome := submit(e)
		log.Printf("📊 Test event %d/%d: %s (%s) %s", i+1, len(events), e.Kind(), e.ID, outcome)
		if gap > 0 && i < len(events)-1 {
			time.Sleep(gap)
		}
	}

	log.Println("✅ TEST MODE: All test events submitted!")
	log.Println("💡 Check your transport:")
	log.Println("   - Log: tail -f $LOG_PATH")
	log.Println("   - Kafka: consume $KAFKA_TOPIC")
	log.Println("   - PostgreSQL: SELECT payload FROM events_json")
}
