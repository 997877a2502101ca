package event

import (
	"testing"
	"time"
)

func TestNewPageContext(t *testing.T) {
	t.Run("parses route fields", func(t *testing.T) {
		pc, err := NewPageContext("https://shop.example.com/items/42?color=red#reviews", "", "Item 42")
		if err != nil {
			t.Fatalf("NewPageContext() failed: %v", err)
		}
		if pc.Route.Domain != "shop.example.com" {
			t.Errorf("Domain = %q, want shop.example.com", pc.Route.Domain)
		}
		if pc.Route.Path != "/items/42" {
			t.Errorf("Path = %q, want /items/42", pc.Route.Path)
		}
		if pc.Route.Hash != "reviews" {
			t.Errorf("Hash = %q, want reviews", pc.Route.Hash)
		}
		if pc.Route.Protocol != "https" {
			t.Errorf("Protocol = %q, want https", pc.Route.Protocol)
		}
		if pc.Route.Query["color"] != "red" {
			t.Errorf("Query[color] = %q, want red", pc.Route.Query["color"])
		}
		if pc.Route.Title != "Item 42" {
			t.Errorf("Title = %q, want Item 42", pc.Route.Title)
		}
	})

	t.Run("extracts UTM parameters", func(t *testing.T) {
		pc, err := NewPageContext("https://example.com/?utm_source=google&utm_medium=cpc&utm_campaign=spring", "", "")
		if err != nil {
			t.Fatalf("NewPageContext() failed: %v", err)
		}
		utm := pc.Attribution.UTM
		if utm.Source != "google" || utm.Medium != "cpc" || utm.Campaign != "spring" {
			t.Errorf("UTM = %+v, want google/cpc/spring", utm)
		}
	})

	t.Run("extracts click ids", func(t *testing.T) {
		pc, err := NewPageContext("https://example.com/?gclid=g1&fbclid=f1&msclkid=m1&ttclid=t1", "", "")
		if err != nil {
			t.Fatalf("NewPageContext() failed: %v", err)
		}
		if pc.Attribution.Google.GCLID != "g1" {
			t.Errorf("GCLID = %q, want g1", pc.Attribution.Google.GCLID)
		}
		if pc.Attribution.Meta.FBCLID != "f1" {
			t.Errorf("FBCLID = %q, want f1", pc.Attribution.Meta.FBCLID)
		}
		if pc.Attribution.Microsoft.MSCLKID != "m1" {
			t.Errorf("MSCLKID = %q, want m1", pc.Attribution.Microsoft.MSCLKID)
		}
		if pc.Attribution.OtherIDs["ttclid"] != "t1" {
			t.Errorf("OtherIDs[ttclid] = %q, want t1", pc.Attribution.OtherIDs["ttclid"])
		}
	})

	t.Run("records referrer hostname", func(t *testing.T) {
		pc, err := NewPageContext("https://example.com/", "https://www.google.com/search?q=x", "")
		if err != nil {
			t.Fatalf("NewPageContext() failed: %v", err)
		}
		if pc.Attribution.ReferrerHostname != "www.google.com" {
			t.Errorf("ReferrerHostname = %q, want www.google.com", pc.Attribution.ReferrerHostname)
		}
	})

	t.Run("leaves other ids nil without click ids", func(t *testing.T) {
		pc, err := NewPageContext("https://example.com/", "", "")
		if err != nil {
			t.Fatalf("NewPageContext() failed: %v", err)
		}
		if pc.Attribution.OtherIDs != nil {
			t.Errorf("OtherIDs = %v, want nil", pc.Attribution.OtherIDs)
		}
	})

	t.Run("rejects malformed url", func(t *testing.T) {
		if _, err := NewPageContext("http://[::1", "", ""); err == nil {
			t.Error("expected error for malformed url")
		}
	})
}

func TestEvent_Envelope(t *testing.T) {
	pc, _ := NewPageContext("https://example.com/pricing?utm_source=news", "", "Pricing")
	e := New(Track{Name: "cta_click", Props: map[string]any{"plan": "pro"}}, CategoryAnalytics, pc)
	e.Timestamp = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	env := e.Envelope()
	if env.EventID != e.ID {
		t.Errorf("EventID = %q, want %q", env.EventID, e.ID)
	}
	if env.Type != "track" {
		t.Errorf("Type = %q, want track", env.Type)
	}
	if env.TS != "2024-01-01T12:00:00Z" {
		t.Errorf("TS = %q, want 2024-01-01T12:00:00Z", env.TS)
	}
	if env.Name != "cta_click" || env.Props["plan"] != "pro" {
		t.Errorf("Name/Props = %q/%v", env.Name, env.Props)
	}
	if env.URL.UTM.Source != "news" {
		t.Errorf("UTM.Source = %q, want news", env.URL.UTM.Source)
	}
	if env.Route.Path != "/pricing" {
		t.Errorf("Route.Path = %q, want /pricing", env.Route.Path)
	}

	id := New(Identify{UserID: "u-9"}, CategoryEssential, nil).Envelope()
	if id.UserID != "u-9" || id.Category != CategoryEssential {
		t.Errorf("identify envelope = %+v", id)
	}
}
