package policy

import (
	"testing"

	"github.com/shortontech/trackpipe/internal/event"
)

type fixedConsent ConsentStatus

func (c fixedConsent) ConsentStatus() ConsentStatus { return ConsentStatus(c) }

func TestGate_Decide(t *testing.T) {
	browser := StaticEnvironment{IsCapable: true, Host: "www.example.com"}

	tests := []struct {
		name     string
		cfg      Config
		consent  ConsentStatus
		env      Environment
		kind     event.Kind
		category event.Category
		url      string
		want     Decision
	}{
		{
			name:     "granted analytics is allowed",
			consent:  ConsentGranted,
			env:      browser,
			kind:     event.KindTrack,
			category: event.CategoryAnalytics,
			want:     Decision{OK: true, Reason: ReasonOK},
		},
		{
			name:     "incapable runtime fails closed",
			consent:  ConsentGranted,
			env:      StaticEnvironment{IsCapable: false},
			kind:     event.KindTrack,
			category: event.CategoryEssential,
			want:     Decision{Reason: ReasonNotApplicableEnvironment},
		},
		{
			name:     "pending analytics is deferred",
			consent:  ConsentPending,
			env:      browser,
			kind:     event.KindTrack,
			category: event.CategoryAnalytics,
			want:     Decision{Reason: ReasonConsentPending},
		},
		{
			name:     "denied marketing is blocked",
			consent:  ConsentDenied,
			env:      browser,
			kind:     event.KindTrack,
			category: event.CategoryMarketing,
			want:     Decision{Reason: ReasonConsentDenied},
		},
		{
			name:     "essential passes while pending",
			consent:  ConsentPending,
			env:      browser,
			kind:     event.KindTrack,
			category: event.CategoryEssential,
			want:     Decision{OK: true, Reason: ReasonOK},
		},
		{
			name:     "essential blocked when denied",
			consent:  ConsentDenied,
			env:      browser,
			kind:     event.KindTrack,
			category: event.CategoryEssential,
			want:     Decision{Reason: ReasonConsentDenied},
		},
		{
			name:     "essential allowed when denied with override",
			cfg:      Config{AllowEssentialOnDenied: true},
			consent:  ConsentDenied,
			env:      browser,
			kind:     event.KindTrack,
			category: event.CategoryEssential,
			want:     Decision{OK: true, Reason: ReasonOK},
		},
		{
			name:     "dnt blocks granted events",
			cfg:      Config{RespectDNT: true},
			consent:  ConsentGranted,
			env:      StaticEnvironment{IsCapable: true, DNT: true, Host: "example.com"},
			kind:     event.KindTrack,
			category: event.CategoryAnalytics,
			want:     Decision{Reason: ReasonDoNotTrack},
		},
		{
			name:     "dnt ignored when not respected",
			consent:  ConsentGranted,
			env:      StaticEnvironment{IsCapable: true, DNT: true, Host: "example.com"},
			kind:     event.KindTrack,
			category: event.CategoryAnalytics,
			want:     Decision{OK: true, Reason: ReasonOK},
		},
		{
			name:     "consent is checked before dnt",
			cfg:      Config{RespectDNT: true},
			consent:  ConsentPending,
			env:      StaticEnvironment{IsCapable: true, DNT: true},
			kind:     event.KindTrack,
			category: event.CategoryAnalytics,
			want:     Decision{Reason: ReasonConsentPending},
		},
		{
			name:     "dnt applies to essential by default",
			cfg:      Config{RespectDNT: true},
			consent:  ConsentPending,
			env:      StaticEnvironment{IsCapable: true, DNT: true},
			kind:     event.KindTrack,
			category: event.CategoryEssential,
			want:     Decision{Reason: ReasonDoNotTrack},
		},
		{
			name:     "essential bypasses dnt when configured",
			cfg:      Config{RespectDNT: true, EssentialBypassesDNT: true},
			consent:  ConsentPending,
			env:      StaticEnvironment{IsCapable: true, DNT: true},
			kind:     event.KindTrack,
			category: event.CategoryEssential,
			want:     Decision{OK: true, Reason: ReasonOK},
		},
		{
			name:     "localhost excluded",
			consent:  ConsentGranted,
			env:      StaticEnvironment{IsCapable: true, Host: "localhost"},
			kind:     event.KindTrack,
			category: event.CategoryAnalytics,
			want:     Decision{Reason: ReasonLocalhostExcluded},
		},
		{
			name:     "loopback ip excluded",
			consent:  ConsentGranted,
			env:      StaticEnvironment{IsCapable: true, Host: "127.0.0.1"},
			kind:     event.KindTrack,
			category: event.CategoryAnalytics,
			want:     Decision{Reason: ReasonLocalhostExcluded},
		},
		{
			name:     "dev host allowed when overridden",
			cfg:      Config{TrackLocalhost: true},
			consent:  ConsentGranted,
			env:      StaticEnvironment{IsCapable: true, Host: "app.local"},
			kind:     event.KindTrack,
			category: event.CategoryAnalytics,
			want:     Decision{OK: true, Reason: ReasonOK},
		},
		{
			name:     "pageview outside allowed domains",
			cfg:      Config{Domains: []string{"example.com"}},
			consent:  ConsentGranted,
			env:      browser,
			kind:     event.KindPageview,
			category: event.CategoryAnalytics,
			url:      "https://staging.other.org/",
			want:     Decision{Reason: ReasonDomainExcluded},
		},
		{
			name:     "pageview on allowed subdomain",
			cfg:      Config{Domains: []string{"example.com"}},
			consent:  ConsentGranted,
			env:      browser,
			kind:     event.KindPageview,
			category: event.CategoryAnalytics,
			url:      "https://blog.example.com/post",
			want:     Decision{OK: true, Reason: ReasonOK},
		},
		{
			name:     "relative pageview on allowed host",
			cfg:      Config{Domains: []string{"example.com"}},
			consent:  ConsentGranted,
			env:      StaticEnvironment{IsCapable: true, Host: "www.example.com"},
			kind:     event.KindPageview,
			category: event.CategoryAnalytics,
			url:      "/pricing",
			want:     Decision{OK: true, Reason: ReasonOK},
		},
		{
			name:     "relative pageview on disallowed host",
			cfg:      Config{Domains: []string{"example.com"}},
			consent:  ConsentGranted,
			env:      StaticEnvironment{IsCapable: true, Host: "evil.test"},
			kind:     event.KindPageview,
			category: event.CategoryAnalytics,
			url:      "/pricing",
			want:     Decision{Reason: ReasonDomainExcluded},
		},
		{
			name:     "absolute url host wins over served host",
			cfg:      Config{Domains: []string{"example.com"}},
			consent:  ConsentGranted,
			env:      StaticEnvironment{IsCapable: true, Host: "www.example.com"},
			kind:     event.KindPageview,
			category: event.CategoryAnalytics,
			url:      "https://other.org/pricing",
			want:     Decision{Reason: ReasonDomainExcluded},
		},
		{
			name:     "pageview on excluded path prefix",
			cfg:      Config{ExcludePaths: []string{"/admin/*"}},
			consent:  ConsentGranted,
			env:      browser,
			kind:     event.KindPageview,
			category: event.CategoryAnalytics,
			url:      "https://www.example.com/admin/users/7",
			want:     Decision{Reason: ReasonURLExcluded},
		},
		{
			name:     "pageview on excluded glob",
			cfg:      Config{ExcludePaths: []string{"/preview-*"}},
			consent:  ConsentGranted,
			env:      browser,
			kind:     event.KindPageview,
			category: event.CategoryAnalytics,
			url:      "https://www.example.com/preview-draft",
			want:     Decision{Reason: ReasonURLExcluded},
		},
		{
			name:     "url lists only apply to pageviews",
			cfg:      Config{Domains: []string{"example.com"}, ExcludePaths: []string{"/admin/*"}},
			consent:  ConsentGranted,
			env:      browser,
			kind:     event.KindTrack,
			category: event.CategoryAnalytics,
			url:      "https://other.org/admin/x",
			want:     Decision{OK: true, Reason: ReasonOK},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.cfg, fixedConsent(tt.consent), tt.env)
			got := g.Decide(tt.kind, tt.category, tt.url)
			if got != tt.want {
				t.Errorf("Decide() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestGate_DecideIsIdempotent(t *testing.T) {
	g := New(Config{RespectDNT: true, Domains: []string{"example.com"}}, fixedConsent(ConsentGranted),
		StaticEnvironment{IsCapable: true, Host: "example.com"})

	for _, kind := range []event.Kind{event.KindTrack, event.KindPageview, event.KindIdentify} {
		first := g.Decide(kind, event.CategoryAnalytics, "https://example.com/a")
		second := g.Decide(kind, event.CategoryAnalytics, "https://example.com/a")
		if first != second {
			t.Errorf("%s: Decide() not idempotent: %+v then %+v", kind, first, second)
		}
	}
}

func TestGate_NilCollaborators(t *testing.T) {
	g := New(Config{}, nil, nil)
	if got := g.Decide(event.KindTrack, event.CategoryAnalytics, ""); got.Reason != ReasonConsentPending {
		t.Errorf("nil consent should read as pending, got %+v", got)
	}
	if got := g.Decide(event.KindTrack, event.CategoryEssential, ""); !got.OK {
		t.Errorf("essential should pass with nil collaborators, got %+v", got)
	}
}

func TestDecision_Deferrable(t *testing.T) {
	if !(Decision{Reason: ReasonConsentPending}).Deferrable() {
		t.Error("consent-pending should be deferrable")
	}
	if (Decision{Reason: ReasonDoNotTrack}).Deferrable() {
		t.Error("do-not-track should not be deferrable")
	}
}
