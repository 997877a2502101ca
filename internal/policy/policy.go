// Package policy decides whether an event may be sent right now. Decisions
// are plain values, not errors.
package policy

import (
	"net"
	"net/url"
	"path"
	"strings"

	"github.com/shortontech/trackpipe/internal/event"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonOK                       Reason = "ok"
	ReasonNotApplicableEnvironment Reason = "not-applicable-environment"
	ReasonConsentPending           Reason = "consent-pending"
	ReasonConsentDenied            Reason = "consent-denied"
	ReasonDoNotTrack               Reason = "do-not-track"
	ReasonLocalhostExcluded        Reason = "localhost-excluded"
	ReasonDomainExcluded           Reason = "domain-excluded"
	ReasonURLExcluded              Reason = "url-excluded"
)

// Decision is the outcome of Gate.Decide.
type Decision struct {
	OK     bool
	Reason Reason
}

// Deferrable reports whether a denied event should be kept for later rather
// than dropped: only a pending consent decision can still change.
func (d Decision) Deferrable() bool { return d.Reason == ReasonConsentPending }

// ConsentStatus is the consent decision as seen by the gate.
type ConsentStatus int

const (
	ConsentPending ConsentStatus = iota
	ConsentGranted
	ConsentDenied
)

// ConsentSource exposes the current consent decision.
type ConsentSource interface {
	ConsentStatus() ConsentStatus
}

// Environment describes the runtime the library is running in.
type Environment interface {
	// Capable reports whether events can be delivered from this runtime at all.
	Capable() bool

	// DoNotTrack reports whether the user agent asked not to be tracked.
	DoNotTrack() bool

	// Hostname is the host the application is served from.
	Hostname() string
}

// Config holds the gate's knobs.
type Config struct {
	RespectDNT bool

	// EssentialBypassesDNT exempts essential events from the Do-Not-Track
	// check. Consent is always evaluated first.
	EssentialBypassesDNT bool

	// AllowEssentialOnDenied lets essential events through after a denial.
	AllowEssentialOnDenied bool

	// TrackLocalhost disables the local/dev host exclusion.
	TrackLocalhost bool

	// Domains, when non-empty, restricts pageviews to these hosts and their
	// subdomains.
	Domains []string

	// ExcludePaths are path.Match patterns (or "/prefix/*" prefixes) whose
	// pageviews are never sent.
	ExcludePaths []string
}

// Gate is a pure decision function over its configuration, the consent
// source and the environment. It holds no mutable state.
type Gate struct {
	cfg     Config
	consent ConsentSource
	env     Environment
}

// New creates a gate. A nil env is treated as a capable runtime without DNT.
func New(cfg Config, consent ConsentSource, env Environment) *Gate {
	if env == nil {
		env = StaticEnvironment{IsCapable: true}
	}
	return &Gate{cfg: cfg, consent: consent, env: env}
}

// Decide evaluates, in order: environment, consent (with essential bypass),
// Do-Not-Track, local host exclusion, and for pageviews the domain
// allow-list and path exclude-list. The first failing rule wins.
func (g *Gate) Decide(kind event.Kind, category event.Category, rawURL string) Decision {
	if !g.env.Capable() {
		return deny(ReasonNotApplicableEnvironment)
	}

	if d, ok := g.checkConsent(category); !ok {
		return d
	}

	essential := category == event.CategoryEssential
	if g.cfg.RespectDNT && g.env.DoNotTrack() && !(essential && g.cfg.EssentialBypassesDNT) {
		return deny(ReasonDoNotTrack)
	}

	if !g.cfg.TrackLocalhost && isLocalHost(g.env.Hostname()) {
		return deny(ReasonLocalhostExcluded)
	}

	if kind == event.KindPageview && rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return deny(ReasonURLExcluded)
		}
		// Relative page URLs are checked against the host the app is served on.
		host := u.Hostname()
		if host == "" {
			host = g.env.Hostname()
		}
		if len(g.cfg.Domains) > 0 && !domainAllowed(host, g.cfg.Domains) {
			return deny(ReasonDomainExcluded)
		}
		if pathExcluded(u.Path, g.cfg.ExcludePaths) {
			return deny(ReasonURLExcluded)
		}
	}
	return Decision{OK: true, Reason: ReasonOK}
}

func (g *Gate) checkConsent(category event.Category) (Decision, bool) {
	status := ConsentPending
	if g.consent != nil {
		status = g.consent.ConsentStatus()
	}
	if category == event.CategoryEssential {
		if status == ConsentDenied && !g.cfg.AllowEssentialOnDenied {
			return deny(ReasonConsentDenied), false
		}
		return Decision{}, true
	}
	switch status {
	case ConsentGranted:
		return Decision{}, true
	case ConsentDenied:
		return deny(ReasonConsentDenied), false
	default:
		return deny(ReasonConsentPending), false
	}
}

func deny(r Reason) Decision { return Decision{OK: false, Reason: r} }

func isLocalHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	return false
}

func domainAllowed(host string, domains []string) bool {
	host = strings.ToLower(host)
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func pathExcluded(p string, patterns []string) bool {
	if p == "" {
		p = "/"
	}
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		if strings.HasSuffix(pat, "/*") && strings.HasPrefix(p, strings.TrimSuffix(pat, "*")) {
			return true
		}
		if ok, err := path.Match(pat, p); err == nil && ok {
			return true
		}
	}
	return false
}

// StaticEnvironment is a fixed Environment, for servers, tests and hosts that
// determine their signals once.
type StaticEnvironment struct {
	IsCapable bool
	DNT       bool
	Host      string
}

func (e StaticEnvironment) Capable() bool    { return e.IsCapable }
func (e StaticEnvironment) DoNotTrack() bool { return e.DNT }
func (e StaticEnvironment) Hostname() string { return e.Host }
