package event

import (
	"fmt"
	"net/url"
	"strings"
)

// PageContext describes the page an event was captured on.
type PageContext struct {
	URL         string    `json:"url,omitempty"`
	Route       RouteInfo `json:"route,omitempty"`
	Attribution URLInfo   `json:"attribution,omitempty"`
}

// --- URL / attribution ---

type URLInfo struct {
	UTM       UTMInfo           `json:"utm,omitempty"`
	Google    GoogleAdsInfo     `json:"google,omitempty"`
	Meta      MetaAdsInfo       `json:"meta,omitempty"`
	Microsoft MicrosoftAdsInfo  `json:"microsoft,omitempty"`
	OtherIDs  map[string]string `json:"other_click_ids,omitempty"` // ttclid, li_fat_id, epik, twclid, etc.

	Referrer         string `json:"referrer,omitempty"`
	ReferrerHostname string `json:"referrer_hostname,omitempty"`
	RawQuery         string `json:"raw_query,omitempty"`
	QuerySize        int    `json:"query_size,omitempty"`
}

type UTMInfo struct {
	Source     string `json:"source,omitempty"`
	Medium     string `json:"medium,omitempty"`
	Campaign   string `json:"campaign,omitempty"`
	Term       string `json:"term,omitempty"`
	Content    string `json:"content,omitempty"`
	ID         string `json:"id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
}

type GoogleAdsInfo struct {
	GCLID  string `json:"gclid,omitempty"`
	GCLSRC string `json:"gclsrc,omitempty"`
	GBRAID string `json:"gbraid,omitempty"`
	WBRAID string `json:"wbraid,omitempty"`

	CampaignID string `json:"campaign_id,omitempty"`
	AdGroupID  string `json:"ad_group_id,omitempty"`
	AdID       string `json:"ad_id,omitempty"`
	KeywordID  string `json:"keyword_id,omitempty"`
}

type MetaAdsInfo struct {
	FBCLID     string `json:"fbclid,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	AdSetID    string `json:"adset_id,omitempty"`
	AdID       string `json:"ad_id,omitempty"`
}

type MicrosoftAdsInfo struct {
	MSCLKID string `json:"msclkid,omitempty"`
}

// --- Route ---

type RouteInfo struct {
	Domain   string            `json:"domain,omitempty"`
	Path     string            `json:"path,omitempty"`
	FullPath string            `json:"fullPath,omitempty"`
	Hash     string            `json:"hash,omitempty"`
	Title    string            `json:"title,omitempty"`
	Protocol string            `json:"protocol,omitempty"`
	Query    map[string]string `json:"query,omitempty"`
}

// NewPageContext parses a page URL and referrer into route and attribution
// info. UTM parameters and known ad click ids are lifted out of the query.
func NewPageContext(rawURL, referrer, title string) (*PageContext, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	pc := &PageContext{URL: rawURL}
	pc.Route = RouteInfo{
		Domain:   u.Hostname(),
		Path:     u.Path,
		FullPath: u.RequestURI(),
		Hash:     u.Fragment,
		Title:    title,
		Protocol: u.Scheme,
	}
	q := u.Query()
	if len(q) > 0 {
		pc.Route.Query = make(map[string]string, len(q))
		for k := range q {
			pc.Route.Query[k] = q.Get(k)
		}
	}

	pc.Attribution.RawQuery = u.RawQuery
	pc.Attribution.QuerySize = len(u.RawQuery)
	if referrer != "" {
		pc.Attribution.Referrer = referrer
		if ru, err := url.Parse(referrer); err == nil && ru != nil {
			pc.Attribution.ReferrerHostname = ru.Hostname()
		}
	}
	parseUTMAndClickIDs(q, &pc.Attribution)
	return pc, nil
}

// Extract UTM & known click ids from the page query.
func parseUTMAndClickIDs(q url.Values, info *URLInfo) {
	// UTM
	info.UTM = UTMInfo{
		Source:     q.Get("utm_source"),
		Medium:     q.Get("utm_medium"),
		Campaign:   q.Get("utm_campaign"),
		Term:       q.Get("utm_term"),
		Content:    q.Get("utm_content"),
		ID:         q.Get("utm_id"),
		CampaignID: q.Get("utm_campaign_id"),
	}

	// Google
	info.Google = GoogleAdsInfo{
		GCLID:      q.Get("gclid"),
		GCLSRC:     q.Get("gclsrc"),
		GBRAID:     q.Get("gbraid"),
		WBRAID:     q.Get("wbraid"),
		CampaignID: q.Get("campaignid"),
		AdGroupID:  q.Get("adgroupid"),
		AdID:       q.Get("creative"),
		KeywordID:  q.Get("keyword"),
	}

	// Meta
	info.Meta = MetaAdsInfo{
		FBCLID:     q.Get("fbclid"),
		CampaignID: q.Get("campaign_id"),
		AdSetID:    q.Get("adset_id"),
		AdID:       q.Get("ad_id"),
	}

	// Microsoft
	info.Microsoft.MSCLKID = q.Get("msclkid")

	// Other common click ids
	copyIf(q, info, "ttclid", "li_fat_id", "epik", "twclid", "dclid")
}

func copyIf(q url.Values, info *URLInfo, keys ...string) {
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			if info.OtherIDs == nil {
				info.OtherIDs = map[string]string{}
			}
			info.OtherIDs[k] = v
		}
	}
}
