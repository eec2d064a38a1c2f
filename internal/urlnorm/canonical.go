// Package urlnorm normalizes site URLs into canonical, dedup-safe form
// and maps canonical URLs onto paths inside the mirror root.
package urlnorm

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Rules configures site-specific canonicalization behavior
type Rules struct {
	// StripParams are UI-only query parameters removed everywhere
	// (cache busters, display-mode flags, session tokens).
	StripParams []string `json:"strip_params"`

	// AliasPrefixes folds known alternate path prefixes onto their
	// canonical prefix.
	AliasPrefixes map[string]string `json:"alias_prefixes"`

	// Listings maps a chronological listing endpoint path to the one
	// query parameter that identifies the selected period.
	Listings map[string]string `json:"listings"`

	// DualIDPrefixes lists path prefixes where a negative numeric ID
	// addresses the same resource as the positive one.
	DualIDPrefixes []string `json:"dual_id_prefixes"`

	// DefaultPeriod is the value assumed for a listing endpoint
	// requested without its identifying parameter.
	DefaultPeriod string `json:"default_period"`
}

// DefaultRules returns the rules observed on the source site
func DefaultRules() *Rules {
	return &Rules{
		StripParams: []string{
			"cacheBuster", "cb", "ts", "rand",
			"print", "popup", "mode", "PHPSESSID", "sid",
		},
		AliasPrefixes: map[string]string{
			"/pics/":      "/gallery/",
			"/index.php/": "/",
		},
		Listings: map[string]string{
			"/events/results": "year",
		},
		DualIDPrefixes: []string{"/gallery/show/"},
		DefaultPeriod:  strconv.Itoa(time.Now().Year()),
	}
}

// Canonicalizer normalizes any URL to one canonical absolute form.
// Normalization is a fixed point: applying it twice equals applying it
// once.
type Canonicalizer struct {
	host   string
	rules  *Rules
	strip  map[string]struct{}
	dualID *regexp.Regexp
}

// NewCanonicalizer creates a canonicalizer for one site host
func NewCanonicalizer(host string, rules *Rules) *Canonicalizer {
	if rules == nil {
		rules = DefaultRules()
	}
	strip := make(map[string]struct{}, len(rules.StripParams))
	for _, p := range rules.StripParams {
		strip[p] = struct{}{}
	}
	return &Canonicalizer{
		host:   strings.ToLower(host),
		rules:  rules,
		strip:  strip,
		dualID: regexp.MustCompile(`^(.*/)-([0-9]+)$`),
	}
}

// Host returns the site host this canonicalizer is bound to
func (c *Canonicalizer) Host() string { return c.host }

// Rules exposes the active rule set
func (c *Canonicalizer) Rules() *Rules { return c.rules }

// escaped query markers that legacy pages embed inside path segments
var markerReplacer = strings.NewReplacer(
	"%3F", "?", "%3f", "?",
	"%26", "&",
	"%3D", "=", "%3d", "=",
)

// Normalize resolves raw against base (base may be nil for absolute
// URLs) and returns the canonical absolute URL.
func (c *Canonicalizer) Normalize(raw string, base *url.URL) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}

	// Query-like markers percent-encoded into the path are decoded
	// before parsing so they act as real separators.
	raw = markerReplacer.Replace(raw)

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if base != nil {
		u = base.ResolveReference(u)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("non-navigable scheme %q", u.Scheme)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if h, p, ok := strings.Cut(u.Host, ":"); ok {
		if (u.Scheme == "http" && p == "80") || (u.Scheme == "https" && p == "443") {
			u.Host = h
		}
	}

	u.Fragment = ""
	u.RawFragment = ""

	// Work from the decoded path so String() re-escapes canonically.
	u.RawPath = ""
	if u.Path == "" {
		u.Path = "/"
	}

	for from, to := range c.rules.AliasPrefixes {
		if strings.HasPrefix(u.Path, from) {
			u.Path = to + strings.TrimPrefix(u.Path, from)
			break
		}
	}

	u.Path = c.foldDualID(u.Path)

	if param, ok := c.rules.Listings[strings.TrimSuffix(u.Path, "/")]; ok {
		u.Path = strings.TrimSuffix(u.Path, "/")
		val := u.Query().Get(param)
		if val == "" {
			val = c.rules.DefaultPeriod
		}
		q := url.Values{}
		q.Set(param, val)
		u.RawQuery = q.Encode()
	} else {
		u.RawQuery = c.filterQuery(u.Query())
	}

	// Trailing slash only at the site root.
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
		if u.Path == "" {
			u.Path = "/"
		}
	}

	return u.String(), nil
}

// foldDualID folds a negative numeric ID onto the positive form for
// configured prefixes
func (c *Canonicalizer) foldDualID(p string) string {
	for _, prefix := range c.rules.DualIDPrefixes {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if m := c.dualID.FindStringSubmatch(p); m != nil {
			return m[1] + m[2]
		}
	}
	return p
}

// filterQuery drops UI-only parameters and re-encodes the rest in
// sorted order
func (c *Canonicalizer) filterQuery(q url.Values) string {
	for key := range q {
		if _, drop := c.strip[key]; drop {
			q.Del(key)
		}
	}
	return q.Encode()
}

// InScope reports whether u belongs to the mirrored site
func (c *Canonicalizer) InScope(u *url.URL) bool {
	if u == nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == c.host || strings.HasSuffix(host, "."+c.host)
}

// ListingParam returns the identifying parameter for a listing
// endpoint path, if the path is one
func (c *Canonicalizer) ListingParam(path string) (string, bool) {
	param, ok := c.rules.Listings[strings.TrimSuffix(path, "/")]
	return param, ok
}
