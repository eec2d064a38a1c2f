package urlnorm

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// InvariantViolation signals a canonicalization defect such as a path
// traversal that cannot be neutralized. It is fatal by design.
type InvariantViolation struct {
	URL    string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s: %s", e.Detail, e.URL)
}

// knownExtensions are the file extensions recognized when rebuilding a
// filename that carries query remnants or doubled separators.
var knownExtensions = []string{
	".html", ".htm", ".jpg", ".jpeg", ".png", ".gif", ".bmp",
	".tif", ".tiff", ".pdf", ".mp4", ".wmv", ".avi", ".mpg",
	".mpeg", ".mov", ".flv", ".mp3", ".zip", ".doc", ".xls",
	".css", ".js", ".txt", ".ico",
}

var (
	remnantChars = regexp.MustCompile(`[?&=%#]+`)
	doubledSeps  = regexp.MustCompile(`[._\-]{2,}`)
	unsafeChars  = regexp.MustCompile(`[^A-Za-z0-9._\-]+`)
)

// PathMapper maps canonical URLs to slash-separated paths relative to
// the mirror root. Mapping is deterministic and never escapes the root.
type PathMapper struct {
	root  string
	canon *Canonicalizer
}

// NewPathMapper creates a mapper rooted at the given directory
func NewPathMapper(root string, canon *Canonicalizer) (*PathMapper, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve mirror root: %w", err)
	}
	return &PathMapper{root: abs, canon: canon}, nil
}

// Root returns the absolute mirror root directory
func (m *PathMapper) Root() string { return m.root }

// Map converts a canonical URL to a relative slash path under the
// mirror root. Traversal sequences are neutralized; an escape that
// cannot be neutralized raises an InvariantViolation.
func (m *PathMapper) Map(canonical string) (string, error) {
	u, err := url.Parse(canonical)
	if err != nil {
		return "", fmt.Errorf("parse canonical url: %w", err)
	}

	rel := m.layout(u)

	// A rooted clean neutralizes interior ".." segments. If the
	// unrooted form still climbs out, the URL is defective.
	if climbs(rel) {
		return "", &InvariantViolation{URL: canonical, Detail: "path escapes mirror root"}
	}
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	if rel == "" || rel == "." {
		rel = "index.html"
	}

	full := filepath.Join(m.root, filepath.FromSlash(rel))
	if full != m.root && !strings.HasPrefix(full, m.root+string(filepath.Separator)) {
		return "", &InvariantViolation{URL: canonical, Detail: "mapped path outside mirror root"}
	}

	return rel, nil
}

// layout chooses the file layout for a canonical URL before the
// traversal guard runs
func (m *PathMapper) layout(u *url.URL) string {
	p := u.Path

	if param, ok := m.canon.ListingParam(p); ok {
		val := u.Query().Get(param)
		if val == "" {
			val = m.canon.Rules().DefaultPeriod
		}
		base := strings.TrimPrefix(strings.TrimSuffix(p, "/"), "/")
		return fmt.Sprintf("%s_%s_%s/index.html", base, param, sanitizeSegment(val))
	}

	rel := strings.TrimPrefix(p, "/")
	switch {
	case rel == "":
		rel = "index.html"
	case strings.HasSuffix(rel, "/"):
		rel += "index.html"
	default:
		dir, name := path.Split(rel)
		name = cleanFilename(name)
		if extOf(name) == "" {
			rel = dir + name + "/index.html"
		} else {
			rel = dir + name
		}
	}

	// Residual query parameters (non-listing) become a synthetic
	// directory so distinct selections never collide on one file.
	if u.RawQuery != "" {
		dir := strings.TrimSuffix(rel, "/index.html")
		dir = strings.TrimSuffix(dir, extOf(rel))
		return fmt.Sprintf("%s_%s/index.html", dir, sanitizeSegment(u.RawQuery))
	}

	return rel
}

// DefaultListing reports the redirector location for a listing endpoint
// fetched under its canonical parameterized form: the bare,
// unparameterized path that should redirect to target. ok is false for
// non-listing URLs and for non-default periods.
func (m *PathMapper) DefaultListing(canonical string) (bare string, ok bool) {
	u, err := url.Parse(canonical)
	if err != nil {
		return "", false
	}
	param, isListing := m.canon.ListingParam(u.Path)
	if !isListing {
		return "", false
	}
	if u.Query().Get(param) != m.canon.Rules().DefaultPeriod {
		return "", false
	}
	base := strings.TrimPrefix(strings.TrimSuffix(u.Path, "/"), "/")
	return base + "/index.html", true
}

// FilePath joins a relative slash path onto the mirror root
func (m *PathMapper) FilePath(rel string) string {
	return filepath.Join(m.root, filepath.FromSlash(rel))
}

// Relative computes the relative URL path from one mapped file to
// another, both given as slash paths relative to the mirror root.
func Relative(fromRel, toRel string) string {
	fromDir := path.Dir(fromRel)
	if fromDir == "." {
		return toRel
	}
	ups := strings.Count(fromDir, "/") + 1
	return strings.Repeat("../", ups) + toRel
}

// cleanFilename rebuilds a filename that carries cache-buster or query
// remnants by splitting it into (name, recognized extension) and
// reassembling the pieces.
func cleanFilename(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range knownExtensions {
		idx := strings.Index(lower, ext)
		if idx < 0 {
			continue
		}
		base := name[:idx]
		base = remnantChars.ReplaceAllString(base, "_")
		base = unsafeChars.ReplaceAllString(base, "_")
		base = doubledSeps.ReplaceAllString(base, "_")
		base = strings.Trim(base, "._-")
		if base == "" {
			base = "file"
		}
		return base + ext
	}
	return sanitizeSegment(name)
}

// sanitizeSegment makes a string safe as one path segment
func sanitizeSegment(s string) string {
	s = remnantChars.ReplaceAllString(s, "_")
	s = unsafeChars.ReplaceAllString(s, "_")
	s = doubledSeps.ReplaceAllString(s, "_")
	return strings.Trim(s, "._-")
}

// extOf returns the lowercased recognized extension of a path, or ""
func extOf(p string) string {
	lower := strings.ToLower(p)
	for _, ext := range knownExtensions {
		if strings.HasSuffix(lower, ext) {
			return ext
		}
	}
	return ""
}

// climbs reports whether the unrooted clean of rel escapes upward
func climbs(rel string) bool {
	cleaned := path.Clean(rel)
	return cleaned == ".." || strings.HasPrefix(cleaned, "../")
}
