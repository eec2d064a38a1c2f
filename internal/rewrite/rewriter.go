// Package rewrite transforms fetched markup into its offline form in a
// single pass: local relative links, resolved popup videos, inline
// markers for content that could not be mirrored.
package rewrite

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/fieldstone/sitemirror/internal/fetch"
	"github.com/fieldstone/sitemirror/internal/media"
	"github.com/fieldstone/sitemirror/internal/state"
	"github.com/fieldstone/sitemirror/internal/urlnorm"
	"github.com/fieldstone/sitemirror/pkg/logging"
)

// Acquirer obtains a media asset and returns its mirror-relative path
type Acquirer interface {
	Acquire(ctx context.Context, rawURL string) (string, error)
}

// SubFetcher retrieves auxiliary pages (popup viewers) over the shared
// session
type SubFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Result, error)
}

// urlAttrs lists the URL-bearing attributes per element
var urlAttrs = map[string][]string{
	"a":      {"href", "onclick"},
	"area":   {"href"},
	"link":   {"href"},
	"img":    {"src", "data-src"},
	"script": {"src"},
	"iframe": {"src"},
	"frame":  {"src"},
	"embed":  {"src"},
	"audio":  {"src"},
	"video":  {"src", "poster"},
	"source": {"src"},
	"input":  {"src"},
	"form":   {"action"},
	"object": {"data"},
	"body":   {"background"},
	"table":  {"background"},
	"td":     {"background"},
}

// remoteStyleURLRe matches absolute url(...) references inside CSS
var remoteStyleURLRe = regexp.MustCompile(`(?i)url\(\s*['"]?\s*https?://[^'")]*['"]?\s*\)`)

// Rewriter applies the ordered rule chain to every URL-bearing
// attribute of a document
type Rewriter struct {
	canon   *urlnorm.Canonicalizer
	mapper  *urlnorm.PathMapper
	st      *state.CrawlState
	media   Acquirer
	fetcher SubFetcher
	rules   []Rule
	logger  zerolog.Logger
}

// New creates a rewriter sharing the crawl's state, media pipeline, and
// authenticated session
func New(canon *urlnorm.Canonicalizer, mapper *urlnorm.PathMapper, st *state.CrawlState, acquirer Acquirer, fetcher SubFetcher) *Rewriter {
	return &Rewriter{
		canon:   canon,
		mapper:  mapper,
		st:      st,
		media:   acquirer,
		fetcher: fetcher,
		rules:   defaultRules(),
		logger:  logging.GetLogger("rewrite"),
	}
}

// Rewrite transforms one document for offline use and returns the
// rewritten markup plus the canonical in-scope page URLs it references.
func (r *Rewriter) Rewrite(ctx context.Context, doc []byte, pageURL *url.URL) ([]byte, []string, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}

	pageCanon, err := r.canon.Normalize(pageURL.String(), nil)
	if err != nil {
		return nil, nil, err
	}
	pageRel, err := r.mapper.Map(pageCanon)
	if err != nil {
		return nil, nil, err
	}

	p := &pass{}
	for _, n := range collectElements(root) {
		if detached(n) {
			continue
		}
		r.processElement(ctx, n, pageURL, pageRel, p)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return nil, nil, fmt.Errorf("render %s: %w", pageURL, err)
	}
	return buf.Bytes(), p.discoveries, nil
}

// processElement runs the rule chain over each URL-bearing attribute of
// one element and applies the first mutating outcome
func (r *Rewriter) processElement(ctx context.Context, n *html.Node, pageURL *url.URL, pageRel string, p *pass) {
	tag := strings.ToLower(n.Data)

	if tag == "style" {
		neutralizeStyleText(n)
		return
	}
	if v, ok := getAttr(n, "style"); ok {
		setAttr(n, "style", remoteStyleURLRe.ReplaceAllString(v, "url()"))
	}

	attrs, ok := urlAttrs[tag]
	if !ok {
		return
	}

	for _, attr := range attrs {
		value, ok := getAttr(n, attr)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		// onclick only participates via the popup convention.
		if attr == "onclick" && !popupRe.MatchString(value) {
			continue
		}

		rc := &RefContext{
			Node:    n,
			Page:    pageURL,
			PageRel: pageRel,
			Tag:     tag,
			Attr:    attr,
			Value:   value,
			pass:    p,
		}
		out := r.decide(ctx, rc)
		if r.apply(n, rc, out) {
			// The element was replaced or removed; later
			// attributes have nothing to attach to.
			return
		}
	}
}

// decide walks the ordered rule chain until one rule claims the
// reference
func (r *Rewriter) decide(ctx context.Context, rc *RefContext) Outcome {
	for _, rule := range r.rules {
		if out, ok := rule(ctx, rc, r); ok {
			return out
		}
	}
	return Outcome{Action: ActionKeep}
}

// apply mutates the node per the outcome. It reports whether the node
// was detached from the tree.
func (r *Rewriter) apply(n *html.Node, rc *RefContext, out Outcome) bool {
	if out.RemoveViewer {
		removeViewerRow(n)
	}

	switch out.Action {
	case ActionKeep:
		return false

	case ActionRewrite:
		target := rc.Attr
		if target == "onclick" {
			// The popup handler collapses into a plain local link.
			delAttr(n, "onclick")
			target = "href"
		}
		setAttr(n, target, out.Value)
		if rc.Tag == "a" {
			// Internal links open in the same window.
			delAttr(n, "target")
		}
		if out.NewText != "" {
			setText(n, out.NewText)
		}
		return false

	case ActionExternal:
		setAttr(n, rc.Attr, out.Value)
		if rc.Tag == "a" {
			setAttr(n, "target", "_blank")
		}
		return false

	case ActionMarker:
		if rc.Tag == "a" || rc.Tag == "area" {
			replaceWithMarker(n, out.Marker)
			return true
		}
		// Non-anchor carriers (img, embed, iframe) are removed
		// outright; a broken-asset box helps nobody offline.
		if n.Parent != nil {
			parent := n.Parent
			parent.InsertBefore(markerNode(out.Marker), n)
			parent.RemoveChild(n)
		}
		return true
	}
	return false
}

// resolvePopupTarget fetches a popup viewer page and extracts the media
// URL it wraps. Returns "" when no target can be found.
func (r *Rewriter) resolvePopupTarget(ctx context.Context, popupURL string) string {
	if r.fetcher == nil {
		return ""
	}
	res, err := r.fetcher.Fetch(ctx, popupURL)
	if err != nil {
		r.logger.Warn().Str("url", popupURL).Err(err).Msg("Popup viewer fetch failed")
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		r.logger.Warn().Str("url", popupURL).Err(err).Msg("Popup viewer parse failed")
		return ""
	}

	base, err := url.Parse(res.FinalURL)
	if err != nil {
		base, _ = url.Parse(popupURL)
	}

	target := ""
	doc.Find("embed[src], video source[src], video[src], a[href], param[name='movie']").
		EachWithBreak(func(_ int, s *goquery.Selection) bool {
			v := ""
			for _, attr := range []string{"src", "href", "value"} {
				if got, ok := s.Attr(attr); ok && got != "" {
					v = got
					break
				}
			}
			if v == "" {
				return true
			}
			ref, err := url.Parse(v)
			if err != nil {
				return true
			}
			abs := base.ResolveReference(ref)
			if media.IsMediaExtension(abs.Path) {
				target = abs.String()
				return false
			}
			return true
		})

	if target == "" {
		r.logger.Warn().Str("url", popupURL).Msg("Popup viewer has no media target")
	}
	return target
}

// collectElements snapshots the element nodes in document order so the
// tree can be mutated while iterating
func collectElements(root *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// detached reports whether a previously collected node has since been
// removed from the tree
func detached(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.DocumentNode {
			return false
		}
	}
	return true
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func delAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if !strings.EqualFold(a.Key, key) {
			out = append(out, a)
		}
	}
	n.Attr = out
}

// anchorText returns the concatenated text content of a node
func anchorText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// setText replaces a node's children with a single text node
func setText(n *html.Node, text string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}

func markerNode(text string) *html.Node {
	span := &html.Node{
		Type:     html.ElementNode,
		Data:     "span",
		DataAtom: atom.Span,
		Attr:     []html.Attribute{{Key: "class", Val: "mirror-unavailable"}},
	}
	span.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	return span
}

// replaceWithMarker swaps an element for an inline explanatory marker
func replaceWithMarker(n *html.Node, text string) {
	if n.Parent == nil {
		return
	}
	parent := n.Parent
	parent.InsertBefore(markerNode(text), n)
	parent.RemoveChild(n)
}

// removeViewerRow drops the legacy inline video-viewer table row that
// follows the element's own row
func removeViewerRow(n *html.Node) {
	row := n
	for row != nil && !strings.EqualFold(row.Data, "tr") {
		row = row.Parent
	}
	if row == nil {
		return
	}
	for sib := row.NextSibling; sib != nil; sib = sib.NextSibling {
		if sib.Type != html.ElementNode {
			continue
		}
		if !strings.EqualFold(sib.Data, "tr") {
			return
		}
		if cls, ok := getAttr(sib, "class"); ok && strings.Contains(strings.ToLower(cls), "viewer") {
			sib.Parent.RemoveChild(sib)
		}
		return
	}
}

// neutralizeStyleText rewrites absolute url(...) references inside a
// style element so the offline copy never reaches for the network
func neutralizeStyleText(styleNode *html.Node) {
	for c := styleNode.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			c.Data = remoteStyleURLRe.ReplaceAllString(c.Data, "url()")
		}
	}
}
