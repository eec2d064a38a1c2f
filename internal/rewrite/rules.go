package rewrite

import (
	"context"
	"net/url"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/fieldstone/sitemirror/internal/media"
	"github.com/fieldstone/sitemirror/internal/urlnorm"
)

// Action is the decision for one URL-bearing attribute
type Action int

const (
	// ActionKeep leaves the attribute untouched.
	ActionKeep Action = iota
	// ActionRewrite replaces the attribute with a relative local path.
	ActionRewrite
	// ActionMarker replaces the whole element with an inline
	// explanatory marker.
	ActionMarker
	// ActionExternal leaves the URL absolute and forces an
	// external-link context.
	ActionExternal
)

// Outcome is the result of applying the rule chain to one reference
type Outcome struct {
	Action       Action
	Value        string // new attribute value
	Marker       string // marker text for ActionMarker
	NewText      string // concrete filename replacing generic link text
	RemoveViewer bool   // drop the adjacent legacy video-viewer row
}

// RefContext carries one URL-bearing attribute through the rule chain
type RefContext struct {
	Node  *html.Node
	Page  *url.URL
	// PageRel is the page's own mapped path, used for relative links.
	PageRel string
	Tag     string
	Attr    string
	Value   string

	pass *pass

	// lazily resolved
	didResolve bool
	resolveOK  bool
	Abs        *url.URL
	Canonical  string
	InScope    bool
}

// pass accumulates per-document side effects
type pass struct {
	discoveries []string
}

// Rule inspects one reference and either claims it with an Outcome or
// passes it down the chain
type Rule func(ctx context.Context, rc *RefContext, r *Rewriter) (Outcome, bool)

// defaultRules is the ordered rule chain. Order matters: the popup
// convention hides behind a javascript: scheme, so it runs before the
// non-navigable filter.
func defaultRules() []Rule {
	return []Rule{
		rulePopupVideo,
		ruleNonNavigable,
		ruleMediaReference,
		ruleOffDomain,
		rulePageReference,
	}
}

// popupRe matches the inline-script popup convention in both href
// ("javascript:playVideo('...')") and onclick handler form.
var popupRe = regexp.MustCompile(`(?i)(?:javascript:)?[^'"]*?(?:openvideo|playvideo|videopopup|popup)\s*\(\s*['"]([^'"]+)['"]`)

var nonNavigablePrefixes = []string{
	"mailto:", "tel:", "javascript:", "data:", "about:", "ftp:", "#",
}

// resolve canonicalizes the reference against the page URL and the
// alias table. Resolution failures leave the attribute untouched.
func (rc *RefContext) resolve(r *Rewriter) bool {
	if rc.didResolve {
		return rc.resolveOK
	}
	rc.didResolve = true

	ref, err := url.Parse(strings.TrimSpace(rc.Value))
	if err != nil {
		return false
	}
	abs := rc.Page.ResolveReference(ref)

	canonical, err := r.canon.Normalize(abs.String(), nil)
	if err != nil {
		return false
	}
	canonical = r.st.ResolveAlias(canonical)

	rc.Abs = abs
	rc.Canonical = canonical
	rc.InScope = r.canon.InScope(abs)

	// A structural duplicate (alias prefix, negative ID, stripped
	// parameters) leaves a duplicate-redirect edge behind.
	if rc.InScope && abs.String() != canonical {
		r.st.AddAlias(abs.String(), canonical)
	}

	rc.resolveOK = true
	return true
}

// rulePopupVideo resolves the legacy inline-script popup-video
// convention: follow the popup page to its actual media target and
// rewrite the originating element directly to the final local path.
// The legacy viewer row is removed regardless of outcome.
func rulePopupVideo(ctx context.Context, rc *RefContext, r *Rewriter) (Outcome, bool) {
	m := popupRe.FindStringSubmatch(rc.Value)
	if m == nil {
		return Outcome{}, false
	}

	popupCanon, err := r.canon.Normalize(m[1], rc.Page)
	if err != nil {
		return Outcome{Action: ActionMarker, Marker: markerFor(m[1]), RemoveViewer: true}, true
	}

	// The popup page itself is never mirrored; it only points at the
	// media file.
	r.st.MarkVisited(popupCanon)

	target, cached := r.st.PopupTargets[popupCanon]
	if !cached {
		target = r.resolvePopupTarget(ctx, popupCanon)
		r.st.PopupTargets[popupCanon] = target
	}
	if target == "" {
		return Outcome{Action: ActionMarker, Marker: markerFor(popupCanon), RemoveViewer: true}, true
	}

	localRel, err := r.media.Acquire(ctx, target)
	if err != nil || localRel == "" {
		return Outcome{Action: ActionMarker, Marker: markerFor(target), RemoveViewer: true}, true
	}

	return Outcome{
		Action:       ActionRewrite,
		Value:        urlnorm.Relative(rc.PageRel, localRel),
		NewText:      path.Base(localRel),
		RemoveViewer: true,
	}, true
}

// ruleNonNavigable leaves non-navigable schemes untouched
func ruleNonNavigable(_ context.Context, rc *RefContext, _ *Rewriter) (Outcome, bool) {
	v := strings.TrimSpace(strings.ToLower(rc.Value))
	if v == "" {
		return Outcome{Action: ActionKeep}, true
	}
	for _, prefix := range nonNavigablePrefixes {
		if strings.HasPrefix(v, prefix) {
			return Outcome{Action: ActionKeep}, true
		}
	}
	return Outcome{}, false
}

// ruleMediaReference routes recognized binary media through the media
// pipeline
func ruleMediaReference(ctx context.Context, rc *RefContext, r *Rewriter) (Outcome, bool) {
	if !rc.resolve(r) {
		return Outcome{Action: ActionKeep}, true
	}
	if !rc.InScope || !media.IsMediaExtension(rc.Abs.Path) {
		return Outcome{}, false
	}

	localRel, err := r.media.Acquire(ctx, rc.Abs.String())
	if err != nil || localRel == "" {
		// A failed video leaves its legacy viewer row behind;
		// drop that too.
		return Outcome{
			Action:       ActionMarker,
			Marker:       markerFor(rc.Abs.String()),
			RemoveViewer: true,
		}, true
	}

	out := Outcome{
		Action: ActionRewrite,
		Value:  urlnorm.Relative(rc.PageRel, localRel),
	}
	if rc.Tag == "a" && isGenericLinkText(anchorText(rc.Node)) {
		out.NewText = path.Base(localRel)
	}
	return out, true
}

// ruleOffDomain handles references leaving the mirrored site:
// off-domain content is never mirrored
func ruleOffDomain(_ context.Context, rc *RefContext, r *Rewriter) (Outcome, bool) {
	if !rc.resolve(r) {
		return Outcome{Action: ActionKeep}, true
	}
	if rc.InScope {
		return Outcome{}, false
	}
	if r.st.IsFailed(rc.Canonical) {
		return Outcome{Action: ActionMarker, Marker: markerFor(rc.Abs.String())}, true
	}
	return Outcome{Action: ActionExternal, Value: rc.Abs.String()}, true
}

// rulePageReference rewrites an on-domain page link to its mapped
// relative path and queues the target for crawling
func rulePageReference(_ context.Context, rc *RefContext, r *Rewriter) (Outcome, bool) {
	if !rc.resolve(r) {
		return Outcome{Action: ActionKeep}, true
	}
	if r.st.IsFailed(rc.Canonical) {
		return Outcome{Action: ActionMarker, Marker: markerFor(rc.Canonical)}, true
	}

	targetRel, err := r.mapper.Map(rc.Canonical)
	if err != nil {
		return Outcome{Action: ActionKeep}, true
	}

	rc.pass.discoveries = append(rc.pass.discoveries, rc.Canonical)

	return Outcome{
		Action: ActionRewrite,
		Value:  urlnorm.Relative(rc.PageRel, targetRel),
	}, true
}

var genericLinkText = map[string]bool{
	"download": true, "click here": true, "here": true, "video": true,
	"link": true, "film": true, "movie": true, "clip": true,
}

func isGenericLinkText(text string) bool {
	return genericLinkText[strings.ToLower(strings.TrimSpace(text))]
}

func markerFor(target string) string {
	name := path.Base(target)
	if u, err := url.Parse(target); err == nil && u.Path != "" && u.Path != "/" {
		name = path.Base(u.Path)
	}
	return "[unavailable: " + name + "]"
}
