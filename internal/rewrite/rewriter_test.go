package rewrite

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldstone/sitemirror/internal/fetch"
	"github.com/fieldstone/sitemirror/internal/state"
	"github.com/fieldstone/sitemirror/internal/urlnorm"
)

// stubAcquirer serves scripted media paths and records requests
type stubAcquirer struct {
	paths map[string]string
	calls []string
}

func (s *stubAcquirer) Acquire(_ context.Context, rawURL string) (string, error) {
	s.calls = append(s.calls, rawURL)
	if rel, ok := s.paths[rawURL]; ok {
		return rel, nil
	}
	return "", errors.New("acquire failed")
}

// stubFetcher serves scripted popup pages
type stubFetcher struct {
	pages map[string]string
	calls int
}

func (s *stubFetcher) Fetch(_ context.Context, rawURL string) (*fetch.Result, error) {
	s.calls++
	body, ok := s.pages[rawURL]
	if !ok {
		return nil, errors.New("popup not found")
	}
	return &fetch.Result{
		Body:        []byte(body),
		FinalURL:    rawURL,
		StatusCode:  200,
		ContentType: "text/html",
	}, nil
}

type rewriteFixture struct {
	rw       *Rewriter
	st       *state.CrawlState
	acquirer *stubAcquirer
	fetcher  *stubFetcher
}

func newRewriteFixture(t *testing.T) *rewriteFixture {
	t.Helper()

	canon := urlnorm.NewCanonicalizer("example.org", nil)
	mapper, err := urlnorm.NewPathMapper(t.TempDir(), canon)
	require.NoError(t, err)

	fx := &rewriteFixture{
		st:       state.NewCrawlState(),
		acquirer: &stubAcquirer{paths: map[string]string{}},
		fetcher:  &stubFetcher{pages: map[string]string{}},
	}
	fx.rw = New(canon, mapper, fx.st, fx.acquirer, fx.fetcher)
	return fx
}

func (fx *rewriteFixture) rewrite(t *testing.T, page, doc string) (string, []string) {
	t.Helper()
	u, err := url.Parse(page)
	require.NoError(t, err)
	out, discoveries, err := fx.rw.Rewrite(context.Background(), []byte(doc), u)
	require.NoError(t, err)
	return string(out), discoveries
}

func TestRewritePageLink(t *testing.T) {
	fx := newRewriteFixture(t)

	out, discoveries := fx.rewrite(t, "http://example.org/",
		`<html><body><a href="/about">About</a></body></html>`)

	assert.Contains(t, out, `href="about/index.html"`)
	assert.Contains(t, discoveries, "http://example.org/about")
}

func TestRewriteRelativeFromNestedPage(t *testing.T) {
	fx := newRewriteFixture(t)

	out, _ := fx.rewrite(t, "http://example.org/news/2007",
		`<html><body><a href="/about">About</a></body></html>`)

	assert.Contains(t, out, `href="../../about/index.html"`)
}

func TestRewriteInternalLinkDropsTarget(t *testing.T) {
	fx := newRewriteFixture(t)

	out, _ := fx.rewrite(t, "http://example.org/",
		`<html><body><a href="/about" target="_blank">About</a></body></html>`)

	assert.NotContains(t, out, `target=`)
}

func TestRewriteOffDomainOpensNewWindow(t *testing.T) {
	fx := newRewriteFixture(t)

	out, discoveries := fx.rewrite(t, "http://example.org/",
		`<html><body><a href="http://partner.net/page">Partner</a></body></html>`)

	assert.Contains(t, out, `href="http://partner.net/page"`)
	assert.Contains(t, out, `target="_blank"`)
	assert.Empty(t, discoveries, "off-domain pages are never crawled")
}

func TestRewriteNonNavigableUntouched(t *testing.T) {
	fx := newRewriteFixture(t)

	out, _ := fx.rewrite(t, "http://example.org/",
		`<html><body><a href="mailto:admin@example.org">Mail</a><a href="#top">Top</a></body></html>`)

	assert.Contains(t, out, `href="mailto:admin@example.org"`)
	assert.Contains(t, out, `href="#top"`)
}

func TestRewriteMediaLink(t *testing.T) {
	fx := newRewriteFixture(t)
	fx.acquirer.paths["http://example.org/videos/clip.wmv"] = "videos/clip.mp4"

	out, _ := fx.rewrite(t, "http://example.org/",
		`<html><body><a href="/videos/clip.wmv">download</a></body></html>`)

	assert.Contains(t, out, `href="videos/clip.mp4"`)
	assert.Contains(t, out, ">clip.mp4</a>", "generic link text becomes the concrete filename")
}

func TestRewriteMediaKeepsSpecificLinkText(t *testing.T) {
	fx := newRewriteFixture(t)
	fx.acquirer.paths["http://example.org/videos/clip.wmv"] = "videos/clip.mp4"

	out, _ := fx.rewrite(t, "http://example.org/",
		`<html><body><a href="/videos/clip.wmv">Finals 2007, heat 3</a></body></html>`)

	assert.Contains(t, out, "Finals 2007, heat 3")
}

func TestRewriteFailedMediaBecomesMarker(t *testing.T) {
	fx := newRewriteFixture(t)

	out, _ := fx.rewrite(t, "http://example.org/",
		`<html><body><a href="/videos/broken.wmv">Broken</a></body></html>`)

	assert.NotContains(t, out, "/videos/broken.wmv")
	assert.Contains(t, out, "mirror-unavailable")
	assert.Contains(t, out, "[unavailable: broken.wmv]")
}

func TestRewriteImageSource(t *testing.T) {
	fx := newRewriteFixture(t)
	fx.acquirer.paths["http://example.org/gallery/photo.jpg"] = "gallery/photo.jpg"

	out, _ := fx.rewrite(t, "http://example.org/gallery/2007",
		`<html><body><img src="/gallery/photo.jpg"></body></html>`)

	assert.Contains(t, out, `src="../../gallery/photo.jpg"`)
}

func TestRewritePopupVideo(t *testing.T) {
	fx := newRewriteFixture(t)
	fx.fetcher.pages["http://example.org/popup/7"] =
		`<html><body><embed src="/v/7.wmv"></body></html>`
	fx.acquirer.paths["http://example.org/v/7.wmv"] = "v/7.mp4"

	out, _ := fx.rewrite(t, "http://example.org/",
		`<html><body><a href="javascript:playVideo('/popup/7')">Video</a></body></html>`)

	assert.Contains(t, out, `href="v/7.mp4"`)
	assert.Contains(t, out, ">7.mp4</a>")
	assert.NotContains(t, out, "javascript:")
	assert.Equal(t, 1, fx.fetcher.calls)

	// The resolved target is cached for resumed crawls.
	assert.Equal(t, "http://example.org/v/7.wmv",
		fx.st.PopupTargets["http://example.org/popup/7"])
	assert.True(t, fx.st.IsVisited("http://example.org/popup/7"),
		"popup pages are never crawled as pages")
}

func TestRewritePopupUsesCache(t *testing.T) {
	fx := newRewriteFixture(t)
	fx.st.PopupTargets["http://example.org/popup/7"] = "http://example.org/v/7.wmv"
	fx.acquirer.paths["http://example.org/v/7.wmv"] = "v/7.mp4"

	out, _ := fx.rewrite(t, "http://example.org/",
		`<html><body><a href="javascript:playVideo('/popup/7')">Video</a></body></html>`)

	assert.Contains(t, out, `href="v/7.mp4"`)
	assert.Zero(t, fx.fetcher.calls, "cached popup targets skip the sub-fetch")
}

func TestRewritePopupFailureRemovesViewerRow(t *testing.T) {
	fx := newRewriteFixture(t)
	// No popup page scripted: resolution fails.

	out, _ := fx.rewrite(t, "http://example.org/", `<html><body><table>
<tr><td><a href="javascript:playVideo('/popup/9')">Video</a></td></tr>
<tr class="viewer"><td><embed src="about:blank"></td></tr>
<tr><td>next row stays</td></tr>
</table></body></html>`)

	assert.Contains(t, out, "mirror-unavailable")
	assert.NotContains(t, out, `class="viewer"`)
	assert.Contains(t, out, "next row stays")
}

func TestRewriteOnclickPopup(t *testing.T) {
	fx := newRewriteFixture(t)
	fx.fetcher.pages["http://example.org/popup/3"] =
		`<html><body><embed src="/v/3.wmv"></body></html>`
	fx.acquirer.paths["http://example.org/v/3.wmv"] = "v/3.mp4"

	out, _ := fx.rewrite(t, "http://example.org/",
		`<html><body><a href="#" onclick="return openVideo('/popup/3');">Video</a></body></html>`)

	assert.Contains(t, out, `href="v/3.mp4"`)
	assert.NotContains(t, out, "onclick")
}

func TestRewriteRecordsAliasEdges(t *testing.T) {
	fx := newRewriteFixture(t)

	fx.rewrite(t, "http://example.org/",
		`<html><body><a href="/index.php/about">About</a></body></html>`)

	assert.Equal(t, "http://example.org/about",
		fx.st.ResolveAlias("http://example.org/index.php/about"))
}

func TestRewriteFailedPageBecomesMarker(t *testing.T) {
	fx := newRewriteFixture(t)
	fx.st.AddFailure("http://example.org/gone", "status 404")

	out, discoveries := fx.rewrite(t, "http://example.org/",
		`<html><body><a href="/gone">Old page</a></body></html>`)

	assert.Contains(t, out, "[unavailable: gone]")
	assert.Empty(t, discoveries)
}

func TestRewriteNeutralizesRemoteStyles(t *testing.T) {
	fx := newRewriteFixture(t)

	out, _ := fx.rewrite(t, "http://example.org/", `<html><head>
<style>body { background: url(http://ads.partner.net/banner.gif); }</style>
</head><body><div style="background-image: url('http://ads.partner.net/side.gif')">x</div></body></html>`)

	assert.NotContains(t, out, "ads.partner.net")
	assert.Contains(t, out, "url()")
}

func TestRewriteIsSinglePassDeterministic(t *testing.T) {
	fx := newRewriteFixture(t)
	fx.acquirer.paths["http://example.org/gallery/photo.jpg"] = "gallery/photo.jpg"

	doc := `<html><body><a href="/about">About</a><img src="/gallery/photo.jpg"></body></html>`
	first, _ := fx.rewrite(t, "http://example.org/", doc)
	second, _ := fx.rewrite(t, "http://example.org/", doc)

	assert.Equal(t, first, second)
}
