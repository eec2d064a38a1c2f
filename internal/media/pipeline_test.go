package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldstone/sitemirror/internal/state"
	"github.com/fieldstone/sitemirror/internal/urlnorm"
)

// fakeRunner scripts encoder exit codes and records invocations
type fakeRunner struct {
	exits []int
	calls [][]string
	onRun func(args []string)
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) (int, string, error) {
	f.calls = append(f.calls, args)
	exit := 0
	if len(f.exits) > 0 {
		exit = f.exits[0]
		if len(f.exits) > 1 {
			f.exits = f.exits[1:]
		}
	}
	if exit == 0 && f.onRun != nil {
		f.onRun(args)
	}
	return exit, "encoder stderr", nil
}

// writeOutput makes a successful fake run produce its output file, the
// way a real encoder would
func writeOutput(t *testing.T) func(args []string) {
	return func(args []string) {
		out := args[len(args)-1]
		require.NoError(t, os.WriteFile(out, []byte("converted"), 0644))
	}
}

type mediaFixture struct {
	pipeline *Pipeline
	mapper   *urlnorm.PathMapper
	st       *state.CrawlState
	runner   *fakeRunner
	srv      *httptest.Server
	hits     map[string]int
}

func newMediaFixture(t *testing.T) *mediaFixture {
	t.Helper()

	fx := &mediaFixture{hits: map[string]int{}}
	fx.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.hits[r.URL.Path]++
		w.Write([]byte("original media bytes"))
	}))
	t.Cleanup(fx.srv.Close)

	canon := urlnorm.NewCanonicalizer("example.org", nil)
	mapper, err := urlnorm.NewPathMapper(t.TempDir(), canon)
	require.NoError(t, err)

	fx.mapper = mapper
	fx.st = state.NewCrawlState()
	fx.runner = &fakeRunner{onRun: writeOutput(t)}

	opts := DefaultOptions()
	opts.MaxBytes = 1 << 20
	fx.pipeline = New(opts, mapper, fx.st, fx.srv.Client(), fx.runner)
	return fx
}

func TestCategorize(t *testing.T) {
	assert.Equal(t, CategoryVideo, Categorize(".wmv"))
	assert.Equal(t, CategoryVideo, Categorize(".MP4"))
	assert.Equal(t, CategoryImage, Categorize(".bmp"))
	assert.Equal(t, CategoryImage, Categorize(".jpg"))
	assert.Equal(t, CategoryOther, Categorize(".html"))
}

func TestIsMediaExtension(t *testing.T) {
	assert.True(t, IsMediaExtension("/v/clip.wmv"))
	assert.True(t, IsMediaExtension("/docs/press.pdf"))
	assert.False(t, IsMediaExtension("/about/index.html"))
	assert.False(t, IsMediaExtension("/events/results"))
}

func TestAcquirePassthrough(t *testing.T) {
	fx := newMediaFixture(t)

	rel, err := fx.pipeline.Acquire(context.Background(), fx.srv.URL+"/gallery/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "gallery/photo.jpg", rel)
	assert.Empty(t, fx.runner.calls, "passthrough formats are never transcoded")

	data, err := os.ReadFile(fx.mapper.FilePath(rel))
	require.NoError(t, err)
	assert.Equal(t, "original media bytes", string(data))
	assert.Equal(t, int64(1), fx.st.Stats.MediaDownloaded)
	assert.True(t, fx.st.SavedMedia["gallery/photo.jpg"], "saved media is recorded for the sitemap")
}

func TestAcquireDownloadsOnce(t *testing.T) {
	fx := newMediaFixture(t)

	_, err := fx.pipeline.Acquire(context.Background(), fx.srv.URL+"/gallery/photo.jpg")
	require.NoError(t, err)
	_, err = fx.pipeline.Acquire(context.Background(), fx.srv.URL+"/gallery/photo.jpg?cacheBuster=7")
	require.NoError(t, err)

	assert.Equal(t, 1, fx.hits["/gallery/photo.jpg"], "query variants share one download")
}

func TestAcquireVideoConversion(t *testing.T) {
	fx := newMediaFixture(t)

	rel, err := fx.pipeline.Acquire(context.Background(), fx.srv.URL+"/videos/clip.wmv")
	require.NoError(t, err)
	assert.Equal(t, "videos/clip.mp4", rel)
	require.Len(t, fx.runner.calls, 1)

	_, err = os.Stat(fx.mapper.FilePath("videos/clip.mp4"))
	assert.NoError(t, err)
	_, err = os.Stat(fx.mapper.FilePath("videos/clip.wmv"))
	assert.True(t, os.IsNotExist(err), "original is removed after conversion")
	assert.Equal(t, int64(1), fx.st.Stats.Conversions)
	assert.True(t, fx.st.SavedMedia["videos/clip.mp4"], "converted media is recorded for the sitemap")
}

func TestAcquireVideoSalvageFallback(t *testing.T) {
	fx := newMediaFixture(t)
	fx.runner.exits = []int{1, 0}

	rel, err := fx.pipeline.Acquire(context.Background(), fx.srv.URL+"/videos/old.avi")
	require.NoError(t, err)
	assert.Equal(t, "videos/old.mp4", rel)

	require.Len(t, fx.runner.calls, 2, "salvage profile runs only after the fast profile fails")
	assert.Contains(t, fx.runner.calls[1], "+genpts")
}

func TestAcquireVideoFailureBlacklists(t *testing.T) {
	fx := newMediaFixture(t)
	fx.runner.exits = []int{1, 1}

	url := fx.srv.URL + "/videos/broken.wmv"
	_, err := fx.pipeline.Acquire(context.Background(), url)
	require.Error(t, err)

	var ce *ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CategoryVideo, ce.Category)

	_, serr := os.Stat(fx.mapper.FilePath("videos/broken.wmv"))
	assert.True(t, os.IsNotExist(serr), "unplayable original is deleted")
	assert.True(t, fx.st.FailedMedia[url])
	assert.Equal(t, int64(1), fx.st.Stats.ConversionFailures)

	// A blacklisted URL is refused before any network traffic.
	downloads := fx.hits["/videos/broken.wmv"]
	_, err = fx.pipeline.Acquire(context.Background(), url)
	require.ErrorIs(t, err, ErrBlacklisted)
	assert.Equal(t, downloads, fx.hits["/videos/broken.wmv"])
}

func TestAcquireImageFailureKeepsOriginal(t *testing.T) {
	fx := newMediaFixture(t)
	fx.runner.exits = []int{1}

	rel, err := fx.pipeline.Acquire(context.Background(), fx.srv.URL+"/gallery/scan.bmp")
	require.NoError(t, err, "an unconvertible image is not a failure")
	assert.Equal(t, "gallery/scan.bmp", rel)

	_, serr := os.Stat(fx.mapper.FilePath("gallery/scan.bmp"))
	assert.NoError(t, serr, "viewable original is kept")
	assert.False(t, fx.st.FailedMedia[fx.srv.URL+"/gallery/scan.bmp"],
		"images are never blacklisted")
	assert.Equal(t, int64(1), fx.st.Stats.ConversionFailures)
}

func TestAcquirePolicySkip(t *testing.T) {
	fx := newMediaFixture(t)
	fx.pipeline.opts.Policy.SkipVideo = true

	_, err := fx.pipeline.Acquire(context.Background(), fx.srv.URL+"/videos/clip.wmv")
	require.ErrorIs(t, err, ErrPolicySkip)
	assert.Empty(t, fx.hits, "skipped categories are never downloaded")
}

func TestAcquireExistingOutputShortCircuits(t *testing.T) {
	fx := newMediaFixture(t)

	_, err := fx.pipeline.Acquire(context.Background(), fx.srv.URL+"/videos/clip.wmv")
	require.NoError(t, err)

	calls := len(fx.runner.calls)
	rel, err := fx.pipeline.Acquire(context.Background(), fx.srv.URL+"/videos/clip.wmv")
	require.NoError(t, err)
	assert.Equal(t, "videos/clip.mp4", rel)
	assert.Equal(t, calls, len(fx.runner.calls), "existing output is reused")
	assert.Equal(t, 1, fx.hits["/videos/clip.wmv"])
}
