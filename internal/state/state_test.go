package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDedup(t *testing.T) {
	s := NewCrawlState()

	assert.True(t, s.Enqueue("http://example.org/a", 0))
	assert.False(t, s.Enqueue("http://example.org/a", 0), "already queued")

	s.MarkVisited("http://example.org/b")
	assert.False(t, s.Enqueue("http://example.org/b", 1), "already visited")

	s.AddFailure("http://example.org/c", "status 404")
	assert.False(t, s.Enqueue("http://example.org/c", 1), "permanently failed")

	s.BlacklistMedia("http://example.org/broken.wmv")
	assert.False(t, s.Enqueue("http://example.org/broken.wmv", 1), "media blacklisted")
}

func TestDequeueFIFO(t *testing.T) {
	s := NewCrawlState()
	s.Enqueue("http://example.org/first", 0)
	s.Enqueue("http://example.org/second", 1)

	e, ok := s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "http://example.org/first", e.URL)
	assert.Equal(t, 0, e.Depth)

	e, ok = s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "http://example.org/second", e.URL)

	_, ok = s.Dequeue()
	assert.False(t, ok)

	// Dequeued entries may be enqueued again until visited.
	assert.True(t, s.Enqueue("http://example.org/first", 0))
}

func TestAddFailureCountsOnce(t *testing.T) {
	s := NewCrawlState()
	s.AddFailure("http://example.org/x", "status 404")
	s.AddFailure("http://example.org/x", "status 410")

	assert.Equal(t, int64(1), s.Stats.Failed)
	assert.True(t, s.IsFailed("http://example.org/x"))
}

func TestAliases(t *testing.T) {
	s := NewCrawlState()
	s.AddAlias("http://example.org/pics/a.jpg", "http://example.org/gallery/a.jpg")
	s.AddAlias("http://example.org/same", "http://example.org/same")

	assert.Equal(t, "http://example.org/gallery/a.jpg", s.ResolveAlias("http://example.org/pics/a.jpg"))
	assert.Equal(t, "http://example.org/other", s.ResolveAlias("http://example.org/other"))
	assert.NotContains(t, s.Aliases, "http://example.org/same", "self-aliases are dropped")
}

func TestTransientExhaustion(t *testing.T) {
	s := NewCrawlState()
	assert.Equal(t, 1, s.RecordTransientExhaustion("http://example.org/flaky"))
	assert.Equal(t, 2, s.RecordTransientExhaustion("http://example.org/flaky"))
}

func TestDeferredRequeuedOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStore(path)

	s := NewCrawlState()
	s.Defer("http://example.org/flaky", 3)
	require.NoError(t, store.Save(s))

	// Within the saving run the URL stays parked.
	_, ok := s.Dequeue()
	assert.False(t, ok)

	loaded, err := store.Load()
	require.NoError(t, err)

	e, ok := loaded.Dequeue()
	require.True(t, ok, "deferred URLs re-enter the queue on resume")
	assert.Equal(t, "http://example.org/flaky", e.URL)
	assert.Equal(t, 3, e.Depth)
	assert.Empty(t, loaded.Deferred, "requeued entries are not deferred twice")
}

func TestStoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStore(path)

	s := NewCrawlState()
	s.Enqueue("http://example.org/pending", 2)
	s.MarkVisited("http://example.org/done")
	s.AddFailure("http://example.org/gone", "status 404")
	s.BlacklistMedia("http://example.org/bad.wmv")
	s.Hashes["abc123"] = "index.html"
	s.PopupTargets["http://example.org/popup/1"] = "http://example.org/v/1.wmv"
	s.Stats.PagesSaved = 7

	require.NoError(t, store.Save(s))

	loaded, err := store.Load()
	require.NoError(t, err)

	assert.True(t, loaded.IsVisited("http://example.org/done"))
	assert.True(t, loaded.IsFailed("http://example.org/gone"))
	assert.True(t, loaded.FailedMedia["http://example.org/bad.wmv"])
	assert.Equal(t, "index.html", loaded.Hashes["abc123"])
	assert.Equal(t, int64(7), loaded.Stats.PagesSaved)
	assert.Equal(t, SchemaVersion, loaded.Version)

	e, ok := loaded.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "http://example.org/pending", e.URL)
	assert.Equal(t, 2, e.Depth)

	// The queued index must survive the roundtrip.
	assert.False(t, loaded.Enqueue("http://example.org/done", 0))
}

func TestStoreLoadMissing(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent.json"))
	s, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, s.QueueLen())
	assert.Empty(t, s.Visited)
}

func TestStoreLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	store := NewStore(path)
	s, err := store.Load()
	require.NoError(t, err, "corrupt snapshot falls back to fresh state")
	assert.Empty(t, s.Visited)
}

func TestStoreSaveLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store := NewStore(path)
	require.NoError(t, store.Save(NewCrawlState()))

	_, err := os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestSavedPaths(t *testing.T) {
	s := NewCrawlState()
	s.Hashes["h1"] = "b/index.html"
	s.Hashes["h2"] = "a/index.html"
	s.Hashes["h3"] = "b/index.html"
	s.MarkSaved("gallery/photo.jpg")
	s.MarkSaved("videos/clip.mp4")
	s.MarkSaved("a/index.html")

	assert.Equal(t, []string{
		"a/index.html",
		"b/index.html",
		"gallery/photo.jpg",
		"videos/clip.mp4",
	}, s.SavedPaths(), "pages and media share one sitemap listing")
}
