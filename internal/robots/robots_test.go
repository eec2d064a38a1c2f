package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDisallow(t *testing.T) {
	input := `# mirror of the old site
User-agent: *
Disallow: /admin/
Disallow: /login
Allow: /public/
Crawl-delay: 10
disallow: /private/

Disallow:
`
	prefixes := parseDisallow(strings.NewReader(input))
	assert.Equal(t, []string{"/admin/", "/login", "/private/"}, prefixes)
}

func TestCanFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/robots.txt", r.URL.Path)
		w.Write([]byte("User-agent: *\nDisallow: /admin/\n"))
	}))
	defer srv.Close()

	c := New(filepath.Join(t.TempDir(), "robots.json"), 5*time.Second)
	ctx := context.Background()

	assert.True(t, c.CanFetch(ctx, srv.URL+"/public/page"))
	assert.False(t, c.CanFetch(ctx, srv.URL+"/admin/secret"))

	// Prefix match, not whole-directory match.
	assert.True(t, c.CanFetch(ctx, srv.URL+"/administrivia"))
}

func TestCanFetchCachesPerDomain(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("Disallow: /x/\n"))
	}))
	defer srv.Close()

	c := New(filepath.Join(t.TempDir(), "robots.json"), 5*time.Second)
	ctx := context.Background()

	c.CanFetch(ctx, srv.URL+"/a")
	c.CanFetch(ctx, srv.URL+"/b")
	c.CanFetch(ctx, srv.URL+"/x/c")

	assert.Equal(t, 1, hits, "robots fetched once per domain")
}

func TestMissingRobotsAllowsAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(filepath.Join(t.TempDir(), "robots.json"), 5*time.Second)
	assert.True(t, c.CanFetch(context.Background(), srv.URL+"/anything"))
}

func TestUnreachableHostAllowsAll(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "robots.json"), 200*time.Millisecond)
	assert.True(t, c.CanFetch(context.Background(), "http://127.0.0.1:1/page"))
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robots.json")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Disallow: /admin/\n"))
	}))
	defer srv.Close()

	c := New(path, 5*time.Second)
	c.CanFetch(context.Background(), srv.URL+"/page")
	require.NoError(t, c.Save())

	// A clean cache skips the rewrite.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, c.Save())
	info2, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), info2.ModTime())

	fresh := New(path, 5*time.Second)
	require.NoError(t, fresh.Load())
	assert.False(t, fresh.CanFetch(context.Background(), srv.URL+"/admin/page"),
		"loaded cache answers without refetching")
}

func TestLoadCorruptCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robots.json")
	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0644))

	c := New(path, time.Second)
	assert.NoError(t, c.Load())
}
