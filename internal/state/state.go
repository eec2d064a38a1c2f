// Package state holds the durable, resumable record of a mirror crawl.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/fieldstone/sitemirror/pkg/logging"
)

// SchemaVersion tags persisted snapshots for future format migration
const SchemaVersion = 1

// QueueEntry is one pending URL with its discovery depth
type QueueEntry struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

// Stats tracks crawl counters for reporting
type Stats struct {
	Fetched            int64 `json:"fetched"`
	Succeeded          int64 `json:"succeeded"`
	Failed             int64 `json:"failed"`
	Skipped            int64 `json:"skipped"`
	Redirects          int64 `json:"redirects"`
	PagesSaved         int64 `json:"pages_saved"`
	MediaDownloaded    int64 `json:"media_downloaded"`
	Conversions        int64 `json:"conversions"`
	ConversionFailures int64 `json:"conversion_failures"`
	BytesIn            int64 `json:"bytes_in"`
	BytesOut           int64 `json:"bytes_out"`
}

// CrawlState is the full mutable state of one crawl. It is owned
// exclusively by the single crawl loop; no internal locking.
type CrawlState struct {
	Version int `json:"schema_version"`

	Visited map[string]bool   `json:"visited"`
	Queue   []QueueEntry      `json:"queue"`
	Depths  map[string]int    `json:"depths"`
	Failed  map[string]string `json:"failed"` // canonical URL -> reason

	// FailedMedia is the permanent video-conversion blacklist,
	// consulted on every future discovery.
	FailedMedia map[string]bool `json:"failed_media"`

	// Hashes maps content hash -> saved relative path for dedup.
	Hashes map[string]string `json:"hashes"`

	// Aliases maps an original URL to the canonical URL it resolves
	// or redirects to.
	Aliases map[string]string `json:"aliases"`

	// PopupTargets caches resolved popup-page media targets so a
	// resumed crawl skips the sub-fetch.
	PopupTargets map[string]string `json:"popup_targets"`

	// TransientRuns counts resumes on which a URL exhausted its
	// transient retry budget (see aging policy).
	TransientRuns map[string]int `json:"transient_runs"`

	// Deferred parks transiently-exhausted URLs until the next resume;
	// Load moves them back onto the queue.
	Deferred []QueueEntry `json:"deferred,omitempty"`

	// SavedMedia records mirrored non-HTML file paths for the sitemap.
	SavedMedia map[string]bool `json:"saved_media"`

	Stats Stats `json:"stats"`

	queued map[string]bool
}

// NewCrawlState returns an empty state ready for a fresh crawl
func NewCrawlState() *CrawlState {
	s := &CrawlState{
		Version:       SchemaVersion,
		Visited:       make(map[string]bool),
		Depths:        make(map[string]int),
		Failed:        make(map[string]string),
		FailedMedia:   make(map[string]bool),
		Hashes:        make(map[string]string),
		Aliases:       make(map[string]string),
		PopupTargets:  make(map[string]string),
		TransientRuns: make(map[string]int),
	}
	s.rebuild()
	return s
}

// rebuild restores derived indexes after a snapshot load
func (s *CrawlState) rebuild() {
	s.queued = make(map[string]bool, len(s.Queue))
	for _, e := range s.Queue {
		s.queued[e.URL] = true
	}
	if s.Visited == nil {
		s.Visited = make(map[string]bool)
	}
	if s.Depths == nil {
		s.Depths = make(map[string]int)
	}
	if s.Failed == nil {
		s.Failed = make(map[string]string)
	}
	if s.FailedMedia == nil {
		s.FailedMedia = make(map[string]bool)
	}
	if s.Hashes == nil {
		s.Hashes = make(map[string]string)
	}
	if s.Aliases == nil {
		s.Aliases = make(map[string]string)
	}
	if s.PopupTargets == nil {
		s.PopupTargets = make(map[string]string)
	}
	if s.TransientRuns == nil {
		s.TransientRuns = make(map[string]int)
	}
	if s.SavedMedia == nil {
		s.SavedMedia = make(map[string]bool)
	}

	// A deferred URL becomes eligible again on the run that loads it.
	if len(s.Deferred) > 0 {
		deferred := s.Deferred
		s.Deferred = nil
		for _, e := range deferred {
			s.Enqueue(e.URL, e.Depth)
		}
	}
}

// Enqueue appends a URL at the given depth. A URL already visited,
// queued, permanently failed, or media-blacklisted is never re-enqueued.
func (s *CrawlState) Enqueue(url string, depth int) bool {
	if s.Visited[url] || s.queued[url] {
		return false
	}
	if _, failed := s.Failed[url]; failed {
		return false
	}
	if s.FailedMedia[url] {
		return false
	}
	s.Queue = append(s.Queue, QueueEntry{URL: url, Depth: depth})
	s.queued[url] = true
	s.Depths[url] = depth
	return true
}

// Dequeue pops the oldest pending entry (FIFO)
func (s *CrawlState) Dequeue() (QueueEntry, bool) {
	for len(s.Queue) > 0 {
		e := s.Queue[0]
		s.Queue = s.Queue[1:]
		delete(s.queued, e.URL)
		return e, true
	}
	return QueueEntry{}, false
}

// QueueLen reports the pending queue length
func (s *CrawlState) QueueLen() int { return len(s.Queue) }

// MarkVisited records a canonical URL as processed
func (s *CrawlState) MarkVisited(url string) { s.Visited[url] = true }

// IsVisited reports whether a canonical URL was already processed
func (s *CrawlState) IsVisited(url string) bool { return s.Visited[url] }

// AddAlias records a duplicate-redirect edge original -> canonical
func (s *CrawlState) AddAlias(original, canonical string) {
	if original == "" || original == canonical {
		return
	}
	s.Aliases[original] = canonical
}

// ResolveAlias follows recorded alias edges for a URL, if any
func (s *CrawlState) ResolveAlias(url string) string {
	if target, ok := s.Aliases[url]; ok {
		return target
	}
	return url
}

// AddFailure records a permanent fetch failure with its reason
func (s *CrawlState) AddFailure(url, reason string) {
	if _, exists := s.Failed[url]; !exists {
		s.Stats.Failed++
	}
	s.Failed[url] = reason
}

// IsFailed reports whether a URL is in the permanent-failure set
func (s *CrawlState) IsFailed(url string) bool {
	_, ok := s.Failed[url]
	return ok
}

// BlacklistMedia permanently marks a media URL as unconvertible
func (s *CrawlState) BlacklistMedia(url string) {
	s.FailedMedia[url] = true
}

// RecordTransientExhaustion bumps the per-resume exhaustion counter and
// reports the new count
func (s *CrawlState) RecordTransientExhaustion(url string) int {
	s.TransientRuns[url]++
	return s.TransientRuns[url]
}

// Defer parks a transiently-exhausted URL for the next resume. It is
// not re-queued within the current run.
func (s *CrawlState) Defer(url string, depth int) {
	s.Deferred = append(s.Deferred, QueueEntry{URL: url, Depth: depth})
}

// MarkSaved records a mirrored non-HTML file path for the sitemap
func (s *CrawlState) MarkSaved(path string) {
	s.SavedMedia[path] = true
}

// SavedPaths returns the sorted set of saved page and media paths for
// the sitemap
func (s *CrawlState) SavedPaths() []string {
	seen := make(map[string]bool, len(s.Hashes)+len(s.SavedMedia))
	paths := make([]string, 0, len(s.Hashes)+len(s.SavedMedia))
	for _, p := range s.Hashes {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for p := range s.SavedMedia {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// Store persists crawl state snapshots with atomic replace semantics
type Store struct {
	path   string
	logger zerolog.Logger
}

// NewStore creates a store writing snapshots to the given file path
func NewStore(path string) *Store {
	return &Store{
		path:   path,
		logger: logging.GetLogger("state"),
	}
}

// Load restores the last snapshot. A missing file yields a fresh state;
// a corrupt snapshot is logged and also falls back to a fresh state.
func (st *Store) Load() (*CrawlState, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			st.logger.Info().Str("path", st.path).Msg("No snapshot found, starting fresh")
			return NewCrawlState(), nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	s := NewCrawlState()
	if err := json.Unmarshal(data, s); err != nil {
		st.logger.Warn().
			Err(err).
			Str("path", st.path).
			Msg("Corrupt snapshot, starting fresh")
		return NewCrawlState(), nil
	}
	if s.Version == 0 {
		s.Version = SchemaVersion
	}
	s.rebuild()

	st.logger.Info().
		Int("visited", len(s.Visited)).
		Int("queued", len(s.Queue)).
		Int("failed", len(s.Failed)).
		Msg("Snapshot restored")
	return s, nil
}

// Save serializes the full state to a temporary file and atomically
// renames it into place, so no partial snapshot is ever observable.
func (st *Store) Save(s *CrawlState) error {
	s.Version = SchemaVersion

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(st.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	tmp := st.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}

	if err := os.Rename(tmp, st.path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
