package crawl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fieldstone/sitemirror/internal/fetch"
	"github.com/fieldstone/sitemirror/internal/media"
	"github.com/fieldstone/sitemirror/internal/state"
	"github.com/fieldstone/sitemirror/internal/urlnorm"
)

// Run drains the queue until it is empty, a stop is requested, or a
// fatal error occurs. Checkpoints are written every CheckpointEvery
// pages; a checkpoint failure mid-run is fatal since resumability is the
// whole point.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info().
		Str("site", s.canon.Host()).
		Str("root", s.mapper.Root()).
		Int("queued", s.st.QueueLen()).
		Msg("Crawl starting")

	processed := 0
	for {
		if s.stop.Load() || ctx.Err() != nil {
			s.logger.Info().Int("processed", processed).Msg("Stop requested, checkpointing")
			return s.finish()
		}

		entry, ok := s.st.Dequeue()
		if !ok {
			break
		}

		if err := s.processOne(ctx, entry); err != nil {
			var iv *urlnorm.InvariantViolation
			if errors.As(err, &iv) {
				// A traversal that survives canonicalization is a
				// defect; continuing could write outside the root.
				s.logger.Error().Err(iv).Msg("Canonicalization invariant violated, aborting")
				s.checkpointShutdown()
				return iv
			}
			return err
		}

		processed++
		if processed%s.cfg.CheckpointEvery == 0 {
			if err := s.store.Save(s.st); err != nil {
				return fmt.Errorf("checkpoint: %w", err)
			}
			s.logStats("Progress")
		}
	}

	s.logger.Info().Int("processed", processed).Msg("Queue drained")
	return s.finish()
}

// processOne fetches, rewrites, and saves a single queue entry
func (s *Session) processOne(ctx context.Context, entry state.QueueEntry) error {
	canonical := s.st.ResolveAlias(entry.URL)

	if s.st.IsVisited(canonical) || s.st.IsFailed(canonical) {
		return nil
	}
	if entry.Depth > s.cfg.MaxDepth {
		s.st.Stats.Skipped++
		s.st.MarkVisited(canonical)
		s.logger.Debug().Str("url", canonical).Int("depth", entry.Depth).Msg("Depth ceiling reached")
		return nil
	}
	if !s.robots.CanFetch(ctx, canonical) {
		s.st.Stats.Skipped++
		s.st.MarkVisited(canonical)
		s.logger.Info().Str("url", canonical).Msg("Disallowed by robots, skipping")
		return nil
	}

	// Visited before processing: a crash mid-page never loops on it.
	s.st.MarkVisited(canonical)

	res, err := s.fetcher.Fetch(ctx, canonical)
	if err != nil {
		return s.handleFetchError(canonical, err)
	}

	// A redirect means the content lives at the final URL; the
	// requested location gets a redirector document instead.
	saveAs := canonical
	finalCanon, nerr := s.canon.Normalize(res.FinalURL, nil)
	if nerr == nil && finalCanon != canonical {
		s.st.AddAlias(canonical, finalCanon)

		reqRel, err := s.mapper.Map(canonical)
		if err != nil {
			return err
		}
		finalRel, err := s.mapper.Map(finalCanon)
		if err != nil {
			return err
		}
		// Source and target can map to the same file (query folding);
		// a redirector there would only point at itself.
		if reqRel != finalRel {
			if err := s.writeRedirector(reqRel, finalRel); err != nil {
				return err
			}
		}
		if s.st.IsVisited(finalCanon) {
			return nil
		}
		s.st.MarkVisited(finalCanon)
		saveAs = finalCanon
	}

	if !isPage(saveAs, res.ContentType) {
		return s.saveBinary(ctx, saveAs, res)
	}
	return s.savePage(ctx, saveAs, entry.Depth, res)
}

// handleFetchError applies the failure taxonomy: permanent failures are
// recorded, transient exhaustions stay retryable until the aging limit,
// oversize bodies are just skipped.
func (s *Session) handleFetchError(canonical string, err error) error {
	if errors.Is(err, fetch.ErrTooLarge) {
		s.st.Stats.Skipped++
		s.logger.Warn().Str("url", canonical).Msg("Oversize content skipped")
		return nil
	}

	var fe *fetch.Error
	if !errors.As(err, &fe) {
		return err
	}

	if fe.Permanent() {
		s.st.AddFailure(canonical, fe.Error())
		s.logger.Warn().
			Str("url", canonical).
			Int("status", fe.StatusCode).
			Str("class", fe.Class.String()).
			Msg("Permanent fetch failure recorded")
		return nil
	}

	// Transient budget exhausted: leave the URL eligible for the next
	// resume unless it has burned too many resumes already.
	runs := s.st.RecordTransientExhaustion(canonical)
	if runs >= transientResumeLimit {
		s.st.AddFailure(canonical, fmt.Sprintf("transient failure on %d runs: %v", runs, fe))
		s.logger.Warn().
			Str("url", canonical).
			Int("runs", runs).
			Msg("Transient failure aged into permanent")
		return nil
	}

	delete(s.st.Visited, canonical)
	s.st.Defer(canonical, s.st.Depths[canonical])
	s.st.Stats.Skipped++
	s.logger.Warn().
		Str("url", canonical).
		Int("runs", runs).
		Err(fe).
		Msg("Transient retries exhausted, parked for next resume")
	return nil
}

// savePage rewrites and stores an HTML document, enqueueing what it
// links to
func (s *Session) savePage(ctx context.Context, canonical string, depth int, res *fetch.Result) error {
	pageURL, err := url.Parse(canonical)
	if err != nil {
		return fmt.Errorf("parse canonical %q: %w", canonical, err)
	}

	body := fetch.DecodeHTML(res.Body, res.ContentType)

	rewritten, discoveries, err := s.rewriter.Rewrite(ctx, body, pageURL)
	if err != nil {
		return err
	}

	if s.annotate[canonical] {
		rewritten = s.annotatePage(rewritten, canonical)
	}

	rel, err := s.mapper.Map(canonical)
	if err != nil {
		return err
	}

	// Identical rewritten content saved under another path gets a
	// redirector instead of a duplicate file.
	sum := sha256.Sum256(rewritten)
	hash := hex.EncodeToString(sum[:])
	if existing, ok := s.st.Hashes[hash]; ok && existing != rel {
		s.logger.Debug().
			Str("url", canonical).
			Str("duplicate_of", existing).
			Msg("Duplicate content, writing redirector")
		return s.writeRedirector(rel, existing)
	}

	if err := s.writeFile(rel, rewritten); err != nil {
		return err
	}
	s.st.Hashes[hash] = rel
	s.st.Stats.PagesSaved++
	s.st.Stats.BytesOut += int64(len(rewritten))

	// A listing saved under its canonical parameterized form also gets
	// a redirector at the bare endpoint path.
	if bare, ok := s.mapper.DefaultListing(canonical); ok {
		if err := s.writeRedirector(bare, rel); err != nil {
			return err
		}
	}

	for _, d := range discoveries {
		s.st.Enqueue(d, depth+1)
	}

	s.logger.Info().
		Str("url", canonical).
		Str("path", rel).
		Int("links", len(discoveries)).
		Msg("Page saved")
	return nil
}

// saveBinary stores a non-HTML response. Recognized media goes through
// the conversion pipeline; anything else is written as-is.
func (s *Session) saveBinary(ctx context.Context, canonical string, res *fetch.Result) error {
	if media.IsMediaExtension(pathOf(canonical)) {
		if _, err := s.media.Acquire(ctx, canonical); err != nil {
			var ce *media.ConversionError
			if errors.As(err, &ce) || errors.Is(err, media.ErrPolicySkip) || errors.Is(err, media.ErrBlacklisted) {
				s.st.Stats.Skipped++
				return nil
			}
			s.logger.Warn().Str("url", canonical).Err(err).Msg("Media acquisition failed")
			s.st.Stats.Skipped++
		}
		return nil
	}

	rel, err := s.mapper.Map(canonical)
	if err != nil {
		return err
	}
	if err := s.writeFile(rel, res.Body); err != nil {
		return err
	}
	s.st.MarkSaved(rel)
	s.st.Stats.PagesSaved++
	s.st.Stats.BytesOut += int64(len(res.Body))
	s.logger.Info().Str("url", canonical).Str("path", rel).Msg("File saved")
	return nil
}

// writeFile stores bytes under the mirror root with atomic replace
func (s *Session) writeFile(rel string, data []byte) error {
	dest := s.mapper.FilePath(rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", rel, err)
	}
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", rel, err)
	}
	return nil
}

// writeRedirector drops a small client-side redirect page at atRel
// pointing to toRel. An existing file is never overwritten: real content
// always wins over a redirector.
func (s *Session) writeRedirector(atRel, toRel string) error {
	dest := s.mapper.FilePath(atRel)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	target := urlnorm.Relative(atRel, toRel)
	doc := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="0; url=%s">
<title>Redirecting</title>
</head>
<body>
<p><a href="%s">Moved here</a></p>
</body>
</html>
`, target, target)

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", atRel, err)
	}
	if err := os.WriteFile(dest, []byte(doc), 0644); err != nil {
		return fmt.Errorf("write redirector %s: %w", atRel, err)
	}
	s.logger.Debug().Str("at", atRel).Str("to", toRel).Msg("Redirector written")
	return nil
}

// annotatePage prepends a provenance note to a saved page
func (s *Session) annotatePage(doc []byte, canonical string) []byte {
	note := fmt.Sprintf("<!-- mirrored from %s on %s (run %s) -->\n",
		canonical, time.Now().Format("2006-01-02"), s.RunID)
	return append([]byte(note), doc...)
}

// finish persists everything and writes the run reports
func (s *Session) finish() error {
	s.checkpointShutdown()

	if err := s.writeSitemap(); err != nil {
		s.logger.Error().Err(err).Msg("Sitemap write failed")
	}
	if err := s.writeAliases(); err != nil {
		s.logger.Error().Err(err).Msg("Alias table write failed")
	}

	s.logStats("Crawl finished")
	return nil
}

// logStats emits the full counter set; used at every checkpoint and at
// the end of the run
func (s *Session) logStats(msg string) {
	st := s.st.Stats
	s.logger.Info().
		Int64("fetched", st.Fetched).
		Int64("succeeded", st.Succeeded).
		Int64("failed", st.Failed).
		Int64("skipped", st.Skipped).
		Int64("pages_saved", st.PagesSaved).
		Int64("media", st.MediaDownloaded).
		Int64("conversions", st.Conversions).
		Int64("conversion_failures", st.ConversionFailures).
		Int64("bytes_in", st.BytesIn).
		Int64("bytes_out", st.BytesOut).
		Int("queued", s.st.QueueLen()).
		Msg(msg)
}

// checkpointShutdown saves state and the robots cache at shutdown, where
// a failure is logged rather than fatal
func (s *Session) checkpointShutdown() {
	if err := s.store.Save(s.st); err != nil {
		s.logger.Error().Err(err).Msg("Final checkpoint failed")
	}
	if err := s.robots.Save(); err != nil {
		s.logger.Error().Err(err).Msg("Robots cache save failed")
	}
}

// writeSitemap emits a plain-text index of every saved page
func (s *Session) writeSitemap() error {
	var b strings.Builder
	fmt.Fprintf(&b, "# sitemirror run %s\n", s.RunID)
	fmt.Fprintf(&b, "# generated %s\n", time.Now().Format(time.RFC3339))
	st := s.st.Stats
	fmt.Fprintf(&b, "# pages=%d media=%d failures=%d\n", st.PagesSaved, st.MediaDownloaded, st.Failed)
	for _, p := range s.st.SavedPaths() {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return os.WriteFile(filepath.Join(s.mapper.Root(), "sitemap.txt"), []byte(b.String()), 0644)
}

// writeAliases persists the duplicate-redirect table for post-run
// inspection
func (s *Session) writeAliases() error {
	data, err := json.MarshalIndent(s.st.Aliases, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.mapper.Root(), stateDir, "aliases.json"), data, 0644)
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// looksLikePage treats extension-less and .html paths as markup
func looksLikePage(rawURL string) bool {
	p := strings.ToLower(pathOf(rawURL))
	ext := filepath.Ext(p)
	return ext == "" || ext == ".html" || ext == ".htm"
}

// isPage decides the markup branch: an HTML content type, or a
// page-looking path whose declaration is absent or merely textual.
// Legacy servers routinely mislabel pages as text/plain.
func isPage(rawURL, contentType string) bool {
	if isHTML(contentType) {
		return true
	}
	ct := strings.ToLower(contentType)
	if ct != "" && !strings.HasPrefix(ct, "text/") {
		return false
	}
	return looksLikePage(rawURL)
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
