// Package crawl runs the single-threaded mirror loop that ties
// canonicalization, fetching, media, and rewriting together.
package crawl

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fieldstone/sitemirror/internal/config"
	"github.com/fieldstone/sitemirror/internal/fetch"
	"github.com/fieldstone/sitemirror/internal/media"
	"github.com/fieldstone/sitemirror/internal/robots"
	"github.com/fieldstone/sitemirror/internal/rewrite"
	"github.com/fieldstone/sitemirror/internal/state"
	"github.com/fieldstone/sitemirror/internal/urlnorm"
	"github.com/fieldstone/sitemirror/pkg/logging"
)

// stateDir holds crawl bookkeeping files under the mirror root
const stateDir = ".sitemirror"

// transientResumeLimit is how many resumes may exhaust a URL's transient
// retry budget before the URL is promoted to a permanent failure.
const transientResumeLimit = 3

// Session owns every component of one mirror run. All mutable state is
// touched only by the crawl loop goroutine; the sole cross-goroutine
// signal is the atomic stop flag.
type Session struct {
	RunID string

	cfg      *config.Config
	canon    *urlnorm.Canonicalizer
	mapper   *urlnorm.PathMapper
	store    *state.Store
	st       *state.CrawlState
	robots   *robots.Cache
	fetcher  *fetch.Fetcher
	media    *media.Pipeline
	rewriter *rewrite.Rewriter

	annotate map[string]bool
	stop     atomic.Bool
	logger   zerolog.Logger
}

// NewSession wires a full crawl from configuration, restoring any prior
// snapshot and enqueueing the seeds
func NewSession(cfg *config.Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.New().String()

	canon := urlnorm.NewCanonicalizer(cfg.SiteHost, urlnorm.DefaultRules())
	mapper, err := urlnorm.NewPathMapper(cfg.MirrorRoot, canon)
	if err != nil {
		return nil, err
	}

	store := state.NewStore(filepath.Join(cfg.MirrorRoot, stateDir, "state.json"))
	st, err := store.Load()
	if err != nil {
		return nil, err
	}

	rc := robots.New(filepath.Join(cfg.MirrorRoot, stateDir, "robots.json"), cfg.FetchTimeout)
	if err := rc.Load(); err != nil {
		return nil, err
	}

	fopts := fetch.DefaultOptions()
	fopts.UserAgent = cfg.UserAgent
	fopts.Timeout = cfg.FetchTimeout
	fopts.MaxBodySize = cfg.MaxBodySize
	fopts.MaxRetries = cfg.MaxRetries
	fopts.PoliteDelay = cfg.PoliteDelay
	fopts.SessionLifetime = cfg.SessionLifetime
	fopts.MaxAuthLoops = cfg.MaxAuthLoops
	fopts.LoginURL = cfg.LoginURL
	fopts.Username = cfg.Username
	fopts.Password = cfg.Password
	fopts.Canonicalize = func(raw string) (string, error) {
		return canon.Normalize(raw, nil)
	}

	fetcher, err := fetch.New(fopts, st)
	if err != nil {
		return nil, err
	}

	mopts := media.DefaultOptions()
	mopts.Policy = media.Policy{SkipVideo: cfg.SkipVideo, SkipImages: cfg.SkipImages}
	mopts.MaxBytes = cfg.MaxBodySize
	mopts.FFmpegPath = cfg.FFmpegPath
	mopts.UserAgent = cfg.UserAgent

	pipeline := media.New(mopts, mapper, st, fetcher.Client(), nil)
	rewriter := rewrite.New(canon, mapper, st, pipeline, fetcher)

	annotate := make(map[string]bool, len(cfg.AnnotatePages))
	for _, raw := range cfg.AnnotatePages {
		if c, err := canon.Normalize(raw, nil); err == nil {
			annotate[c] = true
		}
	}

	s := &Session{
		RunID:    runID,
		cfg:      cfg,
		canon:    canon,
		mapper:   mapper,
		store:    store,
		st:       st,
		robots:   rc,
		fetcher:  fetcher,
		media:    pipeline,
		rewriter: rewriter,
		annotate: annotate,
		logger:   logging.GetCrawlLogger(runID),
	}

	if err := s.seed(); err != nil {
		return nil, err
	}
	return s, nil
}

// seed canonicalizes and enqueues the configured seed URLs
func (s *Session) seed() error {
	for _, raw := range s.cfg.Seeds {
		canonical, err := s.canon.Normalize(raw, nil)
		if err != nil {
			return fmt.Errorf("seed %q: %w", raw, err)
		}
		if s.st.Enqueue(canonical, 0) {
			s.logger.Info().Str("url", canonical).Msg("Seed enqueued")
		}
	}
	return nil
}

// Stop requests a graceful shutdown. Safe to call from any goroutine;
// the loop notices at its next poll point.
func (s *Session) Stop() {
	s.stop.Store(true)
}

// State exposes the crawl state for reporting
func (s *Session) State() *state.CrawlState { return s.st }
