// Package media downloads embedded media and transcodes legacy formats
// into one playable (video) or viewable (image) form.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldstone/sitemirror/internal/fetch"
	"github.com/fieldstone/sitemirror/internal/state"
	"github.com/fieldstone/sitemirror/internal/urlnorm"
	"github.com/fieldstone/sitemirror/pkg/logging"
)

// Category classifies a media asset by extension
type Category int

const (
	CategoryOther Category = iota
	CategoryVideo
	CategoryImage
)

func (c Category) String() string {
	switch c {
	case CategoryVideo:
		return "video"
	case CategoryImage:
		return "image"
	default:
		return "other"
	}
}

// ErrPolicySkip marks an asset skipped by operator policy
var ErrPolicySkip = errors.New("media category skipped by policy")

// ErrBlacklisted marks an asset on the permanent failed-conversion set
var ErrBlacklisted = errors.New("media url permanently blacklisted")

// ConversionError reports that every conversion attempt failed
type ConversionError struct {
	URL      string
	Category Category
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s %s: %v", e.Category, e.URL, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Policy lets an operator skip a whole media category
type Policy struct {
	SkipVideo  bool `json:"skip_video"`
	SkipImages bool `json:"skip_images"`
}

// Options configures the media pipeline
type Options struct {
	Policy         Policy        `json:"policy"`
	MaxBytes       int64         `json:"max_bytes"`
	FFmpegPath     string        `json:"ffmpeg_path"`
	ConvertTimeout time.Duration `json:"convert_timeout"`
	UserAgent      string        `json:"user_agent"`
}

// DefaultOptions returns baseline media options
func DefaultOptions() *Options {
	return &Options{
		MaxBytes:       200 * 1024 * 1024,
		FFmpegPath:     "ffmpeg",
		ConvertTimeout: 15 * time.Minute,
		UserAgent:      "sitemirror/1.0",
	}
}

// convertibleVideo lists legacy containers transcoded to mp4
var convertibleVideo = map[string]bool{
	".wmv": true, ".avi": true, ".mpg": true, ".mpeg": true,
	".mov": true, ".flv": true, ".asf": true, ".rm": true,
}

// convertibleImage lists formats transcoded to jpeg
var convertibleImage = map[string]bool{
	".bmp": true, ".tif": true, ".tiff": true, ".pcx": true, ".tga": true,
}

var passthroughVideo = map[string]bool{".mp4": true}

var passthroughImage = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".ico": true,
}

// Categorize buckets a file extension
func Categorize(ext string) Category {
	ext = strings.ToLower(ext)
	switch {
	case convertibleVideo[ext] || passthroughVideo[ext]:
		return CategoryVideo
	case convertibleImage[ext] || passthroughImage[ext]:
		return CategoryImage
	default:
		return CategoryOther
	}
}

// IsMediaExtension reports whether a URL path looks like binary media
// the pipeline should handle
func IsMediaExtension(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	if ext == "" {
		return false
	}
	if Categorize(ext) != CategoryOther {
		return true
	}
	switch ext {
	case ".pdf", ".zip", ".mp3", ".doc", ".xls":
		return true
	}
	return false
}

// Pipeline downloads media over the shared session and transcodes it
type Pipeline struct {
	opts   *Options
	mapper *urlnorm.PathMapper
	st     *state.CrawlState
	client *http.Client
	runner Runner
	logger zerolog.Logger
}

// New creates a media pipeline. client is the shared authenticated
// session; runner executes the external encoder.
func New(opts *Options, mapper *urlnorm.PathMapper, st *state.CrawlState, client *http.Client, runner Runner) *Pipeline {
	if opts == nil {
		opts = DefaultOptions()
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Pipeline{
		opts:   opts,
		mapper: mapper,
		st:     st,
		client: client,
		runner: runner,
		logger: logging.GetLogger("media"),
	}
}

// Acquire downloads (at most once) and converts (at most once, with one
// video fallback) a media asset, returning its path relative to the
// mirror root.
//
// Failure semantics are asymmetric: an unconvertible video is deleted
// and its URL permanently blacklisted; an unconvertible image is kept
// since the original is still viewable.
func (p *Pipeline) Acquire(ctx context.Context, rawURL string) (string, error) {
	key := stripQuery(rawURL)

	if p.st.FailedMedia[key] {
		return "", ErrBlacklisted
	}

	u, err := url.Parse(key)
	if err != nil {
		return "", fmt.Errorf("parse media url: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(u.Path))
	category := Categorize(ext)

	if category == CategoryVideo && p.opts.Policy.SkipVideo {
		return "", ErrPolicySkip
	}
	if category == CategoryImage && p.opts.Policy.SkipImages {
		return "", ErrPolicySkip
	}

	origRel, err := p.mapper.Map(key)
	if err != nil {
		return "", err
	}

	outRel := origRel
	switch {
	case convertibleVideo[ext]:
		outRel = strings.TrimSuffix(origRel, ext) + ".mp4"
	case convertibleImage[ext]:
		outRel = strings.TrimSuffix(origRel, ext) + ".jpg"
	}
	outPath := p.mapper.FilePath(outRel)

	if _, err := os.Stat(outPath); err == nil {
		p.st.MarkSaved(outRel)
		return outRel, nil
	}

	origPath := p.mapper.FilePath(origRel)
	if _, err := os.Stat(origPath); err != nil {
		if err := p.download(ctx, key, origPath); err != nil {
			return "", err
		}
	}

	if outRel == origRel {
		p.st.MarkSaved(origRel)
		return origRel, nil
	}

	mlog := logging.GetMediaLogger(category.String())

	switch category {
	case CategoryVideo:
		if err := p.convertVideo(ctx, origPath, outPath); err != nil {
			// Both profiles failed: the original is unplayable
			// anyway, so delete it and blacklist the URL.
			os.Remove(origPath)
			os.Remove(outPath)
			p.st.BlacklistMedia(key)
			p.st.Stats.ConversionFailures++
			mlog.Warn().
				Str("url", key).
				Err(err).
				Msg("Video conversion failed, original deleted and URL blacklisted")
			return "", &ConversionError{URL: key, Category: category, Err: err}
		}
	case CategoryImage:
		if err := p.convertImage(ctx, origPath, outPath); err != nil {
			// The original image is still directly viewable; keep it.
			os.Remove(outPath)
			p.st.Stats.ConversionFailures++
			mlog.Warn().
				Str("url", key).
				Err(err).
				Msg("Image conversion failed, keeping original")
			p.st.MarkSaved(origRel)
			return origRel, nil
		}
	}

	os.Remove(origPath)
	p.st.Stats.Conversions++
	if fi, err := os.Stat(outPath); err == nil {
		p.st.Stats.BytesOut += fi.Size()
	}
	p.st.MarkSaved(outRel)

	mlog.Info().
		Str("url", key).
		Str("path", outRel).
		Msg("Media converted")
	return outRel, nil
}

// download streams the asset to a temp file and atomically renames it
// into place, enforcing the size ceiling
func (p *Pipeline) download(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build media request: %w", err)
	}
	req.Header.Set("User-Agent", p.opts.UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &fetch.Error{URL: rawURL, StatusCode: resp.StatusCode, Class: fetch.ClassPermanent}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create media tmp: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(resp.Body, p.opts.MaxBytes+1))
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("stream media: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("close media tmp: %w", closeErr)
	}
	if n > p.opts.MaxBytes {
		os.Remove(tmp)
		p.logger.Warn().Str("url", rawURL).Int64("limit", p.opts.MaxBytes).Msg("Media exceeds size ceiling, skipping")
		return fmt.Errorf("%s: %w", rawURL, fetch.ErrTooLarge)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename media: %w", err)
	}

	p.st.Stats.MediaDownloaded++
	p.st.Stats.BytesIn += n
	p.logger.Debug().Str("url", rawURL).Int64("bytes", n).Msg("Media downloaded")
	return nil
}

// stripQuery returns the URL without query or fragment; media assets
// are identified by their query-stripped URL
func stripQuery(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
