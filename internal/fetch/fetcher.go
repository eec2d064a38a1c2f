// Package fetch retrieves site pages over an authenticated HTTP
// session, classifying failures for the retry policy.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/fieldstone/sitemirror/internal/state"
	"github.com/fieldstone/sitemirror/pkg/logging"
)

// Options controls fetch behavior
type Options struct {
	UserAgent       string        `json:"user_agent"`
	Timeout         time.Duration `json:"timeout"`
	MaxBodySize     int64         `json:"max_body_size"`
	MaxRetries      int           `json:"max_retries"`
	RetryBaseDelay  time.Duration `json:"retry_base_delay"`
	DNSRetryDelay   time.Duration `json:"dns_retry_delay"`
	PoliteDelay     time.Duration `json:"polite_delay"`
	SessionLifetime time.Duration `json:"session_lifetime"`
	MaxAuthLoops    int           `json:"max_auth_loops"`

	LoginURL    string `json:"login_url"`
	Username    string `json:"-"`
	Password    string `json:"-"`
	UserField   string `json:"user_field"`
	PassField   string `json:"pass_field"`
	TargetParam string `json:"target_param"`

	// Canonicalize, when set, normalizes alias-edge targets so state
	// lookups always carry canonical URLs.
	Canonicalize func(raw string) (string, error) `json:"-"`
}

// DefaultOptions returns baseline fetch options
func DefaultOptions() *Options {
	return &Options{
		UserAgent:       "sitemirror/1.0",
		Timeout:         45 * time.Second,
		MaxBodySize:     200 * 1024 * 1024,
		MaxRetries:      3,
		RetryBaseDelay:  2 * time.Second,
		DNSRetryDelay:   30 * time.Second,
		PoliteDelay:     500 * time.Millisecond,
		SessionLifetime: 25 * time.Minute,
		MaxAuthLoops:    4,
		UserField:       "username",
		PassField:       "password",
		TargetParam:     "return",
	}
}

// Result is a successful fetch
type Result struct {
	Body        []byte
	FinalURL    string
	StatusCode  int
	ContentType string
}

// Fetcher retrieves URLs over one shared, re-authenticatable session
type Fetcher struct {
	client    *http.Client
	opts      *Options
	st        *state.CrawlState
	limiter   *rate.Limiter
	lastLogin time.Time
	logger    zerolog.Logger

	// sleep is swappable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a fetcher bound to the shared crawl state
func New(opts *Options, st *state.CrawlState) (*Fetcher, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	politeDelay := opts.PoliteDelay
	if politeDelay <= 0 {
		politeDelay = time.Millisecond
	}

	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   opts.Timeout,
		},
		opts:    opts,
		st:      st,
		limiter: rate.NewLimiter(rate.Every(politeDelay), 1),
		logger:  logging.GetLogger("fetcher"),
		sleep:   sleepCtx,
	}, nil
}

// Client exposes the shared authenticated session for components that
// stream their own downloads
func (f *Fetcher) Client() *http.Client { return f.client }

// Fetch retrieves a URL, retrying transient failures with exponential
// backoff. Permanent classifications get exactly one attempt. An
// authentication redirect is retried without consuming the budget,
// bounded by MaxAuthLoops.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	f.st.Stats.Fetched++

	attempts := 0
	budget := 1 + f.opts.MaxRetries
	authLoops := 0

	for {
		if err := f.ensureAuth(ctx); err != nil {
			return nil, &Error{URL: rawURL, Class: ClassTransient, Err: err}
		}

		res, ferr := f.doOnce(ctx, rawURL)
		if ferr == nil {
			if target, ok := f.authRedirect(res.FinalURL); ok {
				authLoops++
				f.st.AddAlias(res.FinalURL, f.canonical(target))
				f.logger.Warn().
					Str("url", rawURL).
					Str("target", target).
					Int("loops", authLoops).
					Msg("Authentication redirect detected, re-authenticating")
				if authLoops > f.opts.MaxAuthLoops {
					return nil, &Error{
						URL:   rawURL,
						Class: ClassPermanent,
						Err:   fmt.Errorf("authentication redirect loop after %d attempts", authLoops),
					}
				}
				f.lastLogin = time.Time{}
				continue
			}

			f.recordRedirects(rawURL, res.FinalURL)
			f.st.Stats.Succeeded++
			f.st.Stats.BytesIn += int64(len(res.Body))

			// Fixed polite delay after every successful fetch.
			if err := f.limiter.Wait(ctx); err != nil {
				return res, nil
			}
			return res, nil
		}

		if errors.Is(ferr, ErrTooLarge) {
			return nil, ferr
		}

		var fe *Error
		if !errors.As(ferr, &fe) {
			fe = &Error{URL: rawURL, Class: ClassTransient, Err: ferr}
		}
		if fe.Permanent() {
			return nil, fe
		}

		attempts++
		if attempts >= budget {
			return nil, fe
		}

		delay := f.backoff(attempts, fe.DNS)
		f.logger.Debug().
			Str("url", rawURL).
			Int("attempt", attempts).
			Dur("backoff", delay).
			Bool("dns", fe.DNS).
			Msg("Retrying after transient failure")
		if err := f.sleep(ctx, delay); err != nil {
			return nil, fe
		}
	}
}

// doOnce performs one HTTP attempt
func (f *Fetcher) doOnce(ctx context.Context, rawURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{URL: rawURL, Class: ClassPermanent, Err: err}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		class, dns := classifyTransport(err)
		return nil, &Error{URL: rawURL, Class: class, DNS: dns, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &Error{URL: rawURL, StatusCode: resp.StatusCode, Class: classifyStatus(resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodySize+1))
	if err != nil {
		class, dns := classifyTransport(err)
		return nil, &Error{URL: rawURL, Class: class, DNS: dns, Err: err}
	}
	if int64(len(body)) > f.opts.MaxBodySize {
		f.logger.Warn().
			Str("url", rawURL).
			Int64("limit", f.opts.MaxBodySize).
			Msg("Content exceeds size ceiling, skipping")
		return nil, fmt.Errorf("%s: %w", rawURL, ErrTooLarge)
	}

	return &Result{
		Body:        body,
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// ensureAuth logs in when the session is older than its lifetime
func (f *Fetcher) ensureAuth(ctx context.Context) error {
	if f.opts.LoginURL == "" || f.opts.Username == "" {
		return nil
	}
	if !f.lastLogin.IsZero() && time.Since(f.lastLogin) < f.opts.SessionLifetime {
		return nil
	}

	form := url.Values{}
	form.Set(f.opts.UserField, f.opts.Username)
	form.Set(f.opts.PassField, f.opts.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.opts.LoginURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("login returned status %d", resp.StatusCode)
	}

	f.lastLogin = time.Now()
	f.logger.Info().Str("login_url", f.opts.LoginURL).Msg("Session authenticated")
	return nil
}

// authRedirect detects a redirect back to the login endpoint carrying
// the intended-target parameter
func (f *Fetcher) authRedirect(finalURL string) (string, bool) {
	if f.opts.LoginURL == "" {
		return "", false
	}
	login, err := url.Parse(f.opts.LoginURL)
	if err != nil {
		return "", false
	}
	final, err := url.Parse(finalURL)
	if err != nil {
		return "", false
	}
	if final.Path != login.Path {
		return "", false
	}
	target := final.Query().Get(f.opts.TargetParam)
	if target == "" {
		return "", false
	}
	if t, err := url.Parse(target); err == nil {
		return final.ResolveReference(t).String(), true
	}
	return target, true
}

// recordRedirects records an alias edge for any observed HTTP redirect,
// including trailing-slash variants. The target is canonicalized so
// alias resolution never hands a raw URL to the path mapper.
func (f *Fetcher) recordRedirects(requested, final string) {
	final = f.canonical(final)
	if requested == final {
		return
	}
	f.st.AddAlias(requested, final)
	f.st.Stats.Redirects++
}

// canonical applies the configured canonicalizer, falling back to the
// raw URL
func (f *Fetcher) canonical(raw string) string {
	if f.opts.Canonicalize == nil {
		return raw
	}
	c, err := f.opts.Canonicalize(raw)
	if err != nil {
		return raw
	}
	return c
}

// backoff returns the delay before retry n (1-based). DNS failures use
// a materially longer schedule.
func (f *Fetcher) backoff(attempt int, dns bool) time.Duration {
	base := f.opts.RetryBaseDelay
	if dns {
		base = f.opts.DNSRetryDelay
	}
	return base << (attempt - 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
