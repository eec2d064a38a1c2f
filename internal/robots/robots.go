// Package robots implements a minimal per-domain Disallow-prefix cache.
// Only Disallow lines are honored; a missing or unreachable robots file
// means "allow all".
package robots

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldstone/sitemirror/pkg/logging"
)

const maxRobotsSize = 64 * 1024

// Cache stores disallow prefixes per domain. Entries have no TTL and
// refresh only on cache miss, matching the one-shot archival use.
type Cache struct {
	path    string
	client  *http.Client
	domains map[string][]string
	dirty   bool
	logger  zerolog.Logger
}

// New creates a robots cache persisted at path, fetching robots files
// with the given bounded timeout
func New(path string, timeout time.Duration) *Cache {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Cache{
		path:    path,
		client:  &http.Client{Timeout: timeout},
		domains: make(map[string][]string),
		logger:  logging.GetLogger("robots"),
	}
}

// CanFetch reports whether the URL's path is allowed. The lookup is
// best-effort: a robots fetch failure allows the URL.
func (c *Cache) CanFetch(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	host := strings.ToLower(u.Host)
	prefixes, ok := c.domains[host]
	if !ok {
		prefixes = c.fetch(ctx, u.Scheme, host)
		c.domains[host] = prefixes
		c.dirty = true
	}

	for _, prefix := range prefixes {
		if strings.HasPrefix(u.Path, prefix) {
			return false
		}
	}
	return true
}

// fetch retrieves and parses a domain's robots file. Absence or any
// fetch error yields an empty prefix list.
func (c *Cache) fetch(ctx context.Context, scheme, host string) []string {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("url", robotsURL).Msg("robots fetch failed, allowing all")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug().Int("status", resp.StatusCode).Str("url", robotsURL).Msg("No robots file, allowing all")
		return nil
	}

	prefixes := parseDisallow(io.LimitReader(resp.Body, maxRobotsSize))
	c.logger.Debug().
		Str("host", host).
		Int("disallow_prefixes", len(prefixes)).
		Msg("Robots file cached")
	return prefixes
}

// parseDisallow extracts the values of Disallow lines, ignoring every
// other directive
func parseDisallow(r io.Reader) []string {
	var prefixes []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(field), "Disallow") {
			continue
		}
		value = strings.TrimSpace(value)
		if value != "" {
			prefixes = append(prefixes, value)
		}
	}
	return prefixes
}

// Load restores the persisted cache, tolerating a missing or corrupt
// file
func (c *Cache) Load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read robots cache: %w", err)
	}
	domains := make(map[string][]string)
	if err := json.Unmarshal(data, &domains); err != nil {
		c.logger.Warn().Err(err).Str("path", c.path).Msg("Corrupt robots cache, starting fresh")
		return nil
	}
	c.domains = domains
	return nil
}

// Save persists the cache with the same atomic-replace discipline as
// the crawl-state store. A clean cache is not rewritten.
func (c *Cache) Save() error {
	if !c.dirty {
		return nil
	}
	data, err := json.MarshalIndent(c.domains, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal robots cache: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write robots cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename robots cache: %w", err)
	}
	c.dirty = false
	return nil
}
