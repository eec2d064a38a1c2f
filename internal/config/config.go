// Package config loads the run configuration for a mirror crawl.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable for one mirror run. Credentials are read
// only from the environment (or a .env file), never from flags.
type Config struct {
	SiteHost   string   `json:"site_host"`
	Seeds      []string `json:"seeds"`
	MirrorRoot string   `json:"mirror_root"`

	Username string `json:"-"`
	Password string `json:"-"`
	LoginURL string `json:"login_url"`

	MaxDepth        int           `json:"max_depth"`
	CheckpointEvery int           `json:"checkpoint_every"`
	MaxBodySize     int64         `json:"max_body_size"`
	FetchTimeout    time.Duration `json:"fetch_timeout"`
	PoliteDelay     time.Duration `json:"polite_delay"`
	SessionLifetime time.Duration `json:"session_lifetime"`
	MaxRetries      int           `json:"max_retries"`
	MaxAuthLoops    int           `json:"max_auth_loops"`

	SkipVideo  bool   `json:"skip_video"`
	SkipImages bool   `json:"skip_images"`
	FFmpegPath string `json:"ffmpeg_path"`

	UserAgent string `json:"user_agent"`

	// AnnotatePages lists canonical URLs that receive a provenance
	// note when saved.
	AnnotatePages []string `json:"annotate_pages"`
}

// Default returns the baseline configuration
func Default() *Config {
	return &Config{
		MirrorRoot:      "./mirror",
		MaxDepth:        12,
		CheckpointEvery: 25,
		MaxBodySize:     200 * 1024 * 1024,
		FetchTimeout:    45 * time.Second,
		PoliteDelay:     500 * time.Millisecond,
		SessionLifetime: 25 * time.Minute,
		MaxRetries:      3,
		MaxAuthLoops:    4,
		FFmpegPath:      "ffmpeg",
		UserAgent:       "sitemirror/1.0 (archival; contact admin)",
	}
}

// Load builds a Config from defaults, an optional .env file, and the
// process environment. A missing .env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()

	cfg.SiteHost = getEnv("MIRROR_SITE_HOST", cfg.SiteHost)
	if seeds := os.Getenv("MIRROR_SEEDS"); seeds != "" {
		cfg.Seeds = splitList(seeds)
	}
	cfg.MirrorRoot = getEnv("MIRROR_ROOT", cfg.MirrorRoot)
	cfg.Username = getEnv("MIRROR_USERNAME", cfg.Username)
	cfg.Password = getEnv("MIRROR_PASSWORD", cfg.Password)
	cfg.LoginURL = getEnv("MIRROR_LOGIN_URL", cfg.LoginURL)
	cfg.UserAgent = getEnv("MIRROR_USER_AGENT", cfg.UserAgent)
	cfg.FFmpegPath = getEnv("MIRROR_FFMPEG", cfg.FFmpegPath)
	if pages := os.Getenv("MIRROR_ANNOTATE_PAGES"); pages != "" {
		cfg.AnnotatePages = splitList(pages)
	}

	var err error
	if cfg.MaxDepth, err = getEnvInt("MIRROR_MAX_DEPTH", cfg.MaxDepth); err != nil {
		return nil, err
	}
	if cfg.CheckpointEvery, err = getEnvInt("MIRROR_CHECKPOINT_EVERY", cfg.CheckpointEvery); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = getEnvInt("MIRROR_MAX_RETRIES", cfg.MaxRetries); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for a runnable crawl
func (c *Config) Validate() error {
	if c.SiteHost == "" {
		return fmt.Errorf("site host is required")
	}
	if len(c.Seeds) == 0 {
		return fmt.Errorf("at least one seed URL is required")
	}
	if c.MirrorRoot == "" {
		return fmt.Errorf("mirror root is required")
	}
	if c.CheckpointEvery < 1 {
		c.CheckpointEvery = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
