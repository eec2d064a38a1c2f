// Package main provides the entry point for the sitemirror crawler
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/fieldstone/sitemirror/internal/config"
	"github.com/fieldstone/sitemirror/internal/crawl"
	"github.com/fieldstone/sitemirror/pkg/logging"
)

func main() {
	var (
		envFile  = flag.String("env", "", "path to .env file with credentials")
		site     = flag.String("site", "", "site host to mirror (e.g. example.org)")
		seeds    = flag.String("seeds", "", "comma-separated seed URLs")
		root     = flag.String("root", "", "mirror output directory")
		logLevel = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		logFile  = flag.String("log-file", "logs/sitemirror.log", "log file path, empty to disable")
		noVideo  = flag.Bool("skip-video", false, "skip video download and conversion")
		noImages = flag.Bool("skip-images", false, "skip image download and conversion")
	)
	flag.Parse()

	logCfg := logging.DefaultLogConfig()
	logCfg.Level = *logLevel
	logCfg.OutputFile = *logFile
	if err := logging.SetupLogger(logCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logging")
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Flags override the environment.
	if *site != "" {
		cfg.SiteHost = *site
	}
	if *seeds != "" {
		cfg.Seeds = splitSeeds(*seeds)
	}
	if *root != "" {
		cfg.MirrorRoot = *root
	}
	if *noVideo {
		cfg.SkipVideo = true
	}
	if *noImages {
		cfg.SkipImages = true
	}

	session, err := crawl.NewSession(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize crawl")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutdown requested, finishing current page")
		session.Stop()
		// A second signal aborts without the final checkpoint.
		<-sigCh
		log.Warn().Msg("Forced shutdown")
		os.Exit(1)
	}()

	if err := session.Run(ctx); err != nil {
		log.Fatal().Err(err).Str("run_id", session.RunID).Msg("Crawl aborted")
	}
}

func splitSeeds(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
