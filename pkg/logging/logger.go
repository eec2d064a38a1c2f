package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // json, pretty
	OutputFile string `json:"output_file"` // file path for logs
	Console    bool   `json:"console"`     // also log to console
}

// DefaultLogConfig returns sensible defaults for an interactive crawl run
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:      "info",
		Format:     "pretty",
		OutputFile: "logs/sitemirror.log",
		Console:    true,
	}
}

// SetupLogger configures the global logger
func SetupLogger(config *LogConfig) error {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer

	if config.Console {
		if config.Format == "pretty" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
			})
		} else {
			writers = append(writers, os.Stdout)
		}
	}

	if config.OutputFile != "" {
		logDir := filepath.Dir(config.OutputFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return err
		}

		logFile, err := os.OpenFile(config.OutputFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}

		writers = append(writers, logFile)
	}

	if len(writers) > 1 {
		log.Logger = zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()
	} else if len(writers) == 1 {
		log.Logger = zerolog.New(writers[0]).With().Timestamp().Logger()
	}

	log.Info().
		Str("level", config.Level).
		Str("format", config.Format).
		Str("output_file", config.OutputFile).
		Bool("console", config.Console).
		Msg("Logger initialized")

	return nil
}

// GetLogger returns a contextual logger for a component
func GetLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// GetCrawlLogger returns a logger bound to one crawl run
func GetCrawlLogger(runID string) zerolog.Logger {
	return log.With().
		Str("component", "crawler").
		Str("run_id", runID).
		Logger()
}

// GetMediaLogger returns a logger for media acquisition and transcoding
func GetMediaLogger(category string) zerolog.Logger {
	return log.With().
		Str("component", "media").
		Str("category", category).
		Logger()
}
