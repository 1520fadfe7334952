// Package logx builds the process logger.
package logx

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a zerolog logger. Output is structured JSON by default;
// set CYTOCORE_LOG_PRETTY=true for console output during development, and
// CYTOCORE_LOG_LEVEL (trace|debug|info|warn|error) to adjust verbosity.
func NewLogger() zerolog.Logger {
	var logger zerolog.Logger
	if strings.EqualFold(os.Getenv("CYTOCORE_LOG_PRETTY"), "true") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	logger = logger.With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("CYTOCORE_LOG_LEVEL"))); err == nil && lvl != zerolog.NoLevel {
		logger = logger.Level(lvl)
	}
	return logger
}
