// Package server holds the process plumbing shared by the attestation
// binaries: logging, fiber lifecycle and the monitoring app.
package server

import (
	"io"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// DefaultLogger creates a JSON logger on stdout tagged with the app name and
// the VCS revision the binary was built from.
func DefaultLogger(appName string) *zerolog.Logger {
	return NewLogger(os.Stdout, appName)
}

// NewLogger is DefaultLogger writing to w.
func NewLogger(w io.Writer, appName string) *zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Str("app", appName).Logger()
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) == 40 {
				logger = logger.With().Str("commit", s.Value[:7]).Logger()
				break
			}
		}
	}
	return &logger
}

// SetLevel sets the global log level if level is not empty.
func SetLevel(logger *zerolog.Logger, level string) {
	if level == "" {
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to parse log level.")
	}
	zerolog.SetGlobalLevel(lvl)
}
