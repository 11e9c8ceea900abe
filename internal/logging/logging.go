// Package logging configures the gateway's structured logger on top of
// github.com/sirupsen/logrus, the logging dependency the teacher repo uses
// throughout its filters and CLI (spec §6 "Environment", §4's
// httpserver-core/src/logging.rs contract).
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nehoraim/edgegw/internal/config"
)

// EnvOverride is the RUST_LOG-style environment variable spec §6 requires
// the implementation accept for a standard level-filter string.
const EnvOverride = "EDGEGW_LOG"

// New builds a *logrus.Logger from cfg, applying an EnvOverride level if
// set. output_mode fans output across stdout and/or a size-rotated file
// under logs_directory.
func New(cfg config.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(levelString(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	writers, err := outputWriters(cfg)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(io.MultiWriter(writers...))

	return logger, nil
}

func levelString(configured string) string {
	if env := os.Getenv(EnvOverride); env != "" {
		return env
	}
	if configured == "" {
		return "info"
	}
	return configured
}

func outputWriters(cfg config.LoggingConfig) ([]io.Writer, error) {
	var writers []io.Writer

	switch strings.ToLower(cfg.OutputMode) {
	case "file":
		// console suppressed
	case "console":
		writers = append(writers, os.Stdout)
		return writers, nil
	default: // "both" or unset
		writers = append(writers, os.Stdout)
	}

	if !cfg.FileLogging {
		if len(writers) == 0 {
			writers = append(writers, io.Discard)
		}
		return writers, nil
	}

	dir := cfg.LogsDirectory
	if dir == "" {
		dir = "./logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
	}

	rotator := newSizeRotatingWriter(filepath.Join(dir, "edgegw.log"), maxBytes(cfg.FileSizeMB))
	writers = append(writers, rotator)

	return writers, nil
}

func maxBytes(mb int) int64 {
	if mb <= 0 {
		mb = 10
	}
	return int64(mb) * 1024 * 1024
}
