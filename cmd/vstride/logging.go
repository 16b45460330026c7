package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vstride/vstride-bridge/internal/config"
)

// setupLogging replaces the bootstrap console logger with the configured
// one. The returned file is nil unless log.file is set.
func setupLogging(cfg *config.Config) (*os.File, error) {
	var console io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if cfg.Log.Format == "json" {
		console = os.Stderr
	}

	writers := []io.Writer{console}
	var file *os.File
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		file = f
		writers = append(writers, f)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(cfg.LogLevel())
	return file, nil
}
