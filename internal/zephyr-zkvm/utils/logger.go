package utils

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the pipeline logger. The proving core never logs at
// error level on rejection paths; rejections are returned as typed
// faults and logging stays informational.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.Disabled
	}

	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
