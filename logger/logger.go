package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds a timestamped logger writing to w (os.Stderr when nil). Unknown
// levels fall back to info.
func New(level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
