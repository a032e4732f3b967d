// internal/logging/logging.go
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the package-level logger. It discards everything until Setup runs,
// so library code can log unconditionally.
var Log = zerolog.New(io.Discard)

func Setup(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	Log = zerolog.New(w).Level(level).With().Timestamp().Logger()
}
