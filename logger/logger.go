package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger. Packages grab sub-loggers via With so every
// line carries its component tag.
var Log zerolog.Logger

func init() {
	Setup(os.Getenv("LOG_LEVEL"), os.Stderr)
}

// Setup (re)configures the global logger. Called once from main with the
// configured level; the init default keeps tests and tools working without it.
func Setup(level string, out io.Writer) {
	lvl := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil && level != "" {
		lvl = parsed
	}

	writer := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "2006-01-02 15:04:05",
	}

	Log = zerolog.New(writer).Level(lvl).With().Timestamp().Logger()
}

// With returns a component-tagged sub-logger. The pointer keeps the level
// methods callable straight off the returned value.
func With(component string) *zerolog.Logger {
	l := Log.With().Str("component", component).Logger()
	return &l
}

// Elapsed is a small helper for cycle timing logs.
func Elapsed(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
