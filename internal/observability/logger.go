// Package observability sets up the operational logger of the binaries.
package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs a console logger tagged with app as the global
// zerolog logger and returns it.
func InitLogger(app string) zerolog.Logger {
	return NewLogger(os.Stderr, app, os.Getenv("TLINK_LOG_LEVEL"))
}

// NewLogger is InitLogger writing to out at the named level. Unknown or
// empty levels mean info.
func NewLogger(out io.Writer, app, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(output).Level(lvl).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
