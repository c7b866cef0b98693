package logx

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the shared logger used throughout the project. It always writes to
// stderr; stdout belongs to the JSON-RPC stream and must stay clean.
var Log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

// Configure sets the global log level and output format.
// The level string is tolerant of case and common synonyms.
// Format is "console", "json" or "auto"; auto picks console when stderr is a
// terminal and json otherwise, which is the usual case when the bridge runs
// as a child process of an editor.
func Configure(level, format string) {
	zerolog.SetGlobalLevel(parseLevel(level))

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		Log = zerolog.New(os.Stderr).With().Timestamp().Logger()
	case "console":
		Log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	default:
		if isatty.IsTerminal(os.Stderr.Fd()) {
			Log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		} else {
			Log = zerolog.New(os.Stderr).With().Timestamp().Logger()
		}
	}
}

// parseLevel converts a string to a zerolog level.
// Accepts: all, trace, debug, info, warn, warning, error, fatal, none.
// Unknown values default to info.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "none", "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	Configure(os.Getenv("MCPGATE_LOG_LEVEL"), os.Getenv("MCPGATE_LOG_FORMAT"))
}
