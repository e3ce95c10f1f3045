package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger. An unknown level falls back to info.
func Setup(level string, pretty bool, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// Logger scopes log lines to a single chat session. A nil *Logger is valid and
// discards everything, so callers never need to guard.
type Logger struct {
	zl        zerolog.Logger
	accountID string
	startTime time.Time
}

// ForAccount returns a logger tagged with the account it serves
func ForAccount(accountID string) *Logger {
	return &Logger{
		zl:        log.Logger.With().Str("account", accountID).Logger(),
		accountID: accountID,
		startTime: time.Now(),
	}
}

// Log writes a debug line with the elapsed session time attached
func (l *Logger) Log(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Debug().
		Dur("elapsed", time.Since(l.startTime).Round(time.Millisecond)).
		Msg(fmt.Sprintf(format, args...))
}

// Info writes an info line
func (l *Logger) Info(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Info().Msg(fmt.Sprintf(format, args...))
}

// Warn writes a warning carrying err
func (l *Logger) Warn(err error, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Warn().Err(err).Msg(fmt.Sprintf(format, args...))
}

// LogError records a failure along with what was being attempted
func (l *Logger) LogError(context string, err error) {
	if l == nil {
		return
	}
	l.zl.Error().Err(err).Str("context", context).Msg("operation failed")
}

// Zerolog exposes the underlying logger for structured fields
func (l *Logger) Zerolog() *zerolog.Logger {
	if l == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return &l.zl
}

// AccountID returns the account the logger is bound to
func (l *Logger) AccountID() string {
	if l == nil {
		return ""
	}
	return l.accountID
}
