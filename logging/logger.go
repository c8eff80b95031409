// Package logging provides the Logger interface accepted by the session
// factory (spec §6), plus a default implementation backed by zerolog.
// The core never formats a credential-bearing URL into a log call; see
// rtspurl.URL.String, which redacts by construction.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the minimal leveled-logging surface the core depends on. It is
// deliberately narrow (no structured-field builder) so any of the pack's
// loggers — zerolog, a test recorder, a no-op — can satisfy it with a thin
// adapter.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) Debugf(string, ...interface{}) {}
func (Nop) Infof(string, ...interface{})  {}
func (Nop) Warnf(string, ...interface{})  {}
func (Nop) Errorf(string, ...interface{}) {}

// zerologAdapter adapts zerolog.Logger to the Logger interface.
type zerologAdapter struct {
	l zerolog.Logger
}

// New returns a zerolog-backed Logger writing to w (os.Stderr if nil),
// tagged with component, matching the console-writer style used across
// the pack (emiago-diago, gtfodev-camsRelay).
func New(w io.Writer, component string) Logger {
	if w == nil {
		w = os.Stderr
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	l := zerolog.New(cw).With().Timestamp().Str("component", component).Logger()
	return &zerologAdapter{l: l}
}

func (a *zerologAdapter) Debugf(format string, args ...interface{}) {
	a.l.Debug().Msgf(format, args...)
}

func (a *zerologAdapter) Infof(format string, args ...interface{}) {
	a.l.Info().Msgf(format, args...)
}

func (a *zerologAdapter) Warnf(format string, args ...interface{}) {
	a.l.Warn().Msgf(format, args...)
}

func (a *zerologAdapter) Errorf(format string, args ...interface{}) {
	a.l.Error().Msgf(format, args...)
}
