// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	Level  string
	Format string // auto, console or json
	File   string
}

// Init installs the global logger and returns a func that closes the log file, if any.
func Init(s Settings) (func() error, error) {
	logger, closer, err := New(s, os.Stderr)
	if err != nil {
		return nil, err
	}
	log.Logger = logger
	zerolog.SetGlobalLevel(logger.GetLevel())
	return closer, nil
}

// New builds a logger writing to stderr, or to s.File when set.
func New(s Settings, stderr io.Writer) (zerolog.Logger, func() error, error) {
	level, err := ParseLevel(s.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	out := stderr
	closer := func() error { return nil }
	if s.File != "" {
		f, err := os.OpenFile(s.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, errors.Wrapf(err, "open log file %s", s.File)
		}
		out = f
		closer = f.Close
	}

	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "json":
	case "console":
		out = consoleWriter(out, false)
	case "", "auto":
		if isTerminal(out) {
			out = consoleWriter(out, false)
		} else if s.File == "" {
			out = consoleWriter(out, true)
		}
	default:
		_ = closer()
		return zerolog.Nop(), nil, errors.Errorf("unknown log format %q", s.Format)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), closer, nil
}

// ParseLevel accepts zerolog level names; empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, errors.Wrapf(err, "invalid log level %q", s)
	}
	return level, nil
}

func consoleWriter(w io.Writer, noColor bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: noColor}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
