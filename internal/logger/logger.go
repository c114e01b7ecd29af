// Package logger builds the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// New returns a JSON logger at level tagged with service, or a console
// logger when env is "dev".  It also becomes the global zerolog logger so
// that zlog.Ctx falls back to it.  Unknown levels mean info.
func New(env, level, service string) zerolog.Logger {
	return newLogger(os.Stdout, env, level, service)
}

func newLogger(w io.Writer, env, level, service string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if env == "dev" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	l := zerolog.New(w).Level(lvl).With().Timestamp().Str("service", service).Logger()
	zlog.Logger = l
	zerolog.DefaultContextLogger = &l
	return l
}
