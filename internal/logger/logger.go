// Package logger configures the global zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bilal/edr-agent/internal/config"
)

// Init sets the global level and output format. Unknown levels fall back
// to info; any format other than console is JSON.
func Init(lcfg config.LoggingConfig) {
	InitTo(os.Stderr, lcfg)
}

func InitTo(w io.Writer, lcfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	switch strings.ToLower(lcfg.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if strings.ToLower(lcfg.Format) == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(w).With().Timestamp().Str("component", "edr-agent")
	if level == zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
}
