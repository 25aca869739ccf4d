// Package obs wires zerolog logging, trace-enriched loggers, and redaction
// of sensitive/content fields for the ask pipeline.
package obs

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes zerolog with sane defaults. If logPath is non-empty,
// logs are also written to that file (append mode); otherwise stdout is used.
func InitLogger(logPath string, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var w io.Writer = os.Stdout
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			w = f
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "failed to open log file %q: %v\n", logPath, err)
		}
	}
	log.Logger = log.Output(w).With().Timestamp().Logger()

	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	lvl := zerolog.InfoLevel
	if level != "" {
		if l, err := zerolog.ParseLevel(level); err == nil {
			lvl = l
		}
	}
	zerolog.SetGlobalLevel(lvl)

	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}

// IsProduction reports whether SERVER_ENVIRONMENT=="production", which
// suppresses message/skill-argument content from log fields.
func IsProduction() bool {
	return strings.EqualFold(os.Getenv("SERVER_ENVIRONMENT"), "production")
}

// SafeContent returns content unless running in production, where it is
// replaced with a length marker so logs never carry user text.
func SafeContent(content string) string {
	if IsProduction() {
		return fmt.Sprintf("[redacted %d chars]", len(content))
	}
	return content
}
