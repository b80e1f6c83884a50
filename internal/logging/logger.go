package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/23skdu/bpmstage/internal/metrics"
	"github.com/rs/zerolog"
)

// Config holds logger configuration options
type Config struct {
	// Format specifies the log output format: "json" or "console"
	Format string
	// Level specifies the minimum log level: "debug", "info", "warn", "error"
	Level string
	// Output specifies where logs are written (defaults to os.Stderr)
	Output io.Writer
	// Component is attached to every entry when set
	Component string
}

// New creates a zerolog logger based on the provided configuration
func New(cfg Config) (zerolog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	switch strings.ToLower(cfg.Format) {
	case "text", "console":
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	case "json", "":
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	return build(output, level, cfg.Component), nil
}

// Bootstrap returns an info-level JSON logger on w, for use before the
// configured logger exists. It cannot fail.
func Bootstrap(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return build(w, zerolog.InfoLevel, "")
}

func build(w io.Writer, level zerolog.Level, component string) zerolog.Logger {
	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if component != "" {
		ctx = ctx.Str("component", component)
	}
	return ctx.Logger().Hook(metricsHook{})
}

// Discard returns a logger that drops all output (useful for tests)
func Discard() zerolog.Logger {
	return zerolog.Nop()
}

func parseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// metricsHook counts emitted entries per level in Prometheus
type metricsHook struct{}

func (metricsHook) Run(_ *zerolog.Event, level zerolog.Level, _ string) {
	metrics.LogEntriesTotal.WithLabelValues(level.String()).Inc()
}
