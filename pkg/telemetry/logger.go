package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process logger. Components and builds derive children from
// it; the engine consumes the zerolog.Logger underneath.
type Logger struct {
	zlog zerolog.Logger
}

// NewLogger creates a logger writing to cfg.Output: stderr (the default),
// stdout or a file opened for appending.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, err := logOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	return NewWriterLogger(out, cfg), nil
}

func logOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// NewWriterLogger creates a logger that writes to w.
func NewWriterLogger(w io.Writer, cfg LoggingConfig) *Logger {
	if cfg.Format == "console" {
		cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
		if cfg.TimeFormat == "unix" {
			cw.TimeFormat = zerolog.TimeFormatUnix
		}
		w = cw
	}

	// zerolog keeps the timestamp format in a package variable.
	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	zlog := ctx.Logger()
	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}
	return &Logger{zlog: zlog}
}

// Zerolog returns the underlying logger.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zlog
}

// NewComponentLogger creates a child logger for a specific component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", component).Logger()}
}

// WithBuild tags every entry with the build and its job.
func (l *Logger) WithBuild(buildID, project, env string) *Logger {
	return &Logger{zlog: l.zlog.With().
		Str("build_id", buildID).
		Str("project", project).
		Str("env", env).
		Logger()}
}
