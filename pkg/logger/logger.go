package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	logFileName = "gateway.log"

	// rotation threshold in KB
	rotateThresholdKB = 10 * 1024
	maxRolls          = 3
)

// Logger wraps the process logger and the optional rolling file behind it.
type Logger struct {
	zerolog.Logger
	rotator *rotator.Rotator
}

// New builds the process logger. When dir is non-empty, lines are also
// written to a rolling file inside it.
func New(level, format, dir string) (*Logger, error) {
	zerolog.SetGlobalLevel(parseLevel(level))

	var out io.Writer = os.Stdout
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	l := &Logger{}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		r, err := rotator.New(filepath.Join(dir, logFileName), rotateThresholdKB, false, maxRolls)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.rotator = r
		out = zerolog.MultiLevelWriter(out, r)
	}

	l.Logger = zerolog.New(out).With().Timestamp().Logger()
	log.Logger = l.Logger
	return l, nil
}

// Close flushes and closes the rolling file, if any.
func (l *Logger) Close() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Close()
}

// Init initializes the global logger without a file sink
func Init(level, format string) {
	zerolog.SetGlobalLevel(parseLevel(level))
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

// Get returns the global logger
func Get() zerolog.Logger {
	return log.Logger
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
