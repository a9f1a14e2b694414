// Package logging builds the process-wide zerolog logger: pretty console
// output plus a JSON log file per start under the logs directory.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger at the named level writing to stderr and to a fresh
// file in dir. The returned closer flushes the file.
func New(level, dir string) (zerolog.Logger, func() error, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("create log directory: %w", err)
	}
	name := time.Now().Format("2006-01-02_15-04-05") + ".log"
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("open log file: %w", err)
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	log := zerolog.New(io.MultiWriter(console, file)).
		Level(lvl).
		With().Timestamp().Logger()

	return log, file.Close, nil
}
