// Package hvmlog centralizes the process-wide zerolog setup: a single
// global logger, console-formatted when stderr is a terminal and plain
// JSON otherwise, with the level controlled by HVM_LOG_LEVEL.
package hvmlog

import (
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Logger is the process-wide logger every package logs through.
var Logger = New()

// New builds a logger writing to stderr, auto-detecting whether stderr
// is a terminal to decide between zerolog's human-readable console
// writer and plain JSON (the shape a log-collecting host expects).
func New() zerolog.Logger {
	level := zerolog.InfoLevel

	if raw := os.Getenv("HVM_LOG_LEVEL"); raw != "" {
		if lv, err := zerolog.ParseLevel(raw); err == nil {
			level = lv
		}
	}

	writer := os.Stderr

	if isTerminal(writer.Fd()) {
		return zerolog.New(zerolog.ConsoleWriter{Out: writer}).
			Level(level).
			With().Timestamp().Logger()
	}

	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func isTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)

	return err == nil
}
