package main

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the process logger. Text logs are colored only when
// written straight to a terminal.
func newLogger(g *Globals, stderr *os.File) (*slog.Logger, io.Closer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var (
		w      io.Writer = stderr
		closer io.Closer = io.NopCloser(nil)
		color            = term.IsTerminal(int(stderr.Fd()))
	)
	if g.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   g.LogFile,
			MaxSize:    50, // 50MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		}
		w, closer, color = lj, lj, false
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    !color,
		})
	}
	return slog.New(handler), closer
}
