package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nerrad567/headcount/internal/infrastructure/config"
)

// Logger is a slog.Logger that also owns its output. Safe for concurrent use.
type Logger struct {
	*slog.Logger

	// out is the rotating file when logging to a file, nil otherwise.
	out io.Closer
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New builds a logger from cfg. Every record carries service and version.
func New(cfg config.LoggingConfig, version string) *Logger {
	w, closer := openOutput(cfg)
	return &Logger{
		Logger: slog.New(newHandler(w, cfg, version)),
		out:    closer,
	}
}

func newHandler(w io.Writer, cfg config.LoggingConfig, version string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}
	return h.WithAttrs([]slog.Attr{
		slog.String("service", "headcount"),
		slog.String("version", version),
	})
}

func openOutput(cfg config.LoggingConfig) (io.Writer, io.Closer) {
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		return os.Stderr, nil
	case "file":
		f := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSize,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAge,
			Compress:   cfg.File.Compress,
		}
		return f, f
	}
	return os.Stdout, nil
}

// parseLevel maps a level name to slog. Unknown names mean info.
func parseLevel(name string) slog.Level {
	if lvl, ok := levels[strings.ToLower(name)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// With returns a child logger sharing the parent's output:
//
//	log.With("component", "reset").Info("daily reset performed")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), out: l.out}
}

// Close closes the log file, if any. Close the root logger only.
func (l *Logger) Close() error {
	if l.out == nil {
		return nil
	}
	return l.out.Close()
}

// Default is the JSON stdout logger used until configuration is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
