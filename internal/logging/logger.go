// Package logging provides structured logging for pipeline runs.
// It wraps log/slog with a JSON handler and carries run, phase and
// group context on child loggers.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log levels supported by the logger
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// LogFileName is the name of the log file written inside a log directory.
const LogFileName = "phaseflow.log"

// Logger provides structured logging with context propagation.
// It is safe for concurrent use.
type Logger struct {
	logger *slog.Logger
	out    *output
	attrs  []slog.Attr // Persistent attributes (run, phase, group)
}

// output is shared by a logger and all of its children so that closing
// any one of them closes the underlying writer exactly once.
type output struct {
	mu     sync.Mutex
	closer io.Closer
}

func (o *output) close() error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closer == nil {
		return nil
	}
	err := o.closer.Close()
	o.closer = nil
	if err != nil {
		return fmt.Errorf("failed to close log output: %w", err)
	}
	return nil
}

// Options configures a Logger.
type Options struct {
	// Dir is the directory the log file is written to. Empty means stderr.
	Dir string
	// Level is one of DEBUG, INFO, WARN, ERROR. Unknown values mean INFO.
	Level string
	// Rotation controls size-based rotation of the log file.
	Rotation RotationConfig
}

// NewLogger creates a Logger that writes JSON lines to {dir}/phaseflow.log
// without rotation. If dir is empty, logs go to stderr.
func NewLogger(dir string, level string) (*Logger, error) {
	return New(Options{Dir: dir, Level: level})
}

// New creates a Logger from Options.
func New(opts Options) (*Logger, error) {
	if opts.Dir == "" {
		return NewWithWriter(os.Stderr, opts.Level), nil
	}

	rw, err := NewRotatingWriter(filepath.Join(opts.Dir, LogFileName), opts.Rotation)
	if err != nil {
		return nil, err
	}

	l := NewWithWriter(rw, opts.Level)
	l.out = &output{closer: rw}
	return l, nil
}

// NewWithWriter creates a Logger writing to w. The writer is not closed by Close.
func NewWithWriter(w io.Writer, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: toSlogLevel(level)})
	return &Logger{
		logger: slog.New(handler),
		out:    &output{},
	}
}

func toSlogLevel(level string) slog.Level {
	switch ParseLevel(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRun returns a child logger tagged with the run ID.
func (l *Logger) WithRun(runID string) *Logger {
	return l.withAttr(slog.String("run_id", runID))
}

// WithPhase returns a child logger tagged with the phase ID and name.
func (l *Logger) WithPhase(id int, name string) *Logger {
	return l.withAttr(slog.Int("phase_id", id)).withAttr(slog.String("phase", name))
}

// WithGroup returns a child logger tagged with a parallel group name.
func (l *Logger) WithGroup(group string) *Logger {
	return l.withAttr(slog.String("group", group))
}

// With returns a child logger with arbitrary key-value attributes.
// Non-string keys are skipped.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}

	attrs := make([]slog.Attr, 0, len(l.attrs)+len(args)/2)
	attrs = append(attrs, l.attrs...)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}

	return &Logger{logger: l.logger, out: l.out, attrs: attrs}
}

func (l *Logger) withAttr(attr slog.Attr) *Logger {
	attrs := make([]slog.Attr, len(l.attrs), len(l.attrs)+1)
	copy(attrs, l.attrs)
	attrs = append(attrs, attr)
	return &Logger{logger: l.logger, out: l.out, attrs: attrs}
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) { l.log(slog.LevelInfo, msg, args...) }

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) { l.log(slog.LevelWarn, msg, args...) }

// Error logs at ERROR level.
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	all := make([]any, 0, len(l.attrs)*2+len(args))
	for _, attr := range l.attrs {
		all = append(all, attr.Key, attr.Value.Any())
	}
	all = append(all, args...)
	l.logger.Log(context.Background(), level, msg, all...)
}

// Close flushes and closes the log file. Loggers writing to stderr or to
// a caller-supplied writer are unaffected.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.out.close()
}

// NopLogger returns a Logger that discards all output.
func NopLogger() *Logger {
	return NewWithWriter(io.Discard, LevelError)
}

// OrNop returns l, or a NopLogger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}

// ParseLevel normalizes a level string. Unknown values map to LevelInfo.
func ParseLevel(level string) string {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "WARNING":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// IsValidLevel reports whether level names one of the supported levels.
func IsValidLevel(level string) bool {
	for _, v := range ValidLevels() {
		if strings.EqualFold(v, level) {
			return true
		}
	}
	return false
}

// ValidLevels returns the list of valid log level strings.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
