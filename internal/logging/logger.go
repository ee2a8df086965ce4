// Package logging provides structured logging for the go-xencons project
package logging

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with console-specific structured fields
type Logger struct {
	zlog zerolog.Logger
	path string
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelTrace LogLevel = LogLevel(zerolog.TraceLevel)
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// ParseLevel maps a level name to a LogLevel, defaulting to info
func ParseLevel(name string) LogLevel {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		return LevelInfo
	}
	return LogLevel(lvl)
}

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // If true, writes are synchronous (useful for testing)
	NoColor bool // If true, disables ANSI color codes (useful for testing)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter keeps log writes off the drain path.
// Messages are dropped rather than blocking when the buffer is full.
type asyncWriter struct {
	out    io.Writer
	ch     chan []byte
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func newAsyncWriter(w io.Writer, bufferSize int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (aw *asyncWriter) run() {
	defer close(aw.done)
	for msg := range aw.ch {
		aw.out.Write(msg)
	}
}

func (aw *asyncWriter) Write(p []byte) (n int, err error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}

	msg := make([]byte, len(p))
	copy(msg, p)

	select {
	case aw.ch <- msg:
	default:
	}
	return len(p), nil
}

func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.ch)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var output io.Writer = out
	if !config.Sync {
		output = newAsyncWriter(out, 1000)
	}

	var zlog zerolog.Logger
	switch config.Format {
	case "json":
		zlog = zerolog.New(output).With().Timestamp().Logger()
	default:
		consoleWriter := zerolog.ConsoleWriter{Out: output, NoColor: config.NoColor}
		zlog = zerolog.New(consoleWriter).With().Timestamp().Logger()
	}

	return &Logger{zlog: zlog.Level(zerolog.Level(config.Level))}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// WithFrontend returns a logger tagged with a frontend store path
func (l *Logger) WithFrontend(path string) *Logger {
	return &Logger{
		zlog: l.zlog.With().Str("frontend", path).Logger(),
		path: path,
	}
}

// WithRing returns a logger tagged with a ring name
func (l *Logger) WithRing(name string) *Logger {
	return &Logger{
		zlog: l.zlog.With().Str("ring", name).Logger(),
		path: l.path,
	}
}

// WithComponent returns a logger tagged with a component name
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		zlog: l.zlog.With().Str("component", name).Logger(),
		path: l.path,
	}
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		zlog: l.zlog.With().Err(err).Logger(),
		path: l.path,
	}
}

// Path returns the frontend path this logger is tagged with, if any
func (l *Logger) Path() string {
	return l.path
}

// Transition logs a state change in the "'from' -> 'to'" form
func (l *Logger) Transition(from, to string) {
	l.zlog.Info().Str("from", from).Str("to", to).Msgf("'%s' -> '%s'", from, to)
}

func emit(event *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		if err, ok := args[i+1].(error); ok {
			event = event.AnErr(key, err)
			continue
		}
		event = event.Interface(key, args[i+1])
	}
	event.Msg(msg)
}

// Standard logging methods
func (l *Logger) Trace(msg string, args ...any) { emit(l.zlog.Trace(), msg, args) }
func (l *Logger) Debug(msg string, args ...any) { emit(l.zlog.Debug(), msg, args) }
func (l *Logger) Info(msg string, args ...any)  { emit(l.zlog.Info(), msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { emit(l.zlog.Warn(), msg, args) }
func (l *Logger) Error(msg string, args ...any) { emit(l.zlog.Error(), msg, args) }

// Context-aware logging. A context that has already ended is noted on the
// entry as ctx_error.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	emit(withContext(ctx, l.zlog.Debug()), msg, args)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	emit(withContext(ctx, l.zlog.Info()), msg, args)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	emit(withContext(ctx, l.zlog.Warn()), msg, args)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	emit(withContext(ctx, l.zlog.Error()), msg, args)
}

func withContext(ctx context.Context, event *zerolog.Event) *zerolog.Event {
	if ctx != nil && ctx.Err() != nil {
		return event.AnErr("ctx_error", ctx.Err())
	}
	return event
}

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	l.zlog.Debug().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.zlog.Warn().Msgf(format, args...)
}
