package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the narrow logging surface injected into components that
// should not reach for the global logger directly.
type Logger interface {
	Debug() *zerolog.Event
	Info() *zerolog.Event
	Warn() *zerolog.Event
	Error() *zerolog.Event
}

var (
	// Log is the global logger instance
	Log = zerolog.Nop()

	// fileWriter is the file output for logging (with rotation)
	fileWriter *lumberjack.Logger

	// variant holds the build variant tag attached to log entries (optional)
	variant   string
	variantMu sync.RWMutex
)

// Options configures the global logger.
type Options struct {
	Debug bool

	// FileDir enables a rotated JSON log file when non-empty.
	FileDir    string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int

	// NoColor forces plain console output. When nil it is derived from
	// whether stderr is a terminal.
	NoColor *bool

	// Console overrides the console sink (defaults to os.Stderr).
	Console io.Writer
}

func (o Options) maxSizeMB() int {
	if o.MaxSizeMB <= 0 {
		return 50
	}
	return o.MaxSizeMB
}

func (o Options) maxAgeDays() int {
	if o.MaxAgeDays <= 0 {
		return 7
	}
	return o.MaxAgeDays
}

func (o Options) maxBackups() int {
	if o.MaxBackups <= 0 {
		return 3
	}
	return o.MaxBackups
}

func (o Options) noColor() bool {
	if o.NoColor != nil {
		return *o.NoColor
	}
	return !term.IsTerminal(int(os.Stderr.Fd()))
}

// Init initializes the global logger. Console output is human-readable,
// the optional file sink receives JSON.
func Init(opts Options) error {
	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}

	out := opts.Console
	if out == nil {
		out = os.Stderr
	}
	consoleWriter := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    opts.noColor(),
	}

	if opts.FileDir == "" {
		Log = zerolog.New(consoleWriter).
			Level(level).
			With().
			Timestamp().
			Logger()
		return nil
	}

	if err := os.MkdirAll(opts.FileDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	fileWriter = &lumberjack.Logger{
		Filename:   filepath.Join(opts.FileDir, "dbuild.log"),
		MaxSize:    opts.maxSizeMB(),
		MaxAge:     opts.maxAgeDays(),
		MaxBackups: opts.maxBackups(),
		LocalTime:  true,
		Compress:   true,
	}

	Log = zerolog.New(io.MultiWriter(consoleWriter, fileWriter)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return nil
}

// CloseFileWriter closes the file writer if it exists.
func CloseFileWriter() error {
	if fileWriter != nil {
		err := fileWriter.Close()
		fileWriter = nil
		return err
	}
	return nil
}

// GetLogFilePath returns the path to the current log file, or empty string if file logging is disabled.
func GetLogFilePath() string {
	if fileWriter != nil {
		return fileWriter.Filename
	}
	return ""
}

// SetVariant tags all subsequent log entries with a build variant.
// Pass an empty string to clear.
func SetVariant(tag string) {
	variantMu.Lock()
	defer variantMu.Unlock()
	variant = tag
}

func addContext(event *zerolog.Event) *zerolog.Event {
	variantMu.RLock()
	tag := variant
	variantMu.RUnlock()
	if tag != "" {
		event = event.Str("variant", tag)
	}
	return event
}

// Debug logs a debug message
func Debug() *zerolog.Event { return addContext(Log.Debug()) }

// Info logs an info message
func Info() *zerolog.Event { return addContext(Log.Info()) }

// Warn logs a warning message
func Warn() *zerolog.Event { return addContext(Log.Warn()) }

// Error logs an error message
func Error() *zerolog.Event { return addContext(Log.Error()) }

type global struct{}

func (global) Debug() *zerolog.Event { return Debug() }
func (global) Info() *zerolog.Event  { return Info() }
func (global) Warn() *zerolog.Event  { return Warn() }
func (global) Error() *zerolog.Event { return Error() }

// Default returns a Logger backed by the global logger.
func Default() Logger { return global{} }
