package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger writes leveled messages to the console and, optionally, to a file.
// The file always receives debug output, even when the console does not.
type Logger struct {
	Verbose bool

	mu      sync.Mutex
	console *logrus.Logger
	errors  *logrus.Logger
	file    *logrus.Logger
	fileLog *os.File
	hasBar  bool
}

// New creates a new Logger instance
func New(verbose bool) *Logger {
	l := &Logger{
		Verbose: verbose,
		console: newLogrus(os.Stdout),
		errors:  newLogrus(os.Stderr),
	}
	if verbose {
		l.console.SetLevel(logrus.DebugLevel)
	}
	return l
}

// Discard returns a logger that writes nowhere, for tests.
func Discard() *Logger {
	l := New(false)
	l.SetOutput(io.Discard)
	return l
}

func newLogrus(w io.Writer) *logrus.Logger {
	lg := logrus.New()
	lg.SetOutput(w)
	lg.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	lg.SetLevel(logrus.InfoLevel)
	return lg
}

// SetOutput redirects console output, including errors, to w.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.console.SetOutput(w)
	l.errors.SetOutput(w)
}

// SetFileLog enables logging to a file
func (l *Logger) SetFileLog(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	fl := logrus.New()
	fl.SetOutput(f)
	fl.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	fl.SetLevel(logrus.DebugLevel)

	l.fileLog = f
	l.file = fl
	return nil
}

// SetProgressBar indicates that a progress bar is active; non-verbose
// console output is held back so it does not tear the bar.
func (l *Logger) SetProgressBar(active bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hasBar = active
}

// Close closes the log file if open
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileLog != nil {
		err := l.fileLog.Close()
		l.fileLog = nil
		l.file = nil
		return err
	}
	return nil
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.log(logrus.InfoLevel, format, args...)
}

// Debug logs detailed messages only in verbose mode
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(logrus.DebugLevel, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(logrus.WarnLevel, format, args...)
}

// Error logs to stderr regardless of the progress bar.
func (l *Logger) Error(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	l.errors.Error(msg)
	if l.file != nil {
		l.file.Error(msg)
	}
}

func (l *Logger) log(level logrus.Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)

	if l.Verbose || !l.hasBar {
		l.console.Log(level, msg)
	}
	if l.file != nil {
		l.file.Log(level, msg)
	}
}
