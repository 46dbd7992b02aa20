// Package logger provides the structured logger shared by every component of
// the service. It wraps logrus so call sites can use field-based logging
// (WithField/WithError) and printf-style helpers interchangeably.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	Output     string // stdout, stderr or file
	FilePrefix string // used when Output is "file"
	HostName   string
	Service    string
}

// Logger is a logrus logger bound to a component name.
type Logger struct {
	*logrus.Logger
	component string
	static    logrus.Fields
}

// New builds a logger from configuration. Invalid values fall back to
// sensible defaults rather than failing startup.
func New(cfg LoggingConfig) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	base.SetOutput(openOutput(cfg.Output, cfg.FilePrefix))

	static := logrus.Fields{}
	if cfg.HostName != "" {
		static["host"] = cfg.HostName
	}
	if cfg.Service != "" {
		static["service"] = cfg.Service
	}
	if len(static) > 0 {
		base.AddHook(staticFieldsHook{fields: static})
	}

	return &Logger{Logger: base, static: static}
}

// NewDefault returns an info-level text logger tagged with component.
func NewDefault(component string) *Logger {
	l := New(LoggingConfig{Level: "info", Format: "text", Output: "stdout"})
	l.component = component
	if component != "" {
		l.AddHook(staticFieldsHook{fields: logrus.Fields{"component": component}})
	}
	return l
}

// Named returns an entry tagged with a sub-component name. The underlying
// logger (level, output, hooks) is shared.
func (l *Logger) Named(component string) *logrus.Entry {
	return l.WithField("component", component)
}

// Component reports the component name given to NewDefault.
func (l *Logger) Component() string {
	return l.component
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	l := New(LoggingConfig{Level: "panic"})
	l.SetOutput(io.Discard)
	return l
}

func openOutput(output, prefix string) io.Writer {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	case "file":
		if prefix == "" {
			prefix = "custody"
		}
		name := fmt.Sprintf("%s-%s.log", prefix, time.Now().UTC().Format("20060102"))
		if dir := filepath.Dir(prefix); dir != "." {
			_ = os.MkdirAll(dir, 0o750)
		}
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: open %s: %v; falling back to stdout\n", name, err)
			return os.Stdout
		}
		return f
	default:
		return os.Stdout
	}
}

type staticFieldsHook struct {
	fields logrus.Fields
}

func (h staticFieldsHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h staticFieldsHook) Fire(entry *logrus.Entry) error {
	for k, v := range h.fields {
		if _, exists := entry.Data[k]; !exists {
			entry.Data[k] = v
		}
	}
	return nil
}
