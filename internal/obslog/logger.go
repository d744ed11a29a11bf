// Package obslog wraps logrus with the engine's structured-logging
// conventions: a thin *logrus.Logger wrapper configured from a
// LoggingConfig, JSON in
// production and human-readable text for local development.
package obslog

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger so engine code can depend on a small, stable
// surface instead of the full logrus API.
type Logger struct {
	*logrus.Logger
}

// Config controls level, format, and output destination.
type Config struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
	Output string `yaml:"output" env:"LOG_OUTPUT"`
}

// New builds a Logger from Config, defaulting to info/text/stdout on
// unrecognized or empty values rather than failing the whole process over a
// logging misconfiguration.
func New(cfg Config) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	base.SetOutput(out)

	return &Logger{Logger: base}
}

// NewDefault builds a Logger with sensible defaults for tests and
// command-line tools that have not yet loaded configuration.
func NewDefault() *Logger {
	return New(Config{Level: "info", Format: "text", Output: "stdout"})
}

// WithRun returns an entry scoped to a run_id, the field nearly every
// engine log line carries.
func (l *Logger) WithRun(runID string) *logrus.Entry {
	return l.WithField("run_id", runID)
}

// WithNode returns an entry scoped to a node_id within a run.
func (l *Logger) WithNode(runID, nodeID string) *logrus.Entry {
	return l.WithFields(logrus.Fields{"run_id": runID, "node_id": nodeID})
}
