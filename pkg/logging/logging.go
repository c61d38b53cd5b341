// Package logging holds the logger shared by every tapflash package.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(newFormatter(true))
}

func newFormatter(colors bool) *prefixed.TextFormatter {
	return &prefixed.TextFormatter{
		DisableColors:   !colors,
		TimestampFormat: "15:04:05",
		FullTimestamp:   true,
		ForceFormatting: true,
	}
}

// Logger returns the package logger.
func Logger() *logrus.Logger {
	return logger
}

// SetLogger routes output the way l is set up, e.g. into a host
// application's own logrus instance. The settings are copied into the
// shared logger, so entries handed out by For earlier follow as well.
func SetLogger(l *logrus.Logger) {
	if l == nil || l == logger {
		return
	}
	logger.SetOutput(l.Out)
	logger.SetFormatter(l.Formatter)
	logger.SetLevel(l.GetLevel())
	logger.SetReportCaller(l.ReportCaller)
	logger.ReplaceHooks(l.Hooks)
	logger.ExitFunc = l.ExitFunc
}

// SetLevel parses and applies a level name ("debug", "info", ...).
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)
	return nil
}

func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

func SetColors(enabled bool) {
	logger.SetFormatter(newFormatter(enabled))
}

// For returns an entry tagged with the component name, shown as the prefix
// by the console formatter.
func For(component string) *logrus.Entry {
	return logger.WithField("prefix", component)
}
