package utils

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

const logTimestampFormat = "2006-01-02T15:04:05.000Z07:00"

var (
	Logger     *logrus.Logger
	loggerOnce sync.Mutex
)

// InitLogger initializes the global logger
func InitLogger(level, format, output, file string) error {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: logTimestampFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: logTimestampFormat,
		})
	}

	var out io.Writer = os.Stdout
	switch output {
	case "file":
		if file != "" {
			f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return err
			}
			out = f
		}
	case "stderr":
		out = os.Stderr
	}
	logger.SetOutput(out)

	loggerOnce.Lock()
	Logger = logger
	loggerOnce.Unlock()
	return nil
}

// GetLogger returns the global logger instance
func GetLogger() *logrus.Logger {
	loggerOnce.Lock()
	l := Logger
	loggerOnce.Unlock()
	if l == nil {
		_ = InitLogger("info", "json", "stdout", "")
		loggerOnce.Lock()
		l = Logger
		loggerOnce.Unlock()
	}
	return l
}

// WithComponent returns a log entry tagged with the component name
func WithComponent(component string) *logrus.Entry {
	return GetLogger().WithField("component", component)
}
