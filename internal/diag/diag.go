// Package diag builds the diagnostic sink shared by every component.
// Nothing in this process may log to stdout, which carries the editor's
// protocol stream.
package diag

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"go.trai.ch/langserv-mux/internal/config"
)

// Field names shared by all components.
const (
	FieldComponent = "component"
	FieldChannel   = "channel"
	FieldConn      = "conn"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger writing to path, or to stderr when path is empty.
// The returned closer releases the log file.
func New(path, level string) (*logrus.Logger, io.Closer, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "log level %q", level)
	}

	logger := logrus.New()
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000000",
		DisableColors:   true,
	})

	if path == "" {
		logger.SetOutput(os.Stderr)
		return logger, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), config.DefaultDirPerm); err != nil {
		return nil, nil, errors.Wrap(err, "create log dir")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, config.DefaultFilePerm)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open log file")
	}
	logger.SetOutput(f)

	return logger, f, nil
}

// Component derives the entry a component logs through.
func Component(logger logrus.FieldLogger, name string) *logrus.Entry {
	return logger.WithField(FieldComponent, name)
}
