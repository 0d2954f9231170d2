// Package logctx provides field-scoped structured loggers, mirroring
// the teacher's per-package `log = logger.WithFields(...)` idiom
// instead of a global singleton logger read ambiently.
package logctx

import (
	"github.com/sirupsen/logrus"
)

// New returns a logger entry scoped to the given process/component name,
// e.g. logctx.New("fork-registry").
func New(process string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"process": process})
}

// Configure sets the base logrus level and formatter once at process
// start. level must be a valid logrus level string (e.g. "info", "debug").
func Configure(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}
