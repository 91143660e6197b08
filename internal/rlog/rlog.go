// Package rlog provides the subject-prefixed Debugf/Infof/Warnf/Errorf
// logging calls used throughout the core, in the same call shape as
// the teacher's fs.Debugf(subject, format, args...) — backed by
// logrus instead of the teacher's own (stripped) hand-rolled level
// filter.
package rlog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

// SetLevel maps a repertory EventLevel onto the underlying logrus
// level. Unrecognized levels fall back to Info.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)
}

func SetOutputJSON(enabled bool) {
	if enabled {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func entry(subject interface{}) *logrus.Entry {
	return base.WithField("subject", fmt.Sprint(subject))
}

func Debugf(subject interface{}, format string, args ...interface{}) {
	entry(subject).Debugf(format, args...)
}

func Infof(subject interface{}, format string, args ...interface{}) {
	entry(subject).Infof(format, args...)
}

func Warnf(subject interface{}, format string, args ...interface{}) {
	entry(subject).Warnf(format, args...)
}

func Errorf(subject interface{}, format string, args ...interface{}) {
	entry(subject).Errorf(format, args...)
}

func Criticalf(subject interface{}, format string, args ...interface{}) {
	entry(subject).WithField("level", "critical").Errorf(format, args...)
}

func Tracef(subject interface{}, format string, args ...interface{}) {
	entry(subject).Tracef(format, args...)
}
