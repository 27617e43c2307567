// Package blog wires a single root logrus logger through every boltd
// subsystem. Each subsystem keeps a package-level *logrus.Entry tagged
// with "source", narrowed further per call site with WithFields.
package blog

import (
	"time"

	"github.com/sirupsen/logrus"
)

// defaultLevel is the root logger's level until SetLevel changes it;
// it is the same Info level logrus itself defaults to.
var defaultLevel = logrus.InfoLevel

var root = logrus.New()

func init() {
	root.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: time.RFC3339Nano,
	})
	root.SetLevel(defaultLevel)
}

// SetLevel adjusts the root logger's level, e.g. from a --debug flag.
func SetLevel(level logrus.Level) {
	defaultLevel = level
	root.SetLevel(level)
}

// SetOutput redirects the root logger, e.g. to a log file or syslog hook
// owned by the daemon entrypoint.
func SetOutput(w interface{ Write([]byte) (int, error) }) {
	root.SetOutput(w)
}

// For returns a subsystem logger tagged with "source": name.
func For(name string) *logrus.Entry {
	return root.WithField("source", name)
}

// Bug logs a programming-bug condition with a stable "bug" marker field.
// Per spec.md §7 Fatal conditions (i), the caller decides whether to
// abort (debug builds only); this helper only tags and logs.
func Bug(entry *logrus.Entry, format string, args ...interface{}) {
	entry.WithField("bug", true).Errorf(format, args...)
}
