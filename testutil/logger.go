package testutil

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger returns a logrus entry that discards output.
func Logger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
