package telemetry

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger configures the standard logrus logger and returns it. Every
// component takes a logrus.FieldLogger so tests can pass a silent one.
func NewLogger(level string) *logrus.Logger {
	log := logrus.StandardLogger()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("⚠️  Unknown LOG_LEVEL, using info")
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
